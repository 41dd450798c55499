package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpserver "github.com/sawpanic/ghldash/internal/interfaces/http"
	"github.com/sawpanic/ghldash/internal/oauth"
	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/snapshot"
)

// fakeServer answers the subset of the dashboard API the commands use
type fakeServer struct {
	mu       sync.Mutex
	interval string
	revoked  bool
	outcome  refresh.Event
	conns    chan *websocket.Conn
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{interval: refresh.IntervalHourly, conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{}

	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, httpserver.HealthResponse{Status: "healthy", Checks: map[string]string{"database": "ok"}})
	})
	mux.HandleFunc("/api/refresh/status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, http.StatusOK, refresh.Status{Running: true, Interval: f.interval})
	})
	mux.HandleFunc("/api/refresh/interval", func(w http.ResponseWriter, r *http.Request) {
		var req httpserver.IntervalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if !refresh.ValidInterval(req.Interval) {
			writeJSON(w, http.StatusBadRequest, httpserver.ErrorResponse{Error: "invalid refresh interval"})
			return
		}
		f.mu.Lock()
		f.interval = req.Interval
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, refresh.Status{Running: true, Interval: req.Interval})
	})
	mux.HandleFunc("/api/token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodDelete {
			f.revoked = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, oauth.Status{
			Authorized:      !f.revoked,
			ExpiresAt:       time.Now().Add(time.Hour),
			HasRefreshToken: true,
		})
	})
	mux.HandleFunc("/api/refresh", func(w http.ResponseWriter, r *http.Request) {
		conn := <-f.conns
		writeJSON(w, http.StatusAccepted, httpserver.RefreshResponse{Status: "started"})
		go func() {
			conn.WriteJSON(refresh.Event{Type: refresh.EventStarted, Trigger: refresh.TriggerManual})
			conn.WriteJSON(f.outcome)
		}()
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return f, ts
}

func TestCommands_UseRunningServer(t *testing.T) {
	f, ts := newFakeServer(t)
	path := writeConfig(t)

	out, err := run(t, "--config", path, "--server", ts.URL, "interval")
	require.NoError(t, err)
	assert.Contains(t, out, "Refresh interval: hourly")

	out, err = run(t, "--config", path, "--server", ts.URL, "interval", "daily")
	require.NoError(t, err)
	assert.Contains(t, out, "Refresh interval set to daily")
	assert.Equal(t, refresh.IntervalDaily, f.interval)

	_, err = run(t, "--config", path, "--server", ts.URL, "interval", "weekly")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "invalid refresh interval", apiErr.Message)

	out, err = run(t, "--config", path, "--server", ts.URL, "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "authorized until")

	_, err = run(t, "--config", path, "--server", ts.URL, "auth", "revoke")
	require.NoError(t, err)
	out, err = run(t, "--config", path, "--server", ts.URL, "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not authorized")
}

func TestRefreshCommand_WaitsForServerRun(t *testing.T) {
	f, ts := newFakeServer(t)
	f.outcome = refresh.Event{
		Type:     refresh.EventCompleted,
		Duration: 1500 * time.Millisecond,
		Result:   &refresh.Result{Locations: 9, Opportunities: 42},
	}

	out, err := run(t, "--config", writeConfig(t), "--server", ts.URL, "refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "Refresh completed in 1.5s")
	assert.Contains(t, out, "opportunities: 42")
}

func TestRefreshCommand_ReportsServerFailure(t *testing.T) {
	f, ts := newFakeServer(t)
	f.outcome = refresh.Event{Type: refresh.EventFailed, Error: "Rate limited by leadconnector"}

	out, err := run(t, "--config", writeConfig(t), "--server", ts.URL, "refresh")
	require.Error(t, err)
	assert.Contains(t, out, "Refresh failed: Rate limited by leadconnector")
}

func TestLocalCommand_LockedStoreFailsFast(t *testing.T) {
	path := writeConfig(t)
	held, err := snapshot.Open(filepath.Join(filepath.Dir(path), "snapshots.db"))
	require.NoError(t, err)
	defer held.Close()

	start := time.Now()
	_, err = run(t, "--config", path, "--local", "interval")
	require.Error(t, err)
	assert.True(t, errors.Is(err, snapshot.ErrLocked), err.Error())
	assert.Contains(t, err.Error(), "ghldash serve")
	assert.Less(t, time.Since(start), 3*time.Second)
}
