package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	httpserver "github.com/sawpanic/ghldash/internal/interfaces/http"
	"github.com/sawpanic/ghldash/internal/refresh"
)

const reachTimeout = time.Second

// apiError is a request the running server refused
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// serverClient talks to a running 'ghldash serve' through its HTTP API.
// The server holds the snapshot store open, so commands go through it.
type serverClient struct {
	base string
	http *http.Client
}

// serverBase is --server, or the configured listen address with a
// wildcard host replaced by loopback
func serverBase() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	host := cfg.Server.Host
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

// connectServer returns a client when a server answers on serverBase, nil
// when none does or --local is set
func connectServer(ctx context.Context) *serverClient {
	if localOnly {
		return nil
	}
	c := &serverClient{
		base: serverBase(),
		http: &http.Client{
			Timeout: time.Minute,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, reachTimeout)
	defer cancel()
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		log.Debug().Err(err).Str("server", c.base).Msg("No running server, using local stores")
		return nil
	}
	resp.Body.Close()
	log.Debug().Str("server", c.base).Msg("Using running server")
	return c
}

func (c *serverClient) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// call sends a request and decodes a successful JSON reply into out
func (c *serverClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s: %w", method, path, err)
	}
	return nil
}

// health returns the health report, which an unhealthy server sends with 503
func (c *serverClient) health(ctx context.Context) (httpserver.HealthResponse, error) {
	var h httpserver.HealthResponse
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("failed to decode health report: %w", err)
	}
	return h, nil
}

// refresh starts a refresh on the server and waits for its outcome on the
// websocket feed. A refresh already running is waited for instead.
func (c *serverClient) refresh(ctx context.Context) (refresh.Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return refresh.Event{}, fmt.Errorf("failed to subscribe to refresh events: %w", err)
	}
	defer conn.Close()

	var apiErr *apiError
	err = c.call(ctx, http.MethodPost, "/api/refresh", nil, nil)
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict:
		log.Info().Msg("A refresh is already running on the server, waiting for it")
	case err != nil:
		return refresh.Event{}, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	for {
		var e refresh.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return refresh.Event{}, ctx.Err()
			}
			return refresh.Event{}, fmt.Errorf("lost connection to server: %w", err)
		}
		switch e.Type {
		case refresh.EventCompleted:
			return e, nil
		case refresh.EventFailed:
			return e, errors.New(e.Error)
		}
	}
}

// authorizationURL asks the server for a consent URL. The server keeps the
// state, so the callback must also go through it.
func (c *serverClient) authorizationURL(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/oauth/authorize", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", readAPIError(resp)
	}
	return resp.Header.Get("Location"), nil
}

// exchange replays the redirect the browser landed on against the server
func (c *serverClient) exchange(ctx context.Context, callbackURL string) error {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("invalid callback URL: %w", err)
	}
	resp, err := c.do(ctx, http.MethodGet, "/oauth/callback?"+u.RawQuery, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return readAPIError(resp)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))

	var body httpserver.ErrorResponse
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimPrefix(msg, "Error: ")}
}
