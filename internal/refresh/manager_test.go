package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sawpanic/ghldash/internal/persistence"
	"github.com/sawpanic/ghldash/internal/snapshot"
)

type memState struct {
	mu    sync.Mutex
	state *snapshot.RefreshState
	saves int
}

func (s *memState) LoadRefreshState() (snapshot.RefreshState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return snapshot.RefreshState{}, snapshot.ErrNotFound
	}
	return *s.state, nil
}

func (s *memState) SaveRefreshState(st snapshot.RefreshState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	s.saves++
	return nil
}

func (s *memState) get() snapshot.RefreshState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.state
}

type memRuns struct {
	mu   sync.Mutex
	runs []persistence.RefreshRun
}

func (r *memRuns) Insert(_ context.Context, run persistence.RefreshRun) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return int64(len(r.runs)), nil
}

func (r *memRuns) Latest(_ context.Context, limit int) ([]persistence.RefreshRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, nil
}

type observed struct {
	mu      sync.Mutex
	results []string
}

func (o *observed) ObserveRefresh(trigger string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res := trigger + ":ok"
	if err != nil {
		res = trigger + ":error"
	}
	o.results = append(o.results, res)
}

func okJob(context.Context) (Result, error) {
	return Result{Locations: 2, Opportunities: 7}, nil
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(okJob, &memState{}, Options{Interval: "weekly"})
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestNewManager_LoadsPersistedState(t *testing.T) {
	last := time.Date(2025, 5, 30, 23, 0, 0, 0, time.UTC)
	state := &memState{state: &snapshot.RefreshState{Interval: IntervalDaily, LastRefresh: &last}}

	m, err := NewManager(okJob, state, Options{Interval: IntervalHourly})
	require.NoError(t, err)

	st := m.Status()
	assert.Equal(t, IntervalDaily, st.Interval)
	require.NotNil(t, st.LastRefresh)
	assert.True(t, last.Equal(*st.LastRefresh))
	assert.False(t, st.Running)
	assert.Nil(t, st.NextRefresh)
}

func TestNewManager_PersistsInitialState(t *testing.T) {
	state := &memState{}
	_, err := NewManager(okJob, state, Options{})
	require.NoError(t, err)
	assert.Equal(t, IntervalHourly, state.get().Interval)
}

func TestRefresh_Success(t *testing.T) {
	state, runs, obs := &memState{}, &memRuns{}, &observed{}
	m, err := NewManager(okJob, state, Options{Runs: runs, Observer: obs})
	require.NoError(t, err)

	var events []Event
	m.AddListener(func(e Event) { events = append(events, e) })

	res, err := m.Refresh(context.Background(), TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, Result{Locations: 2, Opportunities: 7}, res)

	st := m.Status()
	require.NotNil(t, st.LastRefresh)
	assert.Empty(t, st.LastError)
	assert.False(t, st.InProgress)
	assert.NotNil(t, state.get().LastRefresh)

	require.Len(t, runs.runs, 1)
	assert.True(t, runs.runs[0].Success)
	assert.Equal(t, TriggerManual, runs.runs[0].Trigger)
	assert.Equal(t, 7, runs.runs[0].Opportunities)

	assert.Equal(t, []string{"manual:ok"}, obs.results)
	require.Len(t, events, 2)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, &res, events[1].Result)
}

func TestRefresh_Failure(t *testing.T) {
	state, runs := &memState{}, &memRuns{}
	m, err := NewManager(func(context.Context) (Result, error) {
		return Result{}, errors.New("CRM API rejected the access token")
	}, state, Options{Runs: runs})
	require.NoError(t, err)

	var last Event
	m.AddListener(func(e Event) { last = e })

	_, err = m.Refresh(context.Background(), TriggerScheduled)
	require.Error(t, err)

	st := m.Status()
	assert.Nil(t, st.LastRefresh, "failed runs do not move the last refresh")
	assert.Equal(t, "CRM API rejected the access token", st.LastError)
	require.Len(t, runs.runs, 1)
	assert.False(t, runs.runs[0].Success)
	assert.Equal(t, EventFailed, last.Type)
}

func TestRefresh_DescribeFailure(t *testing.T) {
	runs := &memRuns{}
	m, err := NewManager(func(context.Context) (Result, error) {
		return Result{}, errors.New("HTTP 503")
	}, &memState{}, Options{
		Runs:     runs,
		Describe: func(err error) string { return "CRM unavailable: " + err.Error() },
	})
	require.NoError(t, err)

	var last Event
	m.AddListener(func(e Event) { last = e })

	_, err = m.Refresh(context.Background(), TriggerManual)
	require.Error(t, err)

	assert.Equal(t, "CRM unavailable: HTTP 503", m.Status().LastError)
	assert.Equal(t, "CRM unavailable: HTTP 503", last.Error)
	require.Len(t, runs.runs, 1)
	assert.Equal(t, "HTTP 503", runs.runs[0].Error, "history keeps the raw error")
}

func TestRefresh_InProgress(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	m, err := NewManager(func(ctx context.Context) (Result, error) {
		close(entered)
		<-release
		return Result{}, nil
	}, &memState{}, Options{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background(), TriggerManual)
		errCh <- err
	}()
	<-entered

	assert.True(t, m.Status().InProgress)
	_, err = m.Refresh(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, ErrRefreshInProgress)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, m.Status().InProgress)
}

func TestRefresh_Timeout(t *testing.T) {
	m, err := NewManager(func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}, &memState{}, Options{RunTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = m.Refresh(context.Background(), TriggerManual)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	ran := make(chan string, 4)
	m, err := NewManager(func(context.Context) (Result, error) {
		ran <- "run"
		return Result{}, nil
	}, &memState{}, Options{RunOnStart: true})
	require.NoError(t, err)

	done := make(chan struct{})
	m.AddListener(func(e Event) {
		if e.Type == EventCompleted && e.Trigger == TriggerStartup {
			close(done)
		}
	})

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()), "second start is a no-op")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("startup refresh did not run")
	}
	assert.Len(t, ran, 1)

	st := m.Status()
	assert.True(t, st.Running)
	require.NotNil(t, st.NextRefresh)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *st.NextRefresh, 5*time.Second)

	m.Stop()
	m.Stop()

	st = m.Status()
	assert.False(t, st.Running)
	assert.Nil(t, st.NextRefresh)
}

func TestSetInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	state := &memState{}
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	m, err := NewManager(okJob, state, Options{Location: ny})
	require.NoError(t, err)

	var changed []string
	m.AddListener(func(e Event) {
		if e.Type == EventIntervalChanged {
			changed = append(changed, e.Interval)
		}
	})

	assert.ErrorIs(t, m.SetInterval("minutely"), ErrInvalidInterval)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.SetInterval(IntervalDaily))

	st := m.Status()
	assert.True(t, st.Running)
	assert.Equal(t, IntervalDaily, st.Interval)
	require.NotNil(t, st.NextRefresh)
	next := st.NextRefresh.In(ny)
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 0, next.Minute())

	assert.Equal(t, IntervalDaily, state.get().Interval)
	assert.Equal(t, []string{IntervalDaily}, changed)

	m.Stop()
}

func TestSetInterval_KeepsRunningRefresh(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	m, err := NewManager(func(ctx context.Context) (Result, error) {
		close(entered)
		select {
		case <-release:
			return Result{Locations: 1}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}, &memState{}, Options{RunOnStart: true})
	require.NoError(t, err)

	finished := make(chan Event, 1)
	m.AddListener(func(e Event) {
		if e.Type == EventCompleted || e.Type == EventFailed {
			finished <- e
		}
	})

	require.NoError(t, m.Start(context.Background()))
	<-entered

	start := time.Now()
	require.NoError(t, m.SetInterval(IntervalDaily))
	assert.Less(t, time.Since(start), time.Second)

	st := m.Status()
	assert.True(t, st.Running)
	assert.True(t, st.InProgress)
	assert.Equal(t, IntervalDaily, st.Interval)

	close(release)
	e := <-finished
	assert.Equal(t, EventCompleted, e.Type)
	assert.Empty(t, m.Status().LastError)
	assert.NotNil(t, m.Status().LastRefresh)

	m.Stop()
}
