// Package refresh runs the dashboard data refresh on an hourly or daily
// schedule and on demand.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/persistence"
	"github.com/sawpanic/ghldash/internal/snapshot"
)

// Intervals
const (
	IntervalHourly = "hourly"
	IntervalDaily  = "daily"
)

// Triggers label why a refresh ran
const (
	TriggerScheduled = "scheduled"
	TriggerStartup   = "startup"
	TriggerManual    = "manual"
	TriggerCallback  = "oauth_callback"
)

// Event types delivered to listeners
const (
	EventStarted         = "refresh_started"
	EventCompleted       = "refresh_completed"
	EventFailed          = "refresh_failed"
	EventIntervalChanged = "interval_changed"
)

const (
	dailySpec   = "0 0 * * *"
	stopTimeout = 5 * time.Second
)

var (
	// ErrInvalidInterval is returned for intervals other than hourly and daily
	ErrInvalidInterval = errors.New("refresh interval must be 'hourly' or 'daily'")

	// ErrRefreshInProgress is returned when a refresh is already running
	ErrRefreshInProgress = errors.New("a data refresh is already in progress")
)

// ValidInterval reports whether i can be scheduled
func ValidInterval(i string) bool {
	return i == IntervalHourly || i == IntervalDaily
}

// Result summarizes what a refresh produced
type Result struct {
	Locations     int `json:"locations"`
	Opportunities int `json:"opportunities"`
}

// Job performs one data refresh
type Job func(ctx context.Context) (Result, error)

// StateStore persists the scheduler state
type StateStore interface {
	LoadRefreshState() (snapshot.RefreshState, error)
	SaveRefreshState(snapshot.RefreshState) error
}

// Observer records refresh runs
type Observer interface {
	ObserveRefresh(trigger string, d time.Duration, err error)
}

// Event describes a refresh lifecycle change
type Event struct {
	Type     string        `json:"type"`
	Trigger  string        `json:"trigger,omitempty"`
	Interval string        `json:"interval,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Error    string        `json:"error,omitempty"`
	Result   *Result       `json:"result,omitempty"`
}

// Status is the externally visible scheduler state
type Status struct {
	Running      bool          `json:"running"`
	InProgress   bool          `json:"in_progress"`
	Interval     string        `json:"refresh_interval"`
	LastRefresh  *time.Time    `json:"last_refresh"`
	NextRefresh  *time.Time    `json:"next_refresh"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration_ns"`
}

// Options configures a Manager
type Options struct {
	Interval   string
	Location   *time.Location
	RunTimeout time.Duration
	RunOnStart bool
	Observer   Observer
	Runs       persistence.RefreshRunRepo
	// Describe renders a failed run for status and events
	Describe func(error) string
}

// Manager owns the refresh schedule
type Manager struct {
	job      Job
	state    StateStore
	runs     persistence.RefreshRunRepo
	observer Observer
	describe func(error) string
	loc      *time.Location
	timeout  time.Duration
	onStart  bool
	now      func() time.Time

	mu           sync.Mutex
	interval     string
	lastRefresh  *time.Time
	lastErr      string
	lastDuration time.Duration
	inProgress   bool
	runDone      chan struct{}

	running   bool
	cron      *cron.Cron
	entry     cron.EntryID
	scheduled cron.Job
	cancel    context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// NewManager creates a manager. A persisted interval overrides
// opts.Interval.
func NewManager(job Job, state StateStore, opts Options) (*Manager, error) {
	if opts.Interval == "" {
		opts.Interval = IntervalHourly
	}
	if !ValidInterval(opts.Interval) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, opts.Interval)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.Describe == nil {
		opts.Describe = errString
	}

	m := &Manager{
		job:      job,
		state:    state,
		runs:     opts.Runs,
		observer: opts.Observer,
		describe: opts.Describe,
		loc:      opts.Location,
		timeout:  opts.RunTimeout,
		onStart:  opts.RunOnStart,
		now:      time.Now,
		interval: opts.Interval,
	}

	st, err := state.LoadRefreshState()
	switch {
	case err == nil:
		if ValidInterval(st.Interval) {
			m.interval = st.Interval
		}
		m.lastRefresh = st.LastRefresh
		log.Info().Str("interval", m.interval).Msg("Loaded refresh state")
	case errors.Is(err, snapshot.ErrNotFound):
		m.persist()
	default:
		log.Error().Err(err).Msg("Failed to load refresh state")
	}
	return m, nil
}

// AddListener registers fn for every refresh event
func (m *Manager) AddListener(fn func(Event)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(e Event) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, fn := range m.listeners {
		fn(e)
	}
}

// Start schedules the refresh. Starting twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		log.Warn().Msg("Data refresh is already running")
		return nil
	}

	c := cron.New(cron.WithLocation(m.loc))
	runCtx, cancel := context.WithCancel(ctx)
	job := cron.FuncJob(func() {
		if _, err := m.Refresh(runCtx, TriggerScheduled); errors.Is(err, ErrRefreshInProgress) {
			log.Warn().Msg("Skipping scheduled refresh, previous run still in progress")
		}
	})

	entry, err := schedule(c, m.interval, job)
	if err != nil {
		cancel()
		return err
	}

	c.Start()
	m.cron, m.entry, m.scheduled, m.cancel = c, entry, job, cancel
	m.running = true

	log.Info().Str("interval", m.interval).Str("timezone", m.loc.String()).Msg("Scheduled data refresh")

	if m.onStart {
		go func() {
			if _, err := m.Refresh(runCtx, TriggerStartup); errors.Is(err, ErrRefreshInProgress) {
				log.Debug().Msg("Startup refresh skipped, a refresh is already running")
			}
		}()
	}
	return nil
}

func schedule(c *cron.Cron, interval string, job cron.Job) (cron.EntryID, error) {
	if interval == IntervalHourly {
		return c.Schedule(cron.Every(time.Hour), job), nil
	}
	id, err := c.AddJob(dailySpec, job)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule refresh: %w", err)
	}
	return id, nil
}

// Stop removes the schedule and waits up to five seconds for a running
// refresh. Stopping a stopped manager is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		log.Warn().Msg("Data refresh is not running")
		return
	}
	m.running = false
	c, cancel := m.cron, m.cancel
	done := m.runDone
	m.cron = nil
	m.mu.Unlock()

	stopped := c.Stop()
	wait, cancelWait := context.WithTimeout(context.Background(), stopTimeout)
	defer cancelWait()

	select {
	case <-stopped.Done():
	case <-wait.Done():
	}
	if done != nil {
		select {
		case <-done:
		case <-wait.Done():
			log.Warn().Dur("timeout", stopTimeout).Msg("Refresh still running after stop timeout, cancelling")
		}
	}
	cancel()

	log.Info().Msg("Stopped data refresh")
}

// SetInterval changes and persists the interval. A running schedule is
// replaced in place; an in-flight refresh is left to finish.
func (m *Manager) SetInterval(interval string) error {
	if !ValidInterval(interval) {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}

	m.mu.Lock()
	if m.running {
		entry, err := schedule(m.cron, interval, m.scheduled)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.cron.Remove(m.entry)
		m.entry = entry
	}
	m.interval = interval
	m.mu.Unlock()

	m.persist()

	log.Info().Str("interval", interval).Msg("Set refresh interval")
	m.notify(Event{Type: EventIntervalChanged, Interval: interval, At: m.now()})
	return nil
}

// Refresh runs the job now. A concurrent call fails with
// ErrRefreshInProgress.
func (m *Manager) Refresh(ctx context.Context, trigger string) (Result, error) {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return Result{}, ErrRefreshInProgress
	}
	m.inProgress = true
	done := make(chan struct{})
	m.runDone = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inProgress = false
		m.runDone = nil
		m.mu.Unlock()
		close(done)
	}()

	started := m.now()
	log.Info().Str("trigger", trigger).Msg("Starting data refresh")
	m.notify(Event{Type: EventStarted, Trigger: trigger, At: started})

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	res, err := m.job(runCtx)
	cancel()

	finished := m.now()
	d := finished.Sub(started)

	m.mu.Lock()
	m.lastDuration = d
	if err != nil {
		m.lastErr = m.describe(err)
	} else {
		m.lastErr = ""
		m.lastRefresh = &finished
	}
	m.mu.Unlock()

	m.persist()
	m.record(ctx, persistence.RefreshRun{
		StartedAt:     started,
		FinishedAt:    finished,
		Trigger:       trigger,
		Success:       err == nil,
		Error:         errString(err),
		Locations:     res.Locations,
		Opportunities: res.Opportunities,
	})
	if m.observer != nil {
		m.observer.ObserveRefresh(trigger, d, err)
	}

	if err != nil {
		log.Error().Err(err).Str("trigger", trigger).Dur("duration", d).Msg("Data refresh failed")
		m.notify(Event{Type: EventFailed, Trigger: trigger, At: finished, Duration: d, Error: m.describe(err)})
		return res, err
	}

	log.Info().
		Str("trigger", trigger).
		Int("locations", res.Locations).
		Int("opportunities", res.Opportunities).
		Dur("duration", d).
		Msg("Data refresh completed")
	m.notify(Event{Type: EventCompleted, Trigger: trigger, At: finished, Duration: d, Result: &res})
	return res, nil
}

// Status reports the current state
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Running:      m.running,
		InProgress:   m.inProgress,
		Interval:     m.interval,
		LastRefresh:  m.lastRefresh,
		LastError:    m.lastErr,
		LastDuration: m.lastDuration,
	}
	if m.running && m.cron != nil {
		if next := m.cron.Entry(m.entry).Next; !next.IsZero() {
			s.NextRefresh = &next
		}
	}
	return s
}

// Interval returns the configured interval
func (m *Manager) Interval() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Manager) persist() {
	m.mu.Lock()
	st := snapshot.RefreshState{Interval: m.interval, LastRefresh: m.lastRefresh}
	m.mu.Unlock()

	if err := m.state.SaveRefreshState(st); err != nil {
		log.Error().Err(err).Msg("Failed to save refresh state")
	}
}

func (m *Manager) record(ctx context.Context, run persistence.RefreshRun) {
	if m.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := m.runs.Insert(ctx, run); err != nil {
		log.Error().Err(err).Str("trigger", run.Trigger).Msg("Failed to record refresh run")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
