// Package application assembles the dashboard services from configuration.
package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/cache"
	"github.com/sawpanic/ghldash/internal/collect"
	"github.com/sawpanic/ghldash/internal/config"
	"github.com/sawpanic/ghldash/internal/ghl"
	"github.com/sawpanic/ghldash/internal/infrastructure/db"
	"github.com/sawpanic/ghldash/internal/metrics"
	"github.com/sawpanic/ghldash/internal/net/breaker"
	"github.com/sawpanic/ghldash/internal/net/budget"
	"github.com/sawpanic/ghldash/internal/net/client"
	"github.com/sawpanic/ghldash/internal/net/ratelimit"
	"github.com/sawpanic/ghldash/internal/oauth"
	"github.com/sawpanic/ghldash/internal/persistence"
	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/snapshot"
)

// Provider names the CRM in transport errors and metrics
const Provider = "leadconnector"

// App holds every long-lived component
type App struct {
	Config    *config.AppConfig
	DB        *db.Manager
	Snapshots *snapshot.Store
	Metrics   *metrics.Registry
	OAuth     *oauth.Manager
	Transport *client.Wrapper
	API       *ghl.Client
	Cache     cache.Cache
	Pipeline  *Pipeline
	Refresh   *refresh.Manager

	closers []func() error
}

// New builds the application. The refresh schedule is not started.
func New(ctx context.Context, cfg *config.AppConfig) (_ *App, err error) {
	a := &App{Config: cfg, Metrics: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.DB, err = db.NewManager(ctx, db.ConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	a.closers = append(a.closers, a.DB.Close)
	repos := a.DB.Repository()

	a.Snapshots, err = snapshot.Open(cfg.SnapshotPath())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Snapshots.Close)

	a.OAuth = oauth.NewManager(oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURI,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		Scopes:       cfg.OAuth.Scopes,
		ExpiryBuffer: cfg.OAuth.ExpiryBuffer,
		StateTTL:     cfg.OAuth.StateTTL,
	}, repos.Tokens,
		oauth.WithStateStore(a.Snapshots),
		oauth.WithObserver(a.Metrics),
		oauth.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout}),
	)
	if err = a.OAuth.Load(ctx); err != nil {
		return nil, fmt.Errorf("load OAuth token: %w", err)
	}

	a.Transport = newTransport(cfg, a.Metrics)
	a.API = ghl.NewClient(cfg.API.BaseURL, cfg.API.Version,
		&http.Client{Timeout: cfg.API.Timeout, Transport: a.Transport}, a.OAuth)

	a.Cache = cache.New(ctx, cache.Config{
		RedisAddr:     cfg.Cache.Redis.Addr,
		RedisPassword: cfg.Cache.Redis.Password,
		RedisDB:       cfg.Cache.Redis.DB,
		MaxEntries:    cfg.Cache.MaxEntries,
		Observer:      a.Metrics,
	})
	a.closers = append(a.closers, a.Cache.Close)

	collector := collect.NewCollector(a.API, cfg.Refresh.Concurrency).WithObserver(a.Metrics)
	a.Pipeline = NewPipeline(collector, a.Snapshots, a.Cache, collect.Request{
		Locations: cfg.Dashboard.Locations,
		Stages:    cfg.Dashboard.PipelineStages,
		Days:      cfg.Refresh.LookbackDays,
	}, cfg.Location())

	a.Refresh, err = refresh.NewManager(a.Pipeline.Run, a.Snapshots, refresh.Options{
		Interval:   cfg.Refresh.Interval,
		Location:   cfg.Location(),
		RunOnStart: cfg.Refresh.RunOnStart,
		Observer:   a.Metrics,
		Runs:       repos.Runs,
		Describe:   failureText,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("database", a.DB.Driver()).
		Str("snapshots", cfg.SnapshotPath()).
		Bool("authorized", a.OAuth.Status(time.Now()).Authorized).
		Msg("Application initialized")
	return a, nil
}

func newTransport(cfg *config.AppConfig, reg *metrics.Registry) *client.Wrapper {
	tracker := budget.NewTracker(Provider, cfg.API.DailyBudget, 0, cfg.API.BudgetWarn)
	tracker.OnWarn(func(s budget.Stats) {
		log.Warn().
			Int64("used", s.Used).
			Int64("limit", s.Limit).
			Time("reset", s.NextReset).
			Msg("CRM API daily budget nearly spent")
	})

	br := breaker.New(breaker.Settings{
		Name:                Provider,
		MaxRequests:         cfg.API.Breaker.MaxRequests,
		Interval:            cfg.API.Breaker.Interval,
		Timeout:             cfg.API.Breaker.Timeout,
		ConsecutiveFailures: cfg.API.Breaker.ConsecutiveFailures,
		FailureRatio:        cfg.API.Breaker.FailureRatio,
	}, client.IsSuccessful, reg)

	return client.NewWrapper(client.WrapperConfig{
		Provider:    Provider,
		UserAgent:   cfg.API.UserAgent,
		RateLimiter: ratelimit.NewLimiter(cfg.API.RPS, cfg.API.Burst),
		Breaker:     br,
		Budget:      tracker,
		Observer:    reg,
	}, nil)
}

// failureText leads with the transport's explanation when a CRM request
// caused the failure
func failureText(err error) string {
	var perr *client.ProviderError
	if errors.As(err, &perr) {
		return perr.UserFriendlyReason() + " (" + err.Error() + ")"
	}
	return err.Error()
}

// Health checks the stores the dashboard cannot serve without and
// returns the database pool report alongside
func (a *App) Health(ctx context.Context) (map[string]string, persistence.HealthCheck) {
	checks := map[string]string{"database": "ok", "snapshots": "ok", "oauth": "ok"}

	pool := a.DB.Health(ctx)
	if !pool.Healthy {
		checks["database"] = strings.Join(pool.Errors, "; ")
	}
	if _, err := a.Snapshots.LatestDashboard(); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		checks["snapshots"] = err.Error()
	}
	if !a.OAuth.Status(time.Now()).Authorized {
		checks["oauth"] = "not authorized"
	}
	return checks, pool
}

// Close stops the schedule and releases resources in reverse order
func (a *App) Close() error {
	if a.Refresh != nil && a.Refresh.Status().Running {
		a.Refresh.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
