package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/cache"
	"github.com/sawpanic/ghldash/internal/collect"
	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/report"
)

// Collector gathers raw pipeline data
type Collector interface {
	Collect(ctx context.Context, req collect.Request) (*collect.RawData, error)
}

// SnapshotWriter keeps the processed results
type SnapshotWriter interface {
	SaveDashboard(d *report.Dashboard) error
	SaveSummary(s *report.Summary) error
}

// Pipeline is the refresh job: collect, process, store, invalidate
type Pipeline struct {
	collector Collector
	store     SnapshotWriter
	cache     cache.Cache
	request   collect.Request
	loc       *time.Location
	now       func() time.Time
}

// NewPipeline creates the refresh job. cache may be nil.
func NewPipeline(c Collector, store SnapshotWriter, views cache.Cache, req collect.Request, loc *time.Location) *Pipeline {
	if loc == nil {
		loc = time.UTC
	}
	return &Pipeline{
		collector: c,
		store:     store,
		cache:     views,
		request:   req,
		loc:       loc,
		now:       time.Now,
	}
}

// Run performs one refresh. It satisfies refresh.Job.
func (p *Pipeline) Run(ctx context.Context) (refresh.Result, error) {
	raw, err := p.collector.Collect(ctx, p.request)
	if err != nil {
		return refresh.Result{}, fmt.Errorf("collect: %w", err)
	}
	for name, reason := range raw.Failures {
		log.Warn().Str("location", name).Str("reason", reason).Msg("Location missing from refresh")
	}

	now := p.now().In(p.loc)
	dashboard := report.Process(raw, now)
	if err := p.store.SaveDashboard(dashboard); err != nil {
		return refresh.Result{}, fmt.Errorf("save dashboard: %w", err)
	}

	summary := report.DailySummary(dashboard, now)
	if err := p.store.SaveSummary(summary); err != nil {
		return refresh.Result{}, fmt.Errorf("save summary %s: %w", summary.Date, err)
	}

	if p.cache != nil {
		if err := p.cache.Invalidate(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to invalidate view cache")
		}
	}

	return refresh.Result{
		Locations:     len(raw.Locations),
		Opportunities: raw.OpportunityCount(),
	}, nil
}
