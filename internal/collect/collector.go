// Package collect pulls pipeline and lead data for the tracked locations.
package collect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/ghldash/internal/ghl"
)

// Stage names the dashboard reports on
const (
	StageSoldRetail = "Sold Retail"
	StageSoldRental = "Sold Rental"
)

const dateLayout = "2006-01-02"

// API is the subset of the CRM client the collector needs
type API interface {
	Locations(ctx context.Context) ([]ghl.Location, error)
	Pipelines(ctx context.Context, locationID string) ([]ghl.Pipeline, error)
	PipelineStages(ctx context.Context, locationID, pipelineID string) ([]ghl.Stage, error)
	Opportunities(ctx context.Context, locationID string, q ghl.OpportunityQuery) ([]ghl.Opportunity, error)
	Contacts(ctx context.Context, locationID, start, end string) ([]ghl.Contact, error)
}

// FailureObserver is told about locations that could not be collected
type FailureObserver interface {
	ObserveCollectFailure(location string)
}

// Request selects what to collect. Empty Locations means every location;
// empty Stages means every stage.
type Request struct {
	Locations []string
	Stages    []string
	Days      int
}

// LeadMetrics summarizes how quickly leads were contacted
type LeadMetrics struct {
	TotalLeads         int     `json:"total_leads"`
	RespondedLeads     int     `json:"responded_leads"`
	ResponseRate       float64 `json:"response_rate"`
	AvgResponseMinutes float64 `json:"avg_response_time_minutes"`
}

// LocationData is everything collected for one location
type LocationData struct {
	ID      string                       `json:"id"`
	Name    string                       `json:"name"`
	ByStage map[string][]ghl.Opportunity `json:"by_stage"`
	Leads   LeadMetrics                  `json:"lead_metrics"`
}

// SoldRetail returns the opportunities in the Sold Retail stage
func (d LocationData) SoldRetail() []ghl.Opportunity {
	return d.ByStage[StageSoldRetail]
}

// SoldRental returns the opportunities in the Sold Rental stage
func (d LocationData) SoldRental() []ghl.Opportunity {
	return d.ByStage[StageSoldRental]
}

// RawData is the result of one collection
type RawData struct {
	Locations  []string                `json:"locations"`
	ByLocation map[string]LocationData `json:"by_location"`
	Failures   map[string]string       `json:"failures,omitempty"`
	Start      time.Time               `json:"start"`
	End        time.Time               `json:"end"`
}

// OpportunityCount totals the collected opportunities
func (r *RawData) OpportunityCount() int {
	n := 0
	for _, d := range r.ByLocation {
		for _, opps := range d.ByStage {
			n += len(opps)
		}
	}
	return n
}

// Collector fans collection out across locations
type Collector struct {
	api         API
	concurrency int
	now         func() time.Time
	observer    FailureObserver
}

// NewCollector creates a collector running at most concurrency locations at once
func NewCollector(api API, concurrency int) *Collector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Collector{api: api, concurrency: concurrency, now: time.Now}
}

// WithObserver registers a failure observer
func (c *Collector) WithObserver(o FailureObserver) *Collector {
	c.observer = o
	return c
}

// WithClock replaces the time source
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect gathers data for every requested location. A location that fails
// is reported in Failures; an authorization failure aborts everything.
func (c *Collector) Collect(ctx context.Context, req Request) (*RawData, error) {
	if req.Days < 1 {
		req.Days = 30
	}

	all, err := c.api.Locations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	end := c.now()
	raw := &RawData{
		ByLocation: make(map[string]LocationData),
		Failures:   make(map[string]string),
		Start:      end.AddDate(0, 0, -req.Days),
		End:        end,
	}

	targets := c.resolve(all, req.Locations, raw.Failures)
	if len(targets) == 0 {
		return nil, fmt.Errorf("no locations to collect")
	}

	start, stop := raw.Start.Format(dateLayout), end.Format(dateLayout)
	stages := make(map[string]bool, len(req.Stages))
	for _, s := range req.Stages {
		stages[s] = true
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, loc := range targets {
		loc := loc
		g.Go(func() error {
			started := time.Now()
			data, err := c.collectLocation(gctx, loc, stages, start, stop)
			if err != nil {
				if errors.Is(err, ghl.ErrUnauthorized) {
					return err
				}
				log.Warn().Err(err).Str("location", loc.Name).Msg("Location collection failed")
				if c.observer != nil {
					c.observer.ObserveCollectFailure(loc.Name)
				}
				mu.Lock()
				raw.Failures[loc.Name] = err.Error()
				mu.Unlock()
				return nil
			}

			log.Debug().
				Str("location", loc.Name).
				Int("retail", len(data.SoldRetail())).
				Int("rental", len(data.SoldRental())).
				Int("leads", data.Leads.TotalLeads).
				Dur("duration", time.Since(started)).
				Msg("Collected location")

			mu.Lock()
			raw.ByLocation[loc.Name] = data
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, loc := range targets {
		if _, ok := raw.ByLocation[loc.Name]; ok {
			raw.Locations = append(raw.Locations, loc.Name)
		}
	}
	if len(raw.Locations) == 0 {
		return nil, fmt.Errorf("all %d locations failed to collect", len(targets))
	}
	return raw, nil
}

// resolve maps requested names to locations, keeping request order
func (c *Collector) resolve(all []ghl.Location, names []string, failures map[string]string) []ghl.Location {
	if len(names) == 0 {
		out := append([]ghl.Location(nil), all...)
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}

	byName := make(map[string]ghl.Location, len(all))
	for _, l := range all {
		byName[l.Name] = l
	}

	out := make([]ghl.Location, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		loc, ok := byName[name]
		if !ok {
			failures[name] = "location not found"
			continue
		}
		out = append(out, loc)
	}
	return out
}

func (c *Collector) collectLocation(ctx context.Context, loc ghl.Location, stages map[string]bool, start, end string) (LocationData, error) {
	data := LocationData{ID: loc.ID, Name: loc.Name, ByStage: make(map[string][]ghl.Opportunity)}

	pipelines, err := c.api.Pipelines(ctx, loc.ID)
	if err != nil {
		return data, fmt.Errorf("pipelines: %w", err)
	}

	for _, p := range pipelines {
		pstages, err := c.api.PipelineStages(ctx, loc.ID, p.ID)
		if err != nil {
			return data, fmt.Errorf("stages of pipeline %s: %w", p.Name, err)
		}
		for _, s := range pstages {
			if len(stages) > 0 && !stages[s.Name] {
				continue
			}
			opps, err := c.api.Opportunities(ctx, loc.ID, ghl.OpportunityQuery{
				PipelineID: p.ID,
				StageID:    s.ID,
				StartDate:  start,
				EndDate:    end,
			})
			if err != nil {
				return data, fmt.Errorf("opportunities of stage %s: %w", s.Name, err)
			}
			// the same stage name in several pipelines accumulates
			data.ByStage[s.Name] = append(data.ByStage[s.Name], opps...)
		}
	}

	contacts, err := c.api.Contacts(ctx, loc.ID, start, end)
	if err != nil {
		return data, fmt.Errorf("contacts: %w", err)
	}
	data.Leads = ComputeLeadMetrics(contacts)
	return data, nil
}

// ComputeLeadMetrics derives response metrics from contacts. A contact has
// responded when any last contact date is known; response time counts only
// contacts with both timestamps.
func ComputeLeadMetrics(contacts []ghl.Contact) LeadMetrics {
	m := LeadMetrics{TotalLeads: len(contacts)}

	var totalMinutes float64
	var timed int
	for _, c := range contacts {
		if c.Contacted {
			m.RespondedLeads++
		}
		if !c.CreatedAt.IsZero() && !c.LastContactedAt.IsZero() {
			totalMinutes += c.LastContactedAt.Sub(c.CreatedAt).Minutes()
			timed++
		}
	}

	if m.TotalLeads > 0 {
		m.ResponseRate = float64(m.RespondedLeads) / float64(m.TotalLeads)
	}
	if timed > 0 {
		m.AvgResponseMinutes = totalMinutes / float64(timed)
	}
	return m
}
