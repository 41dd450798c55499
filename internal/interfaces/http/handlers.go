package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/ghl"
	"github.com/sawpanic/ghldash/internal/oauth"
	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/report"
	"github.com/sawpanic/ghldash/internal/snapshot"
)

var errNoData = errors.New("no dashboard data yet, run a refresh first")

// writeJSON writes JSON response with proper error handling
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message, RequestID: requestID(r)})
}

// statusFor maps service errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, report.ErrInvalidFilter), errors.Is(err, refresh.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, oauth.ErrNotAuthorized),
		errors.Is(err, oauth.ErrReauthorizationRequired),
		errors.Is(err, ghl.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, refresh.ErrRefreshInProgress):
		return http.StatusConflict
	case errors.Is(err, errNoData), errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// view builds or loads the filtered view of the latest dashboard
func (s *Server) view(ctx context.Context, f report.Filter) (*report.View, error) {
	d, err := s.deps.Store.LatestDashboard()
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, errNoData
	}
	if err != nil {
		return nil, err
	}

	now := s.now().In(s.config.Location)
	key := d.LastUpdated + "|" + now.Format(report.DayLayout) + "|" + f.Query().Encode()

	if s.deps.Cache != nil {
		raw, found, err := s.deps.Cache.Get(ctx, key)
		if err != nil {
			log.Warn().Err(err).Msg("View cache lookup failed")
		}
		if found {
			var v report.View
			if err := json.Unmarshal(raw, &v); err == nil {
				return &v, nil
			}
		}
	}

	v, err := report.BuildView(d, f, now)
	if err != nil {
		return nil, err
	}

	if s.deps.Cache != nil {
		if raw, err := json.Marshal(v); err == nil {
			if err := s.deps.Cache.Set(ctx, key, raw, s.config.CacheTTL); err != nil {
				log.Warn().Err(err).Msg("View cache store failed")
			}
		}
	}
	return v, nil
}

func (s *Server) handleAPIDashboard(w http.ResponseWriter, r *http.Request) {
	f, err := report.ParseFilter(r.URL.Query(), s.config.DefaultRange)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.view(r.Context(), f)
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := report.ParseFilter(r.URL.Query(), s.config.DefaultRange)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := s.view(r.Context(), f)
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.config.ExportFilename))
	if err := report.WriteCSV(w, v); err != nil {
		log.Error().Err(err).Str("request_id", requestID(r)).Msg("CSV export failed")
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	dates, err := s.deps.Store.SummaryDates()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		if len(dates) == 0 {
			s.writeError(w, r, http.StatusNotFound, "no daily summaries yet")
			return
		}
		date = dates[0]
	} else if _, err := time.Parse(report.DayLayout, date); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	sum, err := s.deps.Store.Summary(date)
	if err != nil {
		s.writeError(w, r, statusFor(err), fmt.Sprintf("summary %s: %v", date, err))
		return
	}
	s.writeJSON(w, http.StatusOK, SummaryResponse{Summary: sum, Available: dates})
}

// handleRefresh starts a refresh in the background. With wait=true it runs
// inline on the server's lifetime context rather than the request's, so
// the request timeout does not cut a collection short; the refresh
// manager's own run timeout still applies.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		res, err := s.deps.Refresh.Refresh(s.bgCtx, refresh.TriggerManual)
		if err != nil {
			s.writeError(w, r, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, RefreshResponse{Status: "completed", Result: &res})
		return
	}

	if s.deps.Refresh.Status().InProgress {
		s.writeError(w, r, http.StatusConflict, refresh.ErrRefreshInProgress.Error())
		return
	}
	s.refreshAsync(refresh.TriggerManual)
	s.writeJSON(w, http.StatusAccepted, RefreshResponse{Status: "started"})
}

func (s *Server) refreshAsync(trigger string) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.deps.Refresh.Refresh(s.bgCtx, trigger); err != nil {
			log.Warn().Err(err).Str("trigger", trigger).Msg("Background refresh did not complete")
		}
	}()
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Refresh.Status())
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "body must be {\"refresh_interval\": \"hourly|daily\"}")
		return
	}
	if err := s.deps.Refresh.SetInterval(req.Interval); err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Refresh.Status())
}

func (s *Server) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.OAuth.Status(s.now()))
}

func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.OAuth.Invalidate(r.Context()); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Locations == nil {
		s.writeError(w, r, http.StatusNotFound, "location lookup is not available")
		return
	}
	locs, err := s.deps.Locations(r.Context())
	if err != nil {
		s.writeError(w, r, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, locs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Version:   s.config.Version,
		Checks:    map[string]string{},
	}
	if s.deps.Health != nil {
		checks, db := s.deps.Health(r.Context())
		resp.Checks, resp.Database = checks, &db
	}
	if d, err := s.deps.Store.LatestDashboard(); err == nil {
		resp.LastUpdated = d.LastUpdated
	}

	keys := make([]string, 0, len(resp.Checks))
	for k := range resp.Checks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	status := http.StatusOK
	for _, k := range keys {
		if resp.Checks[k] == "ok" {
			continue
		}
		if k == "database" || k == "snapshots" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			break
		}
		resp.Status = "degraded"
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	s.writeJSON(w, status, resp)
}
