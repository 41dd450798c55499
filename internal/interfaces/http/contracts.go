package http

import (
	"time"

	"github.com/sawpanic/ghldash/internal/persistence"
	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/report"
)

// ErrorResponse is the body of every JSON error
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse reports whether the service can do its job
type HealthResponse struct {
	Status      string            `json:"status"` // healthy, degraded, unhealthy
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Version     string            `json:"version,omitempty"`
	Checks      map[string]string `json:"checks"`
	LastUpdated string            `json:"last_updated,omitempty"`

	Database *persistence.HealthCheck `json:"database,omitempty"`
}

// RefreshResponse answers POST /api/refresh
type RefreshResponse struct {
	Status string          `json:"status"` // started or completed
	Result *refresh.Result `json:"result,omitempty"`
}

// IntervalRequest is the body of PUT /api/refresh/interval
type IntervalRequest struct {
	Interval string `json:"refresh_interval"`
}

// SummaryResponse answers GET /api/summary
type SummaryResponse struct {
	Summary   *report.Summary `json:"summary"`
	Available []string        `json:"available_dates"`
}
