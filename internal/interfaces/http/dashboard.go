package http

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/report"
	"github.com/sawpanic/ghldash/internal/snapshot"
)

//go:embed templates/dashboard.html
var templateFS embed.FS

var metricLabels = map[string]string{
	report.MetricSoldRetail:   "Sold Retail",
	report.MetricSoldRental:   "Sold Rental",
	report.MetricResponseRate: "Lead Response Rate",
	report.MetricResponseTime: "Avg Response Time",
}

var dashboardTmpl = template.Must(template.New("dashboard.html").Funcs(template.FuncMap{
	"money":   report.FormatMoney,
	"percent": report.FormatPercent,
	"minutes": report.FormatMinutes,
	"label":   func(m string) string { return metricLabels[m] },
	"day": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(report.DayLayout)
	},
	"clock": func(t *time.Time) string {
		if t == nil {
			return "not scheduled"
		}
		return t.Format("2006-01-02 15:04 MST")
	},
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}).ParseFS(templateFS, "templates/dashboard.html"))

type pageData struct {
	Title      string
	Authorized bool
	Filter     report.Filter
	Ranges     []string
	Metrics    []string
	Locations  []string
	Selected   map[string]bool
	View       *report.View
	Status     refresh.Status
	Failures   map[string]string
	ExportURL  template.URL
	Notice     string
	Error      string
}

// handleDashboard renders the HTML dashboard for the query string filter
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := pageData{
		Title:      s.config.Title,
		Authorized: s.deps.OAuth.Status(s.now()).Authorized,
		Ranges:     []string{report.RangeDaily, report.RangeWeekly, report.RangeMonthly, report.RangeCustom},
		Metrics:    report.AllMetrics,
		Selected:   map[string]bool{},
	}
	if s.deps.Refresh != nil {
		data.Status = s.deps.Refresh.Status()
	}

	status := http.StatusOK
	f, err := report.ParseFilter(r.URL.Query(), s.config.DefaultRange)
	data.Filter = f
	if err != nil {
		status, data.Error = http.StatusBadRequest, err.Error()
		s.render(w, status, data)
		return
	}
	if len(f.Metrics) == 0 {
		data.Filter.Metrics = report.DefaultMetrics
	}
	for _, m := range data.Filter.Metrics {
		data.Selected[m] = true
	}
	for _, loc := range f.Locations {
		data.Selected[loc] = true
	}

	if d, err := s.deps.Store.LatestDashboard(); err == nil {
		data.Locations = d.Locations
		data.Failures = d.Failures
	}

	v, err := s.view(r.Context(), f)
	switch {
	case err == nil:
		data.View = v
		data.ExportURL = template.URL("/api/export.csv?" + v.Filter.Query().Encode())
	case errors.Is(err, errNoData) || errors.Is(err, snapshot.ErrNotFound):
		data.Notice = "No data yet. Authorize the app and run a refresh."
	default:
		status, data.Error = statusFor(err), err.Error()
	}
	s.render(w, status, data)
}

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, data); err != nil {
		log.Error().Err(err).Msg("Failed to render dashboard")
		http.Error(w, "Error: Failed to render dashboard", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
