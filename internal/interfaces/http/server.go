// Package http serves the dashboard, its JSON API, the OAuth routes and
// the refresh event stream.
package http

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/cache"
	"github.com/sawpanic/ghldash/internal/ghl"
	"github.com/sawpanic/ghldash/internal/metrics"
	"github.com/sawpanic/ghldash/internal/oauth"
	"github.com/sawpanic/ghldash/internal/persistence"
	"github.com/sawpanic/ghldash/internal/refresh"
	"github.com/sawpanic/ghldash/internal/report"
)

// TokenManager is the OAuth surface the server needs
type TokenManager interface {
	AuthorizationURL(ctx context.Context) (string, string, error)
	ExchangeCallback(ctx context.Context, callbackURL string) (*oauth.Token, error)
	Status(now time.Time) oauth.Status
	Invalidate(ctx context.Context) error
}

// Refresher runs and reports the data refresh
type Refresher interface {
	Refresh(ctx context.Context, trigger string) (refresh.Result, error)
	Status() refresh.Status
	SetInterval(interval string) error
	AddListener(fn func(refresh.Event))
}

// DashboardStore reads processed results
type DashboardStore interface {
	LatestDashboard() (*report.Dashboard, error)
	Summary(date string) (*report.Summary, error)
	SummaryDates() ([]string, error)
}

// Config holds listener and page settings
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	Title          string
	DefaultRange   string
	ExportFilename string
	CacheTTL       time.Duration
	Location       *time.Location
	Version        string
}

// Deps are the services behind the routes. Cache, Metrics, Health and
// Locations may be nil.
type Deps struct {
	OAuth     TokenManager
	Refresh   Refresher
	Store     DashboardStore
	Cache     cache.Cache
	Metrics   *metrics.Registry
	Health    func(ctx context.Context) (map[string]string, persistence.HealthCheck)
	Locations func(ctx context.Context) ([]ghl.Location, error)
}

// Server is the dashboard HTTP server
type Server struct {
	router  *mux.Router
	server  *http.Server
	deps    Deps
	config  Config
	hub     *Hub
	started time.Time
	now     func() time.Time

	// background refreshes started by requests
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

type ctxKey int

const requestIDKey ctxKey = iota

// NewServer creates the server and subscribes its websocket hub to
// refresh events
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultRange == "" {
		cfg.DefaultRange = report.RangeDaily
	}
	if cfg.ExportFilename == "" {
		cfg.ExportFilename = report.ExportFilename
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 45 * time.Second
	}
	if cfg.Title == "" {
		cfg.Title = "Performance Dashboard"
	}

	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		config:  cfg,
		hub:     NewHub(),
		started: time.Now(),
		now:     time.Now,
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	if deps.Refresh != nil {
		deps.Refresh.AddListener(func(e refresh.Event) { s.hub.Broadcast(e) })
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/", s.handleDashboard).Methods(http.MethodGet)
	s.router.HandleFunc("/oauth/authorize", s.handleAuthorize).Methods(http.MethodGet)
	s.router.HandleFunc("/oauth/callback", s.handleCallback).Methods(http.MethodGet)
	s.router.HandleFunc("/api/export.csv", s.handleExport).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	s.router.Handle("/ws", s.hub).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/api/dashboard", s.handleAPIDashboard).Methods(http.MethodGet)
	api.HandleFunc("/api/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/api/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/api/refresh/status", s.handleRefreshStatus).Methods(http.MethodGet)
	api.HandleFunc("/api/refresh/interval", s.handleSetInterval).Methods(http.MethodPut)
	api.HandleFunc("/api/token", s.handleTokenStatus).Methods(http.MethodGet)
	api.HandleFunc("/api/token", s.handleTokenDelete).Methods(http.MethodDelete)
	api.HandleFunc("/api/locations", s.handleLocations).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "the requested endpoint does not exist")
	})
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// requestLoggingMiddleware logs every request and counts it per route
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.deps.Metrics.ObserveHTTP(route, wrapper.statusCode)

		log.Debug().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// timeoutMiddleware bounds request contexts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows local development origins only
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); localOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func localOrigin(origin string) bool {
	return strings.Contains(origin, "://localhost") || strings.Contains(origin, "://127.0.0.1")
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	log.Info().Str("addr", s.Addr()).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes websocket clients and waits
// for background refreshes started by requests
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	err := s.server.Shutdown(ctx)
	s.hub.Close()
	s.bgCancel()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Background refresh still running at shutdown")
	}
	return err
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the wrapper
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
