package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/ghldash/internal/net/breaker"
	"github.com/sawpanic/ghldash/internal/net/budget"
	"github.com/sawpanic/ghldash/internal/net/ratelimit"
)

// Error types carried by ProviderError
const (
	TypeRateLimit   = "rate_limit"
	TypeBudget      = "budget"
	TypeCircuitOpen = "circuit_open"
	TypeTransport   = "transport"
	TypeHTTPError   = "http_error"
)

type ctxKey int

const (
	locationKey ctxKey = iota
	endpointKey
)

// WithLocation tags a request context with the CRM location it targets.
// The rate limiter buckets by this value.
func WithLocation(ctx context.Context, locationID string) context.Context {
	return context.WithValue(ctx, locationKey, locationID)
}

// WithEndpoint tags a request context with a low-cardinality endpoint name
// used as the metrics label
func WithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, endpointKey, endpoint)
}

func locationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(locationKey).(string); ok {
		return v
	}
	return ""
}

func endpointFrom(ctx context.Context) string {
	if v, ok := ctx.Value(endpointKey).(string); ok && v != "" {
		return v
	}
	return "other"
}

// RequestObserver records API calls, e.g. a metrics registry
type RequestObserver interface {
	ObserveAPIRequest(endpoint, status string, d time.Duration)
}

// WrapperConfig configures the HTTP client wrapper
type WrapperConfig struct {
	Provider    string
	UserAgent   string
	RateLimiter *ratelimit.Limiter
	Breaker     *breaker.Breaker
	Budget      *budget.Tracker
	Observer    RequestObserver
}

// Wrapper wraps an HTTP RoundTripper with budget accounting, per-location
// rate limiting and circuit breaking
type Wrapper struct {
	config    WrapperConfig
	transport http.RoundTripper
}

// NewWrapper creates a new HTTP client wrapper with all middleware
func NewWrapper(config WrapperConfig, transport http.RoundTripper) *Wrapper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.UserAgent == "" {
		config.UserAgent = "ghldash/1.0"
	}
	return &Wrapper{config: config, transport: transport}
}

// IsSuccessful tells the breaker which errors are upstream failures.
// Throttling, a spent local budget and requests cancelled by the caller
// say nothing about the upstream's health.
func IsSuccessful(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Type == TypeRateLimit || perr.Type == TypeBudget
	}
	return false
}

// RoundTrip implements http.RoundTripper. Responses below 500 other than 429
// are returned untouched so callers can read API error bodies.
func (w *Wrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := endpointFrom(ctx)

	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(ctx)
		req.Header.Set("User-Agent", w.config.UserAgent)
	}

	if w.config.RateLimiter != nil {
		if err := w.config.RateLimiter.Wait(ctx, locationFrom(ctx)); err != nil {
			return nil, &ProviderError{
				Provider: w.config.Provider,
				Type:     TypeRateLimit,
				Err:      fmt.Errorf("rate limit wait failed: %w", err),
			}
		}
	}

	start := time.Now()
	// budget is only spent on requests the breaker lets through
	execute := func() (interface{}, error) {
		if w.config.Budget != nil {
			if err := w.config.Budget.Consume(); err != nil {
				return nil, &ProviderError{Provider: w.config.Provider, Type: TypeBudget, Err: err}
			}
		}

		resp, err := w.transport.RoundTrip(req)
		if err != nil {
			if ctx.Err() == context.Canceled && !errors.Is(err, context.Canceled) {
				err = fmt.Errorf("%w: %v", context.Canceled, err)
			}
			return nil, &ProviderError{Provider: w.config.Provider, Type: TypeTransport, Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			return nil, &ProviderError{
				Provider:   w.config.Provider,
				Type:       TypeRateLimit,
				StatusCode: resp.StatusCode,
				RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
				Err:        fmt.Errorf("HTTP %d from upstream", resp.StatusCode),
			}
		case resp.StatusCode >= 500:
			drain(resp)
			return nil, &ProviderError{
				Provider:   w.config.Provider,
				Type:       TypeHTTPError,
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("HTTP %d error", resp.StatusCode),
			}
		}
		return resp, nil
	}

	var (
		out interface{}
		err error
	)
	if w.config.Breaker != nil {
		out, err = w.config.Breaker.Execute(execute)
		if breaker.IsOpen(err) {
			err = &ProviderError{Provider: w.config.Provider, Type: TypeCircuitOpen, Err: err}
		}
	} else {
		out, err = execute()
	}

	status := "error"
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.StatusCode > 0 {
			status = strconv.Itoa(perr.StatusCode)
		}
		if w.config.Observer != nil {
			w.config.Observer.ObserveAPIRequest(endpoint, status, time.Since(start))
		}
		log.Debug().Err(err).Str("endpoint", endpoint).Msg("CRM API request failed")
		return nil, err
	}

	resp := out.(*http.Response)
	if w.config.Observer != nil {
		w.config.Observer.ObserveAPIRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
	}
	return resp, nil
}

// Stats returns limiter, breaker and budget state for status reporting
func (w *Wrapper) Stats() Stats {
	var s Stats
	if w.config.RateLimiter != nil {
		s.RateLimit = w.config.RateLimiter.Stats()
	}
	if w.config.Breaker != nil {
		s.Breaker = w.config.Breaker.State()
	}
	if w.config.Budget != nil {
		b := w.config.Budget.Stats()
		s.Budget = &b
	}
	return s
}

// Stats represents transport statistics
type Stats struct {
	RateLimit map[string]ratelimit.Stats `json:"rate_limit,omitempty"`
	Breaker   string                     `json:"breaker,omitempty"`
	Budget    *budget.Stats              `json:"budget,omitempty"`
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ProviderError represents an error from the upstream API with context
type ProviderError struct {
	Provider   string        `json:"provider"`
	Type       string        `json:"type"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s %s error (HTTP %d): %v", e.Provider, e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s %s error: %v", e.Provider, e.Type, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimited returns true if the error is due to rate limiting
func (e *ProviderError) IsRateLimited() bool {
	return e.Type == TypeRateLimit
}

// IsBudgetExhausted returns true if the error is due to budget exhaustion
func (e *ProviderError) IsBudgetExhausted() bool {
	return e.Type == TypeBudget
}

// IsCircuitOpen returns true if the error is due to circuit breaker being open
func (e *ProviderError) IsCircuitOpen() bool {
	return e.Type == TypeCircuitOpen
}

// UserFriendlyReason returns an explanation suitable for the dashboard
func (e *ProviderError) UserFriendlyReason() string {
	switch e.Type {
	case TypeRateLimit:
		if e.RetryAfter > 0 {
			return fmt.Sprintf("Rate limited by %s, retry in %s", e.Provider, e.RetryAfter)
		}
		return fmt.Sprintf("Rate limited by %s - too many requests", e.Provider)
	case TypeBudget:
		var exhausted *budget.ExhaustedError
		if errors.As(e.Err, &exhausted) {
			return fmt.Sprintf("Daily request budget exhausted for %s, resets at %s",
				e.Provider, exhausted.ResetAt.Format("15:04 UTC"))
		}
		return fmt.Sprintf("Budget issue with %s", e.Provider)
	case TypeCircuitOpen:
		return fmt.Sprintf("Service %s temporarily unavailable (circuit breaker open)", e.Provider)
	case TypeHTTPError:
		return fmt.Sprintf("HTTP error from %s (status %d)", e.Provider, e.StatusCode)
	case TypeTransport:
		return fmt.Sprintf("Network error connecting to %s", e.Provider)
	default:
		return fmt.Sprintf("Error from provider %s", e.Provider)
	}
}
