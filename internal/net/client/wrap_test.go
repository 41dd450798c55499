package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ghldash/internal/net/breaker"
	"github.com/sawpanic/ghldash/internal/net/budget"
	"github.com/sawpanic/ghldash/internal/net/ratelimit"
)

type observed struct {
	endpoint string
	status   string
}

type fakeObserver struct {
	mu    sync.Mutex
	calls []observed
}

func (f *fakeObserver) ObserveAPIRequest(endpoint, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, observed{endpoint, status})
}

func newClient(cfg WrapperConfig) *http.Client {
	return &http.Client{Transport: NewWrapper(cfg, nil)}
}

func get(t *testing.T, c *http.Client, ctx context.Context, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Do(req)
}

func TestWrapper_SetsUserAgentAndObserves(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := &fakeObserver{}
	c := newClient(WrapperConfig{Provider: "ghl", UserAgent: "ghldash/test", Observer: obs})

	ctx := WithEndpoint(context.Background(), "locations")
	resp, err := get(t, c, ctx, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "ghldash/test", gotUA)
	require.Len(t, obs.calls, 1)
	assert.Equal(t, observed{"locations", "200"}, obs.calls[0])
}

func TestWrapper_ClientErrorsPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Invalid JWT"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := breaker.New(breaker.Settings{Name: "ghl", ConsecutiveFailures: 1, Timeout: time.Hour}, IsSuccessful, nil)
	c := newClient(WrapperConfig{Provider: "ghl", Breaker: b})

	for i := 0; i < 3; i++ {
		resp, err := get(t, c, context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, "closed", b.State())
}

func TestWrapper_ServerErrorsTripBreaker(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := breaker.New(breaker.Settings{Name: "ghl", ConsecutiveFailures: 2, Timeout: time.Hour}, IsSuccessful, nil)
	c := newClient(WrapperConfig{Provider: "ghl", Breaker: b})

	for i := 0; i < 2; i++ {
		_, err := get(t, c, context.Background(), srv.URL)
		var perr *ProviderError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, TypeHTTPError, perr.Type)
		assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
	}

	_, err := get(t, c, context.Background(), srv.URL)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.IsCircuitOpen())
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker must not reach upstream")
}

func TestWrapper_TooManyRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := breaker.New(breaker.Settings{Name: "ghl", ConsecutiveFailures: 1, Timeout: time.Hour}, IsSuccessful, nil)
	c := newClient(WrapperConfig{Provider: "ghl", Breaker: b})

	_, err := get(t, c, context.Background(), srv.URL)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.IsRateLimited())
	assert.Equal(t, 7*time.Second, perr.RetryAfter)
	assert.Contains(t, perr.UserFriendlyReason(), "retry in 7s")
	assert.Equal(t, "closed", b.State(), "throttling is not an upstream failure")
}

func TestWrapper_BudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := budget.NewTracker("ghl", 1, 0, 0.8)
	c := newClient(WrapperConfig{Provider: "ghl", Budget: tracker})

	resp, err := get(t, c, context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = get(t, c, context.Background(), srv.URL)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.IsBudgetExhausted())
	assert.ErrorIs(t, err, budget.ErrBudgetExhausted)
	assert.Contains(t, perr.UserFriendlyReason(), "Daily request budget exhausted")
}

func TestWrapper_OpenBreakerSpendsNoBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tracker := budget.NewTracker("ghl", 10, 0, 0.8)
	b := breaker.New(breaker.Settings{Name: "ghl", ConsecutiveFailures: 1, Timeout: time.Hour}, IsSuccessful, nil)
	c := newClient(WrapperConfig{Provider: "ghl", Breaker: b, Budget: tracker})

	for i := 0; i < 3; i++ {
		_, err := get(t, c, context.Background(), srv.URL)
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())
	assert.Equal(t, int64(1), tracker.Stats().Used)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestWrapper_CancelledRequestsKeepBreakerClosed(t *testing.T) {
	blocking := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, errors.New("connection aborted")
	})
	b := breaker.New(breaker.Settings{Name: "ghl", ConsecutiveFailures: 1, Timeout: time.Hour}, IsSuccessful, nil)
	w := NewWrapper(WrapperConfig{Provider: "ghl", Breaker: b}, blocking)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://crm.invalid/locations", nil)
		require.NoError(t, err)
		time.AfterFunc(10*time.Millisecond, cancel)

		_, err = w.RoundTrip(req)
		assert.ErrorIs(t, err, context.Canceled)
		cancel()
	}
	assert.Equal(t, "closed", b.State())
	assert.False(t, IsSuccessful(&ProviderError{Type: TypeTransport, Err: errors.New("reset")}))
}

func TestWrapper_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	limiter := ratelimit.NewLimiter(0.01, 1)
	w := NewWrapper(WrapperConfig{Provider: "ghl", RateLimiter: limiter}, nil)
	c := &http.Client{Transport: w}

	ctx := WithLocation(context.Background(), "loc-1")
	resp, err := get(t, c, ctx, srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = get(t, c, short, srv.URL)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, TypeRateLimit, perr.Type)

	stats := w.Stats()
	assert.Contains(t, stats.RateLimit, "loc-1")
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("soon"))
	assert.Equal(t, 3*time.Second, retryAfter("3"))
}
