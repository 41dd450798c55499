// Package oauth owns the CRM OAuth credential: the authorization-code
// exchange, persistence of the single token, expiry-driven refresh and
// invalidation when the refresh token is rejected.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/sawpanic/ghldash/internal/persistence"
)

var (
	// ErrNotAuthorized means no credential is held; run the authorization flow
	ErrNotAuthorized = errors.New("not authorized: no OAuth token")

	// ErrReauthorizationRequired means the credential can no longer be refreshed
	ErrReauthorizationRequired = errors.New("OAuth token rejected: re-authorization required")

	// ErrInvalidState means the callback state is unknown, reused or expired
	ErrInvalidState = errors.New("invalid or expired OAuth state")

	// ErrMissingCredentials means client id, secret or redirect URI is not configured
	ErrMissingCredentials = errors.New("missing OAuth credentials")

	// ErrAuthorizationDenied means the callback carried an error instead of a code
	ErrAuthorizationDenied = errors.New("authorization denied")
)

const (
	defaultExpiryBuffer = 5 * time.Minute
	defaultStateTTL     = 10 * time.Minute
	refreshTimeout      = 30 * time.Second
)

// Config holds the marketplace app settings
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	ExpiryBuffer time.Duration
	StateTTL     time.Duration
}

// HasCredentials reports whether the authorization flow can run
func (c Config) HasCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

// Status describes the held credential
type Status struct {
	Authorized      bool      `json:"authorized"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Expired         bool      `json:"expired"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	Scope           []string  `json:"scope,omitempty"`
}

// Observer records token lifecycle events, e.g. a metrics registry
type Observer interface {
	ObserveTokenRefresh(result string)
	SetTokenExpiry(expiry time.Time)
}

// Option configures a Manager
type Option func(*Manager)

// WithHTTPClient sets the client used to reach the token endpoint
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObserver registers a lifecycle observer
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithStateStore replaces the in-memory authorization state store
func WithStateStore(s StateStore) Option {
	return func(m *Manager) { m.states = s }
}

// Manager is the single holder of the OAuth credential for the process.
// Reads take a shared lock; refreshes are serialized and deduplicated.
type Manager struct {
	cfg        Config
	oauth      *oauth2.Config
	repo       persistence.TokenRepo
	states     StateStore
	httpClient *http.Client
	now        func() time.Time
	observer   Observer

	mu    sync.RWMutex
	token *Token

	refreshMu sync.Mutex
	group     singleflight.Group
}

// NewManager creates a manager. Call Load to pick up a persisted token.
func NewManager(cfg Config, repo persistence.TokenRepo, opts ...Option) *Manager {
	if cfg.ExpiryBuffer <= 0 {
		cfg.ExpiryBuffer = defaultExpiryBuffer
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}

	m := &Manager{
		cfg:  cfg,
		repo: repo,
		now:  time.Now,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.states == nil {
		m.states = NewMemoryStateStore(m.now)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: refreshTimeout}
	}
	return m
}

// Load reads the persisted token. An empty store is not an error.
func (m *Manager) Load(ctx context.Context) error {
	rec, err := m.repo.Load(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		m.install(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}

	tok := fromRecord(rec)
	m.install(tok)
	log.Info().
		Time("expires_at", tok.ExpiresAt).
		Bool("valid", m.Valid(m.now())).
		Msg("Loaded OAuth token")
	return nil
}

// AuthorizationURL builds the URL the user visits to grant access, and the
// state that the callback must echo back
func (m *Manager) AuthorizationURL(ctx context.Context) (string, string, error) {
	if !m.cfg.HasCredentials() {
		return "", "", ErrMissingCredentials
	}

	state := uuid.NewString()
	if err := m.states.PutState(ctx, state, m.now().Add(m.cfg.StateTTL)); err != nil {
		return "", "", fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return m.oauth.AuthCodeURL(state), state, nil
}

// Exchange trades an authorization code for a token. The state must have
// been issued by AuthorizationURL and is consumed.
func (m *Manager) Exchange(ctx context.Context, code, state string) (*Token, error) {
	if !m.cfg.HasCredentials() {
		return nil, ErrMissingCredentials
	}
	if code == "" {
		return nil, fmt.Errorf("authorization code is empty")
	}

	expires, ok, err := m.states.TakeState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to verify OAuth state: %w", err)
	}
	if !ok || m.now().After(expires) {
		return nil, ErrInvalidState
	}

	t, err := m.oauth.Exchange(m.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch token: %w", err)
	}

	tok := fromOAuth2(t, m.now(), m.cfg.Scopes)
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if err := m.repo.Save(ctx, tok.record()); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}
	m.install(tok)

	log.Info().Time("expires_at", tok.ExpiresAt).Strs("scope", tok.Scope).Msg("Obtained OAuth token")
	return tok.clone(), nil
}

// ExchangeCallback parses the full redirect URL the CRM sent the user to
// and exchanges its code
func (m *Manager) ExchangeCallback(ctx context.Context, callbackURL string) (*Token, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		if desc := q.Get("error_description"); desc != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrAuthorizationDenied, e, desc)
		}
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, e)
	}
	return m.Exchange(ctx, q.Get("code"), q.Get("state"))
}

// Valid reports whether a token is held and does not expire within the
// expiry buffer
func (m *Manager) Valid(now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.validLocked(now)
}

func (m *Manager) validLocked(now time.Time) bool {
	if m.token == nil || m.token.AccessToken == "" || m.token.ExpiresAt.IsZero() {
		return false
	}
	return now.Before(m.token.ExpiresAt.Add(-m.cfg.ExpiryBuffer))
}

// AccessToken returns a usable access token, refreshing it first when it
// is expired or about to expire
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.validLocked(m.now()) {
		at := m.token.AccessToken
		m.mu.RUnlock()
		return at, nil
	}
	held := m.token != nil
	m.mu.RUnlock()

	if !held {
		return "", ErrNotAuthorized
	}

	tok, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Refresh renews the token unless another caller already did. Concurrent
// callers share one request to the token endpoint.
func (m *Manager) Refresh(ctx context.Context) (*Token, error) {
	return m.refresh(ctx, "refresh", false)
}

// ForceRefresh renews the token even if it still looks valid, e.g. after
// the API rejected it
func (m *Manager) ForceRefresh(ctx context.Context) (*Token, error) {
	return m.refresh(ctx, "force", true)
}

func (m *Manager) refresh(ctx context.Context, key string, force bool) (*Token, error) {
	ch := m.group.DoChan(key, func() (interface{}, error) {
		// The shared call outlives any single caller's cancellation
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token).clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) doRefresh(ctx context.Context, force bool) (*Token, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.RLock()
	current := m.token.clone()
	valid := m.validLocked(m.now())
	m.mu.RUnlock()

	if current == nil {
		return nil, ErrNotAuthorized
	}
	if valid && !force {
		return current, nil
	}
	if current.RefreshToken == "" {
		m.observe("rejected")
		return nil, ErrReauthorizationRequired
	}
	if !m.cfg.HasCredentials() {
		return nil, ErrMissingCredentials
	}

	src := m.oauth.TokenSource(m.clientContext(ctx), &oauth2.Token{
		AccessToken:  current.AccessToken,
		RefreshToken: current.RefreshToken,
		TokenType:    current.TokenType,
		Expiry:       time.Unix(1, 0),
	})
	t, err := src.Token()
	if err != nil {
		if isRejected(err) {
			m.observe("rejected")
			log.Warn().Err(err).Msg("Refresh token rejected, invalidating stored credential")
			if ierr := m.invalidateLocked(ctx); ierr != nil {
				log.Error().Err(ierr).Msg("Failed to invalidate rejected token")
			}
			return nil, fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}
		m.observe("error")
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	tok := fromOAuth2(t, m.now(), current.Scope)
	if tok.RefreshToken == "" {
		tok.RefreshToken = current.RefreshToken
	}
	if err := m.repo.Save(ctx, tok.record()); err != nil {
		m.observe("error")
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	m.install(tok)
	m.observe("success")

	log.Info().Time("expires_at", tok.ExpiresAt).Msg("Refreshed OAuth token")
	return tok, nil
}

// Invalidate deletes the persisted token and forgets it. It waits for an
// in-flight refresh so the refreshed token cannot reappear afterwards.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.invalidateLocked(ctx)
}

// invalidateLocked requires refreshMu
func (m *Manager) invalidateLocked(ctx context.Context) error {
	if err := m.repo.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	m.install(nil)
	log.Info().Msg("OAuth token invalidated")
	return nil
}

// Status describes the held credential at now
func (m *Manager) Status(now time.Time) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == nil {
		return Status{Expired: true}
	}
	return Status{
		Authorized:      true,
		ExpiresAt:       m.token.ExpiresAt,
		Expired:         !m.validLocked(now),
		HasRefreshToken: m.token.RefreshToken != "",
		Scope:           append([]string(nil), m.token.Scope...),
	}
}

// HasCredentials reports whether client credentials are configured
func (m *Manager) HasCredentials() bool {
	return m.cfg.HasCredentials()
}

func (m *Manager) install(tok *Token) {
	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()

	if m.observer != nil {
		if tok == nil {
			m.observer.SetTokenExpiry(time.Time{})
		} else {
			m.observer.SetTokenExpiry(tok.ExpiresAt)
		}
	}
}

func (m *Manager) observe(result string) {
	if m.observer != nil {
		m.observer.ObserveTokenRefresh(result)
	}
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// isRejected reports whether the token endpoint refused the refresh token
// itself, as opposed to a transient failure
func isRejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
		return true
	}
	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}
	return false
}

func (t *Token) clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.Scope = append([]string(nil), t.Scope...)
	return &c
}
