package ghl

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/ghldash/internal/oauth"
)

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	refreshed   string
	refreshErr  error
	accessErr   error
	refreshes   int
	invalidated int
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.accessErr
}

func (f *fakeTokens) ForceRefresh(context.Context) (*oauth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.token = f.refreshed
	return &oauth.Token{AccessToken: f.refreshed}, nil
}

func (f *fakeTokens) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, tokens TokenSource) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "2021-07-28", srv.Client(), tokens)
}

func TestLocations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/locations/v2", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "2021-07-28", r.Header.Get("Version"))
		_, _ = w.Write([]byte(`{"locations":[{"id":"l1","name":"Magic Wheels Macon","timezone":"America/New_York"},{"_id":"l2","name":"Magic Wheels Mobile"}]}`))
	}, &fakeTokens{token: "tok"})

	locs, err := c.Locations(context.Background())
	require.NoError(t, err)
	require.Len(t, locs, 2)
	assert.Equal(t, Location{ID: "l1", Name: "Magic Wheels Macon", Timezone: "America/New_York"}, locs[0])
	assert.Equal(t, "l2", locs[1].ID)
}

func TestLocation_Envelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/locations/v2/l1", r.URL.Path)
		_, _ = w.Write([]byte(`{"location":{"id":"l1","name":"Magic Wheels Augusta"}}`))
	}, &fakeTokens{token: "tok"})

	loc, err := c.Location(context.Background(), "l1")
	require.NoError(t, err)
	assert.Equal(t, "Magic Wheels Augusta", loc.Name)
}

func TestMissingEnvelopeIsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, &fakeTokens{token: "tok"})

	pipelines, err := c.Pipelines(context.Background(), "l1")
	require.NoError(t, err)
	assert.Empty(t, pipelines)
}

func TestPipelinesAndStages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/locations/l1/pipelines/v2":
			_, _ = w.Write([]byte(`{"pipelines":[{"id":"p1","name":"Sales","stages":[{"id":"s1","name":"New"}]}]}`))
		case "/locations/l1/pipelines/p1/stages/v2":
			_, _ = w.Write([]byte(`{"stages":[{"id":"s1","name":"New"},{"id":"s2","name":"Sold Retail"}]}`))
		default:
			http.NotFound(w, r)
		}
	}, &fakeTokens{token: "tok"})

	pipelines, err := c.Pipelines(context.Background(), "l1")
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, []Stage{{ID: "s1", Name: "New"}}, pipelines[0].Stages)

	stages, err := c.PipelineStages(context.Background(), "l1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Sold Retail", stages[1].Name)
}

func TestOpportunities(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/locations/l1/opportunities/v2", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "p1", q.Get("pipelineId"))
		assert.Equal(t, "s2", q.Get("stageId"))
		assert.Equal(t, "2025-05-01", q.Get("startDate"))
		assert.Equal(t, "2025-05-31", q.Get("endDate"))
		_, _ = w.Write([]byte(`{"opportunities":[
			{"id":"o1","monetaryValue":1499.99,"closedDate":"2025-05-03T18:30:00-04:00","createdAt":"2025-04-30T10:00:00Z"},
			{"id":"o2","monetaryValue":"250.10","createdAt":"2025-05-04T09:00:00.000Z"},
			{"id":"o3","monetaryValue":null}
		]}`))
	}, &fakeTokens{token: "tok"})

	opps, err := c.Opportunities(context.Background(), "l1", OpportunityQuery{
		PipelineID: "p1", StageID: "s2", StartDate: "2025-05-01", EndDate: "2025-05-31",
	})
	require.NoError(t, err)
	require.Len(t, opps, 3)

	assert.True(t, decimal.RequireFromString("1499.99").Equal(opps[0].MonetaryValue))
	d, ok := opps[0].Date()
	require.True(t, ok)
	assert.Equal(t, "2025-05-03", d.Format("2006-01-02"), "close date keeps its own offset")

	assert.True(t, decimal.RequireFromString("250.10").Equal(opps[1].MonetaryValue))
	d, ok = opps[1].Date()
	require.True(t, ok)
	assert.Equal(t, "2025-05-04", d.Format("2006-01-02"))

	assert.True(t, opps[2].MonetaryValue.IsZero())
	_, ok = opps[2].Date()
	assert.False(t, ok)
}

func TestContacts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"contacts":[
			{"id":"c1","firstName":"Ada","lastName":"Lovelace","createdAt":"2025-05-01T10:00:00Z","lastContactedDate":"2025-05-01T10:30:00Z"},
			{"id":"c2","contactName":"Bob","dateAdded":"2025-05-02T10:00:00Z"}
		]}`))
	}, &fakeTokens{token: "tok"})

	contacts, err := c.Contacts(context.Background(), "l1", "2025-05-01", "2025-05-31")
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "Ada Lovelace", contacts[0].Name)
	assert.True(t, contacts[0].Contacted)
	assert.Equal(t, 30*time.Minute, contacts[0].LastContactedAt.Sub(contacts[0].CreatedAt))
	assert.False(t, contacts[1].Contacted)
	assert.False(t, contacts[1].CreatedAt.IsZero())
}

func TestUnauthorized_RefreshesAndRetriesOnce(t *testing.T) {
	tokens := &fakeTokens{token: "stale", refreshed: "fresh"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Invalid JWT"}`))
			return
		}
		_, _ = w.Write([]byte(`{"locations":[{"id":"l1","name":"x"}]}`))
	}, tokens)

	locs, err := c.Locations(context.Background())
	require.NoError(t, err)
	assert.Len(t, locs, 1)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, 0, tokens.invalidated)
}

func TestUnauthorized_TwiceInvalidates(t *testing.T) {
	tokens := &fakeTokens{token: "stale", refreshed: "also-bad"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, tokens)

	_, err := c.Locations(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, tokens.refreshes)
	assert.Equal(t, 1, tokens.invalidated)
}

func TestUnauthorized_TokenUnavailable(t *testing.T) {
	tokens := &fakeTokens{accessErr: oauth.ErrNotAuthorized}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be sent without a token")
	}, tokens)

	_, err := c.Locations(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, oauth.ErrNotAuthorized)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"statusCode":422,"message":["startDate must be a date","endDate must be a date"]}`))
	}, &fakeTokens{token: "tok"})

	_, err := c.Opportunities(context.Background(), "l1", OpportunityQuery{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "opportunities", apiErr.Endpoint)
	assert.Equal(t, "startDate must be a date; endDate must be a date", apiErr.Message)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}
