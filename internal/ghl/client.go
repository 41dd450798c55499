// Package ghl is a read-only client for the LeadConnector (GoHighLevel) v2
// REST API.
package ghl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/sawpanic/ghldash/internal/net/client"
	"github.com/sawpanic/ghldash/internal/oauth"
)

// ErrUnauthorized means the API refused the credential even after a refresh
var ErrUnauthorized = errors.New("CRM API rejected the access token")

const maxBodyBytes = 16 << 20

// TokenSource supplies and repairs the bearer token
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (*oauth.Token, error)
	Invalidate(ctx context.Context) error
}

// APIError is a non-success response other than 401
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("CRM API %s: HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("CRM API %s: HTTP %d", e.Endpoint, e.StatusCode)
}

// Client calls the CRM API on behalf of the authorized app
type Client struct {
	baseURL string
	version string
	http    *http.Client
	tokens  TokenSource
}

// NewClient creates a client. httpClient is normally wrapped with the
// transport middleware of internal/net/client.
func NewClient(baseURL, version string, httpClient *http.Client, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		http:    httpClient,
		tokens:  tokens,
	}
}

// OpportunityQuery filters opportunities
type OpportunityQuery struct {
	PipelineID string
	StageID    string
	StartDate  string // YYYY-MM-DD
	EndDate    string // YYYY-MM-DD
}

// Locations lists the sub-accounts visible to the app
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	body, err := c.get(ctx, "locations", "", "/locations/v2", nil)
	if err != nil {
		return nil, err
	}
	var out []Location
	gjson.GetBytes(body, "locations").ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseLocation(v))
		return true
	})
	return out, nil
}

// Location fetches one sub-account
func (c *Client) Location(ctx context.Context, id string) (*Location, error) {
	body, err := c.get(ctx, "location", id, "/locations/v2/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(body)
	if inner := r.Get("location"); inner.Exists() {
		r = inner
	}
	loc := parseLocation(r)
	return &loc, nil
}

// Pipelines lists a location's pipelines
func (c *Client) Pipelines(ctx context.Context, locationID string) ([]Pipeline, error) {
	path := fmt.Sprintf("/locations/%s/pipelines/v2", url.PathEscape(locationID))
	body, err := c.get(ctx, "pipelines", locationID, path, nil)
	if err != nil {
		return nil, err
	}
	var out []Pipeline
	gjson.GetBytes(body, "pipelines").ForEach(func(_, v gjson.Result) bool {
		out = append(out, parsePipeline(v))
		return true
	})
	return out, nil
}

// PipelineStages lists the stages of a pipeline
func (c *Client) PipelineStages(ctx context.Context, locationID, pipelineID string) ([]Stage, error) {
	path := fmt.Sprintf("/locations/%s/pipelines/%s/stages/v2", url.PathEscape(locationID), url.PathEscape(pipelineID))
	body, err := c.get(ctx, "stages", locationID, path, nil)
	if err != nil {
		return nil, err
	}
	var out []Stage
	gjson.GetBytes(body, "stages").ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseStage(v))
		return true
	})
	return out, nil
}

// Opportunities lists opportunities matching q
func (c *Client) Opportunities(ctx context.Context, locationID string, q OpportunityQuery) ([]Opportunity, error) {
	params := url.Values{}
	setIf(params, "pipelineId", q.PipelineID)
	setIf(params, "stageId", q.StageID)
	setIf(params, "startDate", q.StartDate)
	setIf(params, "endDate", q.EndDate)

	path := fmt.Sprintf("/locations/%s/opportunities/v2", url.PathEscape(locationID))
	body, err := c.get(ctx, "opportunities", locationID, path, params)
	if err != nil {
		return nil, err
	}
	var out []Opportunity
	gjson.GetBytes(body, "opportunities").ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseOpportunity(v))
		return true
	})
	return out, nil
}

// Contacts lists contacts created between start and end (YYYY-MM-DD)
func (c *Client) Contacts(ctx context.Context, locationID, start, end string) ([]Contact, error) {
	params := url.Values{}
	setIf(params, "startDate", start)
	setIf(params, "endDate", end)

	path := fmt.Sprintf("/locations/%s/contacts/v2", url.PathEscape(locationID))
	body, err := c.get(ctx, "contacts", locationID, path, params)
	if err != nil {
		return nil, err
	}
	var out []Contact
	gjson.GetBytes(body, "contacts").ForEach(func(_, v gjson.Result) bool {
		out = append(out, parseContact(v))
		return true
	})
	return out, nil
}

// get performs an authorized GET. A 401 forces one token refresh and one
// retry; a second 401 invalidates the credential.
func (c *Client) get(ctx context.Context, endpoint, locationID, path string, params url.Values) ([]byte, error) {
	ctx = client.WithEndpoint(ctx, endpoint)
	if locationID != "" {
		ctx = client.WithLocation(ctx, locationID)
	}

	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, authError(err)
	}

	status, body, err := c.do(ctx, path, params, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized {
		log.Warn().Str("endpoint", endpoint).Msg("Access token rejected, forcing refresh")
		fresh, err := c.tokens.ForceRefresh(ctx)
		if err != nil {
			return nil, authError(err)
		}
		status, body, err = c.do(ctx, path, params, fresh.AccessToken)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			if ierr := c.tokens.Invalidate(ctx); ierr != nil {
				log.Error().Err(ierr).Msg("Failed to invalidate rejected token")
			}
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, endpoint)
		}
	}

	if status < 200 || status > 299 {
		return nil, &APIError{Endpoint: endpoint, StatusCode: status, Message: errorMessage(body)}
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, path string, params url.Values, token string) (int, []byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Version", c.version)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("CRM API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read CRM API response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// authError marks token failures as unauthorized while keeping the cause
func authError(err error) error {
	if errors.Is(err, oauth.ErrNotAuthorized) || errors.Is(err, oauth.ErrReauthorizationRequired) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

// errorMessage extracts the message of an API error body, which is either
// a string or a list of strings
func errorMessage(body []byte) string {
	msg := gjson.GetBytes(body, "message")
	if msg.IsArray() {
		parts := make([]string, 0, len(msg.Array()))
		for _, p := range msg.Array() {
			parts = append(parts, p.String())
		}
		return strings.Join(parts, "; ")
	}
	if msg.String() != "" {
		return msg.String()
	}
	if e := gjson.GetBytes(body, "error"); e.Type == gjson.String {
		return e.String()
	}
	return ""
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
