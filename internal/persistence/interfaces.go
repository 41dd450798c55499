package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// TokenRecord is the stored OAuth credential. There is at most one.
type TokenRecord struct {
	TokenType    string    `json:"token_type"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        []string  `json:"scope"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RefreshRun records one execution of the data refresh job
type RefreshRun struct {
	ID            int64     `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Trigger       string    `json:"trigger"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Locations     int       `json:"locations"`
	Opportunities int       `json:"opportunities"`
}

// Duration returns how long the run took
func (r RefreshRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// TokenRepo persists the singleton OAuth credential
type TokenRepo interface {
	// Load returns the stored token or ErrNotFound
	Load(ctx context.Context) (*TokenRecord, error)

	// Save inserts or replaces the token, keeping the original creation time
	Save(ctx context.Context, token TokenRecord) error

	// Delete removes the stored token; deleting nothing is not an error
	Delete(ctx context.Context) error
}

// RefreshRunRepo keeps the history of refresh runs
type RefreshRunRepo interface {
	// Insert stores a run and returns its id
	Insert(ctx context.Context, run RefreshRun) (int64, error)

	// Latest returns up to limit runs, newest first
	Latest(ctx context.Context, limit int) ([]RefreshRun, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Tokens TokenRepo
	Runs   RefreshRunRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}
