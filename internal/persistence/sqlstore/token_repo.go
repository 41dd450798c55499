package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/ghldash/internal/persistence"
)

// singletonID is the only row the token table ever holds
const singletonID = 1

type tokenRow struct {
	TokenType    string  `db:"token_type"`
	AccessToken  string  `db:"access_token"`
	RefreshToken string  `db:"refresh_token"`
	ExpiresAt    float64 `db:"expires_at"`
	Scope        string  `db:"scope"`
	CreatedAt    float64 `db:"created_at"`
	UpdatedAt    float64 `db:"updated_at"`
}

// tokenRepo implements persistence.TokenRepo
type tokenRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time
}

// NewTokenRepo creates a token repository on db
func NewTokenRepo(db *sqlx.DB, timeout time.Duration) persistence.TokenRepo {
	return &tokenRepo{db: db, timeout: timeout, now: time.Now}
}

// Load returns the stored token
func (r *tokenRepo) Load(ctx context.Context) (*persistence.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(`
		SELECT token_type, access_token, refresh_token, expires_at, scope, created_at, updated_at
		FROM oauth_tokens
		WHERE id = ?`)

	var row tokenRow
	if err := r.db.QueryRowxContext(ctx, query, singletonID).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	var scope []string
	if row.Scope != "" {
		if err := json.Unmarshal([]byte(row.Scope), &scope); err != nil {
			return nil, fmt.Errorf("failed to decode token scope: %w", err)
		}
	}

	return &persistence.TokenRecord{
		TokenType:    row.TokenType,
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		ExpiresAt:    fromUnix(row.ExpiresAt),
		Scope:        scope,
		CreatedAt:    fromUnix(row.CreatedAt),
		UpdatedAt:    fromUnix(row.UpdatedAt),
	}, nil
}

// Save upserts the singleton token row; created_at survives replacement
func (r *tokenRepo) Save(ctx context.Context, token persistence.TokenRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if token.AccessToken == "" {
		return fmt.Errorf("refusing to save token without access token")
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}

	scope := token.Scope
	if scope == nil {
		scope = []string{}
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return fmt.Errorf("failed to marshal scope: %w", err)
	}

	now := toUnix(r.now())
	query := r.db.Rebind(`
		INSERT INTO oauth_tokens
		(id, token_type, access_token, refresh_token, expires_at, scope, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			token_type = excluded.token_type,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at`)

	_, err = r.db.ExecContext(ctx, query,
		singletonID, token.TokenType, token.AccessToken, token.RefreshToken,
		toUnix(token.ExpiresAt), string(scopeJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Delete removes the stored token
func (r *tokenRepo) Delete(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM oauth_tokens WHERE id = ?`), singletonID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func toUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}
