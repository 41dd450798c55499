package sqlstore

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sawpanic/ghldash/internal/persistence"
)

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open(DriverSQLite, filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func TestTokenRepo_SQLiteRoundTrip(t *testing.T) {
	db := openSQLite(t)
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &tokenRepo{db: db, timeout: 5 * time.Second, now: func() time.Time { return clock }}

	_, err := repo.Load(ctx)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	expires := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, persistence.TokenRecord{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expires,
		Scope:        []string{"locations.readonly", "contacts.readonly"},
	}))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", got.TokenType)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.True(t, expires.Equal(got.ExpiresAt), "expiry %v != %v", got.ExpiresAt, expires)
	assert.Equal(t, []string{"locations.readonly", "contacts.readonly"}, got.Scope)
	assert.True(t, clock.Equal(got.CreatedAt))

	clock = clock.Add(time.Hour)
	require.NoError(t, repo.Save(ctx, persistence.TokenRecord{
		AccessToken:  "access-2",
		RefreshToken: "refresh-2",
		ExpiresAt:    expires.Add(time.Hour),
	}))

	got, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Empty(t, got.Scope)
	assert.True(t, clock.Add(-time.Hour).Equal(got.CreatedAt), "created_at must survive replacement")
	assert.True(t, clock.Equal(got.UpdatedAt))

	var count int
	require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM oauth_tokens`))
	assert.Equal(t, 1, count)

	require.NoError(t, repo.Delete(ctx))
	_, err = repo.Load(ctx)
	require.ErrorIs(t, err, persistence.ErrNotFound)
	require.NoError(t, repo.Delete(ctx), "deleting nothing is not an error")
}

func TestTokenRepo_RejectsEmptyAccessToken(t *testing.T) {
	repo := NewTokenRepo(openSQLite(t), time.Second)
	err := repo.Save(context.Background(), persistence.TokenRecord{RefreshToken: "r"})
	require.Error(t, err)
}

func TestRefreshRunRepo_SQLite(t *testing.T) {
	repo := NewRefreshRunRepo(openSQLite(t), 5*time.Second)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		id, err := repo.Insert(ctx, persistence.RefreshRun{
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			FinishedAt:    base.Add(time.Duration(i)*time.Hour + 90*time.Second),
			Trigger:       "scheduled",
			Success:       i != 1,
			Error:         map[bool]string{true: "", false: "boom"}[i != 1],
			Locations:     9,
			Opportunities: 10 * i,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), id)
	}

	runs, err := repo.Latest(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(3), runs[0].ID)
	assert.True(t, runs[0].Success)
	assert.Equal(t, 20, runs[0].Opportunities)
	assert.False(t, runs[1].Success)
	assert.Equal(t, "boom", runs[1].Error)
	assert.Equal(t, 90*time.Second, runs[0].Duration())
}

func newPostgresMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, DriverPostgres), mock
}

func TestTokenRepo_PostgresDialect(t *testing.T) {
	db, mock := newPostgresMock(t)
	repo := NewTokenRepo(db, time.Second)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)).
		WithArgs(1, "Bearer", "at", "rt", sqlmock.AnyArg(), `["locations.readonly"]`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Save(ctx, persistence.TokenRecord{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Unix(1_750_000_000, 0),
		Scope:        []string{"locations.readonly"},
	}))

	rows := sqlmock.NewRows([]string{"token_type", "access_token", "refresh_token", "expires_at", "scope", "created_at", "updated_at"}).
		AddRow("Bearer", "at", "rt", 1_750_000_000.5, `["locations.readonly"]`, 1_749_990_000.0, 1_749_990_000.0)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM oauth_tokens`)).WithArgs(1).WillReturnRows(rows)

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_750_000_000), got.ExpiresAt.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(got.ExpiresAt.Nanosecond()))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM oauth_tokens`)).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"token_type"}))
	_, err = repo.Load(ctx)
	assert.ErrorIs(t, err, persistence.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM oauth_tokens WHERE id = $1`)).WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(ctx))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshRunRepo_PostgresDialect(t *testing.T) {
	db, mock := newPostgresMock(t)
	repo := NewRefreshRunRepo(db, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "manual", true, "", 9, 42).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	id, err := repo.Insert(context.Background(), persistence.RefreshRun{
		StartedAt:     time.Now().Add(-time.Minute),
		FinishedAt:    time.Now(),
		Trigger:       "manual",
		Success:       true,
		Locations:     9,
		Opportunities: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchema_UnknownDriver(t *testing.T) {
	_, err := Schema("mysql")
	require.Error(t, err)
}
