package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/ghldash/internal/persistence"
)

type runRow struct {
	ID            int64   `db:"id"`
	StartedAt     float64 `db:"started_at"`
	FinishedAt    float64 `db:"finished_at"`
	Trigger       string  `db:"run_trigger"`
	Success       bool    `db:"success"`
	Error         string  `db:"error"`
	Locations     int     `db:"locations"`
	Opportunities int     `db:"opportunities"`
}

// runRepo implements persistence.RefreshRunRepo
type runRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRefreshRunRepo creates a refresh run repository on db
func NewRefreshRunRepo(db *sqlx.DB, timeout time.Duration) persistence.RefreshRunRepo {
	return &runRepo{db: db, timeout: timeout}
}

// Insert stores a run and returns its id
func (r *runRepo) Insert(ctx context.Context, run persistence.RefreshRun) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := r.db.Rebind(`
		INSERT INTO refresh_runs
		(started_at, finished_at, run_trigger, success, error, locations, opportunities)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		toUnix(run.StartedAt), toUnix(run.FinishedAt), run.Trigger, run.Success,
		run.Error, run.Locations, run.Opportunities).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert refresh run: %w", err)
	}
	return id, nil
}

// Latest returns up to limit runs, newest first
func (r *runRepo) Latest(ctx context.Context, limit int) ([]persistence.RefreshRun, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 10
	}

	query := r.db.Rebind(`
		SELECT id, started_at, finished_at, run_trigger, success, error, locations, opportunities
		FROM refresh_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?`)

	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list refresh runs: %w", err)
	}

	runs := make([]persistence.RefreshRun, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, persistence.RefreshRun{
			ID:            row.ID,
			StartedAt:     fromUnix(row.StartedAt),
			FinishedAt:    fromUnix(row.FinishedAt),
			Trigger:       row.Trigger,
			Success:       row.Success,
			Error:         row.Error,
			Locations:     row.Locations,
			Opportunities: row.Opportunities,
		})
	}
	return runs, nil
}
