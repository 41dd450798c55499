// Package snapshot keeps the latest dashboard, daily summaries and scheduler
// state in a local bbolt file.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/sawpanic/ghldash/internal/report"
)

var (
	// ErrNotFound is returned when nothing was stored under a key
	ErrNotFound = errors.New("snapshot not found")

	// ErrLocked is returned when another process, usually a running
	// 'ghldash serve', holds the snapshot file
	ErrLocked = errors.New("snapshot store is locked by another process")
)

const lockTimeout = time.Second

var (
	bucketDashboard = []byte("dashboard")
	bucketSummaries = []byte("summaries")
	bucketState     = []byte("state")
	bucketStates    = []byte("oauth_states")

	keyLatest  = []byte("latest")
	keyRefresh = []byte("refresh")
)

// RefreshState is the persisted scheduler state
type RefreshState struct {
	Interval    string     `json:"refresh_interval"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Store is a bbolt-backed snapshot store
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens or creates the snapshot file
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: lockTimeout})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDashboard, bucketSummaries, bucketState, bucketStates} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", path).Msg("Snapshot store opened")
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the file
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDashboard replaces the latest dashboard
func (s *Store) SaveDashboard(d *report.Dashboard) error {
	return s.put(bucketDashboard, keyLatest, d)
}

// LatestDashboard returns the last saved dashboard
func (s *Store) LatestDashboard() (*report.Dashboard, error) {
	var d report.Dashboard
	if err := s.get(bucketDashboard, keyLatest, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveSummary stores a daily summary under its date
func (s *Store) SaveSummary(sum *report.Summary) error {
	if sum.Date == "" {
		return fmt.Errorf("summary has no date")
	}
	return s.put(bucketSummaries, []byte(sum.Date), sum)
}

// Summary returns the summary saved for date (YYYY-MM-DD)
func (s *Store) Summary(date string) (*report.Summary, error) {
	var sum report.Summary
	if err := s.get(bucketSummaries, []byte(date), &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// SummaryDates lists the stored summary dates, newest first
func (s *Store) SummaryDates() ([]string, error) {
	var dates []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSummaries).ForEach(func(k, _ []byte) error {
			dates = append(dates, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// SaveRefreshState persists the scheduler state
func (s *Store) SaveRefreshState(st RefreshState) error {
	st.UpdatedAt = s.now()
	return s.put(bucketState, keyRefresh, st)
}

// LoadRefreshState returns the persisted scheduler state
func (s *Store) LoadRefreshState() (RefreshState, error) {
	var st RefreshState
	err := s.get(bucketState, keyRefresh, &st)
	return st, err
}

// PutState records an OAuth authorization state until expires
func (s *Store) PutState(_ context.Context, state string, expires time.Time) error {
	now := s.now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStates)

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var exp time.Time
			if err := exp.UnmarshalText(v); err != nil || now.After(exp) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		v, err := expires.MarshalText()
		if err != nil {
			return err
		}
		return b.Put([]byte(state), v)
	})
}

// TakeState consumes an OAuth authorization state
func (s *Store) TakeState(_ context.Context, state string) (time.Time, bool, error) {
	var exp time.Time
	var found bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStates)
		v := b.Get([]byte(state))
		if v == nil {
			return nil
		}
		if err := exp.UnmarshalText(v); err != nil {
			return fmt.Errorf("corrupt authorization state: %w", err)
		}
		found = true
		return b.Delete([]byte(state))
	})
	return exp, found, err
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", bucket, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucket).Put(key, data); err != nil {
			return fmt.Errorf("failed to store %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (s *Store) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}
