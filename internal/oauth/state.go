package oauth

import (
	"context"
	"sync"
	"time"
)

// StateStore remembers authorization states between AuthorizationURL and
// Exchange. A persistent store lets the two happen in different processes.
type StateStore interface {
	PutState(ctx context.Context, state string, expires time.Time) error
	// TakeState removes the state and reports its expiry, if it was known
	TakeState(ctx context.Context, state string) (time.Time, bool, error)
}

// MemoryStateStore is the in-process StateStore
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

// NewMemoryStateStore creates an empty store that expires states by now,
// or by the wall clock when now is nil
func NewMemoryStateStore(now func() time.Time) *MemoryStateStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStateStore{states: make(map[string]time.Time), now: now}
}

// PutState records a state and drops the ones that already expired
func (s *MemoryStateStore) PutState(_ context.Context, state string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = expires
	return nil
}

// TakeState consumes a state
func (s *MemoryStateStore) TakeState(_ context.Context, state string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.states[state]
	if ok {
		delete(s.states, state)
	}
	return exp, ok, nil
}
