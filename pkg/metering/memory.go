package metering

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]Balance
	records  []Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]Balance)}
}

// SetBalance registers a caller. A nil limit makes the caller unmetered.
func (s *MemoryStore) SetBalance(callerID string, limit *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b Balance
	if limit != nil {
		l, r := *limit, *limit
		b = Balance{Limit: &l, Remaining: &r}
	}
	s.balances[callerID] = b
}

// CreateUsageRecord appends rec and assigns it an id.
func (s *MemoryStore) CreateUsageRecord(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = fmt.Sprintf("mem-%d", len(s.records)+1)
	s.records = append(s.records, rec)
	return rec, nil
}

// DecrementBalance lowers a metered caller's remaining balance, floored at
// zero.
func (s *MemoryStore) DecrementBalance(_ context.Context, callerID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[callerID]
	if !ok || b.Remaining == nil {
		return nil
	}
	r := max(*b.Remaining-amount, 0)
	b.Remaining = &r
	s.balances[callerID] = b
	return nil
}

// Balance returns a copy of the caller's balance.
func (s *MemoryStore) Balance(_ context.Context, callerID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[callerID]
	if !ok {
		return Balance{}, ErrCallerNotFound
	}
	return b, nil
}

// Records returns a copy of all stored records.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
