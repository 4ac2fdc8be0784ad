// Package stats records flow admission events, best-effort. Recording must
// never delay or fail a request; callers drop errors after logging them.
package stats

import (
	"context"
	"sync"
	"time"
)

// Event describes one completed admission. Method and Path are generic
// strings so the type stays usable outside HTTP.
type Event struct {
	Flow string // limiter name
	Key  string // client identity, may be empty
	Cost int64
	Wait time.Duration // time spent blocked in Take

	Method string
	Path   string

	At time.Time
}

// Recorder is the persistence strategy for admission events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// FlowTotals is the aggregate a MemoryStore keeps per flow.
type FlowTotals struct {
	Admissions int64
	Cost       int64
	Wait       time.Duration
}

// MemoryStore aggregates events in process memory. Used in tests and as the
// default when no Redis is configured.
type MemoryStore struct {
	mu     sync.Mutex
	byFlow map[string]FlowTotals
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byFlow: make(map[string]FlowTotals)}
}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.byFlow[ev.Flow]
	t.Admissions++
	t.Cost += ev.Cost
	t.Wait += ev.Wait
	s.byFlow[ev.Flow] = t
	return nil
}

// Totals returns the aggregate recorded for a flow.
func (s *MemoryStore) Totals(flow string) FlowTotals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byFlow[flow]
}
