// Package memory provides the in-process counter store used by flow.Shaper.
package memory

import (
	"sync"
	"sync/atomic"

	"github.com/dewolfe/flowgate/internal/flow"
)

type counter struct {
	limit  int64
	tokens atomic.Int64
}

// Store keeps one atomic counter per limiter name. All operations are
// lock-free on the hot path; sync.Map handles the name table.
type Store struct {
	counters sync.Map // name -> *counter
}

func New() *Store {
	return &Store{}
}

func (s *Store) Create(name string, limit int64) error {
	if _, loaded := s.counters.LoadOrStore(name, &counter{limit: limit}); loaded {
		return flow.ErrExists
	}
	return nil
}

func (s *Store) get(name string) (*counter, error) {
	v, ok := s.counters.Load(name)
	if !ok {
		return nil, flow.ErrUnknownLimiter
	}
	return v.(*counter), nil
}

// AddAndGet atomically adds n and returns the post-add total. The total may
// transiently exceed the limit; callers correct via SubSaturating.
func (s *Store) AddAndGet(name string, n int64) (int64, error) {
	c, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return c.tokens.Add(n), nil
}

// SubSaturating atomically subtracts n, clamping the result at zero. A reset
// racing a rollback can therefore never leave the counter negative.
func (s *Store) SubSaturating(name string, n int64) error {
	c, err := s.get(name)
	if err != nil {
		return err
	}
	for {
		cur := c.tokens.Load()
		next := cur - n
		if next < 0 {
			next = 0
		}
		if c.tokens.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

func (s *Store) Limit(name string) (int64, error) {
	c, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return c.limit, nil
}

// Reset sets the counter to zero unconditionally.
func (s *Store) Reset(name string) error {
	c, err := s.get(name)
	if err != nil {
		return err
	}
	c.tokens.Store(0)
	return nil
}

func (s *Store) Remove(name string) error {
	if _, loaded := s.counters.LoadAndDelete(name); !loaded {
		return flow.ErrUnknownLimiter
	}
	return nil
}

// Tokens reports the current counter value. Intended for tests and
// diagnostics; the value may be stale by the time it is read.
func (s *Store) Tokens(name string) (int64, error) {
	c, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return c.tokens.Load(), nil
}
