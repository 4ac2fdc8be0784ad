package flow

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// DefaultInterval is used when Create is given a zero or negative interval.
const DefaultInterval = time.Second

// Shaper owns a set of named limiters: their counters (via the injected
// Store), their periodic reset jobs, and the admission algorithm.
type Shaper struct {
	store Store
	rand  Rand
	yield Yield
	obs   Observer

	mu   sync.Mutex
	jobs map[string]chan struct{} // limiter name -> reset job stop channel
}

// Option configures a Shaper.
type Option func(*Shaper)

// WithRand injects the random source used for the delay draw.
func WithRand(r Rand) Option {
	return func(s *Shaper) { s.rand = r }
}

// WithYield injects the strategy run between retry attempts.
func WithYield(y Yield) Option {
	return func(s *Shaper) { s.yield = y }
}

// WithObserver injects an admission event sink.
func WithObserver(o Observer) Option {
	return func(s *Shaper) { s.obs = o }
}

// New creates a Shaper over the given counter store. Defaults: the shared
// math/rand source, a 1-16ms jittered backoff yield, and a no-op observer.
func New(store Store, opts ...Option) *Shaper {
	s := &Shaper{
		store: store,
		rand:  RandFunc(rand.Int63n),
		yield: Backoff(time.Millisecond, 16*time.Millisecond),
		obs:   NopObserver{},
		jobs:  make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new limiter: a counter starting at zero and a reset job
// firing every interval. A zero or negative interval falls back to
// DefaultInterval. Returns ErrExists for a duplicate name.
func (s *Shaper) Create(name string, limit int64, interval time.Duration) error {
	if limit < 0 {
		return fmt.Errorf("flow: limit must be >= 0, got %d", limit)
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if err := s.store.Create(name, limit); err != nil {
		return err
	}
	stop := make(chan struct{})
	s.mu.Lock()
	s.jobs[name] = stop
	s.mu.Unlock()
	go s.resetLoop(name, interval, stop)
	return nil
}

// resetLoop zeroes the counter once per interval until stopped. A reset
// error means the limiter was removed underneath us; the job exits.
func (s *Shaper) resetLoop(name string, interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := s.store.Reset(name); err != nil {
				return
			}
			s.obs.Reset(name)
		}
	}
}

// Take admits cost tokens against the named limiter, blocking (by retrying)
// until the full cost has been counted. It returns nil only on admission;
// the only errors are precondition violations and context cancellation at a
// yield point.
//
// Each attempt adds the remaining cost n to the counter:
//
//   - total >= limit: the portion under the limit stays counted and only the
//     overflow carries into the next attempt, which after a reset charges
//     against the next interval's budget. Zero overflow means the cost fit
//     exactly and the call completes without another yield.
//   - total < limit: with probability 1/(limit-total) the add is rolled back
//     (saturating at zero, so a racing reset cannot drive the counter
//     negative) and the ORIGINAL cost is retried after a yield. Otherwise
//     the request is admitted. The shrinking headroom makes the delay
//     probability rise toward 1 as the budget fills; at one token of
//     headroom the delay is certain.
func (s *Shaper) Take(ctx context.Context, name string, cost int64) error {
	if cost < 0 {
		return ErrNegativeCost
	}
	limit, err := s.store.Limit(name)
	if err != nil {
		return err
	}
	n := cost
	for {
		total, err := s.store.AddAndGet(name, n)
		if err != nil {
			return err
		}
		if total >= limit {
			over := total - limit
			if over == 0 {
				s.obs.Admitted(name, cost)
				return nil
			}
			s.obs.Carried(name, over)
			if err := s.yield(ctx); err != nil {
				return err
			}
			n = over
			continue
		}
		// distance >= 1: the draw is uniform over [0, distance), so the
		// delay probability is exactly 1/distance.
		distance := limit - total
		if s.rand.Int63n(distance) == 0 {
			if err := s.store.SubSaturating(name, n); err != nil {
				return err
			}
			s.obs.Delayed(name)
			if err := s.yield(ctx); err != nil {
				return err
			}
			n = cost
			continue
		}
		s.obs.Admitted(name, cost)
		return nil
	}
}

// Reset zeroes the named limiter's counter immediately, independent of the
// periodic job.
func (s *Shaper) Reset(name string) error {
	if err := s.store.Reset(name); err != nil {
		return err
	}
	s.obs.Reset(name)
	return nil
}

// Destroy stops the reset job and releases the counter.
func (s *Shaper) Destroy(name string) error {
	s.mu.Lock()
	stop, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownLimiter
	}
	close(stop)
	return s.store.Remove(name)
}

// Close destroys every limiter owned by the Shaper.
func (s *Shaper) Close() error {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()
	var firstErr error
	for _, name := range names {
		if err := s.Destroy(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
