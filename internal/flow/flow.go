package flow

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"time"
)

var (
	// ErrExists is returned by Create when the limiter name is taken.
	ErrExists = errors.New("flow: limiter already exists")
	// ErrUnknownLimiter is returned for operations on an unregistered name.
	ErrUnknownLimiter = errors.New("flow: unknown limiter")
	// ErrNegativeCost is returned by Take for a cost below zero.
	ErrNegativeCost = errors.New("flow: negative cost")
)

// Store is the counter store backing a set of named limiters. Every method
// must be individually atomic under unbounded concurrent callers; no
// cross-call transaction is required. SubSaturating clamps the counter at
// zero so it is never observed negative.
type Store interface {
	Create(name string, limit int64) error
	AddAndGet(name string, n int64) (int64, error)
	SubSaturating(name string, n int64) error
	Limit(name string) (int64, error)
	Reset(name string) error
	Remove(name string) error
}

// Rand draws uniform integers in [0, n). *math/rand.Rand satisfies it, so a
// seeded source can be injected for deterministic tests.
type Rand interface {
	Int63n(n int64) int64
}

// RandFunc adapts a function to the Rand interface.
type RandFunc func(n int64) int64

func (f RandFunc) Int63n(n int64) int64 { return f(n) }

// Yield runs between retry attempts of Take. It should give the reset job a
// chance to fire; returning a non-nil error aborts the admission.
type Yield func(ctx context.Context) error

// Gosched is a pure cooperative yield. Under a busy scheduler it degenerates
// into tight retrying, so most callers want Backoff instead.
func Gosched(ctx context.Context) error {
	runtime.Gosched()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Backoff returns a Yield that sleeps a random duration in [min, max],
// honoring context cancellation. The jitter desynchronizes callers that were
// delayed in the same interval.
func Backoff(min, max time.Duration) Yield {
	if min <= 0 {
		min = time.Millisecond
	}
	if max < min {
		max = min
	}
	return func(ctx context.Context) error {
		d := min
		if span := int64(max - min); span > 0 {
			d += time.Duration(rand.Int63n(span + 1))
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// Observer receives admission events. Implementations must be safe for
// concurrent use and should be cheap; they run on the Take hot path.
type Observer interface {
	Admitted(name string, cost int64)
	Delayed(name string)
	Carried(name string, over int64)
	Reset(name string)
}

// NopObserver discards all events. Holding it by default keeps the hot path
// free of nil checks.
type NopObserver struct{}

func (NopObserver) Admitted(string, int64) {}
func (NopObserver) Delayed(string)         {}
func (NopObserver) Carried(string, int64)  {}
func (NopObserver) Reset(string)           {}
