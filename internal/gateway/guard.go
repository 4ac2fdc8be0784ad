package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dewolfe/flowgate/internal/routing"
)

// GuardStore keeps one token bucket per client key so a single abusive
// client cannot monopolize the shared flow budget behind it. Idle entries
// are evicted by the janitor.
type GuardStore struct {
	mu      sync.Mutex
	entries map[string]*guardEntry
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type guardEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewGuardStore(rps float64, burst int, idleTTL time.Duration) *GuardStore {
	if idleTTL <= 0 {
		idleTTL = 15 * time.Minute
	}
	return &GuardStore{
		entries: make(map[string]*guardEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
	}
}

func (s *GuardStore) Get(key string) *rate.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = &guardEntry{lim: lim, lastSeen: now}
	return lim
}

func (s *GuardStore) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// Len reports the number of tracked clients.
func (s *GuardStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// StartJanitor evicts idle clients periodically until ctx is done.
func (s *GuardStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 2 * time.Minute
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// Guard rejects clients that exceed their per-client request rate with 429.
// This is the hard edge limit; the Shape middleware behind it delays rather
// than rejects.
func Guard(store *GuardStore, keyFn KeyFunc, skip map[string]struct{}, onRejected func(routeID string)) Middleware {
	if keyFn == nil {
		keyFn = DefaultKeyFunc("", false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			if !store.Get(keyFn(r)).Allow() {
				if onRejected != nil {
					routeID := "unknown"
					if rt, ok := routing.RouteFrom(r); ok && rt.ID != "" {
						routeID = rt.ID
					}
					onRejected(routeID)
				}
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
