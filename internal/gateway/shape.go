package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/dewolfe/flowgate/internal/flow"
	"github.com/dewolfe/flowgate/internal/routing"
	"github.com/dewolfe/flowgate/internal/stats"
)

// ShapeOptions wires the shaping middleware.
type ShapeOptions struct {
	Shaper *flow.Shaper
	Cost   CostFunc       // nil: flat cost 1
	KeyFn  KeyFunc        // nil: DefaultKeyFunc("", false)
	Stats  stats.Recorder // nil: no recording
	OnWait func(flowName string, d time.Duration)
	Skip   map[string]struct{}
}

// Shape delays requests through the route's flow limiter. Backpressure is
// expressed purely as latency: the request proceeds once its cost has been
// admitted, however long that takes, unless the client goes away first.
func Shape(opts ShapeOptions) Middleware {
	if opts.Cost == nil {
		opts.Cost = func(*http.Request) int64 { return 1 }
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc("", false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := opts.Skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, _ := routing.RouteFrom(r)
			if rt == nil || rt.Flow == "" {
				next.ServeHTTP(w, r)
				return
			}

			cost := opts.Cost(r)
			start := time.Now()
			if err := opts.Shaper.Take(r.Context(), rt.Flow, cost); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					// Client gave up while parked; nothing to answer.
					return
				}
				hlog.FromRequest(r).Error().Err(err).Str("flow", rt.Flow).Msg("flow admission failed")
				writeJSON(w, http.StatusInternalServerError, "flow_error", "internal flow limiter error")
				return
			}
			wait := time.Since(start)

			w.Header().Set("X-Shape-Wait-Ms", strconv.FormatInt(wait.Milliseconds(), 10))
			if opts.OnWait != nil {
				opts.OnWait(rt.Flow, wait)
			}

			if opts.Stats != nil {
				ev := stats.Event{
					Flow:   rt.Flow,
					Key:    opts.KeyFn(r),
					Cost:   cost,
					Wait:   wait,
					Method: r.Method,
					Path:   r.URL.Path,
					At:     start,
				}
				logger := hlog.FromRequest(r)
				// Best-effort: recording must never hold up the request.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					if err := opts.Stats.Record(ctx, ev); err != nil {
						logger.Debug().Err(err).Msg("stats record failed")
					}
				}()
			}

			next.ServeHTTP(w, r)
		})
	}
}
