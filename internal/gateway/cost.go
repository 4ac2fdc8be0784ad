package gateway

import "net/http"

// CostFunc maps a request to its admission cost in tokens.
type CostFunc func(r *http.Request) int64

// SizeCost charges 1 token plus one per divisor bytes of declared body, so
// large uploads consume proportionally more of the interval budget. Cost is
// capped at maxCost; a zero divisor makes every request cost a flat 1.
// Requests without a Content-Length (chunked uploads) are charged as empty.
func SizeCost(divisor, maxCost int64) CostFunc {
	return func(r *http.Request) int64 {
		cost := int64(1)
		if divisor > 0 && r.ContentLength > 0 {
			cost += r.ContentLength / divisor
		}
		if maxCost > 0 && cost > maxCost {
			cost = maxCost
		}
		return cost
	}
}

// BodyLimit caps the request body read by downstream handlers and the proxy.
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
