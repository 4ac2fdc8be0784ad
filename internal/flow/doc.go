// Package flow implements a RED-flavored token-bucket flow shaper.
//
// Each named limiter holds a fixed per-interval token budget. Take charges a
// cost against that budget and blocks, by retrying rather than rejecting,
// until the cost has been admitted. As the consumed budget approaches the
// limit, the probability of delaying a caller rises smoothly (Random Early
// Detection), which smooths bursts and avoids synchronized retry storms at
// interval boundaries.
//
// # Admission
//
// Take adds the remaining cost to the shared counter and inspects the total:
//
//   - Total at or past the limit: the portion that fit stays counted against
//     this interval and only the overflow is carried into the next attempt.
//     A request costing more than one interval's budget is therefore
//     completed across multiple intervals.
//   - Total under the limit: with probability 1/headroom the add is rolled
//     back and the whole original cost is retried after a yield; otherwise
//     the request is admitted immediately.
//
// A periodic reset zeroes the counter every interval. It races benignly with
// in-flight adds: a just-added cost may be wiped, which only loosens
// enforcement. The counter never goes negative; rollbacks saturate at zero.
//
// # Guarantees
//
// Take returns nil only on admission. There is no FIFO ordering or fairness
// among concurrent callers, and no bound on how long an unlucky caller may
// be delayed; cancel the context to give up.
//
// The random source, the yield strategy between retries, and the counter
// store are all injectable, so the probability model is deterministic under
// test.
package flow
