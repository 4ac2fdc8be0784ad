package flow_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dewolfe/flowgate/internal/flow"
	"github.com/dewolfe/flowgate/internal/flow/memory"
)

// admitAll never draws the delay value: Int63n(n) returns n-1, which is 0
// only when n == 1, so the forced delay at one token of headroom is kept.
var admitAll = flow.RandFunc(func(n int64) int64 { return n - 1 })

// delayAll always draws the delay value.
var delayAll = flow.RandFunc(func(n int64) int64 { return 0 })

// seqRand replays a fixed sequence of draw outcomes: true means delay
// (return 0), false means admit (return n-1).
type seqRand struct {
	mu    sync.Mutex
	delay []bool
}

func (r *seqRand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.delay) > 0 {
		d := r.delay[0]
		r.delay = r.delay[1:]
		if d {
			return 0
		}
	}
	return n - 1
}

// countObserver tallies admission events.
type countObserver struct {
	admitted atomic.Int64
	delayed  atomic.Int64
	carried  atomic.Int64
	resets   atomic.Int64
	lastOver atomic.Int64
}

func (o *countObserver) Admitted(string, int64) { o.admitted.Add(1) }
func (o *countObserver) Delayed(string)         { o.delayed.Add(1) }
func (o *countObserver) Carried(_ string, over int64) {
	o.carried.Add(1)
	o.lastOver.Store(over)
}
func (o *countObserver) Reset(string) { o.resets.Add(1) }

func noYield(context.Context) error { return nil }

func tokens(t *testing.T, st *memory.Store, name string) int64 {
	t.Helper()
	n, err := st.Tokens(name)
	if err != nil {
		t.Fatalf("Tokens(%q): %v", name, err)
	}
	return n
}

func TestTake_AdmitsWithinBudget(t *testing.T) {
	st := memory.New()
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(noYield))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Take(context.Background(), "up", 5); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got := tokens(t, st, "up"); got != 5 {
		t.Fatalf("tokens = %d, want 5", got)
	}
}

func TestTake_ExactFitTerminatesWithoutYield(t *testing.T) {
	st := memory.New()
	var yields atomic.Int64
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(func(context.Context) error {
		yields.Add(1)
		return nil
	}))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Fill to 9, then take the last token: total lands exactly on the
	// limit, overflow is zero, and the call completes in one attempt.
	if _, err := st.AddAndGet("up", 9); err != nil {
		t.Fatalf("AddAndGet: %v", err)
	}
	if err := s.Take(context.Background(), "up", 1); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got := yields.Load(); got != 0 {
		t.Fatalf("yields = %d, want 0", got)
	}
	if got := tokens(t, st, "up"); got != 10 {
		t.Fatalf("tokens = %d, want 10", got)
	}
}

func TestTake_OverflowSplitsAcrossIntervals(t *testing.T) {
	st := memory.New()
	obs := &countObserver{}
	var yields atomic.Int64
	// The yield simulates the interval boundary: the reset job fires while
	// the caller is parked.
	yield := func(context.Context) error {
		yields.Add(1)
		return st.Reset("up")
	}
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(yield), flow.WithObserver(obs))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Take(context.Background(), "up", 25); err != nil {
		t.Fatalf("Take: %v", err)
	}
	// 25 against a budget of 10: carry 15, carry 5, admit 5.
	if got := yields.Load(); got != 2 {
		t.Fatalf("yields = %d, want 2", got)
	}
	if got := obs.carried.Load(); got != 2 {
		t.Fatalf("carried = %d, want 2", got)
	}
	if got := tokens(t, st, "up"); got != 5 {
		t.Fatalf("tokens = %d, want 5", got)
	}
}

func TestTake_CarryOverAmount(t *testing.T) {
	st := memory.New()
	obs := &countObserver{}
	yield := func(context.Context) error { return st.Reset("up") }
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(yield), flow.WithObserver(obs))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 12 against an empty budget of 10: 10 counts now, 2 carries into the
	// next interval.
	if err := s.Take(context.Background(), "up", 12); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got := obs.lastOver.Load(); got != 2 {
		t.Fatalf("carried over = %d, want 2", got)
	}
	if got := tokens(t, st, "up"); got != 2 {
		t.Fatalf("tokens = %d, want 2", got)
	}
}

func TestTake_RollbackRetriesOriginalCost(t *testing.T) {
	st := memory.New()
	obs := &countObserver{}
	r := &seqRand{delay: []bool{true, false}}
	var rolledBackTo int64 = -1
	yield := func(context.Context) error {
		rolledBackTo, _ = st.Tokens("up")
		return nil
	}
	s := flow.New(st, flow.WithRand(r), flow.WithYield(yield), flow.WithObserver(obs))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Take(context.Background(), "up", 4); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got := obs.delayed.Load(); got != 1 {
		t.Fatalf("delayed = %d, want 1", got)
	}
	if rolledBackTo != 0 {
		t.Fatalf("counter at yield = %d, want 0 (full rollback)", rolledBackTo)
	}
	if got := tokens(t, st, "up"); got != 4 {
		t.Fatalf("tokens = %d, want 4", got)
	}
}

func TestTake_ForcedDelayAtOneHeadroom(t *testing.T) {
	st := memory.New()
	obs := &countObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	var yields atomic.Int64
	yield := func(context.Context) error {
		if yields.Add(1) == 3 {
			cancel()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(yield), flow.WithObserver(obs))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Cost 9 against limit 10 lands at one token of headroom: the draw is
	// over [0,1) and the delay is certain, every attempt. Admission never
	// happens on this branch; cancellation is the only way out.
	err := s.Take(ctx, "up", 9)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Take = %v, want context.Canceled", err)
	}
	if got := obs.delayed.Load(); got != 3 {
		t.Fatalf("delayed = %d, want 3", got)
	}
	if got := obs.admitted.Load(); got != 0 {
		t.Fatalf("admitted = %d, want 0", got)
	}
	if got := tokens(t, st, "up"); got != 0 {
		t.Fatalf("tokens = %d, want 0 after rollback", got)
	}
}

func TestTake_ZeroRandomnessNeverAdmits(t *testing.T) {
	st := memory.New()
	obs := &countObserver{}
	ctx, cancel := context.WithCancel(context.Background())
	var yields atomic.Int64
	yield := func(ctx context.Context) error {
		if yields.Add(1) == 5 {
			cancel()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	s := flow.New(st, flow.WithRand(delayAll), flow.WithYield(yield), flow.WithObserver(obs))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Take(ctx, "up", 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Take = %v, want context.Canceled", err)
	}
	if got := obs.admitted.Load(); got != 0 {
		t.Fatalf("admitted = %d, want 0", got)
	}
	if got := obs.delayed.Load(); got != 5 {
		t.Fatalf("delayed = %d, want 5", got)
	}
	if got := tokens(t, st, "up"); got != 0 {
		t.Fatalf("tokens = %d, want 0", got)
	}
}

func TestTake_DelayProbabilityConverges(t *testing.T) {
	st := memory.New()
	obs := &countObserver{}
	src := rand.New(rand.NewSource(1))
	s := flow.New(st, flow.WithRand(src), flow.WithYield(noYield), flow.WithObserver(obs))
	defer s.Close()

	if err := s.Create("up", 11, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Each trial takes 1 against an empty counter: total 1, headroom 10,
	// so each attempt admits with probability 9/10.
	const trials = 10000
	for i := 0; i < trials; i++ {
		if err := st.Reset("up"); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if err := s.Take(context.Background(), "up", 1); err != nil {
			t.Fatalf("Take: %v", err)
		}
	}
	attempts := obs.admitted.Load() + obs.delayed.Load()
	rate := float64(obs.admitted.Load()) / float64(attempts)
	if rate < 0.85 || rate > 0.95 {
		t.Fatalf("admission rate per attempt = %.4f over %d attempts, want ~0.90", rate, attempts)
	}
}

func TestTake_PreconditionErrors(t *testing.T) {
	st := memory.New()
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(noYield))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Take(context.Background(), "up", -1); !errors.Is(err, flow.ErrNegativeCost) {
		t.Fatalf("Take(-1) = %v, want ErrNegativeCost", err)
	}
	if err := s.Take(context.Background(), "nope", 1); !errors.Is(err, flow.ErrUnknownLimiter) {
		t.Fatalf("Take(unknown) = %v, want ErrUnknownLimiter", err)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	st := memory.New()
	s := flow.New(st)
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create("up", 20, time.Hour); !errors.Is(err, flow.ErrExists) {
		t.Fatalf("duplicate Create = %v, want ErrExists", err)
	}
	if err := s.Create("up", -1, time.Hour); err == nil {
		t.Fatal("negative limit accepted")
	}
}

func TestReset_Idempotent(t *testing.T) {
	st := memory.New()
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(noYield))
	defer s.Close()

	if err := s.Create("up", 10, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Take(context.Background(), "up", 7); err != nil {
		t.Fatalf("Take: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Reset("up"); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if got := tokens(t, st, "up"); got != 0 {
			t.Fatalf("tokens = %d, want 0", got)
		}
	}
}

func TestDestroy_StopsLimiter(t *testing.T) {
	st := memory.New()
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(noYield))

	if err := s.Create("up", 10, 10*time.Millisecond); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Destroy("up"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := s.Take(context.Background(), "up", 1); !errors.Is(err, flow.ErrUnknownLimiter) {
		t.Fatalf("Take after Destroy = %v, want ErrUnknownLimiter", err)
	}
	if err := s.Destroy("up"); !errors.Is(err, flow.ErrUnknownLimiter) {
		t.Fatalf("second Destroy = %v, want ErrUnknownLimiter", err)
	}
}

func TestPeriodicReset_Fires(t *testing.T) {
	st := memory.New()
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(noYield))
	defer s.Close()

	if err := s.Create("up", 10, 5*time.Millisecond); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Take(context.Background(), "up", 8); err != nil {
		t.Fatalf("Take: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := tokens(t, st, "up"); got == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("counter never reset by the periodic job")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTake_CounterNeverNegativeUnderRaces(t *testing.T) {
	st := memory.New()
	s := flow.New(st, flow.WithYield(flow.Gosched))
	defer s.Close()

	if err := s.Create("up", 50, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A hostile reset schedule races every rollback and carry.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = s.Reset("up")
			time.Sleep(50 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 128)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(cost int64) {
			defer wg.Done()
			if err := s.Take(ctx, "up", cost); err != nil {
				errs <- err
			}
		}(int64(i%3 + 1))
	}

	// Sample the counter while the storm runs.
	sampling := make(chan struct{})
	go func() {
		defer close(sampling)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			default:
			}
			if n, err := st.Tokens("up"); err == nil && n < 0 {
				errs <- errors.New("negative counter observed")
				return
			}
		}
	}()

	wg.Wait()
	cancel()
	<-done
	<-sampling
	close(errs)
	for err := range errs {
		t.Fatalf("storm: %v", err)
	}
	if got := tokens(t, st, "up"); got < 0 {
		t.Fatalf("final tokens = %d, want >= 0", got)
	}
}

func TestTake_BoundedAdmissionPerInterval(t *testing.T) {
	st := memory.New()
	obs := &countObserver{}
	s := flow.New(st, flow.WithRand(admitAll), flow.WithYield(noYield), flow.WithObserver(obs))
	defer s.Close()

	if err := s.Create("up", 100, time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 20 callers of cost 5 fill the interval exactly; nothing carries and
	// nothing exceeds the budget.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Take(context.Background(), "up", 5); err != nil {
				t.Errorf("Take: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := tokens(t, st, "up"); got != 100 {
		t.Fatalf("tokens = %d, want 100", got)
	}
	if got := obs.carried.Load(); got != 0 {
		t.Fatalf("carried = %d, want 0", got)
	}
	if got := obs.admitted.Load(); got != 20 {
		t.Fatalf("admitted = %d, want 20", got)
	}
}

func TestBackoff_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	y := flow.Backoff(time.Minute, time.Minute)
	if err := y(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Backoff = %v, want context.Canceled", err)
	}
}

func TestGosched_ReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	if err := flow.Gosched(ctx); err != nil {
		t.Fatalf("Gosched = %v, want nil", err)
	}
	cancel()
	if err := flow.Gosched(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Gosched = %v, want context.Canceled", err)
	}
}
