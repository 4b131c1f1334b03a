package fn

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
	if e.UnwrapOr(9) != 9 {
		t.Fatal("UnwrapOr should return fallback")
	}
}

func TestFromPair(t *testing.T) {
	if FromPair(1, nil).IsErr() {
		t.Fatal("nil error should be Ok")
	}
	if FromPair(1, errors.New("x")).IsOk() {
		t.Fatal("error should be Err")
	}
}

func TestParMapResultPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	out := ParMapResult(context.Background(), items, 2, func(_ context.Context, v int) Result[int] {
		time.Sleep(time.Duration(6-v) * time.Millisecond)
		return Ok(v * 10)
	})
	for i, r := range out {
		v, err := r.Unwrap()
		if err != nil || v != items[i]*10 {
			t.Fatalf("slot %d: got %d, %v", i, v, err)
		}
	}
}

func TestParMapResultBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)
	ParMapResult(context.Background(), items, 3, func(_ context.Context, v int) Result[int] {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return Ok(v)
	})
	if peak.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent calls, saw %d", peak.Load())
	}
}

func TestParMapResultEmpty(t *testing.T) {
	out := ParMapResult(context.Background(), []int{}, 4, func(_ context.Context, v int) Result[int] {
		return Ok(v)
	})
	if len(out) != 0 {
		t.Fatal("expected empty output")
	}
}

func TestParMapResultCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := ParMapResult(ctx, []int{1, 2, 3}, 1, func(_ context.Context, v int) Result[int] {
		return Ok(v)
	})
	for _, r := range out {
		if r.IsOk() {
			continue
		}
		if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
}

func TestSemaphore(t *testing.T) {
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	sem.Release()
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	opts := RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[string] {
		calls++
		if calls < 3 {
			return Err[string](errors.New("transient"))
		}
		return Ok("done")
	})
	if v, err := r.Unwrap(); err != nil || v != "done" {
		t.Fatalf("got %q, %v", v, err)
	}
	if calls != 3 || len(retried) != 2 {
		t.Fatalf("calls=%d retried=%v", calls, retried)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[int] {
		calls++
		return Err[int](errors.New("down"))
	})
	if r.IsOk() || calls != 3 {
		t.Fatalf("expected 3 failed calls, got %d", calls)
	}
}

func TestRetryNotRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	}
	Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retry(ctx, RetryOpts{MaxAttempts: 5, InitialWait: time.Second}, func(context.Context) Result[int] {
		cancel()
		return Err[int](errors.New("fail"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTracedStagePassesThrough(t *testing.T) {
	stage := TracedStage("double", Stage[int, int](func(_ context.Context, v int) Result[int] {
		return Ok(v * 2)
	}))
	if v, _ := stage.Run(context.Background(), 4).Unwrap(); v != 8 {
		t.Fatalf("expected 8, got %d", v)
	}
	failing := TracedStage("fail", Stage[int, int](func(context.Context, int) Result[int] {
		return Err[int](errors.New("boom"))
	}))
	if failing.Run(context.Background(), 1).IsOk() {
		t.Fatal("expected error to propagate")
	}
}

func TestTimeoutStage(t *testing.T) {
	slow := Stage[int, int](func(ctx context.Context, v int) Result[int] {
		select {
		case <-ctx.Done():
			return Err[int](ctx.Err())
		case <-time.After(time.Second):
			return Ok(v)
		}
	})
	r := TimeoutStage(5*time.Millisecond, slow).Run(context.Background(), 1)
	if _, err := r.Unwrap(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	fast := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v) })
	if TimeoutStage(0, fast).Run(context.Background(), 3).UnwrapOr(0) != 3 {
		t.Fatal("zero timeout should leave the stage unbounded")
	}
}
