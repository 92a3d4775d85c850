package marketsync

import (
	"context"
	"testing"
	"time"
)

// NOTE: These tests are intentionally DB-free and wall-clock-free. The
// limiter's now/sleep hooks let a fake timeline drive the rolling window.

func newTestLimiter(limit int, window time.Duration) (*SlidingWindowLimiter, *time.Time) {
	cur := time.Unix(1_700_000_000, 0)
	l := NewSlidingWindowLimiter(limit, window)
	l.now = func() time.Time { return cur }
	l.sleep = func(_ context.Context, d time.Duration) error {
		cur = cur.Add(d)
		return nil
	}
	return l, &cur
}

func TestSlidingWindow_AllowsBurstUpToLimit(t *testing.T) {
	l, cur := newTestLimiter(3, time.Minute)
	start := *cur

	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	if !cur.Equal(start) {
		t.Fatalf("first %d calls should not block, clock advanced by %s", 3, cur.Sub(start))
	}
	if got := l.InFlight(); got != 3 {
		t.Fatalf("in flight = %d, want 3", got)
	}
}

func TestSlidingWindow_BlocksUntilOldestCallAgesOut(t *testing.T) {
	l, cur := newTestLimiter(2, time.Minute)
	start := *cur

	for i := 0; i < 2; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if waited := cur.Sub(start); waited < time.Minute {
		t.Fatalf("third call waited %s, want at least the full window", waited)
	}
}

func TestSlidingWindow_NeverExceedsLimitInAnyWindow(t *testing.T) {
	const limit = 5
	window := time.Minute
	l, _ := newTestLimiter(limit, window)

	var claims []time.Time
	for i := 0; i < 40; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
		l.mu.Lock()
		claims = append(claims, l.calls[len(l.calls)-1])
		l.mu.Unlock()
	}

	for i := range claims {
		inWindow := 0
		for j := i; j < len(claims); j++ {
			if claims[j].Sub(claims[i]) < window {
				inWindow++
			}
		}
		if inWindow > limit {
			t.Fatalf("window starting at claim %d holds %d calls, cap is %d", i, inWindow, limit)
		}
	}
}

func TestSlidingWindow_CancelledContextUnblocks(t *testing.T) {
	l := NewSlidingWindowLimiter(1, time.Minute)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err != context.Canceled {
		t.Fatalf("wait on cancelled ctx = %v, want context.Canceled", err)
	}
}
