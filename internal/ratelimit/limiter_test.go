package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// drain calls Wait n times and returns how long it took.
func drain(t *testing.T, rl *RateLimiter, n int) time.Duration {
	t.Helper()
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	return time.Since(start)
}

func TestRateLimiter_Uncapped(t *testing.T) {
	for name, rl := range map[string]*RateLimiter{
		"zero":     NewRateLimiter(0),
		"lifted":   func() *RateLimiter { r := NewRateLimiter(5); r.SetRate(0); return r }(),
		"nil":      nil,
		"negative": NewRateLimiter(-3),
	} {
		t.Run(name, func(t *testing.T) {
			if took := drain(t, rl, 200); took > 50*time.Millisecond {
				t.Errorf("uncapped limiter blocked for %v", took)
			}
			if rl.Rate() != 0 {
				t.Errorf("expected rate 0, got %d", rl.Rate())
			}
		})
	}
}

func TestRateLimiter_BurstThenPaced(t *testing.T) {
	rl := NewRateLimiter(10)

	// One second's worth starts at once, the next five are paced at 100ms.
	if took := drain(t, rl, 10); took > 50*time.Millisecond {
		t.Errorf("burst should not block, took %v", took)
	}
	if took := drain(t, rl, 5); took < 400*time.Millisecond {
		t.Errorf("expected pacing after the burst, took %v", took)
	}
}

func TestRateLimiter_ContextCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	drain(t, rl, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("expected the wait to be refused within the deadline, got %v", err)
	}
}

func TestRateLimiter_CapFromUncapped(t *testing.T) {
	rl := NewRateLimiter(0)
	drain(t, rl, 50)
	rl.SetRate(2)

	if rl.Rate() != 2 {
		t.Fatalf("expected rate 2, got %d", rl.Rate())
	}
	if took := drain(t, rl, 3); took < 300*time.Millisecond {
		t.Errorf("expected the new cap to pace waits, took %v", took)
	}
}

func TestRateLimiter_Rate(t *testing.T) {
	rl := NewRateLimiter(5)
	for _, rps := range []int{5, 12, 0, 7} {
		rl.SetRate(rps)
		if rl.Rate() != rps {
			t.Errorf("SetRate(%d): Rate() = %d", rps, rl.Rate())
		}
	}
}

func TestRateLimiter_ConcurrentWaitAndSetRate(t *testing.T) {
	rl := NewRateLimiter(1000)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := rl.Wait(ctx); err != nil {
					t.Errorf("wait: %v", err)
					return
				}
			}
		}()
	}
	for _, rps := range []int{500, 0, 2000, 1000} {
		rl.SetRate(rps)
	}
	wg.Wait()
}
