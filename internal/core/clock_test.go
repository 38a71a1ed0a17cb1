package core

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRealClock(t *testing.T) {
	var c Clock = RealClock{}
	before := time.Now()
	now := c.Now()
	if now.Before(before) || now.After(time.Now()) {
		t.Errorf("Now() = %v out of range", now)
	}
	if elapsed := c.Since(now.Add(-time.Minute)); elapsed < time.Minute {
		t.Errorf("Since() = %v, want at least 1m", elapsed)
	}
}

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(epoch)
	if !c.Now().Equal(epoch) || c.Since(epoch) != 0 {
		t.Fatalf("fresh clock at %v", c.Now())
	}

	for _, step := range []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second} {
		c.Advance(step)
	}
	if c.Since(epoch) != time.Minute {
		t.Errorf("after advancing 1m, Since = %v", c.Since(epoch))
	}

	later := epoch.Add(72 * time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("after Set, Now = %v", c.Now())
	}
}

func TestFakeClock_ConcurrentUse(t *testing.T) {
	c := NewFakeClock(epoch)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				c.Advance(time.Millisecond)
				_ = c.Since(epoch)
			}
		}()
	}
	wg.Wait()

	if c.Since(epoch) != 100*time.Millisecond {
		t.Errorf("Since = %v, want 100ms", c.Since(epoch))
	}
}
