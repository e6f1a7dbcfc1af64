package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"karui-search/models"
)

func TestLimiterSpacingSequential(t *testing.T) {
	budget := models.RateBudget{RequestsPerSecond: 50, Jitter: 5 * time.Millisecond}
	l := NewLimiter(budget)
	min := l.MinInterval()
	if min != 15*time.Millisecond {
		t.Fatalf("MinInterval: got %v, want 15ms", min)
	}

	var prev time.Time
	for i := 0; i < 10; i++ {
		g, err := l.Acquire(context.Background())
		if err != nil || !g.Granted {
			t.Fatalf("acquire %d: grant=%+v err=%v", i, g, err)
		}
		if i > 0 {
			if gap := g.At.Sub(prev); gap < min {
				t.Errorf("grant %d only %v after previous, want >= %v", i, gap, min)
			}
		}
		prev = g.At
	}
}

func TestLimiterSpacingConcurrent(t *testing.T) {
	l := NewLimiter(models.RateBudget{RequestsPerSecond: 100, Jitter: 2 * time.Millisecond})
	min := l.MinInterval()

	var mu sync.Mutex
	var grants []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.Acquire(context.Background())
			if err != nil || !g.Granted {
				t.Errorf("acquire: grant=%+v err=%v", g, err)
				return
			}
			mu.Lock()
			grants = append(grants, g.At)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 1; i < len(grants); i++ {
		if gap := grants[i].Sub(grants[i-1]); gap < min {
			t.Errorf("grants %d and %d only %v apart, want >= %v", i-1, i, gap, min)
		}
	}
}

func TestLimiterHourlyCapReturnsWait(t *testing.T) {
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := NewLimiter(models.RateBudget{RequestsPerHour: 3})
	l.now = func() time.Time { return clock }
	l.sleep = func(context.Context, time.Duration) error { return nil }

	for i := 0; i < 3; i++ {
		g, err := l.Acquire(context.Background())
		if err != nil || !g.Granted {
			t.Fatalf("acquire %d should be granted: %+v %v", i, g, err)
		}
	}

	g, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("cap must not be an error: %v", err)
	}
	if g.Granted {
		t.Fatal("fourth acquire within the hour should be refused")
	}
	if g.Wait != time.Hour {
		t.Errorf("Wait: got %v, want 1h", g.Wait)
	}

	clock = clock.Add(time.Hour + time.Second)
	g, _ = l.Acquire(context.Background())
	if !g.Granted {
		t.Error("acquire after the window rolls should be granted")
	}

	s := l.Stats()
	if s.Granted != 4 || s.Refused != 1 {
		t.Errorf("Stats: got %+v, want 4 granted, 1 refused", s)
	}
}

func TestLimiterCancelledWait(t *testing.T) {
	l := NewLimiter(models.RateBudget{RequestsPerSecond: 0.001})
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := l.Acquire(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > time.Second {
		t.Error("acquire should return promptly on cancellation")
	}
	if s := l.Stats(); s.Granted != 1 {
		t.Errorf("cancelled reservation should be released, granted=%d", s.Granted)
	}
}

func TestTighten(t *testing.T) {
	cfg := models.RateBudget{RequestsPerSecond: 0.5, RequestsPerHour: 0, Jitter: time.Second}
	ceiling := models.RateBudget{RequestsPerSecond: 0.25, RequestsPerHour: 200, Jitter: 500 * time.Millisecond}
	got := Tighten(cfg, ceiling)
	if got.RequestsPerSecond != 0.25 || got.RequestsPerHour != 200 || got.Jitter != time.Second {
		t.Errorf("Tighten: got %+v", got)
	}
}

func TestGovernorUnknownSource(t *testing.T) {
	g := NewGovernor()
	if _, err := g.Acquire(context.Background(), "nope"); err == nil {
		t.Error("unknown source should error")
	}
	g.Register("mitsui", NewLimiter(models.RateBudget{}))
	if gr, err := g.Acquire(context.Background(), "mitsui"); err != nil || !gr.Granted {
		t.Errorf("registered source: %+v %v", gr, err)
	}
}
