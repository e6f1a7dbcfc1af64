// Package ratelimit paces requests per source: a minimum jittered interval
// between grants and a rolling hourly cap.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"karui-search/models"
	"karui-search/utils"
)

// Grant is the answer to Acquire. When Granted is false the hourly cap is
// exhausted and the caller should retry after Wait.
type Grant struct {
	Granted bool
	Wait    time.Duration
	At      time.Time
}

// Stats are the request counters of one limiter.
type Stats struct {
	Granted    int64
	Refused    int64
	InLastHour int
}

// Tighten returns the more conservative of a configured budget and the
// ceiling an adapter declares. Zero values mean "no limit".
func Tighten(cfg, ceiling models.RateBudget) models.RateBudget {
	out := cfg
	if ceiling.RequestsPerSecond > 0 && (out.RequestsPerSecond <= 0 || ceiling.RequestsPerSecond < out.RequestsPerSecond) {
		out.RequestsPerSecond = ceiling.RequestsPerSecond
	}
	if ceiling.RequestsPerHour > 0 && (out.RequestsPerHour <= 0 || ceiling.RequestsPerHour < out.RequestsPerHour) {
		out.RequestsPerHour = ceiling.RequestsPerHour
	}
	if ceiling.Jitter > out.Jitter {
		out.Jitter = ceiling.Jitter
	}
	return out
}

// Limiter holds the pacing state of a single source.
type Limiter struct {
	mu       sync.Mutex
	budget   models.RateBudget
	interval time.Duration
	next     time.Time
	window   []time.Time
	granted  int64
	refused  int64

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
	jit   func() float64
}

// NewLimiter creates a limiter for budget.
func NewLimiter(budget models.RateBudget) *Limiter {
	var interval time.Duration
	if budget.RequestsPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / budget.RequestsPerSecond)
	}
	return &Limiter{
		budget:   budget,
		interval: interval,
		now:      time.Now,
		sleep:    utils.Sleep,
		jit:      rand.Float64,
	}
}

// MinInterval is the smallest gap the limiter ever leaves between grants.
func (l *Limiter) MinInterval() time.Duration {
	if d := l.interval - l.budget.Jitter; d > 0 {
		return d
	}
	return 0
}

// Budget returns the effective budget.
func (l *Limiter) Budget() models.RateBudget {
	return l.budget
}

// Acquire reserves the next permissible instant and waits for it. The
// reservation is made under the lock, the wait happens outside it, so
// concurrent callers queue up at successive slots.
func (l *Limiter) Acquire(ctx context.Context) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}

	l.mu.Lock()
	now := l.now()
	l.prune(now)
	if l.budget.RequestsPerHour > 0 && len(l.window) >= l.budget.RequestsPerHour {
		wait := l.window[0].Add(time.Hour).Sub(now)
		l.refused++
		l.mu.Unlock()
		return Grant{Wait: wait}, nil
	}

	at := now
	if l.next.After(at) {
		at = l.next
	}
	l.window = append(l.window, at)
	l.next = at.Add(l.gap())
	l.granted++
	l.mu.Unlock()

	if err := l.sleep(ctx, at.Sub(now)); err != nil {
		l.release(at)
		return Grant{}, err
	}
	return Grant{Granted: true, At: at}, nil
}

// Stats returns a snapshot of the counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Stats{Granted: l.granted, Refused: l.refused, InLastHour: len(l.window)}
}

// gap is the interval with symmetric jitter. Callers hold mu.
func (l *Limiter) gap() time.Duration {
	if l.interval <= 0 {
		return 0
	}
	j := l.budget.Jitter
	if j <= 0 {
		return l.interval
	}
	d := l.interval + time.Duration((2*l.jit()-1)*float64(j))
	if min := l.MinInterval(); d < min {
		d = min
	}
	return d
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

// release drops a reservation that was never used.
func (l *Limiter) release(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.window) - 1; i >= 0; i-- {
		if l.window[i].Equal(at) {
			l.window = append(l.window[:i], l.window[i+1:]...)
			l.granted--
			return
		}
	}
}

// Governor looks up the limiter of a source by id.
type Governor struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewGovernor creates an empty Governor.
func NewGovernor() *Governor {
	return &Governor{limiters: make(map[string]*Limiter)}
}

// Register attaches l to sourceID, replacing any previous limiter.
func (g *Governor) Register(sourceID string, l *Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiters[sourceID] = l
}

// Limiter returns the limiter of sourceID, or nil.
func (g *Governor) Limiter(sourceID string) *Limiter {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limiters[sourceID]
}

// Acquire asks the limiter of sourceID for a grant.
func (g *Governor) Acquire(ctx context.Context, sourceID string) (Grant, error) {
	l := g.Limiter(sourceID)
	if l == nil {
		return Grant{}, fmt.Errorf("ratelimit: unknown source %q", sourceID)
	}
	return l.Acquire(ctx)
}
