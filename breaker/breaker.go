// Package breaker implements the per-source circuit breaker.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"karui-search/models"
	"karui-search/utils"
)

// Config tunes when a circuit opens and how long it stays open.
type Config struct {
	Window              int
	FailureRate         float64
	ConsecutiveFailures int
	NetworkCooldown     time.Duration
	AntiBotCooldown     time.Duration
}

// DefaultConfig opens above 20% failures over 10 requests or after 5
// failures in a row, cooling down 1h (24h after anti-bot signals).
func DefaultConfig() Config {
	return Config{
		Window:              10,
		FailureRate:         0.20,
		ConsecutiveFailures: 5,
		NetworkCooldown:     time.Hour,
		AntiBotCooldown:     24 * time.Hour,
	}
}

// Transition is one logged state change.
type Transition struct {
	At     time.Time
	From   models.CircuitState
	To     models.CircuitState
	Reason string
}

// Breaker is the failure state machine of one source. Safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	source      string
	cfg         Config
	state       models.CircuitState
	outcomes    []bool
	consecutive int
	openedAt    time.Time
	cooldown    time.Duration
	probing     bool
	transitions []Transition

	logger   *utils.Logger
	now      func() time.Time
	onChange func(Transition)
}

// New returns a closed breaker for source.
func New(source string, cfg Config, logger *utils.Logger) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Breaker{
		source: source,
		cfg:    cfg,
		state:  models.CircuitClosed,
		logger: logger,
		now:    time.Now,
	}
}

// OnTransition registers fn to observe every state change. fn runs with the
// breaker lock held and must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow reports whether a request may go out. An open circuit whose
// cool-down elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case models.CircuitClosed:
		return nil
	case models.CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return b.refusal()
		}
		b.transition(models.CircuitHalfOpen, "cool-down elapsed")
		b.probing = true
		return nil
	default:
		if b.probing {
			return b.refusal()
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess counts a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	if b.state == models.CircuitHalfOpen {
		b.probing = false
		b.outcomes = b.outcomes[:0]
		b.transition(models.CircuitClosed, "probe succeeded")
		return
	}
	b.push(true)
}

// RecordFailure counts a failed request of the given kind. Kinds that are
// not health signals, like structural mismatches, are ignored, though a
// half-open probe ending that way still frees the probe slot.
func (b *Breaker) RecordFailure(kind models.Kind, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !countsAsFailure(kind) {
		if b.state == models.CircuitHalfOpen {
			b.probing = false
		}
		return
	}

	switch b.state {
	case models.CircuitHalfOpen:
		b.probing = false
		b.open(kind, fmt.Sprintf("probe failed: %s: %s", kind, reason))
		return
	case models.CircuitOpen:
		return
	}

	b.consecutive++
	b.push(false)

	switch {
	case kind == models.KindAntiBot:
		b.open(kind, "anti-bot signal: "+reason)
	case b.cfg.ConsecutiveFailures > 0 && b.consecutive >= b.cfg.ConsecutiveFailures:
		b.open(kind, fmt.Sprintf("%d consecutive failures, last: %s", b.consecutive, reason))
	case len(b.outcomes) >= b.cfg.Window && b.failureRate() > b.cfg.FailureRate:
		b.open(kind, fmt.Sprintf("failure rate %.0f%% over last %d requests", b.failureRate()*100, len(b.outcomes)))
	}
}

// Release gives back an admitted request that was never sent, so a
// half-open circuit can admit another probe.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == models.CircuitHalfOpen {
		b.probing = false
	}
}

// Trip opens the circuit immediately, for example when rate limiting
// persists beyond the back-off budget.
func (b *Breaker) Trip(kind models.Kind, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == models.CircuitOpen {
		return
	}
	b.open(kind, reason)
}

// State returns the current state, without advancing an elapsed cool-down.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAt is when an open circuit will admit a probe. Zero unless open.
func (b *Breaker) RetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != models.CircuitOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.cooldown)
}

// Transitions returns a copy of the transition log.
func (b *Breaker) Transitions() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transition, len(b.transitions))
	copy(out, b.transitions)
	return out
}

func (b *Breaker) open(kind models.Kind, reason string) {
	b.cooldown = b.cfg.NetworkCooldown
	if kind == models.KindAntiBot {
		b.cooldown = b.cfg.AntiBotCooldown
	}
	b.openedAt = b.now()
	b.outcomes = b.outcomes[:0]
	b.consecutive = 0
	b.transition(models.CircuitOpen, reason)
}

func (b *Breaker) transition(to models.CircuitState, reason string) {
	tr := Transition{At: b.now(), From: b.state, To: to, Reason: reason}
	b.state = to
	b.transitions = append(b.transitions, tr)
	b.logger.Event("[breaker] circuit transition",
		"source", b.source,
		"from", string(tr.From),
		"to", string(tr.To),
		"reason", tr.Reason,
		"at", tr.At.Format(time.RFC3339),
	)
	if b.onChange != nil {
		b.onChange(tr)
	}
}

func (b *Breaker) refusal() error {
	return &models.Error{
		Kind:    models.KindCircuitOpen,
		Source:  b.source,
		Message: "circuit " + string(b.state) + ", retry after " + b.openedAt.Add(b.cooldown).Format(time.RFC3339),
	}
}

func (b *Breaker) push(ok bool) {
	b.outcomes = append(b.outcomes, ok)
	if len(b.outcomes) > b.cfg.Window {
		b.outcomes = b.outcomes[len(b.outcomes)-b.cfg.Window:]
	}
}

func (b *Breaker) failureRate() float64 {
	if len(b.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, ok := range b.outcomes {
		if !ok {
			failed++
		}
	}
	return float64(failed) / float64(len(b.outcomes))
}

func countsAsFailure(kind models.Kind) bool {
	switch kind {
	case models.KindTransientNetwork, models.KindRateLimited, models.KindAntiBot, models.KindSessionCrashed:
		return true
	}
	return false
}
