package scraper

import (
	"context"
	"sync"
	"time"

	"karui-search/breaker"
	"karui-search/fetch"
	"karui-search/models"
	"karui-search/ratelimit"
	"karui-search/scraper/adapter"
	"karui-search/utils"
)

// successWindow is how many recent requests the rolling success rate covers.
const successWindow = 50

// Supervisor owns the crawl state of one source: its pacing, its circuit,
// its adapter and the gated fetcher every request goes through.
type Supervisor struct {
	mu       sync.Mutex
	source   models.Source
	outcomes []bool

	adapter adapter.Adapter
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	fetcher *fetch.Gated
	logger  *utils.Logger
}

// governorPacer adapts the shared governor to one source's gate.
type governorPacer struct {
	governor *ratelimit.Governor
	sourceID string
}

func (p governorPacer) Acquire(ctx context.Context) (ratelimit.Grant, error) {
	return p.governor.Acquire(ctx, p.sourceID)
}

func newSupervisor(src models.Source, a adapter.Adapter, raw fetch.Fetcher, gov *ratelimit.Governor, opts Options, logger *utils.Logger) *Supervisor {
	budget := ratelimit.Tighten(src.Budget, a.RateCeiling())
	src.Budget = budget
	if src.Strategy == "" {
		src.Strategy = a.Strategy()
	}
	if src.Circuit == "" {
		src.Circuit = models.CircuitClosed
	}

	s := &Supervisor{
		source:  src,
		adapter: a,
		limiter: ratelimit.NewLimiter(budget),
		breaker: breaker.New(src.ID, opts.Breaker, logger),
		logger:  logger,
	}
	gov.Register(src.ID, s.limiter)
	s.breaker.OnTransition(func(t breaker.Transition) {
		s.mu.Lock()
		s.source.Circuit = t.To
		s.mu.Unlock()
	})
	s.fetcher = fetch.NewGated(src.ID, raw, s.breaker, governorPacer{governor: gov, sourceID: src.ID}, opts.MaxGovernorWait, logger)
	s.fetcher.Observe = s.observe
	return s
}

// observe feeds the rolling success rate. Cancellations say nothing about
// the site and are skipped.
func (s *Supervisor) observe(err error) {
	kind := models.KindOf(err)
	if kind == models.KindCancelled {
		return
	}
	ok := err == nil || kind == models.KindStructural

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, ok)
	if len(s.outcomes) > successWindow {
		s.outcomes = s.outcomes[len(s.outcomes)-successWindow:]
	}
	good := 0
	for _, o := range s.outcomes {
		if o {
			good++
		}
	}
	s.source.SuccessRate = float64(good) / float64(len(s.outcomes))
}

// Snapshot returns a copy of the source as it stands.
func (s *Supervisor) Snapshot() models.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// Adapter returns the source's adapter.
func (s *Supervisor) Adapter() adapter.Adapter { return s.adapter }

// Breaker returns the source's circuit breaker.
func (s *Supervisor) Breaker() *breaker.Breaker { return s.breaker }

// Limiter returns the source's rate limiter.
func (s *Supervisor) Limiter() *ratelimit.Limiter { return s.limiter }

// refusing reports whether the circuit is open and still cooling down.
func (s *Supervisor) refusing(now time.Time) (bool, time.Time) {
	if s.breaker.State() != models.CircuitOpen {
		return false, time.Time{}
	}
	at := s.breaker.RetryAt()
	return now.Before(at), at
}

func (s *Supervisor) crawled(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source.LastCrawledAt = at
}
