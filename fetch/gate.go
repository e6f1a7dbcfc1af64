package fetch

import (
	"context"
	"errors"
	"time"

	"karui-search/models"
	"karui-search/ratelimit"
	"karui-search/utils"
)

// Guard is the breaker side of the gate.
type Guard interface {
	Allow() error
	Release()
	RecordSuccess()
	RecordFailure(kind models.Kind, reason string)
}

// Pacer is the governor side of the gate.
type Pacer interface {
	Acquire(ctx context.Context) (ratelimit.Grant, error)
}

// ErrHourlyCap marks a rate-limited refusal that came from the source's own
// hourly budget rather than from the site.
var ErrHourlyCap = errors.New("hourly request cap reached")

// Gated puts a breaker check and a governor grant in front of every request
// and feeds the outcome back to the breaker.
type Gated struct {
	source  string
	next    Fetcher
	guard   Guard
	pacer   Pacer
	maxWait time.Duration
	logger  *utils.Logger

	// Observe, if set, sees every completed attempt.
	Observe func(err error)
}

// NewGated wraps next. maxWait is how long a caller will wait in total for
// the hourly cap to roll before giving up with rate-limited.
func NewGated(source string, next Fetcher, guard Guard, pacer Pacer, maxWait time.Duration, logger *utils.Logger) *Gated {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Gated{source: source, next: next, guard: guard, pacer: pacer, maxWait: maxWait, logger: logger}
}

func (g *Gated) Fetch(ctx context.Context, url string) (*RawPage, error) {
	if err := g.guard.Allow(); err != nil {
		return nil, err
	}

	var waited time.Duration
	for {
		grant, err := g.pacer.Acquire(ctx)
		if err != nil {
			g.guard.Release()
			return nil, &models.Error{Kind: models.KindCancelled, Source: g.source, URL: url, Message: "waiting for rate grant", Cause: err}
		}
		if grant.Granted {
			break
		}
		if waited+grant.Wait > g.maxWait {
			g.guard.Release()
			return nil, &models.Error{
				Kind:    models.KindRateLimited,
				Source:  g.source,
				URL:     url,
				Message: "hourly request cap reached, next slot in " + grant.Wait.Round(time.Second).String(),
				Cause:   ErrHourlyCap,
			}
		}
		g.logger.Info("[fetch] %s: hourly cap reached, waiting %v", g.source, grant.Wait.Round(time.Second))
		if err := utils.Sleep(ctx, grant.Wait); err != nil {
			g.guard.Release()
			return nil, &models.Error{Kind: models.KindCancelled, Source: g.source, URL: url, Message: "waiting for hourly cap", Cause: err}
		}
		waited += grant.Wait
	}

	page, err := g.next.Fetch(ctx, url)
	if g.Observe != nil {
		g.Observe(err)
	}
	if err != nil {
		switch kind := models.KindOf(err); kind {
		case models.KindCancelled:
			g.guard.Release()
		case models.KindStructural:
			// the site answered; the page just did not have the expected shape
			g.guard.RecordSuccess()
		case "":
			g.guard.RecordFailure(models.KindTransientNetwork, err.Error())
		default:
			g.guard.RecordFailure(kind, err.Error())
		}
		return nil, withSource(err, g.source)
	}
	g.guard.RecordSuccess()
	return page, nil
}

// Reset forwards to the wrapped fetcher when it can restart its session.
func (g *Gated) Reset(ctx context.Context) error {
	if r, ok := g.next.(Resetter); ok {
		return r.Reset(ctx)
	}
	return nil
}

func withSource(err error, source string) error {
	if e, ok := err.(*models.Error); ok {
		return e.WithSource(source, "")
	}
	return err
}
