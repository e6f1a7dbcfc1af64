package fetch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"karui-search/models"
)

// Session is one scoped browser tab.
type Session interface {
	Navigate(ctx context.Context, url string) (status int, finalURL string, err error)
	WaitStable(ctx context.Context, timeout time.Duration) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// SessionFactory opens sessions on a shared browser process.
type SessionFactory interface {
	Open(ctx context.Context) (Session, error)
	// Reset tears the browser process down; the next Open starts a fresh one.
	Reset(ctx context.Context) error
	Close() error
}

// ErrNotStable is returned when a page keeps changing past the timeout.
var ErrNotStable = errors.New("page did not stabilize")

// Rendered fetches script-driven pages. Each Fetch opens its own session and
// closes it before returning, and at most one session is open at a time.
type Rendered struct {
	mu          sync.Mutex
	factory     SessionFactory
	pageTimeout time.Duration
	stabilize   time.Duration
	now         func() time.Time
}

// NewRendered wraps factory. pageTimeout bounds a whole fetch, stabilize
// bounds the wait for the DOM to settle.
func NewRendered(factory SessionFactory, pageTimeout, stabilize time.Duration) *Rendered {
	return &Rendered{
		factory:     factory,
		pageTimeout: pageTimeout,
		stabilize:   stabilize,
		now:         time.Now,
	}
}

func (r *Rendered) Fetch(ctx context.Context, url string) (page *RawPage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fctx := ctx
	if r.pageTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, r.pageTimeout)
		defer cancel()
	}

	s, err := r.factory.Open(fctx)
	if err != nil {
		return nil, r.classify(ctx, fctx, url, "open session", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = r.classify(ctx, fctx, url, "close session", cerr)
			page = nil
		}
	}()

	status, final, err := s.Navigate(fctx, url)
	if err != nil {
		return nil, r.classify(ctx, fctx, url, "navigate", err)
	}
	if err := s.WaitStable(fctx, r.stabilize); err != nil {
		return nil, r.classify(ctx, fctx, url, "stabilize", err)
	}
	html, err := s.HTML(fctx)
	if err != nil {
		return nil, r.classify(ctx, fctx, url, "read dom", err)
	}
	if err := DetectBlock(url, final, status, html); err != nil {
		return nil, err
	}

	return &RawPage{
		URL:        url,
		FinalURL:   final,
		StatusCode: status,
		HTML:       html,
		Strategy:   models.StrategyRendered,
		FetchedAt:  r.now(),
	}, nil
}

// Reset restarts the browser after a crash.
func (r *Rendered) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.factory.Reset(ctx)
}

// Close shuts the browser down.
func (r *Rendered) Close() error {
	return r.factory.Close()
}

// classify separates page-level problems (timeouts, navigation network
// errors) from the browser itself going away. fctx is the fetch's own
// deadline context: tabs tied to it surface an expired page timeout as a
// plain context.Canceled.
func (r *Rendered) classify(parent, fctx context.Context, url, step string, err error) error {
	var classified *models.Error
	if errors.As(err, &classified) {
		return err
	}
	if parent.Err() != nil {
		return &models.Error{Kind: models.KindCancelled, URL: url, Message: step + " cancelled", Cause: err}
	}
	if fctx.Err() != nil || errors.Is(err, ErrNotStable) || errors.Is(err, context.DeadlineExceeded) {
		return &models.Error{Kind: models.KindTransientNetwork, URL: url, Message: step + " timed out", Cause: err}
	}
	if strings.Contains(err.Error(), "net::ERR_") {
		return &models.Error{Kind: models.KindTransientNetwork, URL: url, Message: step, Cause: err}
	}
	return &models.Error{Kind: models.KindSessionCrashed, URL: url, Message: step, Cause: err}
}
