// Package scraper drives crawl jobs: one supervised, independently failing
// unit of work per source, feeding the listing pipeline.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"karui-search/breaker"
	"karui-search/config"
	"karui-search/fetch"
	"karui-search/models"
	"karui-search/ratelimit"
	"karui-search/scraper/adapter"
	"karui-search/services"
	"karui-search/storage"
	"karui-search/utils"
)

// Stop reasons recorded on SourceCounts.Stopped.
const (
	StopInactive    = "inactive"
	StopCircuitOpen = "circuit-open"
	StopAntiBot     = "anti-bot-detected"
	StopRateLimited = "rate-limited"
	StopCancelled   = "cancelled"
	StopStore       = "store-unavailable"
)

// drainTimeout bounds how long already extracted listings may take to reach
// the catalog once the job context has ended.
const drainTimeout = 30 * time.Second

// FetcherFactory builds the unpaced fetcher a source's requests go through.
type FetcherFactory func(src models.Source, strategy models.FetchStrategy) (fetch.Fetcher, error)

// Options tune the orchestrator.
type Options struct {
	MaxConcurrency   int
	MaxItems         int
	MaxPages         int
	Retry            utils.RetryConfig
	RateLimitBackoff time.Duration
	MaxGovernorWait  time.Duration
	Breaker          breaker.Config
}

// OptionsFromConfig maps environment configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxConcurrency: cfg.MaxConcurrency,
		MaxItems:       cfg.MaxItemsPerSource,
		MaxPages:       cfg.MaxPagesPerSource,
		Retry: utils.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBase,
			MaxDelay:    cfg.RetryMax,
			Jitter:      0.25,
		},
		RateLimitBackoff: cfg.RateLimitBackoff,
		MaxGovernorWait:  cfg.MaxGovernorWait,
		Breaker: breaker.Config{
			Window:              cfg.BreakerWindow,
			FailureRate:         cfg.BreakerFailureRate,
			ConsecutiveFailures: cfg.BreakerConsecutive,
			NetworkCooldown:     cfg.NetworkCooldown,
			AntiBotCooldown:     cfg.AntiBotCooldown,
		},
	}
}

// Orchestrator runs crawl jobs over the configured sources. Supervisors
// live as long as the orchestrator, so circuit state carries across jobs.
type Orchestrator struct {
	opts     Options
	pipeline *services.Pipeline
	store    storage.Catalog
	raw      storage.RawListingWriter
	governor *ratelimit.Governor
	logger   *utils.Logger

	order       []string
	supervisors map[string]*Supervisor

	newID func() string
	now   func() time.Time
}

// NewOrchestrator builds a supervisor for every source. raw may be nil.
func NewOrchestrator(
	sources []models.Source,
	registry *adapter.Registry,
	fetchers FetcherFactory,
	pipeline *services.Pipeline,
	store storage.Catalog,
	raw storage.RawListingWriter,
	opts Options,
	logger *utils.Logger,
) (*Orchestrator, error) {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 3
	}
	opts.Retry.Logger = logger

	o := &Orchestrator{
		opts:        opts,
		pipeline:    pipeline,
		store:       store,
		raw:         raw,
		governor:    ratelimit.NewGovernor(),
		logger:      logger,
		supervisors: make(map[string]*Supervisor, len(sources)),
		newID:       func() string { return uuid.NewString() },
		now:         time.Now,
	}

	for _, src := range sources {
		a, err := registry.Build(src)
		if err != nil {
			return nil, err
		}
		strategy := src.Strategy
		if strategy == "" {
			strategy = a.Strategy()
		}
		f, err := fetchers(src, strategy)
		if err != nil {
			return nil, eris.Wrapf(err, "orchestrator: fetcher for %s", src.ID)
		}
		o.supervisors[src.ID] = newSupervisor(src, a, f, o.governor, opts, logger.With("source", src.ID))
		o.order = append(o.order, src.ID)
	}
	return o, nil
}

// Supervisor returns the supervisor of sourceID, or nil.
func (o *Orchestrator) Supervisor(sourceID string) *Supervisor {
	return o.supervisors[sourceID]
}

// Sources returns a snapshot of every source in configuration order.
func (o *Orchestrator) Sources() []models.Source {
	out := make([]models.Source, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.supervisors[id].Snapshot())
	}
	return out
}

// sourceRun collects what one source produced.
type sourceRun struct {
	id       string
	counts   models.SourceCounts
	errors   []models.JobError
	warnings []models.JobError
	fatal    error
}

func (r *sourceRun) fail(url string, err error) {
	r.counts.Errors++
	r.errors = append(r.errors, jobError(r.id, url, err))
}

func (r *sourceRun) warn(url string, err error) {
	r.counts.Warnings++
	r.warnings = append(r.warnings, jobError(r.id, url, err))
}

func jobError(sourceID, url string, err error) models.JobError {
	return models.JobError{SourceID: sourceID, URL: url, Kind: models.KindOf(err), Message: err.Error(), At: time.Now().UTC()}
}

// RunCrawlJob crawls the sources named in filter, or all of them when
// filter is empty, and returns once the job is terminal. The job ends
// failed when ctx is cancelled or the catalog becomes unreachable; every
// other failure is recorded on the job and the job completes.
func (o *Orchestrator) RunCrawlJob(ctx context.Context, filter []string) (*models.CrawlJob, error) {
	job := &models.CrawlJob{
		ID:        o.newID(),
		Status:    models.JobPending,
		Filter:    filter,
		StartedAt: o.now().UTC(),
		Sources:   make(map[string]*models.SourceCounts),
	}
	if err := o.store.RecordJob(ctx, job); err != nil {
		return o.finish(ctx, job, err)
	}

	selected, unknown := o.selectSources(filter)
	for _, id := range unknown {
		job.Warnings = append(job.Warnings, models.JobError{
			SourceID: id, Kind: models.KindValidationRejected, Message: "unknown source in filter", At: o.now().UTC(),
		})
	}

	job.Status = models.JobRunning
	if err := o.store.RecordJob(ctx, job); err != nil {
		return o.finish(ctx, job, err)
	}
	o.logger.Info("[orchestrator] job %s started: %d sources", job.ID, len(selected))

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	workers := min(len(selected), o.opts.MaxConcurrency)
	pool := utils.NewWorkerPool(max(workers, 1))
	var mu sync.Mutex
	for _, sup := range selected {
		pool.Submit(sup.source.ID, func() {
			run := o.runSource(jobCtx, sup)

			mu.Lock()
			counts := run.counts
			job.Sources[run.id] = &counts
			job.Errors = append(job.Errors, run.errors...)
			job.Warnings = append(job.Warnings, run.warnings...)
			mu.Unlock()

			if run.fatal != nil {
				cancel(run.fatal)
			}
		})
	}
	if err := pool.Wait(); err != nil {
		o.logger.Error("[orchestrator] job %s: %v", job.ID, err)
		job.Errors = append(job.Errors, models.JobError{Message: err.Error(), At: o.now().UTC()})
	}

	var cause error
	if jobCtx.Err() != nil {
		cause = context.Cause(jobCtx)
	}
	return o.finish(ctx, job, cause)
}

// finish stamps the terminal state and records it even when ctx is
// already cancelled.
func (o *Orchestrator) finish(ctx context.Context, job *models.CrawlJob, cause error) (*models.CrawlJob, error) {
	job.EndedAt = o.now().UTC()
	job.Status = models.JobCompleted
	if cause != nil {
		job.Status = models.JobFailed
		kind := models.KindOf(cause)
		if kind == "" {
			kind = models.KindCancelled
		}
		job.Errors = append(job.Errors, models.JobError{Kind: kind, Message: cause.Error(), At: job.EndedAt})
	}

	if err := o.store.RecordJob(context.WithoutCancel(ctx), job); err != nil {
		o.logger.Error("[orchestrator] job %s: record final state: %v", job.ID, err)
		if cause == nil {
			cause = err
		}
	}

	t := job.Totals()
	o.logger.Event("[orchestrator] job finished",
		"job", job.ID,
		"status", string(job.Status),
		"found", t.Found, "new", t.New, "updated", t.Updated, "removed", t.Removed,
		"errors", t.Errors, "warnings", t.Warnings,
		"duration", job.EndedAt.Sub(job.StartedAt).Round(time.Millisecond).String(),
	)
	if cause != nil {
		return job, cause
	}
	return job, nil
}

func (o *Orchestrator) selectSources(filter []string) ([]*Supervisor, []string) {
	if len(filter) == 0 {
		out := make([]*Supervisor, 0, len(o.order))
		for _, id := range o.order {
			out = append(out, o.supervisors[id])
		}
		return out, nil
	}
	var out []*Supervisor
	var unknown []string
	seen := make(map[string]bool)
	for _, id := range filter {
		if seen[id] {
			continue
		}
		seen[id] = true
		if sup, ok := o.supervisors[id]; ok {
			out = append(out, sup)
		} else {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(unknown)
	return out, unknown
}

func (o *Orchestrator) runSource(ctx context.Context, sup *Supervisor) *sourceRun {
	src := sup.Snapshot()
	run := &sourceRun{id: src.ID}
	log := o.logger

	if !src.Active {
		run.counts.Stopped = StopInactive
		return run
	}
	if refusing, until := sup.refusing(o.now()); refusing {
		log.Warn("[orchestrator] %s: circuit open until %s, skipping", src.ID, until.Format(time.RFC3339))
		run.counts.Stopped = StopCircuitOpen
		return run
	}
	defer sup.crawled(o.now().UTC())

	urls, complete := o.discover(ctx, sup, run)
	run.counts.Found = len(urls)

	var listings []models.PropertyListing
	var failed []string
	for i, u := range urls {
		if run.counts.Stopped != "" {
			break
		}
		if ctx.Err() != nil {
			run.counts.Stopped = StopCancelled
			break
		}
		log.Debug("[orchestrator] %s: item %d/%d %s", src.ID, i+1, len(urls), u)

		page, err := o.fetchPage(ctx, sup, u)
		if err != nil {
			if o.stopFor(run, u, err) {
				break
			}
			failed = append(failed, u)
			continue
		}

		l, err := sup.adapter.ExtractListing(page)
		if err != nil {
			run.warn(u, err)
			if l == nil {
				failed = append(failed, u)
				continue
			}
		}
		listings = append(listings, *l)
	}
	if run.counts.Stopped != "" {
		complete = false
	}

	if o.raw != nil && len(listings) > 0 {
		if err := o.raw.WriteRaw(listings); err != nil {
			log.Warn("[orchestrator] %s: raw audit write: %v", src.ID, err)
		}
	}

	pctx := ctx
	if ctx.Err() != nil && len(listings) > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
		defer cancel()
		log.Info("[orchestrator] %s: job ended, persisting %d extracted listings", src.ID, len(listings))
	}
	res, err := o.pipeline.Process(pctx, src, listings)
	if res != nil {
		run.counts.New += res.Counts.New
		run.counts.Updated += res.Counts.Updated
		run.counts.Rejected += res.Counts.Rejected
		run.counts.Flagged += res.Counts.Flagged
		run.counts.Pending += res.Counts.Pending
		run.counts.Errors += res.Counts.Errors
		run.errors = append(run.errors, res.Errors...)
	}
	if err != nil {
		o.stopFor(run, "", err)
		return run
	}

	if !complete {
		log.Info("[orchestrator] %s: discovery incomplete, catalog sweep skipped", src.ID)
		return run
	}
	seen := res.Seen
	for _, u := range failed {
		if p, err := o.store.FindBySourceRef(ctx, src.ID, "", u); err == nil && p != nil {
			seen[p.ID] = true
		}
	}
	removed, err := o.pipeline.Sweep(ctx, src.ID, seen)
	run.counts.Removed = removed
	if err != nil {
		o.stopFor(run, "", err)
	}

	log.Info("[orchestrator] %s: found %d, new %d, updated %d, removed %d, errors %d",
		src.ID, run.counts.Found, run.counts.New, run.counts.Updated, run.counts.Removed, run.counts.Errors)
	return run
}

// stopFor records err against the run and reports whether the source must
// stop for the rest of the job.
func (o *Orchestrator) stopFor(run *sourceRun, url string, err error) bool {
	switch models.KindOf(err) {
	case models.KindAntiBot:
		run.fail(url, err)
		run.counts.Stopped = StopAntiBot
	case models.KindRateLimited:
		run.fail(url, err)
		run.counts.Stopped = StopRateLimited
	case models.KindCircuitOpen:
		run.fail(url, err)
		run.counts.Stopped = StopCircuitOpen
	case models.KindCancelled:
		run.counts.Stopped = StopCancelled
	case models.KindStoreUnavailable:
		run.fail(url, err)
		run.counts.Stopped = StopStore
		run.fatal = err
	case models.KindStructural:
		run.warn(url, err)
		return false
	default:
		run.fail(url, err)
		return false
	}
	o.logger.Warn("[orchestrator] %s: stopping source: %v", run.id, err)
	return true
}

// discover walks the listing pages and their pagination. complete is false
// when anything cut the walk short, since an unseen record then proves
// nothing.
func (o *Orchestrator) discover(ctx context.Context, sup *Supervisor, run *sourceRun) ([]string, bool) {
	a := sup.adapter
	src := sup.Snapshot()
	limit := src.MaxItems
	if o.opts.MaxItems > 0 && (limit <= 0 || o.opts.MaxItems < limit) {
		limit = o.opts.MaxItems
	}
	maxPages := o.opts.MaxPages
	if mp, ok := a.(interface{ MaxPages() int }); ok && mp.MaxPages() > 0 && (maxPages <= 0 || mp.MaxPages() < maxPages) {
		maxPages = mp.MaxPages()
	}
	if maxPages <= 0 {
		maxPages = 1
	}

	seen := utils.NewURLSet()
	var urls []string
	complete := true

	for _, start := range a.ListingPages() {
		next := start
		for n := 1; next != "" && n <= maxPages; n++ {
			if ctx.Err() != nil {
				run.counts.Stopped = StopCancelled
				return urls, false
			}
			page, err := o.fetchPage(ctx, sup, next)
			if err != nil {
				complete = false
				if o.stopFor(run, next, err) {
					return urls, false
				}
				break
			}
			found, err := a.DiscoverListingURLs(page)
			if err != nil {
				complete = false
				run.warn(next, err)
				break
			}
			for _, u := range found {
				if limit > 0 && len(urls) >= limit {
					o.logger.Info("[orchestrator] %s: item cap %d reached", src.ID, limit)
					return urls, false
				}
				if seen.Add(u) {
					urls = append(urls, u)
				}
			}

			next = ""
			if p, ok := a.(adapter.Paginator); ok {
				if u := p.NextPageURL(page); u != "" && !seen.Contains(u) {
					seen.Add(u)
					next = u
				}
			}
			if next != "" && n == maxPages {
				complete = false
			}
		}
	}

	if want := max(a.Expectations().MinListings, 1); len(urls) < want {
		complete = false
		run.warn("", &models.Error{
			Kind:    models.KindStructural,
			Source:  src.ID,
			Message: fmt.Sprintf("discovered %d listings, expected at least %d", len(urls), want),
		})
	}
	return urls, complete
}

// fetchPage applies the per-item failure policy around one gated fetch.
func (o *Orchestrator) fetchPage(ctx context.Context, sup *Supervisor, url string) (*fetch.RawPage, error) {
	var page *fetch.RawPage
	attempt := func(ctx context.Context) error {
		p, err := sup.fetcher.Fetch(ctx, url)
		page = p
		return err
	}

	retry := o.opts.Retry
	retry.Retryable = func(err error) bool { return models.IsKind(err, models.KindTransientNetwork) }
	err := retry.Do(ctx, "fetch "+url, attempt)

	switch models.KindOf(err) {
	case models.KindRateLimited:
		if errors.Is(err, fetch.ErrHourlyCap) {
			// our own budget; the site has not complained
			o.logger.Info("[orchestrator] %s: hourly budget exhausted, stopping source", sup.source.ID)
			return nil, err
		}
		o.logger.Warn("[orchestrator] %s: rate limited, backing off %v", sup.source.ID, o.opts.RateLimitBackoff)
		if serr := utils.Sleep(ctx, o.opts.RateLimitBackoff); serr != nil {
			return nil, models.WrapError(models.KindCancelled, serr, "rate-limit back-off")
		}
		err = attempt(ctx)
		if models.IsKind(err, models.KindRateLimited) {
			sup.breaker.Trip(models.KindRateLimited, "rate limited after back-off")
		}
	case models.KindSessionCrashed:
		o.logger.Warn("[orchestrator] %s: session crashed on %s, restarting", sup.source.ID, url)
		if rerr := sup.fetcher.Reset(ctx); rerr != nil {
			o.logger.Error("[orchestrator] %s: session reset: %v", sup.source.ID, rerr)
		}
		err = attempt(ctx)
	case "":
		if err != nil && ctx.Err() != nil {
			err = models.WrapError(models.KindCancelled, err, "fetch cancelled")
		}
	}
	if err != nil {
		return nil, err
	}
	return page, nil
}
