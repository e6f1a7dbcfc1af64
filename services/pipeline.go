package services

import (
	"context"
	"time"

	"karui-search/models"
	"karui-search/utils"
)

// Pipeline runs candidates of one source through validation,
// normalization and duplicate resolution.
type Pipeline struct {
	validator  *Validator
	normalizer *Normalizer
	resolver   *Resolver
	logger     *utils.Logger
}

func NewPipeline(v *Validator, n *Normalizer, r *Resolver, logger *utils.Logger) *Pipeline {
	return &Pipeline{validator: v, normalizer: n, resolver: r, logger: logger}
}

// PipelineResult is the outcome of one source's batch.
type PipelineResult struct {
	Counts models.SourceCounts
	// Seen holds the ids of every canonical record the batch touched.
	Seen   map[string]bool
	Errors []models.JobError
}

// Process handles listings in order. Per-item failures are counted and the
// batch continues; only cancellation or an unreachable store stops it, in
// which case the partial result is returned with the error.
func (p *Pipeline) Process(ctx context.Context, src models.Source, listings []models.PropertyListing) (*PipelineResult, error) {
	res := &PipelineResult{Seen: make(map[string]bool)}

	for _, l := range listings {
		if err := ctx.Err(); err != nil {
			return res, models.WrapError(models.KindCancelled, err, "pipeline cancelled")
		}

		c, err := p.validator.Validate(src, l)
		if err != nil {
			res.Counts.Rejected++
			continue
		}
		p.normalizer.Normalize(c)
		if len(c.Flags) > 0 {
			res.Counts.Flagged++
		}

		out, err := p.resolver.Resolve(ctx, c)
		if err != nil {
			switch models.KindOf(err) {
			case models.KindStoreUnavailable, models.KindCancelled:
				return res, err
			}
			res.Counts.Errors++
			res.Errors = append(res.Errors, models.JobError{
				SourceID: src.ID, URL: l.URL, Kind: models.KindOf(err), Message: err.Error(), At: time.Now().UTC(),
			})
			p.logger.Error("[pipeline] %s: resolve %s: %v", src.ID, l.URL, err)
			continue
		}

		res.Seen[out.PropertyID] = true
		switch out.Decision {
		case DecisionCreated:
			res.Counts.New++
		case DecisionReview:
			res.Counts.New++
			res.Counts.Pending++
		case DecisionUpdated:
			res.Counts.Updated++
		}
	}

	p.logger.Info("[pipeline] %s: %d in, %d new, %d updated, %d rejected, %d flagged, %d pending review",
		src.ID, len(listings), res.Counts.New, res.Counts.Updated, res.Counts.Rejected, res.Counts.Flagged, res.Counts.Pending)
	return res, nil
}

// Sweep forwards to the resolver's deactivation pass.
func (p *Pipeline) Sweep(ctx context.Context, sourceID string, seen map[string]bool) (int, error) {
	return p.resolver.Sweep(ctx, sourceID, seen)
}
