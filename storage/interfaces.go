package storage

import (
	"context"
	"errors"

	"karui-search/models"
)

// ErrNotFound is returned by lookups by id that match nothing.
var ErrNotFound = errors.New("catalog: not found")

// Catalog is the storage boundary of the canonical property catalog.
//
// Upsert is a compare-and-swap on Version: a record with Version 0 is
// inserted, any other is written only if the stored version still matches,
// otherwise a store-conflict error is returned. On success p.Version and
// p.History reflect the committed state.
type Catalog interface {
	Get(ctx context.Context, id string) (*models.CanonicalProperty, error)
	FindCandidateMatches(ctx context.Context, bucket string, r models.PriceRange) ([]*models.CanonicalProperty, error)
	// FindBySourceRef returns nil, nil when no record carries the reference.
	FindBySourceRef(ctx context.Context, sourceID, nativeID, url string) (*models.CanonicalProperty, error)
	ListBySource(ctx context.Context, sourceID string) ([]*models.CanonicalProperty, error)
	ListAll(ctx context.Context) ([]*models.CanonicalProperty, error)
	Upsert(ctx context.Context, p *models.CanonicalProperty, changes []models.ChangeEntry) error

	// SavePair stores pair unless one with the same ordered ids exists, in
	// which case the existing pair is returned and created is false.
	SavePair(ctx context.Context, pair *models.DuplicateCandidatePair) (saved *models.DuplicateCandidatePair, created bool, err error)
	GetPair(ctx context.Context, id string) (*models.DuplicateCandidatePair, error)
	UpdatePair(ctx context.Context, pair *models.DuplicateCandidatePair) error
	// ListPairs filters by status; an empty status lists all pairs.
	ListPairs(ctx context.Context, status models.PairStatus) ([]*models.DuplicateCandidatePair, error)

	// RecordJob upserts a job. A job already stored in a terminal state is
	// left unchanged.
	RecordJob(ctx context.Context, job *models.CrawlJob) error
	ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error)

	Ping(ctx context.Context) error
	Close() error
}

// RawListingWriter is the interface for persisting unprocessed scraped data.
type RawListingWriter interface {
	WriteRaw(listings []models.PropertyListing) error
	Close() error
}

func conflict(id, msg string) error {
	return &models.Error{Kind: models.KindStoreConflict, Message: msg + " (" + id + ")"}
}
