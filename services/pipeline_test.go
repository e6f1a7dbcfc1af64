package services

import (
	"context"
	"testing"

	"karui-search/models"
	"karui-search/storage"
)

func newTestPipeline(store storage.Catalog) *Pipeline {
	logger := newTestLogger()
	return NewPipeline(NewValidator(0, logger), NewNormalizer(logger), NewResolver(store, DefaultResolverConfig(), logger), logger)
}

func TestPipelineCounts(t *testing.T) {
	store := storage.NewMemoryCatalog()
	p := newTestPipeline(store)

	cheap := validListing()
	cheap.URL = "https://www.mitsuinomori.co.jp/karuizawa/bukken/2002"
	cheap.Title = "Tiny plot"
	cheap.Location = "軽井沢町発地"
	cheap.Price = "9,800円"

	bad := validListing()
	bad.Title = ""

	res, err := p.Process(context.Background(), testSource(), []models.PropertyListing{validListing(), cheap, bad})
	if err != nil {
		t.Fatal(err)
	}
	c := res.Counts
	if c.New != 2 || c.Rejected != 1 || c.Flagged != 1 || c.Updated != 0 {
		t.Errorf("first batch counts: %+v", c)
	}
	if len(res.Seen) != 2 {
		t.Errorf("seen: %v", res.Seen)
	}

	moved := validListing()
	moved.Price = "¥55,000,000"
	res, _ = p.Process(context.Background(), testSource(), []models.PropertyListing{validListing(), moved})
	if res.Counts.Updated != 1 || res.Counts.New != 0 {
		t.Errorf("second batch counts: %+v", res.Counts)
	}
}

type downCatalog struct{ *storage.MemoryCatalog }

func (downCatalog) FindBySourceRef(context.Context, string, string, string) (*models.CanonicalProperty, error) {
	return nil, &models.Error{Kind: models.KindStoreUnavailable, Message: "connection refused"}
}

func TestPipelineStopsWhenStoreUnavailable(t *testing.T) {
	p := newTestPipeline(downCatalog{storage.NewMemoryCatalog()})
	second := validListing()
	second.URL = "https://www.mitsuinomori.co.jp/karuizawa/bukken/3003"

	_, err := p.Process(context.Background(), testSource(), []models.PropertyListing{validListing(), second})
	if !models.IsKind(err, models.KindStoreUnavailable) {
		t.Errorf("got %v, want store-unavailable", err)
	}
}

func TestPipelineObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newTestPipeline(storage.NewMemoryCatalog()).Process(ctx, testSource(), []models.PropertyListing{validListing()})
	if !models.IsKind(err, models.KindCancelled) || res.Counts.New != 0 {
		t.Errorf("got %v %+v", err, res.Counts)
	}
}
