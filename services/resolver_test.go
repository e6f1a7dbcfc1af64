package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"karui-search/models"
	"karui-search/storage"
)

var captured = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store      *storage.MemoryCatalog
	resolver   *Resolver
	validator  *Validator
	normalizer *Normalizer
}

func newFixture() *fixture {
	store := storage.NewMemoryCatalog()
	r := NewResolver(store, DefaultResolverConfig(), newTestLogger())
	n := 0
	var mu sync.Mutex
	r.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%03d", n)
	}
	r.now = func() time.Time { return captured }
	return &fixture{store: store, resolver: r, validator: NewValidator(0, newTestLogger()), normalizer: NewNormalizer(newTestLogger())}
}

func (f *fixture) candidate(t *testing.T, l models.PropertyListing) *models.Candidate {
	t.Helper()
	c, err := f.validator.Validate(testSource(), l)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	f.normalizer.Normalize(c)
	return c
}

func (f *fixture) resolve(t *testing.T, l models.PropertyListing) *Outcome {
	t.Helper()
	out, err := f.resolver.Resolve(context.Background(), f.candidate(t, l))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return out
}

func (f *fixture) all(t *testing.T) []*models.CanonicalProperty {
	t.Helper()
	ps, err := f.store.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return ps
}

func TestResolveCreatesNewProperty(t *testing.T) {
	f := newFixture()
	out := f.resolve(t, validListing())

	if out.Decision != DecisionCreated {
		t.Fatalf("decision: got %s, want created", out.Decision)
	}
	ps := f.all(t)
	if len(ps) != 1 {
		t.Fatalf("properties: got %d, want 1", len(ps))
	}
	p := ps[0]
	if !p.FirstSeen.Equal(captured) {
		t.Errorf("first seen: got %v, want capture time %v", p.FirstSeen, captured)
	}
	if p.Price != "¥58,000,000" || p.PriceValue == nil || *p.PriceValue != 58_000_000 {
		t.Errorf("price: %q / %v", p.Price, p.PriceValue)
	}
	if len(p.History) != 1 || p.History[0].Kind != models.ChangeCreated {
		t.Errorf("history: %+v", p.History)
	}
	if len(p.Sources) != 1 || p.PrimarySource() != "mitsui" || !p.Active {
		t.Errorf("sources/active: %+v %v", p.Sources, p.Active)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture()
	first := f.resolve(t, validListing())
	second := f.resolve(t, validListing())

	if second.Decision != DecisionMatched || second.PropertyID != first.PropertyID {
		t.Errorf("second pass: %+v", second)
	}
	ps := f.all(t)
	if len(ps) != 1 {
		t.Fatalf("properties: got %d, want 1", len(ps))
	}
	if len(ps[0].History) != 1 || ps[0].Version != 1 {
		t.Errorf("second pass must not write: history=%d version=%d", len(ps[0].History), ps[0].Version)
	}
}

func TestResolveTracksPriceChange(t *testing.T) {
	f := newFixture()
	f.resolve(t, validListing())

	next := validListing()
	next.Price = "¥60,000,000"
	next.CapturedAt = captured.Add(7 * 24 * time.Hour)
	out := f.resolve(t, next)

	if out.Decision != DecisionUpdated {
		t.Fatalf("decision: got %s, want updated", out.Decision)
	}
	ps := f.all(t)
	if len(ps) != 1 {
		t.Fatalf("properties: got %d, want 1", len(ps))
	}
	var moves []models.ChangeEntry
	for _, h := range ps[0].History {
		if h.Kind == models.ChangePriceChanged {
			moves = append(moves, h)
		}
	}
	if len(moves) != 1 {
		t.Fatalf("price changes: got %d, want 1 (%+v)", len(moves), ps[0].History)
	}
	m := moves[0]
	if m.Field != "price" || m.Old != "58000000" || m.New != "60000000" || m.Delta != 2_000_000 || m.Direction != "up" {
		t.Errorf("price change entry: %+v", m)
	}
	if ps[0].Price != "¥60,000,000" {
		t.Errorf("display price: %q", ps[0].Price)
	}
	if !ps[0].FirstSeen.Equal(captured) {
		t.Error("first seen must not move on update")
	}
}

func TestResolveNearDuplicateHeldForReview(t *testing.T) {
	f := newFixture()
	a := validListing()
	a.Title = "Karuizawa Villa with Garden"
	a.Size = "100㎡"
	f.resolve(t, a)

	b := a
	b.SourceID = "suumo"
	b.URL = "https://suumo.jp/chukoikkodate/nagano/sc_karuizawa/nc_7712/"
	b.Title = "Karuizawa Villa w/ Garden"
	b.Size = "104㎡"
	out := f.resolve(t, b)

	if out.Decision != DecisionReview {
		t.Fatalf("decision: got %s (score %.3f), want pending-review", out.Decision, out.Score)
	}
	if out.Score < 0.60 || out.Score >= 0.85 {
		t.Errorf("score %.3f outside the review band", out.Score)
	}
	if len(f.all(t)) != 2 {
		t.Errorf("a near duplicate must not be merged automatically")
	}
	pairs, _ := f.store.ListPairs(context.Background(), models.PairPending)
	if len(pairs) != 1 {
		t.Fatalf("pending pairs: got %d, want 1", len(pairs))
	}
	p := pairs[0]
	if p.LowID >= p.HighID {
		t.Errorf("pair ids not ordered: %s / %s", p.LowID, p.HighID)
	}

	// A re-scrape of either side finds its own record and adds no pair.
	f.resolve(t, b)
	pairs, _ = f.store.ListPairs(context.Background(), "")
	if len(pairs) != 1 || len(f.all(t)) != 2 {
		t.Errorf("re-scrape changed catalog: %d pairs, %d records", len(pairs), len(f.all(t)))
	}
}

func TestResolveMergesConfirmedMatchAcrossSources(t *testing.T) {
	f := newFixture()
	a := validListing()
	a.Size = "120㎡"
	first := f.resolve(t, a)

	b := a
	b.SourceID = "suumo"
	b.URL = "https://suumo.jp/chukoikkodate/1"
	b.Price = "5,800万円"
	b.Title = "Karuizawa Villa"
	b.Description = "Quiet forest lot"
	out := f.resolve(t, b)

	if out.Decision != DecisionUpdated || out.PropertyID != first.PropertyID {
		t.Fatalf("outcome: %+v", out)
	}
	p, _ := f.store.Get(context.Background(), first.PropertyID)
	if len(p.Sources) != 2 {
		t.Errorf("sources: %+v", p.Sources)
	}
	if p.Price != "¥58,000,000" {
		t.Errorf("secondary source overwrote the display price: %q", p.Price)
	}
	if p.Description != "Quiet forest lot" {
		t.Errorf("secondary source should fill blank fields, got %q", p.Description)
	}
}

func TestResolveExactHashShortCircuits(t *testing.T) {
	f := newFixture()
	l := validListing()
	first := f.resolve(t, l)

	// Same content under a new URL: no source-ref identity, but the content hash matches.
	l.URL = "https://www.mitsuinomori.co.jp/karuizawa/bukken/1001?ref=list"
	out := f.resolve(t, l)
	if out.PropertyID != first.PropertyID || out.Score != 1 {
		t.Errorf("outcome: %+v", out)
	}
}

func TestResolveReactivatesInactiveRecord(t *testing.T) {
	f := newFixture()
	first := f.resolve(t, validListing())
	p, _ := f.store.Get(context.Background(), first.PropertyID)
	p.Active = false
	if err := f.store.Upsert(context.Background(), p, nil); err != nil {
		t.Fatal(err)
	}

	l := validListing()
	l.CapturedAt = captured.Add(time.Hour)
	out := f.resolve(t, l)
	if !out.Reactivated || out.Decision != DecisionUpdated {
		t.Errorf("outcome: %+v", out)
	}
	p, _ = f.store.Get(context.Background(), first.PropertyID)
	if !p.Active || p.History[len(p.History)-1].Kind != models.ChangeReactivated {
		t.Errorf("record: active=%v history=%+v", p.Active, p.History)
	}
}

func TestResolveConcurrentSourcesCreateOneRecord(t *testing.T) {
	f := newFixture()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		c := f.candidate(t, validListing())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.resolver.Resolve(context.Background(), c); err != nil {
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := len(f.all(t)); n != 1 {
		t.Errorf("records: got %d, want 1", n)
	}
}

type conflictingCatalog struct {
	*storage.MemoryCatalog
	failures int
}

func (c *conflictingCatalog) Upsert(ctx context.Context, p *models.CanonicalProperty, changes []models.ChangeEntry) error {
	if c.failures > 0 {
		c.failures--
		return &models.Error{Kind: models.KindStoreConflict, Message: "simulated"}
	}
	return c.MemoryCatalog.Upsert(ctx, p, changes)
}

func TestResolveRetriesStoreConflicts(t *testing.T) {
	store := &conflictingCatalog{MemoryCatalog: storage.NewMemoryCatalog(), failures: 2}
	r := NewResolver(store, DefaultResolverConfig(), newTestLogger())
	f := newFixture()
	c := f.candidate(t, validListing())

	out, err := r.Resolve(context.Background(), c)
	if err != nil || out.Decision != DecisionCreated {
		t.Fatalf("resolve after conflicts: %+v %v", out, err)
	}

	store.failures = 100
	if _, err := r.Resolve(context.Background(), f.candidate(t, models.PropertyListing{
		Title: "Other", Price: "1億円", Location: "軽井沢町追分", SourceID: "seibu", URL: "https://seibu.jp/1", CapturedAt: captured,
	})); !models.IsKind(err, models.KindStoreConflict) {
		t.Errorf("exhausted retries: got %v", err)
	}
}

func TestResolvePairConfirmMergesSources(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a := validListing()
	a.Title = "Karuizawa Villa with Garden"
	a.Size = "100㎡"
	first := f.resolve(t, a)

	b := a
	b.SourceID = "suumo"
	b.URL = "https://suumo.jp/x/2"
	b.Title = "Karuizawa Villa w/ Garden"
	b.Size = "104㎡"
	b.CapturedAt = captured.Add(time.Hour)
	out := f.resolve(t, b)
	if out.Pair == nil {
		t.Fatalf("expected a pair, got %+v", out)
	}

	if err := f.resolver.ResolvePair(ctx, out.Pair.ID, true); err != nil {
		t.Fatal(err)
	}
	keep, _ := f.store.Get(ctx, first.PropertyID)
	drop, _ := f.store.Get(ctx, out.PropertyID)
	if len(keep.Sources) != 2 || !keep.Active {
		t.Errorf("kept record: %+v", keep.Sources)
	}
	if drop.Active {
		t.Error("newer record should be deactivated")
	}
	pair, _ := f.store.GetPair(ctx, out.Pair.ID)
	if pair.Status != models.PairConfirmed || pair.ResolvedAt.IsZero() {
		t.Errorf("pair: %+v", pair)
	}
	if err := f.resolver.ResolvePair(ctx, out.Pair.ID, false); err != ErrPairResolved {
		t.Errorf("second resolution: got %v", err)
	}
}

func TestSweepDeactivatesAfterMisses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.resolve(t, validListing())

	for i := 1; i <= 3; i++ {
		removed, err := f.resolver.Sweep(ctx, "mitsui", map[string]bool{})
		if err != nil {
			t.Fatal(err)
		}
		p, _ := f.store.Get(ctx, first.PropertyID)
		wantActive := i < 3
		if p.Active != wantActive {
			t.Errorf("after %d misses: active=%v", i, p.Active)
		}
		if (removed == 1) == wantActive {
			t.Errorf("after %d misses: removed=%d", i, removed)
		}
	}

	p, _ := f.store.Get(ctx, first.PropertyID)
	if p.History[len(p.History)-1].Kind != models.ChangeDeactivated {
		t.Errorf("history: %+v", p.History)
	}

	removed, _ := f.resolver.Sweep(ctx, "mitsui", map[string]bool{first.PropertyID: true})
	if removed != 0 {
		t.Error("seen records are never deactivated")
	}
}

func TestScoreComponents(t *testing.T) {
	r := NewResolver(storage.NewMemoryCatalog(), DefaultResolverConfig(), newTestLogger())
	price := int64(58_000_000)
	size := 120.0
	c := &models.Candidate{
		Listing:     models.PropertyListing{Title: "Villa"},
		PriceValue:  &price,
		SizeSqm:     &size,
		LocationKey: "kyu-karuizawa:x",
	}
	p := &models.CanonicalProperty{Title: "Villa", PriceValue: &price, SizeSqm: &size, LocationKey: "kyu-karuizawa:x"}
	score, fields := r.Score(c, p)
	if score < 0.999 || len(fields) != 4 {
		t.Errorf("identical records: score=%.3f fields=%v", score, fields)
	}

	p.SizeSqm = nil
	p.PriceValue = nil
	score, fields = r.Score(c, p)
	if score < 0.499 || score > 0.501 || len(fields) != 2 {
		t.Errorf("missing numeric keys: score=%.3f fields=%v", score, fields)
	}
}
