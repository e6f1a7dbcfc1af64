package storage

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"karui-search/models"
)

func catalogs(t *testing.T) map[string]Catalog {
	t.Helper()
	sq, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Catalog{
		"memory": NewMemoryCatalog(),
		"sqlite": sq,
	}
}

func ptr[T any](v T) *T { return &v }

func sampleProperty(id string, price int64) *models.CanonicalProperty {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &models.CanonicalProperty{
		ID:          id,
		Title:       "旧軽井沢の別荘",
		Price:       "5,800万円",
		Location:    "長野県北佐久郡軽井沢町 旧軽井沢",
		Category:    models.CategoryVacationHome,
		Images:      []string{"https://example.jp/a.jpg"},
		PriceValue:  ptr(price),
		SizeSqm:     ptr(120.5),
		LocationKey: "kyu-karuizawa:旧軽井沢",
		Bucket:      "kyu-karuizawa",
		Flags:       []models.QualityFlag{models.FlagDegraded},
		Sources: []models.SourceRef{{
			SourceID: "mitsui", NativeID: "A-" + id, URL: "https://www.mitsuinomori.co.jp/bukken/" + id,
			FirstSeen: at, LastSeen: at,
		}},
		Active:      true,
		FirstSeen:   at,
		LastUpdated: at,
	}
}

func TestCatalogUpsertAndVersionCheck(t *testing.T) {
	ctx := context.Background()
	for name, c := range catalogs(t) {
		p := sampleProperty("p1", 58_000_000)
		created := models.ChangeEntry{Kind: models.ChangeCreated, At: p.FirstSeen, SourceID: "mitsui"}
		if err := c.Upsert(ctx, p, []models.ChangeEntry{created}); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		if p.Version != 1 {
			t.Errorf("%s: version after insert = %d, want 1", name, p.Version)
		}

		dup := sampleProperty("p1", 1)
		if err := c.Upsert(ctx, dup, nil); !models.IsKind(err, models.KindStoreConflict) {
			t.Errorf("%s: second insert: got %v, want store-conflict", name, err)
		}

		a, _ := c.Get(ctx, "p1")
		b, _ := c.Get(ctx, "p1")
		a.Price = "6,000万円"
		a.PriceValue = ptr(int64(60_000_000))
		change := models.ChangeEntry{Field: "price", Old: "58000000", New: "60000000", Kind: models.ChangePriceChanged,
			At: p.FirstSeen.Add(time.Hour), SourceID: "mitsui", Delta: 2_000_000, Direction: "up"}
		if err := c.Upsert(ctx, a, []models.ChangeEntry{change}); err != nil {
			t.Fatalf("%s: update: %v", name, err)
		}
		b.Title = "stale writer"
		if err := c.Upsert(ctx, b, nil); !models.IsKind(err, models.KindStoreConflict) {
			t.Errorf("%s: stale update: got %v, want store-conflict", name, err)
		}

		got, err := c.Get(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 2 || got.Price != "6,000万円" || *got.PriceValue != 60_000_000 {
			t.Errorf("%s: stored record = v%d %q %v", name, got.Version, got.Price, got.PriceValue)
		}
		if len(got.History) != 2 || got.History[1].Kind != models.ChangePriceChanged || got.History[1].Delta != 2_000_000 {
			t.Errorf("%s: history = %+v", name, got.History)
		}
		if len(got.Sources) != 1 || got.Sources[0].NativeID != "A-p1" || !got.Sources[0].FirstSeen.Equal(p.FirstSeen) {
			t.Errorf("%s: sources = %+v", name, got.Sources)
		}
		if got.SizeSqm == nil || *got.SizeSqm != 120.5 || len(got.Flags) != 1 || got.Category != models.CategoryVacationHome {
			t.Errorf("%s: derived fields lost: %+v", name, got)
		}
		if _, err := c.Get(ctx, "missing"); err != ErrNotFound {
			t.Errorf("%s: missing id: got %v", name, err)
		}
	}
}

func TestCatalogCandidateLookups(t *testing.T) {
	ctx := context.Background()
	for name, c := range catalogs(t) {
		for i, price := range []int64{50_000_000, 58_000_000, 90_000_000} {
			p := sampleProperty(string(rune('a'+i)), price)
			p.FirstSeen = p.FirstSeen.Add(time.Duration(i) * time.Minute)
			if err := c.Upsert(ctx, p, nil); err != nil {
				t.Fatal(err)
			}
		}
		other := sampleProperty("z", 58_000_000)
		other.Bucket = "oiwake"
		other.Sources[0].SourceID = "suumo"
		_ = c.Upsert(ctx, other, nil)

		got, err := c.FindCandidateMatches(ctx, "kyu-karuizawa", models.PriceRange{Min: ptr(int64(49_000_000)), Max: ptr(int64(60_000_000))})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			t.Errorf("%s: candidates = %v", name, ids(got))
		}

		all, _ := c.FindCandidateMatches(ctx, "kyu-karuizawa", models.PriceRange{})
		if len(all) != 3 {
			t.Errorf("%s: open range = %v", name, ids(all))
		}

		ref, err := c.FindBySourceRef(ctx, "mitsui", "A-b", "")
		if err != nil || ref == nil || ref.ID != "b" {
			t.Errorf("%s: by native id = %v, %v", name, ref, err)
		}
		ref, _ = c.FindBySourceRef(ctx, "mitsui", "", "https://www.mitsuinomori.co.jp/bukken/c")
		if ref == nil || ref.ID != "c" {
			t.Errorf("%s: by url = %v", name, ref)
		}
		if ref, _ := c.FindBySourceRef(ctx, "suumo", "A-b", ""); ref != nil {
			t.Errorf("%s: source refs must be scoped by source, got %s", name, ref.ID)
		}

		bySource, _ := c.ListBySource(ctx, "suumo")
		if len(bySource) != 1 || bySource[0].ID != "z" {
			t.Errorf("%s: list by source = %v", name, ids(bySource))
		}
	}
}

func TestCatalogPairsAreUniquePerOrderedIDs(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for name, c := range catalogs(t) {
		first, _ := models.NewPair("pair-1", "b", "a", 0.7, []string{"location"}, at)
		saved, created, err := c.SavePair(ctx, first)
		if err != nil || !created || saved.LowID != "a" {
			t.Fatalf("%s: save = %+v %v %v", name, saved, created, err)
		}
		again, _ := models.NewPair("pair-2", "a", "b", 0.75, nil, at)
		saved, created, err = c.SavePair(ctx, again)
		if err != nil || created || saved.ID != "pair-1" {
			t.Errorf("%s: duplicate save = %+v %v %v", name, saved, created, err)
		}
		if _, _, err := c.SavePair(ctx, &models.DuplicateCandidatePair{ID: "x", LowID: "a", HighID: "a"}); err != models.ErrSelfPair {
			t.Errorf("%s: self pair: %v", name, err)
		}

		saved.Status = models.PairDismissed
		saved.ResolvedAt = at.Add(time.Hour)
		if err := c.UpdatePair(ctx, saved); err != nil {
			t.Fatal(err)
		}
		pending, _ := c.ListPairs(ctx, models.PairPending)
		if len(pending) != 0 {
			t.Errorf("%s: pending pairs = %d", name, len(pending))
		}
		got, _ := c.GetPair(ctx, "pair-1")
		if got.Status != models.PairDismissed || !got.ResolvedAt.Equal(at.Add(time.Hour)) || got.Fields[0] != "location" {
			t.Errorf("%s: pair = %+v", name, got)
		}
	}
}

func TestCatalogJobsImmutableOnceTerminal(t *testing.T) {
	ctx := context.Background()
	for name, c := range catalogs(t) {
		job := &models.CrawlJob{
			ID:        "job-1",
			Status:    models.JobRunning,
			StartedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			Sources:   map[string]*models.SourceCounts{"mitsui": {Found: 3}},
		}
		if err := c.RecordJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		job.Status = models.JobCompleted
		job.Sources["mitsui"].New = 3
		_ = c.RecordJob(ctx, job)

		job.Status = models.JobFailed
		_ = c.RecordJob(ctx, job)

		jobs, err := c.ListJobs(ctx, 10)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("%s: jobs = %v %v", name, jobs, err)
		}
		if jobs[0].Status != models.JobCompleted || jobs[0].Sources["mitsui"].New != 3 {
			t.Errorf("%s: terminal job was modified: %+v", name, jobs[0])
		}
	}
}

func TestCSVWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "raw.csv")
	l := models.PropertyListing{SourceID: "suumo", Title: "中軽井沢 土地", Price: "1,200万円", URL: "https://suumo.jp/x", CapturedAt: time.Now()}

	for i := 0; i < 2; i++ {
		w, err := NewCSVWriter(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.WriteRaw([]models.PropertyListing{l}); err != nil {
			t.Fatal(err)
		}
		_ = w.Close()
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "source_id" || rows[2][2] != "中軽井沢 土地" {
		t.Errorf("rows = %v", rows)
	}
}

func ids(ps []*models.CanonicalProperty) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
