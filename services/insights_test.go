package services

import (
	"context"
	"testing"
	"time"

	"karui-search/models"
	"karui-search/storage"
)

var insightNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func priced(id, title, bucket string, price int64, active bool, firstSeen time.Time, sources ...string) *models.CanonicalProperty {
	p := &models.CanonicalProperty{
		ID: id, Title: title, Price: FormatYen(price), Bucket: bucket, Active: active, FirstSeen: firstSeen,
	}
	if price > 0 {
		p.PriceValue = &price
	}
	for _, s := range sources {
		p.Sources = append(p.Sources, models.SourceRef{SourceID: s})
	}
	return p
}

func sampleProperties() []*models.CanonicalProperty {
	old := insightNow.Add(-30 * 24 * time.Hour)
	recent := insightNow.Add(-2 * 24 * time.Hour)
	props := []*models.CanonicalProperty{
		priced("a", "Villa A", AreaKyuKaruizawa, 200_000_000, true, old, "mitsui", "suumo"),
		priced("b", "Cottage B", AreaKyuKaruizawa, 50_000_000, true, recent, "suumo"),
		priced("c", "Land C", AreaOiwake, 120_000_000, true, old, "seibu"),
		priced("d", "Gone D", AreaOiwake, 900_000_000, false, old, "seibu"),
		priced("e", "Unpriced E", AreaMiyota, 0, true, recent, "resort_home"),
	}
	props[0].History = []models.ChangeEntry{
		{Kind: models.ChangePriceChanged, Field: "price", Delta: -10_000_000, Direction: "down", At: insightNow.Add(-24 * time.Hour)},
		{Kind: models.ChangePriceChanged, Field: "price", Delta: 5_000_000, Direction: "up", At: insightNow.Add(-20 * 24 * time.Hour)},
	}
	return props
}

func TestInsightCounts(t *testing.T) {
	svc := NewInsightService(newTestLogger())
	r := svc.Generate(sampleProperties(), 2, insightNow)
	if r.TotalProperties != 5 {
		t.Errorf("TotalProperties: got %d, want 5", r.TotalProperties)
	}
	if r.ActiveProperties != 4 {
		t.Errorf("ActiveProperties: got %d, want 4", r.ActiveProperties)
	}
	if r.NewThisWeek != 2 {
		t.Errorf("NewThisWeek: got %d, want 2", r.NewThisWeek)
	}
	if r.PendingPairs != 2 {
		t.Errorf("PendingPairs: got %d, want 2", r.PendingPairs)
	}
	if r.BySource["suumo"] != 2 || r.BySource["seibu"] != 2 {
		t.Errorf("BySource: %v", r.BySource)
	}
}

func TestInsightPrices(t *testing.T) {
	svc := NewInsightService(newTestLogger())
	r := svc.Generate(sampleProperties(), 0, insightNow)
	wantAvg := float64(200_000_000+50_000_000+120_000_000) / 3
	if r.AveragePrice != round2(wantAvg) {
		t.Errorf("AveragePrice: got %.2f, want %.2f", r.AveragePrice, wantAvg)
	}
	if r.MinPrice != 50_000_000 {
		t.Errorf("MinPrice: got %d, want 50000000", r.MinPrice)
	}
	if r.MaxPrice != 200_000_000 {
		t.Errorf("MaxPrice: got %d, want 200000000 (inactive records excluded)", r.MaxPrice)
	}
}

func TestInsightMostExpensive(t *testing.T) {
	svc := NewInsightService(newTestLogger())
	r := svc.Generate(sampleProperties(), 0, insightNow)
	if r.MostExpensive == nil {
		t.Fatal("MostExpensive should not be nil")
	}
	if r.MostExpensive.Title != "Villa A" {
		t.Errorf("MostExpensive: got %q, want %q", r.MostExpensive.Title, "Villa A")
	}
}

func TestInsightRecentPriceChanges(t *testing.T) {
	svc := NewInsightService(newTestLogger())
	r := svc.Generate(sampleProperties(), 0, insightNow)
	if len(r.RecentPriceChanges) != 1 {
		t.Fatalf("RecentPriceChanges: got %d, want 1", len(r.RecentPriceChanges))
	}
	if r.RecentPriceChanges[0].Change.Direction != "down" {
		t.Errorf("unexpected change %+v", r.RecentPriceChanges[0])
	}
}

func TestInsightLocationGrouping(t *testing.T) {
	svc := NewInsightService(newTestLogger())
	r := svc.Generate(sampleProperties(), 0, insightNow)
	if r.ListingsByLocation[AreaKyuKaruizawa] != 2 {
		t.Errorf("kyu-karuizawa count: got %d, want 2", r.ListingsByLocation[AreaKyuKaruizawa])
	}
	if r.ListingsByLocation[AreaOiwake] != 1 {
		t.Errorf("oiwake count: got %d, want 1", r.ListingsByLocation[AreaOiwake])
	}
}

func TestInsightEmptyInput(t *testing.T) {
	svc := NewInsightService(newTestLogger())
	r := svc.Generate(nil, 0, insightNow)
	if r.TotalProperties != 0 || r.MostExpensive != nil {
		t.Errorf("expected an empty report for empty input")
	}
}

func TestInsightReportReadsCatalog(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryCatalog()
	for _, p := range sampleProperties() {
		if err := store.Upsert(ctx, p, nil); err != nil {
			t.Fatal(err)
		}
	}
	pair, _ := models.NewPair("pair", "a", "b", 0.7, nil, insightNow)
	_, _, _ = store.SavePair(ctx, pair)

	r, err := NewInsightService(newTestLogger()).Report(ctx, store, insightNow)
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalProperties != 5 || r.PendingPairs != 1 {
		t.Errorf("report = %d properties, %d pending", r.TotalProperties, r.PendingPairs)
	}
}
