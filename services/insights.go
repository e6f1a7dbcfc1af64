package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"karui-search/models"
	"karui-search/storage"
	"karui-search/utils"
)

const insightWindow = 7 * 24 * time.Hour

type InsightService struct {
	logger *utils.Logger
}

func NewInsightService(logger *utils.Logger) *InsightService {
	return &InsightService{logger: logger}
}

// Report reads the catalog and builds the weekly aggregate.
func (s *InsightService) Report(ctx context.Context, store storage.Catalog, now time.Time) (*models.InsightReport, error) {
	props, err := store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := store.ListPairs(ctx, models.PairPending)
	if err != nil {
		return nil, err
	}
	return s.Generate(props, len(pending), now), nil
}

// Generate aggregates props as of now. Price statistics cover active
// records with a derived price.
func (s *InsightService) Generate(props []*models.CanonicalProperty, pendingPairs int, now time.Time) *models.InsightReport {
	report := &models.InsightReport{
		GeneratedAt:        now,
		BySource:           make(map[string]int),
		ListingsByLocation: make(map[string]int),
		PendingPairs:       pendingPairs,
	}

	if len(props) == 0 {
		return report
	}

	report.TotalProperties = len(props)
	since := now.Add(-insightWindow)

	var total float64
	for _, p := range props {
		for _, ref := range p.Sources {
			report.BySource[ref.SourceID]++
		}
		for _, h := range p.History {
			if h.Kind == models.ChangePriceChanged && !h.At.Before(since) {
				report.RecentPriceChanges = append(report.RecentPriceChanges, models.PriceMove{PropertyID: p.ID, Title: p.Title, Change: h})
			}
		}
		if !p.FirstSeen.Before(since) {
			report.NewThisWeek++
		}
		if !p.Active {
			continue
		}
		report.ActiveProperties++
		if p.Bucket != "" {
			report.ListingsByLocation[p.Bucket]++
		}

		if p.PriceValue == nil || *p.PriceValue <= 0 {
			continue
		}
		v := *p.PriceValue
		if report.PricedProperties == 0 || v < report.MinPrice {
			report.MinPrice = v
		}
		if v > report.MaxPrice {
			report.MaxPrice = v
			report.MostExpensive = p
		}
		report.PricedProperties++
		total += float64(v)
	}

	if report.PricedProperties > 0 {
		report.AveragePrice = round2(total / float64(report.PricedProperties))
	}
	sort.Slice(report.RecentPriceChanges, func(i, j int) bool {
		return report.RecentPriceChanges[i].Change.At.After(report.RecentPriceChanges[j].Change.At)
	})

	return report
}

func (s *InsightService) Print(r *models.InsightReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Printf("\n\033[1;35m%s\033[0m\n", sep)
	fmt.Printf("\033[1;35m  📊 KARUIZAWA CATALOG INSIGHTS\033[0m\n")
	fmt.Printf("\033[1;35m%s\033[0m\n\n", sep)

	// Overview
	fmt.Printf("\033[1;33m  Overview\033[0m\n")
	fmt.Printf("  %s\n", thin)
	fmt.Printf("  Canonical properties   : \033[1m%d\033[0m\n", r.TotalProperties)
	fmt.Printf("  Active                 : \033[1m%d\033[0m\n", r.ActiveProperties)
	fmt.Printf("  New in the last 7 days : \033[1m%d\033[0m\n", r.NewThisWeek)
	fmt.Printf("  Pending duplicate pairs: \033[1m%d\033[0m\n", r.PendingPairs)
	fmt.Println()

	// Price Stats
	fmt.Printf("\033[1;33m  Price Statistics (derived, active only)\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if r.PricedProperties > 0 {
		fmt.Printf("  Average price : \033[1;32m%s\033[0m\n", FormatYen(int64(r.AveragePrice)))
		fmt.Printf("  Minimum price : \033[1;32m%s\033[0m\n", FormatYen(r.MinPrice))
		fmt.Printf("  Maximum price : \033[1;32m%s\033[0m\n", FormatYen(r.MaxPrice))
	} else {
		fmt.Printf("  No price data available\n")
	}
	fmt.Println()

	// Most Expensive
	if r.MostExpensive != nil {
		fmt.Printf("\033[1;33m  Most Expensive Property\033[0m\n")
		fmt.Printf("  %s\n", thin)
		fmt.Printf("  %s\n", truncate(r.MostExpensive.Title, 50))
		fmt.Printf("  Location : %s\n", truncate(r.MostExpensive.Location, 44))
		fmt.Printf("  Price    : \033[1;31m%s\033[0m\n", r.MostExpensive.Price)
		fmt.Println()
	}

	fmt.Printf("\033[1;33m  Price Changes (last 7 days)\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.RecentPriceChanges) == 0 {
		fmt.Printf("  No price changes\n")
	} else {
		for i, m := range r.RecentPriceChanges {
			if i == 10 {
				fmt.Printf("  … %d more\n", len(r.RecentPriceChanges)-i)
				break
			}
			arrow := "\033[1;31m▲\033[0m"
			if m.Change.Direction == "down" {
				arrow = "\033[1;32m▼\033[0m"
			}
			fmt.Printf("  %s %-38s %s\n", arrow, truncate(m.Title, 36), FormatYen(abs(m.Change.Delta)))
		}
	}
	fmt.Println()

	fmt.Printf("\033[1;33m  Properties by Source\033[0m\n")
	fmt.Printf("  %s\n", thin)
	for _, kv := range sortedCounts(r.BySource) {
		fmt.Printf("  %-30s %d\n", kv.key, kv.count)
	}
	fmt.Println()

	// Listings by Location
	fmt.Printf("\033[1;33m  Active Listings by Area\033[0m\n")
	fmt.Printf("  %s\n", thin)
	if len(r.ListingsByLocation) == 0 {
		fmt.Printf("  No location data\n")
	} else {
		for _, lc := range sortedCounts(r.ListingsByLocation) {
			bar := strings.Repeat("█", min(lc.count, 40))
			fmt.Printf("  %-20s %s (%d)\n", truncate(lc.key, 18), bar, lc.count)
		}
	}

	fmt.Printf("\n\033[1;35m%s\033[0m\n\n", sep)
}

type keyCount struct {
	key   string
	count int
}

// sortedCounts orders by count descending, then key.
func sortedCounts(m map[string]int) []keyCount {
	out := make([]keyCount, 0, len(m))
	for k, v := range m {
		out = append(out, keyCount{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count == out[j].count {
			return out[i].key < out[j].key
		}
		return out[i].count > out[j].count
	})
	return out
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
