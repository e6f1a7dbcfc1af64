package config

import (
	"testing"
	"time"

	"karui-search/models"
)

const sampleSources = `
sources:
  - id: mitsui
    base_url: https://www.mitsuinomori.co.jp/karuizawa/
    rate_limit:
      requests_per_second: 0.5
      jitter_ms: 500
  - id: royal_resort
    name: Royal Resort
    base_url: https://www.royal-resort.co.jp/karuizawa/
    strategy: rendered
    active: false
    price_bounds: { min: 5000000, max: 900000000 }
    extraction:
      min_expected_listings: 5
      selectors:
        price: .price
`

func TestParseSourcesDefaults(t *testing.T) {
	srcs, err := ParseSources([]byte(sampleSources))
	if err != nil {
		t.Fatalf("ParseSources: %v", err)
	}
	if len(srcs) != 2 {
		t.Fatalf("got %d sources, want 2", len(srcs))
	}

	m := srcs[0]
	if m.Name != "mitsui" || m.Strategy != "" || !m.Active {
		t.Errorf("mitsui defaults: %+v", m)
	}
	if m.Budget.RequestsPerSecond != 0.5 || m.Budget.Jitter != 500*time.Millisecond {
		t.Errorf("mitsui budget: %+v", m.Budget)
	}
	if m.Budget.RequestsPerHour != DefaultRequestsPerHour {
		t.Errorf("hourly cap default: got %d", m.Budget.RequestsPerHour)
	}
	if m.PriceBounds != DefaultPriceBounds || m.MaxItems != DefaultMaxItems {
		t.Errorf("bounds/max items defaults: %+v %d", m.PriceBounds, m.MaxItems)
	}
	if m.Circuit != models.CircuitClosed {
		t.Errorf("circuit should start closed, got %s", m.Circuit)
	}

	r := srcs[1]
	if r.Active || r.Strategy != models.StrategyRendered {
		t.Errorf("royal_resort: active=%v strategy=%s", r.Active, r.Strategy)
	}
	if r.Extraction.MinExpectedListings != 5 || r.Extraction.Selectors["price"] != ".price" {
		t.Errorf("extraction overrides not decoded: %+v", r.Extraction)
	}
}

func TestParseSourcesRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"unknown strategy", "sources:\n  - id: a\n    base_url: https://a.jp/\n    strategy: magic\n"},
		{"relative base url", "sources:\n  - id: a\n    base_url: /karuizawa\n"},
		{"unknown field", "sources:\n  - id: a\n    base_url: https://a.jp/\n    colour: red\n"},
		{"duplicate id", "sources:\n  - id: a\n    base_url: https://a.jp/\n  - id: a\n    base_url: https://b.jp/\n"},
		{"inverted bounds", "sources:\n  - id: a\n    base_url: https://a.jp/\n    price_bounds: {min: 10, max: 5}\n"},
	}
	for _, tt := range tests {
		if _, err := ParseSources([]byte(tt.doc)); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}

func TestShippedSourcesFileIsValid(t *testing.T) {
	srcs, err := LoadSources("sources.yaml")
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(srcs) < 3 {
		t.Errorf("expected at least 3 configured sources, got %d", len(srcs))
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			CatalogDriver:      "memory",
			MaxConcurrency:     2,
			DedupWeights:       Weights{Location: 0.4, Price: 0.3, Size: 0.2, Title: 0.1},
			DedupConfirm:       0.85,
			DedupReview:        0.60,
			BreakerFailureRate: 0.2,
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := base()
	bad.DedupWeights.Title = 0.3
	if bad.Validate() == nil {
		t.Error("weights summing above 1 should be rejected")
	}

	bad = base()
	bad.DedupReview = 0.9
	if bad.Validate() == nil {
		t.Error("review threshold above confirm should be rejected")
	}

	bad = base()
	bad.CatalogDriver = "mongo"
	if bad.Validate() == nil {
		t.Error("unknown catalog driver should be rejected")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MAX_CONCURRENCY", "7")
	t.Setenv("JOB_TIMEOUT", "15m")
	t.Setenv("DEDUP_CONFIRM", "0.9")
	cfg := Load()
	if cfg.MaxConcurrency != 7 || cfg.JobTimeout != 15*time.Minute || cfg.DedupConfirm != 0.9 {
		t.Errorf("env overrides not applied: %d %v %.2f", cfg.MaxConcurrency, cfg.JobTimeout, cfg.DedupConfirm)
	}
}
