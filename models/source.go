package models

import "time"

// FetchStrategy selects how pages of a source are retrieved.
type FetchStrategy string

const (
	StrategyDirect   FetchStrategy = "direct"
	StrategyRendered FetchStrategy = "rendered"
)

// CircuitState is the breaker state of a source.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// RateBudget is the ethical request budget of one source.
type RateBudget struct {
	RequestsPerSecond float64
	RequestsPerHour   int
	Jitter            time.Duration
}

// PriceBounds are the plausible numeric price limits, in yen.
type PriceBounds struct {
	Min int64
	Max int64
}

// Extraction holds adapter-specific overrides loaded from source config.
type Extraction struct {
	ListingPaths        []string
	LinkSelector        string
	NextPageSelector    string
	Selectors           map[string]string
	MinExpectedListings int
	MaxPages            int
}

// Source is one crawled website. It is created at config load and only ever
// deactivated, never deleted.
type Source struct {
	ID           string
	Name         string
	BaseURL      string
	Strategy     FetchStrategy
	Active       bool
	Budget       RateBudget
	AreaKeywords []string
	PriceBounds  PriceBounds
	MaxItems     int
	Extraction   Extraction

	Circuit       CircuitState
	SuccessRate   float64
	LastCrawledAt time.Time
}
