package models

import "time"

// JobStatus is the lifecycle state of a crawl job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// SourceCounts are the per-source totals of one job.
type SourceCounts struct {
	Found    int
	New      int
	Updated  int
	Removed  int
	Errors   int
	Rejected int
	Flagged  int
	Pending  int
	Warnings int
	// Stopped is set when the source ended before its discovery list was exhausted.
	Stopped string
}

// JobError is one structured entry of a job's error or warning list.
type JobError struct {
	SourceID string
	URL      string
	Kind     Kind
	Message  string
	At       time.Time
}

// CrawlJob is one orchestrator run. It is immutable once terminal.
type CrawlJob struct {
	ID        string
	Status    JobStatus
	Filter    []string
	StartedAt time.Time
	EndedAt   time.Time
	Sources   map[string]*SourceCounts
	Errors    []JobError
	Warnings  []JobError
}

// Terminal reports whether the job reached completed or failed.
func (j *CrawlJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Totals sums the per-source counts.
func (j *CrawlJob) Totals() SourceCounts {
	var t SourceCounts
	for _, c := range j.Sources {
		t.Found += c.Found
		t.New += c.New
		t.Updated += c.Updated
		t.Removed += c.Removed
		t.Errors += c.Errors
		t.Rejected += c.Rejected
		t.Flagged += c.Flagged
		t.Pending += c.Pending
		t.Warnings += c.Warnings
	}
	return t
}

// InsightReport is the weekly aggregate read model over the catalog.
type InsightReport struct {
	GeneratedAt        time.Time
	TotalProperties    int
	ActiveProperties   int
	PricedProperties   int
	AveragePrice       float64
	MinPrice           int64
	MaxPrice           int64
	MostExpensive      *CanonicalProperty
	BySource           map[string]int
	ListingsByLocation map[string]int
	RecentPriceChanges []PriceMove
	NewThisWeek        int
	PendingPairs       int
}

// PriceMove is a price-changed history entry joined to its record.
type PriceMove struct {
	PropertyID string
	Title      string
	Change     ChangeEntry
}
