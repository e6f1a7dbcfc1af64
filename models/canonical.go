package models

import (
	"errors"
	"slices"
	"time"
)

// ChangeKind labels an entry of a canonical record's history.
type ChangeKind string

const (
	ChangeCreated      ChangeKind = "created"
	ChangePriceChanged ChangeKind = "price-changed"
	ChangeUpdated      ChangeKind = "updated"
	ChangeDeactivated  ChangeKind = "deactivated"
	ChangeReactivated  ChangeKind = "reactivated"
)

// ChangeEntry is one immutable history row.
// For price changes Old and New hold the numeric values and Delta the
// signed difference; Direction is "up" or "down".
type ChangeEntry struct {
	Field     string
	Old       string
	New       string
	Kind      ChangeKind
	At        time.Time
	SourceID  string
	Delta     int64
	Direction string
}

// SourceRef ties a canonical record to one contributing source listing.
type SourceRef struct {
	SourceID  string
	NativeID  string
	URL       string
	FirstSeen time.Time
	LastSeen  time.Time
	// Misses counts consecutive completed crawls of the source that did not
	// report this listing.
	Misses int
}

// CanonicalProperty is the durable, deduplicated record of one property.
// The display fields always hold the source's original strings.
type CanonicalProperty struct {
	ID          string
	Title       string
	Price       string
	Location    string
	Category    Category
	Size        string
	BuildingAge string
	Description string
	Images      []string
	Rooms       string

	PriceValue  *int64
	SizeSqm     *float64
	LocationKey string
	Bucket      string
	ContentHash string
	Flags       []QualityFlag

	Sources     []SourceRef
	Active      bool
	FirstSeen   time.Time
	LastUpdated time.Time
	History     []ChangeEntry

	// Version is bumped by the store on every committed write.
	Version int64
}

// PrimarySource is the source that created the record.
func (p *CanonicalProperty) PrimarySource() string {
	if len(p.Sources) == 0 {
		return ""
	}
	return p.Sources[0].SourceID
}

// Ref returns the reference for sourceID, or nil.
func (p *CanonicalProperty) Ref(sourceID string) *SourceRef {
	for i := range p.Sources {
		if p.Sources[i].SourceID == sourceID {
			return &p.Sources[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (p *CanonicalProperty) Clone() *CanonicalProperty {
	cp := *p
	cp.Images = slices.Clone(p.Images)
	cp.Flags = slices.Clone(p.Flags)
	cp.Sources = slices.Clone(p.Sources)
	cp.History = slices.Clone(p.History)
	if p.PriceValue != nil {
		v := *p.PriceValue
		cp.PriceValue = &v
	}
	if p.SizeSqm != nil {
		v := *p.SizeSqm
		cp.SizeSqm = &v
	}
	return &cp
}

// PairStatus is the resolution state of a duplicate candidate pair.
type PairStatus string

const (
	PairPending   PairStatus = "pending"
	PairConfirmed PairStatus = "confirmed-duplicate"
	PairDismissed PairStatus = "dismissed"
)

// ErrSelfPair is returned when both sides of a pair are the same record.
var ErrSelfPair = errors.New("duplicate pair references the same record twice")

// DuplicateCandidatePair is a possible match awaiting or past review.
// LowID always sorts before HighID.
type DuplicateCandidatePair struct {
	ID         string
	LowID      string
	HighID     string
	Score      float64
	Fields     []string
	Status     PairStatus
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// NewPair orders the two ids and rejects self references.
func NewPair(id, a, b string, score float64, fields []string, at time.Time) (*DuplicateCandidatePair, error) {
	if a == b {
		return nil, ErrSelfPair
	}
	if b < a {
		a, b = b, a
	}
	return &DuplicateCandidatePair{
		ID:        id,
		LowID:     a,
		HighID:    b,
		Score:     score,
		Fields:    fields,
		Status:    PairPending,
		CreatedAt: at,
	}, nil
}

// PriceRange bounds a candidate lookup. A nil bound is open.
type PriceRange struct {
	Min *int64
	Max *int64
}

// Contains reports whether v lies in the range. Nil v only matches an
// unbounded range.
func (r PriceRange) Contains(v *int64) bool {
	if r.Min == nil && r.Max == nil {
		return true
	}
	if v == nil {
		return false
	}
	if r.Min != nil && *v < *r.Min {
		return false
	}
	if r.Max != nil && *v > *r.Max {
		return false
	}
	return true
}
