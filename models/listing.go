package models

import (
	"slices"
	"time"
)

// Category is the property type as displayed by the source.
type Category string

const (
	CategoryHouse        Category = "house"
	CategoryApartment    Category = "apartment"
	CategoryLand         Category = "land"
	CategoryVacationHome Category = "vacation-home"
)

// MaxImages is the cap on image references per listing.
const MaxImages = 5

// PropertyListing is one scraped record before pipeline processing.
// All descriptive fields keep the source's display form.
type PropertyListing struct {
	Title       string
	Price       string
	Location    string
	Category    Category
	Size        string
	BuildingAge string
	Description string
	Images      []string
	Rooms       string
	SourceID    string
	NativeID    string
	URL         string
	CapturedAt  time.Time

	// Degraded is set when extraction could not find every required field.
	Degraded      bool
	MissingFields []string
}

// QualityFlag annotates a candidate that passed validation with a caveat.
type QualityFlag string

const (
	FlagPriceOutOfBounds     QualityFlag = "price-out-of-bounds"
	FlagPriceUnparsed        QualityFlag = "price-unparsed"
	FlagDescriptionTruncated QualityFlag = "description-truncated"
	FlagImagesCapped         QualityFlag = "images-capped"
	FlagDegraded             QualityFlag = "degraded-extraction"
)

// Candidate is a validated listing plus its derived comparison keys.
// Listing is never modified by normalization.
type Candidate struct {
	Listing PropertyListing
	Flags   []QualityFlag

	PriceValue  *int64
	SizeSqm     *float64
	LocationKey string
	Bucket      string
}

// AddFlag records f once.
func (c *Candidate) AddFlag(f QualityFlag) {
	if !c.HasFlag(f) {
		c.Flags = append(c.Flags, f)
	}
}

func (c *Candidate) HasFlag(f QualityFlag) bool {
	return slices.Contains(c.Flags, f)
}
