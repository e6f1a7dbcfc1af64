package services

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"

	"karui-search/models"
	"karui-search/utils"
)

// DefaultDescriptionMax is the description cap in runes.
const DefaultDescriptionMax = 2000

// Validator rejects structurally unusable listings and annotates
// suspicious ones.
type Validator struct {
	descriptionMax int
	logger         *utils.Logger
}

// NewValidator creates a Validator. descriptionMax <= 0 selects the default.
func NewValidator(descriptionMax int, logger *utils.Logger) *Validator {
	if descriptionMax <= 0 {
		descriptionMax = DefaultDescriptionMax
	}
	return &Validator{descriptionMax: descriptionMax, logger: logger}
}

// Validate checks l against the rules of src. A rejected listing returns a
// validation-rejected error; otherwise the returned candidate carries the
// clamped listing and its quality flags.
func (v *Validator) Validate(src models.Source, l models.PropertyListing) (*models.Candidate, error) {
	reject := func(reason string) error {
		v.logger.Debug("[validator] %s: rejected %s: %s", src.ID, l.URL, reason)
		return &models.Error{Kind: models.KindValidationRejected, Source: src.ID, URL: l.URL, Message: reason}
	}

	if strings.TrimSpace(l.Title) == "" {
		return nil, reject("empty title")
	}
	if strings.TrimSpace(l.Price) == "" {
		return nil, reject("no price text")
	}
	if !inScope(l.Location, src.AreaKeywords) {
		return nil, reject("location " + clip(l.Location, 40) + " outside configured areas")
	}
	if !isAbsoluteHTTP(l.URL) {
		return nil, reject("source url is not an absolute http(s) url")
	}

	c := &models.Candidate{Listing: l}
	c.Listing.Images = append([]string(nil), l.Images...)

	if utf8.RuneCountInString(l.Description) > v.descriptionMax {
		c.Listing.Description = string([]rune(l.Description)[:v.descriptionMax])
		c.AddFlag(models.FlagDescriptionTruncated)
	}
	if len(c.Listing.Images) > models.MaxImages {
		c.Listing.Images = c.Listing.Images[:models.MaxImages]
		c.AddFlag(models.FlagImagesCapped)
	}
	if l.Degraded {
		c.AddFlag(models.FlagDegraded)
	}

	if p := ParsePrice(l.Price); p != nil {
		b := src.PriceBounds
		if (b.Min > 0 && *p < b.Min) || (b.Max > 0 && *p > b.Max) {
			c.AddFlag(models.FlagPriceOutOfBounds)
			v.logger.Info("[validator] %s: price %q outside [%d, %d], flagged", src.ID, l.Price, b.Min, b.Max)
		}
	}
	return c, nil
}

// inScope reports whether location names any configured area. An empty
// keyword list accepts everything.
func inScope(location string, keywords []string) bool {
	if len(keywords) == 0 {
		return strings.TrimSpace(location) != ""
	}
	loc := strings.ToLower(width.Fold.String(location))
	for _, k := range keywords {
		if k != "" && strings.Contains(loc, strings.ToLower(width.Fold.String(k))) {
			return true
		}
	}
	return false
}

func isAbsoluteHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
