package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v2"

	"karui-search/models"
)

//go:embed source_schema.json
var sourceSchema []byte

// Defaults applied to fields a source entry leaves out.
var (
	DefaultRequestsPerSecond = 0.33
	DefaultRequestsPerHour   = 300
	DefaultJitter            = time.Second
	DefaultAreaKeywords      = []string{"軽井沢", "karuizawa", "御代田", "miyota"}
	DefaultPriceBounds       = models.PriceBounds{Min: 1_000_000, Max: 5_000_000_000}
	DefaultMaxItems          = 50
)

type sourceFile struct {
	Sources []sourceEntry `yaml:"sources"`
}

type sourceEntry struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	BaseURL      string   `yaml:"base_url"`
	Strategy     string   `yaml:"strategy"`
	Active       *bool    `yaml:"active"`
	MaxItems     int      `yaml:"max_items"`
	AreaKeywords []string `yaml:"area_keywords"`
	RateLimit    struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		RequestsPerHour   int     `yaml:"requests_per_hour"`
		JitterMs          *int    `yaml:"jitter_ms"`
	} `yaml:"rate_limit"`
	PriceBounds struct {
		Min int64 `yaml:"min"`
		Max int64 `yaml:"max"`
	} `yaml:"price_bounds"`
	Extraction struct {
		ListingPaths        []string          `yaml:"listing_paths"`
		LinkSelector        string            `yaml:"link_selector"`
		NextPageSelector    string            `yaml:"next_page_selector"`
		Selectors           map[string]string `yaml:"selectors"`
		MinExpectedListings int               `yaml:"min_expected_listings"`
		MaxPages            int               `yaml:"max_pages"`
	} `yaml:"extraction"`
}

// LoadSources reads and validates the per-source configuration file.
func LoadSources(path string) ([]models.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read sources file %s", path)
	}
	return ParseSources(data)
}

// ParseSources decodes a YAML sources document, checks it against the
// embedded schema and fills defaults.
func ParseSources(data []byte) ([]models.Source, error) {
	if err := validateSourceDoc(data); err != nil {
		return nil, err
	}

	var doc sourceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "config: decode sources")
	}

	seen := make(map[string]bool, len(doc.Sources))
	out := make([]models.Source, 0, len(doc.Sources))
	for _, e := range doc.Sources {
		if seen[e.ID] {
			return nil, eris.Errorf("config: duplicate source id %q", e.ID)
		}
		seen[e.ID] = true

		src, err := e.toSource()
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func (e sourceEntry) toSource() (models.Source, error) {
	src := models.Source{
		ID:           e.ID,
		Name:         e.Name,
		BaseURL:      e.BaseURL,
		Strategy:     models.FetchStrategy(e.Strategy),
		Active:       e.Active == nil || *e.Active,
		MaxItems:     e.MaxItems,
		AreaKeywords: e.AreaKeywords,
		Budget: models.RateBudget{
			RequestsPerSecond: e.RateLimit.RequestsPerSecond,
			RequestsPerHour:   e.RateLimit.RequestsPerHour,
			Jitter:            DefaultJitter,
		},
		PriceBounds: models.PriceBounds{Min: e.PriceBounds.Min, Max: e.PriceBounds.Max},
		Extraction: models.Extraction{
			ListingPaths:        e.Extraction.ListingPaths,
			LinkSelector:        e.Extraction.LinkSelector,
			NextPageSelector:    e.Extraction.NextPageSelector,
			Selectors:           e.Extraction.Selectors,
			MinExpectedListings: e.Extraction.MinExpectedListings,
			MaxPages:            e.Extraction.MaxPages,
		},
		Circuit: models.CircuitClosed,
	}

	if src.Name == "" {
		src.Name = src.ID
	}
	if src.MaxItems == 0 {
		src.MaxItems = DefaultMaxItems
	}
	if len(src.AreaKeywords) == 0 {
		src.AreaKeywords = DefaultAreaKeywords
	}
	if src.Budget.RequestsPerSecond == 0 {
		src.Budget.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if src.Budget.RequestsPerHour == 0 {
		src.Budget.RequestsPerHour = DefaultRequestsPerHour
	}
	if e.RateLimit.JitterMs != nil {
		src.Budget.Jitter = time.Duration(*e.RateLimit.JitterMs) * time.Millisecond
	}
	if src.PriceBounds.Min == 0 && src.PriceBounds.Max == 0 {
		src.PriceBounds = DefaultPriceBounds
	}
	if src.PriceBounds.Max != 0 && src.PriceBounds.Max < src.PriceBounds.Min {
		return src, eris.Errorf("config: source %q price_bounds max below min", src.ID)
	}
	return src, nil
}

func validateSourceDoc(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "config: parse sources yaml")
	}
	// Round-trip through JSON so the validator sees plain JSON types.
	b, err := json.Marshal(toJSONCompatible(raw))
	if err != nil {
		return eris.Wrap(err, "config: convert sources yaml")
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return eris.Wrap(err, "config: convert sources yaml")
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sources.schema.json", bytes.NewReader(sourceSchema)); err != nil {
		return eris.Wrap(err, "config: add source schema")
	}
	schema, err := compiler.Compile("sources.schema.json")
	if err != nil {
		return eris.Wrap(err, "config: compile source schema")
	}
	if err := schema.Validate(doc); err != nil {
		return eris.Wrap(err, "config: sources file does not match schema")
	}
	return nil
}

// toJSONCompatible turns the map[interface{}]interface{} values yaml.v2
// produces into string-keyed maps.
func toJSONCompatible(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = toJSONCompatible(val)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = toJSONCompatible(t[i])
		}
		return t
	}
	return v
}
