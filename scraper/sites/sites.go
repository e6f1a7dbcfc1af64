// Package sites holds the per-site extraction profiles for the Karuizawa
// agencies and portals the crawler knows about.
package sites

import (
	"regexp"
	"time"

	"karui-search/models"
	"karui-search/scraper/adapter"
)

var defaultExclude = []string{"/company", "/contact", "/privacy", "/recruit", "/faq", "/sitemap", "/inquiry", "/news", "/blog"}

var genericKeywords = []string{"property", "bukken", "物件", "detail", "詳細", "house", "land", "realestate"}

// Profiles returns every built-in site profile keyed by source id.
func Profiles() map[string]adapter.Profile {
	return map[string]adapter.Profile{
		"mitsui": {
			DisplayName:  "三井の森",
			Strategy:     models.StrategyDirect,
			RateCeiling:  models.RateBudget{RequestsPerSecond: 0.5, RequestsPerHour: 600},
			ListingPaths: []string{"/karuizawa/bukken/"},
			LinkKeywords: []string{"bukken", "物件", "detail"},
			LinkExclude:  defaultExclude,
			Selectors: map[string]string{
				adapter.FieldDescription: ".description, .detail, .content",
			},
			NativeID:    regexp.MustCompile(`/bukken/(?:detail/)?([0-9A-Za-z_-]+)`),
			MinListings: 3,
			MaxPages:    3,
		},
		"royal_resort": {
			DisplayName:      "Royal Resort",
			Strategy:         models.StrategyRendered,
			RateCeiling:      models.RateBudget{RequestsPerSecond: 0.25, RequestsPerHour: 200, Jitter: 2 * time.Second},
			ListingPaths:     []string{"/karuizawa/"},
			LinkSelector:     `a[href*="property"], a[href*="detail"], a[href*="bukken"], a[href*="villa"], a[href*="estate"]`,
			LinkExclude:      defaultExclude,
			NextPageSelector: `a[rel="next"], .pagination a.next`,
			NativeID:         regexp.MustCompile(`/(?:detail|property|bukken)/([0-9A-Za-z_-]+)`),
			GenerateTitle:    true,
			MinListings:      5,
			MaxPages:         5,
		},
		"besso_navi": {
			DisplayName: "別荘ナビ",
			Strategy:    models.StrategyRendered,
			RateCeiling: models.RateBudget{RequestsPerSecond: 0.25, RequestsPerHour: 200, Jitter: 2 * time.Second},
			// the search form submits with GET, so its result page is addressable
			ListingPaths:     []string{"/b-search?area=karuizawa", "/b-search?area=miyota"},
			LinkSelector:     `a[href*="property"], a[href*="bukken"], a[href*="detail"]`,
			LinkExclude:      defaultExclude,
			NextPageSelector: `a[rel="next"], a.next`,
			NativeID:         regexp.MustCompile(`(?:bukken|property|detail)[/=]([0-9A-Za-z_-]+)`),
			GenerateTitle:    true,
			MaxPages:         3,
		},
		"suumo": {
			DisplayName:      "SUUMO",
			Strategy:         models.StrategyDirect,
			RateCeiling:      models.RateBudget{RequestsPerSecond: 0.25, RequestsPerHour: 240, Jitter: 1500 * time.Millisecond},
			LinkSelector:     `a[href*="/nc_"], a[href*="/bukken/"], a[href*="detail"]`,
			LinkExclude:      defaultExclude,
			NextPageSelector: `.pagination-parts a:contains("次へ"), a[rel="next"]`,
			Selectors: map[string]string{
				adapter.FieldTitle: ".section_h1-header-title, h1",
			},
			NativeID:    regexp.MustCompile(`/nc_([0-9]+)`),
			MinListings: 5,
			MaxPages:    5,
		},
		"tokyu_resort": {
			DisplayName:      "東急リゾート",
			Strategy:         models.StrategyDirect,
			RateCeiling:      models.RateBudget{RequestsPerSecond: 0.33, RequestsPerHour: 300},
			ListingPaths:     []string{"/search/result?HPSRC_AREA_ID[57]=1"},
			LinkSelector:     `a[href*="/detail/"], a[href*="bukken"]`,
			LinkExclude:      defaultExclude,
			NextPageSelector: `a[rel="next"], .pager a.next`,
			NativeID:         regexp.MustCompile(`/detail/([0-9A-Za-z_-]+)`),
			MaxPages:         5,
		},
		"seibu": {
			DisplayName:      "西武リゾート",
			Strategy:         models.StrategyDirect,
			RateCeiling:      models.RateBudget{RequestsPerSecond: 0.33, RequestsPerHour: 300},
			ListingPaths:     []string{"/karuizawa/property/list/"},
			LinkSelector:     `a[href*="property"], a[href*="detail"], a[href*="estate"], a[href*="villa"], a[href*="house"]`,
			LinkKeywords:     genericKeywords,
			LinkExclude:      append([]string{"/property/list"}, defaultExclude...),
			NextPageSelector: `a[class*="next"], a[href*="page="]`,
			NativeID:         regexp.MustCompile(`/(?:property|detail)/([0-9A-Za-z_-]+)`),
			GenerateTitle:    true,
			MaxPages:         3,
		},
		"resort_home": {
			DisplayName:  "リゾートホーム",
			Strategy:     models.StrategyDirect,
			RateCeiling:  models.RateBudget{RequestsPerSecond: 0.33, RequestsPerHour: 300},
			ListingPaths: []string{"/bsearch/own/"},
			LinkSelector: `a[href*="/bsearch/detail/"]`,
			NativeID:     regexp.MustCompile(`/bsearch/detail/([0-9]+-[0-9]+)\.html`),
			MinListings:  3,
			MaxPages:     1,
		},
		"resort_innovation": {
			DisplayName:  "Resort Innovation",
			Strategy:     models.StrategyDirect,
			RateCeiling:  models.RateBudget{RequestsPerSecond: 0.33, RequestsPerHour: 300},
			ListingPaths: []string{"/for-sale.html"},
			LinkKeywords: genericKeywords,
			LinkExclude:  defaultExclude,
			NativeID:     regexp.MustCompile(`/([0-9A-Za-z_-]+)\.html$`),
			MaxPages:     1,
		},
	}
}

// Register adds a factory for every built-in profile to reg.
func Register(reg *adapter.Registry) {
	for id, p := range Profiles() {
		profile := p
		reg.Register(id, func(src models.Source) (adapter.Adapter, error) {
			return adapter.NewSelectorAdapter(src, profile)
		})
	}
}

// NewRegistry returns a registry with every built-in site registered.
func NewRegistry() *adapter.Registry {
	reg := adapter.NewRegistry()
	Register(reg)
	return reg
}
