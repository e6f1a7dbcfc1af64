// Package adapter defines the per-site extraction contract and the shared
// selector-driven scaffolding that concrete sites configure.
package adapter

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"karui-search/fetch"
	"karui-search/models"
)

// Expectations are known-good assertions checked after discovery.
type Expectations struct {
	// MinListings is the discovered-URL count below which the site is
	// assumed to have changed shape.
	MinListings int
}

// Adapter maps one site's pages to listings.
type Adapter interface {
	SourceID() string
	Strategy() models.FetchStrategy
	RateCeiling() models.RateBudget
	// ListingPages are the absolute entry URLs for discovery.
	ListingPages() []string
	DiscoverListingURLs(page *fetch.RawPage) ([]string, error)
	// ExtractListing returns a partial listing plus a structural-mismatch
	// error when required fields are missing.
	ExtractListing(page *fetch.RawPage) (*models.PropertyListing, error)
	Expectations() Expectations
}

// Paginator is implemented by adapters whose listing pages link onward.
type Paginator interface {
	NextPageURL(page *fetch.RawPage) string
}

// Factory builds an adapter for a configured source.
type Factory func(src models.Source) (Adapter, error)

// Registry maps source ids to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

// Build returns the adapter for src.ID.
func (r *Registry) Build(src models.Source) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[src.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Errorf("adapter: no adapter registered for source %q", src.ID)
	}
	return f(src)
}

// IDs lists registered source ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
