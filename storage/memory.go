package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"karui-search/models"
)

// MemoryCatalog keeps the catalog in process memory. Used for dry runs and
// tests; it honours the same version checks as the SQL catalog.
type MemoryCatalog struct {
	mu         sync.RWMutex
	properties map[string]*models.CanonicalProperty
	pairs      map[string]*models.DuplicateCandidatePair
	pairKeys   map[[2]string]string
	jobs       map[string]*models.CrawlJob
	jobOrder   []string
}

// NewMemoryCatalog returns an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		properties: make(map[string]*models.CanonicalProperty),
		pairs:      make(map[string]*models.DuplicateCandidatePair),
		pairKeys:   make(map[[2]string]string),
		jobs:       make(map[string]*models.CrawlJob),
	}
}

func (m *MemoryCatalog) Get(_ context.Context, id string) (*models.CanonicalProperty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.properties[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryCatalog) FindCandidateMatches(_ context.Context, bucket string, r models.PriceRange) ([]*models.CanonicalProperty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CanonicalProperty
	for _, p := range m.properties {
		if p.Bucket == bucket && r.Contains(p.PriceValue) {
			out = append(out, p.Clone())
		}
	}
	sortByFirstSeen(out)
	return out, nil
}

func (m *MemoryCatalog) FindBySourceRef(_ context.Context, sourceID, nativeID, url string) (*models.CanonicalProperty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []*models.CanonicalProperty
	for _, p := range m.properties {
		for _, ref := range p.Sources {
			if ref.SourceID != sourceID {
				continue
			}
			if (nativeID != "" && ref.NativeID == nativeID) || (url != "" && ref.URL == url) {
				found = append(found, p)
				break
			}
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	sortByFirstSeen(found)
	return found[0].Clone(), nil
}

func (m *MemoryCatalog) ListBySource(_ context.Context, sourceID string) ([]*models.CanonicalProperty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CanonicalProperty
	for _, p := range m.properties {
		if p.Ref(sourceID) != nil {
			out = append(out, p.Clone())
		}
	}
	sortByFirstSeen(out)
	return out, nil
}

func (m *MemoryCatalog) ListAll(_ context.Context) ([]*models.CanonicalProperty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.CanonicalProperty, 0, len(m.properties))
	for _, p := range m.properties {
		out = append(out, p.Clone())
	}
	sortByFirstSeen(out)
	return out, nil
}

func (m *MemoryCatalog) Upsert(_ context.Context, p *models.CanonicalProperty, changes []models.ChangeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.properties[p.ID]
	switch {
	case p.Version == 0 && exists:
		return conflict(p.ID, "record already exists")
	case p.Version != 0 && !exists:
		return conflict(p.ID, "record vanished")
	case exists && stored.Version != p.Version:
		return conflict(p.ID, "version changed underneath")
	}

	next := p.Clone()
	if exists {
		next.History = append(slices.Clone(stored.History), changes...)
	} else {
		next.History = slices.Clone(changes)
	}
	next.Version = p.Version + 1
	m.properties[p.ID] = next

	p.Version = next.Version
	p.History = slices.Clone(next.History)
	return nil
}

func (m *MemoryCatalog) SavePair(_ context.Context, pair *models.DuplicateCandidatePair) (*models.DuplicateCandidatePair, bool, error) {
	if pair.LowID == pair.HighID {
		return nil, false, models.ErrSelfPair
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]string{pair.LowID, pair.HighID}
	if id, ok := m.pairKeys[key]; ok {
		cp := *m.pairs[id]
		return &cp, false, nil
	}
	cp := *pair
	m.pairs[pair.ID] = &cp
	m.pairKeys[key] = pair.ID
	out := cp
	return &out, true, nil
}

func (m *MemoryCatalog) GetPair(_ context.Context, id string) (*models.DuplicateCandidatePair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pairs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryCatalog) UpdatePair(_ context.Context, pair *models.DuplicateCandidatePair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[pair.ID]; !ok {
		return ErrNotFound
	}
	cp := *pair
	m.pairs[pair.ID] = &cp
	return nil
}

func (m *MemoryCatalog) ListPairs(_ context.Context, status models.PairStatus) ([]*models.DuplicateCandidatePair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DuplicateCandidatePair
	for _, p := range m.pairs {
		if status == "" || p.Status == status {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryCatalog) RecordJob(_ context.Context, job *models.CrawlJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.jobs[job.ID]; ok {
		if prev.Terminal() {
			return nil
		}
	} else {
		m.jobOrder = append(m.jobOrder, job.ID)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryCatalog) ListJobs(_ context.Context, limit int) ([]*models.CrawlJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CrawlJob
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, cloneJob(m.jobs[m.jobOrder[i]]))
	}
	return out, nil
}

func (m *MemoryCatalog) Ping(context.Context) error { return nil }

func (m *MemoryCatalog) Close() error { return nil }

func cloneJob(j *models.CrawlJob) *models.CrawlJob {
	cp := *j
	cp.Filter = slices.Clone(j.Filter)
	cp.Errors = slices.Clone(j.Errors)
	cp.Warnings = slices.Clone(j.Warnings)
	cp.Sources = make(map[string]*models.SourceCounts, len(j.Sources))
	for k, v := range j.Sources {
		c := *v
		cp.Sources[k] = &c
	}
	return &cp
}

func sortByFirstSeen(ps []*models.CanonicalProperty) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].FirstSeen.Equal(ps[j].FirstSeen) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].FirstSeen.Before(ps[j].FirstSeen)
	})
}
