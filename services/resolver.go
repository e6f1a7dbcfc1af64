package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"golang.org/x/text/width"

	"karui-search/models"
	"karui-search/storage"
	"karui-search/utils"
)

// Weights are the per-component weights of the similarity score.
type Weights struct {
	Location float64
	Price    float64
	Size     float64
	Title    float64
}

// ResolverConfig holds the dedup thresholds and tolerances.
type ResolverConfig struct {
	Weights       Weights
	Confirm       float64
	Review        float64
	SizeTolerance float64
	// PriceBand is the relative half-width of the candidate price window.
	PriceBand       float64
	ConflictRetries int
	DeactivateAfter int
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Weights:         Weights{Location: 0.4, Price: 0.3, Size: 0.2, Title: 0.1},
		Confirm:         0.85,
		Review:          0.60,
		SizeTolerance:   0.05,
		PriceBand:       0.15,
		ConflictRetries: 5,
		DeactivateAfter: 3,
	}
}

// Decision is what Resolve did with a candidate.
type Decision string

const (
	DecisionCreated Decision = "created"
	DecisionUpdated Decision = "updated"
	// DecisionMatched means the candidate matched a record with no field changes.
	DecisionMatched Decision = "matched"
	// DecisionReview means a new record was created alongside a pending pair.
	DecisionReview Decision = "pending-review"
)

// Outcome reports one Resolve call.
type Outcome struct {
	Decision    Decision
	PropertyID  string
	Score       float64
	Pair        *models.DuplicateCandidatePair
	Changes     []models.ChangeEntry
	Reactivated bool
}

// Resolver is the only writer of canonical records. Match and update happen
// under a per-bucket lock and are committed with a version check, so two
// sources reporting the same property never race.
type Resolver struct {
	store  storage.Catalog
	cfg    ResolverConfig
	locks  *utils.KeyedMutex
	logger *utils.Logger

	newID func() string
	now   func() time.Time
}

func NewResolver(store storage.Catalog, cfg ResolverConfig, logger *utils.Logger) *Resolver {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 1
	}
	return &Resolver{
		store:  store,
		cfg:    cfg,
		locks:  utils.NewKeyedMutex(),
		logger: logger,
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Resolve matches c against the catalog and creates or updates a record.
func (r *Resolver) Resolve(ctx context.Context, c *models.Candidate) (*Outcome, error) {
	unlock := r.locks.Lock(c.Bucket)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < r.cfg.ConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, models.WrapError(models.KindCancelled, err, "resolve cancelled")
		}
		out, err := r.resolveOnce(ctx, c)
		if !models.IsKind(err, models.KindStoreConflict) {
			return out, err
		}
		lastErr = err
		r.logger.Debug("[resolver] version conflict on %s, retrying (%d/%d)", c.Listing.URL, attempt+1, r.cfg.ConflictRetries)
	}
	return nil, lastErr
}

func (r *Resolver) resolveOnce(ctx context.Context, c *models.Candidate) (*Outcome, error) {
	l := c.Listing
	hash := ContentHash(l)

	known, err := r.store.FindBySourceRef(ctx, l.SourceID, l.NativeID, l.URL)
	if err != nil {
		return nil, err
	}
	if known != nil {
		return r.merge(ctx, known, c, hash, 1)
	}

	candidates, err := r.store.FindCandidateMatches(ctx, c.Bucket, r.priceRange(c.PriceValue))
	if err != nil {
		return nil, err
	}

	var (
		best       *models.CanonicalProperty
		bestScore  float64
		bestFields []string
	)
	for _, p := range candidates {
		if p.ContentHash == hash {
			return r.merge(ctx, p, c, hash, 1)
		}
		score, fields := r.Score(c, p)
		if best == nil || score > bestScore {
			best, bestScore, bestFields = p, score, fields
		}
	}

	if best != nil && bestScore >= r.cfg.Confirm {
		return r.merge(ctx, best, c, hash, bestScore)
	}

	p := r.newCanonical(c, hash)
	created := models.ChangeEntry{Kind: models.ChangeCreated, At: p.FirstSeen, SourceID: l.SourceID}
	if err := r.store.Upsert(ctx, p, []models.ChangeEntry{created}); err != nil {
		return nil, err
	}
	out := &Outcome{Decision: DecisionCreated, PropertyID: p.ID, Score: bestScore, Changes: []models.ChangeEntry{created}}

	if best != nil && bestScore >= r.cfg.Review {
		pair, err := models.NewPair(r.newID(), best.ID, p.ID, bestScore, bestFields, r.now())
		if err != nil {
			return nil, eris.Wrap(err, "build duplicate pair")
		}
		saved, _, err := r.store.SavePair(ctx, pair)
		if err != nil {
			return nil, err
		}
		out.Decision = DecisionReview
		out.Pair = saved
		r.logger.Event("[resolver] possible duplicate held for review",
			"pair", saved.ID, "low", saved.LowID, "high", saved.HighID, "score", round2(bestScore))
	}
	return out, nil
}

// Score is the weighted similarity of c to p plus the names of the
// components that contributed.
func (r *Resolver) Score(c *models.Candidate, p *models.CanonicalProperty) (float64, []string) {
	w := r.cfg.Weights
	parts := []struct {
		name   string
		weight float64
		value  float64
	}{
		{"location", w.Location, locationSimilarity(c.LocationKey, p.LocationKey)},
		{"price", w.Price, ratioSimilarity(c.PriceValue, p.PriceValue)},
		{"size", w.Size, sizeSimilarity(c.SizeSqm, p.SizeSqm, r.cfg.SizeTolerance)},
		{"title", w.Title, textSimilarity(c.Listing.Title, p.Title)},
	}
	var score float64
	var fields []string
	for _, part := range parts {
		if part.value > 0 {
			fields = append(fields, part.name)
		}
		score += part.weight * part.value
	}
	return score, fields
}

func locationSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	return levenshtein.Similarity(a, b, nil)
}

// ratioSimilarity is 1 − |a−b| / max(a, b); unknown values score 0.
func ratioSimilarity(a, b *int64) float64 {
	if a == nil || b == nil {
		return 0
	}
	hi := math.Max(float64(*a), float64(*b))
	if hi <= 0 {
		return 1
	}
	return math.Max(0, 1-math.Abs(float64(*a-*b))/hi)
}

// sizeSimilarity falls linearly from 1 at identical sizes to 0 at a
// relative difference of tolerance.
func sizeSimilarity(a, b *float64, tolerance float64) float64 {
	if a == nil || b == nil || tolerance <= 0 {
		return 0
	}
	hi := math.Max(*a, *b)
	if hi <= 0 {
		return 1
	}
	rel := math.Abs(*a-*b) / hi
	return math.Max(0, 1-rel/tolerance)
}

func textSimilarity(a, b string) float64 {
	a = strings.ToLower(normaliseText(width.Fold.String(a)))
	b = strings.ToLower(normaliseText(width.Fold.String(b)))
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.Similarity(a, b, nil)
}

func (r *Resolver) priceRange(v *int64) models.PriceRange {
	if v == nil || r.cfg.PriceBand <= 0 {
		return models.PriceRange{}
	}
	lo := int64(math.Floor(float64(*v) * (1 - r.cfg.PriceBand)))
	hi := int64(math.Ceil(float64(*v) * (1 + r.cfg.PriceBand)))
	return models.PriceRange{Min: &lo, Max: &hi}
}

// ContentHash identifies a listing by title, price, location and source.
func ContentHash(l models.PropertyListing) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.TrimSpace(l.Title), strings.TrimSpace(l.Price), strings.TrimSpace(l.Location), l.SourceID,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) capturedAt(l models.PropertyListing) time.Time {
	if l.CapturedAt.IsZero() {
		return r.now().UTC()
	}
	return l.CapturedAt
}

func (r *Resolver) newCanonical(c *models.Candidate, hash string) *models.CanonicalProperty {
	l := c.Listing
	at := r.capturedAt(l)
	return &models.CanonicalProperty{
		ID:          r.newID(),
		Title:       l.Title,
		Price:       l.Price,
		Location:    l.Location,
		Category:    l.Category,
		Size:        l.Size,
		BuildingAge: l.BuildingAge,
		Description: l.Description,
		Images:      append([]string(nil), l.Images...),
		Rooms:       l.Rooms,
		PriceValue:  c.PriceValue,
		SizeSqm:     c.SizeSqm,
		LocationKey: c.LocationKey,
		Bucket:      c.Bucket,
		ContentHash: hash,
		Flags:       append([]models.QualityFlag(nil), c.Flags...),
		Sources: []models.SourceRef{{
			SourceID: l.SourceID, NativeID: l.NativeID, URL: l.URL, FirstSeen: at, LastSeen: at,
		}},
		Active:      true,
		FirstSeen:   at,
		LastUpdated: at,
	}
}

// merge folds c into p. Only p's primary source overwrites display fields;
// other sources fill blanks and extend the source set.
func (r *Resolver) merge(ctx context.Context, stored *models.CanonicalProperty, c *models.Candidate, hash string, score float64) (*Outcome, error) {
	p := stored.Clone()
	l := c.Listing
	at := r.capturedAt(l)
	primary := p.PrimarySource() == l.SourceID

	var changes []models.ChangeEntry
	entry := func(field, from, to string) {
		changes = append(changes, models.ChangeEntry{
			Field: field, Old: from, New: to, Kind: models.ChangeUpdated, At: at, SourceID: l.SourceID,
		})
	}

	refChanged := false
	if ref := p.Ref(l.SourceID); ref == nil {
		p.Sources = append(p.Sources, models.SourceRef{
			SourceID: l.SourceID, NativeID: l.NativeID, URL: l.URL, FirstSeen: at, LastSeen: at,
		})
		entry("sources", "", l.SourceID)
	} else {
		if l.NativeID != "" && ref.NativeID != l.NativeID {
			ref.NativeID, refChanged = l.NativeID, true
		}
		if l.URL != "" && ref.URL != l.URL {
			ref.URL, refChanged = l.URL, true
		}
		if at.After(ref.LastSeen) {
			ref.LastSeen, refChanged = at, true
		}
		if ref.Misses != 0 {
			ref.Misses, refChanged = 0, true
		}
	}

	if primary {
		if l.Price != "" && l.Price != p.Price {
			changes = append(changes, priceChange(p, c, at))
			p.Price = l.Price
			p.PriceValue = c.PriceValue
		}
		for _, f := range r.displayFields(p, l) {
			if f.value != "" && f.value != *f.dst {
				entry(f.name, *f.dst, f.value)
				*f.dst = f.value
			}
		}
		if l.Category != "" && l.Category != p.Category {
			entry("category", string(p.Category), string(l.Category))
			p.Category = l.Category
		}
		if len(l.Images) > 0 && strings.Join(l.Images, "\n") != strings.Join(p.Images, "\n") {
			entry("images", strings.Join(p.Images, "\n"), strings.Join(l.Images, "\n"))
			p.Images = append([]string(nil), l.Images...)
		}
		if hash != p.ContentHash {
			p.ContentHash, refChanged = hash, true
		}
		if c.SizeSqm != nil && (p.SizeSqm == nil || *p.SizeSqm != *c.SizeSqm) {
			p.SizeSqm = c.SizeSqm
		}
		if c.LocationKey != "" && c.LocationKey != p.LocationKey {
			p.LocationKey, p.Bucket = c.LocationKey, c.Bucket
		}
		if !flagsEqual(p.Flags, c.Flags) {
			p.Flags, refChanged = append([]models.QualityFlag(nil), c.Flags...), true
		}
	} else {
		for _, f := range r.displayFields(p, l) {
			if *f.dst == "" && f.value != "" {
				entry(f.name, "", f.value)
				*f.dst = f.value
			}
		}
		if p.Category == "" && l.Category != "" {
			entry("category", "", string(l.Category))
			p.Category = l.Category
		}
		if len(p.Images) == 0 && len(l.Images) > 0 {
			entry("images", "", strings.Join(l.Images, "\n"))
			p.Images = append([]string(nil), l.Images...)
		}
		if p.PriceValue == nil && c.PriceValue != nil {
			p.PriceValue = c.PriceValue
			refChanged = true
		}
		if p.SizeSqm == nil && c.SizeSqm != nil {
			p.SizeSqm = c.SizeSqm
			refChanged = true
		}
	}

	out := &Outcome{Decision: DecisionMatched, PropertyID: p.ID, Score: score}
	if !p.Active {
		p.Active = true
		changes = append(changes, models.ChangeEntry{Kind: models.ChangeReactivated, At: at, SourceID: l.SourceID})
		out.Reactivated = true
	}

	if len(changes) == 0 && !refChanged {
		return out, nil
	}
	if len(changes) > 0 {
		p.LastUpdated = at
		out.Decision = DecisionUpdated
	}
	if err := r.store.Upsert(ctx, p, changes); err != nil {
		return nil, err
	}
	out.Changes = changes
	return out, nil
}

type displayField struct {
	name  string
	dst   *string
	value string
}

func (r *Resolver) displayFields(p *models.CanonicalProperty, l models.PropertyListing) []displayField {
	return []displayField{
		{"title", &p.Title, l.Title},
		{"location", &p.Location, l.Location},
		{"size", &p.Size, l.Size},
		{"building_age", &p.BuildingAge, l.BuildingAge},
		{"description", &p.Description, l.Description},
		{"rooms", &p.Rooms, l.Rooms},
	}
}

// priceChange records a numeric price move when both sides parse, and a
// display-string update otherwise.
func priceChange(p *models.CanonicalProperty, c *models.Candidate, at time.Time) models.ChangeEntry {
	e := models.ChangeEntry{Field: "price", Old: p.Price, New: c.Listing.Price, Kind: models.ChangeUpdated, At: at, SourceID: c.Listing.SourceID}
	if p.PriceValue == nil || c.PriceValue == nil || *p.PriceValue == *c.PriceValue {
		return e
	}
	e.Kind = models.ChangePriceChanged
	e.Old = strconv.FormatInt(*p.PriceValue, 10)
	e.New = strconv.FormatInt(*c.PriceValue, 10)
	e.Delta = *c.PriceValue - *p.PriceValue
	e.Direction = "up"
	if e.Delta < 0 {
		e.Direction = "down"
	}
	return e
}

func flagsEqual(a, b []models.QualityFlag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ErrPairResolved is returned when resolving a pair that is no longer pending.
var ErrPairResolved = errors.New("duplicate pair already resolved")

// ResolvePair settles a pending pair. Confirming folds the newer record's
// sources into the older one and deactivates the newer.
func (r *Resolver) ResolvePair(ctx context.Context, pairID string, confirm bool) error {
	pair, err := r.store.GetPair(ctx, pairID)
	if err != nil {
		return err
	}
	if pair.Status != models.PairPending {
		return ErrPairResolved
	}

	if confirm {
		var lastErr error
		for attempt := 0; attempt < r.cfg.ConflictRetries; attempt++ {
			lastErr = r.mergePair(ctx, pair)
			if !models.IsKind(lastErr, models.KindStoreConflict) {
				break
			}
		}
		if lastErr != nil {
			return lastErr
		}
		pair.Status = models.PairConfirmed
	} else {
		pair.Status = models.PairDismissed
	}
	pair.ResolvedAt = r.now().UTC()
	if err := r.store.UpdatePair(ctx, pair); err != nil {
		return err
	}
	r.logger.Event("[resolver] duplicate pair resolved", "pair", pair.ID, "status", string(pair.Status))
	return nil
}

func (r *Resolver) mergePair(ctx context.Context, pair *models.DuplicateCandidatePair) error {
	a, err := r.store.Get(ctx, pair.LowID)
	if err != nil {
		return err
	}
	b, err := r.store.Get(ctx, pair.HighID)
	if err != nil {
		return err
	}
	keep, drop := a, b
	if b.FirstSeen.Before(a.FirstSeen) {
		keep, drop = b, a
	}

	buckets := []string{keep.Bucket, drop.Bucket}
	if buckets[1] < buckets[0] {
		buckets[0], buckets[1] = buckets[1], buckets[0]
	}
	defer r.locks.Lock(buckets[0])()
	if buckets[1] != buckets[0] {
		defer r.locks.Lock(buckets[1])()
	}

	at := r.now().UTC()
	var keepChanges []models.ChangeEntry
	for _, ref := range drop.Sources {
		if keep.Ref(ref.SourceID) == nil {
			keep.Sources = append(keep.Sources, ref)
			keepChanges = append(keepChanges, models.ChangeEntry{
				Field: "sources", New: ref.SourceID, Kind: models.ChangeUpdated, At: at, SourceID: ref.SourceID,
			})
		}
	}
	if len(keepChanges) > 0 {
		keep.LastUpdated = at
		if err := r.store.Upsert(ctx, keep, keepChanges); err != nil {
			return err
		}
	}

	if drop.Active {
		drop.Active = false
		drop.LastUpdated = at
		dropChange := models.ChangeEntry{Field: "duplicate_of", New: keep.ID, Kind: models.ChangeDeactivated, At: at}
		if err := r.store.Upsert(ctx, drop, []models.ChangeEntry{dropChange}); err != nil {
			return err
		}
	}
	return nil
}

// Sweep accrues a miss on every record of sourceID not in seen and
// deactivates records whose every source has missed DeactivateAfter
// consecutive crawls. It returns the number of records deactivated.
func (r *Resolver) Sweep(ctx context.Context, sourceID string, seen map[string]bool) (int, error) {
	records, err := r.store.ListBySource(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range records {
		if seen[rec.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, models.WrapError(models.KindCancelled, err, "sweep cancelled")
		}
		deactivated, err := r.sweepOne(ctx, rec, sourceID)
		if err != nil {
			return removed, err
		}
		if deactivated {
			removed++
		}
	}
	return removed, nil
}

func (r *Resolver) sweepOne(ctx context.Context, rec *models.CanonicalProperty, sourceID string) (bool, error) {
	unlock := r.locks.Lock(rec.Bucket)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < r.cfg.ConflictRetries; attempt++ {
		if attempt > 0 {
			fresh, err := r.store.Get(ctx, rec.ID)
			if err != nil {
				return false, err
			}
			rec = fresh
		}
		p := rec.Clone()
		ref := p.Ref(sourceID)
		if ref == nil {
			return false, nil
		}
		ref.Misses++

		var changes []models.ChangeEntry
		deactivate := p.Active && r.cfg.DeactivateAfter > 0 && allMissed(p.Sources, r.cfg.DeactivateAfter)
		if deactivate {
			at := r.now().UTC()
			p.Active = false
			p.LastUpdated = at
			changes = append(changes, models.ChangeEntry{Kind: models.ChangeDeactivated, At: at, SourceID: sourceID})
		}
		lastErr = r.store.Upsert(ctx, p, changes)
		if lastErr == nil {
			if deactivate {
				r.logger.Event("[resolver] property deactivated", "id", p.ID, "source", sourceID)
			}
			return deactivate, nil
		}
		if !models.IsKind(lastErr, models.KindStoreConflict) {
			return false, lastErr
		}
	}
	return false, lastErr
}

func allMissed(refs []models.SourceRef, n int) bool {
	for _, ref := range refs {
		if ref.Misses < n {
			return false
		}
	}
	return true
}
