package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"karui-search/models"
)

// dialect captures the few places Postgres and SQLite disagree.
type dialect struct {
	name         string
	dollarParams bool
}

// SQLCatalog is the database/sql implementation of Catalog.
type SQLCatalog struct {
	db *sql.DB
	d  dialect
}

const schema = `
CREATE TABLE IF NOT EXISTS canonical_properties (
	id           TEXT PRIMARY KEY,
	title        TEXT    NOT NULL,
	price        TEXT    NOT NULL DEFAULT '',
	location     TEXT    NOT NULL DEFAULT '',
	category     TEXT    NOT NULL DEFAULT '',
	size         TEXT    NOT NULL DEFAULT '',
	building_age TEXT    NOT NULL DEFAULT '',
	description  TEXT    NOT NULL DEFAULT '',
	images       TEXT    NOT NULL DEFAULT '[]',
	rooms        TEXT    NOT NULL DEFAULT '',
	price_value  BIGINT,
	size_sqm     DOUBLE PRECISION,
	location_key TEXT    NOT NULL DEFAULT '',
	bucket       TEXT    NOT NULL DEFAULT '',
	content_hash TEXT    NOT NULL DEFAULT '',
	flags        TEXT    NOT NULL DEFAULT '[]',
	active       INTEGER NOT NULL DEFAULT 1,
	first_seen   BIGINT  NOT NULL DEFAULT 0,
	last_updated BIGINT  NOT NULL DEFAULT 0,
	version      BIGINT  NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_cp_bucket_price ON canonical_properties(bucket, price_value);

CREATE TABLE IF NOT EXISTS property_sources (
	property_id TEXT    NOT NULL,
	ord         INTEGER NOT NULL,
	source_id   TEXT    NOT NULL,
	native_id   TEXT    NOT NULL DEFAULT '',
	url         TEXT    NOT NULL DEFAULT '',
	first_seen  BIGINT  NOT NULL DEFAULT 0,
	last_seen   BIGINT  NOT NULL DEFAULT 0,
	misses      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (property_id, source_id)
);
CREATE INDEX IF NOT EXISTS idx_ps_native ON property_sources(source_id, native_id);
CREATE INDEX IF NOT EXISTS idx_ps_url    ON property_sources(source_id, url);

CREATE TABLE IF NOT EXISTS change_history (
	property_id TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	field       TEXT    NOT NULL DEFAULT '',
	old_value   TEXT    NOT NULL DEFAULT '',
	new_value   TEXT    NOT NULL DEFAULT '',
	kind        TEXT    NOT NULL,
	changed_at  BIGINT  NOT NULL,
	source_id   TEXT    NOT NULL DEFAULT '',
	delta       BIGINT  NOT NULL DEFAULT 0,
	direction   TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (property_id, seq)
);

CREATE TABLE IF NOT EXISTS duplicate_pairs (
	id          TEXT PRIMARY KEY,
	low_id      TEXT   NOT NULL,
	high_id     TEXT   NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	fields      TEXT   NOT NULL DEFAULT '[]',
	status      TEXT   NOT NULL,
	created_at  BIGINT NOT NULL,
	resolved_at BIGINT NOT NULL DEFAULT 0,
	UNIQUE (low_id, high_id)
);
CREATE INDEX IF NOT EXISTS idx_pairs_status ON duplicate_pairs(status);

CREATE TABLE IF NOT EXISTS crawl_jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT   NOT NULL,
	filter     TEXT   NOT NULL DEFAULT '[]',
	started_at BIGINT NOT NULL DEFAULT 0,
	ended_at   BIGINT NOT NULL DEFAULT 0,
	sources    TEXT   NOT NULL DEFAULT '{}',
	errors     TEXT   NOT NULL DEFAULT '[]',
	warnings   TEXT   NOT NULL DEFAULT '[]'
);
`

func newSQLCatalog(ctx context.Context, db *sql.DB, d dialect) (*SQLCatalog, error) {
	c := &SQLCatalog{db: db, d: d}
	if err := c.migrate(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *SQLCatalog) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrapf(err, "%s: migrate", c.d.name)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (c *SQLCatalog) rebind(q string) string {
	if !c.d.dollarParams {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// wrap turns driver errors into catalog errors. Connection-level failures
// become store-unavailable so the orchestrator can fail the job.
func (c *SQLCatalog) wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || models.KindOf(err) != "" {
		return err
	}
	if unreachable(err) {
		return models.WrapError(models.KindStoreUnavailable, eris.Wrapf(err, "%s: %s", c.d.name, op), "catalog unreachable")
	}
	return eris.Wrapf(err, "%s: %s", c.d.name, op)
}

func unreachable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "database is closed")
}

const propertyColumns = `id, title, price, location, category, size, building_age, description, images, rooms,
	price_value, size_sqm, location_key, bucket, content_hash, flags, active, first_seen, last_updated, version`

func (c *SQLCatalog) Get(ctx context.Context, id string) (*models.CanonicalProperty, error) {
	ps, err := c.queryProperties(ctx, "get", `SELECT `+propertyColumns+` FROM canonical_properties WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, ErrNotFound
	}
	return ps[0], nil
}

func (c *SQLCatalog) FindCandidateMatches(ctx context.Context, bucket string, r models.PriceRange) ([]*models.CanonicalProperty, error) {
	q := `SELECT ` + propertyColumns + ` FROM canonical_properties WHERE bucket = ?`
	args := []any{bucket}
	if r.Min != nil {
		q += ` AND price_value >= ?`
		args = append(args, *r.Min)
	}
	if r.Max != nil {
		q += ` AND price_value <= ?`
		args = append(args, *r.Max)
	}
	q += ` ORDER BY first_seen, id`
	return c.queryProperties(ctx, "find candidates", q, args...)
}

func (c *SQLCatalog) FindBySourceRef(ctx context.Context, sourceID, nativeID, url string) (*models.CanonicalProperty, error) {
	var match []string
	args := []any{sourceID}
	if nativeID != "" {
		match = append(match, "s.native_id = ?")
		args = append(args, nativeID)
	}
	if url != "" {
		match = append(match, "s.url = ?")
		args = append(args, url)
	}
	if len(match) == 0 {
		return nil, nil
	}
	ps, err := c.queryProperties(ctx, "find by source ref", `
		SELECT `+prefixed("p.", propertyColumns)+`
		FROM canonical_properties p
		JOIN property_sources s ON s.property_id = p.id
		WHERE s.source_id = ? AND (`+strings.Join(match, " OR ")+`)
		ORDER BY p.first_seen, p.id`, args...)
	if err != nil || len(ps) == 0 {
		return nil, err
	}
	return ps[0], nil
}

func (c *SQLCatalog) ListBySource(ctx context.Context, sourceID string) ([]*models.CanonicalProperty, error) {
	return c.queryProperties(ctx, "list by source", `
		SELECT `+prefixed("p.", propertyColumns)+`
		FROM canonical_properties p
		JOIN property_sources s ON s.property_id = p.id
		WHERE s.source_id = ?
		ORDER BY p.first_seen, p.id`, sourceID)
}

func (c *SQLCatalog) ListAll(ctx context.Context) ([]*models.CanonicalProperty, error) {
	return c.queryProperties(ctx, "list all", `SELECT `+propertyColumns+` FROM canonical_properties ORDER BY first_seen, id`)
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (c *SQLCatalog) queryProperties(ctx context.Context, op, q string, args ...any) ([]*models.CanonicalProperty, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(q), args...)
	if err != nil {
		return nil, c.wrap(err, op)
	}
	var out []*models.CanonicalProperty
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			rows.Close()
			return nil, c.wrap(err, op+": scan")
		}
		out = append(out, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, c.wrap(err, op)
	}

	for _, p := range out {
		if err := c.loadChildren(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanProperty(rows *sql.Rows) (*models.CanonicalProperty, error) {
	var (
		p                  models.CanonicalProperty
		category           string
		images, flags      string
		priceValue         sql.NullInt64
		sizeSqm            sql.NullFloat64
		active             int64
		firstSeen, updated int64
	)
	if err := rows.Scan(&p.ID, &p.Title, &p.Price, &p.Location, &category, &p.Size, &p.BuildingAge,
		&p.Description, &images, &p.Rooms, &priceValue, &sizeSqm, &p.LocationKey, &p.Bucket,
		&p.ContentHash, &flags, &active, &firstSeen, &updated, &p.Version); err != nil {
		return nil, err
	}
	p.Category = models.Category(category)
	p.Active = active != 0
	p.FirstSeen = fromMicros(firstSeen)
	p.LastUpdated = fromMicros(updated)
	if priceValue.Valid {
		v := priceValue.Int64
		p.PriceValue = &v
	}
	if sizeSqm.Valid {
		v := sizeSqm.Float64
		p.SizeSqm = &v
	}
	if err := json.Unmarshal([]byte(images), &p.Images); err != nil {
		return nil, eris.Wrap(err, "decode images")
	}
	if err := json.Unmarshal([]byte(flags), &p.Flags); err != nil {
		return nil, eris.Wrap(err, "decode flags")
	}
	return &p, nil
}

func (c *SQLCatalog) loadChildren(ctx context.Context, p *models.CanonicalProperty) error {
	rows, err := c.db.QueryContext(ctx, c.rebind(`
		SELECT source_id, native_id, url, first_seen, last_seen, misses
		FROM property_sources WHERE property_id = ? ORDER BY ord`), p.ID)
	if err != nil {
		return c.wrap(err, "load sources")
	}
	for rows.Next() {
		var ref models.SourceRef
		var first, last int64
		if err := rows.Scan(&ref.SourceID, &ref.NativeID, &ref.URL, &first, &last, &ref.Misses); err != nil {
			rows.Close()
			return c.wrap(err, "scan source")
		}
		ref.FirstSeen, ref.LastSeen = fromMicros(first), fromMicros(last)
		p.Sources = append(p.Sources, ref)
	}
	rows.Close()

	rows, err = c.db.QueryContext(ctx, c.rebind(`
		SELECT field, old_value, new_value, kind, changed_at, source_id, delta, direction
		FROM change_history WHERE property_id = ? ORDER BY seq`), p.ID)
	if err != nil {
		return c.wrap(err, "load history")
	}
	defer rows.Close()
	for rows.Next() {
		var e models.ChangeEntry
		var kind string
		var at int64
		if err := rows.Scan(&e.Field, &e.Old, &e.New, &kind, &at, &e.SourceID, &e.Delta, &e.Direction); err != nil {
			return c.wrap(err, "scan history")
		}
		e.Kind = models.ChangeKind(kind)
		e.At = fromMicros(at)
		p.History = append(p.History, e)
	}
	return c.wrap(rows.Err(), "load history")
}

// Upsert writes p and appends changes in one transaction.
func (c *SQLCatalog) Upsert(ctx context.Context, p *models.CanonicalProperty, changes []models.ChangeEntry) error {
	images, _ := json.Marshal(nonNil(p.Images))
	flags, _ := json.Marshal(nonNil(p.Flags))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return c.wrap(err, "begin")
	}
	defer tx.Rollback() //nolint:errcheck

	cols := []any{p.Title, p.Price, p.Location, string(p.Category), p.Size, p.BuildingAge, p.Description,
		string(images), p.Rooms, nullInt(p.PriceValue), nullFloat(p.SizeSqm), p.LocationKey, p.Bucket,
		p.ContentHash, string(flags), boolInt(p.Active), toMicros(p.FirstSeen), toMicros(p.LastUpdated)}

	if p.Version == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, c.rebind(`SELECT 1 FROM canonical_properties WHERE id = ?`), p.ID).Scan(&exists)
		switch {
		case err == nil:
			return conflict(p.ID, "record already exists")
		case !errors.Is(err, sql.ErrNoRows):
			return c.wrap(err, "upsert: check")
		}
		args := append([]any{p.ID}, cols...)
		if _, err := tx.ExecContext(ctx, c.rebind(`
			INSERT INTO canonical_properties (`+propertyColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`), args...); err != nil {
			return c.wrap(err, "upsert: insert")
		}
	} else {
		args := append(cols, p.ID, p.Version)
		res, err := tx.ExecContext(ctx, c.rebind(`
			UPDATE canonical_properties SET
				title = ?, price = ?, location = ?, category = ?, size = ?, building_age = ?, description = ?,
				images = ?, rooms = ?, price_value = ?, size_sqm = ?, location_key = ?, bucket = ?,
				content_hash = ?, flags = ?, active = ?, first_seen = ?, last_updated = ?, version = version + 1
			WHERE id = ? AND version = ?`), args...)
		if err != nil {
			return c.wrap(err, "upsert: update")
		}
		if n, err := res.RowsAffected(); err != nil {
			return c.wrap(err, "upsert: rows affected")
		} else if n != 1 {
			return conflict(p.ID, "version changed underneath")
		}
	}

	if _, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM property_sources WHERE property_id = ?`), p.ID); err != nil {
		return c.wrap(err, "upsert: clear sources")
	}
	for i, ref := range p.Sources {
		if _, err := tx.ExecContext(ctx, c.rebind(`
			INSERT INTO property_sources (property_id, ord, source_id, native_id, url, first_seen, last_seen, misses)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ID, i, ref.SourceID, ref.NativeID, ref.URL, toMicros(ref.FirstSeen), toMicros(ref.LastSeen), ref.Misses); err != nil {
			return c.wrap(err, "upsert: source ref")
		}
	}

	var next int64
	if err := tx.QueryRowContext(ctx, c.rebind(`SELECT COALESCE(MAX(seq), -1) + 1 FROM change_history WHERE property_id = ?`), p.ID).Scan(&next); err != nil {
		return c.wrap(err, "upsert: history seq")
	}
	for i, e := range changes {
		if _, err := tx.ExecContext(ctx, c.rebind(`
			INSERT INTO change_history (property_id, seq, field, old_value, new_value, kind, changed_at, source_id, delta, direction)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ID, next+int64(i), e.Field, e.Old, e.New, string(e.Kind), toMicros(e.At), e.SourceID, e.Delta, e.Direction); err != nil {
			return c.wrap(err, "upsert: history")
		}
	}

	if err := tx.Commit(); err != nil {
		return c.wrap(err, "upsert: commit")
	}
	p.Version++
	p.History = append(p.History, changes...)
	return nil
}

const pairColumns = `id, low_id, high_id, score, fields, status, created_at, resolved_at`

func (c *SQLCatalog) SavePair(ctx context.Context, pair *models.DuplicateCandidatePair) (*models.DuplicateCandidatePair, bool, error) {
	if pair.LowID == pair.HighID {
		return nil, false, models.ErrSelfPair
	}
	fields, _ := json.Marshal(nonNil(pair.Fields))
	res, err := c.db.ExecContext(ctx, c.rebind(`
		INSERT INTO duplicate_pairs (`+pairColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (low_id, high_id) DO NOTHING`),
		pair.ID, pair.LowID, pair.HighID, pair.Score, string(fields), string(pair.Status),
		toMicros(pair.CreatedAt), toMicros(pair.ResolvedAt))
	if err != nil {
		return nil, false, c.wrap(err, "save pair")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, c.wrap(err, "save pair")
	}
	saved, err := c.queryPairs(ctx, "save pair", `SELECT `+pairColumns+` FROM duplicate_pairs WHERE low_id = ? AND high_id = ?`,
		pair.LowID, pair.HighID)
	if err != nil {
		return nil, false, err
	}
	if len(saved) == 0 {
		return nil, false, ErrNotFound
	}
	return saved[0], n == 1, nil
}

func (c *SQLCatalog) GetPair(ctx context.Context, id string) (*models.DuplicateCandidatePair, error) {
	ps, err := c.queryPairs(ctx, "get pair", `SELECT `+pairColumns+` FROM duplicate_pairs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, ErrNotFound
	}
	return ps[0], nil
}

func (c *SQLCatalog) UpdatePair(ctx context.Context, pair *models.DuplicateCandidatePair) error {
	fields, _ := json.Marshal(nonNil(pair.Fields))
	res, err := c.db.ExecContext(ctx, c.rebind(`
		UPDATE duplicate_pairs SET score = ?, fields = ?, status = ?, resolved_at = ? WHERE id = ?`),
		pair.Score, string(fields), string(pair.Status), toMicros(pair.ResolvedAt), pair.ID)
	if err != nil {
		return c.wrap(err, "update pair")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *SQLCatalog) ListPairs(ctx context.Context, status models.PairStatus) ([]*models.DuplicateCandidatePair, error) {
	if status == "" {
		return c.queryPairs(ctx, "list pairs", `SELECT `+pairColumns+` FROM duplicate_pairs ORDER BY created_at, id`)
	}
	return c.queryPairs(ctx, "list pairs", `SELECT `+pairColumns+` FROM duplicate_pairs WHERE status = ? ORDER BY created_at, id`, string(status))
}

func (c *SQLCatalog) queryPairs(ctx context.Context, op, q string, args ...any) ([]*models.DuplicateCandidatePair, error) {
	rows, err := c.db.QueryContext(ctx, c.rebind(q), args...)
	if err != nil {
		return nil, c.wrap(err, op)
	}
	defer rows.Close()
	var out []*models.DuplicateCandidatePair
	for rows.Next() {
		var p models.DuplicateCandidatePair
		var fields, status string
		var created, resolved int64
		if err := rows.Scan(&p.ID, &p.LowID, &p.HighID, &p.Score, &fields, &status, &created, &resolved); err != nil {
			return nil, c.wrap(err, op+": scan")
		}
		if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
			return nil, eris.Wrap(err, "decode pair fields")
		}
		p.Status = models.PairStatus(status)
		p.CreatedAt, p.ResolvedAt = fromMicros(created), fromMicros(resolved)
		out = append(out, &p)
	}
	return out, c.wrap(rows.Err(), op)
}

func (c *SQLCatalog) RecordJob(ctx context.Context, job *models.CrawlJob) error {
	filter, _ := json.Marshal(nonNil(job.Filter))
	sources, _ := json.Marshal(job.Sources)
	errs, _ := json.Marshal(nonNil(job.Errors))
	warns, _ := json.Marshal(nonNil(job.Warnings))
	_, err := c.db.ExecContext(ctx, c.rebind(`
		INSERT INTO crawl_jobs (id, status, filter, started_at, ended_at, sources, errors, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status, ended_at = excluded.ended_at, sources = excluded.sources,
			errors = excluded.errors, warnings = excluded.warnings
		WHERE crawl_jobs.status NOT IN ('completed', 'failed')`),
		job.ID, string(job.Status), string(filter), toMicros(job.StartedAt), toMicros(job.EndedAt),
		string(sources), string(errs), string(warns))
	return c.wrap(err, "record job")
}

func (c *SQLCatalog) ListJobs(ctx context.Context, limit int) ([]*models.CrawlJob, error) {
	q := `SELECT id, status, filter, started_at, ended_at, sources, errors, warnings FROM crawl_jobs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, c.rebind(q), args...)
	if err != nil {
		return nil, c.wrap(err, "list jobs")
	}
	defer rows.Close()
	var out []*models.CrawlJob
	for rows.Next() {
		var j models.CrawlJob
		var status, filter, sources, errs, warns string
		var started, ended int64
		if err := rows.Scan(&j.ID, &status, &filter, &started, &ended, &sources, &errs, &warns); err != nil {
			return nil, c.wrap(err, "list jobs: scan")
		}
		j.Status = models.JobStatus(status)
		j.StartedAt, j.EndedAt = fromMicros(started), fromMicros(ended)
		for _, f := range []struct {
			raw string
			dst any
		}{{filter, &j.Filter}, {sources, &j.Sources}, {errs, &j.Errors}, {warns, &j.Warnings}} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, eris.Wrapf(err, "decode job %s", j.ID)
			}
		}
		out = append(out, &j)
	}
	return out, c.wrap(rows.Err(), "list jobs")
}

func (c *SQLCatalog) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return models.WrapError(models.KindStoreUnavailable, eris.Wrapf(err, "%s: ping", c.d.name), "catalog unreachable")
	}
	return nil
}

func (c *SQLCatalog) Close() error {
	return c.db.Close()
}

// Timestamps are stored as unix microseconds; zero maps to the zero time.
func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
