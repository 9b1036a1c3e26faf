// Package store is the persistent cache for sites, events, records, and
// update watermarks, backed by SQLite. Writes go through a single-writer
// connection and are transactional; reads use a separate read-only pool so
// queries proceed while a merge is in flight.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/seismoworks/geomotion/internal/domain"
	"github.com/seismoworks/geomotion/internal/errors"
)

// DefaultMatchTolerance is how close two origin times must be for a merge to
// treat them as the same event. The archive does not document collision
// handling for near-simultaneous events, so this is configurable.
const DefaultMatchTolerance = 2 * time.Second

// Store is the SQLite-backed cache.
type Store struct {
	db        *sql.DB // write connection, single writer
	readDB    *sql.DB // concurrent readers
	tolerance time.Duration
	mu        sync.Mutex // serializes write transactions
}

// Option configures a Store at open time.
type Option func(*Store)

// WithMatchTolerance overrides the event origin-time matching tolerance.
func WithMatchTolerance(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

// Open opens (creating if needed) the cache database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(errors.KindCache, "open cache database", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.KindCache, "initialize schema", err)
	}

	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&mode=ro")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.KindCache, "open read connection", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		db:        db,
		readDB:    readDB,
		tolerance: DefaultMatchTolerance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping verifies the cache is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.readDB.PingContext(ctx); err != nil {
		return errors.Wrap(errors.KindCache, "ping cache", err)
	}
	return nil
}

// Close closes both database connections.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	werr := s.db.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// UpsertSites replaces sites by code. Idempotent; duplicate codes within the
// input overwrite each other silently. A site with an empty code fails the
// whole call with a validation error before anything is written.
func (s *Store) UpsertSites(ctx context.Context, sites []domain.Site) (int, error) {
	for _, site := range sites {
		if strings.TrimSpace(site.Code) == "" {
			return 0, errors.New(errors.KindValidation, "site with empty code")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(errors.KindCache, "begin upsert sites", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sites (code, name, latitude, longitude, status, opened, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			status = excluded.status,
			opened = excluded.opened,
			notes = excluded.notes`)
	if err != nil {
		return 0, errors.Wrap(errors.KindCache, "prepare upsert sites", err)
	}
	defer stmt.Close()

	for _, site := range sites {
		if _, err := stmt.ExecContext(ctx,
			site.Code, site.Name, site.Latitude, site.Longitude,
			string(site.Status), site.Opened.UTC().UnixNano(), site.Notes,
		); err != nil {
			return 0, errors.Wrap(errors.KindCache, "upsert site "+site.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.KindCache, "commit upsert sites", err)
	}
	return len(sites), nil
}

// MergeEvent upserts one event and its records in a single transaction. An
// existing event whose origin time falls within the matching tolerance is
// reused; otherwise a new event is created. Records overwrite per
// (event, site) pair, last write wins. Sites referenced by records but
// absent from the registry get a placeholder row so referential integrity
// holds even before update_sites has run.
func (s *Store) MergeEvent(ctx context.Context, event domain.Event, records []domain.Record) (int64, error) {
	if event.Time.IsZero() {
		return 0, errors.New(errors.KindValidation, "event with zero origin time")
	}
	if len(records) == 0 {
		return 0, errors.New(errors.KindValidation, "event with no records")
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.SiteCode) == "" {
			return 0, errors.New(errors.KindValidation, "record with empty site code")
		}
		if len(rec.Channels) == 0 {
			return 0, errors.New(errors.KindValidation, "record with no channels for site "+rec.SiteCode)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(errors.KindCache, "begin merge", err)
	}
	defer tx.Rollback() //nolint:errcheck

	eventID, err := s.matchOrInsertEvent(ctx, tx, event)
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		if err := s.mergeRecord(ctx, tx, eventID, rec); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(errors.KindCache, "commit merge", err)
	}
	return eventID, nil
}

func (s *Store) matchOrInsertEvent(ctx context.Context, tx *sql.Tx, event domain.Event) (int64, error) {
	t := event.Time.UTC()
	lo := t.Add(-s.tolerance).UnixNano()
	hi := t.Add(s.tolerance).UnixNano()

	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM events
		WHERE time BETWEEN ? AND ?
		ORDER BY ABS(time - ?) LIMIT 1`,
		lo, hi, t.UnixNano(),
	).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !stderrors.Is(err, sql.ErrNoRows):
		return 0, errors.Wrap(errors.KindCache, "match event", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (time, year, month, latitude, longitude,
			hypocentral_depth, centroid_depth, ml, ms, mw, mb)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UnixNano(), t.Year(), int(t.Month()),
		event.Hypocenter.Latitude, event.Hypocenter.Longitude,
		event.Hypocenter.HypocentralDepth, event.Hypocenter.CentroidDepth,
		event.Magnitudes.Ml, event.Magnitudes.Ms, event.Magnitudes.Mw, event.Magnitudes.Mb,
	)
	if err != nil {
		return 0, errors.Wrap(errors.KindCache, "insert event", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(errors.KindCache, "event id", err)
	}
	return id, nil
}

func (s *Store) mergeRecord(ctx context.Context, tx *sql.Tx, eventID int64, rec domain.Record) error {
	code := strings.ToUpper(rec.SiteCode)

	// Placeholder site keeps the records→sites foreign key satisfied when
	// events are ingested before the registry. A later UpsertSites replaces
	// the placeholder wholesale.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sites (code, name, latitude, longitude, status, opened, notes)
		VALUES (?, '', 0, 0, ?, 0, '')`,
		code, string(domain.StatusUnknown),
	); err != nil {
		return errors.Wrap(errors.KindCache, "placeholder site "+code, err)
	}

	channels, err := json.Marshal(rec.Channels)
	if err != nil {
		return errors.Wrap(errors.KindValidation, "encode channels for "+code, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (event_id, site_code, bearing, distance, timestep, duration, buffer_start, channels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id, site_code) DO UPDATE SET
			bearing = excluded.bearing,
			distance = excluded.distance,
			timestep = excluded.timestep,
			duration = excluded.duration,
			buffer_start = excluded.buffer_start,
			channels = excluded.channels`,
		eventID, code, rec.Bearing, rec.Distance, rec.Timestep, rec.Duration,
		rec.BufferStart.UTC().UnixNano(), channels,
	); err != nil {
		return errors.Wrap(errors.KindCache, "merge record "+code, err)
	}
	return nil
}

// GetYears returns the distinct years with at least one event, ascending.
func (s *Store) GetYears(ctx context.Context) ([]int, error) {
	return s.queryInts(ctx, `SELECT DISTINCT year FROM events ORDER BY year`)
}

// GetMonths returns the distinct months with events in the year, ascending.
func (s *Store) GetMonths(ctx context.Context, year int) ([]int, error) {
	return s.queryInts(ctx, `SELECT DISTINCT month FROM events WHERE year = ? ORDER BY month`, year)
}

// GetEvents returns the events of a (year, month), ordered by time ascending.
func (s *Store) GetEvents(ctx context.Context, year, month int) ([]domain.Event, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, time, latitude, longitude, hypocentral_depth, centroid_depth, ml, ms, mw, mb
		FROM events WHERE year = ? AND month = ? ORDER BY time`, year, month)
	if err != nil {
		return nil, errors.Wrap(errors.KindCache, "query events", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var ns int64
		if err := rows.Scan(&e.ID, &ns,
			&e.Hypocenter.Latitude, &e.Hypocenter.Longitude,
			&e.Hypocenter.HypocentralDepth, &e.Hypocenter.CentroidDepth,
			&e.Magnitudes.Ml, &e.Magnitudes.Ms, &e.Magnitudes.Mw, &e.Magnitudes.Mb,
		); err != nil {
			return nil, errors.Wrap(errors.KindCache, "scan event", err)
		}
		e.Time = time.Unix(0, ns).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSites returns the site codes with records for the event, sorted
// lexicographically. Unknown event ids fail with a not-found error.
func (s *Store) GetSites(ctx context.Context, eventID int64) ([]string, error) {
	var exists int
	err := s.readDB.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, eventID).Scan(&exists)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "no event with id %d", eventID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindCache, "check event", err)
	}

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT site_code FROM records WHERE event_id = ? ORDER BY site_code`, eventID)
	if err != nil {
		return nil, errors.Wrap(errors.KindCache, "query sites", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, errors.Wrap(errors.KindCache, "scan site code", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// GetSiteInfo returns the site with the given code.
func (s *Store) GetSiteInfo(ctx context.Context, code string) (domain.Site, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	var site domain.Site
	var status string
	var opened int64
	err := s.readDB.QueryRowContext(ctx, `
		SELECT code, name, latitude, longitude, status, opened, notes
		FROM sites WHERE code = ?`, code,
	).Scan(&site.Code, &site.Name, &site.Latitude, &site.Longitude, &status, &opened, &site.Notes)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Site{}, errors.New(errors.KindNotFound, "no site with code "+code)
	}
	if err != nil {
		return domain.Site{}, errors.Wrap(errors.KindCache, "query site", err)
	}
	site.Status = domain.SiteStatus(status)
	site.Opened = time.Unix(0, opened).UTC()
	return site, nil
}

// GetRecord returns the record of an event at a site.
func (s *Store) GetRecord(ctx context.Context, eventID int64, code string) (domain.Record, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	var rec domain.Record
	var bufferStart int64
	var channels []byte
	err := s.readDB.QueryRowContext(ctx, `
		SELECT site_code, bearing, distance, timestep, duration, buffer_start, channels
		FROM records WHERE event_id = ? AND site_code = ?`, eventID, code,
	).Scan(&rec.SiteCode, &rec.Bearing, &rec.Distance, &rec.Timestep, &rec.Duration, &bufferStart, &channels)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, errors.Newf(errors.KindNotFound, "no record for event %d at site %s", eventID, code)
	}
	if err != nil {
		return domain.Record{}, errors.Wrap(errors.KindCache, "query record", err)
	}

	rec.BufferStart = time.Unix(0, bufferStart).UTC()
	if err := json.Unmarshal(channels, &rec.Channels); err != nil {
		return domain.Record{}, errors.Wrap(errors.KindCache, "decode channels", err)
	}
	return rec, nil
}

// UpdateState returns the watermark for the given update kind. ok is false
// when no update of that kind has completed yet.
func (s *Store) UpdateState(ctx context.Context, kind domain.UpdateKind) (domain.Watermark, bool, error) {
	var wm domain.Watermark
	err := s.readDB.QueryRowContext(ctx,
		`SELECT year, month FROM update_state WHERE kind = ?`, string(kind),
	).Scan(&wm.Year, &wm.Month)
	if stderrors.Is(err, sql.ErrNoRows) {
		return domain.Watermark{}, false, nil
	}
	if err != nil {
		return domain.Watermark{}, false, errors.Wrap(errors.KindCache, "query update state", err)
	}
	return wm, true, nil
}

// SetUpdateState durably advances the watermark for the given update kind.
func (s *Store) SetUpdateState(ctx context.Context, kind domain.UpdateKind, wm domain.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_state (kind, year, month, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			year = excluded.year,
			month = excluded.month,
			updated_at = excluded.updated_at`,
		string(kind), wm.Year, wm.Month, domain.Clock.Now().UTC().UnixNano())
	if err != nil {
		return errors.Wrap(errors.KindCache, "set update state", err)
	}
	return nil
}

func (s *Store) queryInts(ctx context.Context, query string, args ...any) ([]int, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.KindCache, fmt.Sprintf("query %q", query), err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(errors.KindCache, "scan int", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
