// Package store persists cache records and session outcomes in SQLite. The
// caches stay memory-first: the store is a write-through replica used to
// rehydrate them after a restart, never a read path for live queries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/merchsense/merchsense/pkg"
	"github.com/merchsense/merchsense/pkg/cache"
	"github.com/merchsense/merchsense/pkg/geo"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS terminal_cache (
	terminal_id         TEXT PRIMARY KEY,
	mcc                 TEXT NOT NULL,
	confidence          REAL NOT NULL,
	merchant_name       TEXT,
	merchant_category   TEXT,
	transaction_count   INTEGER NOT NULL,
	success_count       INTEGER NOT NULL,
	lat                 REAL,
	lng                 REAL,
	location_hash       TEXT,
	hit_count           INTEGER NOT NULL DEFAULT 0,
	last_hit_at         INTEGER NOT NULL DEFAULT 0,
	last_seen           INTEGER NOT NULL,
	is_verified         INTEGER NOT NULL DEFAULT 0,
	verification_source TEXT
);
CREATE TABLE IF NOT EXISTS location_cache (
	location_hash       TEXT PRIMARY KEY,
	lat                 REAL NOT NULL,
	lng                 REAL NOT NULL,
	precision_meters    REAL NOT NULL,
	radius_meters       REAL NOT NULL,
	predicted_mcc       TEXT NOT NULL,
	confidence          REAL NOT NULL,
	prediction_count    INTEGER NOT NULL,
	success_count       INTEGER NOT NULL,
	accuracy_rate       REAL NOT NULL,
	hit_count           INTEGER NOT NULL DEFAULT 0,
	last_hit_at         INTEGER NOT NULL DEFAULT 0,
	last_updated        INTEGER NOT NULL,
	is_verified         INTEGER NOT NULL DEFAULT 0,
	verification_source TEXT
);
CREATE INDEX IF NOT EXISTS idx_location_cache_updated ON location_cache(last_updated);
CREATE TABLE IF NOT EXISTS sessions (
	session_id            TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	status                TEXT NOT NULL,
	start_time            INTEGER NOT NULL,
	last_update           INTEGER NOT NULL,
	expires_at            INTEGER NOT NULL,
	completed_at          INTEGER NOT NULL DEFAULT 0,
	location_count        INTEGER NOT NULL,
	prediction_count      INTEGER NOT NULL,
	total_distance_meters REAL NOT NULL
);
`

// Store is a SQLite-backed implementation of the cache persistence
// interfaces plus a session outcome log.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (or creates) the database at path and applies the schema.
// WAL mode keeps the write-through path from blocking rehydration reads.
func Open(path string, logger *logx.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; more connections just mean lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertTerminal writes one terminal record, replacing any existing row
func (s *Store) UpsertTerminal(ctx context.Context, rec cache.TerminalRecord) error {
	var lat, lng interface{}
	if rec.Location != nil {
		lat, lng = rec.Location.Lat, rec.Location.Lng
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminal_cache (
			terminal_id, mcc, confidence, merchant_name, merchant_category,
			transaction_count, success_count, lat, lng, location_hash,
			hit_count, last_hit_at, last_seen, is_verified, verification_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(terminal_id) DO UPDATE SET
			mcc = excluded.mcc,
			confidence = excluded.confidence,
			merchant_name = excluded.merchant_name,
			merchant_category = excluded.merchant_category,
			transaction_count = excluded.transaction_count,
			success_count = excluded.success_count,
			lat = excluded.lat,
			lng = excluded.lng,
			location_hash = excluded.location_hash,
			hit_count = excluded.hit_count,
			last_hit_at = excluded.last_hit_at,
			last_seen = excluded.last_seen,
			is_verified = excluded.is_verified,
			verification_source = excluded.verification_source`,
		rec.TerminalID, rec.MCC, rec.Confidence, rec.MerchantName, rec.MerchantCategory,
		rec.TransactionCount, rec.SuccessCount, lat, lng, rec.LocationHash,
		rec.HitCount, unix(rec.LastHitAt), unix(rec.LastSeen), rec.IsVerified, string(rec.VerificationSource))
	if err != nil {
		return fmt.Errorf("upsert terminal %s: %w", rec.TerminalID, err)
	}
	return nil
}

// DeleteTerminals removes the given terminal rows
func (s *Store) DeleteTerminals(ctx context.Context, ids []string) error {
	return s.deleteKeys(ctx, "terminal_cache", "terminal_id", ids)
}

// UpsertLocation writes one location bucket record, replacing any existing row
func (s *Store) UpsertLocation(ctx context.Context, rec cache.LocationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_cache (
			location_hash, lat, lng, precision_meters, radius_meters,
			predicted_mcc, confidence, prediction_count, success_count,
			accuracy_rate, hit_count, last_hit_at, last_updated,
			is_verified, verification_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(location_hash) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			precision_meters = excluded.precision_meters,
			radius_meters = excluded.radius_meters,
			predicted_mcc = excluded.predicted_mcc,
			confidence = excluded.confidence,
			prediction_count = excluded.prediction_count,
			success_count = excluded.success_count,
			accuracy_rate = excluded.accuracy_rate,
			hit_count = excluded.hit_count,
			last_hit_at = excluded.last_hit_at,
			last_updated = excluded.last_updated,
			is_verified = excluded.is_verified,
			verification_source = excluded.verification_source`,
		rec.LocationHash, rec.Lat, rec.Lng, rec.PrecisionMeters, rec.RadiusMeters,
		rec.PredictedMCC, rec.Confidence, rec.PredictionCount, rec.SuccessCount,
		rec.AccuracyRate, rec.HitCount, unix(rec.LastHitAt), unix(rec.LastUpdated),
		rec.IsVerified, string(rec.VerificationSource))
	if err != nil {
		return fmt.Errorf("upsert location %s: %w", rec.LocationHash, err)
	}
	return nil
}

// DeleteLocations removes the given location rows
func (s *Store) DeleteLocations(ctx context.Context, keys []string) error {
	return s.deleteKeys(ctx, "location_cache", "location_hash", keys)
}

// SaveSession records a session snapshot. Called on start and on every
// status change; the row is an audit log, not a recovery source.
func (s *Store) SaveSession(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, user_id, status, start_time, last_update, expires_at,
			completed_at, location_count, prediction_count, total_distance_meters
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			last_update = excluded.last_update,
			expires_at = excluded.expires_at,
			completed_at = excluded.completed_at,
			location_count = excluded.location_count,
			prediction_count = excluded.prediction_count,
			total_distance_meters = excluded.total_distance_meters`,
		sess.SessionID, sess.UserID, string(sess.Status), unix(sess.StartTime),
		unix(sess.LastUpdate), unix(sess.ExpiresAt), unix(sess.CompletedAt),
		sess.LocationCount, sess.PredictionCount, sess.TotalDistanceMeters)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.SessionID, err)
	}
	return nil
}

// LoadInto rehydrates both caches from the database using their Seed paths,
// returning how many terminal and location records were restored.
func (s *Store) LoadInto(ctx context.Context, terminals *cache.TerminalCache, locations *cache.LocationCache) (int, int, error) {
	nTerm, err := s.loadTerminals(ctx, terminals)
	if err != nil {
		return nTerm, 0, err
	}
	nLoc, err := s.loadLocations(ctx, locations)
	if err != nil {
		return nTerm, nLoc, err
	}
	s.logger.Info("caches rehydrated", "terminals", nTerm, "locations", nLoc)
	return nTerm, nLoc, nil
}

func (s *Store) loadTerminals(ctx context.Context, c *cache.TerminalCache) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT terminal_id, mcc, confidence, merchant_name, merchant_category,
			transaction_count, success_count, lat, lng, location_hash,
			hit_count, last_hit_at, last_seen, is_verified, verification_source
		FROM terminal_cache`)
	if err != nil {
		return 0, fmt.Errorf("load terminals: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var rec cache.TerminalRecord
		var name, category, hash, verSource sql.NullString
		var lat, lng sql.NullFloat64
		var lastHit, lastSeen int64
		if err := rows.Scan(&rec.TerminalID, &rec.MCC, &rec.Confidence, &name, &category,
			&rec.TransactionCount, &rec.SuccessCount, &lat, &lng, &hash,
			&rec.HitCount, &lastHit, &lastSeen, &rec.IsVerified, &verSource); err != nil {
			return count, fmt.Errorf("scan terminal: %w", err)
		}
		rec.MerchantName = name.String
		rec.MerchantCategory = category.String
		rec.LocationHash = hash.String
		if lat.Valid && lng.Valid {
			rec.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
		}
		rec.LastHitAt = fromUnix(lastHit)
		rec.LastSeen = fromUnix(lastSeen)
		rec.VerificationSource = pkg.VerificationSource(verSource.String)
		c.Seed(rec)
		count++
	}
	return count, rows.Err()
}

func (s *Store) loadLocations(ctx context.Context, c *cache.LocationCache) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location_hash, lat, lng, precision_meters, radius_meters,
			predicted_mcc, confidence, prediction_count, success_count,
			accuracy_rate, hit_count, last_hit_at, last_updated,
			is_verified, verification_source
		FROM location_cache`)
	if err != nil {
		return 0, fmt.Errorf("load locations: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var rec cache.LocationRecord
		var verSource sql.NullString
		var lastHit, lastUpdated int64
		if err := rows.Scan(&rec.LocationHash, &rec.Lat, &rec.Lng, &rec.PrecisionMeters,
			&rec.RadiusMeters, &rec.PredictedMCC, &rec.Confidence, &rec.PredictionCount,
			&rec.SuccessCount, &rec.AccuracyRate, &rec.HitCount, &lastHit, &lastUpdated,
			&rec.IsVerified, &verSource); err != nil {
			return count, fmt.Errorf("scan location: %w", err)
		}
		rec.LastHitAt = fromUnix(lastHit)
		rec.LastUpdated = fromUnix(lastUpdated)
		rec.VerificationSource = pkg.VerificationSource(verSource.String)
		c.Seed(rec)
		count++
	}
	return count, rows.Err()
}

func (s *Store) deleteKeys(ctx context.Context, table, column string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", table, column, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// unix stores zero times as 0 so rehydration round-trips them as zero
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
