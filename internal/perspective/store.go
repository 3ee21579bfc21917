package perspective

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Store persists the Tracking, Top and Archived sets. A listing id lives in at
// most one of them.
type Store interface {
	// Terminal returns the outcome of every id already classified
	Terminal(ctx context.Context, ids []string) (map[string]Outcome, error)
	// Append adds readings to Tracking with compaction; classified ids are ignored.
	// Every id in urls leaves the pending set.
	Append(ctx context.Context, urls map[string]string, readings map[string]Snapshot) (AppendStats, error)
	// Defer parks listings (id -> url) whose first reading could not be fetched
	Defer(ctx context.Context, urls map[string]string) error
	// Deferred returns the parked listings
	Deferred(ctx context.Context) (map[string]string, error)
	// Entries returns every tracked listing with its readings, oldest first
	Entries(ctx context.Context) ([]Entry, error)
	// Promote moves a listing out of Tracking into its terminal set; false if it was not tracked
	Promote(ctx context.Context, c Classification) (bool, error)
	// Classified returns the listings of one terminal set
	Classified(ctx context.Context, outcome Outcome) ([]Classification, error)
	Close() error
}

// AppendStats counts the effect of one Append
type AppendStats struct {
	Stored    int
	Compacted int
	Skipped   int
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens the database at path, creating parent folders and the schema
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// one writer; avoids SQLITE_BUSY between the two schedulers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS tracking_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	listing_id TEXT    NOT NULL,
	url        TEXT    NOT NULL DEFAULT '',
	taken_at   INTEGER NOT NULL,
	metrics    TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS top_listings (
	listing_id     TEXT PRIMARY KEY,
	classification TEXT    NOT NULL,
	matured_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS archived_listings (
	listing_id     TEXT PRIMARY KEY,
	reason         TEXT    NOT NULL,
	classification TEXT    NOT NULL,
	matured_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_listings (
	listing_id TEXT PRIMARY KEY,
	url        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tracking_listing ON tracking_snapshots(listing_id, taken_at);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func terminal(ctx context.Context, q querier, ids []string) (map[string]Outcome, error) {
	out := make(map[string]Outcome)
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT listing_id, 'top' FROM top_listings WHERE listing_id IN (`+placeholders+`)
		 UNION ALL
		 SELECT listing_id, 'archived' FROM archived_listings WHERE listing_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query terminal sets")
	}
	defer rows.Close()

	for rows.Next() {
		var id, outcome string
		if err := rows.Scan(&id, &outcome); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan terminal")
		}
		out[id] = Outcome(outcome)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: terminal iterate")
}

// Terminal returns the outcome of every id already classified
func (s *SQLiteStore) Terminal(ctx context.Context, ids []string) (map[string]Outcome, error) {
	return terminal(ctx, s.db, ids)
}

type lastReading struct {
	rowID   int64
	metrics Metrics
}

// Append adds one reading per listing in a single transaction. When a reading
// repeats the previous one and that previous one is not the first, the
// previous one is dropped so only the first and latest survive.
func (s *SQLiteStore) Append(ctx context.Context, urls map[string]string, readings map[string]Snapshot) (AppendStats, error) {
	var stats AppendStats
	if len(readings) == 0 && len(urls) == 0 {
		return stats, nil
	}

	ids := make([]string, 0, len(readings))
	for id := range readings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: begin append")
	}
	defer tx.Rollback() //nolint:errcheck

	done, err := terminal(ctx, tx, ids)
	if err != nil {
		return stats, err
	}

	for _, id := range ids {
		if _, ok := done[id]; ok {
			stats.Skipped++
			continue
		}
		reading := readings[id]

		var count int
		var firstID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(MIN(id), 0) FROM tracking_snapshots WHERE listing_id = ?`, id,
		).Scan(&count, &firstID); err != nil {
			return stats, eris.Wrapf(err, "sqlite: count readings %s", id)
		}

		if count > 1 {
			last, err := s.last(ctx, tx, id)
			if err != nil {
				return stats, err
			}
			if last.rowID != firstID && last.metrics.SameTracked(reading.Metrics) {
				if _, err := tx.ExecContext(ctx, `DELETE FROM tracking_snapshots WHERE id = ?`, last.rowID); err != nil {
					return stats, eris.Wrapf(err, "sqlite: compact %s", id)
				}
				stats.Compacted++
			}
		}

		metrics, err := json.Marshal(reading.Metrics)
		if err != nil {
			return stats, eris.Wrap(err, "sqlite: marshal metrics")
		}
		url := reading.Metrics.URL
		if url == "" {
			url = urls[id]
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracking_snapshots (listing_id, url, taken_at, metrics) VALUES (?, ?, ?, ?)`,
			id, url, reading.At.UTC().UnixNano(), string(metrics),
		); err != nil {
			return stats, eris.Wrapf(err, "sqlite: insert reading %s", id)
		}
		stats.Stored++
	}

	for id := range urls {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_listings WHERE listing_id = ?`, id); err != nil {
			return stats, eris.Wrapf(err, "sqlite: clear pending %s", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, eris.Wrap(err, "sqlite: commit append")
	}
	return stats, nil
}

// Defer upserts listings into the pending set, keeping a known url when the new one is empty
func (s *SQLiteStore) Defer(ctx context.Context, urls map[string]string) error {
	if len(urls) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin defer")
	}
	defer tx.Rollback() //nolint:errcheck

	for id, url := range urls {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_listings (listing_id, url) VALUES (?, ?)
			 ON CONFLICT(listing_id) DO UPDATE SET url = excluded.url WHERE excluded.url != ''`,
			id, url,
		); err != nil {
			return eris.Wrapf(err, "sqlite: defer %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit defer")
}

// Deferred returns the pending set
func (s *SQLiteStore) Deferred(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT listing_id, url FROM pending_listings`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, url string
		if err := rows.Scan(&id, &url); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending")
		}
		out[id] = url
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending iterate")
}

func (s *SQLiteStore) last(ctx context.Context, tx *sql.Tx, id string) (lastReading, error) {
	var r lastReading
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT id, metrics FROM tracking_snapshots WHERE listing_id = ? ORDER BY taken_at DESC, id DESC LIMIT 1`, id,
	).Scan(&r.rowID, &raw)
	if err != nil {
		return r, eris.Wrapf(err, "sqlite: last reading %s", id)
	}
	if err := json.Unmarshal([]byte(raw), &r.metrics); err != nil {
		return r, eris.Wrapf(err, "sqlite: decode reading %s", id)
	}
	return r, nil
}

// Entries returns every tracked listing ordered by id, readings oldest first
func (s *SQLiteStore) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT listing_id, url, taken_at, metrics FROM tracking_snapshots ORDER BY listing_id, taken_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tracking")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var id, url, raw string
		var takenAt int64
		if err := rows.Scan(&id, &url, &takenAt, &raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tracking")
		}
		var m Metrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode reading %s", id)
		}

		if len(entries) == 0 || entries[len(entries)-1].ListingID != id {
			entries = append(entries, Entry{ListingID: id})
		}
		e := &entries[len(entries)-1]
		if url != "" {
			e.URL = url
		}
		e.Snapshots = append(e.Snapshots, Snapshot{At: time.Unix(0, takenAt).UTC(), Metrics: m})
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: tracking iterate")
}

// Promote moves a tracked listing into Top or Archived atomically
func (s *SQLiteStore) Promote(ctx context.Context, c Classification) (bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal classification")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin promote")
	}
	defer tx.Rollback() //nolint:errcheck

	done, err := terminal(ctx, tx, []string{c.ListingID})
	if err != nil {
		return false, err
	}
	if _, ok := done[c.ListingID]; ok {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tracking_snapshots WHERE listing_id = ?`, c.ListingID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: untrack %s", c.ListingID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: untrack %s", c.ListingID)
	}
	if n == 0 {
		return false, nil
	}

	maturedAt := c.MaturedAt.UTC().UnixNano()
	switch c.Outcome {
	case OutcomeTop:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO top_listings (listing_id, classification, matured_at) VALUES (?, ?, ?)`,
			c.ListingID, string(data), maturedAt)
	case OutcomeArchived:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO archived_listings (listing_id, reason, classification, matured_at) VALUES (?, ?, ?, ?)`,
			c.ListingID, c.Reason, string(data), maturedAt)
	default:
		return false, eris.Errorf("sqlite: unknown outcome %q", c.Outcome)
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert %s %s", c.Outcome, c.ListingID)
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit promote")
	}
	return true, nil
}

// Classified returns one terminal set ordered by maturity time
func (s *SQLiteStore) Classified(ctx context.Context, outcome Outcome) ([]Classification, error) {
	var table string
	switch outcome {
	case OutcomeTop:
		table = "top_listings"
	case OutcomeArchived:
		table = "archived_listings"
	default:
		return nil, eris.Errorf("sqlite: unknown outcome %q", outcome)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT classification FROM `+table+` ORDER BY matured_at, listing_id`)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", table)
	}
	defer rows.Close()

	var out []Classification
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", table)
		}
		var c Classification
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode %s", table)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: classified iterate")
}
