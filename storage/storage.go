package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/syscl0ck/security-feed-ntfy/alert"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// StoreError wraps any failure of the underlying database.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Record is one delivered item identity.
type Record struct {
	ID          string
	FirstSeenAt time.Time
	Source      string
	Title       string
	Link        string
}

// Store is the SQLite-backed dedup store. It is meant for a single writer.
type Store struct {
	db *sql.DB
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS seen_items (
	id TEXT PRIMARY KEY,
	first_seen_at INTEGER NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	link TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_seen_items_first_seen ON seen_items(first_seen_at);

CREATE TABLE IF NOT EXISTS digest_pending (
	id TEXT PRIMARY KEY,
	queued_at INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	payload TEXT NOT NULL
);
`

// New opens the SQLite database at dbPath, creating the parent directory and
// tables if needed.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, storeErr("create directory", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeErr("open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, storeErr("set WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, storeErr("set busy timeout", err)
	}

	if _, err := db.Exec(createTablesSQL); err != nil {
		db.Close()
		return nil, storeErr("create tables", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the database connection.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.db.Close()
		return storeErr("checkpoint", err)
	}
	return storeErr("close", s.db.Close())
}

// HasSeen reports whether an item id has already been delivered.
func (s *Store) HasSeen(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM seen_items WHERE id = ?`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("has seen", err)
	}
	return true, nil
}

// MarkSeen records an item as delivered. Marking an id twice is a no-op and
// keeps the original first_seen_at.
func (s *Store) MarkSeen(ctx context.Context, item alert.Item, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_items (id, first_seen_at, source, title, link) VALUES (?, ?, ?, ?, ?)`,
		item.ID, now.Unix(), item.Source, item.Title, item.Link,
	)
	return storeErr("mark seen", err)
}

// MarkSeenBatch marks all items in one transaction: either every item is
// recorded or none is.
func (s *Store) MarkSeenBatch(ctx context.Context, items []alert.Item, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, "mark seen batch", func(tx *sql.Tx) error {
		return markSeenTx(ctx, tx, items, now)
	})
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var r Record
	var seen int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_seen_at, source, title, link FROM seen_items WHERE id = ?`, id,
	).Scan(&r.ID, &seen, &r.Source, &r.Title, &r.Link)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	r.FirstSeenAt = time.Unix(seen, 0).UTC()
	return &r, nil
}

// SeenCount returns the number of delivered items.
func (s *Store) SeenCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM seen_items`).Scan(&count); err != nil {
		return 0, storeErr("seen count", err)
	}
	return count, nil
}

// Recent returns the most recently delivered records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, first_seen_at, source, title, link FROM seen_items
		 ORDER BY first_seen_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, storeErr("recent", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var seen int64
		if err := rows.Scan(&r.ID, &seen, &r.Source, &r.Title, &r.Link); err != nil {
			return nil, storeErr("scan recent", err)
		}
		r.FirstSeenAt = time.Unix(seen, 0).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate recent", err)
	}
	return records, nil
}

// QueuePending stores items waiting for the next digest. Items already queued
// keep their position.
func (s *Store) QueuePending(ctx context.Context, items []alert.Item, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, "queue pending", func(tx *sql.Tx) error {
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM digest_pending`).Scan(&seq); err != nil {
			return err
		}
		for _, item := range items {
			payload, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("marshal item %s: %w", item.ID, err)
			}
			seq++
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO digest_pending (id, queued_at, seq, payload) VALUES (?, ?, ?, ?)`,
				item.ID, now.Unix(), seq, string(payload),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// PendingItems returns the queued digest items in queue order.
func (s *Store) PendingItems(ctx context.Context) ([]alert.Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM digest_pending ORDER BY seq`)
	if err != nil {
		return nil, storeErr("pending items", err)
	}
	defer rows.Close()

	var items []alert.Item
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storeErr("scan pending", err)
		}
		var item alert.Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, storeErr("decode pending", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate pending", err)
	}
	return items, nil
}

// CommitDigest marks every item seen and removes it from the pending queue,
// atomically.
func (s *Store) CommitDigest(ctx context.Context, items []alert.Item, now time.Time) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, "commit digest", func(tx *sql.Tx) error {
		if err := markSeenTx(ctx, tx, items, now); err != nil {
			return err
		}
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, `DELETE FROM digest_pending WHERE id = ?`, item.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropPending removes items from the pending queue without marking them seen.
func (s *Store) DropPending(ctx context.Context, items []alert.Item) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, "drop pending", func(tx *sql.Tx) error {
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, `DELETE FROM digest_pending WHERE id = ?`, item.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return storeErr(op, err)
	}
	return storeErr(op, tx.Commit())
}

func markSeenTx(ctx context.Context, tx *sql.Tx, items []alert.Item, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO seen_items (id, first_seen_at, source, title, link) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.ID, now.Unix(), item.Source, item.Title, item.Link); err != nil {
			return fmt.Errorf("item %s: %w", item.ID, err)
		}
	}
	return nil
}
