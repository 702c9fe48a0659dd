// Package sqlite persists dedup and cooldown state in SQLite and serves bar
// history from a bars table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"signal-radar/internal/model"
)

// Store is a SQLite-backed model.StateBackend and model.BarSource.
// A single connection serializes writers. The schema is created on first use
// so that a damaged file surfaces as model.ErrCorruptState from the call that
// touched it, not from Open.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	ready bool
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Open prepares the database handle with WAL mode. No file I/O happens until
// the first query.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	slog.Info("[sqlite] opened database", "path", path)
	return &Store{db: db, path: path}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// conn returns the handle once the schema exists. A failed attempt is retried
// on the next call.
func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		if err := createSchema(ctx, s.db); err != nil {
			return nil, fmt.Errorf("sqlite schema %s: %w", s.path, classify(err))
		}
		s.ready = true
	}
	return s.db, nil
}

// Reset moves a damaged database aside and starts over with an empty one.
// The old file is kept as <path>.corrupt-<unix seconds>.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		slog.Warn("[sqlite] close before reset", "path", s.path, "error", err)
	}
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, aside); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sqlite reset %s: %w", s.path, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("sqlite reset %s: %w", s.path, err)
		}
	}

	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db, s.ready = db, false
	if err := createSchema(ctx, db); err != nil {
		return fmt.Errorf("sqlite schema %s: %w", s.path, classify(err))
	}
	s.ready = true
	slog.Warn("[sqlite] database reset", "path", s.path, "moved_to", aside)
	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS seen (
			fingerprint   TEXT    PRIMARY KEY,
			first_seen_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_seen_first ON seen (first_seen_at);

		CREATE TABLE IF NOT EXISTS buckets (
			bucket_key       TEXT    PRIMARY KEY,
			last_sent_at     INTEGER NOT NULL,
			cooldown_seconds INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT    NOT NULL,
			market TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL    NOT NULL,
			high   REAL    NOT NULL,
			low    REAL    NOT NULL,
			close  REAL    NOT NULL,
			volume REAL    NOT NULL,
			PRIMARY KEY (symbol, ts)
		);

		CREATE TABLE IF NOT EXISTS instruments (
			symbol TEXT PRIMARY KEY,
			market TEXT NOT NULL,
			name   TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// classify maps SQLite corruption codes to model.ErrCorruptState.
func classify(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrCorrupt || se.Code == sqlite3.ErrNotADB) {
		return fmt.Errorf("%w: %v", model.ErrCorruptState, err)
	}
	return err
}

// ── State backend ──

func (s *Store) LoadSeen(ctx context.Context) ([]model.DedupRecord, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT fingerprint, first_seen_at FROM seen ORDER BY first_seen_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query seen: %w", classify(err))
	}
	defer rows.Close()

	var out []model.DedupRecord
	for rows.Next() {
		var (
			r  model.DedupRecord
			ns int64
		)
		if err := rows.Scan(&r.Fingerprint, &ns); err != nil {
			return nil, fmt.Errorf("sqlite scan seen: %w", classify(err))
		}
		r.FirstSeenAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite read seen: %w", classify(err))
	}
	return out, nil
}

// SaveSeen replaces the seen table in one transaction.
func (s *Store) SaveSeen(ctx context.Context, records []model.DedupRecord) error {
	return s.replace(ctx, "seen", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO seen (fingerprint, first_seen_at) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, r.Fingerprint, r.FirstSeenAt.UnixNano()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadBuckets(ctx context.Context) ([]model.ChannelBucket, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT bucket_key, last_sent_at, cooldown_seconds FROM buckets ORDER BY bucket_key`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query buckets: %w", classify(err))
	}
	defer rows.Close()

	var out []model.ChannelBucket
	for rows.Next() {
		var (
			b  model.ChannelBucket
			ns int64
		)
		if err := rows.Scan(&b.Key, &ns, &b.CooldownSeconds); err != nil {
			return nil, fmt.Errorf("sqlite scan buckets: %w", classify(err))
		}
		b.LastSentAt = time.Unix(0, ns).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite read buckets: %w", classify(err))
	}
	return out, nil
}

// SaveBuckets replaces the buckets table in one transaction.
func (s *Store) SaveBuckets(ctx context.Context, buckets []model.ChannelBucket) error {
	return s.replace(ctx, "buckets", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO buckets (bucket_key, last_sent_at, cooldown_seconds) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, b := range buckets {
			if _, err := stmt.ExecContext(ctx, b.Key, b.LastSentAt.UnixNano(), b.CooldownSeconds); err != nil {
				return err
			}
		}
		return nil
	})
}

// replace clears table and refills it via fill inside a single transaction,
// so readers see either the old or the new set.
func (s *Store) replace(ctx context.Context, table string, fill func(tx *sql.Tx) error) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin %s: %w", table, classify(err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite clear %s: %w", table, err)
	}
	if err := fill(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite insert %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit %s: %w", table, err)
	}
	slog.Debug("[sqlite] replaced table", "table", table, "took", time.Since(start))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
