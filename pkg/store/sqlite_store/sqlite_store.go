// Package sqlite_store implements the durable store backend on SQLite.
// Entries survive process restarts, which is what makes offline
// fallback possible after a cold start.
package sqlite_store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/bahalabs/offgate/pkg/snapshot"
	"github.com/bahalabs/offgate/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
    name       TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
    generation TEXT NOT NULL,
    key        TEXT NOT NULL,
    status     INTEGER NOT NULL,
    header     TEXT NOT NULL,
    body       BLOB NOT NULL,
    stored_at  INTEGER NOT NULL,
    PRIMARY KEY (generation, key)
);
`

var nopLogger = zap.NewNop()

type SqliteStoreOpts struct {
	// Path of the database file. Cannot be empty.
	Path string

	// Logger is the *zap.Logger for this store.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *SqliteStoreOpts) Init() error {
	if strings.TrimSpace(opts.Path) == "" {
		return fmt.Errorf("empty database path")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type SqliteStore struct {
	opts SqliteStoreOpts
	db   *sql.DB
}

var _ store.Store = (*SqliteStore)(nil)

// NewSqliteStore opens (or creates) the database at opts.Path and
// ensures the schema exists.
func NewSqliteStore(opts SqliteStoreOpts) (*SqliteStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	dsn := filepath.Clean(opts.Path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &SqliteStore{opts: opts, db: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so other durable state (e.g. the
// sync queue) can share one database file.
func (s *SqliteStore) DB() *sql.DB {
	return s.db
}

func (s *SqliteStore) Get(ctx context.Context, generation, key string) (*snapshot.Snapshot, bool, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE generation = ? AND key = ?`,
		generation, key,
	)
	if err := row.Scan(&status, &header, &body, &storedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read entry: %w", err)
	}

	h := make(http.Header)
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, false, fmt.Errorf("corrupted entry header: %w", err)
	}
	rawBody, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, false, fmt.Errorf("corrupted entry body: %w", err)
	}
	return &snapshot.Snapshot{
		Status:     status,
		Header:     h,
		Body:       rawBody,
		StoredTime: time.Unix(storedAt, 0),
	}, true, nil
}

// Put writes an entry in one transaction. A cancelled request can never
// leave a half-written entry behind.
func (s *SqliteStore) Put(ctx context.Context, generation, key string, snap *snapshot.Snapshot) error {
	hj, err := json.Marshal(snap.Header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	body := snappy.Encode(nil, snap.Body)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		generation, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("failed to register generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (generation, key, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)`,
		generation, key, snap.Status, string(hj), body, snap.StoredTime.Unix(),
	); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return tx.Commit()
}

func (s *SqliteStore) Delete(ctx context.Context, generation, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE generation = ? AND key = ?`,
		generation, key,
	); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

func (s *SqliteStore) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SqliteStore) DropGeneration(ctx context.Context, generation string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, generation); err != nil {
		return fmt.Errorf("failed to drop entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, generation); err != nil {
		return fmt.Errorf("failed to drop generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.opts.Logger.Debug("generation dropped", zap.String("generation", generation))
	return nil
}

func (s *SqliteStore) Len(ctx context.Context, generation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE generation = ?`, generation).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}
