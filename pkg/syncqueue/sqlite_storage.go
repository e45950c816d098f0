package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS sync_queue (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    method     TEXT NOT NULL,
    target     TEXT NOT NULL,
    payload    BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
`

// SqliteStorage keeps the queue in a SQLite table. It normally shares
// the database file with the generation store.
type SqliteStorage struct {
	db *sql.DB
}

var _ Storage = (*SqliteStorage)(nil)

// NewSqliteStorage ensures the queue table exists on db. The handle is
// owned by the caller; Close is a no-op.
func NewSqliteStorage(db *sql.DB) (*SqliteStorage, error) {
	if db == nil {
		return nil, fmt.Errorf("nil db")
	}
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("failed to init queue schema: %w", err)
	}
	return &SqliteStorage{db: db}, nil
}

func (s *SqliteStorage) Append(ctx context.Context, intent Intent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_queue (id, method, target, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		intent.ID, intent.Method, intent.Target, intent.Payload, intent.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append intent: %w", err)
	}
	return nil
}

func (s *SqliteStorage) Oldest(ctx context.Context, limit int) ([]Intent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, method, target, payload, created_at FROM sync_queue ORDER BY seq ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var (
			it        Intent
			createdAt int64
		)
		if err := rows.Scan(&it.ID, &it.Method, &it.Target, &it.Payload, &createdAt); err != nil {
			return nil, err
		}
		it.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove intent: %w", err)
	}
	return nil
}

func (s *SqliteStorage) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

func (s *SqliteStorage) Close() error {
	return nil
}
