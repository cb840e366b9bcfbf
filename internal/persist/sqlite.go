package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const createKVTable = `
CREATE TABLE IF NOT EXISTS kv (
	k TEXT PRIMARY KEY,
	v BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// SQLiteStore persists entries in a single kv table. The database handle is
// shared with the other sqlite-backed components and runs one connection.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createKVTable); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (k, v, updated_at) VALUES (?, ?, ?)
ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT k FROM kv WHERE k >= ? AND k < ? ORDER BY k`,
		prefix, prefix+"\xff",
	)
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

var _ Store = (*SQLiteStore)(nil)
