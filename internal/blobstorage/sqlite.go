package blobstorage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// SQLiteStore keeps blobs in a table of the shared database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the blobs table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS blobs (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		size INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create blobs table")
	}
	return &SQLiteStore{db: db}, nil
}

// Put stores data under key. Storing an existing key is a no-op.
func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO blobs (key, data, size) VALUES (?, ?, ?)", key, data, len(data))
	return errors.Wrapf(err, "store blob %s", key)
}

// Get loads the blob stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM blobs WHERE key = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load blob %s", key)
	}
	return data, nil
}

// Delete removes key. Missing keys are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM blobs WHERE key = ?", key)
	return errors.Wrapf(err, "delete blob %s", key)
}
