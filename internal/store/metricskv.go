package store

import (
	"context"
	"database/sql"
	"errors"
)

const sqlSetMetric = `
	INSERT INTO ingest_metrics (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT (key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

// SetMetric upserts one runtime observability key. Cross-task reads of
// rolling in-memory state go through this table rather than shared memory.
func (s *Store) SetMetric(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.stmts.setMetric.ExecContext(ctx, key, value, nowMs())
	return err
}

// GetMetric returns the stored value for a key, or "" when absent.
func (s *Store) GetMetric(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM ingest_metrics WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
