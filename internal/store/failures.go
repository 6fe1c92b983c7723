package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cesargomez89/hymnsync/internal/domain"
)

// ErrorLedger remembers artifacts that exhausted their retries, keyed by path.
type ErrorLedger struct {
	db  *DB
	now func() time.Time
}

func NewErrorLedger(db *DB) *ErrorLedger {
	return &ErrorLedger{db: db, now: time.Now}
}

// RecordFailure inserts or replaces the entry for path.
func (l *ErrorLedger) RecordFailure(ctx context.Context, path, message string) error {
	l.db.writeMu.Lock()
	defer l.db.writeMu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO failures (path, error, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET error = excluded.error, updated_at = excluded.updated_at
	`, path, message, l.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", path, err)
	}
	return nil
}

// ClearFailure removes the entry for path. Clearing an absent path is not an error.
func (l *ErrorLedger) ClearFailure(ctx context.Context, path string) error {
	l.db.writeMu.Lock()
	defer l.db.writeMu.Unlock()

	if _, err := l.db.ExecContext(ctx, "DELETE FROM failures WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to clear failure for %s: %w", path, err)
	}
	return nil
}

func (l *ErrorLedger) ListFailures(ctx context.Context) (map[string]domain.Failure, error) {
	var rows []domain.Failure
	if err := l.db.SelectContext(ctx, &rows, "SELECT path, error, updated_at FROM failures ORDER BY path"); err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	out := make(map[string]domain.Failure, len(rows))
	for _, f := range rows {
		out[f.Path] = f
	}
	return out, nil
}
