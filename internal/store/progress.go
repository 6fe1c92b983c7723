package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jmoiron/sqlx"

	"github.com/cesargomez89/hymnsync/internal/domain"
)

// ProgressTracker is the durable checkpoint: the set of processed artifact
// paths and the running success count.
type ProgressTracker struct {
	db  *DB
	now func() time.Time
}

func NewProgressTracker(db *DB) *ProgressTracker {
	return &ProgressTracker{db: db, now: time.Now}
}

// Load returns the processed set and success count, empty when nothing was saved yet.
func (t *ProgressTracker) Load(ctx context.Context) (mapset.Set[string], int, error) {
	var paths []string
	if err := t.db.SelectContext(ctx, &paths, "SELECT path FROM processed_paths"); err != nil {
		return nil, 0, fmt.Errorf("failed to load processed paths: %w", err)
	}

	var count int
	err := t.db.GetContext(ctx, &count, "SELECT success_count FROM progress WHERE id = 1")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("failed to load success count: %w", err)
	}

	return mapset.NewSet(paths...), count, nil
}

// Save replaces the durable checkpoint with processed and successCount.
func (t *ProgressTracker) Save(ctx context.Context, processed mapset.Set[string], successCount int) error {
	t.db.writeMu.Lock()
	defer t.db.writeMu.Unlock()

	paths := processed.ToSlice()
	sort.Strings(paths)

	return t.db.RunInTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM processed_paths"); err != nil {
			return fmt.Errorf("failed to clear processed paths: %w", err)
		}

		stmt, err := tx.PreparexContext(ctx, "INSERT INTO processed_paths (path) VALUES (?)")
		if err != nil {
			return fmt.Errorf("failed to prepare checkpoint: %w", err)
		}
		defer func() {
			_ = stmt.Close()
		}()
		for _, p := range paths {
			if _, err := stmt.ExecContext(ctx, p); err != nil {
				return fmt.Errorf("failed to save %s: %w", p, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO progress (id, success_count, updated_at)
			VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET success_count = excluded.success_count, updated_at = excluded.updated_at
		`, successCount, t.now().UTC()); err != nil {
			return fmt.Errorf("failed to save success count: %w", err)
		}
		return nil
	})
}

// State summarizes the checkpoint without loading every path.
func (t *ProgressTracker) State(ctx context.Context) (domain.Progress, error) {
	var p domain.Progress
	err := t.db.GetContext(ctx, &p, "SELECT success_count, updated_at FROM progress WHERE id = 1")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Progress{}, fmt.Errorf("failed to read progress: %w", err)
	}
	if err := t.db.GetContext(ctx, &p.Processed, "SELECT COUNT(*) FROM processed_paths"); err != nil {
		return domain.Progress{}, fmt.Errorf("failed to count processed paths: %w", err)
	}
	return p, nil
}
