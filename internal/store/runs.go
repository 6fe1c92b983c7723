package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/domain"
)

type RunRepo struct {
	db *DB
}

func NewRunRepo(db *DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) CreateRun(ctx context.Context, run *domain.Run) error {
	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	query := `INSERT INTO runs (id, mode, status, total, succeeded, skipped, failed, started_at)
		VALUES (:id, :mode, :status, :total, :succeeded, :skipped, :failed, :started_at)`
	_, err := r.db.NamedExecContext(ctx, query, run)
	return err
}

// FinishRun stores the final counts and status of a run.
func (r *RunRepo) FinishRun(ctx context.Context, id string, status domain.RunStatus, s domain.Summary, runErr error) error {
	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	var msg *string
	if runErr != nil {
		m := runErr.Error()
		msg = &m
	}
	query := `UPDATE runs SET status = ?, total = ?, succeeded = ?, skipped = ?, failed = ?, error = ?, finished_at = ?
		WHERE id = ?`
	_, err := r.db.ExecContext(ctx, query, status, s.Total, s.Succeeded, s.Skipped, s.Failed, msg, time.Now().UTC(), id)
	return err
}

func (r *RunRepo) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	query := `SELECT id, mode, status, total, succeeded, skipped, failed, error, started_at, finished_at FROM runs WHERE id = ?`

	run := &domain.Run{}
	err := r.db.GetContext(ctx, run, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (r *RunRepo) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = constants.MaxRunHistory
	}
	query := `SELECT id, mode, status, total, succeeded, skipped, failed, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`

	var runs []*domain.Run
	err := r.db.SelectContext(ctx, &runs, query, limit)
	return runs, err
}

// ResetStuckRuns marks runs left running by a killed process as cancelled.
func (r *RunRepo) ResetStuckRuns(ctx context.Context) (int64, error) {
	r.db.writeMu.Lock()
	defer r.db.writeMu.Unlock()

	res, err := r.db.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE status = ?`,
		domain.RunStatusCancelled, time.Now().UTC(), domain.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
