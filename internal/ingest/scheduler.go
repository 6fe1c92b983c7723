// Package ingest drives reconciliation over a directory of artifacts in
// checkpointed batches.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cesargomez89/hymnsync/internal/auth"
	"github.com/cesargomez89/hymnsync/internal/constants"
	"github.com/cesargomez89/hymnsync/internal/domain"
	"github.com/cesargomez89/hymnsync/internal/logger"
	"github.com/cesargomez89/hymnsync/internal/parser"
	"github.com/cesargomez89/hymnsync/internal/reconcile"
	"github.com/cesargomez89/hymnsync/internal/remote"
	"github.com/cesargomez89/hymnsync/internal/retry"
)

type Reconciler interface {
	Reconcile(ctx context.Context, a domain.Artifact) (domain.Outcome, error)
	Plan(a domain.Artifact) reconcile.Plan
}

type Credentials interface {
	EnsureValid(ctx context.Context) error
	ForceRefresh(ctx context.Context) error
}

type Checkpoint interface {
	Load(ctx context.Context) (mapset.Set[string], int, error)
	Save(ctx context.Context, processed mapset.Set[string], successCount int) error
}

type Ledger interface {
	RecordFailure(ctx context.Context, path, message string) error
	ClearFailure(ctx context.Context, path string) error
	ListFailures(ctx context.Context) (map[string]domain.Failure, error)
}

type RunRecorder interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	FinishRun(ctx context.Context, id string, status domain.RunStatus, s domain.Summary, runErr error) error
}

// Deps are the collaborators of a Scheduler. Runs and Buckets may be nil.
type Deps struct {
	Engine      Reconciler
	Credentials Credentials
	Progress    Checkpoint
	Ledger      Ledger
	Runs        RunRecorder
	Buckets     remote.BucketManager
}

type Options struct {
	Bucket       string
	BlobPrefix   string
	BatchSize    int
	Concurrency  int
	BatchPause   time.Duration
	CreateBucket bool

	// SampleLimit caps RunModeSample; zero uses the default.
	SampleLimit int

	// Retry is the per-artifact policy. Retryable and BeforeRetry are set by the scheduler.
	Retry retry.Policy
}

// DefaultOptions mirrors the constants package defaults.
func DefaultOptions() Options {
	return Options{
		Bucket:      constants.DefaultBucket,
		BlobPrefix:  constants.DefaultBlobPrefix,
		BatchSize:   constants.DefaultBatchSize,
		Concurrency: constants.DefaultConcurrency,
		BatchPause:  constants.DefaultBatchPause,
		SampleLimit: constants.DefaultSampleLimit,
		Retry:       retry.Default(),
	}
}

type Scheduler struct {
	deps   Deps
	opts   Options
	logger *logger.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewScheduler(deps Deps, opts Options, log *logger.Logger) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = constants.DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.DefaultConcurrency
	}
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = constants.DefaultSampleLimit
	}
	if opts.BlobPrefix == "" {
		opts.BlobPrefix = constants.DefaultBlobPrefix
	}
	if opts.Bucket == "" {
		opts.Bucket = constants.DefaultBucket
	}
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		deps:   deps,
		opts:   opts,
		logger: log.WithComponent("scheduler"),
		sleep:  retry.Sleep,
	}
}

// WithSampleLimit returns a copy of s whose sample runs take n artifacts.
func (s *Scheduler) WithSampleLimit(n int) *Scheduler {
	c := *s
	if n > 0 {
		c.opts.SampleLimit = n
	}
	return &c
}

// Plan parses the first limit artifacts of dir (all when limit <= 0) without
// touching remote or local state.
func (s *Scheduler) Plan(dir string, limit int) ([]reconcile.Plan, error) {
	paths, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	plans := make([]reconcile.Plan, 0, len(paths))
	for _, p := range paths {
		plans = append(plans, s.deps.Engine.Plan(parser.Parse(p, s.opts.BlobPrefix)))
	}
	return plans, nil
}

// Run processes the work list for mode. It returns early only on an
// authentication failure, a local storage failure or cancellation; artifacts
// that exhaust their retries are recorded in the ledger instead.
func (s *Scheduler) Run(ctx context.Context, mode domain.RunMode, dir string) (domain.Summary, error) {
	start := time.Now()
	summary := domain.Summary{RunID: uuid.NewString(), Mode: mode}
	log := s.logger.WithRun(summary.RunID, mode)

	if err := s.deps.Credentials.EnsureValid(ctx); err != nil {
		return summary, fmt.Errorf("sign in: %w", err)
	}
	if err := s.ensureBucket(ctx, log); err != nil {
		return summary, err
	}

	processed, successCount, err := s.deps.Progress.Load(ctx)
	if err != nil {
		return summary, err
	}

	work, discovered, err := s.workList(ctx, mode, dir, processed)
	if err != nil {
		return summary, err
	}
	summary.Discovered = discovered
	summary.Total = len(work)

	log.Info("Starting run", "dir", dir, "discovered", discovered, "to_process", len(work),
		"already_processed", processed.Cardinality())

	s.startRun(ctx, summary, start, log)

	checkpoint := mode != domain.RunModeSample
	var runErr error
	for i := 0; i < len(work); i += s.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		end := min(i+s.opts.BatchSize, len(work))
		group := work[i:end]
		log.Info("Processing batch", "batch", i/s.opts.BatchSize+1, "files", len(group),
			"progress", fmt.Sprintf("%d/%d", i, len(work)))

		res, err := s.runGroup(ctx, group, processed)
		summary.Succeeded += res.succeeded
		summary.Skipped += res.skipped
		summary.Failed += res.failed
		successCount += res.succeeded

		if checkpoint {
			// Save even when cancelled so finished artifacts are not redone.
			if saveErr := s.deps.Progress.Save(context.WithoutCancel(ctx), processed, successCount); saveErr != nil {
				runErr = errors.Join(err, fmt.Errorf("save progress: %w", saveErr))
				break
			}
		}
		if err != nil {
			runErr = err
			break
		}

		if end < len(work) && s.opts.BatchPause > 0 {
			if err := s.sleep(ctx, s.opts.BatchPause); err != nil {
				runErr = err
				break
			}
		}
	}

	summary.Elapsed = time.Since(start)
	s.finishRun(ctx, summary, runErr, log)

	log.Info("Run finished",
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"total", summary.Total,
		"elapsed", summary.Elapsed.Round(time.Millisecond),
	)
	return summary, runErr
}

func (s *Scheduler) workList(ctx context.Context, mode domain.RunMode, dir string, processed mapset.Set[string]) ([]string, int, error) {
	switch mode {
	case domain.RunModeRemaining:
		paths, err := Discover(dir)
		if err != nil {
			return nil, 0, err
		}
		var work []string
		for _, p := range paths {
			if !processed.Contains(p) {
				work = append(work, p)
			}
		}
		return work, len(paths), nil

	case domain.RunModeRetry:
		failures, err := s.deps.Ledger.ListFailures(ctx)
		if err != nil {
			return nil, 0, err
		}
		var work []string
		for p := range failures {
			if !processed.Contains(p) {
				work = append(work, p)
			}
		}
		sort.Strings(work)
		return work, len(failures), nil

	case domain.RunModeSample:
		paths, err := Discover(dir)
		if err != nil {
			return nil, 0, err
		}
		work := paths
		if len(work) > s.opts.SampleLimit {
			work = work[:s.opts.SampleLimit]
		}
		return work, len(paths), nil

	default:
		return nil, 0, fmt.Errorf("unknown run mode %q", mode)
	}
}

type groupResult struct {
	succeeded int
	skipped   int
	failed    int
}

// runGroup reconciles one batch on the worker pool. Successful paths are
// added to processed.
func (s *Scheduler) runGroup(ctx context.Context, group []string, processed mapset.Set[string]) (groupResult, error) {
	var (
		mu  sync.Mutex
		res groupResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, path := range group {
		path := path
		g.Go(func() error {
			outcome, err := s.process(gctx, path)
			if err != nil {
				var pf *PersistentFailure
				if !errors.As(err, &pf) {
					return err
				}
				mu.Lock()
				res.failed++
				mu.Unlock()
				return nil
			}

			processed.Add(path)
			mu.Lock()
			res.succeeded++
			if outcome == domain.OutcomeSkipped {
				res.skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return res, err
}

// process runs one artifact under the retry policy. A *PersistentFailure
// means the artifact was recorded in the ledger; any other error is fatal to
// the run.
func (s *Scheduler) process(ctx context.Context, path string) (domain.Outcome, error) {
	a := parser.Parse(path, s.opts.BlobPrefix)
	log := s.logger.WithArtifact(a)

	var lastErr error
	policy := s.opts.Retry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, auth.ErrAuth) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	policy.BeforeRetry = func(ctx context.Context, attempt int) error {
		log.Info("Retrying", "attempt", attempt, "max_attempts", policy.MaxAttempts)
		if tokenRejected(lastErr) {
			return s.deps.Credentials.ForceRefresh(ctx)
		}
		return s.deps.Credentials.EnsureValid(ctx)
	}
	policy.OnFailure = func(attempt int, err error) {
		lastErr = err
		log.Warn("Attempt failed", "attempt", attempt, "max_attempts", policy.MaxAttempts, "error", err)
	}

	var outcome domain.Outcome
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		o, err := s.deps.Engine.Reconcile(ctx, a)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})

	var exhausted *retry.Error
	switch {
	case err == nil:
		if clearErr := s.deps.Ledger.ClearFailure(context.WithoutCancel(ctx), path); clearErr != nil {
			return "", clearErr
		}
		return outcome, nil
	case errors.As(err, &exhausted):
		pf := &PersistentFailure{Path: path, Attempts: exhausted.Attempts, Err: exhausted.Err}
		log.Error("Giving up", "attempts", exhausted.Attempts, "error", exhausted.Err)
		if recErr := s.deps.Ledger.RecordFailure(context.WithoutCancel(ctx), path, exhausted.Err.Error()); recErr != nil {
			return "", recErr
		}
		return "", pf
	default:
		return "", err
	}
}

// tokenRejected reports whether the remote refused the held token, in which
// case its age says nothing about its validity.
func tokenRejected(err error) bool {
	var te *remote.TransientError
	return errors.As(err, &te) && te.StatusCode == http.StatusUnauthorized
}

func (s *Scheduler) ensureBucket(ctx context.Context, log *logger.Logger) error {
	if s.deps.Buckets == nil {
		return nil
	}
	ok, err := s.deps.Buckets.BucketExists(ctx, s.opts.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if ok {
		return nil
	}
	if !s.opts.CreateBucket {
		return fmt.Errorf("%w: %s", ErrBucketMissing, s.opts.Bucket)
	}
	log.Info("Creating bucket", "bucket", s.opts.Bucket)
	if err := s.deps.Buckets.CreateBucket(ctx, s.opts.Bucket, true); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

func (s *Scheduler) startRun(ctx context.Context, summary domain.Summary, start time.Time, log *logger.Logger) {
	if s.deps.Runs == nil {
		return
	}
	run := &domain.Run{
		ID:        summary.RunID,
		Mode:      summary.Mode,
		Status:    domain.RunStatusRunning,
		Total:     summary.Total,
		StartedAt: start.UTC(),
	}
	if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
		log.Warn("Failed to record run", "error", err)
	}
}

func (s *Scheduler) finishRun(ctx context.Context, summary domain.Summary, runErr error, log *logger.Logger) {
	if s.deps.Runs == nil {
		return
	}
	status := domain.RunStatusCompleted
	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status = domain.RunStatusCancelled
	case runErr != nil:
		status = domain.RunStatusFailed
	}
	if err := s.deps.Runs.FinishRun(context.WithoutCancel(ctx), summary.RunID, status, summary, runErr); err != nil {
		log.Warn("Failed to record run result", "error", err)
	}
}
