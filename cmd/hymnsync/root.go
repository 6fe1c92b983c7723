package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cesargomez89/hymnsync/internal/auth"
	"github.com/cesargomez89/hymnsync/internal/config"
	"github.com/cesargomez89/hymnsync/internal/httpclient"
	"github.com/cesargomez89/hymnsync/internal/ingest"
	"github.com/cesargomez89/hymnsync/internal/logger"
	"github.com/cesargomez89/hymnsync/internal/reconcile"
	"github.com/cesargomez89/hymnsync/internal/remote"
	"github.com/cesargomez89/hymnsync/internal/retry"
	"github.com/cesargomez89/hymnsync/internal/store"
)

type globalFlags struct {
	envFile   string
	dbPath    string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "hymnsync",
		Short: "Upload hymn PDFs to Supabase and keep their catalog rows in sync",
		Example: `hymnsync run ./pdf_files
hymnsync retry
hymnsync sample ./pdf_files --limit 5 --dry-run
hymnsync failures
hymnsync stats
hymnsync runs`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "local state database (overrides DB_PATH)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "text or json (overrides LOG_FORMAT)")

	root.AddCommand(
		newRunCmd(flags),
		newRetryCmd(flags),
		newSampleCmd(flags),
		newFailuresCmd(flags),
		newStatsCmd(flags),
		newRunsCmd(flags),
	)
	root.SetHelpCommand(&cobra.Command{Use: "no-help", Hidden: true})
	root.CompletionOptions.HiddenDefaultCmd = true
	cobra.EnableCommandSorting = false

	return root
}

// loadConfig reads the env file and environment and applies flag overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(f.envFile); err != nil {
		return nil, err
	}
	cfg := config.Load()
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.LogFormat = f.logFormat
	}
	return cfg, nil
}

// app holds everything a remote-facing command needs.
type app struct {
	cfg       *config.Config
	log       *logger.Logger
	db        *store.DB
	tracker   *store.ProgressTracker
	ledger    *store.ErrorLedger
	runs      *store.RunRepo
	creds     *auth.Manager
	supabase  *remote.Supabase
	scheduler *ingest.Scheduler
}

func newApp(cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appLogger := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	db, err := store.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}

	// Retries belong to the scheduler's policy; the client only paces requests.
	client := httpclient.NewClient(nil, cfg.RequestInterval, httpclient.WithRateLimitAttempts(1))
	gotrue := auth.NewGoTrue(cfg.SupabaseURL, cfg.AnonKey, cfg.Email, cfg.Password, client)
	creds := auth.NewManager(gotrue.Session(), gotrue.TokenExchange(), cfg.TokenRefresh, appLogger)
	supabase := remote.NewSupabase(cfg.SupabaseURL, cfg.AnonKey, creds, client)

	engine := reconcile.New(supabase, reconcile.Config{
		Bucket:       cfg.Bucket,
		WorkIdentity: cfg.WorkIdentity,
	}, appLogger)

	a := &app{
		cfg:      cfg,
		log:      appLogger,
		db:       db,
		tracker:  store.NewProgressTracker(db),
		ledger:   store.NewErrorLedger(db),
		runs:     store.NewRunRepo(db),
		creds:    creds,
		supabase: supabase,
	}

	opts := ingest.DefaultOptions()
	opts.Bucket = cfg.Bucket
	opts.BlobPrefix = cfg.BlobPrefix
	opts.BatchSize = cfg.BatchSize
	opts.Concurrency = cfg.Concurrency
	opts.BatchPause = cfg.BatchPause
	opts.CreateBucket = cfg.CreateBucket
	opts.Retry = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Delay:       retry.Linear(cfg.RetryBase),
	}

	a.scheduler = ingest.NewScheduler(ingest.Deps{
		Engine:      engine,
		Credentials: creds,
		Progress:    a.tracker,
		Ledger:      a.ledger,
		Runs:        a.runs,
		Buckets:     supabase,
	}, opts, appLogger)

	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// openLocal opens only the local state database, for commands that never
// talk to the remote service.
func openLocal(f *globalFlags) (*store.DB, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteDB(cfg.DBPath)
}
