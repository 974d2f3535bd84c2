// Command emberq is the job storage engine binary.
//
// Subcommands:
//
//	migrate  — run pending database migrations and exit
//	worker   — run the polling worker pool and recurring scheduler
//	enqueue  — create a job and push it onto a queue
//	stats    — print the monitoring snapshot
//	sweep    — run the expiration sweep and counter rollup once
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/june-it/emberq/internal/config"
	"github.com/june-it/emberq/internal/monitor"
	"github.com/june-it/emberq/internal/recurring"
	"github.com/june-it/emberq/internal/storage"
	"github.com/june-it/emberq/internal/worker"
	"github.com/june-it/emberq/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "emberq",
		Short: "emberq — Postgres-backed job queue and structured storage",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		migrateCmd(),
		workerCmd(),
		enqueueCmd(),
		statsCmd(),
		sweepCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the
	// same driver is used project-wide; simple protocol lets the
	// multi-statement migration files run natively.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	connCfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the polling worker pool and recurring scheduler",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, st, cleanup, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool := worker.New(st, worker.Options{
		Concurrency:           cfg.WorkerCount,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		ServerTimeout:         cfg.ServerTimeout,
		SweepInterval:         cfg.SweepInterval,
		CounterAggregateEvery: cfg.CounterAggregateEvery,
		CounterAggregateBatch: cfg.CounterAggregateBatch,
	})
	for _, queue := range cfg.Queues {
		pool.Register(queue, logInvocationHandler)
	}

	scheduler := recurring.New(st, recurring.Options{
		PollInterval: cfg.RecurringPollInterval,
		LockLease:    cfg.RecurringSchedulerLease,
	})
	go scheduler.Run(ctx)

	// Blocks until ctx is cancelled, then drains in-flight jobs.
	return pool.Start(ctx)
}

// logInvocationHandler is the stub handler the standalone binary registers.
// Embedding applications register real handlers through the worker package.
func logInvocationHandler(_ context.Context, job *storage.JobData) error {
	slog.Info("job received",
		"job_id", job.ID,
		"type", job.Invocation.Type,
		"method", job.Invocation.Method,
		"arguments", job.Arguments)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		queue    string
		jobType  string
		method   string
		expireIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue [args...]",
		Short: "Create a job and push it onto a queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			jobID, err := st.CreateJob(ctx,
				&storage.InvocationData{Type: jobType, Method: method},
				args, nil, time.Now().UTC(), expireIn)
			if err != nil {
				return err
			}
			if err := st.SetJobState(ctx, jobID, storage.StateUpdate{
				Name:   storage.StateEnqueued,
				Reason: "Enqueued from the command line",
				Data:   map[string]string{"queue": queue},
			}); err != nil {
				return err
			}
			if err := st.Enqueue(ctx, queue, jobID); err != nil {
				return err
			}
			fmt.Println(jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "default", "queue to push the job onto")
	cmd.Flags().StringVar(&jobType, "type", "", "invocation type reference")
	cmd.Flags().StringVar(&method, "method", "", "invocation method name")
	cmd.Flags().DurationVar(&expireIn, "expire-in", 24*time.Hour, "job expiration (0 = never)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the monitoring snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, st, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := monitor.New(st).GetStatistics(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("enqueued:   %d\n", stats.Enqueued)
			fmt.Printf("processing: %d\n", stats.Processing)
			fmt.Printf("succeeded:  %d\n", stats.Succeeded)
			fmt.Printf("failed:     %d\n", stats.Failed)
			fmt.Printf("servers:    %d\n", stats.Servers)
			fmt.Printf("recurring:  %d\n", stats.Recurring)
			for queue, n := range stats.Queues {
				fmt.Printf("queue %-12s %d\n", queue+":", n)
			}
			return nil
		},
	}
}

// ── sweep ─────────────────────────────────────────────────────────────────────

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiration sweep and counter rollup once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, cleanup, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			removed, err := st.RemoveExpired(ctx)
			if err != nil {
				return err
			}
			var folded int64
			for {
				n, err := st.AggregateCounters(ctx, cfg.CounterAggregateBatch)
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
				folded += n
			}
			slog.Info("sweep complete", "removed", removed, "counters_folded", folded)
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// setup loads config, wires logging, and connects the store. The returned
// cleanup closes the pool.
func setup(ctx context.Context) (*config.Config, *storage.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database: %w", err)
	}

	st := storage.New(pool, storage.Options{
		Schema:              cfg.Schema,
		PollInterval:        cfg.QueuePollInterval,
		InvisibilityTimeout: cfg.InvisibilityTimeout,
	})
	return cfg, st, pool.Close, nil
}

// newPool creates and validates a pgxpool. Retries with linear backoff to
// ride out container startup races where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				return db, nil
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying", "attempt", attempt, "error", connErr)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
}

// newLogger creates a slog.Logger based on the configured level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
