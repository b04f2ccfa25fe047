// Command maef is the maef backend binary: the HTTP API, the background job
// workers and the operator tooling around the job queue.
//
// Subcommands:
//
//	serve    HTTP server + embedded worker pool and scheduler
//	worker   standalone worker pool and scheduler (scaled deployments)
//	migrate  run pending database migrations and exit
//	enqueue  enqueue one job from the shell
//	jobs     inspect, list and revive jobs
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/maefbyyas/maef-backend/internal/api"
	"github.com/maefbyyas/maef-backend/internal/config"
	"github.com/maefbyyas/maef-backend/internal/ingest"
	"github.com/maefbyyas/maef-backend/internal/media"
	"github.com/maefbyyas/maef-backend/internal/notify"
	"github.com/maefbyyas/maef-backend/internal/store"
	"github.com/maefbyyas/maef-backend/internal/worker"
	"github.com/maefbyyas/maef-backend/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "maef",
		Short: "maef backend: API, background jobs and media store",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		jobsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, db, st, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	registry, err := buildRegistry(cfg, st)
	if err != nil {
		return err
	}
	workers, err := startWorkers(ctx, cfg, db, st, registry) //nolint:contextcheck // ctx is the process-lifetime context
	if err != nil {
		return err
	}

	apiSrv := api.NewServer(st, cfg, registry)
	defer apiSrv.Close()

	// Explicit timeouts prevent Slowloris attacks. WriteTimeout is omitted:
	// media downloads stream for as long as the client reads.
	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout intentionally omitted
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Minute, // large uploads
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		stop()
		workers.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	workers.Wait()
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, db, st, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	registry, err := buildRegistry(cfg, st)
	if err != nil {
		return err
	}
	workers, err := startWorkers(ctx, cfg, db, st, registry) //nolint:contextcheck // ctx is the process-lifetime context
	if err != nil {
		return err
	}
	workers.Wait() // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// buildRegistry maps every job kind this binary runs to its handler.
func buildRegistry(cfg *config.Config, st *store.Store) (*worker.Registry, error) {
	outbound := notify.BuildSafeClient(cfg.OutboundHTTPTimeout)
	reg := worker.NewRegistry()

	kinds := []worker.Kind{
		{
			Name: notify.WebhookKind,
			Handler: notify.DeliverHandler(outbound, notify.Secrets{
				Primary:   cfg.WebhookSigningSecret,
				Secondary: cfg.WebhookSigningSecretSecondary,
			}),
			Timeout: 2 * cfg.OutboundHTTPTimeout,
		},
		{Name: media.DeriveKind, Handler: media.DeriveHandler(st)},
		{
			Name:        worker.PruneKind,
			Handler:     worker.PruneHandler(st, cfg.JobRetention, cfg.JobPruneBatchSize),
			MaxAttempts: 1,
			Public:      true,
		},
	}
	if cfg.MailEnabled() {
		kinds = append(kinds, worker.Kind{Name: notify.MailKind, Handler: notify.MailHandler(cfg.SMTP())})
	}
	if cfg.StoriesEnabled() {
		client, err := ingest.NewClient(ingest.ClientConfig{
			BaseURL:     cfg.IGAPIBaseURL,
			AccessToken: cfg.IGAccessToken,
			UserID:      cfg.IGUserID,
			HTTPClient:  outbound,
		})
		if err != nil {
			return nil, fmt.Errorf("story ingest client: %w", err)
		}
		kinds = append(kinds, worker.Kind{Name: ingest.Kind, Handler: ingest.Handler(client, st), Public: true})
	}
	for _, k := range kinds {
		if err := reg.Register(k); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// startWorkers runs the worker pool and, when enabled, the recurring job
// scheduler until ctx is cancelled. Wait on the result to drain them.
func startWorkers(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, st *store.Store, registry *worker.Registry) (*sync.WaitGroup, error) {
	logger := slog.Default()
	var wg sync.WaitGroup

	if cfg.SchedulerEnabled {
		sched := worker.NewScheduler(st, registry, logger)
		if err := sched.RegisterRecurring(worker.PruneKind, cfg.JobPruneInterval, nil, worker.SkipIfActive()); err != nil {
			return nil, fmt.Errorf("schedule prune: %w", err)
		}
		if cfg.StoriesEnabled() {
			if err := sched.RegisterRecurring(ingest.Kind, cfg.StoryIngestInterval, nil, worker.SkipIfActive()); err != nil {
				return nil, fmt.Errorf("schedule story ingest: %w", err)
			}
		}
		if cfg.ScheduleFile != "" {
			if err := sched.LoadScheduleFile(cfg.ScheduleFile); err != nil {
				return nil, err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	pool := worker.New(st, registry, cfg.WorkerConfig(),
		worker.WithSubscriber(notify.NewListener(db, logger)),
		worker.WithLogger(logger),
		worker.WithMetrics(worker.NewMetrics(prometheus.DefaultRegisterer)),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Start(ctx)
	}()
	return &wg, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	slog.Info("running migrations")
	migrateURL := cfg.DatabaseURL
	if cfg.DatabaseURLMigrate != "" {
		migrateURL = cfg.DatabaseURLMigrate
	}
	version, err := migrations.Up(cmd.Context(), migrateURL)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// setup loads configuration, installs the logger and opens the database.
func setup(ctx context.Context) (*config.Config, *pgxpool.Pool, *store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("database: %w", err)
	}
	st := store.New(db,
		store.WithRetryPolicy(cfg.RetryPolicy()),
		store.WithBlobLimits(cfg.BlobLimits()),
	)
	return cfg, db, st, nil
}

// newPool creates and validates a pgxpool: PgBouncer-compatible exec mode,
// statement timeout and pool sizing.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	// Each worker process also holds one connection per LISTEN subscription.
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
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) so the timer is released if ctx
		// is cancelled before it fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Warn if DB_MAX_CONNS is close to Postgres's server-side
	// max_connections: several instances sharing one server exhaust it.
	var pgMaxConnsStr string
	if err := db.QueryRow(ctx, "SHOW max_connections").Scan(&pgMaxConnsStr); err == nil {
		if pgMaxConns, err := strconv.Atoi(pgMaxConnsStr); err == nil {
			if int(cfg.DBMaxConns) > int(float64(pgMaxConns)*0.8) {
				slog.Warn("DB_MAX_CONNS exceeds 80% of Postgres max_connections",
					"db_max_conns", cfg.DBMaxConns,
					"postgres_max_connections", pgMaxConns,
				)
			}
		}
	}

	// Advisory schema version check: catches deployments where migrations
	// haven't been applied yet.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `maef migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 5

// newLogger creates a slog.Logger based on the configured log level and
// format: colorized text in development, JSON otherwise.
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

	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
