package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcm/rcm/internal/config"
	"github.com/rcm/rcm/internal/domain/files"
	"github.com/rcm/rcm/internal/platform/auth"
	"github.com/rcm/rcm/internal/platform/db"
	"github.com/rcm/rcm/internal/platform/kvstore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rcm-server",
		Short:        "Revenue cycle management API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(filesCmd())
	root.AddCommand(queueCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if cfg.IsDev() {
		level = zerolog.DebugLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "rcm-server").Logger()
}

// loadConfig loads and validates configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			noWorker, _ := cmd.Flags().GetBool("no-worker")
			return runServer(!noWorker)
		},
	}
	cmd.Flags().Bool("no-worker", false, "Do not consume the analysis queue in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the analysis queue without serving HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServer(withWorker bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	e := a.router()

	// Background components stop when bg is cancelled, after HTTP has drained.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	bg, bgCtx := errgroup.WithContext(bgCtx)

	bg.Go(func() error {
		if err := a.relay.Run(bgCtx); err != nil && bgCtx.Err() == nil {
			return fmt.Errorf("websocket relay: %w", err)
		}
		return nil
	})
	bg.Go(func() error {
		a.reaper.Run(bgCtx)
		return nil
	})
	if withWorker {
		bg.Go(func() error {
			return a.worker(cfg.AIQueueConcurrency).Run(bgCtx)
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("worker", withWorker).Str("env", cfg.Env).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down server")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
	case <-bgCtx.Done():
		logger.Error().Msg("background component stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	cancelBg()
	if err := bg.Wait(); err != nil {
		logger.Error().Err(err).Msg("background component failed")
	}
	a.hub.Close()
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.Close()

	logger.Info().Int("concurrency", cfg.AIQueueConcurrency).Msg("starting worker")
	return a.worker(cfg.AIQueueConcurrency).Run(ctx)
}

// withPool runs fn against a pool that is closed afterwards.
func withPool(fn func(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, logger, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	run := func(op func(ctx context.Context, m *db.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, _ *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) error {
				m, err := db.NewMigrator(pool, logger)
				if err != nil {
					return err
				}
				defer m.Close()
				if err := op(ctx, m); err != nil {
					return err
				}
				v, err := m.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Schema version: %d\n", v)
				return nil
			})
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE:  run(func(ctx context.Context, m *db.Migrator) error { return m.Up(ctx) }),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE:  run(func(ctx context.Context, m *db.Migrator) error { return m.Status(ctx) }),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE:  run(func(ctx context.Context, m *db.Migrator) error { return m.Down(ctx) }),
	})
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage login sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete expired sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, _ *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) error {
				reaper := auth.NewSessionReaper(auth.NewPGSessionStore(pool), 0, logger)
				n, err := reaper.PruneOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d expired session(s).\n", n)
				return nil
			})
		},
	})
	return cmd
}

func filesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Maintain uploaded documents",
	}
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove stored objects of files deleted before the cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			batch, _ := cmd.Flags().GetInt("batch")
			return withPool(func(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool) error {
				blobs, err := newPresigner(ctx, cfg, logger)
				if err != nil {
					return err
				}
				svc := files.NewService(db.NewTxManager(pool), files.NewRepoPG(pool), blobs, nil, nil, logger)
				n, err := svc.Purge(ctx, time.Now().Add(-olderThan), batch)
				if err != nil {
					return err
				}
				fmt.Printf("Purged %d file(s).\n", n)
				return nil
			})
		},
	}
	purge.Flags().Duration("older-than", 30*24*time.Hour, "Only purge files deleted before now minus this duration")
	purge.Flags().Int("batch", 100, "Files fetched per round")
	cmd.AddCommand(purge)
	return cmd
}

// withRedis runs fn against a Redis client that is closed afterwards.
func withRedis(fn func(ctx context.Context, cfg *config.Config, logger zerolog.Logger, rdb *redis.Client) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	rdb, err := kvstore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	return fn(ctx, cfg, logger, rdb)
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the analysis queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRedis(func(ctx context.Context, cfg *config.Config, logger zerolog.Logger, rdb *redis.Client) error {
				st, err := newAnalysisQueue(rdb, cfg, logger).Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("waiting=%d active=%d delayed=%d failed=%d\n", st.Waiting, st.Active, st.Delayed, st.Dead)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <job-id>",
		Short: "Requeue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRedis(func(ctx context.Context, cfg *config.Config, logger zerolog.Logger, rdb *redis.Client) error {
				job, err := newAnalysisQueue(rdb, cfg, logger).Retry(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Requeued job %s (%s).\n", job.ID, job.Name)
				return nil
			})
		},
	})
	return cmd
}
