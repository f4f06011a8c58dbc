package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zyntel/zyntel/internal/config"
	"github.com/zyntel/zyntel/internal/domain/catalog"
	"github.com/zyntel/zyntel/internal/domain/checkpoint"
	"github.com/zyntel/zyntel/internal/domain/completion"
	"github.com/zyntel/zyntel/internal/domain/event"
	"github.com/zyntel/zyntel/internal/domain/tat"
	"github.com/zyntel/zyntel/internal/platform/db"
	"github.com/zyntel/zyntel/internal/platform/lims"
	"github.com/zyntel/zyntel/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zyntel",
		Short: "Laboratory TAT analytics pipeline",
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// paths derives the on-disk state file locations from DATA_DIR.
type paths struct {
	events      string
	checkpoint  string
	completions string
	scanCursor  string
}

func dataPaths(cfg *config.Config) paths {
	return paths{
		events:      filepath.Join(cfg.DataDir, "data.json"),
		checkpoint:  filepath.Join(cfg.DataDir, "checkpoint.json"),
		completions: filepath.Join(cfg.DataDir, "TimeOut.csv"),
		scanCursor:  filepath.Join(cfg.DataDir, "last_run.txt"),
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch new encounters, transform them, and upsert into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			skipFetch, _ := cmd.Flags().GetBool("skip-fetch")
			return runPipeline(skipFetch)
		},
	}
	cmd.Flags().Bool("skip-fetch", false, "Transform already-captured events without contacting the portal")
	return cmd
}

func runPipeline(skipFetch bool) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	p := dataPaths(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := &event.Store{Path: p.events}

	if !skipFetch {
		if err := cfg.ValidateFetch(); err != nil {
			return fmt.Errorf("fetch configuration invalid: %w", err)
		}
		client, err := lims.New(cfg.LIMSURL, cfg.LIMSUsername, cfg.LIMSPassword, logger)
		if err != nil {
			return fmt.Errorf("build lims client: %w", err)
		}
		if err := client.Login(ctx); err != nil {
			return fmt.Errorf("lims login: %w", err)
		}

		to := time.Now()
		from := to.AddDate(0, 0, -(cfg.FetchDays - 1))
		events, err := client.FetchEvents(ctx, from, to)
		if err != nil {
			return fmt.Errorf("lims fetch: %w", err)
		}

		added, err := store.Append(events)
		if err != nil {
			return fmt.Errorf("append events: %w", err)
		}
		logger.Info().Int("fetched", len(events)).Int("added", added).Msg("event store updated")
	}

	cat, err := catalog.Load(cfg.PriceListPath, logger)
	if err != nil {
		return fmt.Errorf("load test catalog %s: %w", cfg.PriceListPath, err)
	}

	ckStore := checkpoint.Store{Path: p.checkpoint}
	ck, err := ckStore.Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	completionLog := completion.Log{Path: p.completions}
	completions, err := completionLog.Load(logger)
	if err != nil {
		return fmt.Errorf("load completion log: %w", err)
	}

	engine := &tat.Engine{
		Catalog:     cat,
		Checkpoint:  ck,
		Completions: completions,
		Client:      cfg.ClientIdentifier,
		Logger:      logger,
	}
	result, err := engine.Run(store)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	logger.Info().
		Int("tests", len(result.Tests)).
		Int("specimens", len(result.Specimens)).
		Int("new_invoices", len(result.NewlyProcessed)).
		Int("skipped_processed", result.SkippedProcessed).
		Int("invalid_lab_numbers", len(result.InvalidLabNos)).
		Int("unmatched_test_names", len(result.UnmatchedNames)).
		Msg("transform finished")

	if len(result.Tests) == 0 && len(result.Specimens) == 0 {
		logger.Info().Msg("nothing new to persist")
		return nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	repo := tat.NewRepoPG(pool)
	if err := repo.UpsertTests(ctx, result.Tests); err != nil {
		return err
	}
	if err := repo.UpsertSpecimens(ctx, result.Specimens); err != nil {
		return err
	}

	// Checkpoint is committed only after the database writes succeed, so
	// a failed run is retried in full.
	ck.Add(result.NewlyProcessed...)
	ck.SetLastRun(time.Now())
	if err := ckStore.Save(ck); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	logger.Info().Int("processed_invoices", ck.Len()).Msg("run complete")
	return nil
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Scan for completion files and backfill provisional specimens",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateScan(); err != nil {
				return fmt.Errorf("scan configuration invalid: %w", err)
			}
			p := dataPaths(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			scanner := &completion.Scanner{
				SourceDir:    cfg.SourceFolder,
				LastRunPath:  p.scanCursor,
				DefaultStart: cfg.ScanStart(),
				Logger:       logger,
			}
			index, found, err := scanner.Scan(ctx, completion.Log{Path: p.completions})
			if err != nil {
				return fmt.Errorf("completion scan: %w", err)
			}
			logger.Info().Int("new_files", found).Int("known_completions", index.Len()).Msg("scan finished")

			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			rec := &tat.Reconciler{
				Repo:        tat.NewRepoPG(pool),
				Completions: index,
				Resolver:    &event.Store{Path: p.events},
				Logger:      logger,
			}
			stats, err := rec.Run(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			logger.Info().
				Int("provisional", stats.Provisional).
				Int("reconciled", stats.Reconciled).
				Int("still_open", stats.StillOpen).
				Msg("reconcile complete")
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the results share for completion files",
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")
			logger := newLogger()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateScan(); err != nil {
				return fmt.Errorf("scan configuration invalid: %w", err)
			}
			p := dataPaths(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			scanner := &completion.Scanner{
				SourceDir:    cfg.SourceFolder,
				LastRunPath:  p.scanCursor,
				DefaultStart: cfg.ScanStart(),
				Logger:       logger,
			}
			log := completion.Log{Path: p.completions}

			if watch {
				return scanner.Watch(ctx, log)
			}

			index, found, err := scanner.Scan(ctx, log)
			if err != nil {
				return err
			}
			logger.Info().Int("new_files", found).Int("known_completions", index.Len()).Msg("scan finished")
			return nil
		},
	}
	cmd.Flags().Bool("watch", false, "Keep watching the share for new completion files")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the reporting API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	tat.NewHandler(tat.NewRepoPG(pool)).RegisterRoutes(apiV1)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}
