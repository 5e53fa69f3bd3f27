package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/adapter/repository/postgres"
	"github.com/V4T54L/mod-gate/internal/adapter/repository/wal"
	"github.com/V4T54L/mod-gate/internal/pkg/config"
	"github.com/V4T54L/mod-gate/internal/usecase"
)

// The sweeper owns retention: it replays WAL spills into the violation
// store and purges rows past the retention window. It runs beside the
// moderator as a separate process so a slow purge never competes with
// the request path.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	log.Info("starting violation sweeper")

	if cfg.ViolationStoreURL == "" {
		log.Error("VIOLATION_STORE_URL is required for the sweeper")
		os.Exit(1)
	}

	m := metrics.NewPipelineMetrics()

	// Create a context that we can cancel on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info("shutdown signal received, stopping sweeper...")
		cancel()
	}()

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.ViolationStoreURL)
	if err != nil {
		log.Error("failed to open postgres connection", "error", err)
		os.Exit(2)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(2)
	}
	log.Info("connected to postgres")

	repo := postgres.NewViolationRepository(db, log.With("component", "violation_store"))
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure violations schema", "error", err)
		os.Exit(2)
	}

	violationWAL, err := wal.NewViolationWAL(cfg.WALDir, cfg.WALSegmentSize, cfg.WALMaxDiskSize, log.With("component", "wal"))
	if err != nil {
		log.Error("failed to open violation WAL", "dir", cfg.WALDir, "error", err)
		os.Exit(2)
	}
	defer violationWAL.Close()

	maintainUC := usecase.NewMaintainViolationsUseCase(repo, violationWAL, log.With("component", "sweep"), m, cfg.Retention())

	// First pass right away; restarts should not wait a full interval
	// to drain the WAL.
	if err := maintainUC.Sweep(ctx); err != nil {
		log.Error("initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(cfg.SweepInterval())
	defer ticker.Stop()

	log.Info("sweeper started", "interval", cfg.SweepInterval().String(), "retention", cfg.Retention().String())

Loop:
	for {
		select {
		case <-ticker.C:
			if err := maintainUC.Sweep(ctx); err != nil {
				log.Error("sweep failed", "error", err)
			}
		case <-ctx.Done():
			log.Info("context cancelled, shutting down sweep loop")
			break Loop
		}
	}

	log.Info("sweeper shut down gracefully")
}
