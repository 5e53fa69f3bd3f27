package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/mod-gate/internal/adapter/api"
	"github.com/V4T54L/mod-gate/internal/adapter/api/handler"
	"github.com/V4T54L/mod-gate/internal/adapter/llm"
	"github.com/V4T54L/mod-gate/internal/adapter/metrics"
	"github.com/V4T54L/mod-gate/internal/adapter/notifier"
	"github.com/V4T54L/mod-gate/internal/adapter/pattern"
	"github.com/V4T54L/mod-gate/internal/adapter/pii"
	"github.com/V4T54L/mod-gate/internal/adapter/repository/memory"
	"github.com/V4T54L/mod-gate/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/mod-gate/internal/adapter/repository/redis"
	"github.com/V4T54L/mod-gate/internal/adapter/repository/wal"
	"github.com/V4T54L/mod-gate/internal/domain"
	"github.com/V4T54L/mod-gate/internal/hub"
	"github.com/V4T54L/mod-gate/internal/pkg/config"
	"github.com/V4T54L/mod-gate/internal/policy"
	"github.com/V4T54L/mod-gate/internal/prompt"
	"github.com/V4T54L/mod-gate/internal/simulator"
	"github.com/V4T54L/mod-gate/internal/usecase"

	_ "github.com/lib/pq" // Keep for postgres driver
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 startup
// dependency failure, 3 runtime fatal.
const (
	exitConfig  = 1
	exitStartup = 2
	exitRuntime = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfig)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	m := metrics.NewPipelineMetrics()

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Static Configuration: rule sets and prompt templates ---
	matcher, err := pattern.Load(cfg.PatternFile, logger.With("component", "pattern"))
	if err != nil {
		logger.Error("failed to load pattern rules", "path", cfg.PatternFile, "error", err)
		os.Exit(exitConfig)
	}
	registry, err := prompt.Load(cfg.TemplateFile, logger.With("component", "prompt"))
	if err != nil {
		logger.Error("failed to load prompt templates", "path", cfg.TemplateFile, "error", err)
		os.Exit(exitConfig)
	}
	if _, err := registry.Get(cfg.DefaultTemplate); err != nil {
		logger.Error("default template missing from registry", "template", cfg.DefaultTemplate)
		os.Exit(exitConfig)
	}

	// --- WAL ---
	violationWAL, err := wal.NewViolationWAL(cfg.WALDir, cfg.WALSegmentSize, cfg.WALMaxDiskSize, logger.With("component", "wal"))
	if err != nil {
		logger.Error("failed to initialize violation WAL", "dir", cfg.WALDir, "error", err)
		os.Exit(exitStartup)
	}
	defer violationWAL.Close()

	probes := make(map[string]handler.DependencyProbe)

	// --- Violation Store ---
	var violationRepo domain.ViolationRepository
	if cfg.ViolationStoreURL != "" {
		db, err := sql.Open("postgres", cfg.ViolationStoreURL)
		if err != nil {
			logger.Error("failed to open postgres connection", "error", err)
			os.Exit(exitStartup)
		}
		defer db.Close()
		db.SetMaxOpenConns(poolSize(cfg.LLMConcurrency))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(exitStartup)
		}

		pg := postgres.NewViolationRepository(db, logger.With("component", "violation_store"))
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure violations schema", "error", err)
			os.Exit(exitStartup)
		}
		violationRepo = pg
		probes["violation_store"] = db.PingContext
		logger.Info("connected to postgres violation store")
	} else {
		logger.Warn("no violation store configured, history resets on restart")
		violationRepo = memory.NewViolationStore()
	}

	// --- Rate Limiting ---
	fallbackLimiter := memory.NewRateLimitStore(cfg.FilterWindow(), cfg.FilterMaxPerWindow)
	var limiter domain.RateLimitStore = fallbackLimiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("could not connect to redis, starting on the in-process limiter", "error", err)
		}
		defer redisClient.Close()

		store := redisrepo.NewRateLimitStore(redisClient, logger.With("component", "rate_limit"), cfg.FilterWindow(), cfg.FilterMaxPerWindow, fallbackLimiter)
		go store.StartHealthCheck(ctx, 5*time.Second)
		limiter = store
		probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// --- LLM Client ---
	breaker := llm.NewBreaker(llm.BreakerConfig{
		FailureRatio: cfg.CircuitFailureRatio,
		MinSamples:   cfg.CircuitMinSamples,
		Cooldown:     cfg.CircuitCooldown(),
		OnStateChange: func(s llm.State) {
			m.BreakerState.Set(float64(s))
		},
		Logger: logger.With("component", "breaker"),
	})
	pressure := llm.NewOverloadTracker(llm.OverloadConfig{Logger: logger.With("component", "pressure")})
	llmClient := llm.NewClient(llm.Config{
		Endpoint:    cfg.LLMEndpoint,
		APIKey:      cfg.LLMAPIKey,
		Model:       cfg.LLMModel,
		Timeout:     cfg.LLMTimeout(),
		MaxRetries:  cfg.LLMMaxRetries,
		Concurrency: cfg.LLMConcurrency,
		Logger:      logger.With("component", "llm"),
	}, breaker, pressure, m)

	// --- Hub, Notifier, Use Cases ---
	sessionHub := hub.New(cfg.SessionQueueSize, logger.With("component", "hub"), m)
	go sessionHub.StartSweep(ctx, cfg.SessionSweep())

	var sink domain.NotificationSink
	if cfg.NotificationURL != "" {
		sink = notifier.NewWebhookNotifier(cfg.NotificationURL, logger.With("component", "notifier"))
	} else {
		sink = notifier.NewStdoutNotifier()
	}

	engine := policy.NewEngine(logger.With("component", "policy"))
	decideUC := usecase.NewDecideUseCase(engine, violationRepo, violationWAL, sessionHub, sink, logger.With("component", "decide"), m, cfg.EnableNotifications)
	filterUC := usecase.NewFilterUseCase(limiter, matcher, cfg.EnableLightweightFilter, logger.With("component", "filter"), m)
	eventCache := memory.NewEventCache(cfg.DedupTTL())
	moderateUC := usecase.NewModerateUseCase(filterUC, registry, llmClient, violationRepo, decideUC, eventCache, logger.With("component", "moderate"), m, cfg.DefaultTemplate, cfg.ModerateDeadline())

	sim := simulator.NewSimulator(moderateUC, logger.With("component", "simulator"), cfg.SimInterval())
	redactor := pii.NewRedactor(cfg.PIIRedactFields, logger.With("component", "pii"))

	// --- HTTP Surface ---
	moderateHandler := handler.NewModerateHandler(moderateUC, filterUC, decideUC, registry, redactor, logger.With("component", "api"), cfg.ModerateDeadline())
	opsHandler := handler.NewOpsHandler(registry, matcher, violationRepo, breaker, sessionHub, sim, probes, logger.With("component", "api"))
	sessionHandler := handler.NewSessionHandler(ctx, sessionHub, moderateUC, sim, redactor, logger.With("component", "session"), cfg.SessionPing())

	router := api.NewRouter(logger.With("component", "http"), moderateHandler, opsHandler, sessionHandler)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Responses wait on the pipeline deadline; give them headroom.
		WriteTimeout: cfg.ModerateDeadline() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting moderation server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("moderation server failed", "error", err)
			os.Exit(exitRuntime)
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down...")

	sim.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("shut down gracefully")
}

// poolSize derives the Postgres pool bound from the pipeline's expected
// concurrency.
func poolSize(llmConcurrency int64) int {
	n := int(llmConcurrency / 2)
	if n < 2 {
		n = 2
	}
	return n
}
