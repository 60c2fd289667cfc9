package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dealbrain/valuation/internal/actions"
	"github.com/dealbrain/valuation/internal/bus"
	"github.com/dealbrain/valuation/internal/cache"
	"github.com/dealbrain/valuation/internal/coordinator"
	"github.com/dealbrain/valuation/internal/domain"
	"github.com/dealbrain/valuation/internal/formula"
	"github.com/dealbrain/valuation/internal/hydrator"
	"github.com/dealbrain/valuation/internal/repository"
	"github.com/dealbrain/valuation/internal/rules"
	"github.com/dealbrain/valuation/internal/tracing"
	"github.com/dealbrain/valuation/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEALBRAIN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting dealbrain-core",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg := domain.DefaultConfig()

	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEALBRAIN_SCALE"))) {
	case "", "default":
		// Defaults already applied.
	case "distributed":
		cfg = domain.DistributedConfig()
		slog.Info("running in distributed scale profile")
	default:
		slog.Warn("unsupported DEALBRAIN_SCALE value; falling back to default profile", "value", os.Getenv("DEALBRAIN_SCALE"))
	}

	applyEnvOverrides(cfg)
	tracing.Configure(cfg.Tracing)

	slog.Info("configuration loaded",
		"scale", cfg.Scale,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	sandbox, err := formula.NewSandbox(cfg.Worker.FormulaTimeout)
	if err != nil {
		slog.Error("failed to initialize formula sandbox", "error", err)
		os.Exit(1)
	}

	evaluator := actions.NewEvaluator(sandbox, 0)
	engine := rules.NewEngine(evaluator)
	hyd := hydrator.New(repo, sandbox, logger)

	coord := coordinator.New(repo, engine, hyd, busImpl, logger).WithCache(cacheImpl)
	slog.Info("valuation coordinator initialized")

	recomputeWorker := worker.NewWorker(busImpl, repo, coord, worker.Config{
		BatchSize:   cfg.Worker.BatchSize,
		WorkerCount: cfg.Worker.Workers,
	})
	coord.WithWorker(recomputeWorker)
	if err := recomputeWorker.Start(); err != nil {
		slog.Error("failed to start recompute worker", "error", err)
		os.Exit(1)
	}
	slog.Info("recompute worker started",
		"workers", cfg.Worker.Workers,
		"batch_size", cfg.Worker.BatchSize,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := recomputeWorker.Stop(); err != nil {
		slog.Error("failed to stop recompute worker", "error", err)
	}

	slog.Info("dealbrain-core shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  Deal Brain valuation core")
	fmt.Printf("  Version:    %s\n", version)
	fmt.Printf("  Scale:      %s\n", cfg.Scale)
	fmt.Printf("  Repository: %s\n", cfg.Repository.Driver)
	fmt.Printf("  Cache:      %s\n", cfg.Cache.Type)
	fmt.Printf("  Event bus:  %s\n", cfg.EventBus.Type)
	fmt.Println()
}

// applyEnvOverrides applies environment variable overrides to the config.
// This enables configuration via environment for Docker/Kubernetes deployments.
func applyEnvOverrides(cfg *domain.Config) {
	if driver := os.Getenv("DEALBRAIN_DB_DRIVER"); driver != "" {
		cfg.Repository.Driver = driver
	}
	if path := os.Getenv("DEALBRAIN_SQLITE_PATH"); path != "" {
		cfg.Repository.SQLitePath = path
	}

	if host := os.Getenv("DEALBRAIN_POSTGRES_HOST"); host != "" {
		cfg.Repository.PostgresHost = host
	}
	if port := os.Getenv("DEALBRAIN_POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Repository.PostgresPort = p
		}
	}
	if user := os.Getenv("DEALBRAIN_POSTGRES_USER"); user != "" {
		cfg.Repository.PostgresUser = user
	}
	if password := os.Getenv("DEALBRAIN_POSTGRES_PASSWORD"); password != "" {
		cfg.Repository.PostgresPassword = password
	}
	if db := os.Getenv("DEALBRAIN_POSTGRES_DB"); db != "" {
		cfg.Repository.PostgresDB = db
	}
	if sslMode := os.Getenv("DEALBRAIN_POSTGRES_SSLMODE"); sslMode != "" {
		cfg.Repository.PostgresSSLMode = sslMode
	}

	if cacheType := os.Getenv("DEALBRAIN_CACHE_TYPE"); cacheType != "" {
		cfg.Cache.Type = cacheType
	}
	if addr := os.Getenv("DEALBRAIN_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if password := os.Getenv("DEALBRAIN_REDIS_PASSWORD"); password != "" {
		cfg.Cache.RedisPassword = password
	}
	if db := os.Getenv("DEALBRAIN_REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			cfg.Cache.RedisDB = d
		}
	}

	if busType := os.Getenv("DEALBRAIN_BUS_TYPE"); busType != "" {
		cfg.EventBus.Type = busType
	}
	if url := os.Getenv("DEALBRAIN_NATS_URL"); url != "" {
		cfg.EventBus.NATSUrl = url
	}

	if workers := os.Getenv("DEALBRAIN_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			cfg.Worker.Workers = w
		}
	}
	if batchSize := os.Getenv("DEALBRAIN_BATCH_SIZE"); batchSize != "" {
		if b, err := strconv.Atoi(batchSize); err == nil {
			cfg.Worker.BatchSize = b
		}
	}
}
