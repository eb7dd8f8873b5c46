// Package main provides the entry point for the OpsMend server: the
// incident lifecycle engine and its operator gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opsmend/opsmend/internal/advisor"
	"github.com/opsmend/opsmend/internal/api"
	"github.com/opsmend/opsmend/internal/config"
	"github.com/opsmend/opsmend/internal/engine"
	"github.com/opsmend/opsmend/internal/executor"
	"github.com/opsmend/opsmend/internal/notify"
	"github.com/opsmend/opsmend/internal/resolve"
	"github.com/opsmend/opsmend/internal/runbook"
	"github.com/opsmend/opsmend/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("OpsMend %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	// Load .env if present; real env vars win.
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting OpsMend",
		zap.String("version", Version),
		zap.Bool("approval_mode", cfg.Engine.ApprovalMode))

	var st store.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: os.Getenv(cfg.Redis.PasswordEnv),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		st = store.NewRedisStore(client, logger)
		logger.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
	} else {
		st = store.NewMemStore()
		logger.Warn("using in-memory store, incidents will not survive restarts")
	}

	runbooks, err := loadRunbooks(cfg.Engine)
	if err != nil {
		logger.Fatal("failed to load runbooks", zap.Error(err))
	}

	var adv advisor.Advisor
	if cfg.Advisor.Enabled {
		adv = advisor.NewOpenAI(advisor.Config{
			APIKey:        os.Getenv(cfg.Advisor.APIKeyEnv),
			BaseURL:       cfg.Advisor.BaseURL,
			Model:         cfg.Advisor.Model,
			Timeout:       cfg.Advisor.Timeout,
			ArchiveBucket: cfg.Engine.ArchiveBucket,
		}, runbooks, logger)
	} else {
		adv = advisor.NewFallback(runbooks)
		logger.Info("advisor disabled, using deterministic fallbacks only")
	}

	exec := executor.NewAgentClient(executor.AgentConfig{
		BaseURL:      cfg.Executor.BaseURL,
		Timeout:      cfg.Executor.Timeout,
		PollInterval: cfg.Executor.PollInterval,
		MaxPolls:     cfg.Executor.MaxPolls,
	}, logger)

	resolver := resolve.NewResolver(
		resolve.NewHTTPInventory(cfg.Inventory.BaseURL, cfg.Inventory.Timeout), logger)

	hub := notify.NewHub(logger)

	eng := engine.New(
		engine.Config{ApprovalMode: cfg.Engine.ApprovalMode},
		st, resolver, adv, exec, runbooks,
		engine.NotifierFunc(func(e engine.Event) { hub.Broadcast(e) }),
		logger,
	)

	gateway := api.NewServer(eng, st, hub, cfg.Server.RateLimit, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gateway.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	// Let in-flight background remediations finalize through the store.
	eng.Wait()
	logger.Info("server stopped")
}

func loadRunbooks(cfg config.EngineConfig) (*runbook.Library, error) {
	if cfg.RunbookPath != "" {
		return runbook.LoadLibrary(cfg.RunbookPath, cfg.ArchiveBucket)
	}
	return runbook.DefaultLibrary(cfg.ArchiveBucket), nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	switch cfg.Level {
	case "debug":
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zc.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return zc.Build()
}
