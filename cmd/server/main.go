// CPS Scaffolding Coordinator server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/cps-scaffold/internal/api"
	"github.com/ashureev/cps-scaffold/internal/arbiter"
	"github.com/ashureev/cps-scaffold/internal/config"
	"github.com/ashureev/cps-scaffold/internal/events"
	"github.com/ashureev/cps-scaffold/internal/i18n"
	"github.com/ashureev/cps-scaffold/internal/intent"
	"github.com/ashureev/cps-scaffold/internal/ledger"
	"github.com/ashureev/cps-scaffold/internal/observability"
	"github.com/ashureev/cps-scaffold/internal/questionbank"
	"github.com/ashureev/cps-scaffold/internal/reasoner"
	"github.com/ashureev/cps-scaffold/internal/sessionlock"
	"github.com/ashureev/cps-scaffold/internal/store"
	"github.com/ashureev/cps-scaffold/internal/turns"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "reasoner", cfg.Reasoner.Provider, "dev", cfg.IsDevelopment())

	observability.InitMetrics()
	shutdownTracing, err := observability.SetupTracing(observability.TracingConfig{Stdout: cfg.OTelTracesStdout})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Storage.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Read-only resources.
	translator, err := i18n.New(cfg.Locale)
	if err != nil {
		return err
	}
	bank, err := loadBank(cfg.QuestionBankPath)
	if err != nil {
		return err
	}
	detector, err := loadDetector(cfg.IntentKeywordsPath)
	if err != nil {
		return err
	}

	// Reasoning collaborator.
	rsn, err := reasoner.New(ctx, reasoner.Options{
		Provider:      cfg.Reasoner.Provider,
		Model:         cfg.Reasoner.Model,
		APIKey:        cfg.Reasoner.APIKey(),
		BaseURL:       cfg.Reasoner.BaseURL(),
		GRPCAddr:      cfg.Reasoner.GRPCAddr,
		HistoryWindow: cfg.HistoryWindow,
		Bank:          bank,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rsn.Close(); closeErr != nil {
			slog.Warn("Failed to close reasoner", "error", closeErr)
		}
	}()
	slog.Info("Reasoner ready", "provider", rsn.Name())

	// Per-session turn lock.
	var locker sessionlock.Locker = sessionlock.NewLocal()
	if cfg.Redis.Addr != "" {
		redisLocker, err := sessionlock.NewRedis(sessionlock.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := redisLocker.Close(); closeErr != nil {
				slog.Warn("Failed to close redis", "error", closeErr)
			}
		}()
		locker = redisLocker
		slog.Info("Using shared turn lock", "redis_addr", cfg.Redis.Addr)
	}

	// Services.
	hub := events.NewHub(32)
	led := ledger.NewService(repo, logger)
	tracker := turns.NewTracker(repo, cfg.TurnLimits, logger)

	arb, err := arbiter.New(arbiter.Deps{
		Ledger:     led,
		Store:      repo,
		Tracker:    tracker,
		Detector:   detector,
		Reasoner:   rsn,
		Fallbacks:  bank,
		Translator: translator,
		Locker:     locker,
		Events:     hub,
		Logger:     logger,
	}, arbiter.Options{
		Timeout:       cfg.Reasoner.Timeout,
		HistoryWindow: cfg.HistoryWindow,
		Locale:        cfg.Locale,
	})
	if err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		Ledger:         led,
		Turns:          arb,
		Counter:        tracker,
		Export:         repo,
		DB:             repo,
		Hub:            hub,
		Limiter:        api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		AllowedOrigins: cfg.AllowedOrigins,
		IsDev:          cfg.IsDevelopment(),
	})

	// WriteTimeout stays 0 so the WebSocket feed is not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", observability.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		return listen(srv)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			slog.Info("Metrics listening", "addr", metricsSrv.Addr)
			return listen(metricsSrv)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loadBank(path string) (*questionbank.Bank, error) {
	if path == "" {
		return questionbank.Default()
	}
	return questionbank.Load(path)
}

func loadDetector(path string) (*intent.KeywordDetector, error) {
	if path == "" {
		return intent.NewDefaultDetector()
	}
	return intent.Load(path)
}
