package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/staninnat/auctiond/internal/arbiter"
	"github.com/staninnat/auctiond/internal/auth"
	"github.com/staninnat/auctiond/internal/bus"
	"github.com/staninnat/auctiond/internal/clock"
	"github.com/staninnat/auctiond/internal/closer"
	"github.com/staninnat/auctiond/internal/config"
	"github.com/staninnat/auctiond/internal/gateway"
	"github.com/staninnat/auctiond/internal/health"
	"github.com/staninnat/auctiond/internal/leader"
	"github.com/staninnat/auctiond/internal/notify"
	"github.com/staninnat/auctiond/internal/store"
	"github.com/staninnat/auctiond/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/staninnat/auctiond/internal/store/memstore"
	_ "github.com/staninnat/auctiond/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (postgres or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Connect the pub/sub bus.
	auctionBus, err := bus.NewRedis(ctx, cfg.Bus.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer auctionBus.Close()

	// Token verification.
	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return fmt.Errorf("loading token verifier: %w", err)
	}

	// Core components.
	arb := arbiter.New(repos.Txs, clk, logger, tp.TracerProvider, cfg.Arbiter.BidTimeout)
	gw := gateway.New(arb, auctionBus, verifier, logger, tp.TracerProvider)

	dispatcher := notify.NewDispatcher(notify.LogNotifier{Logger: logger}, logger, cfg.Closer.MaxRetries)
	defer dispatcher.Wait()
	sweeper := closer.New(repos.Txs, dispatcher, clk, logger, tp.TracerProvider, cfg.Closer.Interval)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{Name: "database", Check: repos.Ping},
	)

	// HTTP router: websocket gateway plus health probes.
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	gw.Routes(r)
	r.Get("/healthz", healthHandler.LivenessHandler())
	r.Get("/readyz", healthHandler.ReadinessHandler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting gateway server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "gateway server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	// The closer sweep runs on one replica only when leader election is
	// enabled; gateways serve everywhere.
	if cfg.LeaderElection.Enabled {
		go func() {
			runErr := leader.Run(ctx, cfg.LeaderElection, logger,
				func(leadCtx context.Context) { sweeper.Run(leadCtx) },
				func() { logger.Info("lost closer leadership") },
			)
			if runErr != nil {
				logger.ErrorContext(ctx, "leader election error", slog.Any("error", runErr))
			}
		}()
	} else {
		go sweeper.Run(ctx)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down...")

	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
