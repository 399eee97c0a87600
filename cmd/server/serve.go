package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ashureev/wa-scheduler/internal/api"
	"github.com/ashureev/wa-scheduler/internal/cleanup"
	"github.com/ashureev/wa-scheduler/internal/config"
	"github.com/ashureev/wa-scheduler/internal/dispatch"
	"github.com/ashureev/wa-scheduler/internal/health"
	"github.com/ashureev/wa-scheduler/internal/identity"
	"github.com/ashureev/wa-scheduler/internal/lock"
	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/middleware"
	"github.com/ashureev/wa-scheduler/internal/monitor"
	"github.com/ashureev/wa-scheduler/internal/scheduler"
	"github.com/ashureev/wa-scheduler/internal/sealed"
	"github.com/ashureev/wa-scheduler/internal/session"
	"github.com/ashureev/wa-scheduler/internal/store"
	"github.com/ashureev/wa-scheduler/internal/stream"
	"github.com/ashureev/wa-scheduler/internal/telemetry"
)

const healthRefreshInterval = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and session sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level <= slog.LevelDebug:
		return zerolog.DebugLevel
	case level <= slog.LevelInfo:
		return zerolog.InfoLevel
	case level <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(ctx context.Context) error {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)
	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment(), "version", version)

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	// Initialize dependencies.
	var repo store.Repository
	repo, err = store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	cipher, err := sealed.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("initialize field encryption: %w", err)
	}

	waLogger := zerolog.New(os.Stdout).Level(zerologLevel(cfg.LogLevel)).With().
		Timestamp().Str("component", "whatsmeow").Logger()
	provider, err := messaging.NewWhatsmeowProvider(ctx, cfg.WADBPath, repo, waLogger)
	if err != nil {
		return fmt.Errorf("initialize whatsapp device store: %w", err)
	}
	defer func() {
		if closeErr := provider.Close(); closeErr != nil {
			slog.Error("Failed to close device store", "error", closeErr)
		}
	}()

	var locker lock.Locker = lock.Noop{}
	if cfg.Lock.Enabled {
		locker = lock.NewLeaseLocker(repo)
	}

	// Initialize services.
	hub := stream.NewHub()

	sessionCfg := session.DefaultConfig()
	sessionCfg.InitRetries = cfg.Session.InitRetries
	sessionCfg.StateCacheTTL = cfg.Session.StateCacheTTL
	sessionCfg.LockTTL = cfg.Lock.TTL
	sessionCfg.LockRetry.MaxTries = cfg.Lock.MaxTries
	sessions := session.NewManager(provider, repo, sessionCfg,
		session.WithLocker(locker),
		session.WithPublisher(hub))
	sessions.Start(ctx)

	trigger := scheduler.NewCronTrigger(time.Local)
	dispatcher := dispatch.NewDispatcher(dispatch.NewImageCache(nil))
	sched := scheduler.New(repo, sessions, dispatcher, cipher, trigger)
	armed, err := sched.LoadJobs(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}
	trigger.Start()
	slog.Info("Scheduler started", "armed_jobs", armed)

	cleanupCfg := cleanup.DefaultConfig()
	cleanupCfg.Interval = cfg.Cleanup.Interval
	cleanupCfg.ReportInterval = cfg.Cleanup.ReportInterval
	cleanupCfg.AuthenticatedIdle = cfg.Cleanup.AuthenticatedIdle
	cleanupCfg.PairingIdle = cfg.Cleanup.PairingIdle
	cleanupCfg.MaxSessions = cfg.Cleanup.MaxSessions
	cleanup.NewSweeper(sessions, repo, cleanupCfg, hub.CloseUser).Start(ctx)
	slog.Info("Session sweeper started", "interval", cleanupCfg.Interval, "max_sessions", cleanupCfg.MaxSessions)

	heapCfg := monitor.DefaultConfig()
	heapCfg.MaxHeapMB = cfg.Heap.MaxHeapMB
	heapCfg.GCThresholdMB = cfg.Heap.GCThresholdMB
	monitor.NewHeapMonitor(heapCfg).Start(ctx)

	checks := health.NewAggregator(cfg.Timeout.HealthCheck)
	checks.Register("database", repo.Ping)

	grpcHealth := health.NewGRPCServer(checks, healthRefreshInterval)
	grpcHealth.Start(ctx)
	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		if err := grpcHealth.Serve(grpcLis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()

	// Initialize handlers.
	handler := api.NewHandler(sessions, sched)
	wsHandler := stream.NewWebSocketHandler(hub, sessions, cfg.FrontendURL, cfg.IsDevelopment())
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerDay, 24*time.Hour)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	r.Get("/api/health", checks.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		handler.RegisterRoutes(r, limiter.Middleware)
		r.Get("/ws/session", wsHandler.ServeHTTP)
	})

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("WhatsApp Scheduler is running"))
	})

	// Websocket streams are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		slog.Error("Server failed", "error", runErr)
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	grpcHealth.Stop()
	sched.Stop()
	trigger.Stop(shutdownCtx)
	sessions.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("Server stopped successfully")
	return nil
}
