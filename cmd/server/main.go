// Midterm study planner server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashureev/midterm-planner/internal/api"
	"github.com/ashureev/midterm-planner/internal/config"
	"github.com/ashureev/midterm-planner/internal/coordinator"
	"github.com/ashureev/midterm-planner/internal/estimation"
	"github.com/ashureev/midterm-planner/internal/expiry"
	"github.com/ashureev/midterm-planner/internal/export"
	"github.com/ashureev/midterm-planner/internal/extraction"
	"github.com/ashureev/midterm-planner/internal/idempotency"
	"github.com/ashureev/midterm-planner/internal/ingestion"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/middleware"
	"github.com/ashureev/midterm-planner/internal/pipeline"
	"github.com/ashureev/midterm-planner/internal/planner"
	"github.com/ashureev/midterm-planner/internal/retry"
	"github.com/ashureev/midterm-planner/internal/revision"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/telemetry"
	"github.com/ashureev/midterm-planner/internal/trace"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
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
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("Unknown log level, keeping info", "log_level", cfg.LogLevel)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	hub := trace.NewHub()
	tr := trace.New(repo, hub)
	if cfg.RedisAddr != "" {
		relay, err := trace.NewRelay(ctx, cfg.RedisAddr, instanceID(), hub)
		if err != nil {
			slog.Warn("Trace relay unavailable, observers only see local events", "error", err)
		} else {
			defer relay.Close()
			if err := relay.Start(ctx); err != nil {
				slog.Warn("Failed to subscribe trace relay", "error", err)
			} else {
				tr.SetRelay(relay)
				slog.Info("Trace relay connected", "redis_addr", cfg.RedisAddr)
			}
		}
	}

	machine := lifecycle.New(repo, tr, nil)

	// Initialize the extraction collaborator (optional).
	var service extraction.Collaborator
	var extractionPinger api.Pinger
	if cfg.Extraction.Addr != "" {
		slog.Info("Connecting to extraction service via gRPC", "address", cfg.Extraction.Addr)
		client, err := extraction.NewGrpcClient(extraction.GrpcClientConfig{
			Address:        cfg.Extraction.Addr,
			APIKey:         cfg.Extraction.APIKey,
			RequestTimeout: cfg.Extraction.RequestTimeout,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to extraction service, using heuristic fallback", "error", err)
		} else {
			defer client.Close()
			service = client
			extractionPinger = client
		}
	}
	if service == nil {
		slog.Info("Extraction service disabled, heuristics answer every request")
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Extraction.MaxRetries
	policy.Base = cfg.Extraction.RetryBase
	policy.MaxSleep = cfg.Extraction.RetryMaxSleep
	collab := extraction.NewResilient(service, policy, logger)

	sink, closeSink, err := newSink(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize artifact storage", "error", err)
		os.Exit(1)
	}
	defer closeSink()

	// Initialize services.
	svc := api.Services{
		Coordinator: coordinator.New(repo, machine, tr),
		Ingestion: ingestion.NewService(repo, idempotency.New(repo), machine, tr, collab, ingestion.Config{
			MaxChunkChars:   cfg.Ingestion.MaxChunkChars,
			FileConcurrency: cfg.Ingestion.FileConcurrency,
		}),
		Estimation: estimation.NewService(repo, machine, tr, collab, estimation.Bounds{
			MinMinutes: cfg.Policy.EstimateMin,
			MaxMinutes: cfg.Policy.EstimateMax,
		}),
		Planner: planner.NewService(repo, machine, tr, plannerConfig(cfg.Policy)),
		Export:  export.NewService(repo, machine, tr, sink),
		Trace:   tr,
	}
	svc.Pipeline = pipeline.New(svc.Coordinator, svc.Ingestion, svc.Estimation, svc.Planner, svc.Export)

	// Initialize handlers.
	handler := api.NewHandler(repo, svc)
	healthHandler := api.NewHealthHandler(repo, extractionPinger)
	origins := middleware.Origins(cfg.FrontendURL)
	streamHandler := api.NewTraceStream(handler, hub, hostPatterns(origins))

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	healthHandler.RegisterHealth(r)
	handler.RegisterRoutes(r)
	streamHandler.RegisterRoutes(r)

	// Stage calls may wait on the extraction service, so WriteTimeout stays
	// off; websocket streams are long-lived too.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start expiry worker.
	expiry.Start(ctx, repo, cfg.ExpirySweepInterval, cfg.SessionTTL, hub.CloseSession)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func plannerConfig(p config.Policy) planner.Config {
	return planner.Config{
		Policy: revision.Policy{
			BaseCap:       p.DailyCap,
			HardCap:       p.HardDailyCap,
			CapStep:       p.CapStep,
			MaxRounds:     p.MaxRounds,
			AllowWidening: p.AllowWidening,
		},
		MinBlock:     p.MinBlock,
		MaxBlock:     p.MaxBlock,
		RestDay:      p.RestDay,
		RestFraction: p.RestFraction,
	}
}

// newSink writes to GCS when a bucket is configured and to the local
// artifacts directory otherwise.
func newSink(ctx context.Context, cfg *config.Config) (export.Sink, func(), error) {
	if cfg.ArtifactsBucket == "" {
		slog.Info("Artifacts stored locally", "dir", cfg.ArtifactsDir)
		return export.DirSink{Root: cfg.ArtifactsDir}, func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Artifacts stored in GCS", "bucket", cfg.ArtifactsBucket, "prefix", cfg.ArtifactsPrefix)
	return export.NewGCSSink(client, cfg.ArtifactsBucket, cfg.ArtifactsPrefix), func() {
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close storage client", "error", err)
		}
	}, nil
}

// hostPatterns turns CORS origins into websocket origin host patterns.
func hostPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "planner"
	}
	return host + "-" + uuid.NewString()[:8]
}
