package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/leadpilot/ai-gateway/internal/gateway/cache"
	"github.com/leadpilot/ai-gateway/internal/gateway/executor"
	"github.com/leadpilot/ai-gateway/internal/gateway/handlers"
	"github.com/leadpilot/ai-gateway/internal/gateway/service"
	"github.com/leadpilot/ai-gateway/internal/gateway/spend"
	"github.com/leadpilot/ai-gateway/internal/gateway/tenantconfig"
	"github.com/leadpilot/ai-gateway/internal/gateway/usage"
	"github.com/leadpilot/ai-gateway/internal/scoring"
	"github.com/leadpilot/ai-gateway/internal/shared/ailog"
	"github.com/leadpilot/ai-gateway/internal/shared/config"
	"github.com/leadpilot/ai-gateway/internal/shared/database"
	"github.com/leadpilot/ai-gateway/internal/shared/redis"
	"github.com/leadpilot/ai-gateway/internal/shared/secrets"
	"github.com/leadpilot/ai-gateway/internal/shared/tasks"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := ailog.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	log.Printf("Starting AI gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("✓ Connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Connected to Redis")

	// Initialize components
	cipher := secrets.NewCipher(cfg.EncryptionKey)
	resolver := tenantconfig.New(db, cipher, logger, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	exec := executor.New(logger, executor.DefaultOptions())
	responseCache := cache.New(cfg.CacheMaxEntries)
	meter := usage.NewMeter(db, logger.Zap())
	monitor := spend.NewMonitor(db, logger, cfg.SpendAlertThresholdUSD)
	runner := tasks.NewRunner(logger.Zap())
	svc := service.New(resolver, exec, responseCache, meter, monitor, runner, logger)
	log.Println("✓ Initialized AI gateway service")

	predictor := scoring.NewPredictor()
	optimizer := scoring.NewOptimizer(db, predictor, logger.Zap())
	log.Println("✓ Initialized scoring engine")

	// Initialize handlers
	chatHandler := handlers.NewChatHandler(svc)
	scoringHandler := handlers.NewScoringHandler(optimizer, predictor, db, svc, runner, logger.Zap())
	settingsHandler := handlers.NewSettingsHandler(resolver, db)
	usageHandler := handlers.NewUsageHandler(meter, monitor, svc)
	middleware := handlers.NewMiddleware(db, redisClient)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.CORS)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// API routes (with auth and rate limiting)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth)
		r.Use(middleware.RateLimit)

		r.Post("/ai/chat", chatHandler.HandleCompletion)

		r.Post("/scoring/optimize", scoringHandler.HandleOptimize)
		r.Post("/scoring/predict", scoringHandler.HandlePredict)
		r.Post("/scoring/outcome", scoringHandler.HandleOutcome)

		r.Get("/settings/ai", settingsHandler.HandleGet)
		r.Put("/settings/ai", settingsHandler.HandleUpdate)

		r.Get("/usage", usageHandler.HandleUsage)

		r.Get("/admin/spend", usageHandler.HandleSpend)
		r.Get("/admin/cache", usageHandler.HandleCacheStats)
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("🚀 Server listening on http://localhost:%s", cfg.Port)
		log.Println("   POST /v1/ai/chat           - AI completions")
		log.Println("   POST /v1/scoring/optimize  - Retrain scoring weights")
		log.Println("   POST /v1/scoring/predict   - Predict lead conversion")
		log.Println("   POST /v1/scoring/outcome   - Record lead outcome")
		log.Println("   GET  /v1/usage             - Monthly usage report")
		log.Println("   GET  /v1/settings/ai       - Tenant AI settings")
		log.Println("   GET  /health               - Health check")
		log.Println("")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Let in-flight usage accounting and retraining settle.
	runner.Wait()

	log.Println("Server stopped")
}
