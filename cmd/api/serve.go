package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-redis/redis/v8"
	_ "github.com/joeyagent/backend/docs"
	"github.com/joeyagent/backend/internal/auth"
	"github.com/joeyagent/backend/internal/config"
	"github.com/joeyagent/backend/internal/handlers"
	"github.com/joeyagent/backend/internal/logger"
	"github.com/joeyagent/backend/internal/middleware"
	"github.com/joeyagent/backend/internal/progress"
	"github.com/joeyagent/backend/internal/repositories"
	"github.com/joeyagent/backend/internal/services"
	"github.com/joeyagent/backend/internal/storage"
	"github.com/spf13/cobra"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
	"gopkg.in/mail.v2"
)

// JSON endpoints get a tighter body limit than uploads
const maxJSONBodySize = 1 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Starts the HTTP API together with the task processor and the stale run sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logger.Init(cfg.Logging.Level, cfg.IsDevelopment()); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log := logger.Logger
	log.Info("Starting Joey agent API", zap.String("env", cfg.AppEnv))

	db, err := connectDB(cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := runMigrations(db); err != nil {
		return err
	}

	broker, err := newBroker(cfg, log)
	if err != nil {
		return err
	}

	if cfg.AnthropicAPIKey == "" {
		log.Warn("ANTHROPIC_API_KEY is not set, project runs are simulated")
	}

	// Repositories
	projectRepo := repositories.NewProjectRepository(db)
	taskLogRepo := repositories.NewTaskLogRepository(db)
	userRepo := repositories.NewUserRepository(db)

	// Services
	var notifier services.CompletionNotifier
	if cfg.SMTP.Host != "" {
		dialer := mail.NewDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
		notifier = services.NewCompletionMailer(dialer, userRepo, cfg.SMTP.From, log)
		log.Info("Completion emails enabled", zap.String("smtp_host", cfg.SMTP.Host))
	}

	processor := services.NewTaskProcessor(
		projectRepo,
		taskLogRepo,
		broker,
		notifier,
		services.PhasesWithDelays(cfg.Processor.PhaseDelays),
		log,
	)
	uploadService := services.NewUploadService(storage.NewLocalStorage(cfg.Uploads.Dir), cfg.Uploads.MaxFileSize, log)
	projectService := services.NewProjectService(projectRepo, taskLogRepo, processor, uploadService, broker, log)
	streamer := services.NewProgressStreamer(projectRepo, taskLogRepo, broker, cfg.Processor.StreamPollInterval, log)
	tokenGenerator := auth.NewTokenGenerator(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	authService := services.NewAuthService(userRepo, tokenGenerator, log)

	sweeper := services.NewStaleRunSweeper(projectRepo, processor, broker, cfg.Processor.RunTimeout, log)
	if err := sweeper.Start(cfg.Processor.SweepSchedule); err != nil {
		return err
	}

	// Middleware
	apiKeyMiddleware := middleware.APIKeyMiddleware(cfg.APIKey)
	authMiddleware := middleware.AuthMiddleware(tokenGenerator)

	// Handlers
	healthHandler := handlers.NewHealthHandler(db, log)
	authHandler := handlers.NewAuthHandler(authService, apiKeyMiddleware, authMiddleware,
		cfg.JWT.AccessTokenExpiry, !cfg.IsDevelopment(), log)
	projectHandler := handlers.NewProjectHandler(projectService, streamer, cfg.CORS.AllowedOrigins, log)
	uploadHandler := handlers.NewUploadHandler(uploadService, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestIDMiddleware)
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.RecoveryMiddleware(log))
	r.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(httprate.LimitByIP(100, time.Minute))
	r.Use(middleware.RequestSizeLimitMiddleware(cfg.Server.MaxRequestSize,
		middleware.PathLimit{Prefix: "/api/projects", MaxBytes: maxJSONBodySize},
		middleware.PathLimit{Prefix: "/api/auth", MaxBytes: maxJSONBodySize},
	))

	healthHandler.RegisterRoutes(r)
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://localhost:%d/swagger/doc.json", cfg.Server.Port)),
	))

	r.Route("/api", func(r chi.Router) {
		authHandler.RegisterRoutes(r)

		// JWT protected
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware)
			projectHandler.RegisterRoutes(r)
			uploadHandler.RegisterRoutes(r)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		log.Error("Server failed", zap.Error(err))
	}

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests while runs are cancelled, so open progress streams
	// receive their final event and drain.
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown(ctx) }()

	if err := processor.Shutdown(ctx); err != nil {
		log.Error("Task processor did not stop in time", zap.Error(err))
	}
	if err := <-shutdownDone; err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		srv.Close()
	}

	sweeper.Stop()
	if err := broker.Close(); err != nil {
		log.Warn("Failed to close progress broker", zap.Error(err))
	}

	log.Info("Server exited")
	return nil
}

// newBroker creates the progress broker selected by PROGRESS_BACKEND
func newBroker(cfg *config.Config, log *zap.Logger) (progress.Broker, error) {
	if cfg.Redis.ProgressBackend != config.ProgressBackendRedis {
		return progress.NewMemoryBroker(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Using Redis progress broker", zap.String("addr", cfg.RedisAddr()))
	return progress.NewRedisBroker(rdb, log), nil
}
