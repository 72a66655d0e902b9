// Hostlink - secure inference session client
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

	"github.com/ashureev/hostlink/internal/api"
	"github.com/ashureev/hostlink/internal/config"
	"github.com/ashureev/hostlink/internal/domain"
	"github.com/ashureev/hostlink/internal/engine"
	"github.com/ashureev/hostlink/internal/middleware"
	"github.com/ashureev/hostlink/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting hostlink", "port", cfg.Port, "security", cfg.Host.Security)

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	eng := engine.New(engine.Config{
		ConnectTimeout:    cfg.Tune.ConnectTimeout.Std(),
		PromptIdleTimeout: cfg.Tune.PromptIdleTimeout.Std(),
		KeyTTL:            cfg.Tune.KeyTTL.Std(),
		SendQueueSize:     cfg.Tune.SendQueueSize,
		ReconnectAttempts: cfg.Tune.ReconnectAttempts,
		Logger:            logger,
	}, repo)
	defer eng.Close()

	// Initialize handlers.
	sessionHandler := api.NewSessionHandler(repo, eng, logger)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	origins := []string{"*"}
	if cfg.AllowedOrigin != "" {
		origins = []string{cfg.AllowedOrigin}
	}
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// When a host is configured, open the session up front so the read
	// surface has something to report and key agreement fails fast.
	if cfg.Host.URL != "" {
		sess, err := openSession(ctx, eng, cfg)
		if err != nil {
			slog.Error("Failed to establish host session", "error", err)
			os.Exit(1)
		}
		slog.Info("Host session established",
			"session_id", sess.SessionID,
			"model", sess.Model,
			"security", sess.Security,
		)
		defer func() {
			if err := eng.EndSession(sess.SessionID); err != nil {
				slog.Warn("Failed to end session", "error", err)
			}
		}()
	}

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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func openSession(ctx context.Context, eng *engine.Engine, cfg *config.Config) (*domain.Session, error) {
	params := engine.StartParams{
		Host:     cfg.Host.URL,
		Model:    cfg.Host.Model,
		Security: domain.SecurityMode(cfg.Host.Security),
		JobID:    cfg.Host.JobID,
		ChainID:  cfg.Host.ChainID,
	}
	if params.Security == domain.SecurityEncrypted {
		key, err := cfg.HostPublicKeyBytes()
		if err != nil {
			return nil, err
		}
		params.HostPublicKey = key
	}
	return eng.StartSession(ctx, params)
}
