package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-server-go/internal/backoff"
	"github.com/openclaw/session-server-go/internal/config"
	"github.com/openclaw/session-server-go/internal/database"
	"github.com/openclaw/session-server-go/internal/handler"
	"github.com/openclaw/session-server-go/internal/jobs"
	"github.com/openclaw/session-server-go/internal/middleware"
	"github.com/openclaw/session-server-go/internal/redis"
	"github.com/openclaw/session-server-go/internal/repository"
	"github.com/openclaw/session-server-go/internal/session"
	"github.com/openclaw/session-server-go/internal/sse"
	"github.com/openclaw/session-server-go/internal/transport"
	"github.com/openclaw/session-server-go/internal/vault"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	instanceID := uuid.NewString()
	log.Info().Str("instanceId", instanceID).Msg("starting session server")

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)
	store := session.NewStore(sessionRepo, cfg.StoreReadTimeout())

	encryptionKey, err := cfg.EncryptionKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid encryption key")
	}
	credentialVault, err := vault.New(encryptionKey, cfg.CredentialCacheDir, sessionRepo, cfg.StoreReadTimeout())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential vault")
	}

	guard := session.NewCooldownGuard(store, cfg.FailureCooldown(), cfg.GeneralCooldown())
	defer guard.Stop()

	qrManager := session.NewQRManager(redisClient, store, cfg.QRTTL())
	defer qrManager.Stop()

	nonRetryable, err := cfg.NonRetryableStatusCodes()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid non-retryable status codes")
	}
	scheduler := session.NewScheduler(backoff.Policy{
		Initial:     cfg.ReconnectBaseDelay(),
		Growth:      backoff.GrowthExponential,
		Cap:         cfg.ReconnectMaxDelay(),
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}, nonRetryable)
	defer scheduler.Stop()

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	dialer := transport.NewDialer(redisClient)

	registry := session.NewRegistry(
		instanceID, dialer, store, credentialVault,
		guard, qrManager, scheduler, broker, broker,
	)
	defer registry.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client, config.DefaultRateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	sessionHandler := handler.NewSessionHandler(registry)
	eventsHandler := handler.NewEventsHandler(broker, registry)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1/agents", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Get("/{agentID}/events", eventsHandler.ServeHTTP)
		r.With(rateLimitMiddleware.Handler).Mount("/", sessionHandler.Routes())
	})

	cleanupJob := jobs.NewCleanupJob(sessionRepo, cfg.QRTTL(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	if _, err := sessionRepo.ReleaseInstance(shutdownCtx, instanceID); err != nil {
		log.Warn().Err(err).Msg("failed to clear ownership on shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
