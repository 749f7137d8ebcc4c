package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "huddle/configs"
	"huddle/pkg/ai"
	"huddle/pkg/api"
	"huddle/pkg/auth"
	"huddle/pkg/engine"
	"huddle/pkg/logger"
	"huddle/pkg/notify"
	tracing "huddle/pkg/observability"
	"huddle/pkg/resilience"
	"huddle/pkg/storage/postgres"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.DefaultConfig("huddle-api"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Tracing
	tracingCfg := tracing.DefaultConfig("huddle-api")
	tracingCfg.Endpoint = cfg.TracingEndpoint
	tracingCfg.Enabled = cfg.TracingEnabled
	traceProvider, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer traceProvider.Shutdown(context.Background())

	// Postgres
	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
	store, err := postgres.NewStore(connStr)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	log.Info("postgres connected")

	// Event fan-out: local registry always, Redis relay when replicated.
	instance := instanceID()
	registry := notify.NewRegistry()
	var broadcaster notify.Broadcaster = registry
	var apiKeyStore auth.APIKeyStore
	if cfg.RedisEnabled {
		relay, err := notify.NewRedisRelay(notify.DefaultRelayConfig(cfg.RedisAddr()), registry, instance, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer relay.Close()
		go relay.Run(ctx)
		broadcaster = relay
		log.Info("redis relay connected", zap.String("instance", instance))

		apiKeyStore = auth.NewRedisAPIKeyStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()}))
	}

	// Auth
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	jwtCfg := auth.DefaultJWTConfig()
	jwtCfg.SecretKey = cfg.JWTSecret
	jwtService, err := auth.NewJWTService(jwtCfg)
	if err != nil {
		log.Fatal("failed to initialize jwt service", zap.Error(err))
	}

	// Question generation, behind a breaker so a struggling provider fails
	// fast instead of stalling every quorum trigger.
	generator := ai.NewGuarded(
		ai.NewClient(cfg.AIServiceURL),
		resilience.NewBreaker("generation", resilience.DefaultConfig()),
	)

	eng := engine.New(store, store, generator, broadcaster, log, engine.Config{
		QuestionCount: cfg.QuestionCount,
		PollInterval:  cfg.PollInterval,
		PollTimeout:   cfg.PollTimeout,
	})

	server := api.NewServer(api.Config{
		Port:        cfg.APIPort,
		Engine:      eng,
		Registry:    registry,
		JWTService:  jwtService,
		APIKeyStore: apiKeyStore,
		Logger:      log,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Error("server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	log.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	cancel()
	log.Info("shutdown complete")
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "api"
	}
	return host + "-" + uuid.NewString()[:8]
}
