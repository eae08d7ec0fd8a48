package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zfogg/sidechain/realtime/internal/auth"
	"github.com/zfogg/sidechain/realtime/internal/cache"
	"github.com/zfogg/sidechain/realtime/internal/config"
	"github.com/zfogg/sidechain/realtime/internal/database"
	"github.com/zfogg/sidechain/realtime/internal/logger"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
	"github.com/zfogg/sidechain/realtime/internal/middleware"
	"github.com/zfogg/sidechain/realtime/internal/relay"
	"github.com/zfogg/sidechain/realtime/internal/repository"
	"github.com/zfogg/sidechain/realtime/internal/telemetry"
	"github.com/zfogg/sidechain/realtime/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using system environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Initialize(cfg.Log.Level, cfg.Log.File); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	if err := run(cfg); err != nil {
		logger.Log.Fatal("Gateway stopped with error", zap.Error(err))
	}
	logger.Log.Info("Server exited")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.Initialize()

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		ServiceName:  cfg.Service.Name,
		Environment:  cfg.Service.Environment,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Enabled:      cfg.Telemetry.Enabled,
		SamplingRate: cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Log.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}()

	var redisClient *cache.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	policy, err := websocket.ParseFanoutPolicy(cfg.Fanout.PostPolicy)
	if err != nil {
		return err
	}

	var followers websocket.FollowerSource
	if policy == websocket.FanoutFollowers {
		db, err := openFollowGraph(cfg)
		if err != nil {
			return err
		}
		defer database.Close(db)

		repo := repository.NewFollowRepository(db, cfg.Fanout.FollowerLimit)
		followers = repo
		if redisClient != nil {
			followers = cache.NewFollowerCache(redisClient, repo, cfg.Fanout.FollowerCacheTTL, m)
		}
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	hub := websocket.NewHub(websocket.HubConfig{
		Verifier:      verifier,
		VerifyTimeout: cfg.Auth.VerifyTimeout,
		Registry:      websocket.NewRegistry(),
		Metrics:       m,
		PostFanout:    policy,
		Followers:     followers,
	})

	bus, err := openRelay(cfg, redisClient)
	if err != nil {
		return err
	}
	var dispatcher websocket.Dispatcher = hub
	if bus != nil {
		defer bus.Close()
		if _, err := relay.NewSubscriber(bus, hub, m).Start(ctx); err != nil {
			return err
		}
		dispatcher = relay.NewPublisher(bus, m)
		logger.Log.Info("Event relay enabled", zap.String("backend", cfg.Relay.Backend))
	}

	wsHandler := websocket.NewHandler(hub, dispatcher, websocket.HandlerConfig{
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		AuthTimeout:    cfg.Auth.VerifyTimeout,
		ReadLimit:      cfg.WebSocket.MaxMessageSize,
		Client: websocket.ClientOptions{
			SendBufferSize: cfg.WebSocket.SendBufferSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
		},
	})

	limitConfig := middleware.RateLimitConfig{
		Limit:  cfg.WebSocket.ConnectRateLimit,
		Window: cfg.WebSocket.ConnectRateWindow,
	}
	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = middleware.NewRedisLimiter(redisClient, limitConfig)
	} else {
		memLimiter := middleware.NewMemoryLimiter(limitConfig)
		defer memLimiter.Stop()
		limiter = memLimiter
	}

	router := newRouter(routerDeps{
		cfg:       cfg,
		handler:   wsHandler,
		verifier:  verifier,
		limiter:   limiter,
		limit:     limitConfig,
		metrics:   m,
		readiness: readinessCheck(redisClient),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Service.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Realtime gateway starting",
			zap.String("port", cfg.Service.Port),
			zap.String("post_fanout", string(policy)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Clients get server:shutdown before the listener stops.
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("WebSocket shutdown warning", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}

func openFollowGraph(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database, cfg.Service.Environment == "development")
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			_ = database.Close(db)
			return nil, err
		}
	}
	return db, nil
}

func openRelay(cfg *config.Config, redisClient *cache.RedisClient) (relay.Bus, error) {
	switch cfg.Relay.Backend {
	case "redis":
		return relay.NewRedisBus(redisClient.Raw(), cfg.Redis.RelayChannel), nil
	case "nats":
		return relay.ConnectNATS(cfg.Relay.NATSURL, cfg.Service.Name, cfg.Relay.NATSSubject)
	default:
		return nil, nil
	}
}

func readinessCheck(redisClient *cache.RedisClient) func(context.Context) error {
	if redisClient == nil {
		return nil
	}
	return redisClient.Ping
}
