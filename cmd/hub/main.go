package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/match3/battlehub/internal/auth"
	"github.com/match3/battlehub/internal/battleroom"
	"github.com/match3/battlehub/internal/bus"
	"github.com/match3/battlehub/internal/config"
	"github.com/match3/battlehub/internal/health"
	"github.com/match3/battlehub/internal/hub"
	"github.com/match3/battlehub/internal/logging"
	"github.com/match3/battlehub/internal/matchmaker"
	"github.com/match3/battlehub/internal/middleware"
	"github.com/match3/battlehub/internal/ratelimit"
	"github.com/match3/battlehub/internal/tracing"
)

func main() {
	os.Exit(run())
}

// run wires up the battle hub and blocks until a graceful shutdown completes.
// Exit codes follow the hub's documented ops surface: 0 normal, 1 bind
// failure, 2 configuration error.
func run() int {
	envPaths := []string{".env", "../../.env", "../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Initialize(true)
		logging.Error(context.Background(), "configuration invalid", zap.Error(err))
		return 2
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		return 2
	}
	ctx := context.Background()

	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "battlehub", cfg.OtelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled, failed to initialize exporter", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(shutdownCtx)
			}()
		}
	}

	var validator auth.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled, do not run this configuration in production")
		validator = &auth.MockValidator{}
	} else if cfg.Auth0Domain != "" {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Error(ctx, "failed to initialize auth validator", zap.Error(err))
			return 2
		}
		validator = v
	} else {
		validator = &auth.MockValidator{}
	}

	var redisService *bus.Service
	if cfg.RedisEnabled {
		redisService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis", zap.Error(err))
			return 2
		}
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisService.Client())
	if err != nil {
		logging.Error(ctx, "failed to initialize rate limiter", zap.Error(err))
		return 2
	}

	registry := battleroom.NewRegistry(
		time.Duration(cfg.IdleRoomTTLSeconds)*time.Second,
		time.Duration(cfg.RoomSweepIntervalMs)*time.Millisecond,
		redisService,
	)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	h := hub.New(registry, nil, validator, rateLimiter, allowedOrigins, cfg.DevelopmentMode)
	mm := matchmaker.New(registry, time.Duration(cfg.MatchmakeIntervalMs)*time.Millisecond, h.IsConnected)
	h.SetMatchmaker(mm)
	// Hub.Shutdown stops both the matchmaker's drain loop and the registry's
	// idle-room sweep.
	defer h.Shutdown()

	healthHandler := health.NewHandler(redisService)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.GET("/ws/battle", h.ServeWs)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logging.Info(ctx, "battle hub listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			logging.Error(ctx, "server failed to bind", zap.Error(err))
			return 1
		}
	case <-quit:
		logging.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed", zap.Error(err))
		return 1
	}

	logging.Info(ctx, "battle hub exited cleanly")
	return 0
}
