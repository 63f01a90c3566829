// Package ratelimit throttles WebSocket upgrade attempts using Redis or an
// in-memory store, so a single IP or peer can't exhaust connection slots.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/match3/battlehub/internal/config"
	"github.com/match3/battlehub/internal/logging"
	"github.com/match3/battlehub/internal/metrics"
)

// RateLimiter holds the connection-attempt limiter instances.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter from cfg, using a Redis-backed store
// when redisClient is non-nil and falling back to an in-process memory store
// otherwise (single-instance/dev mode).
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "battlehub:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// CheckWebSocket enforces the per-IP connection-attempt limit before the
// WebSocket upgrade, writing an error response and returning false if the
// limit is reached.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}

// CheckWebSocketUser enforces the per-peer connection-attempt limit. Call
// this after authenticating the peer, once its claimed subject is known.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, peerID string) error {
	userContext, err := rl.wsUser.Get(ctx, peerID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (user)", zap.Error(err))
		return nil
	}

	if userContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for peer")
	}

	return nil
}
