// Package config validates and loads the battle hub's environment
// configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the battle hub.
type Config struct {
	// Required variables.
	Port string

	// Room and matchmaking timers.
	IdleRoomTTLSeconds  int
	MatchmakeIntervalMs int
	RoomSweepIntervalMs int

	// Optional variables with defaults.
	GoEnv    string
	LogLevel string

	// Distributed bus (Redis).
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Auth0-backed JWT validation. JWTSecret is only length-checked here and
	// redacted in logs; no validator reads it (MockValidator, used when
	// Auth0Domain is unset, does not verify signatures).
	JWTSecret       string
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits (ulule/limiter format, e.g. "100-M").
	RateLimitWsIP   string
	RateLimitWsUser string

	// Tracing.
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error joining every violation found, so operators see
// every misconfigured variable in one pass instead of fixing them one at a
// time.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.IdleRoomTTLSeconds = getEnvIntOrDefault("IDLE_ROOM_TTL_SECONDS", 3600)
	cfg.MatchmakeIntervalMs = getEnvIntOrDefault("MATCHMAKE_INTERVAL_MS", 2000)
	cfg.RoomSweepIntervalMs = getEnvIntOrDefault("ROOM_SWEEP_INTERVAL_MS", 30000)

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if !cfg.SkipAuth && cfg.Auth0Domain == "" && cfg.JWTSecret == "" {
		errs = append(errs, "either AUTH0_DOMAIN or JWT_SECRET must be set unless SKIP_AUTH=true")
	}
	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"port", cfg.Port,
		"idle_room_ttl_seconds", cfg.IdleRoomTTLSeconds,
		"matchmake_interval_ms", cfg.MatchmakeIntervalMs,
		"room_sweep_interval_ms", cfg.RoomSweepIntervalMs,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"auth0_domain", cfg.Auth0Domain,
		"skip_auth", cfg.SkipAuth,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
		"rate_limit_ws_user", cfg.RateLimitWsUser,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// redactSecret redacts a secret, keeping only the first 8 characters visible.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
