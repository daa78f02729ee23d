package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "requests.db"
	defaultIterations         = 50_000
	defaultMaxWorkers         = 4
	defaultMaxQueueSize       = 1000
	defaultCallbackTimeout    = 10 * time.Second
	defaultCallbackMaxRetries = 5
	defaultRateLimitRequests  = 500
	defaultRateLimitWindow    = 60 * time.Second

	envListenAddr            = "CONSUMA_LISTEN_ADDR"
	envDBPath                = "CONSUMA_DATABASE_PATH"
	envLogLevel              = "CONSUMA_LOG_LEVEL"
	envDefaultIterations     = "CONSUMA_DEFAULT_ITERATIONS"
	envMaxWorkers            = "CONSUMA_MAX_WORKERS"
	envMaxQueueSize          = "CONSUMA_MAX_QUEUE_SIZE"
	envCallbackTimeout       = "CONSUMA_CALLBACK_TIMEOUT"
	envCallbackMaxRetries    = "CONSUMA_CALLBACK_MAX_RETRIES"
	envRateLimitRequests     = "CONSUMA_RATE_LIMIT_REQUESTS"
	envRateLimitWindow       = "CONSUMA_RATE_LIMIT_WINDOW"
	envAllowPrivateCallbacks = "CONSUMA_ALLOW_PRIVATE_CALLBACKS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr            string
	DBPath                string
	LogLevel              slog.Level
	DefaultIterations     int
	MaxWorkers            int
	MaxQueueSize          int
	CallbackTimeout       time.Duration
	CallbackMaxRetries    int
	RateLimitRequests     int
	RateLimitWindow       time.Duration
	AllowPrivateCallbacks bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:            defaultListenAddr,
		DBPath:                defaultDBPath,
		LogLevel:              slog.LevelInfo,
		DefaultIterations:     defaultIterations,
		MaxWorkers:            defaultMaxWorkers,
		MaxQueueSize:          defaultMaxQueueSize,
		CallbackTimeout:       defaultCallbackTimeout,
		CallbackMaxRetries:    defaultCallbackMaxRetries,
		RateLimitRequests:     defaultRateLimitRequests,
		RateLimitWindow:       defaultRateLimitWindow,
		AllowPrivateCallbacks: false,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.DefaultIterations = intEnv(envDefaultIterations, cfg.DefaultIterations)
	cfg.MaxWorkers = intEnv(envMaxWorkers, cfg.MaxWorkers)
	cfg.MaxQueueSize = intEnv(envMaxQueueSize, cfg.MaxQueueSize)
	cfg.CallbackTimeout = secondsEnv(envCallbackTimeout, cfg.CallbackTimeout)
	cfg.CallbackMaxRetries = intEnv(envCallbackMaxRetries, cfg.CallbackMaxRetries)
	cfg.RateLimitRequests = intEnv(envRateLimitRequests, cfg.RateLimitRequests)
	cfg.RateLimitWindow = secondsEnv(envRateLimitWindow, cfg.RateLimitWindow)
	cfg.AllowPrivateCallbacks = boolEnv(envAllowPrivateCallbacks, cfg.AllowPrivateCallbacks)

	return cfg
}

// intEnv reads a positive integer from the environment, falling back on
// missing or malformed values.
func intEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

// secondsEnv reads a duration expressed as a whole number of seconds.
func secondsEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}

func boolEnv(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
