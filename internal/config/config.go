package config

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	NATSURL     string
	NATSSubject string

	// Channel auth signatures for Pusher-compatible clients
	AppKey    string
	AppSecret string

	// Fan-out
	FanoutWorkers   int
	FanoutQueue     string
	FanoutQueueSize int

	// Hub
	AllowedOrigins []string
	PongWait       time.Duration

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads the environment, after merging a local .env when one exists.
// It panics in production when a required variable is missing.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/chat.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		NATSURL:          os.Getenv("NATS_URL"),
		NATSSubject:      getEnv("NATS_SUBJECT", "chat.envelopes"),
		AppKey:           getEnv("APP_KEY", "chat"),
		AppSecret:        os.Getenv("APP_SECRET"),
		FanoutWorkers:    getEnvInt("FANOUT_WORKERS", 4),
		FanoutQueue:      getEnv("FANOUT_QUEUE", "fanout"),
		FanoutQueueSize:  getEnvInt("FANOUT_QUEUE_SIZE", 1024),
		PongWait:         getEnvDuration("WS_PONG_WAIT", 60*time.Second),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	cfg.AllowedOrigins = splitList(getEnv("ALLOWED_ORIGINS", "*"))
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	if cfg.Env == "production" {
		for _, req := range []struct{ key, val string }{
			{"DATABASE_URL", cfg.DatabaseURL},
			{"REDIS_URL", cfg.RedisURL},
			{"APP_SECRET", cfg.AppSecret},
		} {
			if req.val == "" {
				panic(req.key + " is required in production")
			}
		}
	}
	if cfg.AppSecret == "" {
		cfg.AppSecret = "development-secret"
	}

	return cfg
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

// splitList parses comma-separated values, skipping blanks.
func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// Logger builds the process logger: human-readable console output in
// development, JSON lines otherwise.
func (c *Config) Logger() zerolog.Logger {
	var w io.Writer = os.Stdout
	if c.IsDevelopment() {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
