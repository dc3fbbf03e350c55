package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Broker kinds for cross-instance fan-out.
const (
	BrokerRedis = "redis"
	BrokerNATS  = "nats"
	BrokerNone  = "none"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Session  SessionConfig
	Token    TokenConfig
	Broker   BrokerConfig
	Worker   WorkerConfig
	LogLevel string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
	PublicURL          string // base of shareable session links
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SessionConfig holds session lifetime and realtime handling settings.
type SessionConfig struct {
	TTL            time.Duration
	LockTTL        time.Duration
	HandlerTimeout time.Duration
}

// TokenConfig holds rejoin token signing settings.
type TokenConfig struct {
	Secret      string
	ExpireHours int
}

// BrokerConfig selects how events reach other server instances.
type BrokerConfig struct {
	Kind    string // redis, nats or none
	NATSURL string
}

// WorkerConfig controls the in-process cleanup worker.
type WorkerConfig struct {
	Enabled bool
}

// Origins returns the allowed origins as a list.
func (c ServerConfig) Origins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			PublicURL:          getEnv("PUBLIC_URL", "http://localhost:3000"),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", "localhost:6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Session: SessionConfig{
			TTL:            time.Duration(getEnvInt("SESSION_TTL_HOURS", 24)) * time.Hour,
			LockTTL:        getEnvDuration("SESSION_LOCK_TTL", 5*time.Second),
			HandlerTimeout: getEnvDuration("HANDLER_TIMEOUT", 5*time.Second),
		},
		Token: TokenConfig{
			Secret:      getEnv("TOKEN_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("TOKEN_EXPIRE_HOURS", 24),
		},
		Broker: BrokerConfig{
			Kind:    strings.ToLower(getEnv("BROKER", BrokerRedis)),
			NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Worker: WorkerConfig{
			Enabled: getEnvBool("WORKER_ENABLED", true),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	switch cfg.Broker.Kind {
	case BrokerRedis, BrokerNATS, BrokerNone:
	default:
		return nil, fmt.Errorf("unknown BROKER %q (want redis, nats or none)", cfg.Broker.Kind)
	}
	if cfg.Session.TTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL_HOURS must be positive")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("750ms", "5s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
