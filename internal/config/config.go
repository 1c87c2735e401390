// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration of the server.
type Config struct {
	// Server
	HTTPAddr   string
	Env        string
	LogLevel   string
	ServerName string

	// Backends
	RedisAddr   string
	NATSURL     string // "local" keeps events in-process
	DatabaseURL string // empty keeps reports in memory

	// Auth
	JWTSecret     string
	JWTExpiration time.Duration

	// Engine
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	QueueMaxWait      time.Duration
	SessionRetention  time.Duration
	LanguageScanLimit int

	// WebSocket
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Load reads .env (if any) and the environment, falling back to defaults
// for anything unset or unparsable.
func Load() *Config {
	_ = godotenv.Load()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "randomchat-1"
	}

	return &Config{
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		Env:        getEnv("ENV", "development"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ServerName: getEnv("SERVER_NAME", hostname),

		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTExpiration: getDuration("JWT_EXPIRATION", 24*time.Hour),

		IdleTimeout:       getDuration("IDLE_TIMEOUT", 3*time.Minute),
		SweepInterval:     getDuration("SWEEP_INTERVAL", 30*time.Second),
		QueueMaxWait:      getDuration("QUEUE_MAX_WAIT", 5*time.Minute),
		SessionRetention:  getDuration("SESSION_RETENTION", 30*time.Minute),
		LanguageScanLimit: getInt("LANGUAGE_SCAN_LIMIT", 64),

		WorkerPoolSize: getInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getInt("MAX_CONNECTIONS", 100000),
		ReadTimeout:    getDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 10*time.Second),
	}
}

// IsProduction reports whether ENV is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
