// Package config loads process configuration from the environment. A .env
// file in the working directory, when present, seeds variables that are not
// already set.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the configuration shared by the server binaries.
type Config struct {
	ServerName string

	// WebSocket server
	ListenAddr        string
	WorkerPoolSize    int
	MaxConnections    int
	MaxMessageSize    int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// TrustedProxies lists the proxy addresses or CIDRs, comma separated,
	// whose X-Forwarded-For and X-Real-IP headers are believed. Empty means
	// the client address is always the socket peer.
	TrustedProxies string

	// Matching
	SkipTimeout       time.Duration
	SkipCap           int
	SkipSweepInterval time.Duration

	// Backends. An empty address disables the backend.
	RedisAddr   string
	NATSURL     string
	DatabaseURL string

	// Chat
	ChatBufferSize int
	BlockedTerms   string
}

// LoadDotEnv loads .env into the environment without overriding variables
// that are already set. A missing file is not an error.
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("config: failed to load .env: %v", err)
		}
	}
}

// Load reads the configuration from the environment, applying defaults for
// unset or invalid values.
func Load() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ws-1"
	}

	return &Config{
		ServerName: GetEnv("SERVER_NAME", hostname),

		ListenAddr:        GetEnv("LISTEN_ADDR", ":8080"),
		WorkerPoolSize:    GetEnvAsInt("WORKER_POOL_SIZE", 256),
		MaxConnections:    GetEnvAsInt("MAX_CONNECTIONS", 100000),
		MaxMessageSize:    int64(GetEnvAsInt("MAX_MESSAGE_SIZE", 64<<10)),
		ReadTimeout:       GetEnvAsDuration("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:      GetEnvAsDuration("WRITE_TIMEOUT", 10*time.Second),
		HeartbeatInterval: GetEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  GetEnvAsDuration("HEARTBEAT_TIMEOUT", 10*time.Second),
		TrustedProxies:    GetEnv("TRUSTED_PROXIES", ""),

		SkipTimeout:       GetEnvAsDuration("SKIP_TIMEOUT", 5*time.Minute),
		SkipCap:           GetEnvAsInt("SKIP_CAP", 20),
		SkipSweepInterval: GetEnvAsDuration("SKIP_SWEEP_INTERVAL", time.Minute),

		RedisAddr:   GetEnv("REDIS_ADDR", ""),
		NATSURL:     GetEnv("NATS_URL", ""),
		DatabaseURL: GetEnv("DATABASE_URL", GetEnv("DATABASE_URI", "")),

		ChatBufferSize: GetEnvAsInt("CHAT_BUFFER_SIZE", 50),
		BlockedTerms:   GetEnv("BLOCKED_TERMS", ""),
	}
}

// GetEnv returns the value of key, or defaultValue when it is unset or empty.
func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvAsInt returns key parsed as a positive integer, or defaultValue.
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		log.Printf("config: invalid integer value for %s: %q, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

// GetEnvAsDuration returns key parsed with time.ParseDuration, or
// defaultValue.
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		log.Printf("config: invalid duration value for %s: %q, using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
