package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis (optional; empty runs the instance in single-instance mode)
	RedisURL string

	// JWT
	JWTSecret string

	// Instance identity for the broadcast bus (random per process when unset)
	InstanceID string

	// Presence thresholds (seconds)
	OnlineThresholdSec int
	IdleThresholdSec   int

	// Identity links
	LinkTTLHours int

	// Heartbeat durability
	HeartbeatRetentionHours int
	HeartbeatWorkers        int
	HeartbeatQueueDepth     int

	// Artifacts
	ArtifactTTLSec int

	// Connection handshake
	AuthHandshakeTimeoutSec int

	// Upgrade churn limit (attempts per client per window)
	WSUpgradeLimit     int
	WSUpgradeWindowSec int

	// Maintenance
	SweepIntervalMinutes int
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		Env:         getEnvOrDefault("ENV", "development"),
		DatabaseURL: mustGetEnv("DATABASE_URL"),
		RedisURL:    getEnvOrDefault("REDIS_URL", ""),
		JWTSecret:   mustGetEnv("JWT_SECRET"),
		InstanceID:  getEnvOrDefault("INSTANCE_ID", ""),

		OnlineThresholdSec: getEnvAsIntOrDefault("ONLINE_THRESHOLD_SECONDS", 30),
		IdleThresholdSec:   getEnvAsIntOrDefault("IDLE_THRESHOLD_SECONDS", 120),

		LinkTTLHours: getEnvAsIntOrDefault("LINK_TTL_HOURS", 24),

		HeartbeatRetentionHours: getEnvAsIntOrDefault("HEARTBEAT_RETENTION_HOURS", 72),
		HeartbeatWorkers:        getEnvAsIntOrDefault("HEARTBEAT_WORKERS", 5),
		HeartbeatQueueDepth:     getEnvAsIntOrDefault("HEARTBEAT_QUEUE_DEPTH", 1024),

		ArtifactTTLSec: getEnvAsIntOrDefault("ARTIFACT_TTL_SECONDS", 60),

		AuthHandshakeTimeoutSec: getEnvAsIntOrDefault("AUTH_HANDSHAKE_TIMEOUT_SECONDS", 10),

		WSUpgradeLimit:     getEnvAsIntOrDefault("WS_UPGRADE_LIMIT", 30),
		WSUpgradeWindowSec: getEnvAsIntOrDefault("WS_UPGRADE_WINDOW_SECONDS", 60),

		SweepIntervalMinutes: getEnvAsIntOrDefault("SWEEP_INTERVAL_MINUTES", 15),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
