// Package config provides configuration for the execution tracker.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the tracker configuration.
type Config struct {
	// Server settings
	HTTPPort int // Local API + view websocket

	// Backend settings
	BackendURL            string // REST base URL for start-execution and the agent directory
	StreamURL             string // Websocket URL of the execution event feed
	OrchestrationStrategy string
	AgentsFromBackend     bool

	// Database (diagnostic journal)
	DatabaseURL string

	// Catalog and policy
	CatalogFile     string
	PolicyFile      string
	OwnershipPolicy string // "builtin" or "rego"
	AdminPersonas   []string

	// Reconnect policy
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:              getEnvInt("HTTP_PORT", 8095),
		BackendURL:            getEnv("BACKEND_URL", "http://localhost:5000"),
		StreamURL:             getEnv("STREAM_URL", "ws://localhost:5000/ws"),
		OrchestrationStrategy: getEnv("ORCHESTRATION_STRATEGY", "hierarchical"),
		AgentsFromBackend:     getEnvBool("AGENTS_FROM_BACKEND", false),
		DatabaseURL:           getEnv("DATABASE_URL", "file:exectrack.db?cache=shared&mode=rwc"),
		CatalogFile:           getEnv("CATALOG_FILE", ""),
		PolicyFile:            getEnv("POLICY_FILE", ""),
		OwnershipPolicy:       getEnv("OWNERSHIP_POLICY", "builtin"),
		AdminPersonas:         getEnvList("ADMIN_PERSONAS", []string{"admin"}),
		ReconnectBase:         time.Duration(getEnvInt("RECONNECT_BASE_MS", 1000)) * time.Millisecond,
		ReconnectMax:          time.Duration(getEnvInt("RECONNECT_MAX_MS", 30000)) * time.Millisecond,
		ReconnectMaxAttempts:  getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
		PingInterval:          time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:          time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:           time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:        int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
