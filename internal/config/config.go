package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultCentralURL is where hosted agents reach the central API when
// CENTRAL_MESSAGE_SERVER_URL is unset.
const DefaultCentralURL = "http://localhost:3000"

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Central message server as seen by agent services
	CentralURL string

	// Media uploads
	UploadDir      string
	MaxUploadBytes int64

	// Agents hosted in this process
	AgentIDs     []string
	AgentDBPath  string
	AgentHandler string // "none" or "echo"

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "3000"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "./data/central.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		CentralURL:       strings.TrimRight(getEnv("CENTRAL_MESSAGE_SERVER_URL", DefaultCentralURL), "/"),
		UploadDir:        getEnv("UPLOAD_DIR", "./data/uploads"),
		MaxUploadBytes:   getEnvInt64("MAX_UPLOAD_BYTES", 50*1024*1024),
		AgentDBPath:      getEnv("AGENT_DB_PATH", "./data/agents.db"),
		AgentHandler:     getEnv("AGENT_HANDLER", "none"),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	cfg.AgentIDs = splitList(os.Getenv("AGENT_IDS"))

	// Parse whitelist (comma-separated IPs or CIDRs)
	cfg.RateLimitWhitelist = splitList(os.Getenv("RATE_LIMIT_WHITELIST"))

	// In production, require a real database
	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		panic("DATABASE_URL is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
