// Package config provides configuration management for the proxy server.
// Settings are read from the process environment; a .env file in the working
// directory is honored when present so container and local deployments share
// the same key set.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents the application's configuration, loaded from the environment.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int

	// APIKey, when non-empty, is required as the x-api-key header on /v1/* routes.
	APIKey string

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool

	// MySQL connection settings. When Host, User and Database are all set the
	// account store uses MySQL instead of the SQLite file.
	MySQLHost     string
	MySQLPort     int
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// SQLitePath is the SQLite database file used when MySQL is not configured.
	SQLitePath string

	// GeminiClientID and GeminiClientSecret drive the Gemini OAuth onboarding flow.
	GeminiClientID     string
	GeminiClientSecret string

	// EnableAutoRefresh turns on the background token refresh scheduler.
	EnableAutoRefresh bool

	// TokenRefreshIntervalHours is the background refresh period.
	TokenRefreshIntervalHours int

	// EnableSessionBinding keeps fan-out requests from one IDE session on the
	// same account.
	EnableSessionBinding bool

	// EnableToolDedup drops duplicate tool_use blocks sharing an id.
	EnableToolDedup bool

	// MaxInputTokens is the advisory input-size ceiling for Amazon Q requests.
	MaxInputTokens int

	// DisableInputValidation skips the input token estimate entirely.
	DisableInputValidation bool

	// CacheTTLSeconds and CacheMaxEntries tune the prompt cache simulator.
	CacheTTLSeconds int
	CacheMaxEntries int
}

// Load reads a .env file if one exists and builds a Config from the
// environment, applying defaults for every unset key.
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                      envInt("PORT", 8080),
		APIKey:                    os.Getenv("API_KEY"),
		Debug:                     envBool("DEBUG", false),
		MySQLHost:                 os.Getenv("MYSQL_HOST"),
		MySQLPort:                 envInt("MYSQL_PORT", 3306),
		MySQLUser:                 os.Getenv("MYSQL_USER"),
		MySQLPassword:             os.Getenv("MYSQL_PASSWORD"),
		MySQLDatabase:             os.Getenv("MYSQL_DATABASE"),
		SQLitePath:                defaultSQLitePath(),
		GeminiClientID:            os.Getenv("GEMINI_DONATE_CLIENT_ID"),
		GeminiClientSecret:        os.Getenv("GEMINI_DONATE_CLIENT_SECRET"),
		EnableAutoRefresh:         envBool("ENABLE_AUTO_REFRESH", false),
		TokenRefreshIntervalHours: envInt("TOKEN_REFRESH_INTERVAL_HOURS", 6),
		EnableSessionBinding:      envBool("ENABLE_SESSION_BINDING", true),
		EnableToolDedup:           envBool("ENABLE_TOOL_DEDUP", true),
		MaxInputTokens:            envInt("AMAZONQ_MAX_INPUT_TOKENS", 100000),
		DisableInputValidation:    envBool("DISABLE_INPUT_VALIDATION", false),
		CacheTTLSeconds:           envInt("CACHE_TTL_SECONDS", 86400),
		CacheMaxEntries:           envInt("CACHE_MAX_ENTRIES", 5000),
	}

	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}
	return cfg, nil
}

// UseMySQL reports whether the MySQL backend is fully configured.
func (c *Config) UseMySQL() bool {
	return c.MySQLHost != "" && c.MySQLUser != "" && c.MySQLDatabase != ""
}

// MySQLDSN builds the go-sql-driver DSN for the configured MySQL backend.
func (c *Config) MySQLDSN() string {
	var sb strings.Builder
	sb.WriteString(c.MySQLUser)
	if c.MySQLPassword != "" {
		sb.WriteString(":")
		sb.WriteString(c.MySQLPassword)
	}
	sb.WriteString("@tcp(")
	sb.WriteString(c.MySQLHost)
	sb.WriteString(":")
	sb.WriteString(strconv.Itoa(c.MySQLPort))
	sb.WriteString(")/")
	sb.WriteString(c.MySQLDatabase)
	sb.WriteString("?charset=utf8mb4&parseTime=True&loc=Local")
	return sb.String()
}

func defaultSQLitePath() string {
	if _, err := os.Stat("/app/data"); err == nil {
		return "/app/data/accounts.db"
	}
	return "./data/accounts.db"
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
