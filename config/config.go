package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DBDriver    string
	SQLitePath  string
	DatabaseURL string

	// Redis (optional settings cache)
	RedisURL         string
	SettingsCacheTTL time.Duration

	// Auth
	JWTSecret string

	// CORS
	AllowedOrigins []string

	// Default commission plan, seeded when no settings were saved yet
	CommissionLevels int
	LevelPercentages []int
	PointRate        decimal.Decimal
	MaxUplineHops    int

	// Distribution sweeper
	SweepEnabled  bool
	SweepInterval time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from the environment, loading .env when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	percentages, err := ParsePercentages(getEnv("LEVEL_PERCENTAGES", "10,5"))
	if err != nil {
		return nil, err
	}
	rate, err := decimal.NewFromString(getEnv("POINT_RATE", "1000"))
	if err != nil {
		return nil, fmt.Errorf("POINT_RATE: %w", err)
	}

	cfg := &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		SQLitePath:  getEnv("SQLITE_PATH", "./settlement.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisURL:         getEnv("REDIS_URL", ""),
		SettingsCacheTTL: parseDuration(getEnv("SETTINGS_CACHE_TTL", "30s"), 30*time.Second),

		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),

		AllowedOrigins: parseStringSlice(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),

		CommissionLevels: parseInt(getEnv("COMMISSION_LEVELS", "2"), 2),
		LevelPercentages: percentages,
		PointRate:        rate,
		MaxUplineHops:    parseInt(getEnv("MAX_UPLINE_HOPS", "0"), 0),

		SweepEnabled:  parseBool(getEnv("SWEEP_ENABLED", "true"), true),
		SweepInterval: parseDuration(getEnv("SWEEP_INTERVAL", "1m"), time.Minute),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=%s", DriverPostgres)
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.IsProduction() && c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// ParsePercentages parses "20,5,2" style lists of whole percentages.
func ParsePercentages(s string) ([]int, error) {
	var out []int
	for _, part := range parseStringSlice(s) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("LEVEL_PERCENTAGES: %q is not a whole number", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return b
}

func parseStringSlice(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
