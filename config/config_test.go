package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("LEVEL_PERCENTAGES", "10,5")
	t.Setenv("POINT_RATE", "1000")
	t.Setenv("ENV", "development")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("COMMISSION_LEVELS", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, 2, cfg.CommissionLevels)
	assert.Equal(t, []int{10, 5}, cfg.LevelPercentages)
	assert.Equal(t, "1000", cfg.PointRate.String())
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("DB_DRIVER", "POSTGRES")
	t.Setenv("DATABASE_URL", "postgres://localhost/settlement")
	t.Setenv("LEVEL_PERCENTAGES", " 20, 5 ,2 ")
	t.Setenv("POINT_RATE", "1250.5")
	t.Setenv("COMMISSION_LEVELS", "3")
	t.Setenv("SWEEP_ENABLED", "false")
	t.Setenv("SETTINGS_CACHE_TTL", "2m")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, []int{20, 5, 2}, cfg.LevelPercentages)
	assert.Equal(t, "1250.5", cfg.PointRate.String())
	assert.Equal(t, 3, cfg.CommissionLevels)
	assert.False(t, cfg.SweepEnabled)
	assert.Equal(t, 2*time.Minute, cfg.SettingsCacheTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"DB_DRIVER": "postgres", "DATABASE_URL": ""}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"bad percentage", map[string]string{"DB_DRIVER": "sqlite", "LEVEL_PERCENTAGES": "10,five"}},
		{"bad rate", map[string]string{"DB_DRIVER": "sqlite", "LEVEL_PERCENTAGES": "10", "POINT_RATE": "abc"}},
		{"default secret in production", map[string]string{"DB_DRIVER": "sqlite", "LEVEL_PERCENTAGES": "10", "POINT_RATE": "1", "ENV": "production", "JWT_SECRET": "change-me-in-production"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParsePercentages(t *testing.T) {
	got, err := ParsePercentages("")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ParsePercentages("7")
	require.NoError(t, err)
	assert.Equal(t, []int{7}, got)
}
