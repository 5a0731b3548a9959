package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "$.close", cfg.Quote.PricePath)
	assert.Equal(t, 5, cfg.Quote.SearchLimit)
	assert.Equal(t, "/market_movers/stocks", cfg.Quote.MoversEndpoint)
	assert.Equal(t, "$.values", cfg.Quote.MoversListPath)
	assert.Equal(t, 5*time.Second, cfg.Quote.Timeout)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Empty(t, cfg.Admin.SudoKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ADMIN_SUDO_KEY", "s3cret")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/folio")
	t.Setenv("QUOTE_TIMEOUT", "2s")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Admin.SudoKey)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/folio", cfg.Database.URL)
	assert.Equal(t, 2*time.Second, cfg.Quote.Timeout)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	yml := "server:\n  port: \"7000\"\nquote:\n  search_limit: 3\nlogger:\n  level: debug\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(yml), 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Quote.SearchLimit)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestValidate(t *testing.T) {
	t.Run("PostgresWithoutURL", func(t *testing.T) {
		cfg := &Config{
			Server:   Server{Port: "8000"},
			Database: Database{Driver: DriverPostgres},
			Quote:    Quote{Timeout: time.Second, SearchLimit: 5},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		cfg := &Config{
			Server:   Server{Port: "8000"},
			Database: Database{Driver: "oracle"},
			Quote:    Quote{Timeout: time.Second, SearchLimit: 5},
		}
		assert.Error(t, cfg.Validate())
	})

	t.Run("Valid", func(t *testing.T) {
		cfg := &Config{
			Server:   Server{Port: "8000"},
			Database: Database{Driver: DriverSQLite},
			Quote:    Quote{Timeout: time.Second, SearchLimit: 5},
		}
		assert.NoError(t, cfg.Validate())
	})
}
