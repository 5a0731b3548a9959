// Package config loads service configuration from an optional config file,
// a .env file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all configuration for the service.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
	Quote    Quote    `mapstructure:"quote"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Admin    Admin    `mapstructure:"admin"`
	Logger   Logger   `mapstructure:"logger"`
	Currency string   `mapstructure:"currency"`
}

// Server holds the HTTP server settings.
type Server struct {
	Port           string        `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Database selects and configures the ledger store.
type Database struct {
	Driver  string `mapstructure:"driver"`
	URL     string `mapstructure:"url"` // postgres URL or sqlite DSN
	Migrate bool   `mapstructure:"migrate"`
}

// Redis enables the read-through history cache when URL is set.
type Redis struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// Quote configures the market data provider.
type Quote struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests per second
	RateBurst    int           `mapstructure:"rate_burst"`
	PricePath    string        `mapstructure:"price_path"`
	NamePath     string        `mapstructure:"name_path"`
	CurrencyPath string        `mapstructure:"currency_path"`
	SearchLimit  int           `mapstructure:"search_limit"`

	// Top movers feed: the endpoint, the path to the list of items and the
	// paths of symbol and price inside each item.
	MoversEndpoint   string `mapstructure:"movers_endpoint"`
	MoversListPath   string `mapstructure:"movers_list_path"`
	MoversSymbolPath string `mapstructure:"movers_symbol_path"`
	MoversPricePath  string `mapstructure:"movers_price_path"`
}

// Kafka enables ledger event publishing when Brokers is non-empty.
type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Admin holds the elevated-authorization token for destructive endpoints.
type Admin struct {
	SudoKey string `mapstructure:"sudo_key"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var keys = []string{
	"server.port", "server.read_timeout", "server.write_timeout", "server.request_timeout",
	"database.driver", "database.url", "database.migrate",
	"redis.url", "redis.ttl",
	"quote.base_url", "quote.api_key", "quote.timeout", "quote.rate_limit", "quote.rate_burst",
	"quote.price_path", "quote.name_path", "quote.currency_path", "quote.search_limit",
	"quote.movers_endpoint", "quote.movers_list_path", "quote.movers_symbol_path", "quote.movers_price_path",
	"kafka.brokers", "kafka.topic",
	"admin.sudo_key",
	"logger.level", "logger.format",
	"currency",
}

// Load reads configuration from path/config.yml (optional), the .env file
// (optional) and the environment. Environment variables use the upper-cased
// key with dots replaced by underscores, e.g. DATABASE_URL or ADMIN_SUDO_KEY.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 25*time.Second)

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("quote.base_url", "https://api.twelvedata.com")
	v.SetDefault("quote.timeout", 5*time.Second)
	v.SetDefault("quote.rate_limit", 8)
	v.SetDefault("quote.rate_burst", 8)
	v.SetDefault("quote.price_path", "$.close")
	v.SetDefault("quote.name_path", "$.name")
	v.SetDefault("quote.currency_path", "$.currency")
	v.SetDefault("quote.search_limit", 5)
	v.SetDefault("quote.movers_endpoint", "/market_movers/stocks")
	v.SetDefault("quote.movers_list_path", "$.values")
	v.SetDefault("quote.movers_symbol_path", "$.symbol")
	v.SetDefault("quote.movers_price_path", "$.last")

	v.SetDefault("kafka.topic", "portfolio.ledger")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("currency", "USD")
}

// Validate checks the settings that have no sensible fallback.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the %s driver", DriverPostgres)
		}
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Quote.Timeout <= 0 {
		return fmt.Errorf("quote.timeout must be positive")
	}
	if c.Quote.SearchLimit <= 0 {
		return fmt.Errorf("quote.search_limit must be positive")
	}
	return nil
}
