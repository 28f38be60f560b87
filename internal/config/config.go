package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Site     SiteConfig     `mapstructure:"site"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// SiteConfig describes the remote listing site
type SiteConfig struct {
	CategoryURL       string   `mapstructure:"category_url"`
	Origin            string   `mapstructure:"origin"`
	RequestsPerSecond int      `mapstructure:"requests_per_second"`
	UserAgent         string   `mapstructure:"user_agent"`
	Proxies           []string `mapstructure:"proxies"`
}

// CatalogConfig drives phase 1
type CatalogConfig struct {
	ItemsPerPage int           `mapstructure:"items_per_page"`
	MaxPages     int           `mapstructure:"max_pages"`
	PageDelay    time.Duration `mapstructure:"page_delay"`
	Restart      bool          `mapstructure:"restart"` // Ignore the cursor and start from page 1
}

// RetryConfig is shared by both phases
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PipelineConfig drives phase 2
type PipelineConfig struct {
	Workers           int `mapstructure:"workers"`
	DeadAfterAttempts int `mapstructure:"dead_after_attempts"` // 0 keeps failed items retryable forever
	ProgressEvery     int `mapstructure:"progress_every"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres or redis
	Path   string `mapstructure:"path"`   // SQLite database file
}

// DatabaseConfig holds Postgres connection details
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig holds Redis connection details
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	Database  int    `mapstructure:"database"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MetricsConfig controls the Prometheus textfile export
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Load reads .env, then config.yaml from the given directories (cwd when none),
// with environment variable overrides. A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	v.SetEnvPrefix("INGEST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.Catalog.ItemsPerPage < 1 {
		return fmt.Errorf("catalog.items_per_page must be at least 1, got %d", c.Catalog.ItemsPerPage)
	}
	if c.Site.RequestsPerSecond < 1 {
		return fmt.Errorf("site.requests_per_second must be at least 1, got %d", c.Site.RequestsPerSecond)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site.category_url", "https://exo.ir/category/laptop")
	v.SetDefault("site.origin", "https://exo.ir")
	v.SetDefault("site.requests_per_second", 3)
	v.SetDefault("site.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	v.SetDefault("site.proxies", []string{})

	v.SetDefault("catalog.items_per_page", 120)
	v.SetDefault("catalog.max_pages", 50)
	v.SetDefault("catalog.page_delay", 2*time.Second)
	v.SetDefault("catalog.restart", false)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.timeout", 30*time.Second)

	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.dead_after_attempts", 0)
	v.SetDefault("pipeline.progress_every", 25)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "laptops.db")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "catalog")
	v.SetDefault("database.user", "catalog_user")
	v.SetDefault("database.password", "catalog_pass")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.key_prefix", "catalog:")

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
