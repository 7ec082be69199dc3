// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/media-scraper/internal/api"
	"github.com/JakeFAU/media-scraper/internal/broker/redis"
	"github.com/JakeFAU/media-scraper/internal/extractor"
	"github.com/JakeFAU/media-scraper/internal/pipeline"
	"github.com/JakeFAU/media-scraper/internal/store/postgres"
)

// Driver names accepted by broker.driver and store.driver.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

const maxStoreConns = 5

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Scrape    StageConfig     `mapstructure:"scrape"`
	Save      StageConfig     `mapstructure:"save"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Store     StoreConfig     `mapstructure:"store"`
	API       APIConfig       `mapstructure:"api"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrokerConfig selects and configures the job broker.
type BrokerConfig struct {
	Driver         string      `mapstructure:"driver"`
	KeyPrefix      string      `mapstructure:"key_prefix"`
	PollIntervalMs int         `mapstructure:"poll_interval_ms"`
	Redis          RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StageConfig configures one queue and its workers.
type StageConfig struct {
	Concurrency     int `mapstructure:"concurrency"`
	Attempts        int `mapstructure:"attempts"`
	BackoffMs       int `mapstructure:"backoff_ms"`
	TimeoutMs       int `mapstructure:"timeout_ms"`
	KeepCompleted   int `mapstructure:"keep_completed"`
	KeepFailed      int `mapstructure:"keep_failed"`
	StallIntervalMs int `mapstructure:"stall_interval_ms"`
	MaxStalled      int `mapstructure:"max_stalled"`
}

// DedupConfig bounds concurrent existence checks.
type DedupConfig struct {
	Parallelism int `mapstructure:"parallelism"`
}

// ExtractorConfig configures page fetching.
type ExtractorConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int     `mapstructure:"max_body_bytes"`
	HostRPS        float64 `mapstructure:"host_rps"`
	HostBurst      int     `mapstructure:"host_burst"`
}

// StoreConfig selects and configures the media store.
type StoreConfig struct {
	Driver         string `mapstructure:"driver"`
	DSN            string `mapstructure:"dsn"`
	MaxConns       int    `mapstructure:"max_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// APIConfig tunes the HTTP handlers.
type APIConfig struct {
	DefaultPageSize       int `mapstructure:"default_page_size"`
	MaxPageSize           int `mapstructure:"max_page_size"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// Load builds a Config from .env files, an optional config file and the
// environment. Variables use the MEDIA_ prefix with dots replaced by
// underscores, e.g. MEDIA_SCRAPE_CONCURRENCY. DATABASE_URL is honored for
// store.dsn and PORT for server.port.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("MEDIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("store.dsn", "MEDIA_STORE_DSN", "DATABASE_URL"); err != nil {
		return Config{}, fmt.Errorf("bind store.dsn: %w", err)
	}
	if err := v.BindEnv("server.port", "MEDIA_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind server.port: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env.
// Existing variables are never overridden and missing files are ignored.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		return loadEnvFile(envFile)
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := loadEnvFile(f); err != nil {
			return err
		}
	}
	return nil
}

func loadEnvFile(name string) error {
	if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", name, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("broker.driver", DriverMemory)
	v.SetDefault("broker.key_prefix", "media")
	v.SetDefault("broker.poll_interval_ms", 250)
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.password", "")
	v.SetDefault("broker.redis.db", 0)

	def := pipeline.DefaultConfig()
	setStageDefaults(v, "scrape", def.Scrape)
	setStageDefaults(v, "save", def.Save)
	v.SetDefault("dedup.parallelism", def.DedupParallelism)

	v.SetDefault("extractor.user_agent", extractor.DefaultUserAgent)
	v.SetDefault("extractor.timeout_seconds", 10)
	v.SetDefault("extractor.max_body_bytes", 0)
	v.SetDefault("extractor.host_rps", 0.0)
	v.SetDefault("extractor.host_burst", 1)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", maxStoreConns)
	v.SetDefault("store.migrate_on_start", false)
	v.SetDefault("api.default_page_size", 20)
	v.SetDefault("api.max_page_size", 100)
	v.SetDefault("api.request_timeout_seconds", 30)
}

func setStageDefaults(v *viper.Viper, prefix string, s pipeline.StageConfig) {
	v.SetDefault(prefix+".concurrency", s.Concurrency)
	v.SetDefault(prefix+".attempts", s.Attempts)
	v.SetDefault(prefix+".backoff_ms", s.Backoff.Milliseconds())
	v.SetDefault(prefix+".timeout_ms", s.Timeout.Milliseconds())
	v.SetDefault(prefix+".keep_completed", s.KeepCompleted)
	v.SetDefault(prefix+".keep_failed", s.KeepFailed)
	v.SetDefault(prefix+".stall_interval_ms", s.StallInterval.Milliseconds())
	v.SetDefault(prefix+".max_stalled", s.MaxStalled)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be > 0")
	}
	switch c.Broker.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Broker.Redis.Addr == "" {
			return fmt.Errorf("broker.redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("broker.driver must be %q or %q, got %q", DriverMemory, DriverRedis, c.Broker.Driver)
	}
	if err := c.Scrape.validate("scrape"); err != nil {
		return err
	}
	if err := c.Save.validate("save"); err != nil {
		return err
	}
	if c.Extractor.TimeoutSeconds <= 0 {
		return fmt.Errorf("extractor.timeout_seconds must be > 0")
	}
	if c.Extractor.HostRPS < 0 {
		return fmt.Errorf("extractor.host_rps must be >= 0")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverMemory, DriverPostgres, c.Store.Driver)
	}
	if c.Store.MaxConns <= 0 || c.Store.MaxConns > maxStoreConns {
		return fmt.Errorf("store.max_conns must be between 1 and %d", maxStoreConns)
	}
	if c.API.DefaultPageSize <= 0 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api.default_page_size must be > 0 and <= api.max_page_size")
	}
	return nil
}

func (s StageConfig) validate(name string) error {
	switch {
	case s.Concurrency <= 0:
		return fmt.Errorf("%s.concurrency must be > 0", name)
	case s.Attempts <= 0:
		return fmt.Errorf("%s.attempts must be > 0", name)
	case s.BackoffMs < 0:
		return fmt.Errorf("%s.backoff_ms must be >= 0", name)
	case s.TimeoutMs <= 0:
		return fmt.Errorf("%s.timeout_ms must be > 0", name)
	case s.StallIntervalMs <= 0:
		return fmt.Errorf("%s.stall_interval_ms must be > 0", name)
	case s.MaxStalled < 0:
		return fmt.Errorf("%s.max_stalled must be >= 0", name)
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s StageConfig) toPipeline() pipeline.StageConfig {
	return pipeline.StageConfig{
		Concurrency:   s.Concurrency,
		Attempts:      s.Attempts,
		Backoff:       ms(s.BackoffMs),
		Timeout:       ms(s.TimeoutMs),
		KeepCompleted: s.KeepCompleted,
		KeepFailed:    s.KeepFailed,
		StallInterval: ms(s.StallIntervalMs),
		MaxStalled:    s.MaxStalled,
	}
}

// PipelineConfig converts the stage sections for the controller.
func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Scrape:           c.Scrape.toPipeline(),
		Save:             c.Save.toPipeline(),
		DedupParallelism: c.Dedup.Parallelism,
	}
}

// RedisConfig converts the broker section for the Redis broker.
func (c Config) RedisConfig() redis.Config {
	return redis.Config{
		Addr:         c.Broker.Redis.Addr,
		Password:     c.Broker.Redis.Password,
		DB:           c.Broker.Redis.DB,
		KeyPrefix:    c.Broker.KeyPrefix,
		PollInterval: ms(c.Broker.PollIntervalMs),
	}
}

// PollInterval is how often an idle broker lease re-checks its queue.
func (c Config) PollInterval() time.Duration {
	return ms(c.Broker.PollIntervalMs)
}

// ExtractorConfig converts the extractor section.
func (c Config) ExtractorConfig() extractor.Config {
	return extractor.Config{
		UserAgent:    c.Extractor.UserAgent,
		Timeout:      time.Duration(c.Extractor.TimeoutSeconds) * time.Second,
		MaxBodyBytes: c.Extractor.MaxBodyBytes,
		HostRPS:      c.Extractor.HostRPS,
		HostBurst:    c.Extractor.HostBurst,
	}
}

// PostgresConfig converts the store section.
func (c Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		DSN:      c.Store.DSN,
		MaxConns: int32(c.Store.MaxConns),
	}
}

// APIConfig converts the api section.
func (c Config) APIConfig() api.Config {
	return api.Config{
		DefaultPageSize: c.API.DefaultPageSize,
		MaxPageSize:     c.API.MaxPageSize,
		RequestTimeout:  time.Duration(c.API.RequestTimeoutSeconds) * time.Second,
	}
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
