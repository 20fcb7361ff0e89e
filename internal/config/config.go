// Package config loads indexer settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/johndauphine/catalog-etl/internal/checkpoint"
	"github.com/johndauphine/catalog-etl/internal/logging"
	"github.com/johndauphine/catalog-etl/internal/util"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPath is read when present and CONFIG_PATH is unset.
const DefaultConfigPath = "config.yaml"

// Config is the complete indexer configuration.
type Config struct {
	Postgres PostgresConfig `koanf:"postgres"`
	Elastic  ElasticConfig  `koanf:"elastic"`
	State    StateConfig    `koanf:"state"`
	ETL      ETLConfig      `koanf:"etl"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// PostgresConfig configures the source database.
type PostgresConfig struct {
	DSN      string `koanf:"dsn" validate:"required"`
	MaxConns int    `koanf:"max_conns" validate:"min=2,max=100"`
}

// ElasticConfig configures the search cluster.
type ElasticConfig struct {
	BaseURL  string `koanf:"base_url" validate:"required,url"`
	BulkSize int    `koanf:"bulk_size" validate:"min=1,max=10000"`
}

// StateConfig selects and configures the checkpoint store.
type StateConfig struct {
	Backend    string `koanf:"backend" validate:"oneof=redis sqlite"`
	RedisDSN   string `koanf:"redis_dsn" validate:"required_if=Backend redis"`
	SQLitePath string `koanf:"sqlite_path" validate:"required_if=Backend sqlite"`
	KeyPrefix  string `koanf:"key_prefix" validate:"required"`
}

// ETLConfig tunes the coordinator.
type ETLConfig struct {
	ChunkSize        int           `koanf:"chunk_size" validate:"min=1"`
	SleepInterval    time.Duration `koanf:"sleep_interval" validate:"gt=0"`
	LockTTL          time.Duration `koanf:"lock_ttl" validate:"gte=1s"`
	RetryMaxElapsed  time.Duration `koanf:"retry_max_elapsed" validate:"gt=0"`
	RetryMaxInterval time.Duration `koanf:"retry_max_interval" validate:"gt=0"`
	ShutdownGrace    time.Duration `koanf:"shutdown_grace" validate:"gte=0"`
	AdaptersFile     string        `koanf:"adapters_file"`
	Tables           []string      `koanf:"tables"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

func defaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{MaxConns: 4},
		Elastic:  ElasticConfig{BulkSize: 500},
		State: StateConfig{
			Backend:    checkpoint.BackendRedis,
			SQLitePath: "etl_state.db",
			KeyPrefix:  "ETL",
		},
		ETL: ETLConfig{
			ChunkSize:        100,
			SleepInterval:    30 * time.Second,
			LockTTL:          10 * time.Second,
			RetryMaxElapsed:  5 * time.Minute,
			RetryMaxInterval: 120 * time.Second,
			ShutdownGrace:    10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// envMappings maps environment variables to config paths. Unlisted
// variables are ignored.
var envMappings = map[string]string{
	"pg_db_dsn":              "postgres.dsn",
	"pg_db_max_conns":        "postgres.max_conns",
	"elastic_base_url":       "elastic.base_url",
	"elastic_bulk_size":      "elastic.bulk_size",
	"state_backend":          "state.backend",
	"redis_dsn":              "state.redis_dsn",
	"state_sqlite_path":      "state.sqlite_path",
	"state_key_prefix":       "state.key_prefix",
	"etl_chunk_size":         "etl.chunk_size",
	"etl_sleep_interval":     "etl.sleep_interval",
	"etl_lock_ttl":           "etl.lock_ttl",
	"etl_retry_max_elapsed":  "etl.retry_max_elapsed",
	"etl_retry_max_interval": "etl.retry_max_interval",
	"etl_shutdown_grace":     "etl.shutdown_grace",
	"etl_adapters_file":      "etl.adapters_file",
	"etl_tables":             "etl.tables",
	"metrics_addr":           "metrics.addr",
	"log_level":              "logging.level",
	"log_format":             "logging.format",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// Load builds the configuration. path names the YAML file; when empty,
// CONFIG_PATH is used, then config.yaml if it exists.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	// ETL_TABLES arrives as a comma-separated string.
	if s, ok := k.Get("etl.tables").(string); ok {
		if err := k.Set("etl.tables", util.SplitCSV(s)); err != nil {
			return nil, fmt.Errorf("setting etl.tables: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.State.Backend = strings.ToLower(cfg.State.Backend)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.ETL.RetryMaxInterval > c.ETL.RetryMaxElapsed {
		errs = append(errs, fmt.Errorf("etl.retry_max_interval (%v) exceeds etl.retry_max_elapsed (%v)",
			c.ETL.RetryMaxInterval, c.ETL.RetryMaxElapsed))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "url":
		return fmt.Errorf("%s must be a URL, got %q", field, fe.Value())
	}
	if fe.Param() != "" {
		return fmt.Errorf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s failed %s (got %v)", field, fe.Tag(), fe.Value())
}

// String renders the config with credentials masked.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "postgres: dsn=%s max_conns=%d\n", RedactDSN(c.Postgres.DSN), c.Postgres.MaxConns)
	fmt.Fprintf(&b, "elastic: base_url=%s bulk_size=%d\n", RedactDSN(c.Elastic.BaseURL), c.Elastic.BulkSize)
	switch c.State.Backend {
	case checkpoint.BackendSQLite:
		fmt.Fprintf(&b, "state: backend=sqlite path=%s prefix=%s\n", c.State.SQLitePath, c.State.KeyPrefix)
	default:
		fmt.Fprintf(&b, "state: backend=redis dsn=%s prefix=%s\n", RedactDSN(c.State.RedisDSN), c.State.KeyPrefix)
	}
	fmt.Fprintf(&b, "etl: chunk_size=%d sleep=%v lock_ttl=%v retry=%v/%v grace=%v",
		c.ETL.ChunkSize, c.ETL.SleepInterval, c.ETL.LockTTL,
		c.ETL.RetryMaxElapsed, c.ETL.RetryMaxInterval, c.ETL.ShutdownGrace)
	if len(c.ETL.Tables) > 0 {
		fmt.Fprintf(&b, " tables=%s", strings.Join(c.ETL.Tables, ","))
	}
	if c.ETL.AdaptersFile != "" {
		fmt.Fprintf(&b, " adapters=%s", c.ETL.AdaptersFile)
	}
	if c.Metrics.Addr != "" {
		fmt.Fprintf(&b, "\nmetrics: addr=%s", c.Metrics.Addr)
	}
	return b.String()
}

var kvPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

// RedactDSN masks the password of a URL or key=value connection string.
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}
	return kvPassword.ReplaceAllString(dsn, "${1}xxxxx")
}
