package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Valkey    ValkeyConfig    `mapstructure:"valkey"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Zones     []ZoneConfig    `mapstructure:"zones"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

// StoreConfig selects the LocationStore backend the query engine runs on.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "postgres" or "valkey"
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type ValkeyConfig struct {
	Addr string `mapstructure:"addr"`
}

// EngineConfig tunes the geoquery engine. Durations are plain integers so
// they stay settable through GEOWATCH_ENGINE_* environment variables.
type EngineConfig struct {
	Precision       int `mapstructure:"precision"`
	CleanupInterval int `mapstructure:"cleanup_interval"` // seconds
	MaxOpenRanges   int `mapstructure:"max_open_ranges"`
	CleanupDelayMs  int `mapstructure:"cleanup_delay_ms"`
}

// ZoneConfig is one watched zone. Zones are config-file data (a `zones:`
// list); they have no defaults and no env-var form.
type ZoneConfig struct {
	Name            string  `mapstructure:"name"`
	Lat             float64 `mapstructure:"lat"`
	Lon             float64 `mapstructure:"lon"`
	RadiusMeters    float64 `mapstructure:"radius_meters"`
	DwellAlertAfter int     `mapstructure:"dwell_alert_after"` // seconds, 0 disables the alert
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	TempoAddr   string `mapstructure:"tempo_addr"`
	Enabled     bool   `mapstructure:"enabled"`
}

// Load reads configuration from file and environment variables.
func Load(service string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10)
	v.SetDefault("server.write_timeout", 10)
	v.SetDefault("store.backend", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "geowatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "geowatch")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("valkey.addr", "localhost:6379")
	v.SetDefault("engine.precision", 10)
	v.SetDefault("engine.cleanup_interval", 10)
	v.SetDefault("engine.max_open_ranges", 25)
	v.SetDefault("engine.cleanup_delay_ms", 10)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "geowatch-visits")
	v.SetDefault("telemetry.service_name", service)
	v.SetDefault("telemetry.tempo_addr", "tempo:4317")
	v.SetDefault("telemetry.enabled", true)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	_ = v.ReadInConfig() // OK if missing

	// Environment variables: GEOWATCH_DATABASE_HOST → database.host
	v.SetEnvPrefix("GEOWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that required configuration fields are present and sane.
// Zone geometry is validated by the zone service, not here.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Store.Backend != "postgres" && c.Store.Backend != "valkey" {
		errs = append(errs, fmt.Sprintf("store.backend must be postgres or valkey, got %q", c.Store.Backend))
	}
	if c.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", c.Database.Port))
	}
	if c.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if c.Database.DBName == "" {
		errs = append(errs, "database.dbname is required")
	}
	if c.NATS.URL == "" {
		errs = append(errs, "nats.url is required")
	}
	if c.Valkey.Addr == "" {
		errs = append(errs, "valkey.addr is required")
	}
	if c.Engine.Precision < 1 || c.Engine.Precision > 22 {
		errs = append(errs, fmt.Sprintf("engine.precision must be 1-22, got %d", c.Engine.Precision))
	}
	if c.Engine.CleanupInterval <= 0 {
		errs = append(errs, "engine.cleanup_interval must be positive")
	}
	if c.Engine.MaxOpenRanges <= 0 {
		errs = append(errs, "engine.max_open_ranges must be positive")
	}
	if c.Temporal.HostPort == "" {
		errs = append(errs, "temporal.host_port is required")
	}
	if c.Temporal.TaskQueue == "" {
		errs = append(errs, "temporal.task_queue is required")
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, "server.read_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
