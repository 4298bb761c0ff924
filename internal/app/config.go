package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/workbeat/worker/internal/database"
)

// Config represents the runtime configuration for the WorkBeat offline worker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// ServerConfig configures the worker's HTTP listener.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the cache store.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver" validate:"oneof=sqlite postgres mysql"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// CacheConfig names the four cache partitions and their limits. Partition
// names are injected into the store manager and maintenance scheduler so
// tests can substitute fake partitions.
type CacheConfig struct {
	Partitions        PartitionNames `mapstructure:"partitions"`
	CriticalAssets    []string       `mapstructure:"critical_assets"`
	StaticAssets      []string       `mapstructure:"static_assets"`
	APIMaxAge         time.Duration  `mapstructure:"api_max_age" validate:"gt=0"`
	RuntimeMaxEntries int            `mapstructure:"runtime_max_entries" validate:"gt=0"`
	CleanupSchedule   string         `mapstructure:"cleanup_schedule"`
}

// PartitionNames holds the versioned names of the worker cache partitions.
type PartitionNames struct {
	Critical string `mapstructure:"critical" validate:"required"`
	Static   string `mapstructure:"static" validate:"required"`
	API      string `mapstructure:"api" validate:"required"`
	Runtime  string `mapstructure:"runtime" validate:"required"`
}

// All returns the expected partition names; any other partition found in
// the store is a leftover from a previous worker version.
func (p PartitionNames) All() []string {
	return []string{p.Critical, p.Static, p.API, p.Runtime}
}

// UpstreamConfig points the worker at the origin it fronts.
type UpstreamConfig struct {
	Origin             string        `mapstructure:"origin" validate:"required,url"`
	AttendanceEndpoint string        `mapstructure:"attendance_endpoint" validate:"required,url"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
}

// SyncConfig tunes the background sync coordinator.
type SyncConfig struct {
	MessageTimeout time.Duration `mapstructure:"message_timeout" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	Notifications  bool          `mapstructure:"notifications"`
}

// DatabaseConnectionConfig converts the app-level settings into the
// database package's Config for the active driver.
func (c DatabaseConfig) DatabaseConnectionConfig() database.Config {
	cfg := database.Config{
		Driver: c.Driver,
		Path:   c.Path,
		DSN:    c.DSN,
	}

	switch strings.ToLower(c.Driver) {
	case "postgres":
		cfg.Host = c.Postgres.Host
		cfg.Port = c.Postgres.Port
		cfg.Name = c.Postgres.Database
		cfg.User = c.Postgres.Username
		cfg.Password = c.Postgres.Password
	case "mysql":
		cfg.Host = c.MySQL.Host
		cfg.Port = c.MySQL.Port
		cfg.Name = c.MySQL.Database
		cfg.User = c.MySQL.Username
		cfg.Password = c.MySQL.Password
	}

	return cfg
}

// LoadConfig initialises worker configuration using Viper with defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("WORKBEAT_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil configuration")
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/worker-cache.sqlite")

	v.SetDefault("cache.partitions.critical", "workbeat-critical-v2")
	v.SetDefault("cache.partitions.static", "workbeat-static-v2")
	v.SetDefault("cache.partitions.api", "workbeat-api-v2")
	v.SetDefault("cache.partitions.runtime", "workbeat-runtime-v2")
	v.SetDefault("cache.critical_assets", []string{"/", "/index.html", "/manifest.json"})
	v.SetDefault("cache.static_assets", []string{"/icons/icon-192.png", "/icons/icon-512.png", "/splash/splash-640.png"})
	v.SetDefault("cache.api_max_age", "24h")
	v.SetDefault("cache.runtime_max_entries", 50)
	v.SetDefault("cache.cleanup_schedule", "@hourly")

	v.SetDefault("upstream.origin", "http://127.0.0.1:3000")
	v.SetDefault("upstream.attendance_endpoint", "http://127.0.0.1:3000/api/attendance")
	v.SetDefault("upstream.fetch_timeout", "30s")

	v.SetDefault("sync.message_timeout", "10s")
	v.SetDefault("sync.max_retries", 8)
	v.SetDefault("sync.notifications", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
