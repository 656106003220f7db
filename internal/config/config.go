package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. DLENGINE_POOL_CORE_SIZE
const EnvPrefix = "DLENGINE"

// Config represents the entire application configuration
type Config struct {
	Download    DownloadConfig    `mapstructure:"download"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Recorder    RecorderConfig    `mapstructure:"recorder"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// DownloadConfig contains transfer settings
type DownloadConfig struct {
	Dir              string `mapstructure:"dir" validate:"required"`
	ChunkSize        int    `mapstructure:"chunk_size" validate:"min=512,max=16777216"`
	SyncWrites       bool   `mapstructure:"sync_writes"`
	StaleWaitTimeout string `mapstructure:"stale_wait_timeout"`
	MinFreeBytes     int64  `mapstructure:"min_free_bytes" validate:"min=0"`
}

// HTTPConfig contains settings of the outgoing HTTP client
type HTTPConfig struct {
	ConnectTimeout        string `mapstructure:"connect_timeout"`
	ResponseHeaderTimeout string `mapstructure:"response_header_timeout"`
	IdleReadTimeout       string `mapstructure:"idle_read_timeout"`
	UserAgent             string `mapstructure:"user_agent"`
	SkipTLSVerify         bool   `mapstructure:"skip_tls_verify"`
	MaxConnsPerHost       int    `mapstructure:"max_conns_per_host" validate:"min=0"`
}

// PoolConfig contains transfer pool sizing. Zero sizes are derived from the CPU count.
type PoolConfig struct {
	CoreSize  int    `mapstructure:"core_size" validate:"min=0"`
	MaxSize   int    `mapstructure:"max_size" validate:"min=0"`
	KeepAlive string `mapstructure:"keep_alive"`
	QueueSize int    `mapstructure:"queue_size" validate:"min=1"`
	Priority  bool   `mapstructure:"priority"`
}

// RecorderConfig contains settings of the durable write queue
type RecorderConfig struct {
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms" validate:"min=0"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// ServerConfig contains status server settings. An empty BindAddr disables it.
type ServerConfig struct {
	BindAddr     string `mapstructure:"bind_addr" validate:"omitempty,hostname_port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

// MaintenanceConfig contains record retention settings
type MaintenanceConfig struct {
	RecordRetention string `mapstructure:"record_retention"`
	CleanupInterval string `mapstructure:"cleanup_interval"`
}

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.dir", "downloads")
	v.SetDefault("download.chunk_size", 8192)
	v.SetDefault("download.sync_writes", true)
	v.SetDefault("download.stale_wait_timeout", "5s")
	v.SetDefault("download.min_free_bytes", 0)
	v.SetDefault("http.connect_timeout", "10s")
	v.SetDefault("http.response_header_timeout", "5s")
	v.SetDefault("http.idle_read_timeout", "5s")
	v.SetDefault("http.user_agent", "dlengine/1.0")
	v.SetDefault("http.skip_tls_verify", false)
	v.SetDefault("http.max_conns_per_host", 0)
	v.SetDefault("pool.core_size", 0)
	v.SetDefault("pool.max_size", 0)
	v.SetDefault("pool.keep_alive", "60s")
	v.SetDefault("pool.queue_size", 128)
	v.SetDefault("pool.priority", false)
	v.SetDefault("recorder.queue_size", 256)
	v.SetDefault("database.path", "")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("server.bind_addr", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("maintenance.record_retention", "0")
	v.SetDefault("maintenance.cleanup_interval", "1h")
}

// Default returns the configuration made of defaults and environment overrides only
func Default() (*Config, error) {
	return Load("")
}

// Load loads configuration from the specified file path. An empty path
// skips the file. Environment variables prefixed with DLENGINE_ override both.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrors validator.ValidationErrors
		if errors.As(err, &verrors) {
			return fmt.Errorf("invalid %s: failed %q check", verrors[0].Namespace(), verrors[0].Tag())
		}
		return err
	}

	if c.Pool.CoreSize > 0 && c.Pool.MaxSize > 0 && c.Pool.MaxSize < c.Pool.CoreSize {
		return fmt.Errorf("pool.max_size (%d) must not be below pool.core_size (%d)", c.Pool.MaxSize, c.Pool.CoreSize)
	}

	durations := map[string]string{
		"download.stale_wait_timeout":  c.Download.StaleWaitTimeout,
		"http.connect_timeout":         c.HTTP.ConnectTimeout,
		"http.response_header_timeout": c.HTTP.ResponseHeaderTimeout,
		"http.idle_read_timeout":       c.HTTP.IdleReadTimeout,
		"pool.keep_alive":              c.Pool.KeepAlive,
		"server.read_timeout":          c.Server.ReadTimeout,
		"server.write_timeout":         c.Server.WriteTimeout,
		"server.idle_timeout":          c.Server.IdleTimeout,
		"maintenance.record_retention": c.Maintenance.RecordRetention,
		"maintenance.cleanup_interval": c.Maintenance.CleanupInterval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", key)
		}
	}

	return nil
}

// parseDuration returns the parsed value, or fallback when it is empty or zero
func parseDuration(value string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(value)
	if d == 0 {
		return fallback
	}
	return d
}

// GetStaleWaitTimeout returns how long re-admission waits for a stopped transfer
func (c *DownloadConfig) GetStaleWaitTimeout() time.Duration {
	return parseDuration(c.StaleWaitTimeout, 5*time.Second)
}

// GetConnectTimeout returns the dial timeout
func (c *HTTPConfig) GetConnectTimeout() time.Duration {
	return parseDuration(c.ConnectTimeout, 10*time.Second)
}

// GetResponseHeaderTimeout returns the time allowed for response headers
func (c *HTTPConfig) GetResponseHeaderTimeout() time.Duration {
	return parseDuration(c.ResponseHeaderTimeout, 5*time.Second)
}

// GetIdleReadTimeout returns how long a body read may stall
func (c *HTTPConfig) GetIdleReadTimeout() time.Duration {
	return parseDuration(c.IdleReadTimeout, 5*time.Second)
}

// GetKeepAlive returns the idle lifetime of workers above the core size
func (c *PoolConfig) GetKeepAlive() time.Duration {
	return parseDuration(c.KeepAlive, 60*time.Second)
}

// GetPath returns the database path, defaulting to a file in the download directory
func (c *DatabaseConfig) GetPath(downloadDir string) string {
	if c.Path != "" {
		return c.Path
	}
	return filepath.Join(downloadDir, "dlengine.db")
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration
func (c *ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(c.WriteTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *ServerConfig) GetIdleTimeout() time.Duration {
	return parseDuration(c.IdleTimeout, 60*time.Second)
}

// GetRecordRetention returns how long finished records are kept. Zero disables pruning.
func (c *MaintenanceConfig) GetRecordRetention() time.Duration {
	d, _ := time.ParseDuration(c.RecordRetention)
	return d
}

// GetCleanupInterval returns the pruning interval
func (c *MaintenanceConfig) GetCleanupInterval() time.Duration {
	return parseDuration(c.CleanupInterval, time.Hour)
}
