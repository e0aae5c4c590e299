// Package config loads the proxy's TOML configuration, layering CLI flag
// overrides and environment variables on top of file values.
//
// Grounded on the pack's marmos91-dittofs pkg/config/config.go: viper for
// file+env sourcing, a mapstructure decode hook chain for the handful of
// types viper's defaults don't know how to parse (time.Duration and
// human-readable byte sizes), and go-playground/validator struct tags for
// the post-unmarshal validation pass. Format is TOML rather than dittofs's
// YAML, per this proxy's own convention.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix = "CACHEPROXY"

// LoggingConfig mirrors internal/logging.Config with struct tags viper and
// validator can act on; ToLoggingFields unpacks it.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	Output string `mapstructure:"output"`
}

// CacheConfig is one `[[cache]]` block: everything a single listener +
// ConnectionEngine + backend needs, matching spec.md §6's field table.
type CacheConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	CacheName string `mapstructure:"cache_name" validate:"required"`
	Protocol string `mapstructure:"protocol" validate:"required,oneof=memcache resp"`

	DefaultTTL time.Duration `mapstructure:"default_ttl"`

	// ConnectionCount is the connection pool size for the remote backend and
	// the number of worker connections (backend.NewMemcache's poolSize) for a
	// memcache backend.
	ConnectionCount int `mapstructure:"connection_count" validate:"omitempty,min=1"`

	Flags bool `mapstructure:"flags"`

	MemoryCacheBytes      int64 `mapstructure:"memory_cache_bytes" validate:"min=0"`
	MemoryCacheTTLSeconds int   `mapstructure:"memory_cache_ttl_seconds" validate:"min=0"`

	BufferSize int64 `mapstructure:"buffer_size" validate:"omitempty,min=0"`

	DiskCacheBytes int64  `mapstructure:"disk_cache_bytes" validate:"min=0"`
	DiskDir        string `mapstructure:"disk_dir"`

	// BackendKind selects which Backend implementation this cache forwards
	// misses to. Not named explicitly in spec.md's field table, but required
	// plumbing to build one: "remote" (RESP-speaking remote cache service,
	// backend.Remote) or "memcache" (pool of persistent memcache connections,
	// backend.Memcache).
	BackendKind string `mapstructure:"backend_kind" validate:"required,oneof=remote memcache"`
	// BackendAddress is the host:port of the single backend node, for either
	// backend kind. It is used unsplit, so a list of addresses is not
	// supported.
	BackendAddress string `mapstructure:"backend_address" validate:"required"`
}

// Config is the top-level proxy configuration: one process, one or more
// configured caches, each independently listening and tiering.
type Config struct {
	// Threads is a soft hint for GOMAXPROCS; 0 leaves the Go runtime default.
	Threads int `mapstructure:"threads" validate:"omitempty,min=0"`

	AdminListenAddress string `mapstructure:"admin_listen_address"`

	Logging LoggingConfig `mapstructure:"logging"`

	Caches []CacheConfig `mapstructure:"cache" validate:"required,min=1,dive"`

	// BackendAPIKey authenticates against the remote backend. Sourced only
	// from the BACKEND_API_KEY environment variable (never the config file,
	// per spec.md §6), and required once any cache configures a remote
	// backend.
	BackendAPIKey string `mapstructure:"-"`
	// OTLPEndpoint/OTLPAPIToken round-trip the metrics-export collaborator's
	// settings through this struct without this module acting on them
	// itself (spec.md §1 keeps that pipeline external).
	OTLPEndpoint string `mapstructure:"-"`
	OTLPAPIToken string `mapstructure:"-"`
}

// Load reads configPath (or, when empty, searches for a cacheproxy config
// file in ., the XDG config dir's cacheproxy folder and /etc/cacheproxy,
// e.g. ./cacheproxy.toml), applies CACHEPROXY_* environment
// overrides and the BACKEND_API_KEY/OTLP_* passthrough vars, then validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	cfg.BackendAPIKey = os.Getenv("BACKEND_API_KEY")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")
	cfg.OTLPAPIToken = os.Getenv("OTLP_API_TOKEN")

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	for _, c := range cfg.Caches {
		if c.BackendKind == "remote" && cfg.BackendAPIKey == "" {
			return nil, fmt.Errorf("cache %q configures a remote backend but BACKEND_API_KEY is not set", c.CacheName)
		}
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("cacheproxy")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath(defaultConfigDir())
	v.AddConfigPath("/etc/cacheproxy")
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook lets memory_cache_bytes, disk_cache_bytes and
// buffer_size be written as either a plain integer or a human-readable size
// like "64MB" in the TOML file, via parseByteSize.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(int64(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return parseByteSize(v)
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v) * time.Second, nil
		default:
			return data, nil
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	for i := range cfg.Caches {
		c := &cfg.Caches[i]
		if c.ConnectionCount <= 0 {
			c.ConnectionCount = 4
		}
		if c.BufferSize <= 0 {
			c.BufferSize = 4096
		} else {
			c.BufferSize = roundUpToPage(c.BufferSize)
		}
	}
}

const pageSize = 4096

func roundUpToPage(n int64) int64 {
	if n%pageSize == 0 {
		return n
	}
	return (n/pageSize + 1) * pageSize
}

var validate = validator.New()

// Validate runs struct-tag validation over cfg. Exported so callers (and
// tests) can re-validate a programmatically built Config.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}

// ToLoggingFields returns the level, format and output that
// internal/logging.Config is built from.
// Kept as a plain field-copy rather than a shared type so this package has
// no import-time dependency on logging's package, matching the rest of the
// proxy's "config packages don't import behavior packages" layering.
func (l LoggingConfig) ToLoggingFields() (level, format, output string) {
	return l.Level, l.Format, l.Output
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "cacheproxy")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cacheproxy")
}
