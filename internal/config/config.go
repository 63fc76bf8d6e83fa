// Package config loads the offline layer configuration.
//
// Precedence, lowest first: built-in defaults, the config file (TOML or
// YAML, chosen by extension), then OFFLINESYNC_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	apperrors "github.com/Jessealbonian/Athletrack-Capstone-sub000/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLINESYNC_"

// Duration is a time.Duration written as a string ("24h", "5s") in config
// files.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the complete configuration.
type Config struct {
	DataDir string      `toml:"data_dir" yaml:"data_dir"`
	Listen  string      `toml:"listen" yaml:"listen"`
	API     APIConfig   `toml:"api" yaml:"api"`
	Cache   CacheConfig `toml:"cache" yaml:"cache"`
	Sync    SyncConfig  `toml:"sync" yaml:"sync"`
	Log     LogConfig   `toml:"log" yaml:"log"`
}

// APIConfig describes the upstream business API.
type APIConfig struct {
	BaseURL    string `toml:"base_url" yaml:"base_url"`
	PathPrefix string `toml:"path_prefix" yaml:"path_prefix"`
	Token      string `toml:"token" yaml:"token"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	TTL Duration `toml:"ttl" yaml:"ttl"`
}

// SyncConfig holds queue and auto-sync settings.
type SyncConfig struct {
	Interval      Duration `toml:"interval" yaml:"interval"`
	SettleDelay   Duration `toml:"settle_delay" yaml:"settle_delay"`
	MaxRetries    int      `toml:"max_retries" yaml:"max_retries"`
	ProbeURL      string   `toml:"probe_url" yaml:"probe_url"`
	ProbeInterval Duration `toml:"probe_interval" yaml:"probe_interval"`
	PurgeInterval Duration `toml:"purge_interval" yaml:"purge_interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // auto, json or text
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Listen:  "127.0.0.1:8787",
		API: APIConfig{
			BaseURL:    "http://localhost:8080",
			PathPrefix: "/api",
		},
		Cache: CacheConfig{TTL: Duration(24 * time.Hour)},
		Sync: SyncConfig{
			Interval:      Duration(5 * time.Second),
			SettleDelay:   Duration(time.Second),
			MaxRetries:    3,
			ProbeInterval: Duration(30 * time.Second),
			PurgeInterval: Duration(10 * time.Minute),
		},
		Log: LogConfig{Level: "info", Format: "auto"},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "cannot read config file", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return apperrors.New(apperrors.ErrConfig, fmt.Sprintf("unsupported config format %q", filepath.Ext(path)))
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "cannot parse config file", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DataDir = envOrDefault("DATA_DIR", c.DataDir)
	c.Listen = envOrDefault("LISTEN", c.Listen)
	c.API.BaseURL = envOrDefault("API_BASE_URL", c.API.BaseURL)
	c.API.PathPrefix = envOrDefault("API_PATH_PREFIX", c.API.PathPrefix)
	c.API.Token = envOrDefault("API_TOKEN", c.API.Token)
	c.Sync.ProbeURL = envOrDefault("SYNC_PROBE_URL", c.Sync.ProbeURL)
	c.Log.Level = envOrDefault("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("LOG_FORMAT", c.Log.Format)

	var err error
	durations := []struct {
		key string
		dst *Duration
	}{
		{"CACHE_TTL", &c.Cache.TTL},
		{"SYNC_INTERVAL", &c.Sync.Interval},
		{"SYNC_SETTLE_DELAY", &c.Sync.SettleDelay},
		{"SYNC_PROBE_INTERVAL", &c.Sync.ProbeInterval},
		{"SYNC_PURGE_INTERVAL", &c.Sync.PurgeInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationOrDefault(d.key, *d.dst); err != nil {
			return err
		}
	}
	if c.Sync.MaxRetries, err = intOrDefault("SYNC_MAX_RETRIES", c.Sync.MaxRetries); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration for values the layer cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrConfig, "data_dir is required")
	}
	if _, err := c.APIBaseURL(); err != nil {
		return err
	}
	if c.API.PathPrefix != "" && !strings.HasPrefix(c.API.PathPrefix, "/") {
		return apperrors.New(apperrors.ErrConfig, "api.path_prefix must start with /")
	}
	if c.Sync.MaxRetries < 1 {
		return apperrors.New(apperrors.ErrConfig, "sync.max_retries must be at least 1")
	}
	if c.Sync.Interval <= 0 {
		return apperrors.New(apperrors.ErrConfig, "sync.interval must be positive")
	}
	if c.Sync.SettleDelay < 0 || c.Cache.TTL < 0 || c.Sync.PurgeInterval < 0 {
		return apperrors.New(apperrors.ErrConfig, "durations must not be negative")
	}
	switch c.Log.Format {
	case "auto", "json", "text":
	default:
		return apperrors.New(apperrors.ErrConfig, fmt.Sprintf("log.format %q is not one of auto, json, text", c.Log.Format))
	}
	return nil
}

// APIBaseURL parses API.BaseURL.
func (c *Config) APIBaseURL() (*url.URL, error) {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "api.base_url is invalid", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, apperrors.New(apperrors.ErrConfig, fmt.Sprintf("api.base_url %q must be an absolute http(s) URL", c.API.BaseURL))
	}
	return u, nil
}

// TOML renders the configuration as TOML.
func (c *Config) TOML() ([]byte, error) {
	return toml.Marshal(c)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback Duration) (Duration, error) {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback, apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+key+" is not a duration", err)
	}
	return Duration(parsed), nil
}

func intOrDefault(key string, fallback int) (int, error) {
	value := os.Getenv(EnvPrefix + key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, apperrors.Wrap(apperrors.ErrConfig, EnvPrefix+key+" is not an integer", err)
	}
	return parsed, nil
}
