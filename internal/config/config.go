// Package config provides configuration loading for offsync.
//
// Configuration comes from an optional YAML file, overlaid by OFFSYNC_*
// environment variables and command-line flags through viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. OFFSYNC_REMOTE_BASEURL.
const EnvPrefix = "OFFSYNC"

// Viper keys. Nested keys map to environment variables with "." -> "_".
const (
	KeyDatabase         = "database"
	KeyTables           = "tables"
	KeyRemoteBaseURL    = "remote.baseURL"
	KeyRemotePullPath   = "remote.pullPath"
	KeyRemotePushPath   = "remote.pushPath"
	KeyRemoteAPIKey     = "remote.apiKey"
	KeyRemoteTimeout    = "remote.callTimeout"
	KeyProbeInterval    = "monitor.probeInterval"
	KeyMaxProbeInterval = "monitor.maxProbeInterval"
	KeyResyncInterval   = "monitor.resyncInterval"
	KeyMetricsEnabled   = "metrics.enabled"
	KeyMetricsAddress   = "metrics.address"
	KeyServerAddress    = "server.address"
)

// Config is the root configuration.
type Config struct {
	// Database is the SQLite file path.
	Database string `yaml:"database"`

	// Tables lists the synchronized tables. Tables also register themselves
	// on first local write or remote apply.
	Tables []string `yaml:"tables,omitempty"`

	Remote  RemoteConfig  `yaml:"remote"`
	Monitor MonitorConfig `yaml:"monitor"`
	Metrics MetricsConfig `yaml:"metrics"`
	Server  ServerConfig  `yaml:"server"`
}

// RemoteConfig locates the sync server.
type RemoteConfig struct {
	BaseURL     string   `yaml:"baseURL,omitempty"`
	PullPath    string   `yaml:"pullPath,omitempty"`
	PushPath    string   `yaml:"pushPath,omitempty"`
	APIKey      string   `yaml:"apiKey,omitempty"`
	CallTimeout Duration `yaml:"callTimeout,omitempty"`
}

// MonitorConfig controls connectivity probing.
type MonitorConfig struct {
	ProbeInterval    Duration `yaml:"probeInterval,omitempty"`
	MaxProbeInterval Duration `yaml:"maxProbeInterval,omitempty"`
	// ResyncInterval fires a cycle periodically while reachable. Zero disables it.
	ResyncInterval Duration `yaml:"resyncInterval,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address,omitempty"`
}

// ServerConfig configures the reference sync server (serve command).
type ServerConfig struct {
	Address string `yaml:"address,omitempty"`
}

// Duration is a time.Duration that reads and writes YAML as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts Go duration strings and plain integer seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		var secs int64
		if _, scanErr := fmt.Sscanf(s, "%d", &secs); scanErr != nil || fmt.Sprint(secs) != s {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(secs) * time.Second
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: "offsync.db",
		Remote: RemoteConfig{
			PullPath:    "cars/sync/pull",
			PushPath:    "users/sync",
			CallTimeout: Duration{30 * time.Second},
		},
		Monitor: MonitorConfig{
			ProbeInterval:    Duration{5 * time.Second},
			MaxProbeInterval: Duration{2 * time.Minute},
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Server: ServerConfig{
			Address: ":8080",
		},
	}
}

// Option configures Load.
type Option func(*loaderConfig) error

type loaderConfig struct {
	path  string
	viper *viper.Viper
}

// WithConfigPath loads configuration from a YAML file.
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}
		cfg.path = realPath
		return nil
	}
}

// WithViper overlays values set in v (flags, environment) on top of the file.
func WithViper(v *viper.Viper) Option {
	return func(cfg *loaderConfig) error {
		cfg.viper = v
		return nil
	}
}

// Load builds the configuration: defaults, then the file, then viper
// overrides, then validation.
func Load(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if loaderCfg.viper != nil {
		if err := cfg.overlay(loaderCfg.viper); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewViper returns a viper instance reading OFFSYNC_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// overlay copies every key explicitly set in v into cfg.
func (c *Config) overlay(v *viper.Viper) error {
	if v.IsSet(KeyDatabase) {
		c.Database = v.GetString(KeyDatabase)
	}
	if v.IsSet(KeyTables) {
		c.Tables = splitList(v.GetStringSlice(KeyTables))
	}
	if v.IsSet(KeyRemoteBaseURL) {
		c.Remote.BaseURL = v.GetString(KeyRemoteBaseURL)
	}
	if v.IsSet(KeyRemotePullPath) {
		c.Remote.PullPath = v.GetString(KeyRemotePullPath)
	}
	if v.IsSet(KeyRemotePushPath) {
		c.Remote.PushPath = v.GetString(KeyRemotePushPath)
	}
	if v.IsSet(KeyRemoteAPIKey) {
		c.Remote.APIKey = v.GetString(KeyRemoteAPIKey)
	}
	if v.IsSet(KeyMetricsEnabled) {
		c.Metrics.Enabled = v.GetBool(KeyMetricsEnabled)
	}
	if v.IsSet(KeyMetricsAddress) {
		c.Metrics.Address = v.GetString(KeyMetricsAddress)
	}
	if v.IsSet(KeyServerAddress) {
		c.Server.Address = v.GetString(KeyServerAddress)
	}

	durations := map[string]*Duration{
		KeyRemoteTimeout:    &c.Remote.CallTimeout,
		KeyProbeInterval:    &c.Monitor.ProbeInterval,
		KeyMaxProbeInterval: &c.Monitor.MaxProbeInterval,
		KeyResyncInterval:   &c.Monitor.ResyncInterval,
	}
	for key, dst := range durations {
		if !v.IsSet(key) {
			continue
		}
		raw := v.GetString(key)
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
		}
		dst.Duration = d
	}
	return nil
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.Database == "" {
		return errors.New("database path is required")
	}

	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t == "" {
			return errors.New("table names cannot be empty")
		}
		if seen[t] {
			return fmt.Errorf("table %q listed twice", t)
		}
		seen[t] = true
	}

	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil {
			return fmt.Errorf("remote.baseURL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("remote.baseURL must be http or https, got %q", c.Remote.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("remote.baseURL has no host: %q", c.Remote.BaseURL)
		}
	}

	if c.Remote.CallTimeout.Duration < 0 {
		return errors.New("remote.callTimeout cannot be negative")
	}
	if c.Monitor.ProbeInterval.Duration <= 0 {
		return errors.New("monitor.probeInterval must be positive")
	}
	if c.Monitor.MaxProbeInterval.Duration < c.Monitor.ProbeInterval.Duration {
		return errors.New("monitor.maxProbeInterval must not be below monitor.probeInterval")
	}
	if c.Monitor.ResyncInterval.Duration < 0 {
		return errors.New("monitor.resyncInterval cannot be negative")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics.address is required when metrics are enabled")
	}
	return nil
}

// RequireRemote reports an error if no remote is configured.
func (c *Config) RequireRemote() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("no remote configured: set remote.baseURL or %s_REMOTE_BASEURL", EnvPrefix)
	}
	return nil
}

// splitList accepts both repeated values and comma-separated values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
