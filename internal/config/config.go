// Package config loads docsync settings from a YAML file, DOCSYNC_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/proscan/docsync/internal/logging"
	"github.com/proscan/docsync/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. DOCSYNC_REMOTE_TOKEN.
const EnvPrefix = "DOCSYNC"

// Backend names a remote implementation.
type Backend string

const (
	BackendHTTP      Backend = "http"
	BackendFirestore Backend = "firestore"
	// BackendMemory keeps the remote store in process. Useful for demos.
	BackendMemory Backend = "memory"
)

type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// AssetsDir holds the page images referenced by documents.
	AssetsDir string `mapstructure:"assets_dir" yaml:"assets_dir"`
}

type CacheConfig struct {
	Capacity int           `mapstructure:"capacity" yaml:"capacity"`
	ListTTL  time.Duration `mapstructure:"list_ttl" yaml:"list_ttl"`
}

type RemoteConfig struct {
	Backend    Backend       `mapstructure:"backend" yaml:"backend"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Token      string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	APIVersion string        `mapstructure:"api_version" yaml:"api_version,omitempty"`
}

type FirestoreConfig struct {
	Project    string `mapstructure:"project" yaml:"project,omitempty"`
	Collection string `mapstructure:"collection" yaml:"collection"`
	Bucket     string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	PageSize   int    `mapstructure:"page_size" yaml:"page_size"`
}

type SyncConfig struct {
	// Interval between background cycles of the daemon. Zero disables them.
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	SkewTolerance  time.Duration `mapstructure:"skew_tolerance" yaml:"skew_tolerance"`
	// ConnectivityProbe is how often the daemon checks reachability.
	ConnectivityProbe time.Duration `mapstructure:"connectivity_probe" yaml:"connectivity_probe"`
}

type InboxConfig struct {
	Dir      string        `mapstructure:"dir" yaml:"dir"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// Config is the effective configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Firestore FirestoreConfig `mapstructure:"firestore" yaml:"firestore"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Retry     retry.Policy    `mapstructure:"retry" yaml:"retry"`
	Inbox     InboxConfig     `mapstructure:"inbox" yaml:"inbox"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       logging.Options `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// DataDir is the default home of the store, assets and inbox.
const DataDir = ".docsync"

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", filepath.Join(DataDir, "docsync.db"))
	v.SetDefault("store.assets_dir", filepath.Join(DataDir, "pages"))

	v.SetDefault("cache.capacity", 200)
	v.SetDefault("cache.list_ttl", 5*time.Second)

	v.SetDefault("remote.backend", string(BackendHTTP))
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.api_version", "")

	v.SetDefault("firestore.project", "")
	v.SetDefault("firestore.collection", "documents")
	v.SetDefault("firestore.bucket", "")
	v.SetDefault("firestore.page_size", 500)

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.max_concurrency", 4)
	v.SetDefault("sync.skew_tolerance", time.Duration(0))
	v.SetDefault("sync.connectivity_probe", 30*time.Second)

	policy := retry.DefaultPolicy()
	v.SetDefault("retry.base_delay", policy.BaseDelay)
	v.SetDefault("retry.max_delay", policy.MaxDelay)
	v.SetDefault("retry.max_attempts", policy.MaxAttempts)

	v.SetDefault("inbox.dir", filepath.Join(DataDir, "inbox"))
	v.SetDefault("inbox.debounce", 500*time.Millisecond)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	logOpts := logging.DefaultOptions()
	v.SetDefault("log.level", logOpts.Level)
	v.SetDefault("log.format", string(logOpts.Format))
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logOpts.MaxSizeMB)
	v.SetDefault("log.max_backups", logOpts.MaxBackups)
	v.SetDefault("log.max_age_days", logOpts.MaxAgeDays)
}

// New returns a viper instance with defaults and environment overrides
// registered. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or the first docsync.yaml found in the working
// directory or $HOME/.config/docsync when path is empty, and returns the
// validated configuration. A missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("docsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "docsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.Remote.Backend = Backend(strings.ToLower(string(cfg.Remote.Backend)))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}

	switch c.Remote.Backend {
	case BackendHTTP, BackendFirestore, BackendMemory:
	default:
		return fmt.Errorf("unknown remote.backend %q (want http, firestore or memory)", c.Remote.Backend)
	}
	if c.Remote.Timeout < 0 {
		return errors.New("remote.timeout must not be negative")
	}

	if c.Cache.Capacity <= 0 {
		return errors.New("cache.capacity must be positive")
	}
	if c.Sync.MaxConcurrency <= 0 {
		return errors.New("sync.max_concurrency must be positive")
	}
	if c.Sync.Interval < 0 || c.Sync.SkewTolerance < 0 || c.Sync.ConnectivityProbe < 0 {
		return errors.New("sync durations must not be negative")
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return errors.New("retry settings must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d is out of range", c.Dashboard.Port)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// ValidateRemote checks the settings the selected backend needs. Commands
// that never contact the remote store skip it.
func (c *Config) ValidateRemote() error {
	switch c.Remote.Backend {
	case BackendHTTP:
		if c.Remote.BaseURL == "" {
			return errors.New("remote.base_url is required for the http backend")
		}
	case BackendFirestore:
		if c.Firestore.Project == "" {
			return errors.New("firestore.project is required for the firestore backend")
		}
	}
	return nil
}

// YAML renders the configuration with the remote token masked.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Remote.Token != "" {
		out.Remote.Token = "********"
	}
	return yaml.Marshal(&out)
}
