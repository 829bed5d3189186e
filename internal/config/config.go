// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Snapshot() SnapshotConfig
	Locator() LocatorConfig
	Cache() CacheConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserIgnoreTLSErrors(bool)

	// Snapshot Setters
	SetSnapshotHighlight(bool)
	SetSnapshotViewportExpansion(int)
	SetSnapshotDebug(bool)

	// Cache Setters
	SetCacheEnabled(bool)
}

// Config holds the entire application configuration. Access goes through the
// Interface getters; the exported fields exist for unmarshaling and tests.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	SnapshotCfg SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	LocatorCfg  LocatorConfig  `mapstructure:"locator" yaml:"locator"`
	CacheCfg    CacheConfig    `mapstructure:"cache" yaml:"cache"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Snapshot() SnapshotConfig { return c.SnapshotCfg }
func (c *Config) Locator() LocatorConfig   { return c.LocatorCfg }
func (c *Config) Cache() CacheConfig       { return c.CacheCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserIgnoreTLSErrors(b bool) { c.BrowserCfg.IgnoreTLSErrors = b }

func (c *Config) SetSnapshotHighlight(b bool)        { c.SnapshotCfg.HighlightElements = b }
func (c *Config) SetSnapshotViewportExpansion(n int) { c.SnapshotCfg.ViewportExpansion = n }
func (c *Config) SetSnapshotDebug(b bool)            { c.SnapshotCfg.Debug = b }

func (c *Config) SetCacheEnabled(b bool) { c.CacheCfg.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration  `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
}

// SnapshotConfig tunes the DOM snapshot builder.
type SnapshotConfig struct {
	// ScriptPath overrides the embedded extraction script. Empty means
	// use the built-in one.
	ScriptPath        string        `mapstructure:"script_path" yaml:"script_path"`
	ExtractionTimeout time.Duration `mapstructure:"extraction_timeout" yaml:"extraction_timeout"`
	ExtractionRetries int           `mapstructure:"extraction_retries" yaml:"extraction_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	HighlightElements bool          `mapstructure:"highlight_elements" yaml:"highlight_elements"`
	// ViewportExpansion widens the in-viewport test by this many pixels;
	// -1 indexes every interactive element regardless of position.
	ViewportExpansion int  `mapstructure:"viewport_expansion" yaml:"viewport_expansion"`
	Debug             bool `mapstructure:"debug" yaml:"debug"`
}

// LocatorConfig tunes element resolution.
type LocatorConfig struct {
	Attempts              int           `mapstructure:"attempts" yaml:"attempts"`
	Backoff               time.Duration `mapstructure:"backoff" yaml:"backoff"`
	IncludeDynamicClasses bool          `mapstructure:"include_dynamic_classes" yaml:"include_dynamic_classes"`
}

// CacheConfig tunes the URL-keyed snapshot cache.
type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries      int           `mapstructure:"max_entries" yaml:"max_entries"`
	PrewarmInterval time.Duration `mapstructure:"prewarm_interval" yaml:"prewarm_interval"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-dom")
	v.SetDefault("logger.log_file", "scalpel-dom.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.post_load_wait", "2s")

	// -- Snapshot --
	v.SetDefault("snapshot.extraction_timeout", "15s")
	v.SetDefault("snapshot.extraction_retries", 2)
	v.SetDefault("snapshot.retry_backoff", "250ms")
	v.SetDefault("snapshot.highlight_elements", true)
	v.SetDefault("snapshot.viewport_expansion", 0)
	v.SetDefault("snapshot.debug", false)

	// -- Locator --
	v.SetDefault("locator.attempts", 3)
	v.SetDefault("locator.backoff", "200ms")
	v.SetDefault("locator.include_dynamic_classes", false)

	// -- Cache --
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_entries", 32)
	v.SetDefault("cache.prewarm_interval", "500ms")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.SnapshotCfg.ExtractionTimeout <= 0 {
		return fmt.Errorf("snapshot.extraction_timeout must be a positive duration")
	}
	if c.SnapshotCfg.ExtractionRetries < 0 {
		return fmt.Errorf("snapshot.extraction_retries must not be negative")
	}
	if c.SnapshotCfg.ViewportExpansion < -1 {
		return fmt.Errorf("snapshot.viewport_expansion must be -1 (unbounded) or a pixel count")
	}
	if c.LocatorCfg.Attempts <= 0 {
		return fmt.Errorf("locator.attempts must be a positive integer")
	}
	if c.CacheCfg.Enabled {
		if c.CacheCfg.MaxEntries <= 0 {
			return fmt.Errorf("cache.max_entries must be a positive integer")
		}
		if c.CacheCfg.TTL < 0 {
			return fmt.Errorf("cache.ttl must not be negative")
		}
	}
	return nil
}
