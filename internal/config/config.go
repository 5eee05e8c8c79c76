// Package config handles tracker configuration from YAML files with defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level tracker configuration.
type Config struct {
	// CollectorURL is the base URL of the remote collector, without a
	// trailing slash (e.g. https://collect.example.com/api).
	CollectorURL string `yaml:"collector_url"`
	// APIKey authenticates queued deliveries via header and is embedded in
	// the signed beacon token.
	APIKey string `yaml:"api_key"`
	// BeaconSigningKey signs the api_key query parameter on the beacon path.
	// Defaults to APIKey when empty.
	BeaconSigningKey string `yaml:"beacon_signing_key"`
	// Disabled switches all collection off regardless of consent.
	Disabled bool `yaml:"disabled"`
	// DisableBeacon forces exit events onto the queued path.
	DisableBeacon bool `yaml:"disable_beacon"`
	// StoragePath is the SQLite file holding visitor/session/consent state.
	StoragePath string `yaml:"storage_path"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	BeaconTimeout  time.Duration `yaml:"beacon_timeout"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// PropertyDwellMin / ArticleDwellMin suppress duration events for views
	// shorter than the threshold (bounce/accidental loads).
	PropertyDwellMin time.Duration `yaml:"property_dwell_min"`
	ArticleDwellMin  time.Duration `yaml:"article_dwell_min"`
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.BeaconSigningKey == "" {
		c.BeaconSigningKey = c.APIKey
	}
	if c.StoragePath == "" {
		c.StoragePath = filepath.Join(stateDir(), "tracker.db")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = 3 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.PropertyDwellMin <= 0 {
		c.PropertyDwellMin = 3 * time.Second
	}
	if c.ArticleDwellMin <= 0 {
		c.ArticleDwellMin = 5 * time.Second
	}
}

// Validate checks fields required to reach the collector.
func (c *Config) Validate() error {
	if c.CollectorURL == "" {
		return fmt.Errorf("validation: collector_url required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("validation: api_key required")
	}
	return nil
}

func stateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "stratostrack")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "stratostrack")
}
