// Package config loads and saves the tool's own configuration file.
// The managed servers' configuration documents are handled separately
// by the document package; this file only holds fleet-level settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"vpnfleet/internal/model"
)

const (
	DefaultConnectTimeoutSec = 30
	DefaultCommandTimeoutSec = 30
	DefaultMaxConcurrent     = 50
	DefaultRemoteConfigPath  = "~/.config/vpnfleet/config.yaml"
	DefaultExporterListen    = ":9586"
)

// Config holds fleet-level settings.
type Config struct {
	// FleetPath is the local configuration document holding the
	// servers and groups maps alongside everything else.
	FleetPath string `yaml:"fleet_path"`

	// RemoteConfigPath is where managed servers keep their own
	// configuration document.
	RemoteConfigPath string `yaml:"remote_config_path"`

	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	CommandTimeoutSec int `yaml:"command_timeout_sec"`

	// MaxConcurrentChecks caps concurrent session establishments
	// during fleet-wide polling.
	MaxConcurrentChecks int `yaml:"max_concurrent_checks"`

	// OperationLogPath is the CSV audit log of fleet operations.
	// Empty disables operation logging.
	OperationLogPath string `yaml:"operation_log_path,omitempty"`

	Sync model.SyncPolicy `yaml:"sync"`

	ExporterListen string   `yaml:"exporter_listen"`
	STUNServers    []string `yaml:"stun_servers,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.FleetPath == "" {
		return fmt.Errorf("fleet_path is required")
	}
	if err := cfg.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.RemoteConfigPath == "" {
		cfg.RemoteConfigPath = DefaultRemoteConfigPath
	}
	if cfg.ConnectTimeoutSec == 0 {
		cfg.ConnectTimeoutSec = DefaultConnectTimeoutSec
	}
	if cfg.CommandTimeoutSec == 0 {
		cfg.CommandTimeoutSec = DefaultCommandTimeoutSec
	}
	if cfg.MaxConcurrentChecks == 0 {
		cfg.MaxConcurrentChecks = DefaultMaxConcurrent
	}
	if cfg.ExporterListen == "" {
		cfg.ExporterListen = DefaultExporterListen
	}
	if cfg.Sync.ConflictResolution == "" {
		cfg.Sync = model.DefaultSyncPolicy()
	}
}
