// Package config loads the YAML configuration for a meshnode process.
// Adapted from leebo-zerogo/internal/config: a struct with a Default()
// constructor and a Load(path) loader that starts from the defaults and
// overlays whatever the file sets, so a config file only needs to name
// the fields it wants to change.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RadioConfig carries the BLE duty-cycle and link-limit tuning knobs a
// concrete radio adapter (outside this module's scope — spec.md's
// Non-goals exclude any BLE stack implementation beyond the transport
// state machine) is expected to honor. internal/transport itself pins
// these as compile-time constants per spec.md's "compile-time constants"
// requirement for service/characteristic UUIDs and protocol timing; this
// struct exists so a host app can discover and display the tuning it's
// running under, and so a future radio adapter has one place to read them
// from instead of importing internal/transport's unexported defaults.
type RadioConfig struct {
	ScanActiveDuration time.Duration `yaml:"scan_active_duration"`
	ScanPauseDuration  time.Duration `yaml:"scan_pause_duration"`
	ScanIdleAfter      time.Duration `yaml:"scan_idle_after"`
	NegotiatedMTU      int           `yaml:"negotiated_mtu"`
	WarnBelowMTU       int           `yaml:"warn_below_mtu"`
	MaxPeripheralLinks int           `yaml:"max_peripheral_links"`
}

// DiagConfig controls the optional local diagnostics server.
type DiagConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	JWTSecret  string `yaml:"jwt_secret"`
}

// Config is the full meshnode configuration. One store backs both this
// node's identity and its active-group record (internal/store.KVStore
// satisfies both identity.Persistence and group.Persistence from a single
// DSN), so there is no separate identity path to configure.
type Config struct {
	StoreDSN string      `yaml:"store_dsn"`
	Radio    RadioConfig `yaml:"radio"`
	Diag     DiagConfig  `yaml:"diag"`
	LogLevel string      `yaml:"log_level"`
}

// Default returns a Config with sensible defaults, matching the values
// internal/transport itself pins (§4.3 of spec.md: "Negotiate MTU 512 ...
// Duty cycle scanning: active scan 14s on, pause 14.5s ... MaxPeripheralLinks").
func Default() *Config {
	return &Config{
		StoreDSN: "sqlite://./meshcore.db",
		Radio: RadioConfig{
			ScanActiveDuration: 14 * time.Second,
			ScanPauseDuration:  14500 * time.Millisecond,
			ScanIdleAfter:      30 * time.Second,
			NegotiatedMTU:      512,
			WarnBelowMTU:       256,
			MaxPeripheralLinks: 6,
		},
		Diag: DiagConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:8787",
			JWTSecret:  "change-me-in-production",
		},
		LogLevel: "info",
	}
}

// Load reads path as YAML over top of Default(), so a config file only
// needs to set the fields it wants to change.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}
