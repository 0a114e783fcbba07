// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all tunables for the clinicsync engine. An API key and the
// two health endpoints come from the deployment environment; everything
// else has defaults matching the shipped behavior.
type Config struct {
	// CloudHealthURL is the health endpoint of the authoritative cloud backend.
	CloudHealthURL string `env:"CLINICSYNC_CLOUD_HEALTH_URL"`

	// LocalHealthURL is the health endpoint of the on-premise server replica.
	// Empty disables the local-replica fallback tier.
	LocalHealthURL string `env:"CLINICSYNC_LOCAL_HEALTH_URL"`

	// CloudAPIURL is the base URL for mutation replay, replica seeding and
	// role lookups against the cloud backend.
	CloudAPIURL string `env:"CLINICSYNC_CLOUD_API_URL"`

	// APIKey is passed to every cloud-bound call.
	APIKey string `env:"CLINICSYNC_API_KEY"`

	// DataDir holds the sqlite database backing the queue and caches.
	DataDir string `env:"CLINICSYNC_DATA_DIR" envDefault:"./data"`

	// MachineID feeds the at-rest encryption key for cached tokens.
	MachineID string `env:"CLINICSYNC_MACHINE_ID"`

	ProbeInterval time.Duration `env:"CLINICSYNC_PROBE_INTERVAL" envDefault:"10s"`
	ProbeTimeout  time.Duration `env:"CLINICSYNC_PROBE_TIMEOUT" envDefault:"3s"`

	// EventDebounce suppresses bursts of OS connectivity notifications.
	EventDebounce time.Duration `env:"CLINICSYNC_EVENT_DEBOUNCE" envDefault:"300ms"`

	// ReplayTimeout bounds each per-item network call during a drain.
	ReplayTimeout time.Duration `env:"CLINICSYNC_REPLAY_TIMEOUT" envDefault:"30s"`

	RoleTTL         time.Duration `env:"CLINICSYNC_ROLE_TTL" envDefault:"2m"`
	RoleDebounce    time.Duration `env:"CLINICSYNC_ROLE_DEBOUNCE" envDefault:"10s"`
	RoleBackoffBase time.Duration `env:"CLINICSYNC_ROLE_BACKOFF_BASE" envDefault:"1s"`
	RoleMaxRetries  int           `env:"CLINICSYNC_ROLE_MAX_RETRIES" envDefault:"3"`

	// ListenAddr is the localhost address of the desktop shell server.
	ListenAddr string `env:"CLINICSYNC_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
}

// Load parses configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the engine depends on.
func (c *Config) Validate() error {
	if c.CloudHealthURL == "" {
		return fmt.Errorf("CLINICSYNC_CLOUD_HEALTH_URL is required")
	}
	if c.CloudAPIURL == "" {
		return fmt.Errorf("CLINICSYNC_CLOUD_API_URL is required")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive, got %s", c.ProbeInterval)
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout >= c.ProbeInterval {
		return fmt.Errorf("probe timeout must be positive and shorter than the probe interval")
	}
	if c.RoleMaxRetries < 0 {
		return fmt.Errorf("role max retries cannot be negative")
	}
	return nil
}
