// Package config loads the process configuration: an optional YAML file
// with defaults applied first and command-line flags layered on top by the
// caller.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/consul"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/lock"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/tags"
)

// PathEnv names the environment variable holding the config file path.
const PathEnv = "CONSUL_EXTERNAL_DNS_CONFIG"

// Lock modes.
const (
	LockModeSession = "session"
	LockModeSimple  = "simple"
)

// Session TTL bounds enforced by Consul.
const (
	MinSessionTTL = 10 * time.Second
	MaxSessionTTL = 86400 * time.Second
)

type Config struct {
	ProviderConfig `yaml:",inline"`

	Consul    consul.Config   `yaml:"consul"`
	Tags      TagsConfig      `yaml:"tags"`
	State     StateConfig     `yaml:"state"`
	Lock      LockConfig      `yaml:"lock"`
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// MetricsBindAddress is where /metrics is served; "0" disables it.
	MetricsBindAddress string `yaml:"metrics_bind_address"`
	// HealthProbeBindAddress is where /healthz and /readyz are served; "0"
	// disables it.
	HealthProbeBindAddress string `yaml:"health_probe_bind_address"`
}

type TagsConfig struct {
	Prefix string `yaml:"prefix"`
}

type StateConfig struct {
	Key string `yaml:"key"`
}

type LockConfig struct {
	// Mode is "session" (lock bound to a renewed Consul session) or
	// "simple" (check-and-set key without a session).
	Mode             string        `yaml:"mode"`
	Key              string        `yaml:"key"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	LockDelay        time.Duration `yaml:"lock_delay"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	ForceUnlockAfter time.Duration `yaml:"force_unlock_after"`
}

type ReconcileConfig struct {
	// Interval is the pause between passes.
	Interval time.Duration `yaml:"interval"`
	// WaitTime bounds each blocking catalog query.
	WaitTime time.Duration `yaml:"wait_time"`
	// VerifyOnStart drops tracked records the provider no longer has before
	// the first pass.
	VerifyOnStart bool `yaml:"verify_on_start"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Consul: consul.Config{Address: "http://127.0.0.1:8500"},
		Tags:   TagsConfig{Prefix: tags.DefaultPrefix},
		State:  StateConfig{Key: consul.DefaultStateKey},
		Lock: LockConfig{
			Mode:             LockModeSession,
			Key:              lock.DefaultKey,
			SessionTTL:       15 * time.Second,
			LockDelay:        15 * time.Second,
			RetryInterval:    lock.DefaultRetryInterval,
			ForceUnlockAfter: lock.DefaultForceUnlockAfter,
		},
		Reconcile: ReconcileConfig{
			Interval:      time.Second,
			WaitTime:      consul.DefaultWaitTime,
			VerifyOnStart: true,
		},
		MetricsBindAddress:     ":9090",
		HealthProbeBindAddress: ":8081",
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.expandEnv()
	return cfg, nil
}

// PathFromEnv returns the config file path from the environment, or "".
func PathFromEnv() string {
	return os.Getenv(PathEnv)
}

// Validate checks the fully merged configuration.
func (c *Config) Validate() error {
	if err := c.ProviderConfig.validate(); err != nil {
		return err
	}
	if c.Tags.Prefix == "" {
		return fmt.Errorf("config: tag prefix must not be empty")
	}
	if c.State.Key == "" {
		return fmt.Errorf("config: state key must not be empty")
	}
	if c.Lock.Key == "" {
		return fmt.Errorf("config: lock key must not be empty")
	}
	switch c.Lock.Mode {
	case LockModeSession:
		if c.Lock.SessionTTL < MinSessionTTL || c.Lock.SessionTTL > MaxSessionTTL {
			return fmt.Errorf("config: session TTL %v outside [%v, %v]", c.Lock.SessionTTL, MinSessionTTL, MaxSessionTTL)
		}
		if c.Lock.LockDelay < 0 {
			return fmt.Errorf("config: lock delay must not be negative")
		}
	case LockModeSimple:
		if c.Lock.ForceUnlockAfter < 0 {
			return fmt.Errorf("config: force-unlock-after must not be negative")
		}
	default:
		return fmt.Errorf("config: unknown lock mode %q (want %q or %q)", c.Lock.Mode, LockModeSession, LockModeSimple)
	}
	if c.Lock.RetryInterval <= 0 {
		return fmt.Errorf("config: lock retry interval must be positive")
	}
	if c.Reconcile.Interval < 0 {
		return fmt.Errorf("config: reconcile interval must not be negative")
	}
	if c.Reconcile.WaitTime <= 0 {
		return fmt.Errorf("config: watch wait time must be positive")
	}
	return nil
}
