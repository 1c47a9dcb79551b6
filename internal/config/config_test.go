package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Consul.Address != "http://127.0.0.1:8500" {
		t.Errorf("unexpected consul address %q", cfg.Consul.Address)
	}
	if cfg.Tags.Prefix != "external-dns" {
		t.Errorf("unexpected tag prefix %q", cfg.Tags.Prefix)
	}
	if cfg.State.Key != "dns_records" {
		t.Errorf("unexpected state key %q", cfg.State.Key)
	}
	if cfg.Lock.Mode != LockModeSession || cfg.Lock.Key != "consul_lock" {
		t.Errorf("unexpected lock defaults %+v", cfg.Lock)
	}
	if cfg.Lock.SessionTTL != 15*time.Second || cfg.Lock.RetryInterval != 10*time.Second {
		t.Errorf("unexpected lock timings %+v", cfg.Lock)
	}
	if cfg.Reconcile.WaitTime != 100*time.Second || !cfg.Reconcile.VerifyOnStart {
		t.Errorf("unexpected reconcile defaults %+v", cfg.Reconcile)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `provider: hetzner
zone: zone-1
zones:
  "*.lab.example.com": zone-2
consul:
  address: http://consul.service:8500
  datacenter: dc2
tags:
  prefix: dns
lock:
  mode: simple
  force_unlock_after: 0s
  retry_interval: 5s
reconcile:
  wait_time: 30s
  verify_on_start: false
metrics_bind_address: "0"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Consul.Address != "http://consul.service:8500" || cfg.Consul.Datacenter != "dc2" {
		t.Errorf("unexpected consul config %+v", cfg.Consul)
	}
	if cfg.Tags.Prefix != "dns" {
		t.Errorf("expected prefix 'dns', got %q", cfg.Tags.Prefix)
	}
	if cfg.Lock.Mode != LockModeSimple {
		t.Errorf("expected simple lock mode, got %q", cfg.Lock.Mode)
	}
	if cfg.Lock.ForceUnlockAfter != 0 {
		t.Errorf("expected force unlock disabled, got %v", cfg.Lock.ForceUnlockAfter)
	}
	if cfg.Lock.RetryInterval != 5*time.Second {
		t.Errorf("expected retry interval 5s, got %v", cfg.Lock.RetryInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Lock.Key != "consul_lock" {
		t.Errorf("expected default lock key, got %q", cfg.Lock.Key)
	}
	if cfg.Reconcile.WaitTime != 30*time.Second || cfg.Reconcile.VerifyOnStart {
		t.Errorf("unexpected reconcile config %+v", cfg.Reconcile)
	}
	if cfg.Reconcile.Interval != time.Second {
		t.Errorf("expected default interval, got %v", cfg.Reconcile.Interval)
	}
	if cfg.MetricsBindAddress != "0" || cfg.HealthProbeBindAddress != ":8081" {
		t.Errorf("unexpected bind addresses %q %q", cfg.MetricsBindAddress, cfg.HealthProbeBindAddress)
	}
	if zone, _ := cfg.ZoneMap().Lookup("x.lab.example.com"); zone != "zone-2" {
		t.Errorf("expected zone-2, got %q", zone)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for missing file, got nil")
	}

	path := writeConfig(t, "lock: [not, a, map]\n")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error, got nil")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(PathEnv, "/etc/consul-external-dns.yaml")
	if got := PathFromEnv(); got != "/etc/consul-external-dns.yaml" {
		t.Errorf("unexpected path %q", got)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Provider = "hetzner"
		cfg.Zone = "zone-1"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing provider", func(c *Config) { c.Provider = "" }, "provider"},
		{"missing zone", func(c *Config) { c.Zone = "" }, "zone"},
		{"ttl too short", func(c *Config) { c.Lock.SessionTTL = 5 * time.Second }, "session TTL"},
		{"ttl too long", func(c *Config) { c.Lock.SessionTTL = 48 * time.Hour }, "session TTL"},
		{"ttl ignored in simple mode", func(c *Config) {
			c.Lock.Mode = LockModeSimple
			c.Lock.SessionTTL = 0
		}, ""},
		{"negative force unlock", func(c *Config) {
			c.Lock.Mode = LockModeSimple
			c.Lock.ForceUnlockAfter = -time.Second
		}, "force-unlock"},
		{"unknown lock mode", func(c *Config) { c.Lock.Mode = "etcd" }, "lock mode"},
		{"zero retry interval", func(c *Config) { c.Lock.RetryInterval = 0 }, "retry interval"},
		{"empty prefix", func(c *Config) { c.Tags.Prefix = "" }, "prefix"},
		{"empty state key", func(c *Config) { c.State.Key = "" }, "state key"},
		{"zero wait time", func(c *Config) { c.Reconcile.WaitTime = 0 }, "wait time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
