package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/config"
)

func addCommonFlags(fs *pflag.FlagSet) {
	d := config.Default()

	fs.String("config", "", "Path to a YAML config file (env "+config.PathEnv+")")
	fs.String("zone", "", "Default DNS zone records are written to")

	fs.String("consul-address", d.Consul.Address, "Consul agent address")
	fs.String("consul-datacenter", "", "Consul datacenter (default: the agent's)")
	fs.String("consul-token", "", "Consul ACL token (env CONSUL_HTTP_TOKEN)")

	fs.String("tag-prefix", d.Tags.Prefix, "Prefix of the service tags describing records")
	fs.String("state-key", d.State.Key, "Consul KV key holding the managed records")

	fs.String("lock-mode", d.Lock.Mode, "Lock model: session or simple")
	fs.String("lock-key", d.Lock.Key, "Consul KV key used as the lock")
	fs.Duration("session-ttl", d.Lock.SessionTTL, "Session TTL (10s to 24h)")
	fs.Duration("lock-delay", d.Lock.LockDelay, "Delay before a lock held by an expired session can be taken")
	fs.Duration("lock-retry-interval", d.Lock.RetryInterval, "Maximum wait between lock attempts")
	fs.Duration("force-unlock-after", d.Lock.ForceUnlockAfter, "Simple mode: delete a lock not released within this time (0 disables)")

	fs.Duration("reconcile-interval", d.Reconcile.Interval, "Pause between reconciliation passes")
	fs.Duration("watch-wait-time", d.Reconcile.WaitTime, "Maximum duration of a blocking catalog query")
	fs.Bool("verify-on-start", d.Reconcile.VerifyOnStart, "Forget tracked records the provider no longer has before the first pass")

	fs.String("metrics-bind-address", d.MetricsBindAddress, "Address of the metrics endpoint (0 disables)")
	fs.String("health-probe-bind-address", d.HealthProbeBindAddress, "Address of the health probes (0 disables)")
}

// providerFlag maps a provider command flag to a provider setting, with an
// optional environment variable consulted when neither the flag nor the
// config file sets it.
type providerFlag struct {
	flag    string
	setting string
	env     string
}

// loadConfig reads the config file, then applies explicitly set flags and
// environment fallbacks. An empty provider keeps the one from the file.
func loadConfig(fs *pflag.FlagSet, provider string, providerFlags []providerFlag) (*config.Config, error) {
	path, _ := fs.GetString("config")
	if path == "" {
		path = config.PathFromEnv()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if provider != "" {
		if cfg.Provider != "" && cfg.Provider != provider {
			// Settings in the file belong to another provider.
			cfg.Settings = nil
		}
		cfg.Provider = provider
	}
	if cfg.Settings == nil {
		cfg.Settings = make(map[string]string)
	}

	if err := applyFlags(fs, cfg); err != nil {
		return nil, err
	}

	for _, pf := range providerFlags {
		if fs.Changed(pf.flag) {
			v, err := fs.GetString(pf.flag)
			if err != nil {
				return nil, err
			}
			cfg.Settings[pf.setting] = v
			continue
		}
		if cfg.Settings[pf.setting] == "" && pf.env != "" {
			if v := os.Getenv(pf.env); v != "" {
				cfg.Settings[pf.setting] = v
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags overlays flags the user set on cfg.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	strs := map[string]*string{
		"zone":                      &cfg.Zone,
		"consul-address":            &cfg.Consul.Address,
		"consul-datacenter":         &cfg.Consul.Datacenter,
		"consul-token":              &cfg.Consul.Token,
		"tag-prefix":                &cfg.Tags.Prefix,
		"state-key":                 &cfg.State.Key,
		"lock-mode":                 &cfg.Lock.Mode,
		"lock-key":                  &cfg.Lock.Key,
		"metrics-bind-address":      &cfg.MetricsBindAddress,
		"health-probe-bind-address": &cfg.HealthProbeBindAddress,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"session-ttl":         &cfg.Lock.SessionTTL,
		"lock-delay":          &cfg.Lock.LockDelay,
		"lock-retry-interval": &cfg.Lock.RetryInterval,
		"force-unlock-after":  &cfg.Lock.ForceUnlockAfter,
		"reconcile-interval":  &cfg.Reconcile.Interval,
		"watch-wait-time":     &cfg.Reconcile.WaitTime,
	}
	for name, dst := range durations {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetDuration(name)
		if err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
		*dst = v
	}

	if fs.Changed("verify-on-start") {
		v, err := fs.GetBool("verify-on-start")
		if err != nil {
			return fmt.Errorf("flag --verify-on-start: %w", err)
		}
		cfg.Reconcile.VerifyOnStart = v
	}
	return nil
}
