package config

import (
	"fmt"
	"os"
)

// ProviderConfig selects the DNS provider, the zone records are written to
// and the provider-specific connection settings.
type ProviderConfig struct {
	Provider string `yaml:"provider"`
	// Zone is the default zone id.
	Zone string `yaml:"zone"`
	// Zones optionally routes hostnames to other zones; see ZoneMap.
	Zones    map[string]string `yaml:"zones"`
	Settings map[string]string `yaml:"settings"`
}

// ZoneMap returns the hostname-to-zone routing for this provider.
func (p *ProviderConfig) ZoneMap() *ZoneMap {
	return NewZoneMap(p.Zones, p.Zone)
}

// expandEnv expands ${ENV_VAR} references in setting values.
func (p *ProviderConfig) expandEnv() {
	for k, v := range p.Settings {
		p.Settings[k] = os.ExpandEnv(v)
	}
}

func (p *ProviderConfig) validate() error {
	if p.Provider == "" {
		return fmt.Errorf("provider config: missing required field 'provider'")
	}
	if p.Zone == "" && len(p.Zones) == 0 {
		return fmt.Errorf("provider config: missing required field 'zone'")
	}
	for domain, zone := range p.Zones {
		if zone == "" {
			return fmt.Errorf("provider config: empty zone for %q", domain)
		}
	}
	return nil
}
