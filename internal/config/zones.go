package config

import (
	"sort"
	"strings"
)

// ZoneMap routes hostnames to provider zones.
type ZoneMap struct {
	entries     map[string]string
	defaultZone string
}

// NewZoneMap builds a zone map. Keys are domains or "*." wildcards, values
// are provider zone ids. Hostnames matching no key use defaultZone.
func NewZoneMap(entries map[string]string, defaultZone string) *ZoneMap {
	normalized := make(map[string]string, len(entries))
	for domain, zone := range entries {
		normalized[strings.ToLower(strings.TrimSuffix(domain, "."))] = zone
	}
	return &ZoneMap{entries: normalized, defaultZone: defaultZone}
}

// Lookup returns the zone for hostname. It walks up the domain labels
// checking for exact matches and wildcard entries; exact matches take
// priority over wildcards. For example, given:
//
//	"*.example.com":    "zone-a"
//	"api.example.com":  "zone-b"
//
// "web.example.com" returns "zone-a" and "api.example.com" returns "zone-b".
// The second result is false when the default zone was used.
func (zm *ZoneMap) Lookup(hostname string) (string, bool) {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	for h := hostname; h != ""; {
		if zone, ok := zm.entries[h]; ok {
			return zone, true
		}
		idx := strings.Index(h, ".")
		if idx < 0 {
			break
		}
		if zone, ok := zm.entries["*."+h[idx+1:]]; ok {
			return zone, true
		}
		h = h[idx+1:]
	}
	return zm.defaultZone, false
}

// Zones returns every distinct zone the map can route to, sorted.
func (zm *ZoneMap) Zones() []string {
	seen := make(map[string]struct{}, len(zm.entries)+1)
	if zm.defaultZone != "" {
		seen[zm.defaultZone] = struct{}{}
	}
	for _, zone := range zm.entries {
		seen[zone] = struct{}{}
	}
	zones := make([]string, 0, len(seen))
	for zone := range seen {
		zones = append(zones, zone)
	}
	sort.Strings(zones)
	return zones
}
