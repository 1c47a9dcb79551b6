package config

import (
	"reflect"
	"testing"
)

func TestZoneMapLookup(t *testing.T) {
	zm := NewZoneMap(map[string]string{
		"my-domain1.com": "zone-1",
		"my-domain2.it":  "zone-2",
	}, "zone-default")

	tests := []struct {
		hostname string
		wantZone string
		wantOK   bool
	}{
		{"app.my-domain1.com", "zone-1", true},
		{"deep.nested.my-domain1.com", "zone-1", true},
		{"my-domain1.com", "zone-1", true},
		{"service.my-domain2.it", "zone-2", true},
		{"app.my-domain1.com.", "zone-1", true}, // trailing dot (FQDN)
		{"APP.My-Domain1.com", "zone-1", true},
		{"unknown.com", "zone-default", false},
		{"notmydomain.com", "zone-default", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			zone, ok := zm.Lookup(tt.hostname)
			if ok != tt.wantOK {
				t.Errorf("Lookup(%q): got ok=%v, want %v", tt.hostname, ok, tt.wantOK)
			}
			if zone != tt.wantZone {
				t.Errorf("Lookup(%q): got zone=%q, want %q", tt.hostname, zone, tt.wantZone)
			}
		})
	}
}

func TestZoneMapLookupWildcard(t *testing.T) {
	zm := NewZoneMap(map[string]string{
		"*.mydomain.com":       "zone-wild",
		"app2.mydomain.com":    "zone-app2",
		"mydomain.com":         "zone-base",
		"*.other.mydomain.com": "zone-other",
	}, "")

	tests := []struct {
		hostname string
		wantZone string
		wantOK   bool
	}{
		{"app1.mydomain.com", "zone-wild", true},       // wildcard *.mydomain.com
		{"app2.mydomain.com", "zone-app2", true},       // exact wins
		{"mydomain.com", "zone-base", true},            // exact base domain
		{"foo.other.mydomain.com", "zone-other", true}, // wildcard *.other.mydomain.com
		{"other.mydomain.com", "zone-wild", true},      // wildcard *.mydomain.com
		{"elsewhere.org", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			zone, ok := zm.Lookup(tt.hostname)
			if ok != tt.wantOK {
				t.Errorf("Lookup(%q): got ok=%v, want %v", tt.hostname, ok, tt.wantOK)
			}
			if zone != tt.wantZone {
				t.Errorf("Lookup(%q): got zone=%q, want %q", tt.hostname, zone, tt.wantZone)
			}
		})
	}
}

func TestZoneMapZones(t *testing.T) {
	zm := NewZoneMap(map[string]string{
		"a.com":   "zone-b",
		"*.b.com": "zone-b",
		"c.com":   "zone-a",
	}, "zone-c")

	want := []string{"zone-a", "zone-b", "zone-c"}
	if got := zm.Zones(); !reflect.DeepEqual(got, want) {
		t.Errorf("Zones() = %v, want %v", got, want)
	}

	if got := NewZoneMap(nil, "").Zones(); len(got) != 0 {
		t.Errorf("expected no zones, got %v", got)
	}
}
