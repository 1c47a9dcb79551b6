package dns

import (
	"fmt"
	"strings"
)

// SplitHostname splits an FQDN into subdomain and domain parts.
// e.g. "app.example.com" → ("app", "example.com")
// e.g. "sub.app.example.com" → ("sub", "app.example.com")
func SplitHostname(fqdn string) (hostname, domain string) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	parts := strings.SplitN(fqdn, ".", 2)
	if len(parts) < 2 {
		return fqdn, ""
	}
	return parts[0], parts[1]
}

// RecordKey is the comparable identity of a Record: hostname, type, ttl and
// value all take part.
type RecordKey struct {
	Hostname string
	Type     RecordType
	HasTTL   bool
	TTL      int32
	Value    string
}

// Key returns the structural identity of r.
func (r Record) Key() RecordKey {
	k := RecordKey{Hostname: r.Hostname, Type: r.Type, Value: r.Value}
	if r.TTL != nil {
		k.HasTTL = true
		k.TTL = *r.TTL
	}
	return k
}

// Equal reports whether r and o describe the same record.
func (r Record) Equal(o Record) bool { return r.Key() == o.Key() }

func (r Record) String() string {
	ttl := "default"
	if r.TTL != nil {
		ttl = fmt.Sprint(*r.TTL)
	}
	return fmt.Sprintf("%s %s %s ttl=%s", r.Hostname, r.Type, r.Value, ttl)
}

// TTL returns a pointer to v, for building records in code.
func TTL(v int32) *int32 { return &v }
