// Package tags decodes DNS intent from service tags of the form
// "<prefix>.<identifier>.<field>=<value>".
package tags

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
)

// DefaultPrefix is the tag prefix used when none is configured.
const DefaultPrefix = "external-dns"

const (
	fieldHostname = "hostname"
	fieldType     = "type"
	fieldTTL      = "ttl"
	fieldValue    = "value"
)

// EnableTag returns the sentinel tag a service carries to opt in.
func EnableTag(prefix string) string {
	return prefix + ".enable=true"
}

// Enabled reports whether the tag list contains the opt-in sentinel.
func Enabled(prefix string, serviceTags []string) bool {
	sentinel := EnableTag(prefix)
	for _, t := range serviceTags {
		if t == sentinel {
			return true
		}
	}
	return false
}

// Group collects tag fields by identifier. A field seen twice keeps the last value.
func Group(prefix string, serviceTags []string) map[string]map[string]string {
	groups := make(map[string]map[string]string)
	for _, tag := range serviceTags {
		rest, ok := strings.CutPrefix(tag, prefix+".")
		if !ok {
			continue
		}
		identifier, rest, ok := strings.Cut(rest, ".")
		if !ok {
			continue
		}
		field, value, ok := strings.Cut(rest, "=")
		if !ok {
			continue
		}
		if groups[identifier] == nil {
			groups[identifier] = make(map[string]string)
		}
		groups[identifier][field] = value
	}
	return groups
}

// Parse decodes every tag group into a Record. Groups that cannot be decoded
// are left out of the result and reported as *dns.DataError, one per group.
// Result order follows the sorted identifiers but carries no meaning.
func Parse(prefix string, serviceTags []string) ([]dns.Record, []error) {
	groups := Group(prefix, serviceTags)

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		records []dns.Record
		dropped []error
	)
	for _, id := range ids {
		rec, err := decode(groups[id])
		if err != nil {
			dropped = append(dropped, &dns.DataError{Item: "tag group " + id, Err: err})
			continue
		}
		records = append(records, rec)
	}
	return records, dropped
}

func decode(fields map[string]string) (dns.Record, error) {
	hostname, ok := fields[fieldHostname]
	if !ok {
		return dns.Record{}, errors.New("missing hostname")
	}
	rawType, ok := fields[fieldType]
	if !ok {
		return dns.Record{}, errors.New("missing type")
	}
	rt, err := dns.ParseRecordType(rawType)
	if err != nil {
		return dns.Record{}, err
	}
	value, ok := fields[fieldValue]
	if !ok {
		return dns.Record{}, errors.New("missing value")
	}

	rec := dns.Record{Hostname: hostname, Type: rt, Value: value}
	if raw, ok := fields[fieldTTL]; ok {
		ttl, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return dns.Record{}, fmt.Errorf("invalid ttl %q: %w", raw, err)
		}
		rec.TTL = dns.TTL(int32(ttl))
	}
	return rec, nil
}
