package dns

import (
	"context"
	"fmt"
)

// RecordType is the closed set of record types the manager creates.
type RecordType string

const (
	TypeA     RecordType = "A"
	TypeAAAA  RecordType = "AAAA"
	TypeCNAME RecordType = "CNAME"
)

// ParseRecordType converts a tag value into a RecordType. Matching is exact.
func ParseRecordType(s string) (RecordType, error) {
	switch t := RecordType(s); t {
	case TypeA, TypeAAAA, TypeCNAME:
		return t, nil
	}
	return "", fmt.Errorf("invalid DNS type: %s", s)
}

// Record is a desired DNS record derived from service tags. Two records are
// the same record when Key() is equal.
type Record struct {
	Hostname string     `json:"hostname"`
	Type     RecordType `json:"type"`
	TTL      *int32     `json:"ttl"` // nil = provider default
	Value    string     `json:"value"`
}

// ProviderRecord is a record as the provider reports it.
type ProviderRecord struct {
	ID   string
	Zone string
	Record
}

// Provider is the interface that DNS providers must implement. Changes to
// an existing record are expressed as Delete followed by Create.
type Provider interface {
	// List returns every record the provider holds in zone.
	List(ctx context.Context, zone string) ([]ProviderRecord, error)
	// Create adds record to zone and returns the provider-assigned id.
	Create(ctx context.Context, zone string, record Record) (string, error)
	// Delete removes the record with the given id. A record that no longer
	// exists is not an error.
	Delete(ctx context.Context, zone, id string) error
}
