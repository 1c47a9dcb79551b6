package consul

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-logr/logr"
	"github.com/hashicorp/consul/api"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
)

// DefaultStateKey is the KV key holding the reconciliation state.
const DefaultStateKey = "dns_records"

// KV is the subset of *api.KV the state store uses.
type KV interface {
	Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	Put(p *api.KVPair, q *api.WriteOptions) (*api.WriteMeta, error)
}

// StateStore persists the provider id → record mapping as one JSON object
// under a single key.
type StateStore struct {
	kv  KV
	key string
	log logr.Logger
}

// NewStateStore creates a StateStore on key.
func NewStateStore(kv KV, key string, log logr.Logger) *StateStore {
	if key == "" {
		key = DefaultStateKey
	}
	return &StateStore{kv: kv, key: key, log: log}
}

// GetAll loads the stored state. A missing key yields an empty map. Entries
// that do not decode into a valid record are dropped and logged; a value
// that is not a JSON object at all is a *dns.DataError.
func (s *StateStore) GetAll(ctx context.Context) (map[string]dns.Record, error) {
	q := &api.QueryOptions{RequireConsistent: true}
	pair, _, err := s.kv.Get(s.key, q.WithContext(ctx))
	if err != nil {
		return nil, dns.Transient("consul: get "+s.key, err)
	}

	records := make(map[string]dns.Record)
	if pair == nil || len(pair.Value) == 0 {
		return records, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(pair.Value, &raw); err != nil {
		return nil, &dns.DataError{Item: "state key " + s.key, Err: err}
	}

	for id, msg := range raw {
		rec, err := decodeRecord(msg)
		if err != nil {
			s.log.Error(&dns.DataError{Item: "state entry " + id, Err: err}, "dropping undecodable state entry", "id", id)
			continue
		}
		records[id] = rec
	}
	return records, nil
}

func decodeRecord(msg json.RawMessage) (dns.Record, error) {
	var rec dns.Record
	if err := json.Unmarshal(msg, &rec); err != nil {
		return dns.Record{}, err
	}
	if _, err := dns.ParseRecordType(string(rec.Type)); err != nil {
		return dns.Record{}, err
	}
	if rec.Hostname == "" || rec.Value == "" {
		return dns.Record{}, errors.New("missing hostname or value")
	}
	return rec, nil
}

// PutAll replaces the stored state with records in a single write.
func (s *StateStore) PutAll(ctx context.Context, records map[string]dns.Record) error {
	if records == nil {
		records = map[string]dns.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}

	wo := &api.WriteOptions{}
	if _, err := s.kv.Put(&api.KVPair{Key: s.key, Value: data}, wo.WithContext(ctx)); err != nil {
		return dns.Transient("consul: put "+s.key, err)
	}
	s.log.V(1).Info("stored state", "key", s.key, "records", len(records))
	return nil
}
