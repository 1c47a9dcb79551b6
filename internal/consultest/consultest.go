// Package consultest provides an in-memory stand-in for the Consul catalog,
// KV and session endpoints, with blocking-query semantics.
package consultest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
)

// defaultWait mirrors the agent's default blocking-query wait.
const defaultWait = 5 * time.Minute

// Store is a fake Consul agent. It satisfies the catalog, KV and session
// interfaces used by the consul and lock packages. The catalog filter
// expression is not evaluated.
type Store struct {
	mu       sync.Mutex
	index    uint64
	changed  chan struct{}
	kv       map[string]*api.KVPair
	services map[string][]string
	sessions map[string]*api.SessionEntry
	nextID   int
	errs     map[string]error
	calls    map[string]int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		index:    1,
		changed:  make(chan struct{}),
		kv:       make(map[string]*api.KVPair),
		services: make(map[string][]string),
		sessions: make(map[string]*api.SessionEntry),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetError makes every call of op ("Get", "Put", "Renew", ...) fail with err.
// A nil err clears the failure.
func (s *Store) SetError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, op)
		return
	}
	s.errs[op] = err
}

// Calls returns how often op was called.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter records a call and returns the injected error for op, if any.
// s.mu must be held.
func (s *Store) enter(op string) error {
	s.calls[op]++
	return s.errs[op]
}

// bump advances the index and wakes blocked queries. s.mu must be held.
func (s *Store) bump() uint64 {
	s.index++
	close(s.changed)
	s.changed = make(chan struct{})
	return s.index
}

// block waits while q is a blocking query whose index is still current.
func (s *Store) block(q *api.QueryOptions) error {
	if q == nil {
		return nil
	}
	ctx := q.Context()
	if q.WaitIndex > 0 {
		s.mu.Lock()
		idx, ch := s.index, s.changed
		s.mu.Unlock()

		if idx <= q.WaitIndex {
			wait := q.WaitTime
			if wait <= 0 {
				wait = defaultWait
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ch:
			case <-timer.C:
			case <-ctx.Done():
			}
		}
	}
	return ctx.Err()
}

func writeContext(q *api.WriteOptions) context.Context {
	if q == nil {
		return context.Background()
	}
	return q.Context()
}

// Index returns the current raft index.
func (s *Store) Index() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// RegisterService adds or replaces a catalog service.
func (s *Store) RegisterService(name string, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[name] = append([]string(nil), tags...)
	s.bump()
}

// DeregisterService removes a catalog service.
func (s *Store) DeregisterService(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, name)
	s.bump()
}

// Services implements the catalog services listing.
func (s *Store) Services(q *api.QueryOptions) (map[string][]string, *api.QueryMeta, error) {
	if err := s.block(q); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Services"); err != nil {
		return nil, nil, err
	}
	out := make(map[string][]string, len(s.services))
	for name, tags := range s.services {
		out[name] = append([]string(nil), tags...)
	}
	return out, &api.QueryMeta{LastIndex: s.index}, nil
}

func clonePair(p *api.KVPair) *api.KVPair {
	c := *p
	c.Value = append([]byte(nil), p.Value...)
	return &c
}

// Value returns a copy of the pair stored under key, or nil.
func (s *Store) Value(key string) *api.KVPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.kv[key]; ok {
		return clonePair(p)
	}
	return nil
}

// Get implements the KV read.
func (s *Store) Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error) {
	if err := s.block(q); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Get"); err != nil {
		return nil, nil, err
	}
	meta := &api.QueryMeta{LastIndex: s.index}
	p, ok := s.kv[key]
	if !ok {
		return nil, meta, nil
	}
	return clonePair(p), meta, nil
}

// Put implements the KV write.
func (s *Store) Put(p *api.KVPair, q *api.WriteOptions) (*api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Put"); err != nil {
		return nil, err
	}
	s.store(p, s.kv[p.Key])
	return &api.WriteMeta{}, nil
}

// store writes p, keeping lock fields from prev. s.mu must be held.
func (s *Store) store(p, prev *api.KVPair) *api.KVPair {
	idx := s.bump()
	np := clonePair(p)
	np.ModifyIndex = idx
	np.CreateIndex = idx
	if prev != nil {
		np.CreateIndex = prev.CreateIndex
		np.LockIndex = prev.LockIndex
		np.Session = prev.Session
	}
	s.kv[p.Key] = np
	return np
}

// CAS implements the check-and-set write. A zero ModifyIndex only succeeds
// when the key does not exist.
func (s *Store) CAS(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CAS"); err != nil {
		return false, nil, err
	}
	prev, ok := s.kv[p.Key]
	switch {
	case p.ModifyIndex == 0 && ok:
		return false, &api.WriteMeta{}, nil
	case p.ModifyIndex != 0 && (!ok || prev.ModifyIndex != p.ModifyIndex):
		return false, &api.WriteMeta{}, nil
	}
	s.store(p, prev)
	return true, &api.WriteMeta{}, nil
}

// Delete implements the KV delete.
func (s *Store) Delete(key string, q *api.WriteOptions) (*api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Delete"); err != nil {
		return nil, err
	}
	if _, ok := s.kv[key]; ok {
		delete(s.kv, key)
		s.bump()
	}
	return &api.WriteMeta{}, nil
}

// DeleteCAS deletes key only when its ModifyIndex matches.
func (s *Store) DeleteCAS(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteCAS"); err != nil {
		return false, nil, err
	}
	prev, ok := s.kv[p.Key]
	if !ok || prev.ModifyIndex != p.ModifyIndex {
		return false, &api.WriteMeta{}, nil
	}
	delete(s.kv, p.Key)
	s.bump()
	return true, &api.WriteMeta{}, nil
}

// Acquire implements the session-bound KV lock.
func (s *Store) Acquire(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Acquire"); err != nil {
		return false, nil, err
	}
	if _, ok := s.sessions[p.Session]; !ok {
		return false, nil, fmt.Errorf("Unexpected response code: 500 (invalid session %q)", p.Session)
	}
	prev, ok := s.kv[p.Key]
	if ok && prev.Session != "" && prev.Session != p.Session {
		return false, &api.WriteMeta{}, nil
	}
	np := s.store(p, prev)
	if !ok || prev.Session != p.Session {
		np.LockIndex++
	}
	np.Session = p.Session
	return true, &api.WriteMeta{}, nil
}

// Release implements the session-bound KV unlock.
func (s *Store) Release(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Release"); err != nil {
		return false, nil, err
	}
	prev, ok := s.kv[p.Key]
	if !ok || prev.Session != p.Session {
		return false, &api.WriteMeta{}, nil
	}
	np := s.store(prev, prev)
	np.Session = ""
	return true, &api.WriteMeta{}, nil
}

// Session returns a copy of the session entry, or nil when it does not exist.
func (s *Store) Session(id string) *api.SessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.sessions[id]; ok {
		c := *se
		return &c
	}
	return nil
}

// Create implements session creation.
func (s *Store) Create(se *api.SessionEntry, q *api.WriteOptions) (string, *api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Create"); err != nil {
		return "", nil, err
	}
	s.nextID++
	c := *se
	c.ID = fmt.Sprintf("session-%d", s.nextID)
	c.CreateIndex = s.bump()
	s.sessions[c.ID] = &c
	return c.ID, &api.WriteMeta{}, nil
}

// Renew implements session renewal. An unknown session yields a nil entry.
func (s *Store) Renew(id string, q *api.WriteOptions) (*api.SessionEntry, *api.WriteMeta, error) {
	if err := writeContext(q).Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Renew"); err != nil {
		return nil, nil, err
	}
	se, ok := s.sessions[id]
	if !ok {
		return nil, &api.WriteMeta{}, nil
	}
	c := *se
	return &c, &api.WriteMeta{}, nil
}

// Destroy implements session destruction; keys held by the session are released.
func (s *Store) Destroy(id string, q *api.WriteOptions) (*api.WriteMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Destroy"); err != nil {
		return nil, err
	}
	s.invalidate(id)
	return &api.WriteMeta{}, nil
}

// Expire invalidates a session as if its TTL had run out.
func (s *Store) Expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidate(id)
}

// invalidate removes a session and releases its keys. s.mu must be held.
func (s *Store) invalidate(id string) {
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	for _, p := range s.kv {
		if p.Session == id {
			p.Session = ""
		}
	}
	s.bump()
}

// Keys returns a snapshot of the stored keys and values.
func (s *Store) Keys() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.kv))
	for k, p := range s.kv {
		out[k] = append([]byte(nil), p.Value...)
	}
	return out
}
