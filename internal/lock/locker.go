package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/consul/api"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/metrics"
)

const (
	// DefaultKey is the KV key guarding reconciliation.
	DefaultKey = "consul_lock"
	// DefaultRetryInterval bounds how long a waiter blocks between attempts.
	DefaultRetryInterval = 10 * time.Second
	// DefaultForceUnlockAfter is how long the simple locker waits before it
	// assumes the holder died.
	DefaultForceUnlockAfter = 10 * time.Second
)

// KV is the subset of *api.KV the lockers use.
type KV interface {
	Get(key string, q *api.QueryOptions) (*api.KVPair, *api.QueryMeta, error)
	Acquire(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error)
	Release(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error)
	CAS(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error)
	DeleteCAS(p *api.KVPair, q *api.WriteOptions) (bool, *api.WriteMeta, error)
	Delete(key string, w *api.WriteOptions) (*api.WriteMeta, error)
}

// Options configures a locker.
type Options struct {
	Key string
	// RetryInterval bounds each wait for the key to change.
	RetryInterval time.Duration
	// ForceUnlockAfter applies to the simple locker only; zero disables
	// poisoned-lock recovery.
	ForceUnlockAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Key == "" {
		o.Key = DefaultKey
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// lockValue is the JSON body written under the lock key.
type lockValue struct {
	LockedAt time.Time `json:"locked_at"`
	Holder   string    `json:"holder"`
}

func newLockValue() []byte {
	host, _ := os.Hostname()
	data, _ := json.Marshal(lockValue{LockedAt: time.Now().UTC(), Holder: host})
	return data
}

type base struct {
	kv   KV
	opts Options
	log  logr.Logger
}

// waitForChange blocks until the key's index moves past index or wait
// elapses, and returns the index to wait on next.
func (b *base) waitForChange(ctx context.Context, index uint64, wait time.Duration) (uint64, error) {
	q := &api.QueryOptions{WaitIndex: index, WaitTime: wait}
	pair, meta, err := b.kv.Get(b.opts.Key, q.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return index, ctx.Err()
		}
		b.log.Error(err, "watching lock key failed, backing off", "key", b.opts.Key)
		return index, sleep(ctx, wait)
	}
	if pair == nil || pair.Session == "" {
		b.log.V(1).Info("lock key observed free", "key", b.opts.Key)
	}
	if meta.LastIndex < index {
		return 0, nil
	}
	return meta.LastIndex, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SessionLocker binds the lock key to a session. If the session dies the
// key is released by Consul after the session's lock delay.
type SessionLocker struct {
	base
	session string
}

// NewSessionLocker creates a locker acquiring the key with session id.
func NewSessionLocker(kv KV, session string, opts Options, log logr.Logger) *SessionLocker {
	return &SessionLocker{
		base:    base{kv: kv, opts: opts.withDefaults(), log: log},
		session: session,
	}
}

// Acquire blocks until the key is bound to this session. While another
// session holds it, the key is watched and re-tried at least every
// RetryInterval. Acquiring a key this session already holds succeeds.
func (l *SessionLocker) Acquire(ctx context.Context) error {
	start := time.Now()
	var index uint64
	for {
		wo := &api.WriteOptions{}
		ok, _, err := l.kv.Acquire(&api.KVPair{
			Key:     l.opts.Key,
			Value:   newLockValue(),
			Session: l.session,
		}, wo.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return dns.Transient("consul: acquire "+l.opts.Key, err)
		}
		if ok {
			metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
			l.log.V(1).Info("lock acquired", "key", l.opts.Key, "session", l.session)
			return nil
		}

		l.log.V(1).Info("lock held by another session, waiting", "key", l.opts.Key)
		if index, err = l.waitForChange(ctx, index, l.opts.RetryInterval); err != nil {
			return err
		}
	}
}

// Release unbinds the key from this session without waiting for the lock
// delay.
func (l *SessionLocker) Release(ctx context.Context) error {
	wo := &api.WriteOptions{}
	ok, _, err := l.kv.Release(&api.KVPair{Key: l.opts.Key, Session: l.session}, wo.WithContext(ctx))
	if err != nil {
		return dns.Transient("consul: release "+l.opts.Key, err)
	}
	if !ok {
		l.log.Info("lock was not held by this session", "key", l.opts.Key, "session", l.session)
		return nil
	}
	l.log.V(1).Info("lock released", "key", l.opts.Key)
	return nil
}

// SimpleLocker is a session-less lock: the key exists while held. A holder
// that crashes leaves the key behind, so after ForceUnlockAfter of waiting
// the key is deleted and taken over. That recovery trades safety for
// availability: if the holder was only slow, two writers run at once. Set
// ForceUnlockAfter to zero to disable it. Not safe for concurrent use.
type SimpleLocker struct {
	base
	held []byte
}

// NewSimpleLocker creates a check-and-set locker.
func NewSimpleLocker(kv KV, opts Options, log logr.Logger) *SimpleLocker {
	return &SimpleLocker{base: base{kv: kv, opts: opts.withDefaults(), log: log}}
}

// Acquire blocks until the key is created by this locker.
func (l *SimpleLocker) Acquire(ctx context.Context) error {
	start := time.Now()
	waitStart := start
	var index uint64
	for {
		force := l.opts.ForceUnlockAfter
		if force > 0 && time.Since(waitStart) >= force {
			l.log.Info("timed out acquiring lock, assuming poisoned lock and deleting it",
				"key", l.opts.Key, "waited", time.Since(waitStart).Round(time.Millisecond))
			wo := &api.WriteOptions{}
			if _, err := l.kv.Delete(l.opts.Key, wo.WithContext(ctx)); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.log.Error(err, "failed to delete poisoned lock", "key", l.opts.Key)
			}
			waitStart = time.Now()
		}

		value := newLockValue()
		wo := &api.WriteOptions{}
		ok, _, err := l.kv.CAS(&api.KVPair{Key: l.opts.Key, Value: value}, wo.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return dns.Transient("consul: cas "+l.opts.Key, err)
		}
		if ok {
			l.held = value
			metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
			l.log.V(1).Info("lock acquired", "key", l.opts.Key)
			return nil
		}

		wait := l.opts.RetryInterval
		if force > 0 {
			if remaining := force - time.Since(waitStart); remaining < wait {
				wait = remaining
			}
		}
		if wait <= 0 {
			continue
		}
		if index, err = l.waitForChange(ctx, index, wait); err != nil {
			return err
		}
	}
}

// Release deletes the key if it still carries this locker's value. Failures
// are logged and swallowed: a lock left behind is recovered by the next
// acquirer's force-unlock, while a crash here would lose the process.
func (l *SimpleLocker) Release(ctx context.Context) error {
	if l.held == nil {
		return nil
	}
	held := l.held
	l.held = nil

	q := &api.QueryOptions{}
	pair, _, err := l.kv.Get(l.opts.Key, q.WithContext(ctx))
	if err != nil {
		l.log.Error(err, "failed to read lock before dropping it", "key", l.opts.Key)
		return nil
	}
	if pair == nil {
		return nil
	}
	if !bytes.Equal(pair.Value, held) {
		l.log.Info("lock was taken over, leaving it in place", "key", l.opts.Key)
		return nil
	}

	wo := &api.WriteOptions{}
	ok, _, err := l.kv.DeleteCAS(&api.KVPair{Key: l.opts.Key, ModifyIndex: pair.ModifyIndex}, wo.WithContext(ctx))
	switch {
	case err != nil:
		l.log.Error(err, "failed to drop lock", "key", l.opts.Key)
	case !ok:
		l.log.Info("lock changed while dropping it, leaving it in place", "key", l.opts.Key)
	default:
		l.log.V(1).Info("lock dropped", "key", l.opts.Key)
	}
	return nil
}
