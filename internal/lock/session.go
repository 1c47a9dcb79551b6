// Package lock enforces a single writer across instances. A Consul session
// is kept alive in the background and binds the lock key to this process;
// a simpler check-and-set lock is available for deployments without sessions.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/consul/api"
	"go.uber.org/atomic"
	"k8s.io/client-go/util/retry"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/metrics"
)

// ErrSessionExpired is returned when the backend no longer knows the session.
var ErrSessionExpired = errors.New("session expired")

// State is the lifecycle state of a Session.
type State int32

const (
	NoSession State = iota
	SessionActive
	Renewing
	Expired
	Terminated
)

func (s State) String() string {
	switch s {
	case NoSession:
		return "NoSession"
	case SessionActive:
		return "SessionActive"
	case Renewing:
		return "Renewing"
	case Expired:
		return "Expired"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Sessions is the subset of *api.Session the manager uses.
type Sessions interface {
	Create(se *api.SessionEntry, q *api.WriteOptions) (string, *api.WriteMeta, error)
	Renew(id string, q *api.WriteOptions) (*api.SessionEntry, *api.WriteMeta, error)
	Destroy(id string, q *api.WriteOptions) (*api.WriteMeta, error)
}

// SessionConfig configures the lease.
type SessionConfig struct {
	// Name shown in the Consul UI. Defaults to "consul-external-dns@<hostname>".
	Name string
	// TTL after which an unrenewed session is invalidated.
	TTL time.Duration
	// LockDelay during which keys released by an expired session cannot be
	// acquired by others.
	LockDelay time.Duration
}

// Session is a renewable Consul session. The id never changes after Create,
// so it is safe to share between the renewal task and the lock holders.
type Session struct {
	sessions  Sessions
	name      string
	ttl       time.Duration
	lockDelay time.Duration
	id        string
	state     *atomic.Int32
	log       logr.Logger
}

// NewSession prepares a session; call Create to register it.
func NewSession(sessions Sessions, cfg SessionConfig, log logr.Logger) *Session {
	name := cfg.Name
	if name == "" {
		host, _ := os.Hostname()
		name = "consul-external-dns@" + host
	}
	return &Session{
		sessions:  sessions,
		name:      name,
		ttl:       cfg.TTL,
		lockDelay: cfg.LockDelay,
		state:     atomic.NewInt32(int32(NoSession)),
		log:       log,
	}
}

// ID returns the session id; empty before Create.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Active reports whether the session is believed to be live.
func (s *Session) Active() bool {
	st := s.State()
	return st == SessionActive || st == Renewing
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Create registers the session with the backend, retrying transient failures
// a few times.
func (s *Session) Create(ctx context.Context) error {
	if s.State() != NoSession {
		return fmt.Errorf("lock: session already created (state %s)", s.State())
	}

	entry := &api.SessionEntry{
		Name:      s.name,
		TTL:       s.ttl.String(),
		LockDelay: s.lockDelay,
		Behavior:  api.SessionBehaviorRelease,
	}
	err := retry.OnError(retry.DefaultBackoff, dns.IsTransient, func() error {
		wo := &api.WriteOptions{}
		id, _, err := s.sessions.Create(entry, wo.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return dns.Transient("consul: create session", err)
		}
		s.id = id
		return nil
	})
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}

	s.setState(SessionActive)
	s.log.Info("session created", "id", s.id, "ttl", s.ttl, "lockDelay", s.lockDelay)
	return nil
}

// KeepAlive renews the session every TTL/2 until ctx is done, then destroys
// it and returns nil. A failed renewal destroys the session on a best-effort
// basis and returns an error: the caller must stop writing, since the lock
// may already belong to someone else.
func (s *Session) KeepAlive(ctx context.Context) error {
	if !s.Active() {
		return fmt.Errorf("lock: keepalive on inactive session (state %s)", s.State())
	}

	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Destroy(ctx)
			return nil
		case <-ticker.C:
		}

		s.setState(Renewing)
		err := s.renew(ctx)
		if err != nil && ctx.Err() != nil {
			// Shutdown raced the renewal; not a lease failure.
			s.Destroy(ctx)
			return nil
		}
		metrics.SessionRenewalsTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			s.setState(Expired)
			s.log.Error(err, "session renewal failed, treating lock as lost", "id", s.id)
			s.Destroy(ctx)
			return fmt.Errorf("lock: renew session %s: %w", s.id, err)
		}
		s.setState(SessionActive)
		s.log.V(1).Info("session renewed", "id", s.id)
	}
}

func (s *Session) renew(ctx context.Context) error {
	wo := &api.WriteOptions{}
	entry, _, err := s.sessions.Renew(s.id, wo.WithContext(ctx))
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrSessionExpired
	}
	return nil
}

// Destroy removes the session, releasing every key it holds. It runs on a
// context detached from ctx's cancellation so it works during shutdown.
func (s *Session) Destroy(ctx context.Context) {
	if s.id == "" || s.State() == Terminated {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	wo := &api.WriteOptions{}
	if _, err := s.sessions.Destroy(s.id, wo.WithContext(dctx)); err != nil {
		s.log.Error(err, "failed to destroy session", "id", s.id)
	} else {
		s.log.Info("session destroyed", "id", s.id)
	}
	s.setState(Terminated)
}
