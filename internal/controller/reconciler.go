// Package controller drives reconciliation: it watches the catalog, turns
// service tags into desired records and applies the difference against the
// tracked state to the DNS provider, under the cluster-wide lock.
package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/metrics"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/tags"
)

// Watcher long-polls the catalog for opted-in services.
type Watcher interface {
	FetchServiceTags(ctx context.Context, index uint64) (uint64, map[string][]string, error)
}

// StateStore persists the provider id to record mapping.
type StateStore interface {
	GetAll(ctx context.Context) (map[string]dns.Record, error)
	PutAll(ctx context.Context, records map[string]dns.Record) error
}

// Locker guards a pass against concurrent writers.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// ZoneRouter picks the provider zone for a hostname.
type ZoneRouter interface {
	Lookup(hostname string) (string, bool)
	Zones() []string
}

var errNoZone = errors.New("hostname matches no configured zone")

// watchBackoff paces retries of a failing catalog watch.
var watchBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    10,
	Cap:      time.Minute,
}

// Reconciler keeps provider records in line with catalog tags.
type Reconciler struct {
	Watcher Watcher
	State   StateStore
	Lock    Locker
	DNS     dns.Provider
	Zones   ZoneRouter
	Log     logr.Logger
	// Prefix of the tags read from services.
	Prefix string
	// Interval is the pause between passes.
	Interval time.Duration
	// VerifyOnStart drops tracked ids the provider no longer has, checked
	// on every pass until one completes.
	VerifyOnStart bool

	verified bool
	// pending holds records created by passes that failed before
	// persisting. They are merged into the loaded state so a retry does not
	// create them again and a later pass can delete them.
	pending map[string]dns.Record
}

// Run watches the catalog and reconciles after every change until ctx is
// done. A failed pass is retried on the next watch return even when the
// catalog did not change. Run returns nil on cancellation and the error of
// the pass when it is fatal.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Log.Info("starting reconciler", "prefix", r.Prefix, "zones", r.Zones.Zones())

	var index uint64
	dirty := true
	backoff := watchBackoff
	for {
		next, services, err := r.Watcher.FetchServiceTags(ctx, index)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := backoff.Step()
			r.Log.Error(err, "watching catalog failed", "retryIn", delay.Round(time.Millisecond))
			if sleep(ctx, delay) != nil {
				break
			}
			continue
		}
		backoff = watchBackoff

		changed := next != index
		index = next
		if !changed && !dirty {
			r.Log.V(1).Info("catalog unchanged, skipping pass", "index", index)
		} else {
			err := r.Reconcile(ctx, services)
			switch {
			case ctx.Err() != nil:
			case dns.IsFatal(err):
				return fmt.Errorf("controller: %w", err)
			case err != nil:
				dirty = true
				r.Log.Error(err, "reconciliation pass failed, retrying on next watch return")
			default:
				dirty = false
			}
		}

		if sleep(ctx, r.Interval) != nil {
			break
		}
	}

	r.Log.Info("reconciler stopped")
	return nil
}

// Reconcile runs one pass for the given service tags: take the lock, load
// the tracked state, apply deletes then creates, and persist the new state
// when every mutation succeeded.
func (r *Reconciler) Reconcile(ctx context.Context, services map[string][]string) (err error) {
	desired := r.desired(services)

	if err := r.Lock.Acquire(ctx); err != nil {
		metrics.PassesTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer r.release(ctx)

	start := time.Now()
	result := metrics.ResultSkipped
	defer func() {
		if err != nil {
			result = metrics.ResultFailure
		}
		metrics.PassesTotal.WithLabelValues(result).Inc()
		metrics.PassDuration.Observe(time.Since(start).Seconds())
	}()

	persisted, err := r.State.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	state := r.withPending(persisted)

	pruned, verified := false, r.verified || !r.VerifyOnStart
	if !verified {
		state, pruned, verified = r.verify(ctx, state)
	}

	plan := ComputePlan(desired, state)
	if plan.Empty() && !pruned && len(r.pending) == 0 {
		r.verified = verified
		r.Log.V(1).Info("records in sync", "records", len(state))
		metrics.ManagedRecords.Set(float64(len(state)))
		return nil
	}
	r.Log.V(1).Info("applying plan", "plan", plan.String())

	next := maps.Clone(state)
	if next == nil {
		next = make(map[string]dns.Record)
	}
	if err := r.apply(ctx, plan, next); err != nil {
		r.keepPending(next, persisted)
		return err
	}

	if err := r.State.PutAll(ctx, next); err != nil {
		r.keepPending(next, persisted)
		return fmt.Errorf("persist state: %w", err)
	}
	r.pending = nil
	r.verified = verified
	result = metrics.ResultSuccess
	metrics.ManagedRecords.Set(float64(len(next)))
	r.Log.Info("reconciliation pass complete",
		"deleted", len(plan.Delete), "created", len(plan.Create), "records", len(next))
	return nil
}

// apply runs the plan against the provider, recording successes in state.
// Failures do not stop the remaining mutations; cancellation does.
func (r *Reconciler) apply(ctx context.Context, plan Plan, state map[string]dns.Record) error {
	var errs error

	for _, d := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		zone := r.zone(d.Record.Hostname)
		err := r.DNS.Delete(ctx, zone, d.ID)
		metrics.RecordOperationsTotal.WithLabelValues("delete", metrics.Result(err)).Inc()
		if err != nil {
			r.Log.Error(err, "failed to delete DNS record",
				"id", d.ID, "zone", zone, "hostname", d.Record.Hostname, "type", d.Record.Type, "value", d.Record.Value)
			multierr.AppendInto(&errs, fmt.Errorf("delete %s (%s): %w", d.ID, d.Record, err))
			continue
		}
		delete(state, d.ID)
		r.Log.Info("deleted DNS record",
			"id", d.ID, "zone", zone, "hostname", d.Record.Hostname, "type", d.Record.Type, "value", d.Record.Value)
	}

	for _, rec := range plan.Create {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		zone := r.zone(rec.Hostname)
		id, err := r.DNS.Create(ctx, zone, rec)
		metrics.RecordOperationsTotal.WithLabelValues("create", metrics.Result(err)).Inc()
		if err != nil {
			r.Log.Error(err, "failed to create DNS record",
				"zone", zone, "hostname", rec.Hostname, "type", rec.Type, "value", rec.Value)
			multierr.AppendInto(&errs, fmt.Errorf("create %s: %w", rec, err))
			continue
		}
		state[id] = rec
		r.Log.Info("created DNS record",
			"id", id, "zone", zone, "hostname", rec.Hostname, "type", rec.Type, "value", rec.Value)
	}

	return errs
}

// desired parses the tags of every service, dropping malformed groups.
func (r *Reconciler) desired(services map[string][]string) []dns.Record {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []dns.Record
	for _, name := range names {
		records, errs := tags.Parse(r.Prefix, services[name])
		for _, rec := range records {
			if r.zone(rec.Hostname) == "" {
				errs = append(errs, &dns.DataError{Item: rec.String(), Err: errNoZone})
				continue
			}
			out = append(out, rec)
		}
		for _, err := range errs {
			metrics.TagGroupsDroppedTotal.Inc()
			r.Log.Info("dropping tag group", "service", name, "reason", err.Error())
		}
	}
	return out
}

// verify drops tracked ids the provider no longer lists and reports whether
// anything was dropped. If any zone cannot be listed the state is returned
// untouched and ok is false.
func (r *Reconciler) verify(ctx context.Context, state map[string]dns.Record) (_ map[string]dns.Record, pruned, ok bool) {
	live := sets.New[string]()
	for _, zone := range r.Zones.Zones() {
		records, err := r.DNS.List(ctx, zone)
		if err != nil {
			r.Log.Error(err, "listing provider records failed, skipping drift check", "zone", zone)
			return state, false, false
		}
		for _, rec := range records {
			live.Insert(rec.ID)
		}
	}

	out := make(map[string]dns.Record, len(state))
	for id, rec := range state {
		if !live.Has(id) {
			r.Log.Info("tracked record missing at provider, forgetting it",
				"id", id, "hostname", rec.Hostname, "type", rec.Type, "value", rec.Value)
			continue
		}
		out[id] = rec
	}
	return out, len(out) != len(state), true
}

// withPending returns state with the unpersisted records of earlier failed
// passes added. Ids already present in state are left alone.
func (r *Reconciler) withPending(state map[string]dns.Record) map[string]dns.Record {
	if len(r.pending) == 0 {
		return state
	}
	out := make(map[string]dns.Record, len(state)+len(r.pending))
	maps.Copy(out, state)
	for id, rec := range r.pending {
		if _, ok := out[id]; !ok {
			out[id] = rec
		}
	}
	r.Log.V(1).Info("carrying records from a failed pass", "records", len(r.pending))
	return out
}

// keepPending remembers the records in next that are not persisted.
func (r *Reconciler) keepPending(next, persisted map[string]dns.Record) {
	r.pending = make(map[string]dns.Record)
	for id, rec := range next {
		if _, ok := persisted[id]; !ok {
			r.pending[id] = rec
		}
	}
}

func (r *Reconciler) zone(hostname string) string {
	zone, _ := r.Zones.Lookup(hostname)
	return zone
}

// release drops the lock even when ctx is already cancelled.
func (r *Reconciler) release(ctx context.Context) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.Lock.Release(rctx); err != nil {
		r.Log.Error(err, "failed to release lock")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
