package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/config"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/consul"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/controller"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/lock"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/metrics"
)

// run wires the components and blocks until ctx is done or one of the
// concurrent tasks fails. Every task observes the same context, so a failed
// session renewal stops the reconciler before its next mutation.
func run(ctx context.Context, cfg *config.Config) error {
	log := ctrl.Log.WithName("setup")
	log.Info("starting consul-external-dns", "version", Version, "provider", cfg.Provider, "zone", cfg.Zone)

	provider, err := dns.NewProvider(cfg.Provider, ctrl.Log, cfg.Settings)
	if err != nil {
		return fmt.Errorf("unable to create DNS provider: %w", err)
	}

	client, err := consul.NewClient(cfg.Consul)
	if err != nil {
		return fmt.Errorf("unable to create consul client: %w", err)
	}
	consulLog := ctrl.Log.WithName("consul")
	lockLog := ctrl.Log.WithName("lock")

	lockOpts := lock.Options{
		Key:              cfg.Lock.Key,
		RetryInterval:    cfg.Lock.RetryInterval,
		ForceUnlockAfter: cfg.Lock.ForceUnlockAfter,
	}
	var tasks []func(context.Context) error
	var locker controller.Locker
	ready := healthz.Ping
	switch cfg.Lock.Mode {
	case config.LockModeSession:
		session := lock.NewSession(client.Session(), lock.SessionConfig{
			TTL:       cfg.Lock.SessionTTL,
			LockDelay: cfg.Lock.LockDelay,
		}, lockLog)
		if err := session.Create(ctx); err != nil {
			return fmt.Errorf("unable to create consul session: %w", err)
		}
		locker = lock.NewSessionLocker(client.KV(), session.ID(), lockOpts, lockLog)
		ready = func(*http.Request) error {
			if !session.Active() {
				return errors.New("session " + session.State().String())
			}
			return nil
		}
		tasks = append(tasks, session.KeepAlive)
	case config.LockModeSimple:
		log.Info("using session-less lock", "forceUnlockAfter", cfg.Lock.ForceUnlockAfter)
		locker = lock.NewSimpleLocker(client.KV(), lockOpts, lockLog)
	}

	reconciler := &controller.Reconciler{
		Watcher:       consul.NewWatcher(client.Catalog(), cfg.Tags.Prefix, cfg.Reconcile.WaitTime, consulLog),
		State:         consul.NewStateStore(client.KV(), cfg.State.Key, consulLog),
		Lock:          locker,
		DNS:           provider,
		Zones:         cfg.ZoneMap(),
		Log:           ctrl.Log.WithName("reconciler"),
		Prefix:        cfg.Tags.Prefix,
		Interval:      cfg.Reconcile.Interval,
		VerifyOnStart: cfg.Reconcile.VerifyOnStart,
	}
	probes := metrics.NewProbeMux(
		map[string]healthz.Checker{"ping": healthz.Ping},
		map[string]healthz.Checker{"lock": ready},
	)
	tasks = append(tasks,
		reconciler.Run,
		func(ctx context.Context) error { return metrics.ServeMetrics(ctx, cfg.MetricsBindAddress) },
		func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.HealthProbeBindAddress, probes, ctrl.Log.WithName("probes"))
		},
	)

	if err := supervise(ctx, tasks...); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}

// supervise runs tasks concurrently on a shared context. The first task to
// fail cancels the others; supervise returns once all of them have stopped.
func supervise(ctx context.Context, tasks ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error { return task(ctx) })
	}
	return g.Wait()
}
