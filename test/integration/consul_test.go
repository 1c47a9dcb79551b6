package integration

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcconsul "github.com/testcontainers/testcontainers-go/modules/consul"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/consul"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/lock"
)

func startConsul(t *testing.T) *api.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Consul container test in short mode")
	}

	container, err := tcconsul.Run(t.Context(), "hashicorp/consul:1.15")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	endpoint, err := container.ApiEndpoint(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, endpoint)

	client, err := consul.NewClient(consul.Config{Address: endpoint})
	require.NoError(t, err)
	return client
}

func TestConsul_Agent(t *testing.T) {
	client := startConsul(t)
	ctx := t.Context()

	t.Run("watcher returns opted-in services", func(t *testing.T) {
		require.NoError(t, client.Agent().ServiceRegister(&api.AgentServiceRegistration{
			Name: "web",
			Tags: []string{
				"external-dns.enable=true",
				"external-dns.web.hostname=web.example.com",
				"external-dns.web.type=A",
				"external-dns.web.value=10.0.0.1",
			},
		}))
		require.NoError(t, client.Agent().ServiceRegister(&api.AgentServiceRegistration{
			Name: "db",
			Tags: []string{"postgres"},
		}))

		w := consul.NewWatcher(client.Catalog(), "external-dns", 2*time.Second, logr.Discard())
		var services map[string][]string
		require.Eventually(t, func() bool {
			var err error
			_, services, err = w.FetchServiceTags(ctx, 0)
			return err == nil && len(services) == 1
		}, 10*time.Second, 100*time.Millisecond)
		assert.Contains(t, services, "web")
		assert.NotContains(t, services, "db")

		index, _, err := w.FetchServiceTags(ctx, 0)
		require.NoError(t, err)

		go func() {
			time.Sleep(200 * time.Millisecond)
			_ = client.Agent().ServiceDeregister("web")
		}()
		next, services, err := w.FetchServiceTags(ctx, index)
		require.NoError(t, err)
		assert.Greater(t, next, index)
		assert.Empty(t, services)
	})

	t.Run("state store round trip", func(t *testing.T) {
		store := consul.NewStateStore(client.KV(), "test/dns_records", logr.Discard())

		state, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, state)

		want := map[string]dns.Record{
			"id1": {Hostname: "a.com", Type: dns.TypeA, TTL: dns.TTL(300), Value: "1.1.1.1"},
			"id2": {Hostname: "b.com", Type: dns.TypeCNAME, Value: "a.com"},
		}
		require.NoError(t, store.PutAll(ctx, want))

		got, err := store.GetAll(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		for id, rec := range want {
			assert.True(t, rec.Equal(got[id]), "record %s: got %v want %v", id, got[id], rec)
		}
	})

	t.Run("session lock excludes a second holder", func(t *testing.T) {
		newLocker := func() (*lock.Session, *lock.SessionLocker) {
			s := lock.NewSession(client.Session(), lock.SessionConfig{TTL: 10 * time.Second}, logr.Discard())
			require.NoError(t, s.Create(ctx))
			return s, lock.NewSessionLocker(client.KV(), s.ID(), lock.Options{
				Key:           "test/lock",
				RetryInterval: time.Second,
			}, logr.Discard())
		}
		firstSession, first := newLocker()
		secondSession, second := newLocker()
		t.Cleanup(func() {
			firstSession.Destroy(context.Background())
			secondSession.Destroy(context.Background())
		})

		require.NoError(t, first.Acquire(ctx))

		waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, second.Acquire(waitCtx), context.DeadlineExceeded)

		require.NoError(t, first.Release(ctx))
		acquireCtx, cancel2 := context.WithTimeout(ctx, 5*time.Second)
		defer cancel2()
		require.NoError(t, second.Acquire(acquireCtx))
	})

	t.Run("simple lock", func(t *testing.T) {
		opts := lock.Options{Key: "test/simple-lock", RetryInterval: 100 * time.Millisecond}
		first := lock.NewSimpleLocker(client.KV(), opts, logr.Discard())
		second := lock.NewSimpleLocker(client.KV(), opts, logr.Discard())

		require.NoError(t, first.Acquire(ctx))

		waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, second.Acquire(waitCtx), context.DeadlineExceeded)

		require.NoError(t, first.Release(ctx))
		pair, _, err := client.KV().Get("test/simple-lock", nil)
		require.NoError(t, err)
		assert.Nil(t, pair)

		require.NoError(t, second.Acquire(ctx))
		require.NoError(t, second.Release(ctx))
	})
}
