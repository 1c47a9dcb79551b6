package consul

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/hashicorp/consul/api"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/consultest"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
)

func TestFetchServiceTags_InitialCallReturnsImmediately(t *testing.T) {
	store := consultest.New()
	store.RegisterService("web",
		"external-dns.enable=true",
		"external-dns.web.hostname=a.com",
	)
	store.RegisterService("db", "postgres")

	w := NewWatcher(store, "external-dns", time.Minute, testr.New(t))

	index, services, err := w.FetchServiceTags(context.Background(), 0)
	if err != nil {
		t.Fatalf("FetchServiceTags: %v", err)
	}
	if index != store.Index() {
		t.Errorf("expected index %d, got %d", store.Index(), index)
	}
	if len(services) != 1 {
		t.Fatalf("expected only the opted-in service, got %v", services)
	}
	if _, ok := services["web"]; !ok {
		t.Errorf("expected service 'web', got %v", services)
	}
}

func TestFetchServiceTags_BlocksUntilChange(t *testing.T) {
	store := consultest.New()
	store.RegisterService("web", "external-dns.enable=true")
	w := NewWatcher(store, "external-dns", time.Minute, logr.Discard())

	index, _, err := w.FetchServiceTags(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.RegisterService("api", "external-dns.enable=true")
	}()

	start := time.Now()
	next, services, err := w.FetchServiceTags(context.Background(), index)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("expected the call to block until the catalog changed")
	}
	if next <= index {
		t.Errorf("expected index to advance past %d, got %d", index, next)
	}
	if len(services) != 2 {
		t.Errorf("expected full tag set of 2 services, got %v", services)
	}
}

func TestFetchServiceTags_TimeoutKeepsIndex(t *testing.T) {
	store := consultest.New()
	store.RegisterService("web", "external-dns.enable=true")
	w := NewWatcher(store, "external-dns", 30*time.Millisecond, logr.Discard())

	index, _, _ := w.FetchServiceTags(context.Background(), 0)
	next, services, err := w.FetchServiceTags(context.Background(), index)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if next != index {
		t.Errorf("expected unchanged index %d, got %d", index, next)
	}
	if len(services) != 1 {
		t.Errorf("expected current tag set on timeout, got %v", services)
	}
}

func TestFetchServiceTags_IndexReset(t *testing.T) {
	store := consultest.New()
	w := NewWatcher(store, "external-dns", 10*time.Millisecond, logr.Discard())

	next, _, err := w.FetchServiceTags(context.Background(), store.Index()+100)
	if err != nil {
		t.Fatal(err)
	}
	if next != 0 {
		t.Errorf("expected index reset to 0, got %d", next)
	}
}

func TestFetchServiceTags_ErrorIsTransient(t *testing.T) {
	store := consultest.New()
	store.SetError("Services", errors.New("connection refused"))
	w := NewWatcher(store, "external-dns", time.Second, logr.Discard())

	index, _, err := w.FetchServiceTags(context.Background(), 7)
	if !dns.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if index != 7 {
		t.Errorf("expected cursor to be kept on error, got %d", index)
	}
}

func TestFetchServiceTags_Cancelled(t *testing.T) {
	store := consultest.New()
	w := NewWatcher(store, "external-dns", time.Minute, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if _, _, err := w.FetchServiceTags(ctx, store.Index()); err == nil {
		t.Fatal("expected an error after cancellation")
	}
}

func TestStateStore_MissingKeyIsEmpty(t *testing.T) {
	s := NewStateStore(consultest.New(), "", logr.Discard())

	records, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected empty state, got %v", records)
	}
}

func TestStateStore_PutAllThenGetAll(t *testing.T) {
	store := consultest.New()
	s := NewStateStore(store, "dns_records", testr.New(t))

	want := map[string]dns.Record{
		"id1": {Hostname: "a.com", Type: dns.TypeA, TTL: dns.TTL(300), Value: "1.1.1.1"},
		"id2": {Hostname: "b.com", Type: dns.TypeCNAME, Value: "a.com"},
	}
	if err := s.PutAll(context.Background(), want); err != nil {
		t.Fatalf("PutAll: %v", err)
	}

	got, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for id, rec := range want {
		if !got[id].Equal(rec) {
			t.Errorf("record %s: got %v, want %v", id, got[id], rec)
		}
	}

	if err := s.PutAll(context.Background(), map[string]dns.Record{}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetAll(context.Background())
	if len(got) != 0 {
		t.Errorf("expected whole map to be replaced, got %v", got)
	}
}

func TestStateStore_PersistedLayout(t *testing.T) {
	store := consultest.New()
	s := NewStateStore(store, "dns_records", logr.Discard())

	err := s.PutAll(context.Background(), map[string]dns.Record{
		"id1": {Hostname: "a.com", Type: dns.TypeA, Value: "1.1.1.1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	want := `{"id1":{"hostname":"a.com","type":"A","ttl":null,"value":"1.1.1.1"}}`
	if got := string(store.Keys()["dns_records"]); got != want {
		t.Errorf("stored value:\n got  %s\n want %s", got, want)
	}
}

func TestStateStore_DropsBadEntries(t *testing.T) {
	store := consultest.New()
	_, _ = store.Put(&api.KVPair{Key: "dns_records", Value: []byte(`{
		"good": {"hostname":"a.com","type":"A","ttl":60,"value":"1.1.1.1"},
		"badtype": {"hostname":"b.com","type":"MX","value":"x"},
		"garbage": 42
	}`)}, nil)

	s := NewStateStore(store, "dns_records", testr.New(t))
	got, err := s.GetAll(context.Background())
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the valid entry, got %v", got)
	}
	if _, ok := got["good"]; !ok {
		t.Errorf("expected entry 'good', got %v", got)
	}
}

func TestStateStore_UndecodableValue(t *testing.T) {
	store := consultest.New()
	_, _ = store.Put(&api.KVPair{Key: "dns_records", Value: []byte(`not json`)}, nil)

	s := NewStateStore(store, "dns_records", logr.Discard())
	if _, err := s.GetAll(context.Background()); !dns.IsData(err) {
		t.Fatalf("expected DataError, got %v", err)
	}
}

func TestStateStore_BackendErrorsAreTransient(t *testing.T) {
	store := consultest.New()
	s := NewStateStore(store, "dns_records", logr.Discard())

	store.SetError("Get", errors.New("503"))
	if _, err := s.GetAll(context.Background()); !dns.IsTransient(err) {
		t.Errorf("expected transient GetAll error, got %v", err)
	}
	store.SetError("Put", errors.New("503"))
	if err := s.PutAll(context.Background(), nil); !dns.IsTransient(err) {
		t.Errorf("expected transient PutAll error, got %v", err)
	}
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(Config{Address: "http://127.0.0.1:8500", Datacenter: "dc1"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client == nil {
		t.Fatal("expected client")
	}
}
