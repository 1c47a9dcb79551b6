package consul

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/consul/api"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
	"github.com/yuriy-kovalchuk/consul-external-dns/internal/tags"
)

// DefaultWaitTime bounds a blocking catalog query.
const DefaultWaitTime = 100 * time.Second

// Catalog is the subset of *api.Catalog the watcher uses.
type Catalog interface {
	Services(q *api.QueryOptions) (map[string][]string, *api.QueryMeta, error)
}

// Watcher long-polls the catalog for services carrying the opt-in tag.
type Watcher struct {
	catalog  Catalog
	prefix   string
	waitTime time.Duration
	filter   string
	log      logr.Logger
}

// NewWatcher creates a Watcher for services tagged "<prefix>.enable=true".
func NewWatcher(catalog Catalog, prefix string, waitTime time.Duration, log logr.Logger) *Watcher {
	if waitTime <= 0 {
		waitTime = DefaultWaitTime
	}
	return &Watcher{
		catalog:  catalog,
		prefix:   prefix,
		waitTime: waitTime,
		filter:   fmt.Sprintf(`ServiceKind == "" and ServiceTags contains %q`, tags.EnableTag(prefix)),
		log:      log,
	}
}

// FetchServiceTags returns the tags of every opted-in service, keyed by
// service name, along with the cursor to pass to the next call. With a zero
// index the call returns immediately; otherwise it blocks until the catalog
// changes past index or the wait time elapses. A timeout returns the same
// index and the full current tag set.
func (w *Watcher) FetchServiceTags(ctx context.Context, index uint64) (uint64, map[string][]string, error) {
	q := &api.QueryOptions{Filter: w.filter}
	if index > 0 {
		q.WaitIndex = index
		q.WaitTime = w.waitTime
	}

	services, meta, err := w.catalog.Services(q.WithContext(ctx))
	if err != nil {
		return index, nil, dns.Transient("consul: catalog services", err)
	}

	next := meta.LastIndex
	if next < index {
		// Raft index went backwards (snapshot restore, leader change): start over.
		w.log.V(1).Info("catalog index went backwards, resetting", "previous", index, "current", next)
		next = 0
	}

	out := make(map[string][]string, len(services))
	for name, serviceTags := range services {
		if !tags.Enabled(w.prefix, serviceTags) {
			continue
		}
		out[name] = serviceTags
	}
	return next, out, nil
}
