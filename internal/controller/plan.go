package controller

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/consul-external-dns/internal/dns"
)

// Deletion is a tracked provider record scheduled for removal.
type Deletion struct {
	ID     string
	Record dns.Record
}

// Plan is the set of provider mutations that moves the tracked state to the
// desired records.
type Plan struct {
	Delete []Deletion
	Create []dns.Record
}

// Empty reports whether the plan has nothing to do.
func (p Plan) Empty() bool {
	return len(p.Delete) == 0 && len(p.Create) == 0
}

// ComputePlan diffs desired records against the tracked state by structural
// identity. Identical desired records collapse into one create. A record
// tracked under several ids keeps the lowest id and the rest are deleted.
// The result is ordered deterministically.
func ComputePlan(desired []dns.Record, state map[string]dns.Record) Plan {
	wanted := make(map[dns.RecordKey]dns.Record, len(desired))
	for _, rec := range desired {
		if _, ok := wanted[rec.Key()]; !ok {
			wanted[rec.Key()] = rec
		}
	}

	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var plan Plan
	kept := sets.New[dns.RecordKey]()
	for _, id := range ids {
		rec := state[id]
		k := rec.Key()
		if _, ok := wanted[k]; ok && !kept.Has(k) {
			kept.Insert(k)
			continue
		}
		plan.Delete = append(plan.Delete, Deletion{ID: id, Record: rec})
	}

	for k, rec := range wanted {
		if !kept.Has(k) {
			plan.Create = append(plan.Create, rec)
		}
	}
	sort.Slice(plan.Create, func(i, j int) bool {
		return plan.Create[i].String() < plan.Create[j].String()
	})
	return plan
}

// String renders the plan for debug logs.
func (p Plan) String() string {
	if p.Empty() {
		return "no changes"
	}

	var b strings.Builder
	if len(p.Delete) > 0 {
		fmt.Fprintf(&b, "Delete:\n")
		for _, d := range p.Delete {
			fmt.Fprintf(&b, "  - [%s] %s\n", d.ID, d.Record)
		}
	}
	if len(p.Create) > 0 {
		fmt.Fprintf(&b, "Create:\n")
		for _, rec := range p.Create {
			fmt.Fprintf(&b, "  + %s\n", rec)
		}
	}
	return b.String()
}
