// Package metrics holds the Prometheus collectors, the metrics server and the
// probe server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Reconciliation metrics
	PassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consul_external_dns_passes_total",
			Help: "Total number of reconciliation passes by result",
		},
		[]string{"result"},
	)

	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consul_external_dns_pass_duration_seconds",
			Help:    "Duration of reconciliation passes, lock wait excluded",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecordOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consul_external_dns_record_operations_total",
			Help: "Total number of provider record operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	ManagedRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consul_external_dns_managed_records",
			Help: "Number of records in the last persisted state",
		},
	)

	TagGroupsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consul_external_dns_tag_groups_dropped_total",
			Help: "Total number of tag groups dropped as malformed",
		},
	)

	// Lock metrics
	SessionRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consul_external_dns_session_renewals_total",
			Help: "Total number of session renewals by result",
		},
		[]string{"result"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "consul_external_dns_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the reconciliation lock",
			Buckets: []float64{0.01, 0.1, 1, 5, 10, 30, 60, 300},
		},
	)
)

func init() {
	crmetrics.Registry.MustRegister(
		PassesTotal,
		PassDuration,
		RecordOperationsTotal,
		ManagedRecords,
		TagGroupsDroppedTotal,
		SessionRenewalsTotal,
		LockWaitDuration,
	)
}

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
