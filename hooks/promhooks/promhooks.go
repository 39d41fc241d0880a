// Package promhooks exports cache and flush events as Prometheus counters.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/casorm/hooks"
)

// Hooks holds the counters. Register it once per process (or per registry).
type Hooks struct {
	CacheHitsTotal        *prometheus.CounterVec
	CacheMissesTotal      *prometheus.CounterVec
	CachePutRejectedTotal *prometheus.CounterVec
	SelfHealTotal         *prometheus.CounterVec
	LockDeniedTotal       *prometheus.CounterVec
	QueueEvictionsTotal   *prometheus.CounterVec
	GenStoreErrorsTotal   *prometheus.CounterVec
	FlushesTotal          *prometheus.CounterVec
	FlushedRowsTotal      *prometheus.CounterVec
}

var _ hooks.Hooks = (*Hooks)(nil)

// New creates and registers the counters on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer, namespace string) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "casorm"
	}
	f := promauto.With(reg)

	return &Hooks{
		CacheHitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of second-level cache hits",
		}, []string{"region"}),
		CacheMissesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of second-level cache misses",
		}, []string{"region"}),
		CachePutRejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "put_rejected_total",
			Help:      "Total number of refused cache writes",
		}, []string{"region", "reason"}),
		SelfHealTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "self_heal_total",
			Help:      "Total number of entries dropped on read",
		}, []string{"region", "reason"}),
		LockDeniedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lock_denied_total",
			Help:      "Total number of denied soft locks",
		}, []string{"region"}),
		QueueEvictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "queue_evictions_total",
			Help:      "Total number of keys evicted at transaction boundaries",
		}, []string{"region", "outcome"}),
		GenStoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "genstore_errors_total",
			Help:      "Total number of generation store errors",
		}, []string{"op"}),
		FlushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uow",
			Name:      "flushes_total",
			Help:      "Total number of flushes by outcome",
		}, []string{"outcome"}),
		FlushedRowsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uow",
			Name:      "flushed_rows_total",
			Help:      "Total number of rows written by committed flushes",
		}, []string{"op"}),
	}
}

func (h *Hooks) CacheHit(region string)  { h.CacheHitsTotal.WithLabelValues(region).Inc() }
func (h *Hooks) CacheMiss(region string) { h.CacheMissesTotal.WithLabelValues(region).Inc() }

func (h *Hooks) CachePutRejected(region, reason string) {
	h.CachePutRejectedTotal.WithLabelValues(region, reason).Inc()
}

func (h *Hooks) SelfHeal(region, _ string, reason string) {
	h.SelfHealTotal.WithLabelValues(region, reason).Inc()
}

func (h *Hooks) LockDenied(region, _ string) { h.LockDeniedTotal.WithLabelValues(region).Inc() }

func (h *Hooks) QueueFlushed(region string, evicted int, outcome string) {
	h.QueueEvictionsTotal.WithLabelValues(region, outcome).Add(float64(evicted))
}

func (h *Hooks) GenStoreError(op string, _ error) { h.GenStoreErrorsTotal.WithLabelValues(op).Inc() }

func (h *Hooks) FlushCommitted(inserts, updates, deletes int) {
	h.FlushesTotal.WithLabelValues("commit").Inc()
	h.FlushedRowsTotal.WithLabelValues("insert").Add(float64(inserts))
	h.FlushedRowsTotal.WithLabelValues("update").Add(float64(updates))
	h.FlushedRowsTotal.WithLabelValues("delete").Add(float64(deletes))
}

func (h *Hooks) FlushRolledBack(error) { h.FlushesTotal.WithLabelValues("rollback").Inc() }
