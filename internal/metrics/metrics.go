package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	OrdersCreated    prometheus.Counter
	OrdersDuplicate  prometheus.Counter
	OrdersRejected   prometheus.Counter
	PersistFailures  prometheus.Counter
	Published        prometheus.Counter
	PublishFailures  prometheus.Counter
	IngestLatencySec prometheus.Histogram

	// Consumer
	Applied     *prometheus.CounterVec
	Skipped     *prometheus.CounterVec
	Poison      *prometheus.CounterVec
	ApplyErrors *prometheus.CounterVec
	Lag         *prometheus.GaugeVec

	// Reconciler and recovery
	Reconciled         prometheus.Counter
	ReconcileGaveUp    prometheus.Counter
	TTRSec             prometheus.Gauge
	LastManifestAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	counter := func(name string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name})
	}
	perPartition := func(name string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, []string{"partition"})
	}
	m := &Registry{
		reg:             r,
		OrdersCreated:   counter("foodorder_orders_created_total"),
		OrdersDuplicate: counter("foodorder_orders_duplicate_total"),
		OrdersRejected:  counter("foodorder_orders_rejected_total"),
		PersistFailures: counter("foodorder_persist_failures_total"),
		Published:       counter("foodorder_events_published_total"),
		PublishFailures: counter("foodorder_publish_failures_total"),
		IngestLatencySec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "foodorder_ingest_latency_seconds",
			Buckets: prometheus.DefBuckets,
		}),
		Applied:     perPartition("foodorder_consumer_applied_total"),
		Skipped:     perPartition("foodorder_consumer_skipped_total"),
		Poison:      perPartition("foodorder_consumer_poison_total"),
		ApplyErrors: perPartition("foodorder_consumer_apply_errors_total"),
		Lag: prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "foodorder_consumer_lag"},
			[]string{"partition"}),
		Reconciled:         counter("foodorder_reconciled_total"),
		ReconcileGaveUp:    counter("foodorder_reconcile_gave_up_total"),
		TTRSec:             prometheus.NewGauge(prometheus.GaugeOpts{Name: "foodorder_recovery_ttr_seconds"}),
		LastManifestAgeSec: prometheus.NewGauge(prometheus.GaugeOpts{Name: "foodorder_last_manifest_age_seconds"}),
	}
	r.MustRegister(
		m.OrdersCreated, m.OrdersDuplicate, m.OrdersRejected, m.PersistFailures,
		m.Published, m.PublishFailures, m.IngestLatencySec,
		m.Applied, m.Skipped, m.Poison, m.ApplyErrors, m.Lag,
		m.Reconciled, m.ReconcileGaveUp, m.TTRSec, m.LastManifestAgeSec,
	)
	return m
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
