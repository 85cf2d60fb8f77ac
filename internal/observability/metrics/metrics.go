package metrics

import "github.com/prometheus/client_golang/prometheus"

// SyncMetrics exposes counters/histograms for the appointment sync protocol
// and the calendar projection.
type SyncMetrics struct {
	syncTotal       *prometheus.CounterVec
	erpLatency      *prometheus.HistogramVec
	replayTotal     *prometheus.CounterVec
	projectionTotal *prometheus.CounterVec
	excludedTotal   prometheus.Counter
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Sync engine operations by outcome (synced, rejected, unavailable, sync_error)",
		}, []string{"operation", "outcome"}),
		erpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agenda",
			Subsystem: "erp",
			Name:      "call_latency_seconds",
			Help:      "Latency of ERP adapter calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		replayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "reconcile",
			Name:      "replays_total",
			Help:      "sync_error replay attempts by outcome",
		}, []string{"outcome"}),
		projectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "calendar",
			Name:      "projections_total",
			Help:      "Calendar projections served",
		}, []string{"view"}),
		excludedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agenda",
			Subsystem: "calendar",
			Name:      "excluded_records_total",
			Help:      "Records left out of a projection because no instant could be derived",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.syncTotal, m.erpLatency, m.replayTotal, m.projectionTotal, m.excludedTotal)
	return m
}

func (m *SyncMetrics) ObserveSync(operation, outcome string) {
	if m == nil {
		return
	}
	m.syncTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *SyncMetrics) ObserveERPLatency(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.erpLatency.WithLabelValues(operation, outcome).Observe(seconds)
}

func (m *SyncMetrics) ObserveReplay(outcome string) {
	if m == nil {
		return
	}
	m.replayTotal.WithLabelValues(outcome).Inc()
}

func (m *SyncMetrics) ObserveProjection(view string, excluded int) {
	if m == nil {
		return
	}
	m.projectionTotal.WithLabelValues(view).Inc()
	if excluded > 0 {
		m.excludedTotal.Add(float64(excluded))
	}
}
