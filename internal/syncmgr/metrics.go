package syncmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/notesync/internal/opqueue"
)

// syncMetrics is nil when no registerer was supplied; every method is a
// no-op on a nil receiver.
type syncMetrics struct {
	passes     *prometheus.CounterVec // outcome: ok, partial, error, skipped
	operations *prometheus.CounterVec // result: success, failed, dropped
	pending    prometheus.Gauge
	online     prometheus.Gauge
	duration   prometheus.Histogram
}

func newSyncMetrics(reg prometheus.Registerer) (*syncMetrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &syncMetrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Sync passes by outcome",
		}, []string{"outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notesync",
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Replayed queue operations by result",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notesync",
			Name:      "pending_operations",
			Help:      "Operations waiting in the offline queue for the active user",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "notesync",
			Name:      "online",
			Help:      "1 when the sync manager believes the remote service is reachable",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "notesync",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of sync passes in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
	for _, c := range []prometheus.Collector{m.passes, m.operations, m.pending, m.online, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *syncMetrics) recordPass(outcome string, result opqueue.Result, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.operations.WithLabelValues("success").Add(float64(result.Success))
	m.operations.WithLabelValues("failed").Add(float64(result.Failed))
	dropped := 0
	for _, e := range result.Errors {
		if e.Dropped {
			dropped++
		}
	}
	m.operations.WithLabelValues("dropped").Add(float64(dropped))
}

func (m *syncMetrics) recordSkipped() {
	if m == nil {
		return
	}
	m.passes.WithLabelValues("skipped").Inc()
}

func (m *syncMetrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *syncMetrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
		return
	}
	m.online.Set(0)
}
