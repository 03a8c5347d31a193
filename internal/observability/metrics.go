package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	storeOpTotal    *prometheus.CounterVec
	storeOpDuration *prometheus.HistogramVec
	backupFiles     *prometheus.CounterVec

	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	refreshState    *prometheus.GaugeVec

	searchDuration prometheus.Histogram
	searchDropped  *prometheus.CounterVec

	transportState prometheus.Gauge
	liveDonors     prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			storeOpTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_operations_total",
					Help: "Total store operations by store, operation and status.",
				},
				[]string{"store", "op", "status"},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "store_operation_duration_seconds",
					Help:    "Store operation duration in seconds by store and operation.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"store", "op"},
			),
			backupFiles: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_backup_files_total",
					Help: "Backup file copies by store and status (copied, skipped, failed).",
				},
				[]string{"store", "status"},
			),
			refreshTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "refresh_runs_total",
					Help: "Total refresh runs by store and terminal status.",
				},
				[]string{"store", "status"},
			),
			refreshDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "refresh_duration_seconds",
					Help:    "Refresh run duration in seconds by store.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"store"},
			),
			refreshState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "refresh_state",
					Help: "Current refresh state ordinal by store (0 idle .. 6 failed).",
				},
				[]string{"store"},
			),
			searchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "search_duration_seconds",
					Help:    "Multi-store search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			searchDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "search_store_failures_total",
					Help: "Per-store search failures treated as empty results.",
				},
				[]string{"store"},
			),
			transportState: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "transport_state",
					Help: "Current transport state (0 none, 1 cellular, 2 wifi, 3 both).",
				},
			),
			liveDonors: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "live_donors",
					Help: "Donors published by the last successful refresh.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.storeOpTotal,
			m.storeOpDuration,
			m.backupFiles,
			m.refreshTotal,
			m.refreshDuration,
			m.refreshState,
			m.searchDuration,
			m.searchDropped,
			m.transportState,
			m.liveDonors,
		)

		metricsInst = m
	})

	return metricsInst
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordStoreOp(store, op string, duration time.Duration, success bool) {
	m := getMetrics()
	m.storeOpTotal.WithLabelValues(store, op, statusLabel(success)).Inc()
	m.storeOpDuration.WithLabelValues(store, op).Observe(duration.Seconds())
}

func RecordBackupFile(store, status string) {
	m := getMetrics()
	m.backupFiles.WithLabelValues(store, status).Inc()
}

func RecordRefresh(store string, duration time.Duration, success bool) {
	m := getMetrics()
	m.refreshTotal.WithLabelValues(store, statusLabel(success)).Inc()
	m.refreshDuration.WithLabelValues(store).Observe(duration.Seconds())
}

func SetRefreshState(store string, ordinal int) {
	m := getMetrics()
	m.refreshState.WithLabelValues(store).Set(float64(ordinal))
}

func RecordSearch(duration time.Duration) {
	m := getMetrics()
	m.searchDuration.Observe(duration.Seconds())
}

func RecordSearchStoreFailure(store string) {
	m := getMetrics()
	m.searchDropped.WithLabelValues(store).Inc()
}

func SetTransportState(ordinal int) {
	m := getMetrics()
	m.transportState.Set(float64(ordinal))
}

func SetLiveDonors(count int) {
	m := getMetrics()
	m.liveDonors.Set(float64(count))
}
