package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smfctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smfctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	procedureActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smfctl",
			Subsystem: "procedure",
			Name:      "actions_total",
			Help:      "Actions produced by the procedure state machine.",
		},
		[]string{"state", "kind"},
	)
	procedureErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smfctl",
			Subsystem: "procedure",
			Name:      "errors_total",
			Help:      "Procedure errors by taxonomy kind.",
		},
		[]string{"kind"},
	)
	pendingTransactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smfctl",
			Subsystem: "xact",
			Name:      "pending",
			Help:      "Outstanding pending transactions by class.",
		},
		[]string{"class"},
	)
	peerRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smfctl",
			Subsystem: "peer",
			Name:      "request_duration_seconds",
			Help:      "N1N2 transfer round trip to the peer in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state", "status", "success"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "smfctl",
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Time from enqueue to completion of a session task.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task", "success"},
	)
	dispatchDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smfctl",
			Subsystem: "dispatch",
			Name:      "lane_depth",
			Help:      "Queued tasks per dispatch lane.",
		},
		[]string{"lane"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			procedureActions,
			procedureErrors,
			pendingTransactions,
			peerRequests,
			dispatchDuration,
			dispatchDepth,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordAction(state, kind string) {
	RegisterMetrics()
	procedureActions.WithLabelValues(state, kind).Inc()
}

func RecordProcedureError(kind string) {
	RegisterMetrics()
	procedureErrors.WithLabelValues(kind).Inc()
}

func AddPending(class string, delta float64) {
	RegisterMetrics()
	pendingTransactions.WithLabelValues(class).Add(delta)
}

func RecordPeerRequest(state string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	peerRequests.WithLabelValues(state, strconv.Itoa(status), strconv.FormatBool(success)).
		Observe(duration.Seconds())
}

func RecordDispatch(task string, duration time.Duration, success bool) {
	RegisterMetrics()
	dispatchDuration.WithLabelValues(task, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func SetLaneDepth(lane int, depth int) {
	RegisterMetrics()
	dispatchDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(depth))
}
