// Package metrics holds the process-wide Prometheus instruments. Counters
// are write-local: each task increments its own labels, nothing reads them
// back in-process.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

var (
	ProtocolErrors = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_protocol_errors_total",
		Help: "Malformed wire frames dropped, by venue.",
	}, []string{"exchange"})

	Disconnects = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_ws_disconnects_total",
		Help: "WebSocket closes observed, by venue.",
	}, []string{"exchange"})

	SequenceGaps = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_sequence_gaps_total",
		Help: "Order book update-id discontinuities, by venue and symbol.",
	}, []string{"exchange", "symbol"})

	Resnapshots = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_resnapshots_total",
		Help: "Book resynchronizations via REST snapshot.",
	}, []string{"exchange", "symbol"})

	BookLevels = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderflow_book_levels",
		Help: "Current book depth per side.",
	}, []string{"exchange", "symbol", "side"})

	LateTrades = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_footprint_late_trades_total",
		Help: "Trades dropped for arriving after their bar closed.",
	}, []string{"exchange", "symbol"})

	WorkerErrors = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_worker_errors_total",
		Help: "Messages a worker failed to process (acked and skipped).",
	}, []string{"worker"})

	QueueDrops = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_gateway_queue_drops_total",
		Help: "Messages dropped from slow gateway client queues.",
	}, []string{"reason"})

	ClientsConnected = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "orderflow_gateway_clients",
		Help: "Connected WebSocket clients.",
	})

	TaskRestarts = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_task_restarts_total",
		Help: "Supervised task restarts.",
	}, []string{"task"})
)
