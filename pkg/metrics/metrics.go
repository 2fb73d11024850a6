package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	triggerEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoploss_trigger_evaluations_total",
			Help: "Trigger evaluations by outcome.",
		},
		[]string{"outcome"},
	)
	swapsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoploss_swaps_total",
			Help: "Market swaps attempted by the trigger engine, by result.",
		},
		[]string{"result"},
	)
	chunksRevealed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iceberg_chunks_revealed_total",
		Help: "Total iceberg chunks revealed.",
	})
	icebergsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "iceberg_orders_completed_total",
		Help: "Iceberg orders filled in full.",
	})
	cancellations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oco_cancellations_total",
			Help: "OCO sibling cancellations by stage.",
		},
		[]string{"stage"},
	)
	keeperItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_items_total",
			Help: "Keeper work items performed, by kind and status.",
		},
		[]string{"kind", "status"},
	)
	activeConfigs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "extension_active_configs",
			Help: "Configured orders per extension.",
		},
		[]string{"extension"},
	)
	wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "api_ws_clients",
		Help: "Connected WebSocket clients.",
	})
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			triggerEvaluations,
			swapsExecuted,
			chunksRevealed,
			icebergsCompleted,
			cancellations,
			keeperItems,
			activeConfigs,
			wsClients,
		)
	})
}

// Handler exposes the registry.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveTrigger(triggered bool) {
	if triggered {
		triggerEvaluations.WithLabelValues("triggered").Inc()
		return
	}
	triggerEvaluations.WithLabelValues("not_triggered").Inc()
}

func ObserveSwap(result string) {
	swapsExecuted.WithLabelValues(result).Inc()
}

func IncChunksRevealed() {
	chunksRevealed.Inc()
}

func IncIcebergsCompleted() {
	icebergsCompleted.Inc()
}

func ObserveCancellation(stage string) {
	cancellations.WithLabelValues(stage).Inc()
}

func ObserveKeeperItem(kind, status string) {
	keeperItems.WithLabelValues(kind, status).Inc()
}

func SetActiveConfigs(extension string, n int) {
	activeConfigs.WithLabelValues(extension).Set(float64(n))
}

func SetWSClients(n int) {
	wsClients.Set(float64(n))
}
