package hub

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "predict_bus",
		Name:      "published_messages_total",
		Help:      "Messages handed to the broker, by exchange.",
	}, []string{"exchange"})

	consumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "predict_bus",
		Name:      "consumed_messages_total",
		Help:      "Deliveries passed to a handler, by queue.",
	}, []string{"queue"})

	failedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "predict_bus",
		Name:      "failed_messages_total",
		Help:      "Deliveries whose handler returned an error, by queue.",
	}, []string{"queue"})
)

// Collectors returns the hub counters so the caller can register them.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{publishedTotal, consumedTotal, failedTotal}
}
