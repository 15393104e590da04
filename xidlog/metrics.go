package xidlog

import "github.com/prometheus/client_golang/prometheus"

var (
	syncCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "xidlog",
			Name:      "syncs_total",
			Help:      "Counter of page syncs.",
		})

	overflowCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "xidlog",
			Name:      "overflows_total",
			Help:      "Counter of writers that found no free slot.",
		})

	pageErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "xidlog",
			Name:      "page_errors_total",
			Help:      "Counter of failed page syncs.",
		})

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tclog",
			Subsystem: "xidlog",
			Name:      "sync_duration_seconds",
			Help:      "Bucketed histogram of page sync duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(syncCounter)
	prometheus.MustRegister(overflowCounter)
	prometheus.MustRegister(pageErrorCounter)
	prometheus.MustRegister(syncDuration)
}
