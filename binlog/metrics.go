package binlog

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "binlog",
			Name:      "commits_total",
			Help:      "Counter of transactions written by group commit.",
		})

	groupCommitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "binlog",
			Name:      "group_commits_total",
			Help:      "Counter of group commit batches.",
		})

	groupCommitTriggerCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "binlog",
			Name:      "group_commit_trigger_total",
			Help:      "Counter of what ended the leader's wait for more transactions.",
		}, []string{"reason"})

	flushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tclog",
			Subsystem: "binlog",
			Name:      "flush_duration_seconds",
			Help:      "Bucketed histogram of batch flush and sync duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		})

	incidentCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "binlog",
			Name:      "incidents_total",
			Help:      "Counter of incident events written.",
		})

	checkpointCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tclog",
			Subsystem: "binlog",
			Name:      "checkpoints_total",
			Help:      "Counter of checkpoint events written.",
		})
)

func init() {
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(groupCommitCounter)
	prometheus.MustRegister(groupCommitTriggerCounter)
	prometheus.MustRegister(flushDuration)
	prometheus.MustRegister(incidentCounter)
	prometheus.MustRegister(checkpointCounter)
}
