package tuner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBusyTuners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "antenna_tuner_busy_tuners",
		Help: "Number of tuners currently holding a lease.",
	})
	metricPreemptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antenna_tuner_preemptions_total",
		Help: "Lease preemptions performed by the arbiter.",
	})
	metricAcquireFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antenna_tuner_acquire_failures_total",
		Help: "Lease requests that exhausted the wait budget.",
	})
	metricStreamSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "antenna_tuner_stream_sessions_total",
		Help: "Live stream sessions by terminal reason.",
	}, []string{"reason"})
	metricStreamBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antenna_tuner_stream_bytes_total",
		Help: "Bytes written to streaming clients.",
	})
)
