package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	AcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborbeacon_accepted_total",
			Help: "Total number of beacons accepted for delivery.",
		},
	)

	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbeacon_rejected_total",
			Help: "Total number of beacons rejected before enqueue by reason.",
		},
		[]string{"reason"}, // e.g. invalid_url, unsupported_payload, too_large, spawn_failure, ipc
	)

	WorkerSpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborbeacon_worker_spawns_total",
			Help: "Total number of worker processes spawned.",
		},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbeacon_dispatches_total",
			Help: "Total number of beacon dispatches by outcome.",
		},
		[]string{"outcome"}, // success, failure
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborbeacon_dispatch_latency_seconds",
			Help:    "Time from POST start until the response body is drained.",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborbeacon_queue_depth",
			Help: "Beacons waiting in the worker queue.",
		},
	)

	Pending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborbeacon_pending",
			Help: "Beacons accepted by the worker and not yet settled.",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborbeacon_dead_letters_total",
			Help: "Total number of failed beacons handed to a dead-letter sink.",
		},
		[]string{"sink"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		AcceptedTotal,
		RejectedTotal,
		WorkerSpawnsTotal,
		DispatchesTotal,
		DispatchLatency,
		QueueDepth,
		Pending,
		DeadLettersTotal,
	)
}

func RecordAccepted() {
	AcceptedTotal.Inc()
}

func RecordRejected(reason string) {
	RejectedTotal.WithLabelValues(reason).Inc()
}

func RecordSpawn() {
	WorkerSpawnsTotal.Inc()
}

// RecordDispatch counts one settled dispatch and observes its latency
func RecordDispatch(outcome string, latency time.Duration) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
	DispatchLatency.Observe(latency.Seconds())
}

func SetQueueState(depth, pending int) {
	QueueDepth.Set(float64(depth))
	Pending.Set(float64(pending))
}

func RecordDeadLetter(sink string) {
	DeadLettersTotal.WithLabelValues(sink).Inc()
}

// Push sends everything in g to a Prometheus Pushgateway under job.
// The worker is short lived and cannot be scraped, so it pushes on exit.
func Push(url, job, instance string, g prometheus.Gatherer) error {
	p := push.New(url, job).Gatherer(g)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	return p.Push()
}
