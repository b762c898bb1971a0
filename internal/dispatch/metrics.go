package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels of codetime_dispatch_windows_total.
const (
	outcomeDelivered   = "delivered"
	outcomeBuffered    = "buffered"
	outcomeDeferred    = "deferred"
	outcomeDropped     = "dropped"
	outcomeDisabled    = "disabled"
	outcomeEmpty       = "empty"
	outcomeBufferError = "buffer_error"
	outcomeEncodeError = "encode_error"
)

type dispatchMetrics struct {
	windowsTotal *prometheus.CounterVec
	queueDepth   prometheus.Gauge
}

func newDispatchMetrics(registerer prometheus.Registerer) *dispatchMetrics {
	windowsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codetime",
			Subsystem: "dispatch",
			Name:      "windows_total",
			Help:      "Closed windows handled by the dispatcher, by outcome.",
		},
		[]string{"outcome"},
	)
	registerer.MustRegister(windowsTotal)

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "codetime",
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Windows waiting for a worker.",
	})
	registerer.MustRegister(queueDepth)

	return &dispatchMetrics{
		windowsTotal: windowsTotal,
		queueDepth:   queueDepth,
	}
}
