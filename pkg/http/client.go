package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	inFlightGauge = promauto.With(prometheus.DefaultRegisterer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "client_in_flight_requests",
			Help: "A gauge of in-flight requests for the wrapped client.",
		},
		[]string{"client"},
	)

	counter = promauto.With(prometheus.DefaultRegisterer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "client_api_requests_total",
			Help: "A counter for requests from the wrapped client.",
		},
		[]string{"code", "method", "client"},
	)

	histVec = promauto.With(prometheus.DefaultRegisterer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "A histogram of request latencies.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "client"},
	)
)

// NewInstrumentedRoundTripper wraps next with in-flight, counter and
// duration metrics labelled with the client name.
func NewInstrumentedRoundTripper(clientName string, next http.RoundTripper) http.RoundTripper {
	inFlightGauge := inFlightGauge.WithLabelValues(clientName)

	counter := counter.MustCurryWith(prometheus.Labels{
		"client": clientName,
	})

	histVec := histVec.MustCurryWith(prometheus.Labels{
		"client": clientName,
	})

	rt := promhttp.InstrumentRoundTripperInFlight(inFlightGauge,
		promhttp.InstrumentRoundTripperCounter(counter,
			promhttp.InstrumentRoundTripperDuration(histVec, next),
		),
	)

	// promhttp does not pass the idle connection closer through, so do it
	// on our own.
	if ic, ok := next.(idleConnectionCloser); ok {
		return &transportWithIdleConnectionCloser{
			idleConnectionCloser: ic,
			RoundTripper:         rt,
		}
	}
	return rt
}

type idleConnectionCloser interface {
	CloseIdleConnections()
}

type transportWithIdleConnectionCloser struct {
	idleConnectionCloser
	http.RoundTripper
}
