package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerctl",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Service start attempts by result.",
		}, []string{"service", "result"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerctl",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Service stop attempts by result.",
		}, []string{"service", "result"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerctl",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Service restarts by result.",
		}, []string{"service", "result"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "routerctl",
			Subsystem: "service",
			Name:      "up",
			Help:      "1 if the service was running when last observed.",
		}, []string{"service"},
	)
	activations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerctl",
			Subsystem: "profile",
			Name:      "activations_total",
			Help:      "Profile activations by result.",
		}, []string{"profile", "result"},
	)
	activationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "routerctl",
			Subsystem: "profile",
			Name:      "activation_duration_seconds",
			Help:      "Time spent composing and persisting a profile.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"profile"},
	)
	credentialReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routerctl",
			Subsystem: "credential",
			Name:      "file_reads_total",
			Help:      "Credential files read from disk.",
		}, []string{"ref"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, serviceRestarts, serviceUp, activations, activationDuration, credentialReads}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// WriteTextfile dumps the default registry in the node_exporter textfile
// format. One-shot CLI runs use it since nothing scrapes them.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// Helpers below no-op until Register has succeeded.

func IncStart(service, result string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service, result).Inc()
	}
}

func IncStop(service, result string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service, result).Inc()
	}
}

func IncRestart(service, result string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service, result).Inc()
	}
}

func SetUp(service string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1
		}
		serviceUp.WithLabelValues(service).Set(v)
	}
}

func IncActivation(profile, result string) {
	if regOK.Load() {
		activations.WithLabelValues(profile, result).Inc()
	}
}

func ObserveActivation(profile string, seconds float64) {
	if regOK.Load() {
		activationDuration.WithLabelValues(profile).Observe(seconds)
	}
}

func IncCredentialRead(ref string) {
	if regOK.Load() {
		credentialReads.WithLabelValues(ref).Inc()
	}
}
