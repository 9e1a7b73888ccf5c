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

	backendSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "spawns_total",
			Help:      "Number of backend process spawns.",
		},
	)
	backendStops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of operator-initiated backend stops.",
		},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Number of backend exits by outcome.",
		}, []string{"outcome"},
	)
	readyWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "ready_wait_seconds",
			Help:      "Time from spawn until the readiness probe succeeded.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Number of requests forwarded to the backend by kind.",
		}, []string{"kind"},
	)
	proxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Number of requests the proxy could not serve, by reason.",
		}, []string{"reason"},
	)
	diagReports = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "diag",
			Name:      "reports_total",
			Help:      "Number of diagnostic reports collected.",
		},
	)
	activeTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "proxy",
			Name:      "active_tunnels",
			Help:      "Number of upgraded connections currently bridged to the backend.",
		},
	)
	consoleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "console",
			Name:      "runs_total",
			Help:      "Number of allowlisted console command executions by outcome.",
		}, []string{"outcome"},
	)
	archiveTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "archive",
			Name:      "transfers_total",
			Help:      "Number of state archive exports and imports by outcome.",
		}, []string{"direction", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{backendSpawns, backendStops, backendExits, readyWait, stateTransitions, currentStates, proxyRequests, proxyErrors, diagReports, activeTunnels, consoleRuns, archiveTransfers}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn() {
	if regOK.Load() {
		backendSpawns.Inc()
	}
}

func IncStop() {
	if regOK.Load() {
		backendStops.Inc()
	}
}

func IncExit(clean bool) {
	if regOK.Load() {
		outcome := "clean"
		if !clean {
			outcome = "error"
		}
		backendExits.WithLabelValues(outcome).Inc()
	}
}

func ObserveReadyWait(seconds float64) {
	if regOK.Load() {
		readyWait.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(state).Set(value)
	}
}

func IncProxyRequest(kind string) {
	if regOK.Load() {
		proxyRequests.WithLabelValues(kind).Inc()
	}
}

func IncProxyError(reason string) {
	if regOK.Load() {
		proxyErrors.WithLabelValues(reason).Inc()
	}
}

func IncDiagReport() {
	if regOK.Load() {
		diagReports.Inc()
	}
}

func AddActiveTunnel(delta float64) {
	if regOK.Load() {
		activeTunnels.Add(delta)
	}
}

func IncConsoleRun(ok bool) {
	if regOK.Load() {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		consoleRuns.WithLabelValues(outcome).Inc()
	}
}

func IncArchiveTransfer(direction string, ok bool) {
	if regOK.Load() {
		outcome := "ok"
		if !ok {
			outcome = "error"
		}
		archiveTransfers.WithLabelValues(direction, outcome).Inc()
	}
}
