package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aegis"

// Registry holds all collectors exported by the honeypot process.
type Registry struct {
	reg *prometheus.Registry

	// Honeypot
	Connections *prometheus.CounterVec
	Alerts      prometheus.Counter
	Errors      *prometheus.CounterVec

	// Geofence
	Prefixes    prometheus.Gauge
	LastRefresh prometheus.Gauge
	Refreshes   *prometheus.CounterVec

	// Firewall
	Transitions *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "honeypot",
			Name:      "connections_total",
			Help:      "Accepted connections by classification result.",
		}, []string{"result"}),
		Alerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "honeypot",
			Name:      "alerts_total",
			Help:      "Alerts raised for targeted peers.",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "honeypot",
			Name:      "errors_total",
			Help:      "Per-connection errors by stage.",
		}, []string{"stage"}),
		Prefixes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "prefixes",
			Help:      "Prefixes in the active snapshot.",
		}),
		LastRefresh: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Fetch time of the active snapshot.",
		}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "geofence",
			Name:      "refreshes_total",
			Help:      "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "firewall",
			Name:      "transitions_total",
			Help:      "Posture transitions by batch and outcome.",
		}, []string{"batch", "outcome"}),
	}
}

// Snapshot records a newly active prefix list.
func (r *Registry) Snapshot(prefixes int, fetched time.Time) {
	r.Prefixes.Set(float64(prefixes))
	r.LastRefresh.Set(float64(fetched.Unix()))
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Serve exposes the registry on addr until the server fails.
func (r *Registry) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return http.ListenAndServe(addr, mux)
}
