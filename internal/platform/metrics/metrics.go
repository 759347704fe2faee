package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transition directions recorded by IncTransition.
const (
	DirectionOnline  = "online"
	DirectionOffline = "offline"
)

// Metrics holds Prometheus collectors for the live-stream status service.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	ticksTotal     prometheus.Counter
	fetchFailures  prometheus.Counter
	staleDiscards  prometheus.Counter
	writeFailures  prometheus.Counter
	transitions    *prometheus.CounterVec
	modeSwitches   *prometheus.CounterVec
	conflictsTotal prometheus.Counter
	watchedStreams prometheus.Gauge
	liveStreams    prometheus.Gauge
}

// New creates and registers the service's collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_reconcile_ticks_total",
			Help: "Reconciliation polls performed",
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_status_fetch_failures_total",
			Help: "Platform status fetches that ended as an unknown observation",
		}),
		staleDiscards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_stale_observations_total",
			Help: "Observations discarded because the record changed during the fetch",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_write_failures_total",
			Help: "Record writes that failed in the store",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_transitions_total",
			Help: "isLive flips committed by the reconciler",
		}, []string{"direction"}),
		modeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestream_mode_switches_total",
			Help: "Seller-initiated mode switches that changed state",
		}, []string{"mode"}),
		conflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestream_mode_switch_conflicts_total",
			Help: "Mode switches rejected because of a recent contradicting observation",
		}),
		watchedStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livestream_watched_streams",
			Help: "Streams with a running reconciliation loop",
		}),
		liveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livestream_live_streams",
			Help: "Stored records with isLive=true at the last sweep",
		}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.ticksTotal,
		m.fetchFailures,
		m.staleDiscards,
		m.writeFailures,
		m.transitions,
		m.modeSwitches,
		m.conflictsTotal,
		m.watchedStreams,
		m.liveStreams,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

func (m *Metrics) IncTicks() { m.ticksTotal.Inc() }

func (m *Metrics) IncFetchFailures() { m.fetchFailures.Inc() }

func (m *Metrics) IncStaleDiscards() { m.staleDiscards.Inc() }

func (m *Metrics) IncWriteFailures() { m.writeFailures.Inc() }

// IncTransition records a reconciler flip; direction is DirectionOnline or DirectionOffline.
func (m *Metrics) IncTransition(direction string) {
	m.transitions.WithLabelValues(direction).Inc()
}

// IncModeSwitch records a committed seller mode switch.
func (m *Metrics) IncModeSwitch(mode string) {
	m.modeSwitches.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncConflicts() { m.conflictsTotal.Inc() }

// SetWatchedStreams sets the running reconcile loop gauge.
func (m *Metrics) SetWatchedStreams(n int) {
	m.watchedStreams.Set(float64(n))
}

// SetLiveStreams sets the live record gauge.
func (m *Metrics) SetLiveStreams(n int) {
	m.liveStreams.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
