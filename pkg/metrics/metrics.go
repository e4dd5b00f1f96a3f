package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control loop
type Metrics struct {
	// Registry metrics
	Replicas      *prometheus.GaugeVec
	Transitions   *prometheus.CounterVec
	EventsDropped prometheus.Counter

	// Probe metrics
	ProbeDuration *prometheus.HistogramVec
	ProbeResults  *prometheus.CounterVec

	// Routing metrics
	RoutedRequests  *prometheus.CounterVec
	RouteErrors     *prometheus.CounterVec
	InFlight        *prometheus.GaugeVec
	RequestDuration *prometheus.HistogramVec

	// Autoscaler metrics
	Utilization      prometheus.Gauge
	DesiredReplicas  prometheus.Gauge
	ScaleDecisions   *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
}

// New creates a new Metrics instance registered on the default registerer
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registerer
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		Replicas: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontdoor_replicas",
				Help: "Number of known replicas by health status",
			},
			[]string{"status"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_replica_transitions_total",
				Help: "Replica health state transitions",
			},
			[]string{"from", "to"},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "frontdoor_registry_events_dropped_total",
				Help: "Registry events dropped because a subscriber was full",
			},
		),

		ProbeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontdoor_probe_duration_seconds",
				Help:    "Health probe latencies in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"type"},
		),
		ProbeResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_probe_results_total",
				Help: "Health probe outcomes",
			},
			[]string{"result"},
		),

		RoutedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_routed_requests_total",
				Help: "Requests dispatched to a replica",
			},
			[]string{"replica", "outcome"},
		),
		RouteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_route_errors_total",
				Help: "Requests that failed before or during dispatch",
			},
			[]string{"error_type"},
		),
		InFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "frontdoor_inflight_requests",
				Help: "In-flight requests per replica",
			},
			[]string{"replica"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frontdoor_request_duration_seconds",
				Help:    "Proxied request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		Utilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontdoor_utilization_ratio",
				Help: "Last observed mean utilization across healthy replicas",
			},
		),
		DesiredReplicas: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontdoor_desired_replicas",
				Help: "Desired replica count last computed by the autoscaler",
			},
		),
		ScaleDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontdoor_scale_decisions_total",
				Help: "Scale decisions emitted by the autoscaler",
			},
			[]string{"direction"},
		),
		DeliveryFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "frontdoor_scale_delivery_failures_total",
				Help: "Scale decisions that could not be delivered to the orchestrator",
			},
		),
	}
}
