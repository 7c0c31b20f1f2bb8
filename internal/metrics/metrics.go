package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds all Prometheus metrics.
type Registry struct {
	*prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestsDuration *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Bot metrics
	updatesTotal        *prometheus.CounterVec
	generationsTotal    *prometheus.CounterVec
	generationDuration  *prometheus.HistogramVec
	conversationsActive prometheus.Gauge
	contextClears       prometheus.Counter
	transcriptsArchived *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register Go runtime metrics
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		Registry: reg,

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		httpRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
		),
	}

	reg.MustRegister(r.httpRequestsTotal)
	reg.MustRegister(r.httpRequestsDuration)
	reg.MustRegister(r.httpRequestsInFlight)

	// Bot metrics
	r.updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybot_updates_total",
			Help: "Total number of chat updates handled, by kind",
		},
		[]string{"kind"},
	)
	r.generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybot_generations_total",
			Help: "Total number of provider generations, by outcome",
		},
		[]string{"provider", "outcome"},
	)
	r.generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaybot_generation_duration_seconds",
			Help:    "Provider generation duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)
	r.conversationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaybot_conversations_active",
			Help: "Number of users with a stored conversation",
		},
	)
	r.contextClears = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relaybot_context_clears_total",
			Help: "Total number of conversation clears requested by users",
		},
	)
	r.transcriptsArchived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaybot_transcripts_archived_total",
			Help: "Total number of transcript archive writes, by status",
		},
		[]string{"status"},
	)

	reg.MustRegister(r.updatesTotal)
	reg.MustRegister(r.generationsTotal)
	reg.MustRegister(r.generationDuration)
	reg.MustRegister(r.conversationsActive)
	reg.MustRegister(r.contextClears)
	reg.MustRegister(r.transcriptsArchived)

	return r
}

// RecordRequest records metrics for an HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, duration float64) {
	statusStr := statusToString(status)
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	r.httpRequestsDuration.WithLabelValues(method, path).Observe(duration)
}

// InFlightInc increments in-flight requests.
func (r *Registry) InFlightInc() {
	r.httpRequestsInFlight.Inc()
}

// InFlightDec decrements in-flight requests.
func (r *Registry) InFlightDec() {
	r.httpRequestsInFlight.Dec()
}

// RecordUpdate records a handled chat update.
func (r *Registry) RecordUpdate(kind string) {
	r.updatesTotal.WithLabelValues(kind).Inc()
}

// RecordGeneration records one provider call. outcome is "ok" or an error code.
func (r *Registry) RecordGeneration(provider, outcome string, duration float64) {
	r.generationsTotal.WithLabelValues(provider, outcome).Inc()
	r.generationDuration.WithLabelValues(provider).Observe(duration)
}

// SetConversationsActive sets the number of stored conversations.
func (r *Registry) SetConversationsActive(count int) {
	r.conversationsActive.Set(float64(count))
}

// RecordContextClear records a user-requested clear.
func (r *Registry) RecordContextClear() {
	r.contextClears.Inc()
}

// RecordTranscript records a transcript archive write.
func (r *Registry) RecordTranscript(status string) {
	r.transcriptsArchived.WithLabelValues(status).Inc()
}

func statusToString(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
