// Package metrics exposes router activity as Prometheus metrics and samples
// process resource usage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements the router's metrics sink on a private registry so
// two instances in one process never collide.
type Recorder struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	framesReceived prometheus.Counter
	framesSent     prometheus.Counter
	bytesReceived  prometheus.Counter
	bytesSent      prometheus.Counter

	validationFailures *prometheus.CounterVec
	rateLimited        *prometheus.CounterVec
	handlerErrors      *prometheus.CounterVec
	published          *prometheus.CounterVec
}

// NewRecorder creates a Recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Current number of active WebSocket connections",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_frames_received_total",
			Help: "Total number of frames received from clients",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_frames_sent_total",
			Help: "Total number of frames sent to clients",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_bytes_received_total",
			Help: "Total bytes received from clients",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_bytes_sent_total",
			Help: "Total bytes sent to clients",
		}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_validation_failures_total",
			Help: "Total schema validation failures by message type",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_rate_limited_total",
			Help: "Total messages rejected by rate limiting or backpressure, by message type",
		}, []string{"type"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_handler_errors_total",
			Help: "Total handler errors by error code",
		}, []string{"code"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_published_total",
			Help: "Total publishes by topic",
		}, []string{"topic"}),
	}

	r.registry.MustRegister(
		r.connectionsTotal,
		r.connectionsActive,
		r.framesReceived,
		r.framesSent,
		r.bytesReceived,
		r.bytesSent,
		r.validationFailures,
		r.rateLimited,
		r.handlerErrors,
		r.published,
	)
	return r
}

func (r *Recorder) ConnectionOpened() {
	r.connectionsTotal.Inc()
	r.connectionsActive.Inc()
}

func (r *Recorder) ConnectionClosed() {
	r.connectionsActive.Dec()
}

func (r *Recorder) FrameReceived(bytes int) {
	r.framesReceived.Inc()
	r.bytesReceived.Add(float64(bytes))
}

func (r *Recorder) FrameSent(bytes int) {
	r.framesSent.Inc()
	r.bytesSent.Add(float64(bytes))
}

func (r *Recorder) ValidationFailed(msgType string) {
	r.validationFailures.WithLabelValues(msgType).Inc()
}

func (r *Recorder) RateLimited(msgType string) {
	r.rateLimited.WithLabelValues(msgType).Inc()
}

func (r *Recorder) HandlerError(code string) {
	r.handlerErrors.WithLabelValues(code).Inc()
}

func (r *Recorder) Published(topic string) {
	r.published.WithLabelValues(topic).Inc()
}

// Registry exposes the underlying registry for additional collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler returns the scrape endpoint for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
