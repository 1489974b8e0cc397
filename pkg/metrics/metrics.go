// Package metrics exports session counters and gauges to Prometheus.
//
// A nil *Collector is valid and records nothing, so components can take an
// optional collector without checking for it at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resend modes used as the "mode" label of the resent counter.
const (
	ResendOutright    = "outright"
	ResendStateQuery  = "state_query"
	ResendReconnect   = "reconnect"
	ResendPeerRequest = "peer_request"
)

// Connect results used as the "result" label of the connect counter.
const (
	ConnectOK      = "ok"
	ConnectFailed  = "failed"
	ConnectTimeout = "timeout"
)

// Config configures a Collector.
type Config struct {
	// Namespace prefixes every metric name. Default: "mtsession".
	Namespace string

	// SessionID, if set, is attached to every metric as a constant label.
	SessionID string
}

// Collector holds the metrics of one session.
type Collector struct {
	Submitted         prometheus.Counter
	Acked             prometheus.Counter
	Resent            *prometheus.CounterVec
	Failed            prometheus.Counter
	ContainersFlushed prometheus.Counter
	ContainersExpired prometheus.Counter
	AcksSent          prometheus.Counter
	Pings             prometheus.Counter
	Updates           prometheus.Counter
	ConnectAttempts   *prometheus.CounterVec
	InFlight          prometheus.Gauge
	ConnectionPhase   prometheus.Gauge
	RoundTrip         prometheus.Histogram
}

// New creates a Collector and registers it with reg.
// Registering two collectors with the same labels on one registry panics.
func New(reg prometheus.Registerer, config Config) *Collector {
	ns := config.Namespace
	if ns == "" {
		ns = "mtsession"
	}
	var labels prometheus.Labels
	if config.SessionID != "" {
		labels = prometheus.Labels{"session": config.SessionID}
	}
	f := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Collector{
		Submitted:         counter("requests_submitted_total", "Requests accepted by Submit."),
		Acked:             counter("requests_acked_total", "Tracked messages confirmed by the peer."),
		Failed:            counter("requests_failed_total", "Tracked messages abandoned after exhausting their budget."),
		ContainersFlushed: counter("containers_flushed_total", "Containers written to the connection."),
		ContainersExpired: counter("containers_expired_total", "Containers that outlived their lifetime without being acked."),
		AcksSent:          counter("acks_sent_total", "Inbound message ids acknowledged."),
		Pings:             counter("pings_sent_total", "Keepalive pings sent."),
		Updates:           counter("updates_received_total", "Server-initiated updates delivered."),
		Resent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "requests_resent_total",
			Help:        "Tracked messages sent again, by trigger.",
			ConstLabels: labels,
		}, []string{"mode"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "connect_attempts_total",
			Help:        "Connection attempts, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "requests_in_flight",
			Help:        "Tracked messages not yet acked or abandoned.",
			ConstLabels: labels,
		}),
		ConnectionPhase: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "connection_phase",
			Help:        "Current connection phase (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
			ConstLabels: labels,
		}),
		RoundTrip: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "ping_round_trip_seconds",
			Help:        "Ping to pong round trip time.",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

// RequestSubmitted counts one accepted request.
func (c *Collector) RequestSubmitted() {
	if c == nil {
		return
	}
	c.Submitted.Inc()
}

// MessageAcked counts one confirmed message.
func (c *Collector) MessageAcked() {
	if c == nil {
		return
	}
	c.Acked.Inc()
}

// MessageResent counts n messages sent again in the given mode.
func (c *Collector) MessageResent(mode string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Resent.WithLabelValues(mode).Add(float64(n))
}

// MessageFailed counts one abandoned message.
func (c *Collector) MessageFailed() {
	if c == nil {
		return
	}
	c.Failed.Inc()
}

// ContainerFlushed counts one container write.
func (c *Collector) ContainerFlushed() {
	if c == nil {
		return
	}
	c.ContainersFlushed.Inc()
}

// ContainerExpired counts n expired containers.
func (c *Collector) ContainerExpired(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ContainersExpired.Add(float64(n))
}

// AcksFlushed counts n acknowledged inbound ids.
func (c *Collector) AcksFlushed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.AcksSent.Add(float64(n))
}

// PingSent counts one ping.
func (c *Collector) PingSent() {
	if c == nil {
		return
	}
	c.Pings.Inc()
}

// UpdateReceived counts one delivered update.
func (c *Collector) UpdateReceived() {
	if c == nil {
		return
	}
	c.Updates.Inc()
}

// ConnectAttempt counts one connection attempt outcome.
func (c *Collector) ConnectAttempt(result string) {
	if c == nil {
		return
	}
	c.ConnectAttempts.WithLabelValues(result).Inc()
}

// SetInFlight records the number of tracked messages.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.InFlight.Set(float64(n))
}

// SetPhase records the connection phase as its numeric value.
func (c *Collector) SetPhase(phase int) {
	if c == nil {
		return
	}
	c.ConnectionPhase.Set(float64(phase))
}

// ObserveRoundTrip records one ping round trip.
func (c *Collector) ObserveRoundTrip(d time.Duration) {
	if c == nil {
		return
	}
	c.RoundTrip.Observe(d.Seconds())
}
