// Package metrics exposes Prometheus collectors for the event stream
// connection and the subscription multiplexer. A nil *Collectors is valid and
// records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medqueue"

type Collectors struct {
	connectionState   prometheus.Gauge
	reconnects        prometheus.Counter
	frames            *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	deliveries        *prometheus.CounterVec
	decodeFallbacks   prometheus.Counter
	subscriptions     *prometheus.GaugeVec
	handlerPanics     prometheus.Counter
}

// New registers the collectors on reg. Passing nil uses a private registry,
// which keeps tests independent of the default one.
func New(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	auto := promauto.With(reg)
	return &Collectors{
		connectionState: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connection_state",
			Help:      "Current connection state: 0 disconnected, 1 connecting, 2 connected",
		}),
		reconnects: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnect_attempts_total",
			Help:      "Connection attempts made after the first one",
		}),
		frames: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "STOMP frames by direction and command",
		}, []string{"direction", "command"}),
		heartbeatTimeouts: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "heartbeat_timeouts_total",
			Help:      "Sessions dropped because the server went silent",
		}),
		deliveries: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Events delivered to subscription handlers by event type",
		}, []string{"type"}),
		decodeFallbacks: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "decode_fallbacks_total",
			Help:      "Message bodies delivered raw because they were not valid events",
		}),
		subscriptions: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "subscriptions",
			Help:      "Subscriptions by lifecycle state",
		}, []string{"state"}),
		handlerPanics: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "handler_panics_total",
			Help:      "Subscription handlers that panicked",
		}),
	}
}

func (c *Collectors) SetConnectionState(state int) {
	if c == nil {
		return
	}
	c.connectionState.Set(float64(state))
}

func (c *Collectors) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collectors) FrameIn(command string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues("in", command).Inc()
}

func (c *Collectors) FrameOut(command string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues("out", command).Inc()
}

func (c *Collectors) HeartbeatTimeout() {
	if c == nil {
		return
	}
	c.heartbeatTimeouts.Inc()
}

func (c *Collectors) Delivered(eventType string) {
	if c == nil {
		return
	}
	if eventType == "" {
		eventType = "raw"
	}
	c.deliveries.WithLabelValues(eventType).Inc()
}

func (c *Collectors) DecodeFallback() {
	if c == nil {
		return
	}
	c.decodeFallbacks.Inc()
}

func (c *Collectors) HandlerPanic() {
	if c == nil {
		return
	}
	c.handlerPanics.Inc()
}

// SetSubscriptions publishes the per-state subscription counts.
func (c *Collectors) SetSubscriptions(pending, active, cancelled int) {
	if c == nil {
		return
	}
	c.subscriptions.WithLabelValues("pending").Set(float64(pending))
	c.subscriptions.WithLabelValues("active").Set(float64(active))
	c.subscriptions.WithLabelValues("cancelled").Set(float64(cancelled))
}
