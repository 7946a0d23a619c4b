// Package metrics holds the Prometheus instruments shared by the viewer components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/silviot/surveillx_live_view_go/pkg/stream"
)

const (
	namespace = "surveillx"
	subsystem = "viewer"
)

// Drop reasons for FramesDropped
const (
	DropMalformed   = "malformed"
	DropDecode      = "decode"
	DropStale       = "stale_session"
	DropEmptyFrame  = "empty_frame"
	DropUnknownType = "unknown_type"
)

// Metrics groups the viewer's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesTotal     *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	fps             *prometheus.GaugeVec
	connected       prometheus.Gauge
	reconnects      *prometheus.CounterVec
	transportErrors *prometheus.CounterVec
	switches        *prometheus.CounterVec
	probeDuration   *prometheus.HistogramVec
	probeFailures   *prometheus.CounterVec
	detectionEvents *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_total",
			Help:      "Total number of frame messages received",
		}, []string{"mode"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound messages dropped before reaching the surface",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "latency_ms",
			Help:      "Frame latency in milliseconds by transport mode",
			Buckets:   []float64{10, 25, 50, 75, 100, 150, 250, 500, 1000, 2500},
		}, []string{"mode"}),
		fps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fps",
			Help:      "Instantaneous frame rate by transport mode",
		}, []string{"mode"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected",
			Help:      "1 when the active transport is open",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Total number of scheduled reconnect attempts",
		}, []string{"mode"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_errors_total",
			Help:      "Total number of non-fatal transport errors",
		}, []string{"mode"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "switches_total",
			Help:      "Total number of transport switches",
		}, []string{"from", "to"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probe_duration_ms",
			Help:      "Health probe round trip in milliseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"mode"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "probe_failures_total",
			Help:      "Total number of failed or timed out health probes",
		}, []string{"mode"}),
		detectionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "detection_events_total",
			Help:      "Total number of detection results applied to the overlay",
		}, []string{"source"}),
	}

	collectors := []prometheus.Collector{
		m.framesTotal, m.framesDropped, m.latency, m.fps, m.connected,
		m.reconnects, m.transportErrors, m.switches, m.probeDuration,
		m.probeFailures, m.detectionEvents,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// FrameReceived counts a frame message for mode
func (m *Metrics) FrameReceived(mode stream.Mode) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(string(mode)).Inc()
}

// FrameDropped counts a dropped message by reason
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// ObserveLatency records a latency sample in milliseconds
func (m *Metrics) ObserveLatency(mode stream.Mode, ms float64) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(string(mode)).Observe(ms)
}

// SetFPS records the instantaneous frame rate
func (m *Metrics) SetFPS(mode stream.Mode, fps float64) {
	if m == nil {
		return
	}
	m.fps.WithLabelValues(string(mode)).Set(fps)
}

// SetConnected records the connectivity indicator
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Reconnect counts a scheduled reconnect
func (m *Metrics) Reconnect(mode stream.Mode) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(string(mode)).Inc()
}

// TransportError counts a non-fatal transport error
func (m *Metrics) TransportError(mode stream.Mode) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(string(mode)).Inc()
}

// Switched counts a transport switch
func (m *Metrics) Switched(from, to stream.Mode) {
	if m == nil {
		return
	}
	m.switches.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveProbe records a health probe outcome
func (m *Metrics) ObserveProbe(mode stream.Mode, ms float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.probeFailures.WithLabelValues(string(mode)).Inc()
		return
	}
	m.probeDuration.WithLabelValues(string(mode)).Observe(ms)
}

// DetectionApplied counts a detection result by source ("channel" or "frame")
func (m *Metrics) DetectionApplied(source string) {
	if m == nil {
		return
	}
	m.detectionEvents.WithLabelValues(source).Inc()
}
