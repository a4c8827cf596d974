// Package metrics owns the prometheus registry for the relay. Counters are
// plain atomics so hot paths never touch prometheus directly; collectors read
// them through GaugeFunc/CounterFunc on scrape.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons for a delivery tick that produced no buffer.
const (
	SkipAbsent    = "absent"
	SkipMalformed = "malformed"
	SkipPush      = "push_failed"
)

type Metrics struct {
	FramesPublished atomic.Uint64
	CaptureFailures atomic.Uint64

	BuffersDelivered atomic.Uint64
	ActiveSessions   atomic.Int64
	TotalSessions    atomic.Uint64

	CommandsDispatched atomic.Uint64
	CommandsFailed     atomic.Uint64
	SafetyLandings     atomic.Uint64

	TelemetryFailures atomic.Uint64

	skipped  *prometheus.CounterVec
	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hermes_delivery_ticks_skipped_total",
			Help: "Delivery ticks that pushed no buffer, by reason",
		}, []string{"reason"}),
	}

	m.register()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
		return float64(v.Load())
	})
}

func (m *Metrics) register() {
	m.registry.MustRegister(
		m.counter("hermes_frames_published_total", "Frames published into the frame store", &m.FramesPublished),
		m.counter("hermes_capture_failures_total", "Frame acquisitions that failed", &m.CaptureFailures),
		m.counter("hermes_buffers_delivered_total", "Media buffers pushed to session pipelines", &m.BuffersDelivered),
		m.counter("hermes_sessions_total", "RTSP sessions that started playing", &m.TotalSessions),
		m.counter("hermes_commands_dispatched_total", "Motion commands sent to the vehicle", &m.CommandsDispatched),
		m.counter("hermes_commands_failed_total", "Motion commands the vehicle rejected", &m.CommandsFailed),
		m.counter("hermes_safety_landings_total", "Land commands issued after a failed command", &m.SafetyLandings),
		m.counter("hermes_telemetry_failures_total", "Telemetry snapshots that failed", &m.TelemetryFailures),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hermes_sessions_active",
			Help: "RTSP sessions currently playing",
		}, func() float64 { return float64(m.ActiveSessions.Load()) }),
		m.skipped,
	)
}

// Skipped counts one delivery tick that was dropped for reason.
func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
