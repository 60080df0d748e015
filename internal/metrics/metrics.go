// Package metrics exposes the process-wide streaming playback metrics
// surface named in spec.md section 6, all labeled by call_id.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Streaming holds the metrics the streaming playback manager (C9) updates.
type Streaming struct {
	Active            *prometheus.GaugeVec
	BytesTotal         *prometheus.CounterVec
	JitterBufferDepth  *prometheus.GaugeVec
	LastChunkAge       *prometheus.GaugeVec
	KeepalivesSent     *prometheus.CounterVec
	KeepaliveTimeouts  *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
}

// NewStreaming constructs and registers the streaming metrics against reg.
// Pass prometheus.NewRegistry() in tests to avoid collisions with the
// global default registry.
func NewStreaming(reg prometheus.Registerer) *Streaming {
	m := &Streaming{
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streaming_active",
			Help: "1 while a call has an active streaming TTS playback, else 0",
		}, []string{"call_id"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_bytes_total",
			Help: "Total bytes streamed downstream for a call",
		}, []string{"call_id"}),
		JitterBufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streaming_jitter_buffer_depth",
			Help: "Current number of chunks queued in the jitter buffer",
		}, []string{"call_id"}),
		LastChunkAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streaming_last_chunk_age_seconds",
			Help: "Seconds since the last chunk was received from the TTS adapter",
		}, []string{"call_id"}),
		KeepalivesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_keepalives_sent_total",
			Help: "Total keepalive probes sent for a call's streaming playback",
		}, []string{"call_id"}),
		KeepaliveTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_keepalive_timeouts_total",
			Help: "Total keepalive timeouts observed for a call",
		}, []string{"call_id"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streaming_fallbacks_total",
			Help: "Total times a call's streaming playback fell back to file playback",
		}, []string{"call_id"}),
	}
	reg.MustRegister(
		m.Active, m.BytesTotal, m.JitterBufferDepth, m.LastChunkAge,
		m.KeepalivesSent, m.KeepaliveTimeouts, m.FallbacksTotal,
	)
	return m
}

// Forget deletes a finished call's gauge series (active, jitter-buffer
// depth, last-chunk age). Its counter series (bytes, keepalives sent,
// keepalive timeouts, fallbacks) are kept in the registry.
func (m *Streaming) Forget(callID string) {
	m.Active.DeleteLabelValues(callID)
	m.JitterBufferDepth.DeleteLabelValues(callID)
	m.LastChunkAge.DeleteLabelValues(callID)
}
