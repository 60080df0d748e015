// Package streaming implements the Streaming Playback Manager (C9):
// low-latency chunked TTS playback over a media transport with a
// file-based safety net, grounded on
// _examples/iamprashant-voice-ai/api/assistant-api/internal/channel/webrtc's
// streamer buffering/lifecycle conventions and on
// original_source/src/core/playback_manager.py's fallback semantics.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/metrics"
	"github.com/ariagent/callengine/internal/pipeline"
	"github.com/ariagent/callengine/internal/playback"
	"github.com/ariagent/callengine/internal/session"

	"github.com/ariagent/callengine/internal/logging"
)

// Sender is the subset of a media transport's outbound contract C9 needs:
// spec.md section 4.5 `send(call_id, audio_bytes, encoding) -> bool`.
type Sender interface {
	Send(callID string, audio []byte, enc codec.Encoding) bool
}

// GatingStarter is implemented by the coordinator; absent one, the manager
// falls back to the Session Store's gating token directly (spec.md section
// 4.9 "on_tts_start... or, absent a coordinator, set_gating_token").
// OnTTSEnd is the symmetric notification fired once cleanup has run, so the
// coordinator can transition speaking -> listening on natural stream end
// (spec.md section 4.10).
type GatingStarter interface {
	OnTTSStart(callID, streamID string)
	OnTTSEnd(callID string)
}

// Config tunes jitter buffering, keepalive, and fallback timing (spec.md
// section 4.9 / 6).
type Config struct {
	ChunkMs             int
	JitterMs            int
	KeepaliveIntervalMs int
	ConnectionTimeoutMs int
	FallbackTimeoutMs   int
	TargetEncoding      codec.Encoding // PCM16 for AudioSocket, mulaw for RTP
	TargetSampleRateHz  int
}

func (c Config) jitterDepth() int {
	d := c.JitterMs / c.ChunkMs
	if d < 1 {
		return 1
	}
	return d
}

type callState struct {
	streamID      string
	queue         chan []byte // jitter buffer; never closed: end of stream is chunkSource closing or a Final chunk
	chunksSent    int
	lastChunkTime time.Time
	cancel        context.CancelFunc
	cleanupOnce   sync.Once
	ender         GatingStarter // notified via OnTTSEnd when cleanup runs; nil if no coordinator bound
}

// Manager runs the streaming loop and keepalive loop for each call's
// outbound TTS stream.
type Manager struct {
	cfg      Config
	store    *session.Store
	sender   Sender
	fallback *playback.Manager
	metrics  *metrics.Streaming
	logger   logging.Logger

	mu    sync.Mutex
	calls map[string]*callState
}

// NewManager constructs a Manager.
func NewManager(cfg Config, store *session.Store, sender Sender, fallback *playback.Manager, m *metrics.Streaming, logger logging.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		sender:   sender,
		fallback: fallback,
		metrics:  m,
		logger:   logger,
		calls:    make(map[string]*callState),
	}
}

// StartStreamingPlayback begins consuming chunkSource and pumping it to
// the transport for callID, gating the call's capture path for the
// duration (spec.md section 4.9). chunkSource is closed by the adapter
// when synthesis completes.
func (m *Manager) StartStreamingPlayback(ctx context.Context, callID string, chunkSource <-chan pipeline.AudioChunk, kind string, coordinator GatingStarter) error {
	call, ok := m.store.GetByCallID(callID)
	if !ok {
		return errCallNotFound(callID)
	}

	streamID := playback.PlaybackID(kind, callID, time.Now().UnixMilli())
	streamCtx, cancel := context.WithCancel(ctx)

	state := &callState{
		streamID:      streamID,
		queue:         make(chan []byte, m.cfg.jitterDepth()),
		lastChunkTime: time.Now(),
		cancel:        cancel,
		ender:         coordinator,
	}

	m.mu.Lock()
	m.calls[callID] = state
	m.mu.Unlock()

	if coordinator != nil {
		coordinator.OnTTSStart(callID, streamID)
	} else {
		m.store.SetGatingToken(callID, streamID)
	}

	call.Streaming.FallbackCount = 0
	m.metrics.Active.WithLabelValues(callID).Set(1)

	go m.streamingLoop(streamCtx, callID, state, chunkSource)
	go m.keepaliveLoop(streamCtx, callID, state)
	return nil
}

func (m *Manager) streamingLoop(ctx context.Context, callID string, state *callState, chunkSource <-chan pipeline.AudioChunk) {
	var buffered [][]byte
	timeout := time.Duration(m.cfg.FallbackTimeoutMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			m.cleanup(callID, state)
			return
		case chunk, ok := <-chunkSource:
			if !ok {
				m.cleanup(callID, state)
				return
			}

			state.lastChunkTime = time.Now()
			state.chunksSent++
			buffered = append(buffered, chunk.Audio)
			m.metrics.BytesTotal.WithLabelValues(callID).Add(float64(len(chunk.Audio)))

			select {
			case state.queue <- chunk.Audio:
				m.metrics.JitterBufferDepth.WithLabelValues(callID).Set(float64(len(state.queue)))
			case <-time.After(timeout):
				m.triggerFallback(ctx, callID, state, buffered, "jitter buffer full")
				return
			}

			if !m.drainQueue(callID, state) {
				m.triggerFallback(ctx, callID, state, buffered, "transport send failed")
				return
			}
			if chunk.Final {
				m.cleanup(callID, state)
				return
			}
		case <-time.After(timeout):
			m.triggerFallback(ctx, callID, state, buffered, "chunk source timeout")
			return
		}
	}
}

// drainQueue sends every currently queued chunk, transcoding as needed for
// the target transport (spec.md section 4.9: PCM16 for AudioSocket, µ-law
// pass-through for RTP). It returns false on the first send failure.
func (m *Manager) drainQueue(callID string, state *callState) bool {
	for {
		select {
		case chunk := <-state.queue:
			out := codec.Convert(codec.ToPCM16(chunk, codec.EncodingMulaw), m.cfg.TargetEncoding)
			if !m.sender.Send(callID, out, m.cfg.TargetEncoding) {
				return false
			}
			m.metrics.JitterBufferDepth.WithLabelValues(callID).Set(float64(len(state.queue)))
		default:
			return true
		}
	}
}

func (m *Manager) keepaliveLoop(ctx context.Context, callID string, state *callState) {
	interval := time.Duration(m.cfg.KeepaliveIntervalMs) * time.Millisecond
	connTimeout := time.Duration(m.cfg.ConnectionTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.metrics.KeepalivesSent.WithLabelValues(callID).Inc()
			m.metrics.LastChunkAge.WithLabelValues(callID).Set(time.Since(state.lastChunkTime).Seconds())
			if time.Since(state.lastChunkTime) > connTimeout {
				m.metrics.KeepaliveTimeouts.WithLabelValues(callID).Inc()
				m.triggerFallback(ctx, callID, state, nil, "keepalive timeout")
				return
			}
		}
	}
}

// triggerFallback concatenates any buffered audio and routes it through
// the file-based Playback Manager (spec.md section 4.9), then cleans up.
func (m *Manager) triggerFallback(ctx context.Context, callID string, state *callState, buffered [][]byte, reason string) {
	m.metrics.FallbacksTotal.WithLabelValues(callID).Inc()
	if call, ok := m.store.GetByCallID(callID); ok {
		call.Streaming.FallbackCount++
		call.Streaming.LastStreamingError = reason
	}

	var total []byte
	for _, b := range buffered {
		total = append(total, b...)
	}
	if len(total) > 0 {
		pcm16 := codec.ToPCM16(total, codec.EncodingMulaw)
		mulaw := codec.Convert(pcm16, codec.EncodingMulaw)
		if err := m.fallback.PlayAudio(ctx, callID, mulaw, "fallback"); err != nil {
			m.logger.Warnf("streaming: fallback playback failed for %s: %v", callID, err)
		}
	}
	m.cleanup(callID, state)
}

// cleanup runs exactly once per stream: clears the gating token, removes
// the call from the manager's maps, resets streaming flags, and notifies
// the coordinator so the refcount-returns-to-zero transition out of
// speaking happens regardless of which path reached cleanup (spec.md
// section 4.9 "Cleanup (exactly once per stream)", section 4.10).
func (m *Manager) cleanup(callID string, state *callState) {
	state.cleanupOnce.Do(func() {
		m.store.ClearGatingToken(callID, state.streamID)
		if call, ok := m.store.GetByCallID(callID); ok {
			call.Streaming.BytesQueued = 0
			call.Streaming.JitterBufferDepth = 0
		}
		m.metrics.Active.WithLabelValues(callID).Set(0)
		m.metrics.Forget(callID)

		m.mu.Lock()
		delete(m.calls, callID)
		m.mu.Unlock()

		state.cancel()

		if state.ender != nil {
			state.ender.OnTTSEnd(callID)
		}
	})
}

// CancelStream cancels an in-flight stream for callID, if any, draining it
// via the same exactly-once cleanup path (used by the coordinator's
// cancel_current_tts, spec.md section 4.10).
func (m *Manager) CancelStream(callID string) {
	m.mu.Lock()
	state, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.cleanup(callID, state)
}

type callNotFoundError string

func (e callNotFoundError) Error() string { return "streaming: call " + string(e) + " not found" }

func errCallNotFound(callID string) error { return callNotFoundError(callID) }
