// Package coordinator implements the per-call Conversation Coordinator
// (C10): the turn-taking FSM, STT -> LLM -> TTS sequencing, and barge-in
// detection, grounded on original_source/src/core/session_store.py's
// call-state transitions and on
// _examples/iamprashant-voice-ai/api/assistant-api/internal/adapters/internal/talking.go's
// turn-sequencing style.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/pipeline"
	"github.com/ariagent/callengine/internal/playback"
	"github.com/ariagent/callengine/internal/session"
	"github.com/ariagent/callengine/internal/vad"
)

// Sender is the media transport's outbound contract (spec.md section 4.5).
type Sender interface {
	Send(callID string, audio []byte, enc codec.Encoding) bool
}

// ttsGate is the capability C9 needs from the coordinator: starting gates
// the capture path, ending ungates it (spec.md section 4.9).
type ttsGate interface {
	OnTTSStart(callID, streamID string)
	OnTTSEnd(callID string)
}

// StreamStarter is C9's entry point, used when downstream_mode=stream.
type StreamStarter interface {
	StartStreamingPlayback(ctx context.Context, callID string, chunkSource <-chan pipeline.AudioChunk, kind string, coordinator ttsGate) error
	CancelStream(callID string)
}

// Coordinator drives one call's idle/greeting/listening/processing/
// speaking/error FSM (spec.md section 4.10).
type Coordinator struct {
	callID string
	store  *session.Store
	res    *pipeline.Resolution
	entry  config.PipelineEntry
	conv   config.ConversationConfig
	streamingCfg config.StreamingConfig
	downstream   config.DownstreamMode

	streamMgr StreamStarter
	fileMgr   *playback.Manager
	logger    logging.Logger

	mu             sync.Mutex
	bargeInSamples int // consecutive loud-frame counter for the barge-in tap
	ttsCancel      context.CancelFunc
}

// New constructs a Coordinator for one call.
func New(
	callID string,
	store *session.Store,
	res *pipeline.Resolution,
	entry config.PipelineEntry,
	conv config.ConversationConfig,
	streamingCfg config.StreamingConfig,
	downstream config.DownstreamMode,
	streamMgr StreamStarter,
	fileMgr *playback.Manager,
	logger logging.Logger,
) *Coordinator {
	return &Coordinator{
		callID: callID, store: store, res: res, entry: entry,
		conv: conv, streamingCfg: streamingCfg, downstream: downstream,
		streamMgr: streamMgr, fileMgr: fileMgr, logger: logger,
	}
}

func (c *Coordinator) setState(state session.ConversationState) {
	if call, ok := c.store.GetByCallID(c.callID); ok {
		call.ConversationState = state
	}
}

// Start transitions idle -> greeting and enqueues the configured initial
// greeting through the TTS path, same as a normal response (spec.md
// section 4.10).
func (c *Coordinator) Start(ctx context.Context) error {
	c.setState(session.StateGreeting)
	if c.conv.Greeting == "" {
		c.setState(session.StateListening)
		return nil
	}
	return c.speak(ctx, c.conv.Greeting)
}

// OnUtterance handles an utterance produced by C2 for this call: listening
// -> processing -> speaking (spec.md section 4.10).
func (c *Coordinator) OnUtterance(ctx context.Context, utterance vad.Utterance) {
	c.setState(session.StateProcessing)

	call, ok := c.store.GetByCallID(c.callID)
	if !ok {
		return
	}

	// Utterances are assembled by the VAD from PCM16 at its own rate.
	sttOpts := c.entry.Options.STT
	pcm16, _ := codec.Resample(utterance.Audio, call.VAD.Config().SampleRateHz, sttOpts.SampleRate, nil)

	sttCtx, cancel := context.WithTimeout(ctx, pipelineTimeout(sttOpts))
	transcript, err := c.res.STT.Transcribe(sttCtx, c.callID, pcm16, sttOpts.SampleRate, sttOpts)
	cancel()
	if err != nil {
		c.onError(ctx, fmt.Errorf("coordinator: stt: %w", err))
		return
	}
	call.AppendHistory("user", transcript)

	llmOpts := c.entry.Options.LLM
	history := toHistoryEntries(call.History)
	llmCtx, cancel := context.WithTimeout(ctx, pipelineTimeout(llmOpts))
	response, err := c.res.LLM.Generate(llmCtx, c.callID, transcript, history, llmOpts)
	cancel()
	if err != nil {
		c.onError(ctx, fmt.Errorf("coordinator: llm: %w", err))
		return
	}
	call.AppendHistory("assistant", response)

	if err := c.speak(ctx, response); err != nil {
		c.onError(ctx, fmt.Errorf("coordinator: tts: %w", err))
	}
}

// speak calls the TTS adapter and forwards chunks to C9 (or C8 directly on
// streaming-disabled pipelines), transitioning greeting/processing -> speaking
// (spec.md section 4.10).
func (c *Coordinator) speak(ctx context.Context, text string) error {
	c.setState(session.StateSpeaking)

	ttsOpts := c.entry.Options.TTS
	ttsCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.ttsCancel = cancel
	c.mu.Unlock()

	chunks, err := c.res.TTS.Synthesize(ttsCtx, c.callID, text, ttsOpts)
	if err != nil {
		cancel()
		return err
	}

	if c.downstream == config.DownstreamStream {
		return c.streamMgr.StartStreamingPlayback(ttsCtx, c.callID, chunks, "tts", c)
	}

	var full []byte
	for chunk := range chunks {
		full = append(full, chunk.Audio...)
	}
	return c.fileMgr.PlayAudio(ctx, c.callID, full, "tts")
}

// OnTTSStart implements streaming.GatingStarter: sets the gating token
// directly through the session store (spec.md section 4.9).
func (c *Coordinator) OnTTSStart(callID, streamID string) {
	c.store.SetGatingToken(callID, streamID)
}

// OnTTSEnd is invoked by the streaming or file playback manager once
// cleanup has run for this call's TTS turn, whether it ended naturally,
// fell back, or was cancelled: speaking -> listening (spec.md section
// 4.10 "speaking -> listening when the refcount returns to 0").
func (c *Coordinator) OnTTSEnd(callID string) {
	c.setState(session.StateListening)
}

// OnBargeInSample feeds one raw inbound amplitude sample while speaking,
// looking for an amplitude-threshold crossing sustained for barge_in_ms
// (spec.md section 4.10 "Barge-in").
func (c *Coordinator) OnBargeInSample(ctx context.Context, pcm16Frame []byte, frameDurationMs int) {
	call, ok := c.store.GetByCallID(c.callID)
	if !ok || call.ConversationState != session.StateSpeaking {
		c.mu.Lock()
		c.bargeInSamples = 0
		c.mu.Unlock()
		return
	}

	loud := rmsExceeds(pcm16Frame, c.conv.BargeInRMSThreshold)

	c.mu.Lock()
	if loud {
		c.bargeInSamples++
	} else {
		c.bargeInSamples = 0
	}
	sustainedMs := c.bargeInSamples * frameDurationMs
	trigger := sustainedMs >= c.conv.BargeInMs
	if trigger {
		c.bargeInSamples = 0
	}
	c.mu.Unlock()

	if trigger {
		c.CancelCurrentTTS(ctx)
	}
}

func rmsExceeds(frame []byte, threshold int) bool {
	n := len(frame) / 2
	if n == 0 {
		return false
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		v := float64(sample)
		sumSquares += v * v
	}
	rms := sumSquares / float64(n)
	t := float64(threshold)
	return rms > t*t
}

// CancelCurrentTTS implements spec.md section 4.10's barge-in action: closes
// the in-flight TTS call, drains the stream queue, clears all gating
// tokens, and transitions to listening.
func (c *Coordinator) CancelCurrentTTS(ctx context.Context) {
	c.mu.Lock()
	cancel := c.ttsCancel
	c.ttsCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.streamMgr.CancelStream(c.callID)
	c.store.ClearAllGatingTokens(c.callID)
	c.setState(session.StateListening)
}

func (c *Coordinator) onError(ctx context.Context, err error) {
	c.logger.Errorf("coordinator: call %s: %v", c.callID, err)
	c.setState(session.StateError)
	if call, ok := c.store.GetByCallID(c.callID); ok {
		call.Streaming.LastStreamingError = err.Error()
	}
}

func toHistoryEntries(h []session.HistoryEntry) []pipeline.HistoryEntry {
	out := make([]pipeline.HistoryEntry, len(h))
	for i, e := range h {
		out[i] = pipeline.HistoryEntry{Role: e.Role, Content: e.Content}
	}
	return out
}

func pipelineTimeout(opts config.RoleOptions) time.Duration {
	if opts.ResponseTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return opts.Timeout()
}
