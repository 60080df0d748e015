// Package pipeline implements the Pipeline Orchestrator (C6): a registry
// mapping "<provider>_<role>" keys to adapter factories, and per-call
// resolution/caching, grounded on
// _examples/iamprashant-voice-ai/api/assistant-api/internal/adapters'
// factory-by-key pattern.
package pipeline

import (
	"context"
	"time"

	"github.com/ariagent/callengine/internal/config"
)

// Role identifies which leg of the STT/LLM/TTS pipeline an adapter serves.
type Role string

const (
	RoleSTT Role = "stt"
	RoleLLM Role = "llm"
	RoleTTS Role = "tts"
)

// AdapterLifecycle is the common shape every adapter implements (spec.md
// section 4.6).
type AdapterLifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OpenCall(ctx context.Context, callID string, opts config.RoleOptions) error
	CloseCall(ctx context.Context, callID string) error
}

// HistoryEntry is one turn of conversation context passed to an LLM adapter.
type HistoryEntry struct {
	Role    string
	Content string
}

// AudioChunk is one emitted unit of synthesized audio.
type AudioChunk struct {
	Audio    []byte
	Encoding string
	Final    bool
}

// STTAdapter transcribes a caller utterance.
type STTAdapter interface {
	AdapterLifecycle
	Transcribe(ctx context.Context, callID string, pcm16 []byte, sampleRateHz int, opts config.RoleOptions) (string, error)
}

// LLMAdapter generates a response from a transcript and conversation context.
type LLMAdapter interface {
	AdapterLifecycle
	Generate(ctx context.Context, callID string, transcript string, history []HistoryEntry, opts config.RoleOptions) (string, error)
}

// TTSAdapter synthesizes audio chunks for a piece of text. The returned
// channel is closed when synthesis completes or ctx is cancelled.
type TTSAdapter interface {
	AdapterLifecycle
	Synthesize(ctx context.Context, callID string, text string, opts config.RoleOptions) (<-chan AudioChunk, error)
}

// ResponseTimeout resolves the configured per-role timeout, defaulting
// when unset (spec.md section 5 "Cancellation & timeouts").
func ResponseTimeout(opts config.RoleOptions, fallback time.Duration) time.Duration {
	if opts.ResponseTimeoutSec <= 0 {
		return fallback
	}
	return opts.Timeout()
}
