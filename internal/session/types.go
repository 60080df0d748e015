// Package session implements the Session Store (C3): the single
// in-process, lock-guarded source of truth for per-call state described in
// spec.md sections 3 and 4.3.
package session

import (
	"time"

	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/vad"
)

// ConversationState is one of the per-call FSM states (spec.md section 3).
type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateGreeting   ConversationState = "greeting"
	StateListening  ConversationState = "listening"
	StateProcessing ConversationState = "processing"
	StateSpeaking   ConversationState = "speaking"
	StateError      ConversationState = "error"
	StateEnded      ConversationState = "ended"
)

// HistoryEntry is one turn of the conversation transcript.
type HistoryEntry struct {
	Role      string // "system" | "user" | "assistant"
	Content   string
	Timestamp time.Time
}

// TransportBinding records which media transport is bound to the call and
// its transport-specific addressing (spec.md section 3).
type TransportBinding struct {
	// RTP fields.
	RemoteAddr string
	SSRC       uint32
	Sequence   uint16
	Timestamp  uint32

	// AudioSocket fields.
	ConnectionID string
}

// StreamingCounters tracks the streaming playback manager's per-call state
// surfaced for metrics and fallback decisions (spec.md section 3).
type StreamingCounters struct {
	BytesQueued        int
	JitterBufferDepth  int
	FallbackCount      int
	KeepaliveTimeouts  int
	LastStreamingError string
}

// PipelineResolution is the immutable-per-call adapter binding resolved at
// call start (spec.md section 3, invariant I8).
type PipelineResolution struct {
	PipelineName    string
	STTKey          string
	LLMKey          string
	TTSKey          string
	PrimaryProvider string
}

// Call is the complete per-call session state (spec.md section 3's "Call
// Session"). Canonical identity is CallID == CallerChannelID (invariant I1).
type Call struct {
	CallID                 string
	CallerChannelID        string
	LocalChannelID         string
	ExternalMediaChannelID string
	BridgeID               string

	Resolution *PipelineResolution

	ConversationState ConversationState

	// AudioCaptureEnabled is the pure inverse of TTSPlaying (invariant I3).
	AudioCaptureEnabled bool
	TTSPlaying          bool
	TTSTokens           map[string]struct{}

	VAD *vad.Processor

	// InboundResample carries the linear-interpolation position across
	// inbound packet boundaries for this call's capture path (spec.md
	// section 4.2, property P5): a fresh nil state per packet would reset
	// the fractional phase and audibly distort every packet boundary.
	InboundResample *codec.ResampleState

	Streaming StreamingCounters
	Transport TransportBinding

	History    []HistoryEntry
	MaxHistory int

	CreatedAt    time.Time
	LastActivity time.Time
}

// NewCall constructs a Call in its initial, pre-greeting state: capture
// enabled, no TTS tokens, idle conversation state.
func NewCall(callID string, vadCfg vad.Config, maxHistory int, systemMessage string) *Call {
	now := time.Now()
	c := &Call{
		CallID:              callID,
		CallerChannelID:     callID,
		ConversationState:   StateIdle,
		AudioCaptureEnabled: true,
		TTSTokens:           make(map[string]struct{}),
		VAD:                 vad.NewProcessor(vadCfg),
		MaxHistory:          maxHistory,
		CreatedAt:           now,
		LastActivity:        now,
	}
	if systemMessage != "" {
		c.History = append(c.History, HistoryEntry{Role: "system", Content: systemMessage, Timestamp: now})
	}
	return c
}

// ChannelIDs returns every channel identifier this session is indexed
// under (invariant I2), skipping empty ones.
func (c *Call) ChannelIDs() []string {
	ids := []string{c.CallerChannelID}
	if c.LocalChannelID != "" {
		ids = append(ids, c.LocalChannelID)
	}
	if c.ExternalMediaChannelID != "" {
		ids = append(ids, c.ExternalMediaChannelID)
	}
	return ids
}

// AppendHistory adds a turn and trims the oldest user/assistant pair once
// length exceeds MaxHistory, always preserving a leading system message
// (spec.md section 4.10, boundary B5).
func (c *Call) AppendHistory(role, content string) {
	c.History = append(c.History, HistoryEntry{Role: role, Content: content, Timestamp: time.Now()})
	c.trimHistory()
}

func (c *Call) trimHistory() {
	if c.MaxHistory <= 0 {
		return
	}
	for len(c.History) > c.MaxHistory {
		// Preserve index 0 if it's the system message; drop the oldest
		// user/assistant pair immediately after it.
		start := 0
		if len(c.History) > 0 && c.History[0].Role == "system" {
			start = 1
		}
		if start+1 < len(c.History) {
			c.History = append(c.History[:start], c.History[start+2:]...)
		} else if start < len(c.History) {
			c.History = append(c.History[:start], c.History[start+1:]...)
		} else {
			break
		}
	}
}

// PlaybackReference tracks an in-flight file-based or streaming playback
// (spec.md section 3, "Playback Reference").
type PlaybackReference struct {
	PlaybackID string
	CallID     string
	ChannelID  string
	BridgeID   string
	MediaURI   string
	FilePath   string
	CreatedAt  time.Time
}
