package session

import (
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/logging"
)

// Store is the single concurrent map of call sessions and playback
// references described in spec.md section 4.3. All composite
// read-modify-write operations take the store's lock for their whole
// duration so the gating invariants (I3, I4) hold at every observable
// point.
type Store struct {
	mu sync.Mutex

	byCallID    map[string]*Call
	byChannelID map[string]*Call
	playbacks   map[string]*PlaybackReference

	logger logging.Logger
}

// NewStore constructs an empty Store.
func NewStore(logger logging.Logger) *Store {
	return &Store{
		byCallID:    make(map[string]*Call),
		byChannelID: make(map[string]*Call),
		playbacks:   make(map[string]*PlaybackReference),
		logger:      logger,
	}
}

// Upsert adds or replaces a call session, indexing it under every channel
// ID it currently knows about (invariant I2).
func (s *Store) Upsert(call *Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCallID[call.CallID] = call
	for _, id := range call.ChannelIDs() {
		s.byChannelID[id] = call
	}
}

// GetByCallID returns the session for the canonical call_id, if any.
func (s *Store) GetByCallID(callID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byCallID[callID]
	return c, ok
}

// GetByAnyChannelID returns the session for any channel identifier it is
// known under — caller, local, or external-media (invariant I2, law L3).
func (s *Store) GetByAnyChannelID(channelID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byChannelID[channelID]
	return c, ok
}

// Remove deletes a call session and all of its channel-ID aliases.
func (s *Store) Remove(callID string) (*Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.byCallID[callID]
	if !ok {
		return nil, false
	}
	delete(s.byCallID, callID)
	for _, id := range call.ChannelIDs() {
		delete(s.byChannelID, id)
	}
	return call, true
}

// SetGatingToken adds a TTS gating token, incrementing the refcount,
// setting tts_playing=true / audio_capture=false, and resetting the VAD
// buffers to prevent self-listening leakage (spec.md section 4.3,
// invariants I3/I4). Double-add of a token already present is idempotent.
// Returns false if the call is not found (a no-op per spec.md's error
// conditions).
func (s *Store) SetGatingToken(callID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.byCallID[callID]
	if !ok {
		s.logger.Warnf("session: set_gating_token on missing call %s", callID)
		return false
	}
	if _, already := call.TTSTokens[token]; already {
		return true // idempotent double-add
	}
	call.TTSTokens[token] = struct{}{}
	call.TTSPlaying = true
	call.AudioCaptureEnabled = false
	if call.VAD != nil {
		call.VAD.ResetOnGating()
	}
	return true
}

// ClearGatingToken removes a TTS gating token, decrementing the refcount.
// When the refcount reaches zero, tts_playing flips false and
// audio_capture flips true. Double-clear of an already-absent token is
// idempotent. Returns false if the call is not found.
func (s *Store) ClearGatingToken(callID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.byCallID[callID]
	if !ok {
		s.logger.Warnf("session: clear_gating_token on missing call %s", callID)
		return false
	}
	if _, present := call.TTSTokens[token]; !present {
		return true // idempotent double-clear
	}
	delete(call.TTSTokens, token)
	if len(call.TTSTokens) == 0 {
		call.TTSPlaying = false
		call.AudioCaptureEnabled = true
	}
	return true
}

// Refcount returns the number of active TTS gating tokens for a call.
func (s *Store) Refcount(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.byCallID[callID]
	if !ok {
		return 0
	}
	return len(call.TTSTokens)
}

// ClearAllGatingTokens clears every gating token for a call in one atomic
// step (used by barge-in cancellation, spec.md section 4.10).
func (s *Store) ClearAllGatingTokens(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.byCallID[callID]
	if !ok {
		return
	}
	call.TTSTokens = make(map[string]struct{})
	call.TTSPlaying = false
	call.AudioCaptureEnabled = true
}

// AddPlayback tracks a new playback reference.
func (s *Store) AddPlayback(ref *PlaybackReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbacks[ref.PlaybackID] = ref
}

// PopPlayback removes and returns a playback reference, or false if absent
// (the "stale" error kind in spec.md section 7 — callers log at debug and
// return cleanly).
func (s *Store) PopPlayback(playbackID string) (*PlaybackReference, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.playbacks[playbackID]
	if ok {
		delete(s.playbacks, playbackID)
	}
	return ref, ok
}

// CleanupExpiredSessions removes every session older than maxAge and
// returns the count removed (spec.md section 4.3).
func (s *Store) CleanupExpiredSessions(maxAge time.Duration) int {
	s.mu.Lock()
	now := time.Now()
	var expired []string
	for callID, call := range s.byCallID {
		if now.Sub(call.CreatedAt) > maxAge {
			expired = append(expired, callID)
		}
	}
	s.mu.Unlock()

	for _, callID := range expired {
		s.Remove(callID)
	}
	if len(expired) > 0 {
		s.logger.Infof("session: cleaned up %d expired sessions", len(expired))
	}
	return len(expired)
}

// Count returns the number of tracked sessions (for observability/tests).
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byCallID)
}
