package session

import (
	"testing"
	"time"

	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/vad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(logging.NewNop())
}

func TestUpsertIndexesAllChannelIDs(t *testing.T) {
	s := newTestStore()
	call := NewCall("call-1", vad.DefaultConfig(), 10, "")
	call.LocalChannelID = "local-1"
	call.ExternalMediaChannelID = "ext-1"
	s.Upsert(call)

	for _, id := range []string{"call-1", "local-1", "ext-1"} {
		got, ok := s.GetByAnyChannelID(id)
		require.True(t, ok, "expected to find session by %s", id)
		assert.Equal(t, "call-1", got.CallID)
	}
}

func TestRemoveClearsAllAliases(t *testing.T) {
	s := newTestStore()
	call := NewCall("call-1", vad.DefaultConfig(), 10, "")
	call.LocalChannelID = "local-1"
	s.Upsert(call)

	removed, ok := s.Remove("call-1")
	require.True(t, ok)
	assert.Equal(t, "call-1", removed.CallID)

	_, ok = s.GetByCallID("call-1")
	assert.False(t, ok)
	_, ok = s.GetByAnyChannelID("local-1")
	assert.False(t, ok)
}

func TestGatingTokenIsPureInverseOfCapture(t *testing.T) {
	// I3: audio_capture_enabled is the pure inverse of tts_playing.
	s := newTestStore()
	call := NewCall("call-1", vad.DefaultConfig(), 10, "")
	s.Upsert(call)

	assert.True(t, call.AudioCaptureEnabled)
	assert.False(t, call.TTSPlaying)

	require.True(t, s.SetGatingToken("call-1", "tok-a"))
	assert.False(t, call.AudioCaptureEnabled)
	assert.True(t, call.TTSPlaying)

	require.True(t, s.ClearGatingToken("call-1", "tok-a"))
	assert.True(t, call.AudioCaptureEnabled)
	assert.False(t, call.TTSPlaying)
}

func TestGatingTokenRefcountRequiresAllTokensCleared(t *testing.T) {
	s := newTestStore()
	call := NewCall("call-1", vad.DefaultConfig(), 10, "")
	s.Upsert(call)

	s.SetGatingToken("call-1", "tok-a")
	s.SetGatingToken("call-1", "tok-b")
	assert.Equal(t, 2, s.Refcount("call-1"))

	s.ClearGatingToken("call-1", "tok-a")
	assert.True(t, call.TTSPlaying, "should still be gated with one token outstanding")
	assert.False(t, call.AudioCaptureEnabled)

	s.ClearGatingToken("call-1", "tok-b")
	assert.False(t, call.TTSPlaying)
	assert.True(t, call.AudioCaptureEnabled)
}

func TestGatingTokenDoubleAddAndClearAreIdempotent(t *testing.T) {
	// L2: double set/clear of the same token must not corrupt the refcount.
	s := newTestStore()
	call := NewCall("call-1", vad.DefaultConfig(), 10, "")
	s.Upsert(call)

	s.SetGatingToken("call-1", "tok-a")
	s.SetGatingToken("call-1", "tok-a")
	assert.Equal(t, 1, s.Refcount("call-1"))

	s.ClearGatingToken("call-1", "tok-a")
	s.ClearGatingToken("call-1", "tok-a")
	assert.Equal(t, 0, s.Refcount("call-1"))
	assert.False(t, call.TTSPlaying)
	assert.True(t, call.AudioCaptureEnabled)
}

func TestGatingOnMissingCallIsNoOp(t *testing.T) {
	s := newTestStore()
	assert.False(t, s.SetGatingToken("missing", "tok"))
	assert.False(t, s.ClearGatingToken("missing", "tok"))
}

func TestSetGatingTokenResetsVAD(t *testing.T) {
	s := newTestStore()
	call := NewCall("call-1", vad.DefaultConfig(), 10, "")
	s.Upsert(call)

	n := call.VAD.State() // listening initially
	require.Equal(t, vad.StateListening, n)

	s.SetGatingToken("call-1", "tok-a")
	assert.Equal(t, vad.StateListening, call.VAD.State())
}

func TestPlaybackReferenceLifecycle(t *testing.T) {
	s := newTestStore()
	ref := &PlaybackReference{PlaybackID: "tts:call-1:1000", CallID: "call-1"}
	s.AddPlayback(ref)

	got, ok := s.PopPlayback("tts:call-1:1000")
	require.True(t, ok)
	assert.Equal(t, ref, got)

	_, ok = s.PopPlayback("tts:call-1:1000")
	assert.False(t, ok, "second pop of the same playback id should report absent")
}

func TestCleanupExpiredSessions(t *testing.T) {
	s := newTestStore()
	fresh := NewCall("fresh", vad.DefaultConfig(), 10, "")
	stale := NewCall("stale", vad.DefaultConfig(), 10, "")
	stale.CreatedAt = time.Now().Add(-1 * time.Hour)
	s.Upsert(fresh)
	s.Upsert(stale)

	n := s.CleanupExpiredSessions(10 * time.Minute)
	assert.Equal(t, 1, n)

	_, ok := s.GetByCallID("stale")
	assert.False(t, ok)
	_, ok = s.GetByCallID("fresh")
	assert.True(t, ok)
}
