// Package playback implements the file-based Playback Manager (C8):
// handing the PBX a playable sound file and coordinating TTS gating
// tokens, grounded on original_source/src/core/playback_manager.py's
// write-gate-play-track algorithm.
package playback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ariagent/callengine/internal/ari"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/session"
)

// Manager plays generated audio through the PBX by writing it to the
// shared media directory and issuing an ARI play command (spec.md section
// 4.8).
type Manager struct {
	store   *session.Store
	ari     *ari.Client
	mediaDir string
	logger  logging.Logger
}

// NewManager constructs a Manager writing files under mediaDir.
func NewManager(store *session.Store, client *ari.Client, mediaDir string, logger logging.Logger) *Manager {
	return &Manager{store: store, ari: client, mediaDir: mediaDir, logger: logger}
}

// PlaybackID builds the deterministic ID shared by C8 and C9:
// "<type>:<call_id>:<unix_ms>".
func PlaybackID(kind, callID string, unixMillis int64) string {
	return fmt.Sprintf("%s:%s:%d", kind, callID, unixMillis)
}

// PlayAudio writes audioBytes to the shared media directory, gates the
// call's audio capture off, and issues the ARI play command (spec.md
// section 4.8).
func (m *Manager) PlayAudio(ctx context.Context, callID string, audioBytes []byte, kind string) error {
	call, ok := m.store.GetByCallID(callID)
	if !ok {
		return fmt.Errorf("playback: call %s not found", callID)
	}

	playbackID := PlaybackID(kind, callID, time.Now().UnixMilli())
	fileName := sanitizeFileName(playbackID) + ".ulaw"
	filePath := filepath.Join(m.mediaDir, fileName)

	if err := os.WriteFile(filePath, audioBytes, 0o644); err != nil {
		return fmt.Errorf("playback: write %s: %w", filePath, err)
	}

	if !m.store.SetGatingToken(callID, playbackID) {
		os.Remove(filePath)
		return fmt.Errorf("playback: set_gating_token failed for call %s", callID)
	}

	soundURI := "sound:" + strippedExt(fileName)
	if err := m.ari.Play(ctx, call.BridgeID, true, soundURI, playbackID); err != nil {
		m.store.ClearGatingToken(callID, playbackID)
		os.Remove(filePath)
		return fmt.Errorf("playback: play: %w", err)
	}

	m.store.AddPlayback(&session.PlaybackReference{
		PlaybackID: playbackID,
		CallID:     callID,
		ChannelID:  call.CallerChannelID,
		BridgeID:   call.BridgeID,
		MediaURI:   soundURI,
		FilePath:   filePath,
		CreatedAt:  time.Now(),
	})
	return nil
}

// OnPlaybackFinished handles ARI's PlaybackFinished event: clears the
// gating token and removes the backing file (spec.md section 4.8). It
// returns the call the playback belonged to so the caller can notify the
// coordinator of the natural speaking -> listening transition (spec.md
// section 4.10); ok is false for an unknown or already-popped playback ID.
func (m *Manager) OnPlaybackFinished(playbackID string) (callID string, ok bool) {
	ref, ok := m.store.PopPlayback(playbackID)
	if !ok {
		m.logger.Debugf("playback: finished event for unknown/stale playback %s", playbackID)
		return "", false
	}
	m.store.ClearGatingToken(ref.CallID, playbackID)
	if err := os.Remove(ref.FilePath); err != nil && !os.IsNotExist(err) {
		m.logger.Warnf("playback: failed to remove %s: %v", ref.FilePath, err)
	}
	return ref.CallID, true
}

func sanitizeFileName(playbackID string) string {
	out := make([]byte, 0, len(playbackID))
	for i := 0; i < len(playbackID); i++ {
		c := playbackID[i]
		if c == ':' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

func strippedExt(fileName string) string {
	return fileName[:len(fileName)-len(filepath.Ext(fileName))]
}
