package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silenceFrame(n int) []byte { return make([]byte, n*2) }

func loudFrame(n int) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(20000)
		buf[2*i] = byte(uint16(v))
		buf[2*i+1] = byte(uint16(v) >> 8)
	}
	return buf
}

func frameSamples(cfg Config) int {
	return cfg.SampleRateHz * cfg.FrameDurationMs / 1000
}

func TestDetectorRejectsWrongFrameSize(t *testing.T) {
	d := NewDetector(ModeAggressive)
	_, err := d.IsSpeech([]byte{1, 2, 3}, 16000) // odd length
	assert.Error(t, err)
}

func TestDetectorClassifiesLoudAsSpeech(t *testing.T) {
	d := NewDetector(ModeAggressive)
	n := 320
	speech, err := d.IsSpeech(loudFrame(n), 16000)
	require.NoError(t, err)
	assert.True(t, speech)

	silent, err := d.IsSpeech(silenceFrame(n), 16000)
	require.NoError(t, err)
	assert.False(t, silent)
}

func TestProcessorRequiresExactConsecutiveFrameCounts(t *testing.T) {
	// B3: one frame less than the configured threshold must not transition.
	cfg := DefaultConfig()
	n := frameSamples(cfg)
	p := NewProcessor(cfg)

	for i := 0; i < cfg.MinSpeechFrames-1; i++ {
		_, err := p.Feed(loudFrame(n))
		require.NoError(t, err)
	}
	assert.Equal(t, StateListening, p.State())

	_, err := p.Feed(loudFrame(n))
	require.NoError(t, err)
	assert.Equal(t, StateSpeaking, p.State())
}

func TestProcessorEmitsUtteranceOnSilenceDebounce(t *testing.T) {
	cfg := DefaultConfig()
	n := frameSamples(cfg)
	p := NewProcessor(cfg)

	var utterances []Utterance
	for i := 0; i < cfg.MinSpeechFrames; i++ {
		u, err := p.Feed(loudFrame(n))
		require.NoError(t, err)
		utterances = append(utterances, u...)
	}
	assert.Empty(t, utterances)

	for i := 0; i < cfg.MinSilenceFrames; i++ {
		u, err := p.Feed(silenceFrame(n))
		require.NoError(t, err)
		utterances = append(utterances, u...)
	}

	require.Len(t, utterances, 1)
	assert.Equal(t, StateListening, p.State())
	assert.NotEmpty(t, utterances[0].Audio)
}

func TestProcessorKeepsPartialTailForNextCall(t *testing.T) {
	cfg := DefaultConfig()
	n := frameSamples(cfg)
	p := NewProcessor(cfg)

	partial := loudFrame(n)[:n] // half a frame's worth of bytes
	_, err := p.Feed(partial)
	require.NoError(t, err)
	assert.Len(t, p.tail, n)

	// completing the frame with the second half should process exactly one frame
	_, err = p.Feed(loudFrame(n)[n:])
	require.NoError(t, err)
	assert.Empty(t, p.tail)
}

func TestResetOnGatingClearsBuffers(t *testing.T) {
	cfg := DefaultConfig()
	n := frameSamples(cfg)
	p := NewProcessor(cfg)
	for i := 0; i < cfg.MinSpeechFrames; i++ {
		_, _ = p.Feed(loudFrame(n))
	}
	require.Equal(t, StateSpeaking, p.State())

	p.ResetOnGating()
	assert.Equal(t, StateListening, p.State())
	assert.Empty(t, p.utterance)
	assert.Empty(t, p.preRoll)
}
