package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulawRoundTripIsIdentity(t *testing.T) {
	// L1: mu-law -> PCM16 -> mu-law is the identity for every mu-law byte.
	for b := 0; b < 256; b++ {
		ulaw := []byte{byte(b)}
		pcm := MulawToPCM16(ulaw)
		require.Len(t, pcm, 2)
		back := PCM16ToMulaw(pcm)
		require.Len(t, back, 1)
		assert.Equal(t, ulaw[0], back[0], "byte %d did not round-trip", b)
	}
}

func TestConvertUnknownEncodingReturnsInputUnchanged(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out := Convert(pcm, Encoding("unknown"))
	assert.Equal(t, pcm, out)
}

func TestConvertEmptyInputYieldsEmptyOutput(t *testing.T) {
	assert.Empty(t, PCM16ToMulaw(nil))
	assert.Empty(t, MulawToPCM16(nil))
}

func TestChunkByMs(t *testing.T) {
	// 20ms @ 8000Hz mu-law => 160 bytes per frame.
	audio := make([]byte, 160*3+50)
	frames := ChunkByMs(audio, 20, 8000, EncodingMulaw)
	require.Len(t, frames, 4)
	assert.Len(t, frames[0], 160)
	assert.Len(t, frames[1], 160)
	assert.Len(t, frames[2], 160)
	assert.Len(t, frames[3], 50) // partial tail kept
}

func TestChunkByMsPCM16UsesTwoBytesPerSample(t *testing.T) {
	audio := make([]byte, 640) // 20ms @ 16kHz PCM16 = 320 samples * 2 bytes
	frames := ChunkByMs(audio, 20, 16000, EncodingPCM16)
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 640)
}

func TestResampleStatefulAcrossFrames(t *testing.T) {
	// P5: concatenating outputs of successive-chunk resampling should
	// equal (within epsilon) resampling the whole input in one shot.
	full := make([]byte, 0, 2*480)
	samples := make([]int16, 480)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	full = int16ToBytes(samples)

	oneShot, _ := Resample(full, 16000, 8000, nil)

	chunked := make([]byte, 0, len(oneShot))
	var state *ResampleState
	chunkSize := 160 * 2 // 160 samples per chunk in bytes
	for off := 0; off < len(full); off += chunkSize {
		end := off + chunkSize
		if end > len(full) {
			end = len(full)
		}
		var out []byte
		out, state = Resample(full[off:end], 16000, 8000, state)
		chunked = append(chunked, out...)
	}

	// Allow a couple of samples of length drift at chunk boundaries.
	lenDiff := len(oneShot) - len(chunked)
	if lenDiff < 0 {
		lenDiff = -lenDiff
	}
	assert.LessOrEqual(t, lenDiff, 4)
}

func TestResampleSameRateIsPassthrough(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}
	out, _ := Resample(pcm, 8000, 8000, nil)
	assert.Equal(t, pcm, out)
}

func TestResampleEmptyInputYieldsEmptyOutput(t *testing.T) {
	out, state := Resample(nil, 16000, 8000, nil)
	assert.Empty(t, out)
	assert.NotNil(t, state)
}
