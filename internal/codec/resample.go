package codec

import "math"

// ResampleState carries the fractional-position and trailing-sample
// context needed to resample a stream of PCM16 chunks without boundary
// artifacts (spec.md section 4.1, invariant/law P5: resampling is
// stateful across frames).
type ResampleState struct {
	fromHz int
	toHz   int
	// lastSample is the final input sample of the previous chunk, used as
	// the left interpolation anchor for the first output sample of the
	// next chunk.
	lastSample int16
	hasLast    bool
	// carry is the fractional input-sample position left over from the
	// previous chunk (in units of input samples, i.e. "where between
	// lastSample and the first new sample does the next output fall").
	carry float64
}

// Resample performs linear resampling of little-endian PCM16 audio from
// fromHz to toHz, carrying state across calls on the same logical stream
// so that concatenating the outputs of successive chunks equals (within
// epsilon) resampling the whole concatenated input in one call.
//
// Pass a nil or zero-value prevState for the first chunk of a stream.
func Resample(pcm []byte, fromHz, toHz int, prevState *ResampleState) ([]byte, *ResampleState) {
	state := prevState
	if state == nil || state.fromHz != fromHz || state.toHz != toHz {
		state = &ResampleState{fromHz: fromHz, toHz: toHz}
	}

	if fromHz <= 0 || toHz <= 0 || len(pcm) < 2 {
		return []byte{}, state
	}
	if fromHz == toHz {
		return pcm, state
	}

	samples := bytesToInt16(pcm)
	ratio := float64(fromHz) / float64(toHz)

	var out []int16
	// pos is the position in input-sample units; 0 = the first new sample.
	// A negative pos refers into the previous chunk's lastSample.
	pos := state.carry
	for {
		idx := int(math.Floor(pos))
		frac := pos - float64(idx)

		left, leftOK := sampleAt(samples, idx, state)
		right, rightOK := sampleAt(samples, idx+1, state)
		if !leftOK {
			break
		}
		if !rightOK {
			// Not enough lookahead yet; stop and carry this position.
			break
		}
		interpolated := int16(float64(left) + frac*float64(right-left))
		out = append(out, interpolated)
		pos += ratio
	}

	// Save carry relative to the start of *this* chunk's samples so the
	// next call picks up where we left off.
	consumed := float64(len(samples))
	state.carry = pos - consumed
	if len(samples) > 0 {
		state.lastSample = samples[len(samples)-1]
		state.hasLast = true
	}

	return int16ToBytes(out), state
}

// sampleAt resolves index idx in the current chunk's sample slice, where
// idx == -1 refers to the previous chunk's trailing sample (state.lastSample).
func sampleAt(samples []int16, idx int, state *ResampleState) (int16, bool) {
	if idx == -1 {
		if state.hasLast {
			return state.lastSample, true
		}
		if len(samples) > 0 {
			return samples[0], true
		}
		return 0, false
	}
	if idx >= 0 && idx < len(samples) {
		return samples[idx], true
	}
	return 0, false
}

func bytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

func int16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
