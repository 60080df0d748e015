// Package vad implements the frame-level voice activity detector and
// utterance assembler of spec.md section 4.2 (C2).
//
// No CGO speech-detection binding in the reference corpus exposes the
// frame-level `is_speech(frame, sample_rate) bool` contract this
// component needs (streamer45/silero-vad-go operates on whole buffers and
// returns speech segments, and requires an on-disk ONNX model); an
// energy-based frame classifier is implemented directly instead, grounded
// on original_source/src/audio_processing/vad.py's frame/mode/consecutive-
// count state machine.
package vad

import "fmt"

// Mode selects the detector's sensitivity, trading false positives (noise
// misclassified as speech) for false negatives.
type Mode int

const (
	ModeQuality Mode = iota
	ModeLowBitrate
	ModeAggressive
	ModeVeryAggressive
)

// energyThreshold returns the RMS-over-frame threshold below which a frame
// is classified as silence, by mode. Higher modes tolerate more background
// noise before calling it speech (closer to the source intent of
// "increasing false-positive tolerance vs noise" in spec.md section 4.2).
func (m Mode) energyThreshold() float64 {
	switch m {
	case ModeQuality:
		return 350
	case ModeLowBitrate:
		return 500
	case ModeAggressive:
		return 650
	case ModeVeryAggressive:
		return 900
	default:
		return 500
	}
}

// Detector classifies individual 10/20/30ms PCM16 16kHz frames as speech or
// silence. It is stateless across frames by design — consecutive-frame
// debouncing lives in Processor.
type Detector struct {
	mode Mode
}

// NewDetector constructs a frame-level Detector for the given mode.
func NewDetector(mode Mode) *Detector {
	return &Detector{mode: mode}
}

// IsSpeech implements the per-frame contract: is_speech(frame, sample_rate).
// frame must be PCM16 little-endian. Frames of the wrong size are a policy
// error (spec.md section 4.2 "frames of wrong size -> error").
func (d *Detector) IsSpeech(frame []byte, sampleRateHz int) (bool, error) {
	if len(frame)%2 != 0 {
		return false, fmt.Errorf("vad: frame length %d is not a whole number of PCM16 samples", len(frame))
	}
	if len(frame) == 0 {
		return false, fmt.Errorf("vad: empty frame")
	}
	n := len(frame) / 2
	if n != sampleRateHz/100 && n != sampleRateHz/50 && n != sampleRateHz*3/100 {
		return false, fmt.Errorf("vad: frame of %d samples is not 10, 20 or 30 ms at %d Hz", n, sampleRateHz)
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		v := float64(sample)
		sumSquares += v * v
	}
	rms := sumSquares / float64(n)
	// sumSquares/n is mean square; compare against threshold squared to
	// avoid a sqrt on the hot path.
	threshold := d.mode.energyThreshold()
	return rms > threshold*threshold, nil
}
