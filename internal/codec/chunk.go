package codec

// ChunkByMs splits audio into frames of durationMs milliseconds, given the
// encoding and sample rate (spec.md section 4.1). The final partial frame,
// if any, is returned as the last element — callers that need only
// complete frames should drop it.
func ChunkByMs(audio []byte, durationMs, sampleRateHz int, enc Encoding) [][]byte {
	if len(audio) == 0 || durationMs <= 0 || sampleRateHz <= 0 {
		return nil
	}
	bytesPerSample := BytesPerSample(enc)
	frameBytes := (sampleRateHz * durationMs / 1000) * bytesPerSample
	if frameBytes <= 0 {
		return nil
	}

	var frames [][]byte
	for offset := 0; offset < len(audio); offset += frameBytes {
		end := offset + frameBytes
		if end > len(audio) {
			end = len(audio)
		}
		frames = append(frames, audio[offset:end])
	}
	return frames
}
