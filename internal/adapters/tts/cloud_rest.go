// Package tts implements text-to-speech adapters for the Pipeline
// Orchestrator (C7): a cloud REST adapter and the local multi-role
// WebSocket adapter, grounded on _examples/iamprashant-voice-ai's
// resty-style REST client usage and on spec.md section 4.1 for the
// codec/chunking step.
package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/pipeline"
	"github.com/go-resty/resty/v2"
)

// CloudRESTAdapter posts text+voice params to a REST TTS endpoint, reads
// the full response body, converts it to the target encoding/rate via C1,
// and emits it as a sequence of configured-ms chunks (spec.md section 4.7
// "Cloud REST TTS").
type CloudRESTAdapter struct {
	http   *resty.Client
	url    string
	logger logging.Logger

	sourceEncoding   codec.Encoding
	sourceSampleRate int
	chunkMs          int

	mu    sync.Mutex
	calls map[string]struct{}
}

// NewCloudRESTAdapter constructs the adapter. sourceEncoding/sourceRate
// describe the audio format the remote TTS service returns (e.g. PCM16 at
// 24kHz); chunkMs sizes outbound chunks.
func NewCloudRESTAdapter(url string, sourceEncoding codec.Encoding, sourceSampleRate, chunkMs int, logger logging.Logger) *CloudRESTAdapter {
	return &CloudRESTAdapter{
		http:             resty.New(),
		url:              url,
		logger:           logger,
		sourceEncoding:   sourceEncoding,
		sourceSampleRate: sourceSampleRate,
		chunkMs:          chunkMs,
		calls:            make(map[string]struct{}),
	}
}

func (a *CloudRESTAdapter) Start(ctx context.Context) error { return nil }
func (a *CloudRESTAdapter) Stop(ctx context.Context) error  { return nil }

func (a *CloudRESTAdapter) OpenCall(ctx context.Context, callID string, opts config.RoleOptions) error {
	a.mu.Lock()
	a.calls[callID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *CloudRESTAdapter) CloseCall(ctx context.Context, callID string) error {
	a.mu.Lock()
	delete(a.calls, callID)
	a.mu.Unlock()
	return nil
}

// Synthesize posts the request, converts the response, and streams it as
// chunks over the returned channel. The channel is closed once every chunk
// has been sent or ctx is cancelled.
func (a *CloudRESTAdapter) Synthesize(ctx context.Context, callID, text string, opts config.RoleOptions) (<-chan pipeline.AudioChunk, error) {
	targetEncoding := codec.Encoding(opts.Encoding)
	if targetEncoding == "" {
		targetEncoding = codec.EncodingMulaw
	}
	targetRate := opts.SampleRate
	if targetRate == 0 {
		targetRate = 8000
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetTimeout(pipelineTimeout(opts)).
		SetBody(map[string]interface{}{
			"text":  text,
			"voice": opts.Voice,
		}).
		Post(a.url)
	if err != nil {
		return nil, fmt.Errorf("tts: cloud_rest: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("tts: cloud_rest: status %d", resp.StatusCode())
	}

	pcm16 := codec.ToPCM16(resp.Body(), a.sourceEncoding)
	if a.sourceSampleRate != targetRate {
		pcm16, _ = codec.Resample(pcm16, a.sourceSampleRate, targetRate, nil)
	}
	converted := codec.Convert(pcm16, targetEncoding)
	chunks := codec.ChunkByMs(converted, a.chunkMs, targetRate, targetEncoding)

	out := make(chan pipeline.AudioChunk, len(chunks))
	go func() {
		defer close(out)
		for i, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case out <- pipeline.AudioChunk{Audio: c, Encoding: string(targetEncoding), Final: i == len(chunks)-1}:
			}
		}
	}()
	return out, nil
}

func pipelineTimeout(opts config.RoleOptions) time.Duration {
	if opts.ResponseTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return opts.Timeout()
}
