// Package stt implements speech-to-text adapters for the Pipeline
// Orchestrator (C7), grounded on _examples/iamprashant-voice-ai's
// adapter-factory-by-key registry and on deepgram-go-sdk's streaming
// listen contract as a wire-schema reference (spec.md section 4.7 "Cloud
// streaming STT").
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/gorilla/websocket"
)

// CloudStreamingAdapter is a per-call WebSocket STT adapter against a
// Deepgram-shaped streaming endpoint: binary PCM16 frames in, JSON
// "Results" messages out, each carrying channel.alternatives[0].transcript
// and is_final.
type CloudStreamingAdapter struct {
	baseURL string
	apiKey  string
	logger  logging.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewCloudStreamingAdapter constructs the adapter against baseURL (e.g.
// "wss://api.deepgram.com/v1/listen").
func NewCloudStreamingAdapter(baseURL, apiKey string, logger logging.Logger) *CloudStreamingAdapter {
	return &CloudStreamingAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
		conns:   make(map[string]*websocket.Conn),
	}
}

func (a *CloudStreamingAdapter) Start(ctx context.Context) error { return nil }
func (a *CloudStreamingAdapter) Stop(ctx context.Context) error  { return nil }

// OpenCall opens the per-call streaming WebSocket with query parameters
// describing the audio format (spec.md section 4.7).
func (a *CloudStreamingAdapter) OpenCall(ctx context.Context, callID string, opts config.RoleOptions) error {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return fmt.Errorf("stt: cloud_streaming: bad base url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", opts.SampleRate))
	q.Set("channels", "1")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	u.RawQuery = q.Encode()

	header := map[string][]string{"Authorization": {"Token " + a.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("stt: cloud_streaming: dial: %w", err)
	}

	a.mu.Lock()
	a.conns[callID] = conn
	a.mu.Unlock()
	return nil
}

// CloseCall closes the per-call streaming WebSocket.
func (a *CloudStreamingAdapter) CloseCall(ctx context.Context, callID string) error {
	a.mu.Lock()
	conn, ok := a.conns[callID]
	delete(a.conns, callID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

type deepgramResult struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Transcribe sends pcm16 then an explicit flush, and awaits the first
// final non-empty transcript, honoring opts' response timeout (spec.md
// section 4.7).
func (a *CloudStreamingAdapter) Transcribe(ctx context.Context, callID string, pcm16 []byte, sampleRateHz int, opts config.RoleOptions) (string, error) {
	a.mu.Lock()
	conn, ok := a.conns[callID]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("stt: cloud_streaming: call %s not open", callID)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, pcm16); err != nil {
		return "", fmt.Errorf("stt: cloud_streaming: send audio: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "Flush"}); err != nil {
		return "", fmt.Errorf("stt: cloud_streaming: send flush: %w", err)
	}

	deadline := time.Now().Add(pipelineTimeout(opts))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("stt: cloud_streaming: timed out waiting for final transcript")
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("stt: cloud_streaming: read: %w", err)
		}
		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if !res.IsFinal || len(res.Channel.Alternatives) == 0 {
			continue
		}
		transcript := res.Channel.Alternatives[0].Transcript
		if transcript == "" {
			continue
		}
		return transcript, nil
	}
}

func pipelineTimeout(opts config.RoleOptions) time.Duration {
	if opts.ResponseTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return opts.Timeout()
}
