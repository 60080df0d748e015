package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariagent/callengine/internal/adapters/localws"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
)

// LocalWSAdapter implements the STT role of the local multi-role
// multiplexed WebSocket adapter style (spec.md section 4.7).
type LocalWSAdapter struct {
	url    string
	logger logging.Logger

	mu      sync.Mutex
	clients map[string]*localws.Client
}

// NewLocalWSAdapter constructs the adapter against a local process's
// WebSocket endpoint.
func NewLocalWSAdapter(url string, logger logging.Logger) *LocalWSAdapter {
	return &LocalWSAdapter{url: url, logger: logger, clients: make(map[string]*localws.Client)}
}

func (a *LocalWSAdapter) Start(ctx context.Context) error { return nil }
func (a *LocalWSAdapter) Stop(ctx context.Context) error  { return nil }

func (a *LocalWSAdapter) OpenCall(ctx context.Context, callID string, opts config.RoleOptions) error {
	client := localws.New(a.url, localws.ModeSTT, a.logger)
	if err := client.Dial(ctx); err != nil {
		return fmt.Errorf("stt: local_ws: %w", err)
	}
	client.SendMode(callID)

	a.mu.Lock()
	a.clients[callID] = client
	a.mu.Unlock()
	return nil
}

func (a *LocalWSAdapter) CloseCall(ctx context.Context, callID string) error {
	a.mu.Lock()
	client, ok := a.clients[callID]
	delete(a.clients, callID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

func (a *LocalWSAdapter) Transcribe(ctx context.Context, callID string, pcm16 []byte, sampleRateHz int, opts config.RoleOptions) (string, error) {
	a.mu.Lock()
	client, ok := a.clients[callID]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("stt: local_ws: call %s not open", callID)
	}

	if err := client.SendBinary(pcm16); err != nil {
		return "", fmt.Errorf("stt: local_ws: send audio: %w", err)
	}
	if err := client.SendJSON(map[string]interface{}{"type": "flush", "call_id": callID}); err != nil {
		return "", fmt.Errorf("stt: local_ws: send flush: %w", err)
	}

	msg, err := client.ReadJSONWithTimeout(pipelineTimeout(opts))
	if err != nil {
		return "", fmt.Errorf("stt: local_ws: %w", err)
	}
	transcript, _ := msg["transcript"].(string)
	if transcript == "" {
		return "", fmt.Errorf("stt: local_ws: empty transcript in response")
	}
	return transcript, nil
}
