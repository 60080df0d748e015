package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/adapters/localws"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/pipeline"
)

// LocalWSAdapter implements the TTS role of the local multi-role
// multiplexed WebSocket adapter style (spec.md section 4.7). The remote
// process streams binary audio frames back; a JSON {"type":"done"}
// message (or closed connection) marks the end of synthesis.
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
	client := localws.New(a.url, localws.ModeTTS, a.logger)
	if err := client.Dial(ctx); err != nil {
		return fmt.Errorf("tts: local_ws: %w", err)
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

func (a *LocalWSAdapter) Synthesize(ctx context.Context, callID, text string, opts config.RoleOptions) (<-chan pipeline.AudioChunk, error) {
	a.mu.Lock()
	client, ok := a.clients[callID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("tts: local_ws: call %s not open", callID)
	}

	if err := client.SendJSON(map[string]interface{}{
		"type":    "synthesize",
		"call_id": callID,
		"text":    text,
		"voice":   opts.Voice,
	}); err != nil {
		return nil, fmt.Errorf("tts: local_ws: send: %w", err)
	}

	out := make(chan pipeline.AudioChunk, 4)
	timeout := pipelineTimeout(opts)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			data, isBinary, err := client.ReadBinaryWithTimeout(timeout)
			if err != nil {
				a.logger.Warnf("tts: local_ws: %s: %v", callID, err)
				return
			}
			if !isBinary {
				// A JSON control message (e.g. {"type":"done"}) ends the stream.
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- pipeline.AudioChunk{Audio: data, Encoding: opts.Encoding}:
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
