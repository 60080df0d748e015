package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariagent/callengine/internal/adapters/localws"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/pipeline"
)

// LocalWSAdapter implements the LLM role of the local multi-role
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
	client := localws.New(a.url, localws.ModeLLM, a.logger)
	if err := client.Dial(ctx); err != nil {
		return fmt.Errorf("llm: local_ws: %w", err)
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

func (a *LocalWSAdapter) Generate(ctx context.Context, callID, transcript string, history []pipeline.HistoryEntry, opts config.RoleOptions) (string, error) {
	a.mu.Lock()
	client, ok := a.clients[callID]
	a.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("llm: local_ws: call %s not open", callID)
	}

	contextTurns := make([]map[string]string, 0, len(history))
	for _, h := range history {
		contextTurns = append(contextTurns, map[string]string{"role": h.Role, "content": h.Content})
	}

	if err := client.SendJSON(map[string]interface{}{
		"type":       "generate",
		"call_id":    callID,
		"transcript": transcript,
		"context":    contextTurns,
	}); err != nil {
		return "", fmt.Errorf("llm: local_ws: send: %w", err)
	}

	msg, err := client.ReadJSONWithTimeout(pipelineTimeout(opts))
	if err != nil {
		return "", fmt.Errorf("llm: local_ws: %w", err)
	}
	text, _ := msg["text"].(string)
	if text == "" {
		return "", fmt.Errorf("llm: local_ws: empty text in response")
	}
	return text, nil
}
