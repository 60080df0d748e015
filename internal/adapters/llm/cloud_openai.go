// Package llm implements large-language-model adapters for the Pipeline
// Orchestrator (C7): cloud chat-completion adapters (openai-go,
// anthropic-sdk-go), a local REST webhook adapter, and the local
// multi-role WebSocket adapter, grounded on
// _examples/iamprashant-voice-ai's per-provider client wiring style.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/pipeline"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter generates chat completions via the OpenAI API. It is
// stateless per call beyond bookkeeping the model/options, since the
// adapter contract passes the full rolling history on every Generate call.
type OpenAIAdapter struct {
	client openai.Client
	logger logging.Logger

	mu    sync.Mutex
	calls map[string]struct{}
}

// NewOpenAIAdapter constructs the adapter against apiKey.
func NewOpenAIAdapter(apiKey string, logger logging.Logger) *OpenAIAdapter {
	return &OpenAIAdapter{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
		calls:  make(map[string]struct{}),
	}
}

func (a *OpenAIAdapter) Start(ctx context.Context) error { return nil }
func (a *OpenAIAdapter) Stop(ctx context.Context) error  { return nil }

func (a *OpenAIAdapter) OpenCall(ctx context.Context, callID string, opts config.RoleOptions) error {
	a.mu.Lock()
	a.calls[callID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *OpenAIAdapter) CloseCall(ctx context.Context, callID string) error {
	a.mu.Lock()
	delete(a.calls, callID)
	a.mu.Unlock()
	return nil
}

// Generate sends the rolling history plus the latest transcript as a
// user turn and returns the assistant's reply text (spec.md section 4.6).
func (a *OpenAIAdapter) Generate(ctx context.Context, callID, transcript string, history []pipeline.HistoryEntry, opts config.RoleOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = openai.ChatModelGPT4o
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	for _, h := range history {
		switch h.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(h.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(h.Content))
		default:
			messages = append(messages, openai.UserMessage(h.Content))
		}
	}
	messages = append(messages, openai.UserMessage(transcript))

	completion, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("llm: openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("llm: openai: empty choices")
	}
	return completion.Choices[0].Message.Content, nil
}
