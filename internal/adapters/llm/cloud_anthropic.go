package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/pipeline"
)

const defaultMaxTokens = 1024

// AnthropicAdapter generates chat completions via the Anthropic Messages
// API, an alternative cloud LLM provider alongside OpenAIAdapter.
type AnthropicAdapter struct {
	client anthropic.Client
	logger logging.Logger

	mu    sync.Mutex
	calls map[string]struct{}
}

// NewAnthropicAdapter constructs the adapter against apiKey.
func NewAnthropicAdapter(apiKey string, logger logging.Logger) *AnthropicAdapter {
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
		calls:  make(map[string]struct{}),
	}
}

func (a *AnthropicAdapter) Start(ctx context.Context) error { return nil }
func (a *AnthropicAdapter) Stop(ctx context.Context) error  { return nil }

func (a *AnthropicAdapter) OpenCall(ctx context.Context, callID string, opts config.RoleOptions) error {
	a.mu.Lock()
	a.calls[callID] = struct{}{}
	a.mu.Unlock()
	return nil
}

func (a *AnthropicAdapter) CloseCall(ctx context.Context, callID string) error {
	a.mu.Lock()
	delete(a.calls, callID)
	a.mu.Unlock()
	return nil
}

// Generate mirrors OpenAIAdapter.Generate against Anthropic's Messages API:
// the system message is split out of the conversation array as Anthropic
// requires, everything else is carried as alternating user/assistant turns.
func (a *AnthropicAdapter) Generate(ctx context.Context, callID, transcript string, history []pipeline.HistoryEntry, opts config.RoleOptions) (string, error) {
	model := anthropic.Model(opts.Model)
	if opts.Model == "" {
		model = anthropic.ModelClaude3_5SonnetLatest
	}

	var system string
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, h := range history {
		switch h.Role {
		case "system":
			system = h.Content
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(h.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(h.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(transcript)))

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("llm: anthropic: %w", err)
	}
	if len(message.Content) == 0 {
		return "", fmt.Errorf("llm: anthropic: empty content")
	}
	return message.Content[0].Text, nil
}
