package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/pipeline"
	"github.com/go-resty/resty/v2"
)

// LocalWebhookAdapter posts {call_id, transcript, context} to a local
// REST endpoint and reads the reply text back, from a configured JSON key
// or the whole response body (spec.md section 4.7 "Local LLM REST
// webhook").
type LocalWebhookAdapter struct {
	http *resty.Client
	url  string
	logger logging.Logger
}

// NewLocalWebhookAdapter constructs the adapter against url.
func NewLocalWebhookAdapter(url string, logger logging.Logger) *LocalWebhookAdapter {
	return &LocalWebhookAdapter{http: resty.New(), url: url, logger: logger}
}

func (a *LocalWebhookAdapter) Start(ctx context.Context) error                                    { return nil }
func (a *LocalWebhookAdapter) Stop(ctx context.Context) error                                      { return nil }
func (a *LocalWebhookAdapter) OpenCall(ctx context.Context, callID string, opts config.RoleOptions) error { return nil }
func (a *LocalWebhookAdapter) CloseCall(ctx context.Context, callID string) error                   { return nil }

func (a *LocalWebhookAdapter) Generate(ctx context.Context, callID, transcript string, history []pipeline.HistoryEntry, opts config.RoleOptions) (string, error) {
	contextTurns := make([]map[string]string, 0, len(history))
	for _, h := range history {
		contextTurns = append(contextTurns, map[string]string{"role": h.Role, "content": h.Content})
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetTimeout(pipelineTimeout(opts)).
		SetBody(map[string]interface{}{
			"call_id":    callID,
			"transcript": transcript,
			"context":    contextTurns,
		}).
		Post(a.url)
	if err != nil {
		return "", fmt.Errorf("llm: local_webhook: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("llm: local_webhook: status %d", resp.StatusCode())
	}

	if opts.JSONKey != "" {
		var body map[string]interface{}
		if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr == nil {
			if v, ok := body[opts.JSONKey].(string); ok {
				return v, nil
			}
		}
	}
	return string(resp.Body()), nil
}
