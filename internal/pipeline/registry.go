package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/logging"
)

// STTFactory, LLMFactory, and TTSFactory produce a fresh adapter instance
// for a "<provider>_<role>" registry key.
type (
	STTFactory func(providerCfg map[string]interface{}, logger logging.Logger) (STTAdapter, error)
	LLMFactory func(providerCfg map[string]interface{}, logger logging.Logger) (LLMAdapter, error)
	TTSFactory func(providerCfg map[string]interface{}, logger logging.Logger) (TTSAdapter, error)
)

// Resolution is the immutable-per-call adapter binding (spec.md section 3,
// invariant I8).
type Resolution struct {
	PipelineName string
	STT          STTAdapter
	LLM          LLMAdapter
	TTS          TTSAdapter
}

// Registry holds every registered adapter factory and caches per-call
// resolutions (spec.md section 4.6).
type Registry struct {
	logger logging.Logger
	cfg    *config.Config

	sttFactories map[string]STTFactory
	llmFactories map[string]LLMFactory
	ttsFactories map[string]TTSFactory

	mu        sync.Mutex
	resolved  map[string]*Resolution // call_id -> resolution
}

// NewRegistry constructs an empty Registry bound to cfg.
func NewRegistry(cfg *config.Config, logger logging.Logger) *Registry {
	return &Registry{
		logger:       logger,
		cfg:          cfg,
		sttFactories: make(map[string]STTFactory),
		llmFactories: make(map[string]LLMFactory),
		ttsFactories: make(map[string]TTSFactory),
		resolved:     make(map[string]*Resolution),
	}
}

// RegisterSTT, RegisterLLM, and RegisterTTS add a factory under a
// "<provider>_<role>" key, e.g. "deepgram_stt", "*_stt" (wildcard
// placeholder).
func (r *Registry) RegisterSTT(key string, f STTFactory) { r.sttFactories[key] = f }
func (r *Registry) RegisterLLM(key string, f LLMFactory) { r.llmFactories[key] = f }
func (r *Registry) RegisterTTS(key string, f TTSFactory) { r.ttsFactories[key] = f }

// ValidateStartup checks every configured pipeline entry resolves to a
// registered factory (spec.md section 4.6 "Validate all pipeline entries
// at startup").
func (r *Registry) ValidateStartup() error {
	for name, entry := range r.cfg.Pipelines {
		if _, _, ok := r.lookupSTT(entry.STTKey); !ok {
			return fmt.Errorf("pipeline: %s: no stt factory for key %q", name, entry.STTKey)
		}
		if _, _, ok := r.lookupLLM(entry.LLMKey); !ok {
			return fmt.Errorf("pipeline: %s: no llm factory for key %q", name, entry.LLMKey)
		}
		if _, _, ok := r.lookupTTS(entry.TTSKey); !ok {
			return fmt.Errorf("pipeline: %s: no tts factory for key %q", name, entry.TTSKey)
		}
	}
	return nil
}

func wildcardKey(key string, role Role) string {
	idx := strings.LastIndex(key, "_"+string(role))
	if idx < 0 {
		return "*_" + string(role)
	}
	return "*" + key[idx:]
}

func (r *Registry) lookupSTT(key string) (STTFactory, string, bool) {
	if f, ok := r.sttFactories[key]; ok {
		return f, key, true
	}
	wk := wildcardKey(key, RoleSTT)
	if f, ok := r.sttFactories[wk]; ok {
		return f, wk, true
	}
	return nil, "", false
}

func (r *Registry) lookupLLM(key string) (LLMFactory, string, bool) {
	if f, ok := r.llmFactories[key]; ok {
		return f, key, true
	}
	wk := wildcardKey(key, RoleLLM)
	if f, ok := r.llmFactories[wk]; ok {
		return f, wk, true
	}
	return nil, "", false
}

func (r *Registry) lookupTTS(key string) (TTSFactory, string, bool) {
	if f, ok := r.ttsFactories[key]; ok {
		return f, key, true
	}
	wk := wildcardKey(key, RoleTTS)
	if f, ok := r.ttsFactories[wk]; ok {
		return f, wk, true
	}
	return nil, "", false
}

// resolvePipelineName implements spec.md section 4.6 "Selection": explicit
// name, else configured active pipeline, else one configured pipeline.
// Pipelines is a map, so which entry that last fallback returns is not
// defined; the order of the configuration document is not kept.
func (r *Registry) resolvePipelineName(requested string) (string, error) {
	if requested != "" {
		if _, ok := r.cfg.Pipelines[requested]; ok {
			return requested, nil
		}
		return "", fmt.Errorf("pipeline: unknown pipeline %q", requested)
	}
	if r.cfg.ActivePipeline != "" {
		if _, ok := r.cfg.Pipelines[r.cfg.ActivePipeline]; ok {
			return r.cfg.ActivePipeline, nil
		}
	}
	for name := range r.cfg.Pipelines {
		return name, nil
	}
	return "", fmt.Errorf("pipeline: no pipelines configured")
}

// GetPipeline resolves (creating and caching if necessary) the adapter
// binding for callID (spec.md section 4.6).
func (r *Registry) GetPipeline(ctx context.Context, callID, requestedPipeline string) (*Resolution, error) {
	r.mu.Lock()
	if res, ok := r.resolved[callID]; ok {
		r.mu.Unlock()
		return res, nil
	}
	r.mu.Unlock()

	name, err := r.resolvePipelineName(requestedPipeline)
	if err != nil {
		return nil, err
	}
	entry := r.cfg.Pipelines[name]

	sttFactory, _, ok := r.lookupSTT(entry.STTKey)
	if !ok {
		return nil, fmt.Errorf("pipeline: %s: no stt factory for %q", name, entry.STTKey)
	}
	llmFactory, _, ok := r.lookupLLM(entry.LLMKey)
	if !ok {
		return nil, fmt.Errorf("pipeline: %s: no llm factory for %q", name, entry.LLMKey)
	}
	ttsFactory, _, ok := r.lookupTTS(entry.TTSKey)
	if !ok {
		return nil, fmt.Errorf("pipeline: %s: no tts factory for %q", name, entry.TTSKey)
	}

	sttAdapter, err := sttFactory(r.cfg.Providers[entry.STTKey], r.logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: stt factory %q: %w", entry.STTKey, err)
	}
	llmAdapter, err := llmFactory(r.cfg.Providers[entry.LLMKey], r.logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: llm factory %q: %w", entry.LLMKey, err)
	}
	ttsAdapter, err := ttsFactory(r.cfg.Providers[entry.TTSKey], r.logger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: tts factory %q: %w", entry.TTSKey, err)
	}

	if err := sttAdapter.Start(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: stt start: %w", err)
	}
	if err := llmAdapter.Start(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: llm start: %w", err)
	}
	if err := ttsAdapter.Start(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: tts start: %w", err)
	}

	if err := sttAdapter.OpenCall(ctx, callID, entry.Options.STT); err != nil {
		return nil, fmt.Errorf("pipeline: stt open_call: %w", err)
	}
	if err := llmAdapter.OpenCall(ctx, callID, entry.Options.LLM); err != nil {
		return nil, fmt.Errorf("pipeline: llm open_call: %w", err)
	}
	if err := ttsAdapter.OpenCall(ctx, callID, entry.Options.TTS); err != nil {
		return nil, fmt.Errorf("pipeline: tts open_call: %w", err)
	}

	res := &Resolution{PipelineName: name, STT: sttAdapter, LLM: llmAdapter, TTS: ttsAdapter}

	r.mu.Lock()
	r.resolved[callID] = res
	r.mu.Unlock()
	return res, nil
}

// ReleasePipeline closes and stops every adapter in a call's resolution,
// best-effort (spec.md section 4.6 "log, never throw").
func (r *Registry) ReleasePipeline(ctx context.Context, callID string) {
	r.mu.Lock()
	res, ok := r.resolved[callID]
	delete(r.resolved, callID)
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := res.STT.CloseCall(ctx, callID); err != nil {
		r.logger.Warnf("pipeline: stt close_call %s: %v", callID, err)
	}
	if err := res.STT.Stop(ctx); err != nil {
		r.logger.Warnf("pipeline: stt stop %s: %v", callID, err)
	}
	if err := res.LLM.CloseCall(ctx, callID); err != nil {
		r.logger.Warnf("pipeline: llm close_call %s: %v", callID, err)
	}
	if err := res.LLM.Stop(ctx); err != nil {
		r.logger.Warnf("pipeline: llm stop %s: %v", callID, err)
	}
	if err := res.TTS.CloseCall(ctx, callID); err != nil {
		r.logger.Warnf("pipeline: tts close_call %s: %v", callID, err)
	}
	if err := res.TTS.Stop(ctx); err != nil {
		r.logger.Warnf("pipeline: tts stop %s: %v", callID, err)
	}
}
