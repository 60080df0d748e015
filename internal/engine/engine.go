// Package engine implements the Call Engine (C11): the top-level per-call
// lifecycle binding PBX events, media transports, and the coordinator,
// grounded on _examples/iamprashant-voice-ai's channel/telephony provider
// wiring and on original_source's engine-level call bring-up/teardown
// sequence.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ariagent/callengine/internal/ari"
	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/coordinator"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/metrics"
	"github.com/ariagent/callengine/internal/pipeline"
	"github.com/ariagent/callengine/internal/playback"
	"github.com/ariagent/callengine/internal/session"
	"github.com/ariagent/callengine/internal/streaming"
	"github.com/ariagent/callengine/internal/transport/audiosocket"
	"github.com/ariagent/callengine/internal/transport/rtp"
	"github.com/ariagent/callengine/internal/vad"
	"golang.org/x/sync/errgroup"
)

// Sender unifies the two transports' outbound contract for the engine.
type Sender interface {
	Send(callID string, audio []byte, enc codec.Encoding) bool
}

// callEntry bundles a call's coordinator with the cancel func of the
// context its greeting (Coordinator.Start) runs under, so teardown can
// abort it. Utterance turns and the barge-in tap are driven with
// context.Background() from OnAudio and are not cancelled by it.
type callEntry struct {
	coord  *coordinator.Coordinator
	cancel context.CancelFunc
}

// Engine owns every call's lifecycle from PBX "new call" to teardown
// (spec.md section 4.11).
type Engine struct {
	cfg       *config.Config
	ari       *ari.Client
	events    *ari.EventStream
	store     *session.Store
	pipelines *pipeline.Registry
	fileMgr   *playback.Manager
	streamMgr *streaming.Manager
	metrics   *metrics.Streaming
	logger    logging.Logger

	rtpTransport         *rtp.Transport
	audiosocketTransport *audiosocket.Transport
	sender               Sender

	mu    sync.Mutex
	calls map[string]*callEntry
}

// New constructs an Engine. Call Run to start serving events.
func New(
	cfg *config.Config,
	ariClient *ari.Client,
	store *session.Store,
	pipelines *pipeline.Registry,
	fileMgr *playback.Manager,
	streamMgr *streaming.Manager,
	m *metrics.Streaming,
	logger logging.Logger,
) *Engine {
	e := &Engine{
		cfg: cfg, ari: ariClient, store: store, pipelines: pipelines,
		fileMgr: fileMgr, streamMgr: streamMgr, metrics: m, logger: logger,
		calls: make(map[string]*callEntry),
	}
	e.events = ari.NewEventStream(cfg.Asterisk, logger, e.handleEvent)
	return e
}

// BindRTPTransport wires the shared RTP transport (spec.md section 4.5).
func (e *Engine) BindRTPTransport(t *rtp.Transport) { e.rtpTransport = t; e.sender = t }

// BindAudioSocketTransport wires the shared AudioSocket transport.
func (e *Engine) BindAudioSocketTransport(t *audiosocket.Transport) {
	e.audiosocketTransport = t
	e.sender = t
}

// BindStreamManager wires the streaming playback manager once its sender
// dependency (a transport) has been constructed.
func (e *Engine) BindStreamManager(m *streaming.Manager) { e.streamMgr = m }

// Run sweeps stale PBX resources, then blocks consuming ARI events until
// ctx is cancelled (spec.md section 4.11 "Stale resource sweep on
// startup").
func (e *Engine) Run(ctx context.Context) error {
	if err := e.sweepStaleResources(ctx); err != nil {
		e.logger.Warnf("engine: stale resource sweep failed: %v", err)
	}
	e.events.Run(ctx)
	return nil
}

func (e *Engine) sweepStaleResources(ctx context.Context) error {
	bridges, err := e.ari.ListBridges(ctx)
	if err != nil {
		return fmt.Errorf("list_bridges: %w", err)
	}
	for _, b := range bridges {
		if err := e.ari.DestroyBridge(ctx, b.ID); err != nil {
			e.logger.Warnf("engine: sweep: destroy_bridge %s: %v", b.ID, err)
		}
	}

	channels, err := e.ari.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list_channels: %w", err)
	}
	for _, ch := range channels {
		if err := e.ari.Hangup(ctx, ch.ID); err != nil {
			e.logger.Warnf("engine: sweep: hangup %s: %v", ch.ID, err)
		}
	}
	return nil
}

func (e *Engine) handleEvent(evt ari.Event) {
	ctx := context.Background()
	switch evt.Type {
	case ari.EventStasisStart:
		if evt.Channel != nil {
			e.onNewCall(ctx, *evt.Channel)
		}
	case ari.EventStasisEnd, ari.EventChannelDestroyed:
		if evt.Channel != nil {
			e.onCallEnded(ctx, evt.Channel.ID)
		}
	case ari.EventPlaybackFinished:
		if evt.Playback != nil {
			if callID, ok := e.fileMgr.OnPlaybackFinished(evt.Playback.ID); ok {
				e.mu.Lock()
				entry, tracked := e.calls[callID]
				e.mu.Unlock()
				if tracked {
					entry.coord.OnTTSEnd(callID)
				}
			}
		}
	case ari.EventChannelStateChange:
		// No engine-level action; surfaced for observability only.
	case ari.EventChannelDtmfReceived:
		// DTMF handling is out of scope for the conversational pipeline.
	}
}

// onNewCall implements spec.md section 4.11 steps 1-7.
func (e *Engine) onNewCall(ctx context.Context, ch ari.Channel) {
	if _, ok := e.store.GetByAnyChannelID(ch.ID); ok {
		return // local or media-only side of a call already tracked
	}

	callID := ch.ID
	if err := e.ari.Answer(ctx, callID); err != nil {
		e.logger.Errorf("engine: answer %s: %v", callID, err)
		return
	}

	requestedPipeline := ch.Vars["PIPELINE_NAME"]
	res, err := e.pipelines.GetPipeline(ctx, callID, requestedPipeline)
	if err != nil {
		e.logger.Errorf("engine: get_pipeline %s: %v", callID, err)
		_ = e.ari.Hangup(ctx, callID)
		return
	}
	entry := e.cfg.Pipelines[res.PipelineName]

	call := session.NewCall(callID, vad.DefaultConfig(), e.cfg.Conversation.MaxContext, e.cfg.Conversation.SystemMessage)
	call.Resolution = &session.PipelineResolution{
		PipelineName: res.PipelineName, STTKey: entry.STTKey, LLMKey: entry.LLMKey, TTSKey: entry.TTSKey,
	}
	e.store.Upsert(call)

	mediaChannel, err := e.createMediaChannel(ctx, callID)
	if err != nil {
		e.logger.Errorf("engine: create media channel for %s: %v", callID, err)
		e.teardownCall(ctx, callID)
		return
	}
	call.ExternalMediaChannelID = mediaChannel
	e.store.Upsert(call)

	bridge, err := e.ari.CreateBridge(ctx)
	if err != nil {
		e.logger.Errorf("engine: create_bridge for %s: %v", callID, err)
		e.teardownCall(ctx, callID)
		return
	}
	call.BridgeID = bridge.ID
	e.store.Upsert(call)

	if err := e.ari.AddChannelToBridge(ctx, bridge.ID, callID); err != nil {
		e.logger.Errorf("engine: add caller channel to bridge for %s: %v", callID, err)
		e.teardownCall(ctx, callID)
		return
	}
	if err := e.ari.AddChannelToBridge(ctx, bridge.ID, mediaChannel); err != nil {
		e.logger.Errorf("engine: add media channel to bridge for %s: %v", callID, err)
		e.teardownCall(ctx, callID)
		return
	}

	coord := coordinator.New(
		callID, e.store, res, entry, e.cfg.Conversation, e.cfg.Streaming, e.cfg.DownstreamMode,
		e.streamMgr, e.fileMgr, e.logger,
	)
	callCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.calls[callID] = &callEntry{coord: coord, cancel: cancel}
	e.mu.Unlock()

	if err := coord.Start(callCtx); err != nil {
		e.logger.Errorf("engine: coordinator start for %s: %v", callID, err)
	}
}

// createMediaChannel creates the media-side channel bound to the
// configured transport (spec.md section 4.11 step 4).
func (e *Engine) createMediaChannel(ctx context.Context, callID string) (string, error) {
	switch e.cfg.AudioTransport {
	case config.TransportRTP:
		hostPort := net.JoinHostPort(e.cfg.RTP.ListenHost, fmt.Sprintf("%d", e.rtpTransport.LocalPort()))
		ch, err := e.ari.CreateExternalMedia(ctx, hostPort, "ulaw")
		if err != nil {
			return "", err
		}
		remoteAddr := ch.Vars["UNICASTRTP_LOCAL_PORT"]
		if remoteAddr != "" {
			_ = e.rtpTransport.BindCall(callID, net.JoinHostPort(e.cfg.Asterisk.Host, remoteAddr))
		}
		return ch.ID, nil
	case config.TransportAudioSocket:
		correlationID := audiosocket.NewCorrelationID(callID, e.audiosocketTransport)
		hostPort := net.JoinHostPort(e.cfg.AudioSocket.ListenHost, fmt.Sprintf("%d", e.audiosocketTransport.LocalPort()))
		ch, err := e.ari.DialAudioSocket(ctx, hostPort, correlationID)
		if err != nil {
			return "", err
		}
		return ch.ID, nil
	default:
		return "", fmt.Errorf("engine: unknown audio_transport %q", e.cfg.AudioTransport)
	}
}

// OnAudio is the shared inbound contract both transports invoke (spec.md
// section 4.5 `on_audio`). Gated-off audio never reaches VAD (spec.md
// section 9, invariant P4); while the call is speaking, the barge-in tap
// receives every inbound frame, gated or not.
func (e *Engine) OnAudio(callID string, audio []byte, sourceSampleRateHz int, enc codec.Encoding) {
	call, ok := e.store.GetByCallID(callID)
	if !ok {
		return
	}

	e.mu.Lock()
	entry, ok := e.calls[callID]
	e.mu.Unlock()
	speaking := ok && call.ConversationState == session.StateSpeaking

	if !call.AudioCaptureEnabled && !speaking {
		return
	}

	pcm16 := codec.ToPCM16(audio, enc)
	resampled, state := codec.Resample(pcm16, sourceSampleRateHz, call.VAD.Config().SampleRateHz, call.InboundResample)
	call.InboundResample = state

	if speaking {
		entry.coord.OnBargeInSample(context.Background(), resampled, call.VAD.Config().FrameDurationMs)
	}
	if !call.AudioCaptureEnabled {
		return
	}

	utterances, err := call.VAD.Feed(resampled)
	if err != nil {
		e.logger.Warnf("engine: vad feed for %s: %v", callID, err)
		return
	}
	if ok {
		for _, u := range utterances {
			entry.coord.OnUtterance(context.Background(), u)
		}
	}
}

// onCallEnded implements spec.md section 4.11's "call ended" teardown.
func (e *Engine) onCallEnded(ctx context.Context, channelID string) {
	call, ok := e.store.GetByAnyChannelID(channelID)
	if !ok {
		return
	}
	e.teardownCall(ctx, call.CallID)
}

func (e *Engine) teardownCall(ctx context.Context, callID string) {
	e.mu.Lock()
	entry, ok := e.calls[callID]
	delete(e.calls, callID)
	e.mu.Unlock()

	if ok {
		entry.coord.CancelCurrentTTS(ctx)
		entry.cancel()
	}
	e.pipelines.ReleasePipeline(ctx, callID)

	call, ok := e.store.GetByCallID(callID)
	if ok {
		if call.BridgeID != "" {
			if err := e.ari.DestroyBridge(ctx, call.BridgeID); err != nil {
				e.logger.Warnf("engine: destroy_bridge %s: %v", call.BridgeID, err)
			}
		}
		if call.ExternalMediaChannelID != "" {
			if err := e.ari.Hangup(ctx, call.ExternalMediaChannelID); err != nil {
				e.logger.Warnf("engine: hangup media channel %s: %v", call.ExternalMediaChannelID, err)
			}
		}
		if err := e.ari.Hangup(ctx, call.CallerChannelID); err != nil {
			e.logger.Warnf("engine: hangup %s: %v", call.CallerChannelID, err)
		}
	}

	if e.rtpTransport != nil {
		e.rtpTransport.UnbindCall(callID)
	}
	e.store.Remove(callID)
}

// Shutdown tears down every tracked call before the caller closes the
// transport/control-plane clients (spec.md section 4.11 "Startup and
// shutdown are orderly").
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	callIDs := make([]string, 0, len(e.calls))
	for callID := range e.calls {
		callIDs = append(callIDs, callID)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, callID := range callIDs {
		callID := callID
		g.Go(func() error {
			e.teardownCall(gctx, callID)
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("engine: shutdown timed out waiting for call teardown")
	}
}
