// Command agent is the Call Engine's entrypoint: it loads configuration,
// wires the control-plane client, media transports, adapter registry, and
// playback managers, then runs the engine until a shutdown signal arrives,
// grounded on _examples/iamprashant-voice-ai/examples/sip-test's
// signal-driven context cancellation and on the teacher's gin-based
// healthcheck routes for the admin surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ariagent/callengine/internal/adapters/llm"
	"github.com/ariagent/callengine/internal/adapters/stt"
	"github.com/ariagent/callengine/internal/adapters/tts"
	"github.com/ariagent/callengine/internal/ari"
	"github.com/ariagent/callengine/internal/codec"
	"github.com/ariagent/callengine/internal/config"
	"github.com/ariagent/callengine/internal/engine"
	"github.com/ariagent/callengine/internal/logging"
	"github.com/ariagent/callengine/internal/metrics"
	"github.com/ariagent/callengine/internal/pipeline"
	"github.com/ariagent/callengine/internal/playback"
	"github.com/ariagent/callengine/internal/session"
	"github.com/ariagent/callengine/internal/streaming"
	"github.com/ariagent/callengine/internal/transport/audiosocket"
	"github.com/ariagent/callengine/internal/transport/rtp"
)

func main() {
	configPath := flag.String("config", "", "path to the engine's YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, false, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Errorf("agent: fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	registry := prometheus.NewRegistry()
	streamingMetrics := metrics.NewStreaming(registry)

	pipelines, err := buildPipelineRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("build pipeline registry: %w", err)
	}
	if err := pipelines.ValidateStartup(); err != nil {
		return fmt.Errorf("validate pipelines: %w", err)
	}

	ariClient := ari.NewClient(cfg.Asterisk, logger)
	store := session.NewStore(logger)
	fileMgr := playback.NewManager(store, ariClient, cfg.Media.Dir, logger)

	eng := engine.New(cfg, ariClient, store, pipelines, fileMgr, nil, streamingMetrics, logger)

	streamCfg := streaming.Config{
		ChunkMs:             cfg.Streaming.ChunkSizeMs,
		JitterMs:            cfg.Streaming.JitterBufferMs,
		KeepaliveIntervalMs: cfg.Streaming.KeepaliveIntervalMs,
		ConnectionTimeoutMs: cfg.Streaming.ConnectionTimeoutMs,
		FallbackTimeoutMs:   cfg.Streaming.FallbackTimeoutMs,
		TargetSampleRateHz:  cfg.Streaming.SampleRate,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runTransport func()

	switch cfg.AudioTransport {
	case config.TransportRTP:
		streamCfg.TargetEncoding = codec.EncodingMulaw
		rtpTransport, err := rtp.Listen(cfg.RTP.ListenHost, cfg.RTP.ListenPort, cfg.RTP.PayloadType, logger, eng.OnAudio)
		if err != nil {
			return fmt.Errorf("rtp listen: %w", err)
		}
		eng.BindRTPTransport(rtpTransport)
		eng.BindStreamManager(streaming.NewManager(streamCfg, store, rtpTransport, fileMgr, streamingMetrics, logger))
		runTransport = func() { rtpTransport.Run(ctx) }
	case config.TransportAudioSocket:
		streamCfg.TargetEncoding = codec.EncodingPCM16
		asTransport, err := audiosocket.Listen(cfg.AudioSocket.ListenHost, cfg.AudioSocket.ListenPort, logger, eng.OnAudio)
		if err != nil {
			return fmt.Errorf("audiosocket listen: %w", err)
		}
		eng.BindAudioSocketTransport(asTransport)
		eng.BindStreamManager(streaming.NewManager(streamCfg, store, asTransport, fileMgr, streamingMetrics, logger))
		runTransport = func() { asTransport.Run(ctx) }
	default:
		return fmt.Errorf("unknown audio_transport %q", cfg.AudioTransport)
	}

	admin := newAdminServer(cfg, registry, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("agent: shutdown signal received")
		cancel()
	}()

	transportDone := make(chan struct{})
	go func() {
		defer close(transportDone)
		runTransport()
	}()

	go func() {
		addr := net.JoinHostPort(cfg.Admin.Host, fmt.Sprintf("%d", cfg.Admin.Port))
		if err := admin.Run(addr); err != nil && err != http.ErrServerClosed {
			logger.Warnf("agent: admin server: %v", err)
		}
	}()

	expiry := make(chan struct{})
	go func() {
		defer close(expiry)
		sweepSessions(ctx, store, cfg, logger)
	}()

	runErr := eng.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("agent: engine shutdown: %v", err)
	}
	<-expiry
	<-transportDone

	return runErr
}

// buildPipelineRegistry registers every adapter factory the configured
// providers might reference (spec.md section 4.6).
func buildPipelineRegistry(cfg *config.Config, logger logging.Logger) (*pipeline.Registry, error) {
	reg := pipeline.NewRegistry(cfg, logger)

	reg.RegisterSTT("deepgram_stt", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.STTAdapter, error) {
		baseURL, _ := providerCfg["base_url"].(string)
		apiKey, _ := providerCfg["api_key"].(string)
		return stt.NewCloudStreamingAdapter(baseURL, apiKey, logger), nil
	})
	reg.RegisterSTT("*_stt", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.STTAdapter, error) {
		url, _ := providerCfg["url"].(string)
		return stt.NewLocalWSAdapter(url, logger), nil
	})

	reg.RegisterLLM("openai_llm", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.LLMAdapter, error) {
		apiKey, _ := providerCfg["api_key"].(string)
		return llm.NewOpenAIAdapter(apiKey, logger), nil
	})
	reg.RegisterLLM("anthropic_llm", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.LLMAdapter, error) {
		apiKey, _ := providerCfg["api_key"].(string)
		return llm.NewAnthropicAdapter(apiKey, logger), nil
	})
	reg.RegisterLLM("webhook_llm", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.LLMAdapter, error) {
		url, _ := providerCfg["url"].(string)
		return llm.NewLocalWebhookAdapter(url, logger), nil
	})
	reg.RegisterLLM("*_llm", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.LLMAdapter, error) {
		url, _ := providerCfg["url"].(string)
		return llm.NewLocalWSAdapter(url, logger), nil
	})

	reg.RegisterTTS("*_tts_rest", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.TTSAdapter, error) {
		url, _ := providerCfg["url"].(string)
		rate, _ := providerCfg["sample_rate"].(int)
		chunkMs, _ := providerCfg["chunk_ms"].(int)
		if rate == 0 {
			rate = 16000
		}
		if chunkMs == 0 {
			chunkMs = 20
		}
		return tts.NewCloudRESTAdapter(url, codec.EncodingPCM16, rate, chunkMs, logger), nil
	})
	reg.RegisterTTS("*_tts", func(providerCfg map[string]interface{}, logger logging.Logger) (pipeline.TTSAdapter, error) {
		url, _ := providerCfg["url"].(string)
		return tts.NewLocalWSAdapter(url, logger), nil
	})

	return reg, nil
}

// sweepSessions runs the periodic stale-session reaper until ctx is done
// (spec.md section 4.3's Session Store maintenance).
func sweepSessions(ctx context.Context, store *session.Store, cfg *config.Config, logger logging.Logger) {
	if cfg.Session.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Session.MaxAge / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := store.CleanupExpiredSessions(cfg.Session.MaxAge)
			if n > 0 {
				logger.Infof("agent: reaped %d stale session(s)", n)
			}
		}
	}
}

// newAdminServer exposes liveness/readiness and the Prometheus scrape
// endpoint (spec.md section 6).
func newAdminServer(cfg *config.Config, registry *prometheus.Registry, logger logging.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName})
	})
	r.GET("/readiness", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return r
}
