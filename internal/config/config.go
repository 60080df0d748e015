// Package config loads and validates the engine's single structured
// configuration document (spec.md section 6).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AudioTransport selects the media transport the engine binds per call.
type AudioTransport string

const (
	TransportRTP        AudioTransport = "rtp"
	TransportAudioSocket AudioTransport = "audiosocket"
)

// DownstreamMode selects whether TTS audio is streamed chunk-by-chunk or
// rendered to a file and played back through the PBX.
type DownstreamMode string

const (
	DownstreamStream DownstreamMode = "stream"
	DownstreamFile   DownstreamMode = "file"
)

// RoleOptions carries per-role adapter overrides (spec.md "Pipeline Entry").
type RoleOptions struct {
	Model             string `mapstructure:"model"`
	Voice             string `mapstructure:"voice"`
	Language          string `mapstructure:"language"`
	SampleRate        int    `mapstructure:"sample_rate" validate:"required"`
	Encoding          string `mapstructure:"encoding" validate:"required"`
	ResponseTimeoutSec int   `mapstructure:"response_timeout_sec" validate:"required,gt=0"`
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	JSONKey           string `mapstructure:"json_key"`
}

// Timeout returns ResponseTimeoutSec as a time.Duration.
func (r RoleOptions) Timeout() time.Duration {
	return time.Duration(r.ResponseTimeoutSec) * time.Second
}

// PipelineEntry is an immutable-at-call-start configuration of one named
// pipeline: the three `<provider>_<role>` adapter keys plus per-role options.
type PipelineEntry struct {
	STTKey  string      `mapstructure:"stt" validate:"required"`
	LLMKey  string      `mapstructure:"llm" validate:"required"`
	TTSKey  string      `mapstructure:"tts" validate:"required"`
	Options RoleOptionsByRole `mapstructure:"options"`
}

// RoleOptionsByRole groups per-role option overrides for one pipeline entry.
type RoleOptionsByRole struct {
	STT RoleOptions `mapstructure:"stt"`
	LLM RoleOptions `mapstructure:"llm"`
	TTS RoleOptions `mapstructure:"tts"`
}

// AsteriskConfig is the ARI connection info (spec.md section 6).
type AsteriskConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	AppName  string `mapstructure:"app_name" validate:"required"`
}

// StreamingConfig tunes the streaming playback manager (C9).
type StreamingConfig struct {
	SampleRate          int `mapstructure:"sample_rate" validate:"required"`
	JitterBufferMs      int `mapstructure:"jitter_buffer_ms" validate:"required,gt=0"`
	KeepaliveIntervalMs int `mapstructure:"keepalive_interval_ms" validate:"required,gt=0"`
	ConnectionTimeoutMs int `mapstructure:"connection_timeout_ms" validate:"required,gt=0"`
	FallbackTimeoutMs   int `mapstructure:"fallback_timeout_ms" validate:"required,gt=0"`
	ChunkSizeMs         int `mapstructure:"chunk_size_ms" validate:"required,gt=0"`
}

// ConversationConfig exposes the barge-in parameters flagged as an Open
// Question in spec.md section 9 (resolved per SPEC_FULL.md section 5.2).
type ConversationConfig struct {
	Greeting             string `mapstructure:"greeting"`
	MaxContext           int    `mapstructure:"max_context" validate:"required,gt=0"`
	BargeInMs            int    `mapstructure:"barge_in_ms" validate:"required,gt=0"`
	BargeInRMSThreshold  int    `mapstructure:"barge_in_rms_threshold" validate:"required,gt=0"`
	SystemMessage        string `mapstructure:"system_message"`
}

// RTPConfig configures the RTP/UDP transport listener.
type RTPConfig struct {
	ListenHost  string `mapstructure:"listen_host"`
	ListenPort  int    `mapstructure:"listen_port"`
	PayloadType uint8  `mapstructure:"payload_type"`
}

// AudioSocketConfig configures the framed-TCP transport listener.
type AudioSocketConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

// MediaConfig configures file-based playback (C8).
type MediaConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// SessionConfig tunes the session store TTL sweep (C3).
type SessionConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// AdminConfig configures the ambient health-check HTTP surface.
type AdminConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Config is the single structured document described in spec.md section 6.
type Config struct {
	ServiceName     string                   `mapstructure:"service_name"`
	LogLevel        string                   `mapstructure:"log_level"`
	AudioTransport  AudioTransport           `mapstructure:"audio_transport" validate:"required,oneof=rtp audiosocket"`
	DownstreamMode  DownstreamMode           `mapstructure:"downstream_mode" validate:"required,oneof=stream file"`
	Pipelines       map[string]PipelineEntry `mapstructure:"pipelines" validate:"required,min=1,dive"`
	ActivePipeline  string                   `mapstructure:"active_pipeline"`
	Providers       map[string]map[string]interface{} `mapstructure:"providers"`
	Asterisk        AsteriskConfig           `mapstructure:"asterisk" validate:"required"`
	Streaming       StreamingConfig          `mapstructure:"streaming" validate:"required"`
	Conversation    ConversationConfig       `mapstructure:"conversation" validate:"required"`
	RTP             RTPConfig                `mapstructure:"rtp"`
	AudioSocket     AudioSocketConfig        `mapstructure:"audiosocket"`
	Media           MediaConfig              `mapstructure:"media" validate:"required"`
	Session         SessionConfig            `mapstructure:"session"`
	Admin           AdminConfig              `mapstructure:"admin"`
}

// Load reads the YAML configuration document at path (or from ENGINE_CONFIG
// env var if path is empty), applies defaults, and validates the result.
// Mirrors api/integration-api/config.InitConfig's viper-plus-defaults shape,
// adapted from .env key/value pairs to a single YAML document per spec.md.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("ENGINE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.ActivePipeline == "" {
		for name := range cfg.Pipelines {
			cfg.ActivePipeline = name
			break
		}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	if _, ok := cfg.Pipelines[cfg.ActivePipeline]; !ok {
		return nil, fmt.Errorf("config: active_pipeline %q not present in pipelines", cfg.ActivePipeline)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "callengine")
	v.SetDefault("log_level", "info")
	v.SetDefault("audio_transport", "audiosocket")
	v.SetDefault("downstream_mode", "stream")
	v.SetDefault("media.dir", "/var/lib/asterisk/sounds/ai-generated")
	v.SetDefault("session.max_age", "1h")
	v.SetDefault("admin.host", "0.0.0.0")
	v.SetDefault("admin.port", 9191)
	v.SetDefault("rtp.listen_host", "0.0.0.0")
	v.SetDefault("rtp.listen_port", 0)
	v.SetDefault("rtp.payload_type", 0)
	v.SetDefault("audiosocket.listen_host", "0.0.0.0")
	v.SetDefault("audiosocket.listen_port", 18000)
	v.SetDefault("conversation.max_context", 50)
	v.SetDefault("conversation.barge_in_ms", 150)
	v.SetDefault("conversation.barge_in_rms_threshold", 800)
	v.SetDefault("streaming.sample_rate", 8000)
	v.SetDefault("streaming.jitter_buffer_ms", 60)
	v.SetDefault("streaming.keepalive_interval_ms", 1000)
	v.SetDefault("streaming.connection_timeout_ms", 5000)
	v.SetDefault("streaming.fallback_timeout_ms", 2000)
	v.SetDefault("streaming.chunk_size_ms", 20)
}
