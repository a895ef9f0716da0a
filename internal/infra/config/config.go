// Package config provides configuration loading from YAML files.
package config

import (
	"net/url"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Transport    TransportConfig    `yaml:"transport"`
	Conversation ConversationConfig `yaml:"conversation"`
	VAD          VADConfig          `yaml:"vad"`
	Capture      CaptureConfig      `yaml:"capture"`
	Playback     PlaybackConfig     `yaml:"playback"`
	Audio        AudioConfig        `yaml:"audio"`
	Hooks        HooksConfig        `yaml:"hooks"`
}

// TransportConfig represents the agent connection configuration.
type TransportConfig struct {
	Endpoint         string `yaml:"endpoint" default:"ws://localhost:8000/ws/audio" validate:"required"`
	DialTimeoutMs    int    `yaml:"dial_timeout_ms" default:"5000" validate:"gte=100,lte=60000"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms" default:"1000" validate:"gte=0,lte=60000"`
	FatalCloseCode   int    `yaml:"fatal_close_code" default:"1006" validate:"gte=1000,lte=4999"`
	CloseGraceMs     int    `yaml:"close_grace_ms" default:"200" validate:"gte=0,lte=10000"`
	WriteTimeoutMs   int    `yaml:"write_timeout_ms" default:"2000" validate:"gte=0,lte=60000"`
}

// ConversationConfig represents turn-taking configuration.
type ConversationConfig struct {
	Greeting               string `yaml:"greeting"`
	SilenceDebounceMs      int    `yaml:"silence_debounce_ms" default:"2000" validate:"gte=0,lte=60000"`
	InterruptionCooldownMs int    `yaml:"interruption_cooldown_ms" default:"100" validate:"gte=0,lte=10000"`
	MaxTopics              int    `yaml:"max_topics" default:"5" validate:"gte=1,lte=100"`
	MinTopicLen            int    `yaml:"min_topic_len" default:"5" validate:"gte=1,lte=64"`
}

// VADConfig represents voice activity detection configuration.
type VADConfig struct {
	Threshold       float64 `yaml:"threshold" default:"0.08" validate:"gt=0,lt=1"`
	Gain            float64 `yaml:"gain" default:"5" validate:"gt=0"`
	WindowSize      int     `yaml:"window_size" default:"2048" validate:"gte=32,lte=65536"`
	FrameIntervalMs int     `yaml:"frame_interval_ms" default:"16" validate:"gte=1,lte=1000"`
}

// CaptureConfig represents microphone capture configuration.
type CaptureConfig struct {
	ChunkMs    int `yaml:"chunk_ms" default:"200" validate:"gte=10,lte=5000"`
	SendBuffer int `yaml:"send_buffer" default:"32" validate:"gte=1,lte=1024"`
}

// PlaybackConfig represents agent speech playback configuration.
type PlaybackConfig struct {
	RetryDelayMs   int `yaml:"retry_delay_ms" default:"100" validate:"gte=0,lte=10000"`
	FeederBuffer   int `yaml:"feeder_buffer" default:"64" validate:"gte=1,lte=4096"`
	OutputBufferMs int `yaml:"output_buffer_ms" default:"100" validate:"gte=10,lte=2000"`
}

// AudioConfig represents device configuration.
type AudioConfig struct {
	InputBackend     string         `yaml:"input_backend" default:"miniaudio" validate:"oneof=miniaudio portaudio"`
	SampleRate       int            `yaml:"sample_rate" default:"16000" validate:"gte=8000,lte=192000"`
	Channels         int            `yaml:"channels" default:"1" validate:"gte=1,lte=2"`
	ShareInput       bool           `yaml:"share_input"`
	OutputSampleRate int            `yaml:"output_sample_rate" default:"24000" validate:"gte=8000,lte=192000"`
	OutputChannels   int            `yaml:"output_channels" default:"1" validate:"gte=1,lte=2"`
	Settings         map[string]any `yaml:"settings,omitempty"`
}

// HooksConfig represents call lifecycle hooks configuration.
type HooksConfig struct {
	OnCallStarted []string `yaml:"on_call_started"`
	OnCallEnded   []string `yaml:"on_call_ended"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes. Empty input yields defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.overrideFromEnv()
	// defaults.Set only fails on malformed tags.
	_ = defaults.Set(&cfg)
	return &cfg
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("TALKBOX_ENDPOINT"); v != "" {
		c.Transport.Endpoint = v
	}
	if v := os.Getenv("TALKBOX_GREETING"); v != "" {
		c.Conversation.Greeting = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	u, err := url.Parse(c.Transport.Endpoint)
	if err != nil {
		return errors.Wrap(err, "failed to parse transport endpoint")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Newf("transport endpoint must use ws or wss: %s", c.Transport.Endpoint)
	}
	if u.Host == "" {
		return errors.Newf("transport endpoint has no host: %s", c.Transport.Endpoint)
	}

	return nil
}

// DialTimeout returns the dial timeout as a duration.
func (t TransportConfig) DialTimeout() time.Duration {
	return time.Duration(t.DialTimeoutMs) * time.Millisecond
}

// ReconnectDelay returns the reconnect delay as a duration.
func (t TransportConfig) ReconnectDelay() time.Duration {
	return time.Duration(t.ReconnectDelayMs) * time.Millisecond
}

// CloseGrace returns the close grace period as a duration.
func (t TransportConfig) CloseGrace() time.Duration {
	return time.Duration(t.CloseGraceMs) * time.Millisecond
}

// WriteTimeout returns the per-message write deadline.
func (t TransportConfig) WriteTimeout() time.Duration {
	return time.Duration(t.WriteTimeoutMs) * time.Millisecond
}

// SilenceDebounce returns the end-of-utterance silence as a duration.
func (c ConversationConfig) SilenceDebounce() time.Duration {
	return time.Duration(c.SilenceDebounceMs) * time.Millisecond
}

// InterruptionCooldown returns the barge-in cooldown as a duration.
func (c ConversationConfig) InterruptionCooldown() time.Duration {
	return time.Duration(c.InterruptionCooldownMs) * time.Millisecond
}

// FrameInterval returns the detector frame cadence.
func (v VADConfig) FrameInterval() time.Duration {
	return time.Duration(v.FrameIntervalMs) * time.Millisecond
}

// ChunkDuration returns the capture chunk length.
func (c CaptureConfig) ChunkDuration() time.Duration {
	return time.Duration(c.ChunkMs) * time.Millisecond
}

// RetryDelay returns the playback retry delay.
func (p PlaybackConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// OutputBuffer returns the speaker buffer length.
func (p PlaybackConfig) OutputBuffer() time.Duration {
	return time.Duration(p.OutputBufferMs) * time.Millisecond
}
