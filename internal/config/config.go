// Package config provides the configuration schema, loader, and file watcher
// for the portero telephony bridge.
package config

import (
	"log/slog"
	"time"

	"github.com/javierd009/agente-portero-sub000/internal/tools"
)

// LogLevel controls log verbosity for the bridge.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Audio    AudioConfig    `yaml:"audio"`
	Playback PlaybackConfig `yaml:"playback"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Tools    ToolsConfig    `yaml:"tools"`
	CDR      CDRConfig      `yaml:"cdr"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the telephony bridge listens on.
	ListenAddr string `yaml:"listen_addr"`

	// HTTPAddr is the address of the HTTP sidecar serving health checks and
	// Prometheus metrics.
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel controls verbosity. It can be changed at runtime through the
	// config watcher.
	LogLevel LogLevel `yaml:"log_level"`
}

// BridgeConfig holds per-connection timing settings.
type BridgeConfig struct {
	// InactivityTimeout ends a call when the telephony peer sends nothing
	// for this long.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// HandshakeTimeout bounds how long a new connection may take to send
	// its identifying message.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AudioConfig holds the sample-rate and framing parameters of the two legs.
type AudioConfig struct {
	// TelephonyRate is the sample rate of the socket leg in Hz.
	TelephonyRate int `yaml:"telephony_rate"`

	// RealtimeRate is the sample rate of the realtime backend in Hz.
	RealtimeRate int `yaml:"realtime_rate"`

	// FrameDuration is the wall-clock length of one telephony frame.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// GateThreshold is the RMS amplitude below which inbound frames are
	// replaced with silence before reaching the model. Zero disables the
	// gate.
	GateThreshold float64 `yaml:"gate_threshold"`
}

// PlaybackConfig tunes the outbound playback scheduler.
type PlaybackConfig struct {
	// PrebufferFrames is the queue depth required before playback of an
	// assistant turn starts.
	PrebufferFrames int `yaml:"prebuffer_frames"`

	// MaxQueueFrames bounds the playback queue; the oldest frame is dropped
	// on overflow.
	MaxQueueFrames int `yaml:"max_queue_frames"`

	// MaxSilenceFrames is how many missing frames the scheduler papers over
	// with silence before declaring the turn finished.
	MaxSilenceFrames int `yaml:"max_silence_frames"`
}

// RealtimeConfig selects and tunes the realtime conversation backend.
type RealtimeConfig struct {
	// APIKey authenticates against the backend. Required.
	APIKey string `yaml:"api_key"`

	// Model overrides the backend's default realtime model.
	Model string `yaml:"model"`

	// Voice selects the synthesised voice. Empty uses the backend default.
	Voice string `yaml:"voice"`

	// BaseURL overrides the backend's default endpoint, e.g. for proxies.
	BaseURL string `yaml:"base_url"`

	// Instructions is the system prompt defining the assistant's persona.
	Instructions string `yaml:"instructions"`

	// VADThreshold tunes the server-side voice activity detector. The
	// useful range for telephony audio is 0.5 to 0.9.
	VADThreshold float64 `yaml:"vad_threshold"`

	// PrefixPaddingMs is the audio included before detected speech onset.
	PrefixPaddingMs int `yaml:"prefix_padding_ms"`

	// SilenceDurationMs is how long the caller must stay silent before the
	// backend considers the turn finished.
	SilenceDurationMs int `yaml:"silence_duration_ms"`
}

// ToolsConfig lists the MCP servers whose tools are offered to the model.
type ToolsConfig struct {
	Servers []ToolServerConfig `yaml:"servers"`
}

// ToolServerConfig describes one MCP server connection.
type ToolServerConfig struct {
	// Name identifies the server in logs and metrics. Must be unique.
	Name string `yaml:"name"`

	// Transport selects how to reach the server: "stdio" or
	// "streamable-http".
	Transport tools.Transport `yaml:"transport"`

	// Command is the executable line for stdio servers.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http servers.
	URL string `yaml:"url"`

	// Env holds extra environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// CDRConfig configures call-detail-record persistence.
type CDRConfig struct {
	// PostgresDSN is the database connection string. Empty disables CDR
	// persistence entirely.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// applyDefaults fills unset fields with production defaults. It runs after
// decoding and before validation so a minimal config file stays minimal.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8091"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Bridge.InactivityTimeout == 0 {
		c.Bridge.InactivityTimeout = 30 * time.Second
	}
	if c.Bridge.HandshakeTimeout == 0 {
		c.Bridge.HandshakeTimeout = 5 * time.Second
	}
	if c.Audio.TelephonyRate == 0 {
		c.Audio.TelephonyRate = 8000
	}
	if c.Audio.RealtimeRate == 0 {
		c.Audio.RealtimeRate = 24000
	}
	if c.Audio.FrameDuration == 0 {
		c.Audio.FrameDuration = 20 * time.Millisecond
	}
	if c.Playback.PrebufferFrames == 0 {
		c.Playback.PrebufferFrames = 10
	}
	if c.Playback.MaxQueueFrames == 0 {
		c.Playback.MaxQueueFrames = 1000
	}
	if c.Playback.MaxSilenceFrames == 0 {
		c.Playback.MaxSilenceFrames = 40
	}
	if c.Realtime.VADThreshold == 0 {
		c.Realtime.VADThreshold = 0.6
	}
	if c.Realtime.PrefixPaddingMs == 0 {
		c.Realtime.PrefixPaddingMs = 300
	}
	if c.Realtime.SilenceDurationMs == 0 {
		c.Realtime.SilenceDurationMs = 800
	}
}

// SlogLevel maps the configured level to a slog level.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
