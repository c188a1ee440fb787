package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/javierd009/agente-portero-sub000/internal/tools"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Bridge.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("bridge.inactivity_timeout must be positive"))
	}
	if cfg.Bridge.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("bridge.handshake_timeout must be positive"))
	}

	if cfg.Audio.TelephonyRate <= 0 {
		errs = append(errs, errors.New("audio.telephony_rate must be positive"))
	}
	if cfg.Audio.RealtimeRate <= 0 {
		errs = append(errs, errors.New("audio.realtime_rate must be positive"))
	}
	if cfg.Audio.FrameDuration <= 0 {
		errs = append(errs, errors.New("audio.frame_duration must be positive"))
	}
	if cfg.Audio.GateThreshold < 0 {
		errs = append(errs, errors.New("audio.gate_threshold must not be negative"))
	}

	if cfg.Playback.PrebufferFrames <= 0 {
		errs = append(errs, errors.New("playback.prebuffer_frames must be positive"))
	}
	if cfg.Playback.MaxQueueFrames <= 0 {
		errs = append(errs, errors.New("playback.max_queue_frames must be positive"))
	}
	if cfg.Playback.MaxQueueFrames < cfg.Playback.PrebufferFrames {
		errs = append(errs, errors.New("playback.max_queue_frames must be at least playback.prebuffer_frames"))
	}
	if cfg.Playback.MaxSilenceFrames < 0 {
		errs = append(errs, errors.New("playback.max_silence_frames must not be negative"))
	}

	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}
	if cfg.Realtime.VADThreshold < 0.5 || cfg.Realtime.VADThreshold > 0.9 {
		errs = append(errs, fmt.Errorf("realtime.vad_threshold %v is outside the supported range [0.5, 0.9]", cfg.Realtime.VADThreshold))
	}
	if cfg.Realtime.PrefixPaddingMs < 0 {
		errs = append(errs, errors.New("realtime.prefix_padding_ms must not be negative"))
	}
	if cfg.Realtime.SilenceDurationMs < 0 {
		errs = append(errs, errors.New("realtime.silence_duration_ms must not be negative"))
	}

	seen := make(map[string]bool, len(cfg.Tools.Servers))
	for i, srv := range cfg.Tools.Servers {
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("tools.servers[%d]: name is required", i))
		} else if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("tools.servers[%d]: duplicate name %q", i, srv.Name))
		}
		seen[srv.Name] = true

		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("tools.servers[%d]: transport %q is invalid; valid values: stdio, streamable-http", i, srv.Transport))
			continue
		}
		switch {
		case srv.Transport == tools.TransportStdio && srv.Command == "":
			errs = append(errs, fmt.Errorf("tools.servers[%d]: stdio transport requires command", i))
		case srv.Transport == tools.TransportStreamableHTTP && srv.URL == "":
			errs = append(errs, fmt.Errorf("tools.servers[%d]: streamable-http transport requires url", i))
		}
	}

	return errors.Join(errs...)
}
