// Package config provides the configuration schema and loader for the
// voiceloop runtime.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
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

// Config is the root configuration, typically loaded from YAML with [Load].
type Config struct {
	LogLevel     LogLevel           `yaml:"log_level"`
	Audio        AudioConfig        `yaml:"audio"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	Guard        GuardConfig        `yaml:"guard"`
	Playback     PlaybackConfig     `yaml:"playback"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Conversation ConversationConfig `yaml:"conversation"`
	Face         FaceConfig         `yaml:"face"`
	Debug        DebugConfig        `yaml:"debug"`
}

// AudioConfig describes the capture format and optional file I/O.
type AudioConfig struct {
	// SampleRate of capture frames. 8000, 16000, or 48000.
	SampleRate int `yaml:"sample_rate"`

	// FrameDurationMs is the capture frame size: 10, 20, or 30.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// InputWAV, when set, replays a WAV file instead of a live microphone.
	InputWAV string `yaml:"input_wav"`

	// OutputWAV, when set, records reply audio to a WAV file alongside
	// the speaker.
	OutputWAV string `yaml:"output_wav"`
}

// FrameDuration returns the frame size as a duration.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameDurationMs) * time.Millisecond
}

// SegmenterConfig tunes utterance boundary detection.
type SegmenterConfig struct {
	OnsetFrames    int `yaml:"onset_frames"`
	HangoverFrames int `yaml:"hangover_frames"`
	PreRollFrames  int `yaml:"pre_roll_frames"`
	MinDurationMs  int `yaml:"min_duration_ms"`
}

// GuardConfig tunes echo suppression and barge-in.
type GuardConfig struct {
	// ReleaseMs is the distrust window after playback goes idle.
	ReleaseMs int `yaml:"release_ms"`

	// BargeIn lets sustained speech interrupt a playing reply.
	BargeIn bool `yaml:"barge_in"`

	// BargeInFrames is the consecutive-speech-frame threshold for an
	// interrupt. Must exceed segmenter.onset_frames.
	BargeInFrames int `yaml:"barge_in_frames"`
}

// PlaybackConfig tunes the sink.
type PlaybackConfig struct {
	// HardStop truncates the playing chunk on barge-in instead of letting
	// it finish.
	HardStop bool `yaml:"hard_stop"`
}

// ProvidersConfig selects a provider per pipeline stage.
type ProvidersConfig struct {
	VAD ProviderEntry `yaml:"vad"`
	STT ProviderEntry `yaml:"stt"`
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the registered plugin.
type ProviderEntry struct {
	Name    string         `yaml:"name"`
	APIKey  string         `yaml:"api_key"`
	BaseURL string         `yaml:"base_url"`
	Model   string         `yaml:"model"`
	Voice   string         `yaml:"voice"`
	Options map[string]any `yaml:"options"`
}

// ConfigMap flattens the entry into the map a plugin factory consumes.
// Standard fields win over same-named keys in Options.
func (p ProviderEntry) ConfigMap() map[string]any {
	out := make(map[string]any, len(p.Options)+4)
	for k, v := range p.Options {
		out[k] = v
	}
	if p.APIKey != "" {
		out["api_key"] = p.APIKey
	}
	if p.BaseURL != "" {
		out["base_url"] = p.BaseURL
	}
	if p.Model != "" {
		out["model"] = p.Model
	}
	if p.Voice != "" {
		out["voice"] = p.Voice
	}
	return out
}

// ConversationConfig tunes the turn machine.
type ConversationConfig struct {
	SystemPrompt        string  `yaml:"system_prompt"`
	Language            string  `yaml:"language"`
	Voice               string  `yaml:"voice"`
	Speed               float32 `yaml:"speed"`
	Pitch               float32 `yaml:"pitch"`
	MaxHistoryTurns     int     `yaml:"max_history_turns"`
	TranscribeTimeoutMs int     `yaml:"transcribe_timeout_ms"`
	FirstTokenTimeoutMs int     `yaml:"first_token_timeout_ms"`
	FirstChunkTimeoutMs int     `yaml:"first_chunk_timeout_ms"`
}

// FaceConfig enables the websocket bridge that streams state and level
// events to a face renderer.
type FaceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DebugConfig exposes expvar metrics over HTTP when ListenAddr is set.
type DebugConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given: energy VAD
// and fake providers, so the binary runs offline out of the box.
func Default() *Config {
	return &Config{
		LogLevel: LogInfo,
		Audio: AudioConfig{
			SampleRate:      16000,
			FrameDurationMs: 30,
		},
		Segmenter: SegmenterConfig{
			OnsetFrames:    5,
			HangoverFrames: 10,
			PreRollFrames:  12,
			MinDurationMs:  200,
		},
		Guard: GuardConfig{
			ReleaseMs:     400,
			BargeIn:       false,
			BargeInFrames: 15,
		},
		Providers: ProvidersConfig{
			VAD: ProviderEntry{Name: "energy"},
			STT: ProviderEntry{Name: "fake"},
			LLM: ProviderEntry{Name: "fake"},
			TTS: ProviderEntry{Name: "fake"},
		},
		Conversation: ConversationConfig{
			SystemPrompt:    "You are a friendly voice companion. Keep replies short and conversational.",
			MaxHistoryTurns: 16,
		},
		Face: FaceConfig{
			ListenAddr: ":8787",
		},
	}
}

// Load reads and validates the YAML file at path. Unset fields fall back
// to [Default] values.
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

// LoadFromReader decodes YAML over the defaults and validates the result.
// Unknown fields are rejected so typos fail loudly at startup.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherence and returns a joined error listing
// every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	switch cfg.Audio.SampleRate {
	case 8000, 16000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: 8000, 16000, 48000", cfg.Audio.SampleRate))
	}
	switch cfg.Audio.FrameDurationMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is invalid; valid values: 10, 20, 30", cfg.Audio.FrameDurationMs))
	}

	if cfg.Segmenter.OnsetFrames <= 0 {
		errs = append(errs, errors.New("segmenter.onset_frames must be positive"))
	}
	if cfg.Segmenter.HangoverFrames <= 0 {
		errs = append(errs, errors.New("segmenter.hangover_frames must be positive"))
	}
	if cfg.Segmenter.PreRollFrames < cfg.Segmenter.OnsetFrames {
		errs = append(errs, fmt.Errorf("segmenter.pre_roll_frames (%d) must be at least onset_frames (%d)",
			cfg.Segmenter.PreRollFrames, cfg.Segmenter.OnsetFrames))
	}
	if cfg.Segmenter.MinDurationMs < 0 {
		errs = append(errs, errors.New("segmenter.min_duration_ms must not be negative"))
	}

	if cfg.Guard.ReleaseMs < 0 {
		errs = append(errs, errors.New("guard.release_ms must not be negative"))
	}
	if cfg.Guard.BargeIn && cfg.Guard.BargeInFrames <= cfg.Segmenter.OnsetFrames {
		errs = append(errs, fmt.Errorf("guard.barge_in_frames (%d) must exceed segmenter.onset_frames (%d), or reply echo would pass as an interrupt",
			cfg.Guard.BargeInFrames, cfg.Segmenter.OnsetFrames))
	}

	for kind, entry := range map[string]ProviderEntry{
		"vad": cfg.Providers.VAD,
		"stt": cfg.Providers.STT,
		"llm": cfg.Providers.LLM,
		"tts": cfg.Providers.TTS,
	} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name must be set", kind))
		}
	}

	if cfg.Conversation.MaxHistoryTurns < 0 {
		errs = append(errs, errors.New("conversation.max_history_turns must not be negative"))
	}
	if cfg.Face.Enabled && cfg.Face.ListenAddr == "" {
		errs = append(errs, errors.New("face.listen_addr must be set when face.enabled is true"))
	}

	return errors.Join(errs...)
}
