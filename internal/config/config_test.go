package config

import (
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestDefaultIsValid(t *testing.T) {
	is := is.New(t)
	is.NoErr(Validate(Default()))
}

func TestLoadOverridesDefaults(t *testing.T) {
	is := is.New(t)

	cfg, err := LoadFromReader(strings.NewReader(`
log_level: debug
audio:
  sample_rate: 8000
  frame_duration_ms: 20
guard:
  release_ms: 250
  barge_in: true
  barge_in_frames: 20
providers:
  llm:
    name: openai
    base_url: http://localhost:11434/v1
    model: llama3.2
conversation:
  system_prompt: Be terse.
`))
	is.NoErr(err)
	is.Equal(cfg.LogLevel, LogDebug)
	is.Equal(cfg.Audio.SampleRate, 8000)
	is.Equal(cfg.Guard.ReleaseMs, 250)
	is.True(cfg.Guard.BargeIn)
	is.Equal(cfg.Providers.LLM.Name, "openai")
	is.Equal(cfg.Providers.LLM.Model, "llama3.2")
	is.Equal(cfg.Conversation.SystemPrompt, "Be terse.")

	// Untouched sections keep defaults.
	is.Equal(cfg.Providers.VAD.Name, "energy")
	is.Equal(cfg.Segmenter.OnsetFrames, 5)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	is := is.New(t)
	_, err := LoadFromReader(strings.NewReader("audio:\n  sampel_rate: 16000\n"))
	is.True(err != nil)
}

func TestValidateJoinsAllFailures(t *testing.T) {
	is := is.New(t)

	cfg := Default()
	cfg.Audio.SampleRate = 44100
	cfg.Audio.FrameDurationMs = 25
	cfg.Segmenter.OnsetFrames = 0
	cfg.Providers.STT.Name = ""

	err := Validate(cfg)
	is.True(err != nil)
	msg := err.Error()
	is.True(strings.Contains(msg, "audio.sample_rate"))
	is.True(strings.Contains(msg, "audio.frame_duration_ms"))
	is.True(strings.Contains(msg, "segmenter.onset_frames"))
	is.True(strings.Contains(msg, "providers.stt.name"))
}

func TestBargeInFramesMustExceedOnset(t *testing.T) {
	is := is.New(t)

	cfg := Default()
	cfg.Guard.BargeIn = true
	cfg.Guard.BargeInFrames = cfg.Segmenter.OnsetFrames

	err := Validate(cfg)
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "barge_in_frames"))
}

func TestProviderConfigMap(t *testing.T) {
	is := is.New(t)

	entry := ProviderEntry{
		Name:    "openai",
		APIKey:  "sk-test",
		Model:   "whisper-1",
		Options: map[string]any{"model": "ignored", "threshold": 0.3},
	}

	m := entry.ConfigMap()
	is.Equal(m["api_key"], "sk-test")
	is.Equal(m["model"], "whisper-1") // standard field wins over options
	is.Equal(m["threshold"], 0.3)
}
