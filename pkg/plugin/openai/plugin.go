// Package openai provides providers backed by the OpenAI API surface:
// Whisper transcription, streaming chat completion, and speech synthesis.
// A base_url override points the same client at any compatible server,
// which is how a local Ollama serves as the response generator.
package openai

import (
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceloop/voiceloop/pkg/plugin"
)

func init() {
	plugin.Register(plugin.KindSTT, "openai", newSTT)
	plugin.Register(plugin.KindLLM, "openai", newLLM)
	plugin.Register(plugin.KindTTS, "openai", newTTS)
}

func newClient(cfg map[string]any) (*openai.Client, error) {
	apiKey := strOpt(cfg, "api_key", os.Getenv("OPENAI_API_KEY"))
	baseURL := strOpt(cfg, "base_url", "")

	// Self-hosted endpoints generally ignore the key but the client
	// requires one.
	if apiKey == "" && baseURL != "" {
		apiKey = "local"
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api_key is required (or set OPENAI_API_KEY)")
	}

	cc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cc.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cc), nil
}

func strOpt(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}
