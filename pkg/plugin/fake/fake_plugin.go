// Package fake registers the deterministic in-memory providers under the
// name "fake". They need no network or models, which makes them useful for
// offline demos and integration tests of the full pipeline.
package fake

import (
	llmfake "github.com/voiceloop/voiceloop/pkg/ai/llm/fake"
	sttfake "github.com/voiceloop/voiceloop/pkg/ai/stt/fake"
	ttsfake "github.com/voiceloop/voiceloop/pkg/ai/tts/fake"
	vadfake "github.com/voiceloop/voiceloop/pkg/ai/vad/fake"
	"github.com/voiceloop/voiceloop/pkg/plugin"
)

func init() {
	plugin.Register(plugin.KindVAD, "fake", func(cfg map[string]any) (any, error) {
		return vadfake.NewFakeVAD(boolSlice(cfg, "script")...), nil
	})

	plugin.Register(plugin.KindSTT, "fake", func(cfg map[string]any) (any, error) {
		transcripts := stringSlice(cfg, "transcripts")
		if len(transcripts) == 0 {
			transcripts = []string{"hello there"}
		}
		return sttfake.NewFakeSTT(transcripts...), nil
	})

	plugin.Register(plugin.KindLLM, "fake", func(cfg map[string]any) (any, error) {
		chunks := stringSlice(cfg, "chunks")
		if len(chunks) == 0 {
			chunks = []string{"I heard you. ", "Tell me more."}
		}
		return llmfake.NewFakeLLM(chunks...), nil
	})

	plugin.Register(plugin.KindTTS, "fake", func(cfg map[string]any) (any, error) {
		f := ttsfake.NewFakeTTS()
		if n, ok := cfg["chunks_per_request"].(int); ok && n > 0 {
			f.SetChunksPerRequest(n)
		}
		return f, nil
	})
}

// YAML decoding hands us []any; coerce leniently.
func stringSlice(cfg map[string]any, key string) []string {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func boolSlice(cfg map[string]any, key string) []bool {
	raw, ok := cfg[key].([]any)
	if !ok {
		return nil
	}
	out := make([]bool, 0, len(raw))
	for _, v := range raw {
		if b, ok := v.(bool); ok {
			out = append(out, b)
		}
	}
	return out
}
