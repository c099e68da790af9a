package plugin

import "github.com/voiceloop/voiceloop/pkg/ai/vad"

// The energy VAD ships with the core and needs no model files, so it
// registers here rather than in a provider package. It is the fallback
// when the silero build tag is off.
func init() {
	Register(KindVAD, "energy", func(cfg map[string]any) (any, error) {
		var threshold float32
		if t, ok := cfg["threshold"].(float64); ok && t > 0 {
			threshold = float32(t)
		}
		return vad.NewEnergyVAD(threshold), nil
	})
}
