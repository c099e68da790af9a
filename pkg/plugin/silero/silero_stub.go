//go:build !silero

package silero

import (
	"fmt"

	"github.com/voiceloop/voiceloop/pkg/plugin"
)

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindVAD,
		Name:        "silero",
		Factory:     newUnavailable,
		Description: "Silero neural VAD (requires -tags=silero)",
		Version:     "1.0.0",
	})
}

func newUnavailable(cfg map[string]any) (any, error) {
	return nil, fmt.Errorf("silero VAD not compiled in (build with -tags=silero and install the onnxruntime shared library)")
}
