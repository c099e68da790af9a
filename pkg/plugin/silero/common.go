// Package silero provides the Silero VAD: an ONNX model considerably more
// robust than the energy detector, especially against keyboard noise and
// breathing. Requires the onnxruntime shared library, so it is built only
// with the silero tag; without it the factory reports how to enable it.
package silero

import (
	"os"
	"path/filepath"
)

const (
	// ModelFileName is the ONNX model file name inside the model directory.
	ModelFileName = "silero_vad.onnx"

	// DefaultThreshold is the speech probability above which a frame is
	// classified as speech.
	DefaultThreshold = 0.5

	modelURL = "https://raw.githubusercontent.com/snakers4/silero-vad/master/src/silero_vad/data/silero_vad.onnx"
)

func defaultModelPath() string {
	dir := os.Getenv("VOICELOOP_MODEL_PATH")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".voiceloop", "models")
	}
	return filepath.Join(dir, ModelFileName)
}
