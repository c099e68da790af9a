package silero

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// ModelDownloader fetches the Silero ONNX model on first use.
type ModelDownloader struct{}

// Download fetches the model unless it is already on disk.
func (d *ModelDownloader) Download() error {
	modelPath := defaultModelPath()

	if _, err := os.Stat(modelPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(modelPath), 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}

	slog.Info("downloading silero model", "url", modelURL, "path", modelPath)

	resp, err := http.Get(modelURL)
	if err != nil {
		return fmt.Errorf("downloading model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading model: unexpected status %s", resp.Status)
	}

	// Write to a temp file first so a partial download never looks like a
	// valid model.
	tmp, err := os.CreateTemp(filepath.Dir(modelPath), ModelFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("writing model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing model file: %w", err)
	}

	return os.Rename(tmp.Name(), modelPath)
}
