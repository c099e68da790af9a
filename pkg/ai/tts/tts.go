// Package tts defines the speech synthesizer contract. Each reply text
// chunk is rendered into a lazy sequence of audio chunks that the playback
// sink consumes in order.
package tts

import (
	"context"

	"github.com/voiceloop/voiceloop/pkg/ai"
)

// TTS-specific error variables for provider implementations.
var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// AudioChunk is one incremental unit of synthesized speech.
type AudioChunk struct {
	PCM         []byte // 16-bit PCM, little-endian
	SampleRate  int
	NumChannels int
}

// SynthesizeRequest contains one text chunk and voice parameters.
type SynthesizeRequest struct {
	Text     string
	Voice    string
	Language string
	Speed    float32
	Pitch    float32
}

// Stream is one in-flight synthesis. Chunks arrive strictly in synthesis
// order; the channel closes when the text is fully rendered. After the
// channel closes, Err reports whether synthesis ended cleanly. Close
// cancels the stream.
type Stream interface {
	Chunks() <-chan AudioChunk
	Err() error
	Close()
}

// Capabilities describes the capabilities of a TTS provider.
type Capabilities struct {
	SupportedLanguages   []string
	SupportedVoices      []string
	SampleRates          []int
	SupportsSpeedControl bool
	SupportsPitchControl bool
}

// TTS is the main interface for speech synthesizer providers.
type TTS interface {
	// Synthesize begins rendering one text chunk into audio.
	Synthesize(ctx context.Context, req SynthesizeRequest) (Stream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
