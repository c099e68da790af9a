// Package vad defines the per-frame voice activity detection contract.
// A detector labels each captured frame independently; turning labeled
// frames into utterance boundaries is the segmenter's job, not the VAD's.
package vad

import (
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// VAD-specific error variables for provider implementations.
var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// Decision is the per-frame classification result. It is derived from one
// AudioFrame only; detectors must not carry state between frames.
type Decision struct {
	Seq        uint64
	IsSpeech   bool
	Confidence float32 // 0.0 to 1.0, optional (0 when the detector has none)
}

// Capabilities describes the capabilities of a VAD provider.
type Capabilities struct {
	SampleRates []int
	FrameSizes  []time.Duration
	Sensitivity float32 // 0.0 to 1.0
}

// VAD is the main interface for voice activity detection providers.
// Classify runs on the real-time capture path: implementations must not
// block, allocate heavily, or call out to I/O.
type VAD interface {
	// Classify labels a single frame as speech or non-speech.
	Classify(frame rtc.AudioFrame) Decision

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
