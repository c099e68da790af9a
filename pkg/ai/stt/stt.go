// Package stt provides the transcription service contract: a finished
// utterance's audio goes in, a transcript comes out. Providers are batch
// oriented; the orchestrator calls Transcribe once per finalized utterance.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/voiceloop/voiceloop/pkg/ai"
)

// Transcription failure kinds. All three abandon the current turn; the
// distinction is surfaced in events and logs.
var (
	// ErrTimeout indicates the service did not answer within the configured
	// deadline.
	ErrTimeout = fmt.Errorf("transcription timeout: %w", ai.ErrRecoverable)

	// ErrServiceUnavailable indicates the service could not be reached or
	// refused the request.
	ErrServiceUnavailable = fmt.Errorf("transcription service unavailable: %w", ai.ErrRecoverable)

	// ErrDecodeFailure indicates the service could not make sense of the
	// audio payload.
	ErrDecodeFailure = fmt.Errorf("transcription decode failure: %w", ai.ErrFatal)
)

// IsTimeout reports whether err is (or wraps) a transcription timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Request contains one utterance's audio and a language hint.
type Request struct {
	PCM         []byte // 16-bit little-endian mono PCM
	SampleRate  int
	NumChannels int
	Language    string // BCP-47 hint, e.g. "en"
}

// Capabilities describes the capabilities of a transcription provider.
type Capabilities struct {
	SupportedLanguages []string
	SampleRates        []int
}

// Transcriber converts a finished utterance's audio into text.
type Transcriber interface {
	// Transcribe blocks until the transcript is available or ctx expires.
	// An empty transcript with a nil error is a valid outcome (silence or
	// unintelligible audio).
	Transcribe(ctx context.Context, req Request) (string, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() Capabilities
}
