// Package fake provides a deterministic transcriber for tests.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/stt"
)

// FakeSTT returns canned transcripts in order. It can be configured with a
// synthetic delay and a forced error to exercise the failure paths.
type FakeSTT struct {
	mu          sync.Mutex
	transcripts []string
	next        int
	delay       time.Duration
	err         error
	requests    []stt.Request
}

// NewFakeSTT creates a transcriber that cycles through the given transcripts.
func NewFakeSTT(transcripts ...string) *FakeSTT {
	if len(transcripts) == 0 {
		transcripts = []string{"hello there"}
	}
	return &FakeSTT{transcripts: transcripts}
}

// SetDelay makes every Transcribe call take at least d.
func (f *FakeSTT) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetError makes every subsequent Transcribe call fail with err.
func (f *FakeSTT) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Requests returns a copy of every request seen so far.
func (f *FakeSTT) Requests() []stt.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stt.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// Transcribe returns the next canned transcript.
func (f *FakeSTT) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	delay := f.delay
	err := f.err
	text := f.transcripts[f.next%len(f.transcripts)]
	f.next++
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", stt.ErrTimeout
		}
	}
	if err != nil {
		return "", err
	}
	if ctx.Err() != nil {
		return "", stt.ErrTimeout
	}
	return text, nil
}

// Capabilities returns the fake capabilities.
func (f *FakeSTT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		SupportedLanguages: []string{"en"},
		SampleRates:        []int{16000, 48000},
	}
}
