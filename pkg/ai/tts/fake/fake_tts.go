// Package fake provides a deterministic synthesizer for tests.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/tts"
)

const fakeSampleRate = 16000

// FakeTTS renders each request into sine-wave audio chunks: one chunk per
// ChunksPerRequest, sized proportionally to the text length. Deterministic
// and silent-fast unless a delay is configured.
type FakeTTS struct {
	mu               sync.Mutex
	chunksPerRequest int
	delay            time.Duration
	err              error
	requests         []tts.SynthesizeRequest
}

// NewFakeTTS creates a synthesizer producing one audio chunk per request.
func NewFakeTTS() *FakeTTS {
	return &FakeTTS{chunksPerRequest: 1}
}

// SetChunksPerRequest makes each Synthesize call emit n chunks.
func (f *FakeTTS) SetChunksPerRequest(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 1 {
		n = 1
	}
	f.chunksPerRequest = n
}

// SetDelay inserts d before each emitted chunk.
func (f *FakeTTS) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetError makes every subsequent synthesis fail before the first chunk.
func (f *FakeTTS) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Requests returns a copy of every request seen so far.
func (f *FakeTTS) Requests() []tts.SynthesizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tts.SynthesizeRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

type fakeStream struct {
	ch     chan tts.AudioChunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *fakeStream) Chunks() <-chan tts.AudioChunk { return s.ch }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() { s.cancel() }

func (s *fakeStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Synthesize renders the request into sine-wave chunks.
func (f *FakeTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := f.chunksPerRequest
	delay := f.delay
	failWith := f.err
	f.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	s := &fakeStream{ch: make(chan tts.AudioChunk), cancel: cancel}

	go func() {
		defer close(s.ch)

		if failWith != nil {
			s.setErr(failWith)
			return
		}

		// ~10ms of audio per character, split across n chunks.
		totalSamples := len(req.Text) * fakeSampleRate / 100
		if totalSamples < n*fakeSampleRate/100 {
			totalSamples = n * fakeSampleRate / 100
		}
		perChunk := totalSamples / n

		for i := 0; i < n; i++ {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-streamCtx.Done():
					s.setErr(streamCtx.Err())
					return
				}
			}

			pcm := make([]byte, perChunk*2)
			for j := 0; j < perChunk; j++ {
				sample := math.Sin(2*math.Pi*440*float64(i*perChunk+j)/fakeSampleRate) * 0.3
				intSample := int16(sample * 32767)
				pcm[j*2] = byte(intSample)
				pcm[j*2+1] = byte(intSample >> 8)
			}

			select {
			case s.ch <- tts.AudioChunk{PCM: pcm, SampleRate: fakeSampleRate, NumChannels: 1}:
			case <-streamCtx.Done():
				s.setErr(streamCtx.Err())
				return
			}
		}
	}()

	return s, nil
}

// Capabilities returns the fake capabilities.
func (f *FakeTTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedLanguages:   []string{"en"},
		SupportedVoices:      []string{"fake-voice"},
		SampleRates:          []int{fakeSampleRate},
		SupportsSpeedControl: true,
		SupportsPitchControl: true,
	}
}
