// Package fake provides a deterministic streaming LLM for tests.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/llm"
)

// FakeLLM streams a canned sequence of text chunks per call. A configurable
// inter-chunk delay lets tests exercise cancellation mid-stream, and a
// forced error exercises the failure path.
type FakeLLM struct {
	mu       sync.Mutex
	chunks   []string
	delay    time.Duration
	err      error
	requests []llm.ChatRequest
}

// NewFakeLLM creates a generator that streams the given chunks on every
// call. With no chunks it streams a short default reply.
func NewFakeLLM(chunks ...string) *FakeLLM {
	if len(chunks) == 0 {
		chunks = []string{"Hello! ", "How can ", "I help?"}
	}
	return &FakeLLM{chunks: chunks}
}

// SetDelay inserts d between consecutive chunks.
func (f *FakeLLM) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetError makes the stream fail with err after the first chunk.
func (f *FakeLLM) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Requests returns a copy of every request seen so far.
func (f *FakeLLM) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

type fakeStream struct {
	ch     chan string
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *fakeStream) Chunks() <-chan string { return s.ch }

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

// ChatStream begins streaming the canned chunks.
func (f *FakeLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	chunks := make([]string, len(f.chunks))
	copy(chunks, f.chunks)
	delay := f.delay
	failWith := f.err
	f.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	s := &fakeStream{ch: make(chan string), cancel: cancel}

	go func() {
		defer close(s.ch)
		for i, chunk := range chunks {
			if i > 0 && failWith != nil {
				s.setErr(failWith)
				return
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-streamCtx.Done():
					s.setErr(streamCtx.Err())
					return
				}
			}
			select {
			case s.ch <- chunk:
			case <-streamCtx.Done():
				s.setErr(streamCtx.Err())
				return
			}
		}
	}()

	return s, nil
}

// Capabilities returns the fake capabilities.
func (f *FakeLLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		MaxTokens:          4096,
		SupportedModels:    []string{"fake-model"},
		SupportsSystemRole: true,
	}
}
