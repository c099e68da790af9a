package openai

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceloop/voiceloop/pkg/ai/llm"
)

// LLM streams chat completions. Raw deltas arrive token by token, far too
// small to synthesize one at a time, so the stream coalesces them into
// sentence-sized chunks before emitting.
type LLM struct {
	client *openai.Client
	model  string
}

func newLLM(cfg map[string]any) (any, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &LLM{
		client: client,
		model:  strOpt(cfg, "model", openai.GPT4oMini),
	}, nil
}

func (l *LLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	upstream, err := l.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       l.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &chatStream{
		ch:       make(chan string, 8),
		upstream: upstream,
		cancel:   cancel,
	}
	go s.pump(streamCtx)
	return s, nil
}

func (l *LLM) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		MaxTokens:          4096,
		SupportedModels:    []string{l.model},
		SupportsSystemRole: true,
	}
}

type chatStream struct {
	ch       chan string
	upstream *openai.ChatCompletionStream
	cancel   context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *chatStream) Chunks() <-chan string { return s.ch }

func (s *chatStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *chatStream) Close() {
	s.cancel()
	s.upstream.Close()
}

func (s *chatStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *chatStream) pump(ctx context.Context) {
	defer close(s.ch)

	var co sentenceCoalescer
	emit := func(chunk string) bool {
		select {
		case s.ch <- chunk:
			return true
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return false
		}
	}

	for {
		resp, err := s.upstream.Recv()
		if errors.Is(err, io.EOF) {
			if tail := co.flush(); tail != "" {
				emit(tail)
			}
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				s.setErr(ctx.Err())
			} else {
				s.setErr(err)
			}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		for _, chunk := range co.add(resp.Choices[0].Delta.Content) {
			if !emit(chunk) {
				return
			}
		}
	}
}

// sentenceCoalescer buffers streamed deltas and cuts chunks at sentence
// punctuation. Abbreviations and decimals split early; for spoken replies
// an occasional short chunk is harmless.
type sentenceCoalescer struct {
	pending string
}

func (c *sentenceCoalescer) add(delta string) []string {
	c.pending += delta
	var out []string
	for {
		i := strings.IndexAny(c.pending, ".!?\n")
		if i < 0 {
			break
		}
		end := i + 1
		// Keep trailing punctuation runs ("...", "?!") and the following
		// space with the chunk.
		for end < len(c.pending) && strings.ContainsRune(".!?", rune(c.pending[end])) {
			end++
		}
		for end < len(c.pending) && c.pending[end] == ' ' {
			end++
		}
		chunk := c.pending[:end]
		c.pending = c.pending[end:]
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
	}
	return out
}

func (c *sentenceCoalescer) flush() string {
	tail := strings.TrimSpace(c.pending)
	c.pending = ""
	return tail
}
