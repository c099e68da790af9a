package openai

import (
	"context"
	"errors"
	"io"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceloop/voiceloop/pkg/ai/tts"
)

// The speech endpoint's pcm response format is 24kHz 16-bit mono.
const speechSampleRate = 24000

// TTS synthesizes text with the speech API, requesting raw PCM so chunks
// can be enqueued for playback without decoding.
type TTS struct {
	client *openai.Client
	model  string
	voice  string
}

func newTTS(cfg map[string]any) (any, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &TTS{
		client: client,
		model:  strOpt(cfg, "model", string(openai.TTSModel1)),
		voice:  strOpt(cfg, "voice", string(openai.VoiceAlloy)),
	}, nil
}

func (t *TTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	voice := t.voice
	if req.Voice != "" {
		voice = req.Voice
	}

	sreq := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(t.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if req.Speed > 0 {
		sreq.Speed = float64(req.Speed)
	}

	resp, err := t.client.CreateSpeech(ctx, sreq)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &speechStream{
		ch:     make(chan tts.AudioChunk, 4),
		body:   resp,
		cancel: cancel,
	}
	go s.pump(streamCtx)
	return s, nil
}

func (t *TTS) Capabilities() tts.Capabilities {
	return tts.Capabilities{
		SupportedVoices:      []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"},
		SampleRates:          []int{speechSampleRate},
		SupportsSpeedControl: true,
		SupportsPitchControl: false,
	}
}

type speechStream struct {
	ch     chan tts.AudioChunk
	body   io.ReadCloser
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *speechStream) Chunks() <-chan tts.AudioChunk { return s.ch }

func (s *speechStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *speechStream) Close() {
	s.cancel()
	s.body.Close()
}

func (s *speechStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *speechStream) pump(ctx context.Context) {
	defer close(s.ch)
	defer s.body.Close()

	// 8KiB of 24kHz mono PCM is ~170ms of audio per chunk.
	const readSize = 8192
	carry := make([]byte, 0, 1)

	for {
		buf := make([]byte, readSize)
		copy(buf, carry)
		n, err := s.body.Read(buf[len(carry):])
		n += len(carry)
		carry = carry[:0]

		if n > 0 {
			// Samples are 16-bit; hold back a trailing odd byte.
			if n%2 == 1 {
				carry = append(carry, buf[n-1])
				n--
			}
			if n > 0 {
				select {
				case s.ch <- tts.AudioChunk{PCM: buf[:n], SampleRate: speechSampleRate, NumChannels: 1}:
				case <-ctx.Done():
					s.setErr(ctx.Err())
					return
				}
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				if ctx.Err() != nil {
					s.setErr(ctx.Err())
				} else {
					s.setErr(err)
				}
			}
			return
		}
	}
}
