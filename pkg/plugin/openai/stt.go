package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voiceloop/voiceloop/pkg/ai/stt"
)

// STT transcribes utterances with the Whisper API. Audio arrives as raw
// PCM and is wrapped in a WAV container in memory before upload.
type STT struct {
	client *openai.Client
	model  string
}

func newSTT(cfg map[string]any) (any, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &STT{
		client: client,
		model:  strOpt(cfg, "model", openai.Whisper1),
	}, nil
}

// Transcribe uploads the utterance and returns its text. Whisper returns
// an empty string for audio it hears no words in, which the caller treats
// as a quiet turn rather than an error.
func (s *STT) Transcribe(ctx context.Context, req stt.Request) (string, error) {
	wav := wrapWAV(req.PCM, req.SampleRate, req.NumChannels)

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.model,
		Language: req.Language,
		Format:   openai.AudioResponseFormatJSON,
		Reader:   bytes.NewReader(wav),
		FilePath: "utterance.wav",
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", stt.ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("whisper: %v: %w", err, stt.ErrServiceUnavailable)
	}
	return resp.Text, nil
}

func (s *STT) Capabilities() stt.Capabilities {
	return stt.Capabilities{
		SupportedLanguages: []string{"en", "es", "fr", "de", "ja", "zh"},
		SampleRates:        []int{8000, 16000, 24000, 48000},
	}
}

// wrapWAV prepends a canonical 44-byte RIFF header for 16-bit PCM.
func wrapWAV(pcm []byte, sampleRate, numChannels int) []byte {
	const bitsPerSample = 16

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*numChannels*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
