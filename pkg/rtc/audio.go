// Package rtc holds the audio frame type shared by every stage of the
// capture → segment → synthesize → playback pipeline.
package rtc

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// AudioFrame represents one fixed-duration slice of PCM audio.
// Len(Data) == SamplesPerChannel * NumChannels * 2.
// Frames are immutable once produced; stages that need to keep one past
// their own processing must Clone it.
//
// Seq is assigned by the frame source and is strictly monotonic for the
// lifetime of the source. Timestamp is monotonic capture time relative to
// source start.
type AudioFrame struct {
	Data              []byte        // 16-bit PCM, little-endian
	SampleRate        int           // 16 000 or 48 000
	SamplesPerChannel int
	NumChannels       int // 1 or 2
	Seq               uint64
	Timestamp         time.Duration
}

// NewAudioFrame creates a new AudioFrame and validates that the data length
// matches the expected size for the given sample rate, channel count and
// frame duration.
func NewAudioFrame(data []byte, sampleRate, numChannels int, frameDur time.Duration, seq uint64, timestamp time.Duration) (*AudioFrame, error) {
	samplesPerChannel := int(int64(sampleRate) * frameDur.Nanoseconds() / int64(time.Second))
	expectedLen := samplesPerChannel * numChannels * 2

	if len(data) != expectedLen {
		return nil, fmt.Errorf("AudioFrame data length mismatch: got %d bytes, expected %d bytes for %dHz %d-channel %v audio",
			len(data), expectedLen, sampleRate, numChannels, frameDur)
	}

	return &AudioFrame{
		Data:              data,
		SampleRate:        sampleRate,
		SamplesPerChannel: samplesPerChannel,
		NumChannels:       numChannels,
		Seq:               seq,
		Timestamp:         timestamp,
	}, nil
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	return &AudioFrame{
		Data:              data,
		SampleRate:        f.SampleRate,
		SamplesPerChannel: f.SamplesPerChannel,
		NumChannels:       f.NumChannels,
		Seq:               f.Seq,
		Timestamp:         f.Timestamp,
	}
}

// Duration returns the duration of audio represented by this frame.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// RMS returns the root-mean-square energy of the frame normalized to 0..1.
func (f *AudioFrame) RMS() float32 {
	if len(f.Data) < 2 {
		return 0
	}

	var sum float64
	samples := len(f.Data) / 2

	for i := 0; i < samples; i++ {
		sample := int16(binary.LittleEndian.Uint16(f.Data[i*2 : i*2+2]))
		sum += float64(sample) * float64(sample)
	}

	meanSquare := sum / float64(samples)
	return float32(math.Sqrt(meanSquare)) / 32768.0
}
