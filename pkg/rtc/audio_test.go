package rtc

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestNewAudioFrame(t *testing.T) {
	tests := []struct {
		name        string
		sampleRate  int
		numChannels int
		frameDur    time.Duration
		dataLen     int
		wantErr     bool
	}{
		{
			name:        "valid 16kHz mono 30ms",
			sampleRate:  16000,
			numChannels: 1,
			frameDur:    30 * time.Millisecond,
			dataLen:     960, // 480 samples * 2 bytes
		},
		{
			name:        "valid 16kHz mono 10ms",
			sampleRate:  16000,
			numChannels: 1,
			frameDur:    10 * time.Millisecond,
			dataLen:     320,
		},
		{
			name:        "valid 48kHz stereo 10ms",
			sampleRate:  48000,
			numChannels: 2,
			frameDur:    10 * time.Millisecond,
			dataLen:     1920,
		},
		{
			name:        "invalid data length",
			sampleRate:  16000,
			numChannels: 1,
			frameDur:    30 * time.Millisecond,
			dataLen:     500,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.dataLen)

			frame, err := NewAudioFrame(data, tt.sampleRate, tt.numChannels, tt.frameDur, 7, 100*time.Millisecond)

			if tt.wantErr {
				if err == nil {
					t.Errorf("NewAudioFrame() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAudioFrame() unexpected error: %v", err)
			}

			if frame.SampleRate != tt.sampleRate {
				t.Errorf("SampleRate = %d, want %d", frame.SampleRate, tt.sampleRate)
			}
			if frame.NumChannels != tt.numChannels {
				t.Errorf("NumChannels = %d, want %d", frame.NumChannels, tt.numChannels)
			}
			if frame.Seq != 7 {
				t.Errorf("Seq = %d, want 7", frame.Seq)
			}
			if frame.Duration() != tt.frameDur {
				t.Errorf("Duration() = %v, want %v", frame.Duration(), tt.frameDur)
			}
		})
	}
}

func TestAudioFrameClone(t *testing.T) {
	data := make([]byte, 960)
	for i := range data {
		data[i] = byte(i % 256)
	}

	original, err := NewAudioFrame(data, 16000, 1, 30*time.Millisecond, 3, 90*time.Millisecond)
	if err != nil {
		t.Fatalf("NewAudioFrame() error = %v", err)
	}
	clone := original.Clone()

	if clone.SampleRate != original.SampleRate || clone.NumChannels != original.NumChannels ||
		clone.Seq != original.Seq || clone.Timestamp != original.Timestamp {
		t.Errorf("Clone metadata mismatch: %+v vs %+v", clone, original)
	}

	if &clone.Data[0] == &original.Data[0] {
		t.Error("Clone data points to same memory as original")
	}

	clone.Data[0] = 255
	if original.Data[0] == 255 {
		t.Error("Modifying clone data affected original")
	}
}

func TestAudioFrameRMS(t *testing.T) {
	silent := &AudioFrame{Data: make([]byte, 320), SampleRate: 16000, SamplesPerChannel: 160, NumChannels: 1}
	if got := silent.RMS(); got != 0 {
		t.Errorf("RMS() of silence = %f, want 0", got)
	}

	loud := &AudioFrame{Data: make([]byte, 320), SampleRate: 16000, SamplesPerChannel: 160, NumChannels: 1}
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(loud.Data[i*2:], uint16(int16(16000)))
	}
	if got := loud.RMS(); got < 0.4 || got > 0.6 {
		t.Errorf("RMS() of constant half-scale signal = %f, want ~0.49", got)
	}

	if silent.RMS() >= loud.RMS() {
		t.Error("silence RMS should be below speech RMS")
	}
}
