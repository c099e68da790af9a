package wav

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWriteThenReadFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.wav")

	w, err := NewWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	// 90ms of ramp audio: three full 30ms frames.
	pcm := make([]byte, 16000*2*90/1000)
	for i := 0; i < len(pcm)/2; i++ {
		pcm[i*2] = byte(i)
		pcm[i*2+1] = byte(i >> 8)
	}
	if err := w.WritePCM(pcm); err != nil {
		t.Fatalf("WritePCM() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer r.Close()

	if r.Header().SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", r.Header().SampleRate)
	}
	if r.Header().NumChannels != 1 {
		t.Errorf("NumChannels = %d, want 1", r.Header().NumChannels)
	}

	frames, err := r.ReadFrames(30 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadFrames() error = %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}

	for i, frame := range frames {
		if frame.Seq != uint64(i) {
			t.Errorf("frame %d Seq = %d, want %d", i, frame.Seq, i)
		}
		if frame.Duration() != 30*time.Millisecond {
			t.Errorf("frame %d Duration = %v, want 30ms", i, frame.Duration())
		}
		if len(frame.Data) != 16000*2*30/1000 {
			t.Errorf("frame %d data = %d bytes", i, len(frame.Data))
		}
	}

	// Data must round-trip byte for byte.
	if frames[0].Data[0] != pcm[0] || frames[2].Data[len(frames[2].Data)-1] != pcm[len(pcm)-1] {
		t.Error("frame data does not match written PCM")
	}
}

func TestReaderRejectsOddSampleRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd.wav")

	w, err := NewWriter(path, 44100, 1)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if err := w.WritePCM(make([]byte, 4410*2)); err != nil {
		t.Fatalf("WritePCM() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := NewReader(path); err == nil {
		t.Error("expected error for unsupported sample rate")
	}
}

func TestWriterRejectsOddByteCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd-bytes.wav")

	w, err := NewWriter(path, 16000, 1)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	defer w.Close()

	if err := w.WritePCM(make([]byte, 3)); err == nil {
		t.Error("expected error for odd byte count")
	}
}
