package capture

import (
	"context"
	"testing"
	"time"

	"github.com/voiceloop/voiceloop/pkg/rtc"
)

func makeFrames(n int) []rtc.AudioFrame {
	frames := make([]rtc.AudioFrame, n)
	for i := range frames {
		frames[i] = rtc.AudioFrame{
			Data:              make([]byte, 320),
			SampleRate:        16000,
			SamplesPerChannel: 160,
			NumChannels:       1,
			Seq:               uint64(i),
			Timestamp:         time.Duration(i) * 10 * time.Millisecond,
		}
	}
	return frames
}

func TestSliceSourceDeliversAllFrames(t *testing.T) {
	src := NewSliceSource(makeFrames(10), false, nil)

	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background()) }()

	var got []rtc.AudioFrame
	for frame := range src.Frames() {
		got = append(got, frame)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("received %d frames, want 10", len(got))
	}
	for i, frame := range got {
		if frame.Seq != uint64(i) {
			t.Errorf("frame %d Seq = %d, want %d", i, frame.Seq, i)
		}
	}
	if src.Drops() != 0 {
		t.Errorf("drops = %d, want 0", src.Drops())
	}
}

func TestSliceSourceDropsWhenConsumerStalls(t *testing.T) {
	// Nobody reads: the buffer fills, then everything else drops.
	src := NewSliceSource(makeFrames(100), false, nil)

	if err := src.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if src.Drops() == 0 {
		t.Error("expected drops with a stalled consumer")
	}
	if src.Drops() != 100-frameBuffer {
		t.Errorf("drops = %d, want %d", src.Drops(), 100-frameBuffer)
	}
}

func TestSliceSourceRunCancellation(t *testing.T) {
	src := NewSliceSource(makeFrames(1000), true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
}
