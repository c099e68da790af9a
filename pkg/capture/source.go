// Package capture provides audio frame sources. A source emits
// fixed-duration frames at real-time cadence on a channel; a consumer that
// falls behind loses frames (with a drop counter) rather than stalling the
// source, because microphone hardware does not wait.
package capture

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voiceloop/voiceloop/pkg/audio/wav"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// Source produces a lazy, effectively infinite, non-restartable sequence of
// AudioFrames. Run blocks until the source is exhausted or ctx is
// cancelled, then closes the frames channel.
type Source interface {
	Frames() <-chan rtc.AudioFrame
	Run(ctx context.Context) error
}

// frameBuffer is how many frames a consumer may lag before drops begin.
const frameBuffer = 16

// SliceSource replays an in-memory frame slice, optionally at real-time
// pace. Tests and synthetic pipelines use it directly; WavSource builds on
// it.
type SliceSource struct {
	frames   []rtc.AudioFrame
	realtime bool
	logger   *slog.Logger

	ch    chan rtc.AudioFrame
	drops atomic.Uint64
}

// NewSliceSource creates a source over pre-built frames.
func NewSliceSource(frames []rtc.AudioFrame, realtime bool, logger *slog.Logger) *SliceSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SliceSource{
		frames:   frames,
		realtime: realtime,
		logger:   logger,
		ch:       make(chan rtc.AudioFrame, frameBuffer),
	}
}

// Frames returns the output channel. It closes when Run returns.
func (s *SliceSource) Frames() <-chan rtc.AudioFrame {
	return s.ch
}

// Drops returns how many frames were discarded because the consumer fell
// behind. An expected steady-state condition, not an error.
func (s *SliceSource) Drops() uint64 {
	return s.drops.Load()
}

// Run emits frames until the slice is exhausted or ctx is cancelled.
func (s *SliceSource) Run(ctx context.Context) error {
	defer close(s.ch)

	var ticker *time.Ticker
	if s.realtime && len(s.frames) > 0 {
		ticker = time.NewTicker(s.frames[0].Duration())
		defer ticker.Stop()
	}

	for i := range s.frames {
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case s.ch <- s.frames[i]:
		default:
			// Consumer fell behind a full buffer; dropping beats stalling
			// the capture cadence.
			if n := s.drops.Add(1); n == 1 || n%100 == 0 {
				s.logger.Warn("capture drop: consumer behind",
					slog.Uint64("seq", s.frames[i].Seq),
					slog.Uint64("total_drops", n))
			}
		}
	}
	return nil
}

// WavSource feeds the pipeline from a WAV recording at real-time pace.
// Development without a microphone driver runs on this.
type WavSource struct {
	*SliceSource
}

// NewWavSource reads the file eagerly and paces playback of its frames in
// real time.
func NewWavSource(path string, frameDur time.Duration, logger *slog.Logger) (*WavSource, error) {
	r, err := wav.NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	frames, err := r.ReadFrames(frameDur)
	if err != nil {
		return nil, err
	}

	return &WavSource{SliceSource: NewSliceSource(frames, true, logger)}, nil
}
