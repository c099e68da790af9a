package playback

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Device renders one chunk of audio. Play blocks until the chunk has fully
// played or ctx is cancelled (hard stop); a cancelled Play returns
// ctx.Err().
type Device interface {
	Play(ctx context.Context, chunk Chunk) error
}

// WriterDevice streams chunk PCM to an io.Writer in small slices, pacing
// writes to real time so the sink's notion of "playing" tracks the speaker.
// Pointing W at a pipe into the platform audio player (aplay, pacat, sox)
// is the expected deployment; pointing it at io.Discard with Realtime set
// gives a faithful timing simulation for development.
type WriterDevice struct {
	W        io.Writer
	Realtime bool

	// SliceDur is the granularity of writes and of hard-stop truncation.
	// Zero means 20ms.
	SliceDur time.Duration
}

// Play writes the chunk in slices, sleeping each slice's duration when
// Realtime is set and checking for cancellation between slices.
func (d *WriterDevice) Play(ctx context.Context, chunk Chunk) error {
	sliceDur := d.SliceDur
	if sliceDur <= 0 {
		sliceDur = 20 * time.Millisecond
	}

	bytesPerSecond := chunk.SampleRate * chunk.NumChannels * 2
	if bytesPerSecond <= 0 {
		return fmt.Errorf("unplayable chunk format: sample rate %d, channels %d",
			chunk.SampleRate, chunk.NumChannels)
	}
	sliceBytes := int(int64(bytesPerSecond) * sliceDur.Nanoseconds() / int64(time.Second))
	if sliceBytes < 2 {
		sliceBytes = 2
	}
	sliceBytes -= sliceBytes % 2 // never split a sample

	for off := 0; off < len(chunk.PCM); off += sliceBytes {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		end := off + sliceBytes
		if end > len(chunk.PCM) {
			end = len(chunk.PCM)
		}
		if d.W != nil {
			if _, err := d.W.Write(chunk.PCM[off:end]); err != nil {
				return err
			}
		}

		if d.Realtime {
			actual := time.Duration(int64(end-off) * int64(time.Second) / int64(bytesPerSecond))
			select {
			case <-time.After(actual):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
