// Package segment turns per-frame VAD decisions into utterance boundaries.
// A ring of recent frames provides pre-onset padding, an onset counter
// debounces noise bursts, and a hangover counter decides when the speaker
// has actually stopped rather than paused.
package segment

import (
	"log/slog"
	"time"

	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/rtc"
)

// UtteranceState tracks an utterance through its lifecycle.
type UtteranceState int

const (
	// Collecting means frames are still being appended.
	Collecting UtteranceState = iota
	// Finalized means the trailing-silence threshold elapsed and ownership
	// transferred to the orchestrator. The segmenter no longer mutates it.
	Finalized
	// Discarded means the utterance never reached the minimum duration.
	Discarded
)

func (s UtteranceState) String() string {
	switch s {
	case Collecting:
		return "Collecting"
	case Finalized:
		return "Finalized"
	case Discarded:
		return "Discarded"
	default:
		return "Unknown"
	}
}

// Utterance is one contiguous span of detected user speech, including the
// pre-onset padding and trailing hangover frames. Frame sequence numbers are
// monotonically increasing and contiguous.
type Utterance struct {
	ID     uint64
	Frames []rtc.AudioFrame
	State  UtteranceState
}

// Duration returns the total audio duration of the utterance.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for i := range u.Frames {
		d += u.Frames[i].Duration()
	}
	return d
}

// PCM flattens the utterance frames into a single PCM buffer for
// transcription.
func (u *Utterance) PCM() []byte {
	var n int
	for i := range u.Frames {
		n += len(u.Frames[i].Data)
	}
	out := make([]byte, 0, n)
	for i := range u.Frames {
		out = append(out, u.Frames[i].Data...)
	}
	return out
}

// SampleRate returns the sample rate of the utterance audio.
func (u *Utterance) SampleRate() int {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[0].SampleRate
}

// Config holds the segmenter tuning knobs. All values are counts of frames
// except MinDuration.
type Config struct {
	// OnsetFrames is how many consecutive speech frames fire speech onset.
	OnsetFrames int
	// HangoverFrames is how many consecutive silence frames finalize the
	// active utterance.
	HangoverFrames int
	// PreRollFrames is how many recent frames are kept as pre-onset padding
	// and prepended to a new utterance. Must be >= OnsetFrames so the
	// frames that fired onset are never lost.
	PreRollFrames int
	// MinDuration discards utterances shorter than this (debounced noise).
	MinDuration time.Duration
}

// DefaultConfig mirrors the tuning of the original deployment at 30ms
// frames: 360ms padding, ~150ms onset, ~300ms hangover.
func DefaultConfig() Config {
	return Config{
		OnsetFrames:    5,
		HangoverFrames: 10,
		PreRollFrames:  12,
		MinDuration:    200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OnsetFrames <= 0 {
		c.OnsetFrames = d.OnsetFrames
	}
	if c.HangoverFrames <= 0 {
		c.HangoverFrames = d.HangoverFrames
	}
	if c.PreRollFrames < c.OnsetFrames {
		c.PreRollFrames = c.OnsetFrames
	}
	if c.MinDuration <= 0 {
		c.MinDuration = d.MinDuration
	}
	return c
}

// Segmenter consumes (frame, decision) pairs and produces finalized
// utterances. It is not safe for concurrent use; the capture loop is its
// only caller. Only one utterance collects at a time: onset logic simply
// does not run again until the active utterance finalizes.
type Segmenter struct {
	cfg    Config
	logger *slog.Logger

	ring []rtc.AudioFrame // pre-onset padding, oldest first

	active     *Utterance
	speechRun  int
	silenceRun int
	nextID     uint64

	discards uint64
}

// New creates a Segmenter. A nil logger falls back to slog.Default.
func New(cfg Config, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Segmenter{
		cfg:    cfg,
		logger: logger,
		ring:   make([]rtc.AudioFrame, 0, cfg.PreRollFrames),
	}
}

// Collecting reports whether an utterance is currently being collected.
func (s *Segmenter) Collecting() bool {
	return s.active != nil
}

// Discards returns how many sub-threshold utterances were dropped. This is
// an expected steady-state condition, not an error.
func (s *Segmenter) Discards() uint64 {
	return s.discards
}

// Reset clears all buffered state. Called when the echo guard closes over
// the input so stale pre-roll from before playback cannot leak into the
// next utterance.
func (s *Segmenter) Reset() {
	s.ring = s.ring[:0]
	s.active = nil
	s.speechRun = 0
	s.silenceRun = 0
}

// Observe feeds one frame and its VAD decision. It returns a Finalized
// utterance when the trailing-silence threshold elapses, nil otherwise.
// Sub-minimum utterances are discarded silently.
func (s *Segmenter) Observe(frame rtc.AudioFrame, d vad.Decision) *Utterance {
	if s.active == nil {
		return s.observeIdle(frame, d)
	}
	return s.observeCollecting(frame, d)
}

func (s *Segmenter) observeIdle(frame rtc.AudioFrame, d vad.Decision) *Utterance {
	if len(s.ring) == cap(s.ring) {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
	}
	s.ring = append(s.ring, frame)

	if !d.IsSpeech {
		s.speechRun = 0
		return nil
	}

	s.speechRun++
	if s.speechRun < s.cfg.OnsetFrames {
		return nil
	}

	// Onset fired: the ring (padding + the frames that fired onset)
	// becomes the head of the new utterance.
	s.nextID++
	s.active = &Utterance{
		ID:     s.nextID,
		Frames: append(make([]rtc.AudioFrame, 0, len(s.ring)+s.cfg.HangoverFrames), s.ring...),
		State:  Collecting,
	}
	s.ring = s.ring[:0]
	s.speechRun = 0
	s.silenceRun = 0

	s.logger.Debug("speech onset",
		slog.Uint64("utterance_id", s.active.ID),
		slog.Uint64("seq", frame.Seq))
	return nil
}

func (s *Segmenter) observeCollecting(frame rtc.AudioFrame, d vad.Decision) *Utterance {
	// Once onset fired, every frame is appended regardless of its label
	// until the hangover elapses.
	s.active.Frames = append(s.active.Frames, frame)

	if d.IsSpeech {
		s.silenceRun = 0
		return nil
	}

	s.silenceRun++
	if s.silenceRun < s.cfg.HangoverFrames {
		return nil
	}

	utt := s.active
	s.active = nil
	s.silenceRun = 0

	if utt.Duration() < s.cfg.MinDuration {
		utt.State = Discarded
		s.discards++
		s.logger.Debug("utterance discarded below minimum duration",
			slog.Uint64("utterance_id", utt.ID),
			slog.Duration("duration", utt.Duration()),
			slog.Duration("minimum", s.cfg.MinDuration))
		return nil
	}

	utt.State = Finalized
	s.logger.Debug("utterance finalized",
		slog.Uint64("utterance_id", utt.ID),
		slog.Int("frames", len(utt.Frames)),
		slog.Duration("duration", utt.Duration()))
	return utt
}
