// Package voice provides the echo guard: the time-window heuristic that
// keeps the system's own speaker output from being re-detected as user
// speech. This is not acoustic echo cancellation; it trades a small
// dead-zone after playback for robustness against the system hearing
// itself.
package voice

import (
	"sync/atomic"
	"time"
)

// GuardConfig holds the echo guard tuning knobs.
type GuardConfig struct {
	// Release is the trailing window after playback goes idle during which
	// frames are still distrusted. It covers speaker-to-microphone leakage
	// and the room's reverberation tail.
	Release time.Duration

	// BargeIn enables treating sustained speech during playback as an
	// interrupt rather than echo.
	BargeIn bool

	// BargeInFrames is how many consecutive speech frames during playback
	// fire a barge-in. It must be stricter (longer) than the segmenter's
	// normal onset threshold, otherwise echo would pass the guard.
	BargeInFrames int
}

// DefaultGuardConfig mirrors the original deployment's post-reply skip of
// roughly 400ms of frames.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Release:       400 * time.Millisecond,
		BargeIn:       false,
		BargeInFrames: 15,
	}
}

// EchoGuard suppresses the VAD→segmenter path while the speaker is active
// and for a trailing release window after it idles.
//
// Concurrency: the capture loop reads (Suppressed, ObserveSpeech), the
// playback callback writes (PlaybackChanged). Both sides are wait-free;
// nothing on the capture path locks or allocates.
type EchoGuard struct {
	cfg GuardConfig
	now func() time.Time

	playing   atomic.Bool
	lifted    atomic.Bool
	holdUntil atomic.Int64 // UnixNano; 0 means no window open

	speechRun int // capture loop only
}

// GuardOption customizes an EchoGuard.
type GuardOption func(*EchoGuard)

// WithClock replaces the time source. Tests use this to step through guard
// windows without sleeping.
func WithClock(now func() time.Time) GuardOption {
	return func(g *EchoGuard) { g.now = now }
}

// NewEchoGuard creates an EchoGuard.
func NewEchoGuard(cfg GuardConfig, opts ...GuardOption) *EchoGuard {
	if cfg.Release <= 0 {
		cfg.Release = DefaultGuardConfig().Release
	}
	if cfg.BargeInFrames <= 0 {
		cfg.BargeInFrames = DefaultGuardConfig().BargeInFrames
	}
	g := &EchoGuard{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PlaybackChanged must be called on every playback state transition.
// On the transition to idle a release window opens; the hold deadline is
// monotonically non-decreasing across overlapping windows.
func (g *EchoGuard) PlaybackChanged(playing bool) {
	if playing {
		g.lifted.Store(false)
		g.playing.Store(true)
		return
	}

	wasPlaying := g.playing.Swap(false)
	if !wasPlaying {
		return
	}
	if g.lifted.Load() {
		// Barge-in already let the user through; opening a window now
		// would swallow the rest of their interrupting utterance.
		return
	}

	deadline := g.now().Add(g.cfg.Release).UnixNano()
	for {
		prev := g.holdUntil.Load()
		if prev >= deadline || g.holdUntil.CompareAndSwap(prev, deadline) {
			return
		}
	}
}

// Suppressed reports whether the current frame should be withheld from the
// segmenter.
func (g *EchoGuard) Suppressed() bool {
	if g.lifted.Load() {
		return false
	}
	if g.playing.Load() {
		return true
	}
	hold := g.holdUntil.Load()
	return hold != 0 && g.now().UnixNano() < hold
}

// ObserveSpeech feeds the barge-in detector with one per-frame decision
// while suppression is active. It returns true exactly once when sustained
// speech crosses the stricter barge-in threshold during playback; the guard
// then lifts itself so the interrupting utterance reaches the segmenter.
// Capture loop only.
func (g *EchoGuard) ObserveSpeech(isSpeech bool) bool {
	if !g.cfg.BargeIn || !g.playing.Load() || g.lifted.Load() {
		g.speechRun = 0
		return false
	}

	if !isSpeech {
		g.speechRun = 0
		return false
	}

	g.speechRun++
	if g.speechRun < g.cfg.BargeInFrames {
		return false
	}

	g.speechRun = 0
	g.lifted.Store(true)
	g.holdUntil.Store(0)
	return true
}
