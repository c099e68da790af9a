// Package playback provides the speaker-side sink: a strict FIFO of
// synthesized audio chunks played back-to-back, with flush semantics for
// barge-in and state notifications the echo guard depends on.
package playback

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// State is the process-wide playback state read by the echo guard.
type State int

const (
	Idle State = iota
	Playing
)

func (s State) String() string {
	if s == Playing {
		return "Playing"
	}
	return "Idle"
}

// Status is a snapshot of the sink. At most one turn is Playing at a time.
type Status struct {
	State  State
	TurnID uint64
	Cursor int // index of the chunk currently playing
}

// Chunk is one queued unit of reply audio. Index is the chunk's position
// within its turn; the sink plays chunks strictly in enqueue order.
type Chunk struct {
	TurnID      uint64
	Index       int
	PCM         []byte
	SampleRate  int
	NumChannels int
}

// Event is delivered to observers on every state transition and on every
// chunk start. Level is the chunk's normalized RMS, which a face renderer
// can use to animate a mouth; it is 0 when idle.
type Event struct {
	Status Status
	Level  float32
}

// Observer receives sink events. Observers run on the playback goroutine
// and must never block; anything slow belongs behind a buffered channel on
// the observer's side.
type Observer func(Event)

// Config holds playback options.
type Config struct {
	// HardStop makes Flush truncate the currently playing chunk instead of
	// letting it finish. Truncation can produce an audible click.
	HardStop bool
}

// Sink plays queued chunks through a Device in FIFO order. Idle is emitted
// only when the queue is empty and no chunk is actively playing; any lag
// here directly inflates the echo guard's dead-zone.
type Sink struct {
	device Device
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	queue        []Chunk
	status       Status
	observers    []Observer
	wake         chan struct{}
	stopCur      context.CancelFunc
	staleThrough uint64
}

// NewSink creates a Sink. A nil logger falls back to slog.Default.
func NewSink(device Device, cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		device: device,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Subscribe registers an observer. Call before Run.
func (s *Sink) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// Status returns the current playback status.
func (s *Sink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Enqueue appends a chunk to the FIFO. Safe to call from any goroutine.
// Chunks from a superseded turn are silently discarded.
func (s *Sink) Enqueue(chunk Chunk) {
	s.mu.Lock()
	if s.stale(chunk.TurnID) {
		s.mu.Unlock()
		s.logger.Debug("stale chunk discarded",
			slog.Uint64("turn_id", chunk.TurnID), slog.Int("chunk", chunk.Index))
		return
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Supersede marks turnID and everything before it as stale. A synthesis
// goroutine can race a flush and enqueue one more chunk after the queue
// was cleared; marking the turn stale first closes that window, since
// Enqueue rejects stale chunks and pop skips any that slipped in.
func (s *Sink) Supersede(turnID uint64) {
	s.mu.Lock()
	if turnID > s.staleThrough {
		s.staleThrough = turnID
	}
	s.mu.Unlock()
}

// stale reports whether turnID was superseded. Caller holds s.mu.
func (s *Sink) stale(turnID uint64) bool {
	return s.staleThrough > 0 && turnID <= s.staleThrough
}

// Flush drops all not-yet-started chunks. With HardStop configured it also
// truncates the chunk currently playing; otherwise that chunk finishes
// naturally.
func (s *Sink) Flush() {
	s.mu.Lock()
	dropped := len(s.queue)
	s.queue = s.queue[:0]
	stop := s.stopCur
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Debug("playback queue flushed", slog.Int("dropped", dropped))
	}
	if s.cfg.HardStop && stop != nil {
		stop()
	}
}

// QueueLen returns the number of not-yet-started chunks.
func (s *Sink) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run plays queued chunks until ctx is cancelled. It owns all Status
// mutations; the echo guard and other observers only ever read.
func (s *Sink) Run(ctx context.Context) error {
	for {
		chunk, ok := s.pop()
		if !ok {
			s.setIdle()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		s.setPlaying(chunk)

		chunkCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.stopCur = cancel
		s.mu.Unlock()

		err := s.device.Play(chunkCtx, chunk)
		cancel()

		s.mu.Lock()
		s.stopCur = nil
		s.mu.Unlock()

		if err != nil && ctx.Err() == nil && chunkCtx.Err() == nil {
			// Device failure, not a stop: surface it and keep the sink
			// alive for the next turn.
			s.logger.Error("playback device failed",
				slog.Uint64("turn_id", chunk.TurnID),
				slog.Int("chunk", chunk.Index),
				slog.String("error", err.Error()))
		}
		if ctx.Err() != nil {
			s.setIdle()
			return ctx.Err()
		}
	}
}

func (s *Sink) pop() (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		if s.stale(chunk.TurnID) {
			continue
		}
		return chunk, true
	}
	return Chunk{}, false
}

func (s *Sink) setPlaying(chunk Chunk) {
	s.mu.Lock()
	s.status = Status{State: Playing, TurnID: chunk.TurnID, Cursor: chunk.Index}
	status := s.status
	observers := s.observers
	s.mu.Unlock()

	level := pcmRMS(chunk.PCM)
	for _, obs := range observers {
		obs(Event{Status: status, Level: level})
	}
}

func (s *Sink) setIdle() {
	s.mu.Lock()
	if s.status.State == Idle {
		s.mu.Unlock()
		return
	}
	s.status = Status{State: Idle}
	status := s.status
	observers := s.observers
	s.mu.Unlock()

	for _, obs := range observers {
		obs(Event{Status: status})
	}
}

// pcmRMS returns the normalized RMS of 16-bit little-endian PCM.
func pcmRMS(pcm []byte) float32 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	samples := len(pcm) / 2
	for i := 0; i < samples; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		sum += float64(sample) * float64(sample)
	}
	return float32(math.Sqrt(sum/float64(samples))) / 32768.0
}
