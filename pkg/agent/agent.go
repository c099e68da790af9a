// Package agent implements the conversation orchestrator: a finite state
// machine that drives a spoken exchange through Idle → Transcribing →
// Responding and back, coordinating VAD, segmentation, transcription,
// streaming generation, incremental synthesis, and playback.
package agent

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voiceloop/voiceloop/pkg/ai/llm"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	"github.com/voiceloop/voiceloop/pkg/ai/tts"
	"github.com/voiceloop/voiceloop/pkg/ai/vad"
	"github.com/voiceloop/voiceloop/pkg/playback"
	"github.com/voiceloop/voiceloop/pkg/rtc"
	"github.com/voiceloop/voiceloop/pkg/segment"
	"github.com/voiceloop/voiceloop/pkg/voice"
)

// State represents the current state of the conversation machine.
type State int32

const (
	StateIdle State = iota
	StateTranscribing
	StateResponding
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateTranscribing:
		return "Transcribing"
	case StateResponding:
		return "Responding"
	case StateInterrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

const (
	defaultTranscribeTimeout = 10 * time.Second
	defaultFirstTokenTimeout = 10 * time.Second
	defaultFirstChunkTimeout = 10 * time.Second
	defaultMaxHistoryTurns   = 16
	archiveLimit             = 32

	// completionRecheck bounds how long a finished turn can hang on a
	// sink notification the loop never received.
	completionRecheck = 100 * time.Millisecond
)

// Config holds the components and tuning for a Machine.
type Config struct {
	VAD       vad.VAD
	STT       stt.Transcriber
	LLM       llm.LLM
	TTS       tts.TTS
	Sink      *playback.Sink
	Guard     *voice.EchoGuard
	Segmenter *segment.Segmenter

	// MicIn delivers capture frames. The machine never blocks on this
	// channel; the capture source is responsible for dropping frames
	// under backpressure.
	MicIn <-chan rtc.AudioFrame

	SystemPrompt string
	Language     string
	Voice        string
	Speed        float32
	Pitch        float32

	// MaxHistoryTurns caps how many completed turns are replayed as
	// conversation context on the next generation request.
	MaxHistoryTurns int

	TranscribeTimeout time.Duration
	FirstTokenTimeout time.Duration
	FirstChunkTimeout time.Duration

	Logger *slog.Logger
}

// Machine coordinates a single spoken conversation. All state transitions
// happen on the event loop goroutine inside Run; the capture loop and the
// per-turn pipeline communicate with it only through channels.
type Machine struct {
	vad   vad.VAD
	stt   stt.Transcriber
	llm   llm.LLM
	tts   tts.TTS
	sink  *playback.Sink
	guard *voice.EchoGuard
	seg   *segment.Segmenter

	micIn <-chan rtc.AudioFrame

	systemPrompt string
	language     string
	voice        string
	speed        float32
	pitch        float32

	maxHistoryTurns   int
	transcribeTimeout time.Duration
	firstTokenTimeout time.Duration
	firstChunkTimeout time.Duration

	sessionID string
	logger    *slog.Logger

	state atomic.Int32

	utterances chan *segment.Utterance
	barge      chan struct{}
	sinkEvents chan playback.Event
	turnEvents chan turnEvent

	// Owned by the event loop.
	current      *Turn
	turnCancel   context.CancelFunc
	pipelineDone bool
	firstAudio   bool
	nextTurnID   uint64
	archive      []*Turn

	historyMu sync.Mutex
	history   []llm.Message

	listenerMu sync.Mutex
	listeners  []Listener

	droppedUtterances atomic.Uint64

	sessionStart time.Time
	metrics      *Metrics
}

// Metrics holds performance counters for the machine.
type Metrics struct {
	StateTransitions  *expvar.Map
	TurnsCompleted    *expvar.Int
	TurnsAbandoned    *expvar.Int
	TurnsFailed       *expvar.Int
	TurnsInterrupted  *expvar.Int
	FirstAudioLatency *expvar.Float
	SessionDuration   *expvar.Float
}

func newMetrics() *Metrics {
	return &Metrics{
		StateTransitions:  new(expvar.Map).Init(),
		TurnsCompleted:    new(expvar.Int),
		TurnsAbandoned:    new(expvar.Int),
		TurnsFailed:       new(expvar.Int),
		TurnsInterrupted:  new(expvar.Int),
		FirstAudioLatency: new(expvar.Float),
		SessionDuration:   new(expvar.Float),
	}
}

// New creates a Machine with the given configuration.
func New(cfg Config) (*Machine, error) {
	if cfg.VAD == nil {
		return nil, fmt.Errorf("VAD is required")
	}
	if cfg.STT == nil {
		return nil, fmt.Errorf("STT is required")
	}
	if cfg.LLM == nil {
		return nil, fmt.Errorf("LLM is required")
	}
	if cfg.TTS == nil {
		return nil, fmt.Errorf("TTS is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("playback sink is required")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("echo guard is required")
	}
	if cfg.Segmenter == nil {
		return nil, fmt.Errorf("segmenter is required")
	}
	if cfg.MicIn == nil {
		return nil, fmt.Errorf("MicIn channel is required")
	}

	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = defaultMaxHistoryTurns
	}
	if cfg.TranscribeTimeout <= 0 {
		cfg.TranscribeTimeout = defaultTranscribeTimeout
	}
	if cfg.FirstTokenTimeout <= 0 {
		cfg.FirstTokenTimeout = defaultFirstTokenTimeout
	}
	if cfg.FirstChunkTimeout <= 0 {
		cfg.FirstChunkTimeout = defaultFirstChunkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Machine{
		vad:               cfg.VAD,
		stt:               cfg.STT,
		llm:               cfg.LLM,
		tts:               cfg.TTS,
		sink:              cfg.Sink,
		guard:             cfg.Guard,
		seg:               cfg.Segmenter,
		micIn:             cfg.MicIn,
		systemPrompt:      cfg.SystemPrompt,
		language:          cfg.Language,
		voice:             cfg.Voice,
		speed:             cfg.Speed,
		pitch:             cfg.Pitch,
		maxHistoryTurns:   cfg.MaxHistoryTurns,
		transcribeTimeout: cfg.TranscribeTimeout,
		firstTokenTimeout: cfg.FirstTokenTimeout,
		firstChunkTimeout: cfg.FirstChunkTimeout,
		sessionID:         uuid.NewString(),
		logger:            cfg.Logger.With("session", "machine"),
		utterances:        make(chan *segment.Utterance, 4),
		barge:             make(chan struct{}, 1),
		sinkEvents:        make(chan playback.Event, 32),
		turnEvents:        make(chan turnEvent, 8),
		metrics:           newMetrics(),
	}

	// The guard must learn of playback state synchronously so echo frames
	// arriving right after the first chunk starts are already suppressed.
	// The event copy for the loop is best-effort; completion re-checks
	// sink status directly on the loop's recheck tick, so a dropped
	// event only delays it by at most one interval.
	m.sink.Subscribe(func(ev playback.Event) {
		m.guard.PlaybackChanged(ev.Status.State == playback.Playing)
		select {
		case m.sinkEvents <- ev:
		default:
		}
	})

	m.setState(StateIdle)
	return m, nil
}

// SessionID returns the unique id assigned to this conversation session.
func (m *Machine) SessionID() string { return m.sessionID }

// CurrentState returns the machine's current state.
func (m *Machine) CurrentState() State {
	return State(m.state.Load())
}

// Notify registers a listener for conversation events. Register before
// calling Run.
func (m *Machine) Notify(l Listener) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenerMu.Unlock()
}

// History returns a copy of the conversation context accumulated so far.
func (m *Machine) History() []llm.Message {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	out := make([]llm.Message, len(m.history))
	copy(out, m.history)
	return out
}

// Metrics returns the machine's metric set for registration under an
// expvar map.
func (m *Machine) Metrics() *Metrics { return m.metrics }

func (m *Machine) setState(newState State) {
	oldState := State(m.state.Swap(int32(newState)))

	key := fmt.Sprintf("%s_to_%s", oldState, newState)
	if counter := m.metrics.StateTransitions.Get(key); counter != nil {
		counter.(*expvar.Int).Add(1)
	} else {
		c := &expvar.Int{}
		c.Set(1)
		m.metrics.StateTransitions.Set(key, c)
	}

	if oldState != newState {
		m.logger.Debug("state transition", "from", oldState.String(), "to", newState.String())
		m.emit(Event{Kind: EventStateChanged, State: newState})
	}
}

func (m *Machine) emit(ev Event) {
	ev.SessionID = m.sessionID
	m.listenerMu.Lock()
	listeners := m.listeners
	m.listenerMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Run starts the capture loop and the event loop. It returns when ctx is
// cancelled, after cancelling any in-flight turn and flushing playback.
func (m *Machine) Run(ctx context.Context) error {
	m.sessionStart = time.Now()
	defer func() {
		m.metrics.SessionDuration.Set(time.Since(m.sessionStart).Seconds())
	}()

	m.logger.Info("conversation session started", "id", m.sessionID)

	go m.captureLoop(ctx)

	// The recheck covers the case where the sink's final Idle event was
	// dropped from the buffered copy after the pipeline already finished;
	// without it the machine would stay in Responding forever.
	recheck := time.NewTicker(completionRecheck)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case utt := <-m.utterances:
			m.onUtterance(ctx, utt)
		case <-m.barge:
			m.onBargeIn()
		case ev := <-m.sinkEvents:
			m.onSinkEvent(ev)
		case ev := <-m.turnEvents:
			m.onTurnEvent(ev)
		case <-recheck.C:
			m.maybeCompleteTurn()
		}
	}
}

func (m *Machine) shutdown() {
	m.releaseTurnContext()
	if m.current != nil {
		m.current.State = TurnSuperseded
		m.current.EndedAt = time.Now()
		m.sink.Supersede(m.current.ID)
		m.archiveTurn(m.current)
		m.current = nil
	}
	m.sink.Flush()
	m.logger.Info("conversation session stopped", "id", m.sessionID)
}

// captureLoop classifies every capture frame and feeds the segmenter.
// While the guard suppresses input it only watches for barge-in; the
// segmenter is reset on entering suppression so reply echo cannot leak
// into a pending utterance.
func (m *Machine) captureLoop(ctx context.Context) {
	suppressed := false
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-m.micIn:
			if !ok {
				return
			}
			d := m.vad.Classify(frame)
			if m.guard.Suppressed() {
				if !suppressed {
					suppressed = true
					m.seg.Reset()
				}
				if m.guard.ObserveSpeech(d.IsSpeech) {
					select {
					case m.barge <- struct{}{}:
					default:
					}
				}
				continue
			}
			suppressed = false
			if utt := m.seg.Observe(frame, d); utt != nil {
				select {
				case m.utterances <- utt:
				default:
					m.droppedUtterances.Add(1)
					m.logger.Warn("utterance dropped, event loop backlogged",
						"utterance", utt.ID, "dropped", m.droppedUtterances.Load())
				}
			}
		}
	}
}

func (m *Machine) onUtterance(ctx context.Context, utt *segment.Utterance) {
	switch m.CurrentState() {
	case StateIdle, StateInterrupted:
	default:
		m.logger.Warn("utterance while turn in flight, discarding",
			"utterance", utt.ID, "state", m.CurrentState().String())
		return
	}

	m.nextTurnID++
	t := &Turn{
		ID:        m.nextTurnID,
		Utterance: utt,
		State:     TurnTranscribing,
		StartedAt: time.Now(),
	}
	m.current = t
	m.pipelineDone = false
	m.firstAudio = false

	turnCtx, cancel := context.WithCancel(ctx)
	m.turnCancel = cancel

	msgs := m.contextMessages()

	m.setState(StateTranscribing)
	m.emit(Event{Kind: EventTurnStarted, TurnID: t.ID})
	m.logger.Info("turn started", "turn", t.ID,
		"utterance", utt.ID, "duration", utt.Duration())

	go m.runTurn(turnCtx, t.ID, utt, msgs)
}

func (m *Machine) onBargeIn() {
	if m.CurrentState() != StateResponding {
		return
	}
	t := m.current

	// Cancel generation and synthesis first so no further chunks are
	// produced, mark the turn stale at the sink, then drop everything
	// queued. The pipeline goroutine observes the cancelled context and
	// exits without posting usable events; anything it already posted
	// carries a stale turn id, and a chunk it enqueues after the flush
	// is rejected by the sink.
	m.releaseTurnContext()
	m.sink.Supersede(t.ID)
	m.sink.Flush()

	t.State = TurnSuperseded
	t.EndedAt = time.Now()
	m.archiveTurn(t)
	m.current = nil

	m.metrics.TurnsInterrupted.Add(1)
	m.setState(StateInterrupted)
	m.emit(Event{Kind: EventTurnInterrupted, TurnID: t.ID, Transcript: t.Transcript, Reply: t.Reply})
	m.logger.Info("barge-in, turn superseded", "turn", t.ID)
}

func (m *Machine) onSinkEvent(ev playback.Event) {
	if ev.Status.State == playback.Playing {
		m.emit(Event{Kind: EventLevel, TurnID: ev.Status.TurnID, Level: float64(ev.Level)})
		if m.current != nil && !m.firstAudio && ev.Status.TurnID == m.current.ID {
			m.firstAudio = true
			m.metrics.FirstAudioLatency.Set(time.Since(m.current.StartedAt).Seconds())
		}
		return
	}
	m.maybeCompleteTurn()
}

// maybeCompleteTurn completes the current turn once its pipeline has
// finished and the sink has fully drained. It reads sink status directly
// so completion never depends on a particular event being delivered.
func (m *Machine) maybeCompleteTurn() {
	if m.current == nil || !m.pipelineDone || m.CurrentState() != StateResponding {
		return
	}
	if st := m.sink.Status(); st.State == playback.Idle && m.sink.QueueLen() == 0 {
		m.completeTurn()
	}
}

func (m *Machine) onTurnEvent(ev turnEvent) {
	if m.current == nil || ev.turnID != m.current.ID {
		// Late event from a superseded turn.
		m.logger.Debug("stale turn event ignored", "turn", ev.turnID)
		return
	}

	switch ev.kind {
	case turnTranscribed:
		if m.CurrentState() != StateTranscribing {
			return
		}
		m.current.Transcript = ev.transcript
		m.current.State = TurnResponding
		m.setState(StateResponding)
		m.emit(Event{Kind: EventTranscript, TurnID: m.current.ID, Transcript: ev.transcript})
		m.logger.Info("transcript", "turn", m.current.ID, "text", ev.transcript)

	case turnPipelined:
		switch {
		case ev.abandoned:
			m.abandonTurn(FailureNone, nil)
		case ev.err != nil:
			if ev.failure == FailureTranscription {
				m.abandonTurn(ev.failure, ev.err)
				return
			}
			m.failTurn(ev.failure, ev.err)
		default:
			m.current.Reply = ev.reply
			m.pipelineDone = true
			// The final chunk may have finished playing before this
			// event arrived, in which case no further sink event is
			// coming.
			m.maybeCompleteTurn()
		}
	}
}

func (m *Machine) completeTurn() {
	t := m.current
	t.State = TurnCompleted
	t.EndedAt = time.Now()

	m.historyMu.Lock()
	m.history = append(m.history,
		llm.Message{Role: llm.RoleUser, Content: t.Transcript},
		llm.Message{Role: llm.RoleAssistant, Content: t.Reply},
	)
	if limit := m.maxHistoryTurns * 2; len(m.history) > limit {
		m.history = append(m.history[:0], m.history[len(m.history)-limit:]...)
	}
	m.historyMu.Unlock()

	m.archiveTurn(t)
	m.current = nil
	m.releaseTurnContext()
	m.pipelineDone = false

	m.metrics.TurnsCompleted.Add(1)
	m.setState(StateIdle)
	m.emit(Event{Kind: EventTurnCompleted, TurnID: t.ID, Transcript: t.Transcript, Reply: t.Reply})
	m.logger.Info("turn completed", "turn", t.ID, "duration", t.Duration())
}

// abandonTurn ends a turn that produced no reply. An empty transcript is
// not an error; the machine just goes quiet again.
func (m *Machine) abandonTurn(failure FailureKind, err error) {
	t := m.current
	t.State = TurnAbandoned
	t.EndedAt = time.Now()
	m.archiveTurn(t)
	m.current = nil
	m.releaseTurnContext()

	m.metrics.TurnsAbandoned.Add(1)
	m.setState(StateIdle)
	m.emit(Event{Kind: EventTurnAbandoned, TurnID: t.ID, Failure: failure, Err: err})
	if err != nil {
		m.logger.Warn("turn abandoned", "turn", t.ID, "stage", failure.String(), "error", err)
	} else {
		m.logger.Debug("turn abandoned, empty transcript", "turn", t.ID)
	}
}

func (m *Machine) failTurn(failure FailureKind, err error) {
	t := m.current
	t.State = TurnFailed
	t.EndedAt = time.Now()
	m.archiveTurn(t)
	m.current = nil
	m.releaseTurnContext()

	// Anything already synthesized for this turn is stale; played audio
	// is not retried.
	m.sink.Supersede(t.ID)
	m.sink.Flush()

	m.metrics.TurnsFailed.Add(1)
	m.setState(StateIdle)
	m.emit(Event{Kind: EventTurnFailed, TurnID: t.ID, Failure: failure, Err: err,
		Transcript: t.Transcript, Reply: t.Reply})
	m.logger.Error("turn failed", "turn", t.ID, "stage", failure.String(), "error", err)
}

// releaseTurnContext cancels the finished turn's context. Without this the
// session context accumulates one registered child per turn for the life
// of the conversation.
func (m *Machine) releaseTurnContext() {
	if m.turnCancel != nil {
		m.turnCancel()
		m.turnCancel = nil
	}
}

func (m *Machine) archiveTurn(t *Turn) {
	m.archive = append(m.archive, t)
	if len(m.archive) > archiveLimit {
		m.archive = m.archive[len(m.archive)-archiveLimit:]
	}
}

// contextMessages snapshots the generation context: system prompt plus
// prior completed turns. Called on the event loop so the pipeline
// goroutine never reads history concurrently with completion updates.
func (m *Machine) contextMessages() []llm.Message {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	msgs := make([]llm.Message, 0, len(m.history)+2)
	if m.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: m.systemPrompt})
	}
	return append(msgs, m.history...)
}

// runTurn executes the turn pipeline off the event loop: transcribe, then
// stream generation into synthesis into the sink. Results are reported
// through turnEvents; a cancelled context means the turn was superseded
// and nothing further is posted.
func (m *Machine) runTurn(ctx context.Context, id uint64, utt *segment.Utterance, msgs []llm.Message) {
	transcript, err := m.transcribe(ctx, utt)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.post(ctx, turnEvent{kind: turnPipelined, turnID: id, failure: FailureTranscription, err: err})
		return
	}
	if strings.TrimSpace(transcript) == "" {
		m.post(ctx, turnEvent{kind: turnPipelined, turnID: id, abandoned: true})
		return
	}
	m.post(ctx, turnEvent{kind: turnTranscribed, turnID: id, transcript: transcript})

	reply, err := m.respond(ctx, id, msgs, transcript)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		failure := FailureGeneration
		var te *turnError
		if errors.As(err, &te) {
			failure = te.kind
			err = te.err
		}
		m.post(ctx, turnEvent{kind: turnPipelined, turnID: id, failure: failure, err: err})
		return
	}
	m.post(ctx, turnEvent{kind: turnPipelined, turnID: id, reply: reply})
}

func (m *Machine) post(ctx context.Context, ev turnEvent) {
	select {
	case m.turnEvents <- ev:
	case <-ctx.Done():
	}
}

func (m *Machine) transcribe(ctx context.Context, utt *segment.Utterance) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, m.transcribeTimeout)
	defer cancel()
	return m.stt.Transcribe(tctx, stt.Request{
		PCM:         utt.PCM(),
		SampleRate:  utt.SampleRate(),
		NumChannels: utt.Frames[0].NumChannels,
		Language:    m.language,
	})
}

// respond streams text chunks from the generator into the synthesizer.
// A single synthesis worker preserves generation order end-to-end: each
// text chunk is synthesized and its audio enqueued before the next one is
// taken, while the sink plays earlier chunks concurrently.
func (m *Machine) respond(ctx context.Context, id uint64, msgs []llm.Message, transcript string) (string, error) {
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: transcript})

	stream, err := m.llm.ChatStream(ctx, llm.ChatRequest{Messages: msgs})
	if err != nil {
		return "", &turnError{kind: FailureGeneration, err: err}
	}
	defer stream.Close()

	texts := make(chan string, 8)
	var reply strings.Builder

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(texts)
		first := time.NewTimer(m.firstTokenTimeout)
		defer first.Stop()
		received := false
		for {
			select {
			case chunk, ok := <-stream.Chunks():
				if !ok {
					if err := stream.Err(); err != nil {
						return &turnError{kind: FailureGeneration, err: err}
					}
					return nil
				}
				received = true
				select {
				case texts <- chunk:
				case <-gctx.Done():
					return gctx.Err()
				}
			case <-first.C:
				if !received {
					return &turnError{kind: FailureGeneration,
						err: fmt.Errorf("no token within %s", m.firstTokenTimeout)}
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		idx := 0
		for text := range texts {
			if err := m.speak(gctx, id, idx, text); err != nil {
				return err
			}
			reply.WriteString(text)
			idx++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return reply.String(), err
	}
	return reply.String(), nil
}

// speak synthesizes one text chunk and enqueues its audio in order.
func (m *Machine) speak(ctx context.Context, turnID uint64, index int, text string) error {
	stream, err := m.tts.Synthesize(ctx, tts.SynthesizeRequest{
		Text:     text,
		Voice:    m.voice,
		Language: m.language,
		Speed:    m.speed,
		Pitch:    m.pitch,
	})
	if err != nil {
		return &turnError{kind: FailureSynthesis, err: err}
	}
	defer stream.Close()

	first := time.NewTimer(m.firstChunkTimeout)
	defer first.Stop()
	received := false
	for {
		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if err := stream.Err(); err != nil {
					return &turnError{kind: FailureSynthesis, err: err}
				}
				return nil
			}
			received = true
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.sink.Enqueue(playback.Chunk{
				TurnID:      turnID,
				Index:       index,
				PCM:         chunk.PCM,
				SampleRate:  chunk.SampleRate,
				NumChannels: chunk.NumChannels,
			})
		case <-first.C:
			if !received {
				return &turnError{kind: FailureSynthesis,
					err: fmt.Errorf("no audio within %s", m.firstChunkTimeout)}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
