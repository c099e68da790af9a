package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/voiceloop/voiceloop/pkg/ai/llm"
	llmfake "github.com/voiceloop/voiceloop/pkg/ai/llm/fake"
	"github.com/voiceloop/voiceloop/pkg/ai/stt"
	sttfake "github.com/voiceloop/voiceloop/pkg/ai/stt/fake"
	ttsfake "github.com/voiceloop/voiceloop/pkg/ai/tts/fake"
	vadfake "github.com/voiceloop/voiceloop/pkg/ai/vad/fake"
	"github.com/voiceloop/voiceloop/pkg/playback"
	"github.com/voiceloop/voiceloop/pkg/rtc"
	"github.com/voiceloop/voiceloop/pkg/segment"
	"github.com/voiceloop/voiceloop/pkg/voice"
)

const (
	testFrameDur   = 30 * time.Millisecond
	testSampleRate = 16000
)

// collectDevice records played chunks. With perPlay set it blocks that long
// per chunk, honoring cancellation, so hard-stop flushes leave the chunk
// unrecorded.
type collectDevice struct {
	mu      sync.Mutex
	played  []playback.Chunk
	perPlay time.Duration
}

func (d *collectDevice) Play(ctx context.Context, chunk playback.Chunk) error {
	if d.perPlay > 0 {
		select {
		case <-time.After(d.perPlay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.played = append(d.played, chunk)
	d.mu.Unlock()
	return nil
}

func (d *collectDevice) chunks() []playback.Chunk {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]playback.Chunk, len(d.played))
	copy(out, d.played)
	return out
}

// eventLog collects machine events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// waitFor polls until an event of the given kind appears after offset skip.
func (l *eventLog) waitFor(t *testing.T, kind EventKind, skip int) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range l.all()[min(skip, len(l.all())):] {
			if ev.Kind == kind {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %s", kind)
	return Event{}
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, ev := range l.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type envConfig struct {
	transcripts []string
	llmChunks   []string
	ttsChunks   int
	guard       voice.GuardConfig
	perPlay     time.Duration
	hardStop    bool

	transcribeTimeout time.Duration
	firstTokenTimeout time.Duration
	firstChunkTimeout time.Duration

	// wrapLLM lets a test interpose on the generator the machine sees.
	wrapLLM func(llm.LLM) llm.LLM
}

type env struct {
	vad    *vadfake.FakeVAD
	stt    *sttfake.FakeSTT
	llm    *llmfake.FakeLLM
	tts    *ttsfake.FakeTTS
	device *collectDevice
	sink   *playback.Sink
	guard  *voice.EchoGuard
	mic    chan rtc.AudioFrame
	m      *Machine
	events *eventLog
	seq    uint64
}

func newEnv(t *testing.T, cfg envConfig) *env {
	t.Helper()

	if len(cfg.transcripts) == 0 {
		cfg.transcripts = []string{"hello"}
	}
	if len(cfg.llmChunks) == 0 {
		cfg.llmChunks = []string{"Hi ", "there, ", "friend."}
	}
	if cfg.ttsChunks == 0 {
		cfg.ttsChunks = 1
	}
	if cfg.guard.Release == 0 {
		cfg.guard.Release = 20 * time.Millisecond
	}

	e := &env{
		vad:    vadfake.NewFakeVAD(),
		stt:    sttfake.NewFakeSTT(cfg.transcripts...),
		llm:    llmfake.NewFakeLLM(cfg.llmChunks...),
		tts:    ttsfake.NewFakeTTS(),
		device: &collectDevice{perPlay: cfg.perPlay},
		mic:    make(chan rtc.AudioFrame, 64),
		events: &eventLog{},
	}
	e.tts.SetChunksPerRequest(cfg.ttsChunks)
	e.sink = playback.NewSink(e.device, playback.Config{HardStop: cfg.hardStop}, nil)
	e.guard = voice.NewEchoGuard(cfg.guard)

	seg := segment.New(segment.Config{
		OnsetFrames:    2,
		HangoverFrames: 2,
		PreRollFrames:  2,
		MinDuration:    testFrameDur,
	}, nil)

	var generator llm.LLM = e.llm
	if cfg.wrapLLM != nil {
		generator = cfg.wrapLLM(e.llm)
	}

	m, err := New(Config{
		VAD:               e.vad,
		STT:               e.stt,
		LLM:               generator,
		TTS:               e.tts,
		Sink:              e.sink,
		Guard:             e.guard,
		Segmenter:         seg,
		MicIn:             e.mic,
		SystemPrompt:      "You are a helpful voice companion.",
		TranscribeTimeout: cfg.transcribeTimeout,
		FirstTokenTimeout: cfg.firstTokenTimeout,
		FirstChunkTimeout: cfg.firstChunkTimeout,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.m = m
	m.Notify(e.events.add)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.sink.Run(ctx)
	go e.m.Run(ctx)

	return e
}

// feed pushes n silent frames; the scripted VAD decides their labels.
func (e *env) feed(n int) {
	for i := 0; i < n; i++ {
		data := make([]byte, testSampleRate/1000*int(testFrameDur.Milliseconds())*2)
		f, err := rtc.NewAudioFrame(data, testSampleRate, 1, testFrameDur, e.seq, time.Duration(e.seq)*testFrameDur)
		if err != nil {
			panic(err)
		}
		e.seq++
		e.mic <- *f
	}
}

// speakUtterance scripts and feeds one clean utterance.
func (e *env) speakUtterance() {
	e.vad.Append(true, true, true, true, false, false, false, false)
	e.feed(8)
}

func TestMachineRequiresComponents(t *testing.T) {
	is := is.New(t)
	_, err := New(Config{})
	is.True(err != nil)
}

func TestTurnHappyPath(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{})

	e.speakUtterance()

	done := e.events.waitFor(t, EventTurnCompleted, 0)
	is.Equal(done.TurnID, uint64(1))
	is.Equal(done.Transcript, "hello")
	is.Equal(done.Reply, "Hi there, friend.")
	is.Equal(e.m.CurrentState(), StateIdle)

	// One synthesis request per generated text chunk, in order.
	reqs := e.tts.Requests()
	is.Equal(len(reqs), 3)
	is.Equal(reqs[0].Text, "Hi ")
	is.Equal(reqs[1].Text, "there, ")
	is.Equal(reqs[2].Text, "friend.")

	// Audio played strictly in generation order.
	played := e.device.chunks()
	is.Equal(len(played), 3)
	for i, c := range played {
		is.Equal(c.TurnID, uint64(1))
		is.Equal(c.Index, i)
	}

	// The exchange entered the conversation context.
	hist := e.m.History()
	is.Equal(len(hist), 2)
	is.Equal(hist[0].Content, "hello")
	is.Equal(hist[1].Content, "Hi there, friend.")
}

func TestMultiChunkSynthesisKeepsOrder(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{
		llmChunks: []string{"one ", "two ", "three ", "four."},
		ttsChunks: 2,
	})

	e.speakUtterance()
	e.events.waitFor(t, EventTurnCompleted, 0)

	played := e.device.chunks()
	is.Equal(len(played), 8)
	for i, c := range played {
		is.Equal(c.Index, i/2) // both audio chunks of a text chunk carry its index
	}
}

func TestEmptyTranscriptGoesQuiet(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{transcripts: []string{"   "}})

	e.speakUtterance()

	ev := e.events.waitFor(t, EventTurnAbandoned, 0)
	is.Equal(ev.Failure, FailureNone)
	is.NoErr(ev.Err)
	is.Equal(e.m.CurrentState(), StateIdle)
	is.Equal(len(e.llm.Requests()), 0)
	is.Equal(len(e.m.History()), 0)
}

func TestTranscriptionFailureAbandonsTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{})
	e.stt.SetError(stt.ErrServiceUnavailable)

	e.speakUtterance()

	ev := e.events.waitFor(t, EventTurnAbandoned, 0)
	is.Equal(ev.Failure, FailureTranscription)
	is.True(errors.Is(ev.Err, stt.ErrServiceUnavailable))
	is.Equal(e.m.CurrentState(), StateIdle)
	is.Equal(len(e.llm.Requests()), 0)
}

func TestGenerationFailureFailsTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{llmChunks: []string{"partial ", "never"}})
	e.llm.SetError(errors.New("upstream hiccup"))

	e.speakUtterance()

	ev := e.events.waitFor(t, EventTurnFailed, 0)
	is.Equal(ev.Failure, FailureGeneration)
	is.True(ev.Err != nil)
	is.Equal(e.m.CurrentState(), StateIdle)
	is.Equal(len(e.m.History()), 0) // failed turns stay out of context
}

func TestSynthesisFailureFailsTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{})
	e.tts.SetError(errors.New("voice model crashed"))

	e.speakUtterance()

	ev := e.events.waitFor(t, EventTurnFailed, 0)
	is.Equal(ev.Failure, FailureSynthesis)
	is.Equal(e.m.CurrentState(), StateIdle)
}

func TestBargeInSupersedesTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{
		llmChunks: []string{"A very long reply that keeps playing."},
		guard:     voice.GuardConfig{Release: 20 * time.Millisecond, BargeIn: true, BargeInFrames: 3},
		perPlay:   2 * time.Second,
		hardStop:  true,
	})

	e.speakUtterance()

	// Reply audio is now playing; the guard suppresses capture.
	waitUntil(t, e.guard.Suppressed, "playback suppression")

	// Sustained speech over the reply triggers barge-in.
	e.vad.Append(true, true, true, true, true)
	e.feed(5)

	ev := e.events.waitFor(t, EventTurnInterrupted, 0)
	is.Equal(ev.TurnID, uint64(1))
	is.Equal(ev.Transcript, "hello")

	// The truncated chunk never finished, so nothing was recorded as played.
	is.Equal(len(e.device.chunks()), 0)

	// The interrupting speech becomes the next utterance and a new turn.
	e.vad.Append(true, true, false, false, false)
	e.feed(5)

	waitUntil(t, func() bool {
		for _, ev := range e.events.all() {
			if ev.Kind == EventTurnStarted && ev.TurnID == 2 {
				return true
			}
		}
		return false
	}, "second turn")

	// Interruption strictly precedes the new turn.
	var sawInterrupt bool
	for _, ev := range e.events.all() {
		if ev.Kind == EventTurnInterrupted {
			sawInterrupt = true
		}
		if ev.Kind == EventTurnStarted && ev.TurnID == 2 {
			is.True(sawInterrupt)
		}
	}

	// The superseded turn never reaches the conversation context.
	is.Equal(len(e.m.History()), 0)
}

func TestNoiseBelowOnsetNeverStartsTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{})

	// Single-frame blips separated by silence stay below the onset run.
	e.vad.Append(true, false, true, false, true, false)
	e.feed(6)

	time.Sleep(50 * time.Millisecond)
	is.Equal(e.events.count(EventTurnStarted), 0)
	is.Equal(e.m.CurrentState(), StateIdle)
}

func TestTranscriptionTimeoutAbandonsTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{transcribeTimeout: 40 * time.Millisecond})
	e.stt.SetDelay(2 * time.Second)

	e.speakUtterance()

	ev := e.events.waitFor(t, EventTurnAbandoned, 0)
	is.Equal(ev.Failure, FailureTranscription)
	is.True(stt.IsTimeout(ev.Err))
	is.Equal(e.m.CurrentState(), StateIdle)
	is.Equal(len(e.llm.Requests()), 0) // a timed-out turn never reaches generation
}

func TestFirstTokenTimeoutFailsTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{firstTokenTimeout: 40 * time.Millisecond})
	e.llm.SetDelay(2 * time.Second)

	e.speakUtterance()

	ev := e.events.waitFor(t, EventTurnFailed, 0)
	is.Equal(ev.Failure, FailureGeneration)
	is.True(strings.Contains(ev.Err.Error(), "no token"))
	is.Equal(e.m.CurrentState(), StateIdle)
	is.Equal(len(e.m.History()), 0)
}

func TestFirstChunkTimeoutFailsTurn(t *testing.T) {
	is := is.New(t)
	e := newEnv(t, envConfig{firstChunkTimeout: 40 * time.Millisecond})
	e.tts.SetDelay(2 * time.Second)

	e.speakUtterance()

	ev := e.events.waitFor(t, EventTurnFailed, 0)
	is.Equal(ev.Failure, FailureSynthesis)
	is.True(strings.Contains(ev.Err.Error(), "no audio"))
	is.Equal(e.m.CurrentState(), StateIdle)
}

// releaseTrackingLLM records the context each generation call receives so a
// test can observe whether the machine released it afterwards.
type releaseTrackingLLM struct {
	inner llm.LLM

	mu  sync.Mutex
	ctx context.Context
}

func (c *releaseTrackingLLM) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	return c.inner.ChatStream(ctx, req)
}

func (c *releaseTrackingLLM) Capabilities() llm.Capabilities { return c.inner.Capabilities() }

func (c *releaseTrackingLLM) turnCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func TestCompletedTurnReleasesItsContext(t *testing.T) {
	is := is.New(t)
	tracker := &releaseTrackingLLM{}
	e := newEnv(t, envConfig{wrapLLM: func(inner llm.LLM) llm.LLM {
		tracker.inner = inner
		return tracker
	}})

	e.speakUtterance()
	done := e.events.waitFor(t, EventTurnCompleted, 0)
	is.Equal(done.TurnID, uint64(1))

	// A session runs indefinitely across turns; a finished turn must not
	// leave its cancel context registered on the session context.
	waitUntil(t, func() bool {
		ctx := tracker.turnCtx()
		return ctx != nil && ctx.Err() != nil
	}, "turn context release")
}

func TestCompletionSurvivesMissedSinkNotification(t *testing.T) {
	is := is.New(t)

	device := &collectDevice{}
	sink := playback.NewSink(device, playback.Config{}, nil)
	seg := segment.New(segment.Config{
		OnsetFrames:    2,
		HangoverFrames: 2,
		PreRollFrames:  2,
		MinDuration:    testFrameDur,
	}, nil)

	m, err := New(Config{
		VAD:       vadfake.NewFakeVAD(),
		STT:       sttfake.NewFakeSTT(),
		LLM:       llmfake.NewFakeLLM(),
		TTS:       ttsfake.NewFakeTTS(),
		Sink:      sink,
		Guard:     voice.NewEchoGuard(voice.GuardConfig{Release: 20 * time.Millisecond}),
		Segmenter: seg,
		MicIn:     make(chan rtc.AudioFrame),
	})
	is.NoErr(err)
	events := &eventLog{}
	m.Notify(events.add)

	// A turn whose pipeline finished while audio was still draining and
	// whose final idle notification never reached the loop. The sink is
	// drained, so the loop's recheck must finish the turn on its own.
	var released atomic.Bool
	m.current = &Turn{ID: 1, Transcript: "hello", Reply: "Hi.", State: TurnResponding, StartedAt: time.Now()}
	m.turnCancel = func() { released.Store(true) }
	m.pipelineDone = true
	m.state.Store(int32(StateResponding))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	done := events.waitFor(t, EventTurnCompleted, 0)
	is.Equal(done.TurnID, uint64(1))
	is.Equal(m.CurrentState(), StateIdle)
	is.True(released.Load()) // the stuck turn's context was cancelled too
}
