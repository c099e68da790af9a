package agent

import (
	"fmt"
	"time"

	"github.com/voiceloop/voiceloop/pkg/segment"
)

// TurnState tracks the lifecycle of a single conversational turn.
type TurnState int

const (
	TurnTranscribing TurnState = iota
	TurnResponding
	TurnCompleted
	TurnAbandoned
	TurnFailed
	TurnSuperseded
)

func (s TurnState) String() string {
	switch s {
	case TurnTranscribing:
		return "Transcribing"
	case TurnResponding:
		return "Responding"
	case TurnCompleted:
		return "Completed"
	case TurnAbandoned:
		return "Abandoned"
	case TurnFailed:
		return "Failed"
	case TurnSuperseded:
		return "Superseded"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Turn binds one finalized utterance to the reply produced for it.
// A turn is owned by the machine's event loop; the per-turn pipeline
// goroutine reports back through events rather than mutating it.
type Turn struct {
	ID         uint64
	Utterance  *segment.Utterance
	Transcript string
	Reply      string
	State      TurnState
	StartedAt  time.Time
	EndedAt    time.Time
}

// Duration reports how long the turn was live.
func (t *Turn) Duration() time.Duration {
	if t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// turnEventKind identifies messages from the pipeline goroutine back to
// the event loop.
type turnEventKind int

const (
	turnTranscribed turnEventKind = iota
	turnPipelined
)

// turnEvent is posted by the per-turn pipeline. A turnPipelined event with
// a nil error means every synthesized chunk has been handed to the sink;
// completion still waits for playback to drain.
type turnEvent struct {
	kind       turnEventKind
	turnID     uint64
	transcript string
	reply      string
	abandoned  bool
	failure    FailureKind
	err        error
}

// turnError carries the pipeline stage that failed alongside the cause.
type turnError struct {
	kind FailureKind
	err  error
}

func (e *turnError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *turnError) Unwrap() error { return e.err }
