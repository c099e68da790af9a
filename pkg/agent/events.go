package agent

import "fmt"

// EventKind identifies the type of a conversation event.
type EventKind int

const (
	// EventStateChanged fires on every state transition.
	EventStateChanged EventKind = iota
	// EventTurnStarted fires when a finalized utterance begins a turn.
	EventTurnStarted
	// EventTranscript fires once the utterance has been transcribed.
	EventTranscript
	// EventTurnCompleted fires when the reply has fully played out.
	EventTurnCompleted
	// EventTurnAbandoned fires when a turn ends before a reply was produced,
	// either because transcription failed or the transcript was empty.
	EventTurnAbandoned
	// EventTurnFailed fires when generation, synthesis, or playback failed
	// mid-turn. Partially played audio is not retried.
	EventTurnFailed
	// EventTurnInterrupted fires when the user barged in over a reply.
	EventTurnInterrupted
	// EventLevel carries the loudness of the chunk currently playing.
	EventLevel
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "StateChanged"
	case EventTurnStarted:
		return "TurnStarted"
	case EventTranscript:
		return "Transcript"
	case EventTurnCompleted:
		return "TurnCompleted"
	case EventTurnAbandoned:
		return "TurnAbandoned"
	case EventTurnFailed:
		return "TurnFailed"
	case EventTurnInterrupted:
		return "TurnInterrupted"
	case EventLevel:
		return "Level"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// FailureKind classifies where in the turn pipeline a failure occurred.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTranscription
	FailureGeneration
	FailureSynthesis
	FailurePlayback
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "None"
	case FailureTranscription:
		return "Transcription"
	case FailureGeneration:
		return "Generation"
	case FailureSynthesis:
		return "Synthesis"
	case FailurePlayback:
		return "Playback"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Event describes a conversation event pushed to registered listeners.
type Event struct {
	Kind       EventKind
	SessionID  string
	TurnID     uint64
	State      State
	Transcript string
	Reply      string
	Level      float64
	Failure    FailureKind
	Err        error
}

// Listener receives conversation events. Listeners are invoked from the
// machine's event loop and must not block.
type Listener func(Event)
