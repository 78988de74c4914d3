package aiclient

import "fmt"

// BindingState is the AI binding lifecycle:
// CONNECTING → READY ↔ PAUSED → CLOSED, any state → FAILED on provider error.
type BindingState int32

const (
	StateConnecting BindingState = iota
	StateReady
	StatePaused
	StateClosed
	StateFailed
)

func (s BindingState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type EventKind int

const (
	// EventSetupComplete fires once after the provider handshake.
	EventSetupComplete EventKind = iota
	// EventInputTranscript carries a finalized, filtered customer sentence.
	EventInputTranscript
	// EventOutputSentence carries one cleaned AI sentence.
	EventOutputSentence
	// EventAudioChunk carries synthesized pcm_s16le_24k audio.
	EventAudioChunk
	// EventTurnComplete marks the end of an AI turn.
	EventTurnComplete
	// EventError is terminal: the binding has transitioned to FAILED.
	EventError
)

// Event is one refined inbound event from the binding. Audio is only set for
// EventAudioChunk, Text for the transcript kinds, Err for EventError.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Err   error
}

// rawEvent is one decoded provider frame before the transcription pipeline.
type rawEvent struct {
	setupComplete bool
	inputText     string
	outputText    string
	audio         []byte
	turnComplete  bool
	err           error
}
