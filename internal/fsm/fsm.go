// Package fsm defines the exam-level phase machine as a pure transition function.
package fsm

import (
	"errors"
	"fmt"
)

type Phase string

type Event string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseLoading       Phase = "loading"
	PhaseLoadError     Phase = "load_error"
	PhaseAwaiting      Phase = "awaiting"
	PhasePreparing     Phase = "preparing"
	PhaseRecording     Phase = "recording"
	PhaseAnswered      Phase = "answered"
	PhaseSubmitPending Phase = "submit_pending"
	PhaseSubmitting    Phase = "submitting"
	PhaseCompleted     Phase = "completed"
	PhaseSubmitFailed  Phase = "submit_failed"
)

const (
	EventInit             Event = "init"
	EventLoaded           Event = "loaded"
	EventLoadFailed       Event = "load_failed"
	EventBeginPreparation Event = "begin_preparation"
	EventEndPreparation   Event = "end_preparation"
	EventRecord           Event = "record"
	EventFinishRecording  Event = "finish_recording"
	EventSkip             Event = "skip"
	EventAdvance          Event = "advance"
	EventOpenSubmit       Event = "open_submit"
	EventCloseSubmit      Event = "close_submit"
	EventSubmitStart      Event = "submit_start"
	EventSubmitOK         Event = "submit_ok"
	EventSubmitFail       Event = "submit_fail"
)

// ErrConflict marks an event issued against a phase that cannot accept it.
var ErrConflict = errors.New("timing conflict")

// Transition returns the phase that follows current when event fires.
// PhaseCompleted is terminal: every event is a conflict once reached.
func Transition(current Phase, event Event) (Phase, error) {
	switch current {
	case PhaseUninitialized:
		if event == EventInit {
			return PhaseLoading, nil
		}
	case PhaseLoading:
		switch event {
		case EventLoaded:
			return PhaseAwaiting, nil
		case EventLoadFailed:
			return PhaseLoadError, nil
		}
	case PhaseLoadError:
		if event == EventInit {
			return PhaseLoading, nil
		}
	case PhaseAwaiting:
		switch event {
		case EventBeginPreparation:
			return PhasePreparing, nil
		case EventRecord:
			return PhaseRecording, nil
		case EventSkip:
			return PhaseAnswered, nil
		case EventOpenSubmit:
			return PhaseSubmitPending, nil
		}
	case PhasePreparing:
		switch event {
		case EventEndPreparation:
			return PhaseAwaiting, nil
		case EventRecord:
			return PhaseRecording, nil
		case EventSkip:
			return PhaseAnswered, nil
		}
	case PhaseRecording:
		switch event {
		case EventFinishRecording, EventSkip:
			return PhaseAnswered, nil
		}
	case PhaseAnswered:
		switch event {
		case EventAdvance:
			return PhaseAwaiting, nil
		case EventOpenSubmit:
			return PhaseSubmitPending, nil
		case EventSkip:
			// Re-skipping an answered question (e.g. clearing an errored
			// capture) keeps the position unchanged.
			return PhaseAnswered, nil
		}
	case PhaseSubmitPending, PhaseSubmitFailed:
		switch event {
		case EventCloseSubmit:
			return PhaseAwaiting, nil
		case EventSubmitStart:
			return PhaseSubmitting, nil
		}
	case PhaseSubmitting:
		switch event {
		case EventSubmitOK:
			return PhaseCompleted, nil
		case EventSubmitFail:
			return PhaseSubmitFailed, nil
		}
	case PhaseCompleted:
		return current, fmt.Errorf("%w: session already completed", ErrConflict)
	default:
		return current, fmt.Errorf("unknown phase %q", current)
	}
	return current, fmt.Errorf("%w: %s --(%s)--> ?", ErrConflict, current, event)
}

// Terminal reports whether no further mutating transition is possible.
func Terminal(p Phase) bool {
	return p == PhaseCompleted
}
