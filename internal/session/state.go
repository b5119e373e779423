// Package session owns the speaking-test session: an immutable state
// aggregate, a pure reducer over typed events, and a Controller that
// coordinates capture, timing, and submission around the reducer.
package session

import (
	"fmt"
	"time"

	"github.com/rbright/viva/internal/exam"
	"github.com/rbright/viva/internal/fsm"
	"github.com/rbright/viva/internal/timing"
)

// metaPreparationEnded marks that END_PREPARATION already ran for a
// response, so a timer expiry and a manual skip converge on one effect.
const metaPreparationEnded = "preparation_ended"

// State is the full session aggregate. Reduce treats it as a value:
// every mutation returns a fresh copy and never touches the input.
type State struct {
	Phase    fsm.Phase
	ExamID   string
	Identity string

	Questions []exam.Question
	Index     int
	Responses map[string]*exam.Response

	// ElapsedSeconds counts wall time since the exam data loaded,
	// independent of any per-question countdown.
	ElapsedSeconds int

	Countdown      int
	CountdownKind  timing.Kind
	CountdownTotal int

	// RecordingSeconds is live capture progress reported by the
	// recorder itself, not derived from the countdown.
	RecordingSeconds int

	Muted      bool
	DialogOpen bool
	Submitting bool

	Result    *exam.AggregateFeedback
	LastError string
}

// NewState returns the pre-init aggregate.
func NewState() State {
	return State{
		Phase:     fsm.PhaseUninitialized,
		Responses: map[string]*exam.Response{},
	}
}

// Current returns the question at the cursor, if the exam is loaded.
func (s State) Current() (exam.Question, bool) {
	if s.Index < 0 || s.Index >= len(s.Questions) {
		return exam.Question{}, false
	}
	return s.Questions[s.Index], true
}

// LastQuestion reports whether the cursor sits on the final question.
func (s State) LastQuestion() bool {
	return len(s.Questions) > 0 && s.Index == len(s.Questions)-1
}

// Response returns the response recorded for a question, or nil.
func (s State) Response(questionID string) *exam.Response {
	return s.Responses[questionID]
}

// Clone deep-copies the aggregate so callers can hand snapshots out
// without racing the controller.
func (s State) Clone() State {
	out := s
	out.Questions = append([]exam.Question(nil), s.Questions...)
	out.Responses = make(map[string]*exam.Response, len(s.Responses))
	for id, r := range s.Responses {
		out.Responses[id] = r.Clone()
	}
	if s.Result != nil {
		result := *s.Result
		out.Result = &result
	}
	return out
}

// Event is a reducer input. Events carry data only; all side effects
// (capture, timers, network) happen in the Controller before or after
// the reduce step.
type Event interface {
	isEvent()
}

// Init starts (or restarts) a session for one exam and candidate.
type Init struct {
	ExamID   string
	Identity string
}

// DataLoaded delivers the exam definition plus any prior attempt.
type DataLoaded struct {
	Exam   exam.Exam
	Prior  map[string]*exam.Response
	Resume int
}

// DataLoadFailed records why the exam could not be loaded.
type DataLoadFailed struct{ Reason string }

// BeginPreparation opens the preparation window on the current question.
type BeginPreparation struct{}

// EndPreparation closes the preparation window. Idempotent: the second
// delivery (timer expiry racing a manual skip) is a no-op.
type EndPreparation struct{ QuestionID string }

// RecordingStarted notes that capture is live for the current question.
type RecordingStarted struct{ QuestionID string }

// RecordingFinished attaches the captured audio to a question.
type RecordingFinished struct {
	QuestionID string
	Artifact   exam.Artifact
}

// CaptureFailed marks a question's capture as errored. The question
// stays in the answered position so the candidate can skip past it.
type CaptureFailed struct {
	QuestionID string
	Reason     string
}

// QuestionSkipped marks the current question skipped and discards any
// partial audio for it.
type QuestionSkipped struct{ QuestionID string }

// Advance moves to the next question, or opens the submit confirmation
// when the cursor is already on the last one.
type Advance struct{}

// OpenSubmit and CloseSubmit toggle the submit confirmation dialog.
type OpenSubmit struct{}
type CloseSubmit struct{}

// SubmitStarted pins the aggregate while the pipeline runs.
type SubmitStarted struct{}

// SubmitSucceeded installs the pipeline's outcome and completes the
// session.
type SubmitSucceeded struct {
	Responses map[string]*exam.Response
	Aggregate exam.AggregateFeedback
}

// SubmitFailed returns the session to a retryable confirmation state.
type SubmitFailed struct{ Reason string }

// RecordingProgress mirrors the recorder's elapsed stream into the
// aggregate. Deliveries outside the recording phase are dropped.
type RecordingProgress struct{ Elapsed time.Duration }

// CountdownTick mirrors the timing engine into the aggregate.
type CountdownTick struct {
	Kind      timing.Kind
	Remaining int
	Total     int
}

// ElapsedTick advances the global session clock by one second.
type ElapsedTick struct{}

// ToggleMute flips the microphone mute flag.
type ToggleMute struct{}

func (Init) isEvent()              {}
func (DataLoaded) isEvent()        {}
func (DataLoadFailed) isEvent()    {}
func (BeginPreparation) isEvent()  {}
func (EndPreparation) isEvent()    {}
func (RecordingStarted) isEvent()  {}
func (RecordingFinished) isEvent() {}
func (CaptureFailed) isEvent()     {}
func (QuestionSkipped) isEvent()   {}
func (Advance) isEvent()           {}
func (OpenSubmit) isEvent()        {}
func (CloseSubmit) isEvent()       {}
func (SubmitStarted) isEvent()     {}
func (SubmitSucceeded) isEvent()   {}
func (SubmitFailed) isEvent()      {}
func (RecordingProgress) isEvent() {}
func (CountdownTick) isEvent()     {}
func (ElapsedTick) isEvent()       {}
func (ToggleMute) isEvent()        {}

// Reduce applies one event to the aggregate and returns the next state.
// It is pure: no I/O, no clocks, no globals. Phase changes go through
// fsm.Transition so illegal sequences surface as fsm.ErrConflict.
func Reduce(s State, ev Event) (State, error) {
	// A completed session is read-only; only an Init for a different
	// exam or candidate can replace it.
	if init, ok := ev.(Init); ok {
		return reduceInit(s, init)
	}
	if fsm.Terminal(s.Phase) {
		return s, fmt.Errorf("session completed: %w", fsm.ErrConflict)
	}

	switch ev := ev.(type) {
	case DataLoaded:
		return reduceDataLoaded(s, ev)
	case DataLoadFailed:
		next, err := transition(s, fsm.EventLoadFailed)
		if err != nil {
			return s, err
		}
		next.LastError = ev.Reason
		return next, nil
	case BeginPreparation:
		return reduceBeginPreparation(s)
	case EndPreparation:
		return reduceEndPreparation(s, ev)
	case RecordingStarted:
		return reduceRecordingStarted(s, ev)
	case RecordingFinished:
		return reduceRecordingFinished(s, ev)
	case CaptureFailed:
		return reduceCaptureFailed(s, ev)
	case QuestionSkipped:
		return reduceQuestionSkipped(s, ev)
	case Advance:
		return reduceAdvance(s)
	case OpenSubmit:
		next, err := transition(s, fsm.EventOpenSubmit)
		if err != nil {
			return s, err
		}
		next.DialogOpen = true
		return next, nil
	case CloseSubmit:
		next, err := transition(s, fsm.EventCloseSubmit)
		if err != nil {
			return s, err
		}
		next.DialogOpen = false
		return next, nil
	case SubmitStarted:
		next, err := transition(s, fsm.EventSubmitStart)
		if err != nil {
			return s, err
		}
		next.Submitting = true
		next.LastError = ""
		return next, nil
	case SubmitSucceeded:
		return reduceSubmitSucceeded(s, ev)
	case SubmitFailed:
		next, err := transition(s, fsm.EventSubmitFail)
		if err != nil {
			return s, err
		}
		next.Submitting = false
		next.LastError = ev.Reason
		return next, nil
	case RecordingProgress:
		if s.Phase != fsm.PhaseRecording {
			// A report racing the stop carries nothing worth keeping.
			return s, nil
		}
		next := s
		next.RecordingSeconds = int(ev.Elapsed / time.Second)
		return next, nil
	case CountdownTick:
		next := s
		next.CountdownKind = ev.Kind
		next.Countdown = ev.Remaining
		next.CountdownTotal = ev.Total
		return next, nil
	case ElapsedTick:
		next := s
		next.ElapsedSeconds++
		return next, nil
	case ToggleMute:
		next := s
		next.Muted = !s.Muted
		return next, nil
	default:
		return s, fmt.Errorf("unhandled event %T: %w", ev, fsm.ErrConflict)
	}
}

func transition(s State, ev fsm.Event) (State, error) {
	phase, err := fsm.Transition(s.Phase, ev)
	if err != nil {
		return s, err
	}
	next := s
	next.Phase = phase
	return next, nil
}

func reduceInit(s State, ev Init) (State, error) {
	if s.ExamID == ev.ExamID && s.Identity == ev.Identity {
		if fsm.Terminal(s.Phase) {
			return s, fmt.Errorf("attempt already completed: %w", fsm.ErrConflict)
		}
		// Re-initializing the same exam for the same candidate while a
		// load is underway or complete is a no-op, not a reset.
		if s.Phase != fsm.PhaseUninitialized && s.Phase != fsm.PhaseLoadError {
			return s, nil
		}
	}

	base := NewState()
	if s.Phase == fsm.PhaseLoadError && s.ExamID == ev.ExamID {
		base.Phase = fsm.PhaseLoadError
	}
	next, err := transition(base, fsm.EventInit)
	if err != nil {
		return s, err
	}
	next.ExamID = ev.ExamID
	next.Identity = ev.Identity
	return next, nil
}

func reduceDataLoaded(s State, ev DataLoaded) (State, error) {
	next, err := transition(s, fsm.EventLoaded)
	if err != nil {
		return s, err
	}
	next.Questions = append([]exam.Question(nil), ev.Exam.Questions...)
	next.Responses = make(map[string]*exam.Response, len(ev.Prior))
	for id, r := range ev.Prior {
		next.Responses[id] = r.Clone()
	}
	next.Index = ev.Resume
	if next.Index < 0 || next.Index >= len(next.Questions) {
		next.Index = 0
	}
	next.LastError = ""
	return next, nil
}

func reduceBeginPreparation(s State) (State, error) {
	q, ok := s.Current()
	if !ok {
		return s, fmt.Errorf("no current question: %w", fsm.ErrConflict)
	}
	if !q.HasPreparation() {
		return s, fmt.Errorf("question %s has no preparation window: %w", q.ID, fsm.ErrConflict)
	}
	if r := s.Responses[q.ID]; r != nil && r.Meta[metaPreparationEnded] == "true" {
		return s, fmt.Errorf("preparation already used for %s: %w", q.ID, fsm.ErrConflict)
	}
	next, err := transition(s, fsm.EventBeginPreparation)
	if err != nil {
		return s, err
	}
	next.Countdown = q.PreparationSeconds
	next.CountdownTotal = q.PreparationSeconds
	next.CountdownKind = timing.KindPreparation
	return next, nil
}

func reduceEndPreparation(s State, ev EndPreparation) (State, error) {
	if r := s.Responses[ev.QuestionID]; r != nil && r.Meta[metaPreparationEnded] == "true" {
		// Second delivery of the same end: expiry and manual skip race.
		return s, nil
	}
	next, err := transition(s, fsm.EventEndPreparation)
	if err != nil {
		return s, err
	}
	next.Responses = s.cloneResponses()
	r := ensureResponse(next.Responses, ev.QuestionID)
	r.SetMeta(metaPreparationEnded, "true")
	next.Countdown = 0
	next.CountdownTotal = 0
	return next, nil
}

func reduceRecordingStarted(s State, ev RecordingStarted) (State, error) {
	q, ok := s.Current()
	if !ok || q.ID != ev.QuestionID {
		return s, fmt.Errorf("question %s is not current: %w", ev.QuestionID, fsm.ErrConflict)
	}
	next, err := transition(s, fsm.EventRecord)
	if err != nil {
		return s, err
	}
	next.Responses = s.cloneResponses()
	r := ensureResponse(next.Responses, ev.QuestionID)
	r.Status = exam.StatusInProgress
	if q.HasPreparation() {
		r.SetMeta(metaPreparationEnded, "true")
	}
	next.Countdown = q.SpeakingSeconds
	next.CountdownTotal = q.SpeakingSeconds
	next.CountdownKind = timing.KindSpeaking
	next.RecordingSeconds = 0
	return next, nil
}

func reduceRecordingFinished(s State, ev RecordingFinished) (State, error) {
	next, err := transition(s, fsm.EventFinishRecording)
	if err != nil {
		return s, err
	}
	next.Responses = s.cloneResponses()
	r := ensureResponse(next.Responses, ev.QuestionID)
	r.Status = exam.StatusInProgress
	artifact := ev.Artifact
	r.Artifact = &artifact
	r.ErrDetail = ""
	next.Countdown = 0
	next.CountdownTotal = 0
	next.RecordingSeconds = 0
	return next, nil
}

func reduceCaptureFailed(s State, ev CaptureFailed) (State, error) {
	next, err := transition(s, fsm.EventFinishRecording)
	if err != nil {
		return s, err
	}
	next.Responses = s.cloneResponses()
	r := ensureResponse(next.Responses, ev.QuestionID)
	r.Status = exam.StatusError
	r.Artifact = nil
	r.ErrDetail = ev.Reason
	next.LastError = ev.Reason
	next.Countdown = 0
	next.CountdownTotal = 0
	next.RecordingSeconds = 0
	return next, nil
}

func reduceQuestionSkipped(s State, ev QuestionSkipped) (State, error) {
	next, err := transition(s, fsm.EventSkip)
	if err != nil {
		return s, err
	}
	next.Responses = s.cloneResponses()
	r := ensureResponse(next.Responses, ev.QuestionID)
	r.Status = exam.StatusSkipped
	r.Artifact = nil
	r.AudioRef = ""
	r.ErrDetail = ""
	next.Countdown = 0
	next.CountdownTotal = 0
	next.RecordingSeconds = 0
	return next, nil
}

func reduceAdvance(s State) (State, error) {
	if s.LastQuestion() {
		next, err := transition(s, fsm.EventOpenSubmit)
		if err != nil {
			return s, err
		}
		next.DialogOpen = true
		return next, nil
	}
	next, err := transition(s, fsm.EventAdvance)
	if err != nil {
		return s, err
	}
	next.Index++
	next.Countdown = 0
	next.CountdownTotal = 0
	return next, nil
}

func reduceSubmitSucceeded(s State, ev SubmitSucceeded) (State, error) {
	next, err := transition(s, fsm.EventSubmitOK)
	if err != nil {
		return s, err
	}
	next.Submitting = false
	next.DialogOpen = false
	next.Responses = make(map[string]*exam.Response, len(ev.Responses))
	for id, r := range ev.Responses {
		next.Responses[id] = r.Clone()
	}
	aggregate := ev.Aggregate
	next.Result = &aggregate
	next.LastError = ""
	return next, nil
}

func (s State) cloneResponses() map[string]*exam.Response {
	out := make(map[string]*exam.Response, len(s.Responses))
	for id, r := range s.Responses {
		out[id] = r.Clone()
	}
	return out
}

func ensureResponse(responses map[string]*exam.Response, questionID string) *exam.Response {
	if r, ok := responses[questionID]; ok {
		return r
	}
	r := &exam.Response{QuestionID: questionID, Status: exam.StatusIdle}
	responses[questionID] = r
	return r
}

// ResumePosition picks the cursor for a resumed attempt: the first
// question, in part order, without a concluded response.
func ResumePosition(questions []exam.Question, responses map[string]*exam.Response) int {
	for i, q := range questions {
		r := responses[q.ID]
		if r == nil || !r.Terminal() {
			return i
		}
	}
	if len(questions) == 0 {
		return 0
	}
	return len(questions) - 1
}
