package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/viva/internal/capture"
	"github.com/rbright/viva/internal/exam"
	"github.com/rbright/viva/internal/fsm"
	"github.com/rbright/viva/internal/pipeline"
	"github.com/rbright/viva/internal/timing"
)

// ErrValidation reports a submission attempted while some question is
// still unanswered or stuck in an error status.
var ErrValidation = errors.New("session not ready to submit")

// ErrBusy reports an operation dropped because an identical one is
// already in flight.
var ErrBusy = errors.New("operation already in flight")

// Loader fetches the exam definition and any prior attempt. Satisfied
// by store.Store.
type Loader interface {
	LoadExam(ctx context.Context, examID string) (exam.Exam, error)
	ResponsesByIdentity(ctx context.Context, identity string) (map[string]*exam.Response, error)
}

// Submitter runs the submission pipeline. Satisfied by
// pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, identity, examID string, questions []exam.Question, responses map[string]*exam.Response) (pipeline.Outcome, error)
}

// Controller owns the session aggregate. All mutations funnel through
// Apply, which holds the state lock across the read-reduce-store step,
// so concurrent callers always reduce against the state they observed.
type Controller struct {
	logger    *slog.Logger
	loader    Loader
	capture   capture.Lifecycle
	timer     *timing.Engine
	submitter Submitter

	mu    sync.RWMutex
	state State

	// Try-lock guards: the losing caller of a concurrent load or
	// submit is dropped, never queued.
	loadGuard   sync.Mutex
	submitGuard sync.Mutex
}

// NewController wires the session around its collaborators.
func NewController(logger *slog.Logger, loader Loader, rec capture.Lifecycle, timer *timing.Engine, submitter Submitter) *Controller {
	return &Controller{
		logger:    logger,
		loader:    loader,
		capture:   rec,
		timer:     timer,
		submitter: submitter,
		state:     NewState(),
	}
}

// State returns a snapshot safe to read without further locking.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Apply reduces one event against the current state. The lock spans
// the whole read-then-apply so transitions are atomic.
func (c *Controller) Apply(ev Event) error {
	_, err := c.applyAndSnapshot(ev)
	return err
}

// applyAndSnapshot reduces one event and returns the resulting state
// from the same critical section, so the caller sees exactly the state
// the event produced.
func (c *Controller) applyAndSnapshot(ev Event) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := Reduce(c.state, ev)
	if err != nil {
		return State{}, err
	}
	c.state = next
	return next.Clone(), nil
}

// Run drains timing signals until ctx is cancelled and keeps the
// global session clock ticking. Call it once, in its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	clock := time.NewTicker(time.Second)
	defer clock.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Teardown(context.Background())
			return
		case sig := <-c.timer.Signals():
			c.handleSignal(ctx, sig)
		case d := <-c.capture.Elapsed():
			_ = c.Apply(RecordingProgress{Elapsed: d})
		case <-clock.C:
			if active(c.State().Phase) {
				_ = c.Apply(ElapsedTick{})
			}
		}
	}
}

func active(p fsm.Phase) bool {
	switch p {
	case fsm.PhaseAwaiting, fsm.PhasePreparing, fsm.PhaseRecording,
		fsm.PhaseAnswered, fsm.PhaseSubmitPending, fsm.PhaseSubmitting,
		fsm.PhaseSubmitFailed:
		return true
	}
	return false
}

func (c *Controller) handleSignal(ctx context.Context, sig timing.Signal) {
	if !sig.Expired {
		_ = c.Apply(CountdownTick{Kind: sig.Kind, Remaining: sig.Remaining, Total: sig.Total})
		return
	}
	s := c.State()
	q, ok := s.Current()
	if !ok {
		return
	}
	switch sig.Kind {
	case timing.KindPreparation:
		// Converges with a manual end; the reducer absorbs the repeat.
		if err := c.Apply(EndPreparation{QuestionID: q.ID}); err != nil && !errors.Is(err, fsm.ErrConflict) {
			c.logger.Warn("preparation expiry dropped", "question", q.ID, "error", err)
		}
	case timing.KindSpeaking:
		// One expiry, one stop. The engine never re-fires an arm.
		c.finishRecording(ctx, q.ID)
	}
}

// Init loads exam data for a candidate. A second Init for the same
// exam and identity while one is in flight (or after it finished) is
// dropped, not queued.
func (c *Controller) Init(ctx context.Context, examID, identity string) error {
	if !c.loadGuard.TryLock() {
		return fmt.Errorf("load: %w", ErrBusy)
	}
	defer c.loadGuard.Unlock()

	before := c.State()
	if err := c.Apply(Init{ExamID: examID, Identity: identity}); err != nil {
		return err
	}
	after := c.State()
	if after.Phase == before.Phase && after.Phase != fsm.PhaseLoading {
		// Re-init no-op: same exam, same candidate, data already live.
		return nil
	}

	ex, err := c.loader.LoadExam(ctx, examID)
	if err != nil {
		c.logger.Error("exam load failed", "exam", examID, "error", err)
		_ = c.Apply(DataLoadFailed{Reason: err.Error()})
		return err
	}
	prior, err := c.loader.ResponsesByIdentity(ctx, identity)
	if err != nil {
		c.logger.Error("prior responses load failed", "identity", identity, "error", err)
		_ = c.Apply(DataLoadFailed{Reason: err.Error()})
		return err
	}
	resume := ResumePosition(ex.Questions, prior)
	if err := c.Apply(DataLoaded{Exam: ex, Prior: prior, Resume: resume}); err != nil {
		return err
	}
	c.logger.Info("session loaded",
		"exam", examID,
		"questions", len(ex.Questions),
		"resume", resume)
	return nil
}

// BeginPreparation opens the preparation countdown for the current
// question.
func (c *Controller) BeginPreparation(ctx context.Context) error {
	s := c.State()
	q, ok := s.Current()
	if !ok {
		return fmt.Errorf("no current question: %w", fsm.ErrConflict)
	}
	if err := c.Apply(BeginPreparation{}); err != nil {
		return err
	}
	c.timer.Arm(timing.KindPreparation, q.PreparationSeconds)
	return nil
}

// EndPreparation closes the preparation window early.
func (c *Controller) EndPreparation(ctx context.Context) error {
	s := c.State()
	q, ok := s.Current()
	if !ok {
		return fmt.Errorf("no current question: %w", fsm.ErrConflict)
	}
	c.timer.Disarm()
	return c.Apply(EndPreparation{QuestionID: q.ID})
}

// Record starts audio capture for the current question. A failed start
// leaves both the capture lifecycle and the aggregate untouched.
func (c *Controller) Record(ctx context.Context) error {
	s := c.State()
	q, ok := s.Current()
	if !ok {
		return fmt.Errorf("no current question: %w", fsm.ErrConflict)
	}

	if err := c.capture.Initialize(ctx); err != nil {
		return err
	}
	maxDuration := time.Duration(q.SpeakingSeconds) * time.Second
	if err := c.capture.Start(ctx, maxDuration); err != nil {
		return err
	}
	if err := c.Apply(RecordingStarted{QuestionID: q.ID}); err != nil {
		// The reduce rejected the phase change; roll the capture back.
		if _, stopErr := c.capture.Stop(ctx); stopErr != nil {
			c.capture.Cleanup()
		}
		return err
	}
	c.timer.Disarm()
	c.timer.Arm(timing.KindSpeaking, q.SpeakingSeconds)
	return nil
}

// StopRecording finalizes capture for the current question.
func (c *Controller) StopRecording(ctx context.Context) error {
	s := c.State()
	q, ok := s.Current()
	if !ok {
		return fmt.Errorf("no current question: %w", fsm.ErrConflict)
	}
	if s.Phase != fsm.PhaseRecording {
		return fmt.Errorf("not recording: %w", fsm.ErrConflict)
	}
	c.timer.Disarm()
	return c.finishRecording(ctx, q.ID)
}

func (c *Controller) finishRecording(ctx context.Context, questionID string) error {
	artifact, err := c.capture.Stop(ctx)
	if err != nil {
		c.logger.Error("capture stop failed", "question", questionID, "error", err)
		if applyErr := c.Apply(CaptureFailed{QuestionID: questionID, Reason: err.Error()}); applyErr != nil {
			return applyErr
		}
		return err
	}
	return c.Apply(RecordingFinished{QuestionID: questionID, Artifact: artifact})
}

// Skip marks the current question skipped, discarding any live capture.
func (c *Controller) Skip(ctx context.Context) error {
	s := c.State()
	q, ok := s.Current()
	if !ok {
		return fmt.Errorf("no current question: %w", fsm.ErrConflict)
	}
	c.timer.Disarm()
	if s.Phase == fsm.PhaseRecording {
		// Skipped audio is never kept; tear the capture down.
		if _, err := c.capture.Stop(ctx); err != nil {
			c.capture.Cleanup()
		}
	}
	return c.Apply(QuestionSkipped{QuestionID: q.ID})
}

// Advance moves to the next question. Advancing away mid-recording
// stops the capture first so the partial take is kept in-progress.
func (c *Controller) Advance(ctx context.Context) error {
	s := c.State()
	if s.Phase == fsm.PhaseRecording {
		q, ok := s.Current()
		if !ok {
			return fmt.Errorf("no current question: %w", fsm.ErrConflict)
		}
		c.timer.Disarm()
		if err := c.finishRecording(ctx, q.ID); err != nil && !errors.Is(err, fsm.ErrConflict) {
			c.logger.Warn("capture lost while navigating", "question", q.ID, "error", err)
		}
	}
	return c.Apply(Advance{})
}

// OpenSubmit and CloseSubmit toggle the confirmation dialog.
func (c *Controller) OpenSubmit() error  { return c.Apply(OpenSubmit{}) }
func (c *Controller) CloseSubmit() error { return c.Apply(CloseSubmit{}) }

// ToggleMute flips the mute flag on the aggregate.
func (c *Controller) ToggleMute() error { return c.Apply(ToggleMute{}) }

// Submit validates the session and runs the pipeline. A second submit
// while one is in flight is dropped. On failure the session returns to
// a retryable confirmation state.
func (c *Controller) Submit(ctx context.Context) error {
	if !c.submitGuard.TryLock() {
		return fmt.Errorf("submit: %w", ErrBusy)
	}
	defer c.submitGuard.Unlock()

	if err := validateForSubmit(c.State()); err != nil {
		return err
	}

	// The submitted set is the one the submitting transition pinned:
	// anything interleaved before it is included, anything after is
	// rejected by the phase guard.
	s, err := c.applyAndSnapshot(SubmitStarted{})
	if err != nil {
		return err
	}
	if err := validateForSubmit(s); err != nil {
		_ = c.Apply(SubmitFailed{Reason: err.Error()})
		return err
	}

	outcome, err := c.submitter.Submit(ctx, s.Identity, s.ExamID, s.Questions, s.Responses)
	if err != nil {
		c.logger.Error("submission failed", "exam", s.ExamID, "error", err)
		_ = c.Apply(SubmitFailed{Reason: err.Error()})
		return err
	}
	if err := c.Apply(SubmitSucceeded{Responses: outcome.Responses, Aggregate: outcome.Aggregate}); err != nil {
		return err
	}
	c.logger.Info("submission complete",
		"exam", s.ExamID,
		"responses", len(outcome.Responses),
		"overall", outcome.Aggregate.Overall.Band)
	return nil
}

func validateForSubmit(s State) error {
	for _, q := range s.Questions {
		r := s.Responses[q.ID]
		if r == nil || r.Status == exam.StatusIdle {
			return fmt.Errorf("question %s unanswered: %w", q.ID, ErrValidation)
		}
		if r.Status == exam.StatusError {
			return fmt.Errorf("question %s in error, skip it or retry: %w", q.ID, ErrValidation)
		}
	}
	return nil
}

// Teardown releases capture resources regardless of session phase.
func (c *Controller) Teardown(ctx context.Context) {
	c.timer.Disarm()
	s := c.State()
	if s.Phase == fsm.PhaseRecording {
		if q, ok := s.Current(); ok {
			if err := c.finishRecording(ctx, q.ID); err != nil {
				c.logger.Warn("capture lost during teardown", "question", q.ID, "error", err)
			}
		}
	}
	c.capture.Cleanup()
}
