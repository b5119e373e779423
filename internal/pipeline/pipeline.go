// Package pipeline turns a finished response set into persisted records and
// one aggregate feedback report. Questions are processed strictly
// sequentially; once processing starts, every per-question failure is
// absorbed and recorded on that question rather than aborting the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbright/viva/internal/exam"
	"github.com/rbright/viva/internal/feedback"
	"github.com/rbright/viva/internal/storage"
)

// ErrNoIdentity is the only fatal precondition: responses cannot be
// attributed without an identity.
var ErrNoIdentity = errors.New("no identity available to attribute responses")

// ResponseStore persists responses keyed by (identity, question).
type ResponseStore interface {
	Upsert(ctx context.Context, identity string, r exam.Response) error
}

// Uploader stores an artifact durably and returns its reference.
type Uploader interface {
	Upload(ctx context.Context, art exam.Artifact, pathHint string) (string, error)
}

// Transcriber resolves transcript text from an artifact or audio reference.
type Transcriber interface {
	Transcribe(ctx context.Context, art *exam.Artifact, audioRef string, q exam.Question) (string, error)
}

// Scorer grades one transcript in its question context.
type Scorer interface {
	Score(ctx context.Context, transcript string, q exam.Question) (*exam.QuestionFeedback, error)
}

// PersistOutcome tags where a response record ended up.
type PersistOutcome int

const (
	// Persisted means the primary store accepted the record.
	Persisted PersistOutcome = iota + 1
	// PersistedLocally means only the local fallback store has the record.
	PersistedLocally
	// PersistFailed means neither store accepted the record.
	PersistFailed
)

// Pipeline wires the submission collaborators together.
type Pipeline struct {
	logger     *slog.Logger
	store      ResponseStore
	local      ResponseStore
	uploader   Uploader
	transcribe Transcriber
	score      Scorer
}

// New constructs a pipeline. store, uploader, transcribe, and score are
// required; local may be nil when no fallback store is configured.
func New(logger *slog.Logger, store, local ResponseStore, uploader Uploader, transcribe Transcriber, score Scorer) *Pipeline {
	return &Pipeline{
		logger:     logger,
		store:      store,
		local:      local,
		uploader:   uploader,
		transcribe: transcribe,
		score:      score,
	}
}

// Outcome is the full submission result handed back to the session.
type Outcome struct {
	Responses map[string]*exam.Response
	Aggregate exam.AggregateFeedback
}

// Submit processes every question in order and always returns an outcome
// once per-question work has begun.
func (p *Pipeline) Submit(ctx context.Context, identity, examID string, questions []exam.Question, responses map[string]*exam.Response) (Outcome, error) {
	if identity == "" {
		return Outcome{}, ErrNoIdentity
	}

	finalized := make(map[string]*exam.Response, len(questions))
	for _, q := range questions {
		resp := responses[q.ID].Clone()
		if resp == nil {
			// Never submitted and never skipped; record it as skipped so the
			// aggregate step can account for it.
			resp = &exam.Response{QuestionID: q.ID, Status: exam.StatusSkipped}
		}
		p.processQuestion(ctx, identity, examID, q, resp)
		finalized[q.ID] = resp
	}

	agg := feedback.Aggregate(questions, finalized)
	return Outcome{Responses: finalized, Aggregate: agg}, nil
}

// processQuestion runs the upload/persist/transcribe/score ladder for one
// question, degrading step by step instead of failing.
func (p *Pipeline) processQuestion(ctx context.Context, identity, examID string, q exam.Question, resp *exam.Response) {
	if resp.Status == exam.StatusSkipped {
		resp.Transcript = exam.SkipTranscript
		resp.Artifact = nil
		p.persist(ctx, identity, resp)
		return
	}

	if !p.resolveAudioRef(ctx, identity, examID, q, resp) {
		// No audio reference could be produced at all; the question is
		// marked errored but the submission carries on.
		p.persist(ctx, identity, resp)
		return
	}

	outcome := p.persist(ctx, identity, resp)

	if resp.Transcript == "" {
		text, err := p.transcribe.Transcribe(ctx, resp.Artifact, resp.AudioRef, q)
		if err != nil {
			p.logWarn("transcription failed", "question", q.ID, "error", err.Error())
			resp.Transcript = exam.PlaceholderTranscript
			resp.SetMeta("transcription_error", err.Error())
		} else {
			resp.Transcript = text
		}
	}

	if resp.Feedback == nil && !exam.IsPlaceholderTranscript(resp.Transcript) {
		fb, err := p.score.Score(ctx, resp.Transcript, q)
		if err != nil {
			p.logWarn("scoring failed", "question", q.ID, "error", err.Error())
			resp.SetMeta("scoring_error", err.Error())
		} else {
			resp.Feedback = fb
		}
	}

	switch outcome {
	case Persisted:
		resp.Status = exam.StatusCompleted
	case PersistedLocally:
		resp.Status = exam.StatusLocal
	case PersistFailed:
		// Neither store holds the record; the transcript and feedback
		// above still travel with the submission outcome.
		resp.Status = exam.StatusError
		resp.ErrDetail = "response could not be persisted to any store"
	}

	// Second write captures the transcript and feedback; best effort.
	p.persist(ctx, identity, resp)
}

// resolveAudioRef guarantees resp carries a usable audio reference, falling
// back from durable upload to inline encoding. Returns false when both
// fallbacks are exhausted.
func (p *Pipeline) resolveAudioRef(ctx context.Context, identity, examID string, q exam.Question, resp *exam.Response) bool {
	if resp.AudioRef != "" {
		return true
	}
	if resp.Artifact == nil || resp.Artifact.Empty() {
		resp.Status = exam.StatusError
		resp.ErrDetail = "no audio captured for this question"
		return false
	}

	hint := fmt.Sprintf("%s/%s/%s.wav", examID, identity, q.ID)
	ref, err := p.uploader.Upload(ctx, *resp.Artifact, hint)
	if err == nil {
		resp.AudioRef = ref
		return true
	}
	p.logWarn("upload failed; inlining audio", "question", q.ID, "error", err.Error())

	inline, err := storage.InlineRef(*resp.Artifact)
	if err != nil {
		resp.Status = exam.StatusError
		resp.ErrDetail = fmt.Sprintf("audio could not be stored or inlined: %v", err)
		return false
	}
	resp.AudioRef = inline
	resp.SetMeta("audio_inlined", "true")
	return true
}

// persist tries the primary store, then the local fallback, and records the
// failure on the response when both refuse the write.
func (p *Pipeline) persist(ctx context.Context, identity string, resp *exam.Response) PersistOutcome {
	err := p.store.Upsert(ctx, identity, *resp)
	if err == nil {
		return Persisted
	}
	p.logWarn("primary persist failed", "question", resp.QuestionID, "error", err.Error())

	if p.local != nil {
		if lerr := p.local.Upsert(ctx, identity, *resp); lerr == nil {
			resp.SetMeta("persisted_locally", "true")
			return PersistedLocally
		} else {
			p.logWarn("local persist failed", "question", resp.QuestionID, "error", lerr.Error())
		}
	}
	resp.SetMeta("persist_error", err.Error())
	return PersistFailed
}

func (p *Pipeline) logWarn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
