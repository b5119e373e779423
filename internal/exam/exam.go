// Package exam holds the speaking-exam domain model shared by all components.
package exam

import "strings"

// Status is the lifecycle state of one per-question response.
type Status string

const (
	// StatusIdle means no recording or skip has happened yet.
	StatusIdle Status = "idle"
	// StatusInProgress means audio was captured but the question is not finalized.
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the audio/transcript path concluded successfully.
	StatusCompleted Status = "completed"
	// StatusSkipped means the user explicitly skipped the question.
	StatusSkipped Status = "skipped"
	// StatusError means every fallback for this question was exhausted.
	StatusError Status = "error"
	// StatusLocal means the response was saved to the local fallback store only.
	StatusLocal Status = "local"
)

// Question is one immutable exam prompt with its timing profile.
type Question struct {
	ID                 string
	Part               int // 1..3
	Sequence           int // ordinal within its part
	Prompt             string
	SpeakingSeconds    int
	PreparationSeconds int // positive only for the first question of part 2
}

// HasPreparation reports whether this question carries a preparation phase.
func (q Question) HasPreparation() bool {
	return q.Part == 2 && q.Sequence == 1 && q.PreparationSeconds > 0
}

// Exam is an ordered question list plus identity metadata.
type Exam struct {
	ID        string
	Title     string
	Questions []Question
}

// Artifact is a finished, in-memory audio sample prior to upload.
type Artifact struct {
	Bytes []byte
	MIME  string
}

// Empty reports whether the artifact holds no audio data.
func (a Artifact) Empty() bool {
	return len(a.Bytes) == 0
}

// Response is the mutable per-question record keyed by question identifier.
// Artifact and AudioRef are mutually substitutable audio references.
type Response struct {
	ID         string
	QuestionID string
	Status     Status
	Artifact   *Artifact
	AudioRef   string
	Transcript string
	Feedback   *QuestionFeedback
	ErrDetail  string
	Meta       map[string]string
}

// Terminal reports whether the response concluded its audio/transcript path.
func (r *Response) Terminal() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case StatusCompleted, StatusSkipped, StatusLocal:
		return true
	}
	return false
}

// Answered reports whether the question no longer needs user action.
func (r *Response) Answered() bool {
	if r == nil {
		return false
	}
	return r.Status != StatusIdle && r.Status != StatusError
}

// SetMeta writes one metadata key, allocating the bag on first use.
func (r *Response) SetMeta(key, value string) {
	if r.Meta == nil {
		r.Meta = map[string]string{}
	}
	r.Meta[key] = value
}

// Clone returns a deep copy so reducers can mutate without aliasing.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.Artifact != nil {
		art := *r.Artifact
		art.Bytes = append([]byte(nil), r.Artifact.Bytes...)
		out.Artifact = &art
	}
	if r.Feedback != nil {
		fb := *r.Feedback
		out.Feedback = &fb
	}
	if r.Meta != nil {
		out.Meta = make(map[string]string, len(r.Meta))
		for k, v := range r.Meta {
			out.Meta[k] = v
		}
	}
	return &out
}

// SubScore is one band value plus its commentary.
type SubScore struct {
	Band    float64 `json:"band"`
	Comment string  `json:"comment"`
}

// QuestionFeedback is the band-style assessment of one response.
type QuestionFeedback struct {
	Fluency       SubScore `json:"fluency"`
	Lexical       SubScore `json:"lexical"`
	Grammar       SubScore `json:"grammar"`
	Pronunciation SubScore `json:"pronunciation"`
	Overall       SubScore `json:"overall"`
}

// AggregateFeedback is the single combined report shown at exam completion.
type AggregateFeedback struct {
	Fluency       SubScore `json:"fluency"`
	Lexical       SubScore `json:"lexical"`
	Grammar       SubScore `json:"grammar"`
	Pronunciation SubScore `json:"pronunciation"`
	Overall       SubScore `json:"overall"`
	Strengths     []string `json:"strengths"`
	Improvements  []string `json:"improvements"`
}

// RoundBand snaps a raw score to the 0..9 scale in 0.5 increments.
func RoundBand(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 9 {
		return 9
	}
	doubled := x * 2
	floor := float64(int(doubled))
	if doubled-floor >= 0.5 {
		floor++
	}
	return floor / 2
}

// SkipTranscript is the sentinel transcript persisted for skipped questions.
const SkipTranscript = "skipped by user"

// PlaceholderTranscript marks transcripts substituted after a remote failure.
const PlaceholderTranscript = "[transcription unavailable]"

// IsPlaceholderTranscript reports whether a transcript is a substituted marker.
func IsPlaceholderTranscript(text string) bool {
	return strings.TrimSpace(text) == PlaceholderTranscript
}
