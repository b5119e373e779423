// Package scoring requests band-style feedback for transcripts from an
// OpenAI-compatible chat completion API.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rbright/viva/internal/exam"
)

// ErrUnavailable marks scoring failures; callers leave the question without
// feedback rather than failing the submission.
var ErrUnavailable = errors.New("scoring service unavailable")

const systemPrompt = `You are an experienced speaking examiner. Assess the
candidate's spoken response on the 0-9 band scale in 0.5 increments across
fluency, lexical resource, grammatical range and accuracy, and
pronunciation, plus an overall band. Respond with a JSON object of the form
{"fluency": {"band": 6.5, "comment": "..."}, "lexical": {...},
"grammar": {...}, "pronunciation": {...}, "overall": {...}}.
Comments must be concrete and reference the response.`

// Scorer wraps the chat completion endpoint used for grading.
type Scorer struct {
	api   *openai.Client
	model string
}

// New creates a scorer against an OpenAI-compatible base URL.
func New(baseURL, apiKey, model string) *Scorer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Scorer{api: openai.NewClientWithConfig(cfg), model: model}
}

// Score grades one transcript with its question as context.
func (s *Scorer) Score(ctx context.Context, transcript string, q exam.Question) (*exam.QuestionFeedback, error) {
	if strings.TrimSpace(transcript) == "" || exam.IsPlaceholderTranscript(transcript) {
		return nil, fmt.Errorf("%w: no usable transcript", ErrUnavailable)
	}

	user := fmt.Sprintf("Part %d question: %s\n\nCandidate response transcript:\n%s",
		q.Part, q.Prompt, transcript)

	resp, err := s.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrUnavailable)
	}

	fb, err := Parse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fb, nil
}

// Parse decodes and clamps a grading payload into question feedback.
func Parse(raw string) (*exam.QuestionFeedback, error) {
	var fb exam.QuestionFeedback
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		return nil, fmt.Errorf("parse grading response: %v (raw: %s)", err, raw)
	}
	fb.Fluency.Band = exam.RoundBand(fb.Fluency.Band)
	fb.Lexical.Band = exam.RoundBand(fb.Lexical.Band)
	fb.Grammar.Band = exam.RoundBand(fb.Grammar.Band)
	fb.Pronunciation.Band = exam.RoundBand(fb.Pronunciation.Band)
	fb.Overall.Band = exam.RoundBand(fb.Overall.Band)
	return &fb, nil
}
