// Package speech requests transcripts from an OpenAI-compatible audio API.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rbright/viva/internal/exam"
	"github.com/rbright/viva/internal/storage"
)

// ErrUnavailable marks transcription failures; callers substitute a
// placeholder transcript rather than failing the question.
var ErrUnavailable = errors.New("transcription service unavailable")

// Transcriber wraps an OpenAI-compatible speech-to-text endpoint.
type Transcriber struct {
	api     *openai.Client
	model   string
	fetcher *http.Client
}

// New creates a transcriber. baseURL may point at any OpenAI-compatible
// server; an empty baseURL uses the upstream default.
func New(baseURL, apiKey, model string) *Transcriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Transcriber{
		api:     openai.NewClientWithConfig(cfg),
		model:   model,
		fetcher: &http.Client{Timeout: 30 * time.Second},
	}
}

// Transcribe resolves transcript text for a response. The raw artifact is
// preferred over the resolved reference: it avoids a round trip and works
// even when durable storage failed.
func (t *Transcriber) Transcribe(ctx context.Context, art *exam.Artifact, audioRef string, q exam.Question) (string, error) {
	audio, err := t.resolveAudio(ctx, art, audioRef)
	if err != nil {
		return "", err
	}

	model := t.model
	if model == "" {
		model = openai.Whisper1
	}
	resp, err := t.api.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		Reader:   bytes.NewReader(audio.Bytes),
		FilePath: fileNameFor(audio.MIME),
		Prompt:   q.Prompt,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty transcript returned", ErrUnavailable)
	}
	return text, nil
}

// resolveAudio picks the artifact when present, otherwise dereferences the
// audio ref (inline data URL or remote URL).
func (t *Transcriber) resolveAudio(ctx context.Context, art *exam.Artifact, audioRef string) (exam.Artifact, error) {
	if art != nil && !art.Empty() {
		return *art, nil
	}
	if audioRef == "" {
		return exam.Artifact{}, fmt.Errorf("%w: no audio to transcribe", ErrUnavailable)
	}
	if storage.IsInlineRef(audioRef) {
		decoded, err := storage.DecodeInlineRef(audioRef)
		if err != nil {
			return exam.Artifact{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return decoded, nil
	}
	return t.fetch(ctx, audioRef)
}

func (t *Transcriber) fetch(ctx context.Context, ref string) (exam.Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return exam.Artifact{}, fmt.Errorf("%w: build fetch request: %v", ErrUnavailable, err)
	}
	resp, err := t.fetcher.Do(req)
	if err != nil {
		return exam.Artifact{}, fmt.Errorf("%w: fetch audio: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return exam.Artifact{}, fmt.Errorf("%w: fetch audio: status %s", ErrUnavailable, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exam.Artifact{}, fmt.Errorf("%w: read audio: %v", ErrUnavailable, err)
	}
	return exam.Artifact{Bytes: raw, MIME: resp.Header.Get("Content-Type")}, nil
}

// fileNameFor names the multipart upload so the server can sniff the format.
func fileNameFor(mime string) string {
	switch {
	case strings.Contains(mime, "webm"):
		return "response.webm"
	case strings.Contains(mime, "ogg"):
		return "response.ogg"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return "response.mp3"
	default:
		return "response.wav"
	}
}
