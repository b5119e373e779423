package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/viva/internal/exam"
	"github.com/rbright/viva/internal/storage"
)

func transcriptionServer(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Contains(t, r.URL.Path, "/audio/transcriptions")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.NotEmpty(t, r.MultipartForm.File["file"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"` + text + `"}`))
	}))
}

func TestTranscribePrefersArtifact(t *testing.T) {
	srv := transcriptionServer(t, "my home town is quite small")
	defer srv.Close()

	tr := New(srv.URL, "sk-test", "")
	art := &exam.Artifact{Bytes: []byte("wav-bytes"), MIME: "audio/wav"}
	q := exam.Question{ID: "q1", Prompt: "Describe your home town."}

	text, err := tr.Transcribe(context.Background(), art, "https://unused.example.com/q1.wav", q)
	require.NoError(t, err)
	require.Equal(t, "my home town is quite small", text)
}

func TestTranscribeDecodesInlineRef(t *testing.T) {
	srv := transcriptionServer(t, "inline audio works")
	defer srv.Close()

	ref, err := storage.InlineRef(exam.Artifact{Bytes: []byte("ogg-bytes"), MIME: "audio/ogg"})
	require.NoError(t, err)
	tr := New(srv.URL, "sk-test", "")

	text, err := tr.Transcribe(context.Background(), nil, ref, exam.Question{ID: "q1"})
	require.NoError(t, err)
	require.Equal(t, "inline audio works", text)
}

func TestTranscribeFetchesRemoteRef(t *testing.T) {
	audioSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("remote-wav"))
	}))
	defer audioSrv.Close()

	srv := transcriptionServer(t, "fetched and transcribed")
	defer srv.Close()

	tr := New(srv.URL, "sk-test", "")
	text, err := tr.Transcribe(context.Background(), nil, audioSrv.URL+"/q1.wav", exam.Question{ID: "q1"})
	require.NoError(t, err)
	require.Equal(t, "fetched and transcribed", text)
}

func TestTranscribeNoAudio(t *testing.T) {
	tr := New("http://localhost:1", "sk-test", "")
	_, err := tr.Transcribe(context.Background(), nil, "", exam.Question{ID: "q1"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestTranscribeEmptyTextUnavailable(t *testing.T) {
	srv := transcriptionServer(t, "")
	defer srv.Close()

	tr := New(srv.URL, "sk-test", "")
	art := &exam.Artifact{Bytes: []byte("wav"), MIME: "audio/wav"}
	_, err := tr.Transcribe(context.Background(), art, "", exam.Question{ID: "q1"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFileNameFor(t *testing.T) {
	require.Equal(t, "response.webm", fileNameFor("audio/webm;codecs=opus"))
	require.Equal(t, "response.ogg", fileNameFor("audio/ogg"))
	require.Equal(t, "response.mp3", fileNameFor("audio/mpeg"))
	require.Equal(t, "response.wav", fileNameFor("audio/wav"))
	require.Equal(t, "response.wav", fileNameFor(""))
}
