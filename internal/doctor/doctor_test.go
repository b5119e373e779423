package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/viva/internal/config"
)

func TestReportOKAndString(t *testing.T) {
	report := Report{Checks: []Check{
		{Name: "one", Pass: true, Message: "good"},
		{Name: "two", Pass: false, Message: "bad"},
	}}

	require.False(t, report.OK())
	text := report.String()
	require.Contains(t, text, "[OK] one: good")
	require.Contains(t, text, "[FAIL] two: bad")
}

func TestCheckDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viva.db")
	check := checkDatabase(context.Background(), "store.primary", path)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, path)
}

func TestCheckDatabaseBadPath(t *testing.T) {
	check := checkDatabase(context.Background(), "store.primary", "/proc/nope/viva.db")
	require.False(t, check.Pass)
}

func TestCheckStorageEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	check := checkStorageEndpoint(config.Config{StorageEndpoint: server.URL, StorageBucket: "responses"})
	require.True(t, check.Pass)

	check = checkStorageEndpoint(config.Config{})
	require.False(t, check.Pass)
}

func TestCheckSpeechBackend(t *testing.T) {
	check := checkSpeechBackend(config.Config{OpenAIKey: "sk-test", OpenAIBaseURL: "http://localhost:11434/v1"})
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "localhost")

	check = checkSpeechBackend(config.Config{})
	require.False(t, check.Pass)
}
