// Package doctor runs readiness diagnostics for config, storage, audio,
// and the transcription backend.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rbright/viva/internal/capture"
	"github.com/rbright/viva/internal/config"
	"github.com/rbright/viva/internal/store"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment, storage, audio, and backend checks.
func Run(ctx context.Context, cfg config.Config) Report {
	checks := []Check{}

	checks = append(checks, checkEnv("XDG_RUNTIME_DIR", func(v string) bool {
		return strings.TrimSpace(v) != ""
	}, "runtime dir available for the daemon socket", "XDG_RUNTIME_DIR is empty"))

	checks = append(checks, checkDatabase(ctx, "store.primary", cfg.DBPath))
	checks = append(checks, checkDatabase(ctx, "store.local", cfg.LocalDBPath))
	checks = append(checks, checkAudioSelection(ctx, cfg))
	checks = append(checks, checkStorageEndpoint(cfg))
	checks = append(checks, checkSpeechBackend(cfg))

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkDatabase opens and pings one sqlite store.
func checkDatabase(ctx context.Context, name, path string) Check {
	s, err := store.Open(path)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("writable at %s", path)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.Config) Check {
	selection, err := capture.SelectDevice(ctx, cfg.AudioInput, cfg.AudioFallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkStorageEndpoint probes the audio upload endpoint.
func checkStorageEndpoint(cfg config.Config) Check {
	base := strings.TrimSpace(cfg.StorageEndpoint)
	if base == "" {
		return Check{Name: "storage.endpoint", Pass: false, Message: "storage-endpoint is empty; uploads will fall back to inline refs"}
	}

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Head(strings.TrimRight(base, "/") + "/" + cfg.StorageBucket)
	if err != nil {
		return Check{Name: "storage.endpoint", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Check{Name: "storage.endpoint", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, base)}
	}
	return Check{Name: "storage.endpoint", Pass: true, Message: fmt.Sprintf("reachable at %s", base)}
}

// checkSpeechBackend validates the transcription/scoring configuration.
func checkSpeechBackend(cfg config.Config) Check {
	if strings.TrimSpace(cfg.OpenAIKey) == "" {
		return Check{Name: "speech.backend", Pass: false, Message: "openai-key is empty"}
	}
	message := "API key configured"
	if cfg.OpenAIBaseURL != "" {
		message = fmt.Sprintf("API key configured for %s", cfg.OpenAIBaseURL)
	}
	return Check{Name: "speech.backend", Pass: true, Message: message}
}
