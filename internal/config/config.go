// Package config resolves daemon settings from flags, environment, and
// an optional config file, in that precedence order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config carries every knob the daemon reads at startup.
type Config struct {
	SocketPath string

	DBPath      string
	LocalDBPath string

	AudioInput    string
	AudioFallback string

	StorageEndpoint string
	StorageBucket   string

	OpenAIBaseURL   string
	OpenAIKey       string
	TranscribeModel string
	ScoringModel    string

	LogLevel string
}

// RegisterFlags declares the shared daemon flags on a command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("socket", "", "unix socket path (default: $XDG_RUNTIME_DIR/viva.sock)")
	flags.String("db", "", "sqlite database path (default: state dir)")
	flags.String("local-db", "", "local fallback sqlite path (default: state dir)")
	flags.String("audio-input", "", "preferred microphone source name")
	flags.String("audio-fallback", "", "fallback microphone source name")
	flags.String("storage-endpoint", "", "audio upload endpoint URL")
	flags.String("storage-bucket", "responses", "audio upload bucket or path prefix")
	flags.String("openai-base-url", "", "OpenAI-compatible API base URL")
	flags.String("openai-key", "", "API key for transcription and scoring")
	flags.String("transcribe-model", "", "transcription model (default: whisper-1)")
	flags.String("scoring-model", "gpt-4o-mini", "feedback scoring model")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

// Load binds a command's flags and environment into a Config.
func Load(cmd *cobra.Command) (Config, error) {
	v := viperForCmd(cmd)

	cfg := Config{
		SocketPath:      v.GetString("socket"),
		DBPath:          v.GetString("db"),
		LocalDBPath:     v.GetString("local-db"),
		AudioInput:      v.GetString("audio-input"),
		AudioFallback:   v.GetString("audio-fallback"),
		StorageEndpoint: v.GetString("storage-endpoint"),
		StorageBucket:   v.GetString("storage-bucket"),
		OpenAIBaseURL:   v.GetString("openai-base-url"),
		OpenAIKey:       v.GetString("openai-key"),
		TranscribeModel: v.GetString("transcribe-model"),
		ScoringModel:    v.GetString("scoring-model"),
		LogLevel:        v.GetString("log-level"),
	}

	if cfg.DBPath == "" {
		path, err := stateFile("viva.db")
		if err != nil {
			return Config{}, fmt.Errorf("resolve db path: %w", err)
		}
		cfg.DBPath = path
	}
	if cfg.LocalDBPath == "" {
		path, err := stateFile("viva-local.db")
		if err != nil {
			return Config{}, fmt.Errorf("resolve local db path: %w", err)
		}
		cfg.LocalDBPath = path
	}

	return cfg, nil
}

// viperForCmd binds a command's flags and environment to a fresh viper
// instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("VIVA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("viva")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/viva")
	v.AddConfigPath("/etc/viva")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	}

	return v
}

// stateFile resolves a file under the viva state directory.
func stateFile(name string) (string, error) {
	var base string
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		base = filepath.Join(xdg, "viva")
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state", "viva")
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(base, name), nil
}
