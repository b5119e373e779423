// Package app wires configuration, storage, audio, and the session
// controller into the viva daemon and its client commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbright/viva/internal/capture"
	"github.com/rbright/viva/internal/config"
	"github.com/rbright/viva/internal/doctor"
	"github.com/rbright/viva/internal/ipc"
	"github.com/rbright/viva/internal/logging"
	"github.com/rbright/viva/internal/pipeline"
	"github.com/rbright/viva/internal/scoring"
	"github.com/rbright/viva/internal/session"
	"github.com/rbright/viva/internal/speech"
	"github.com/rbright/viva/internal/storage"
	"github.com/rbright/viva/internal/store"
	"github.com/rbright/viva/internal/timing"
	"github.com/rbright/viva/internal/version"
)

const (
	ipcTimeout       = 5 * time.Second
	submitIPCTimeout = 5 * time.Minute
)

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := rootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			fmt.Fprintln(stderr, "error: another viva daemon owns the socket")
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "viva",
		Short:         "Speaking test session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon on the unix socket",
		RunE:  runServe,
	}
	config.RegisterFlags(serve)

	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check audio, storage, and backend readiness",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			report := doctor.Run(cmd.Context(), cfg)
			fmt.Fprintln(stdout, report.String())
			if !report.OK() {
				return errors.New("one or more checks failed")
			}
			return nil
		},
	}
	config.RegisterFlags(doctorCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build metadata",
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(stdout, version.String())
		},
	}

	root.AddCommand(serve, doctorCmd, versionCmd)
	root.AddCommand(clientCommands(stdout)...)

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	config.RegisterFlags(root)

	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logRuntime, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer func() { _ = logRuntime.Close() }()
	logger := logRuntime.Logger

	primary, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer primary.Close()

	local, err := store.Open(cfg.LocalDBPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()

	uploader := storage.NewUploader(cfg.StorageEndpoint, cfg.StorageBucket, &http.Client{Timeout: 30 * time.Second})
	transcriber := speech.New(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.TranscribeModel)
	scorer := scoring.New(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.ScoringModel)
	submitPipeline := pipeline.New(logger, primary, local, uploader, transcriber, scorer)

	mic := capture.NewPulseMicrophone(cfg.AudioInput, cfg.AudioFallback)
	recorder := capture.NewRecorder(mic, logger)
	timer := timing.NewEngine(time.Second)
	ctrl := session.NewController(logger, primary, recorder, timer, submitPipeline)

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath, err = ipc.RuntimeSocketPath()
		if err != nil {
			return err
		}
	}
	listener, err := ipc.Acquire(ctx, socketPath, 500*time.Millisecond, 2)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ctrl.Run(runCtx)

	logger.Info("daemon listening",
		"socket", socketPath,
		"db", cfg.DBPath,
		"log", logRuntime.Path)

	err = ipc.Serve(ctx, listener, &handler{ctrl: ctrl, logger: logger})
	ctrl.Teardown(context.Background())
	return err
}

// clientCommands forward one session command each to the running daemon.
func clientCommands(stdout io.Writer) []*cobra.Command {
	specs := []struct {
		use     string
		short   string
		command string
	}{
		{"status", "Show the current session snapshot", ipc.CommandStatus},
		{"begin-preparation", "Open the preparation window", ipc.CommandBeginPreparation},
		{"end-preparation", "Close the preparation window early", ipc.CommandEndPreparation},
		{"record", "Start recording the current question", ipc.CommandRecord},
		{"stop", "Stop recording and keep the take", ipc.CommandStopRecording},
		{"skip", "Skip the current question", ipc.CommandSkip},
		{"advance", "Move to the next question", ipc.CommandAdvance},
		{"open-submit", "Open the submit confirmation", ipc.CommandOpenSubmit},
		{"close-submit", "Dismiss the submit confirmation", ipc.CommandCloseSubmit},
		{"submit", "Submit the exam for transcription and scoring", ipc.CommandSubmit},
		{"toggle-mute", "Toggle the microphone mute flag", ipc.CommandToggleMute},
	}

	cmds := make([]*cobra.Command, 0, len(specs)+1)
	for _, spec := range specs {
		spec := spec
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return forward(cmd, stdout, ipc.Request{Command: spec.command})
			},
		}
		registerClientFlags(cmd)
		cmds = append(cmds, cmd)
	}

	initCmd := &cobra.Command{
		Use:   "init <exam-id> <identity>",
		Short: "Start or resume a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return forward(cmd, stdout, ipc.Request{
				Command:  ipc.CommandInit,
				ExamID:   args[0],
				Identity: args[1],
			})
		},
	}
	registerClientFlags(initCmd)
	cmds = append(cmds, initCmd)
	return cmds
}

func registerClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("socket", "", "daemon socket path (default: $XDG_RUNTIME_DIR/viva.sock)")
}

// clientSocketPath resolves the daemon socket for a client command:
// the --socket flag, then $VIVA_SOCKET, then the runtime default.
func clientSocketPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("socket"); path != "" {
		return path, nil
	}
	if path := os.Getenv("VIVA_SOCKET"); path != "" {
		return path, nil
	}
	return ipc.RuntimeSocketPath()
}

func forward(cmd *cobra.Command, stdout io.Writer, req ipc.Request) error {
	path, err := clientSocketPath(cmd)
	if err != nil {
		return err
	}
	timeout := ipcTimeout
	if req.Command == ipc.CommandSubmit || req.Command == ipc.CommandInit {
		timeout = submitIPCTimeout
	}
	resp, err := ipc.Send(cmd.Context(), path, req, timeout)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", path, err)
	}
	printResponse(stdout, resp)
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

func printResponse(w io.Writer, resp ipc.Response) {
	fmt.Fprintf(w, "phase=%s question=%s (%d/%d) elapsed=%ds", resp.Phase, resp.Question, resp.Index+1, resp.Total, resp.Elapsed)
	if resp.Recording > 0 {
		fmt.Fprintf(w, " recording=%ds", resp.Recording)
	}
	if resp.Muted {
		fmt.Fprint(w, " muted")
	}
	if resp.Countdown != nil {
		fmt.Fprintf(w, " %s=%d/%ds", resp.Countdown.Kind, resp.Countdown.Remaining, resp.Countdown.Total)
	}
	fmt.Fprintln(w)
	if resp.Result != nil {
		fmt.Fprintf(w, "overall band %.1f\n", resp.Result.Overall.Band)
		for _, s := range resp.Result.Strengths {
			fmt.Fprintf(w, "  + %s\n", s)
		}
		for _, s := range resp.Result.Improvements {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
}
