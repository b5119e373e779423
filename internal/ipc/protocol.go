// Package ipc carries session commands over a newline-delimited JSON
// unix-socket protocol between the viva daemon and its clients.
package ipc

import "github.com/rbright/viva/internal/exam"

// Command names accepted by the daemon.
const (
	CommandInit             = "init"
	CommandStatus           = "status"
	CommandBeginPreparation = "begin_preparation"
	CommandEndPreparation   = "end_preparation"
	CommandRecord           = "record"
	CommandStopRecording    = "stop_recording"
	CommandSkip             = "skip"
	CommandAdvance          = "advance"
	CommandOpenSubmit       = "open_submit"
	CommandCloseSubmit      = "close_submit"
	CommandSubmit           = "submit"
	CommandToggleMute       = "toggle_mute"
)

// Request is one client command. Only init uses the exam and identity
// fields; everything else acts on the live session.
type Request struct {
	Command  string `json:"command"`
	ExamID   string `json:"exam_id,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// Countdown mirrors the active per-question timer for display.
type Countdown struct {
	Kind      string `json:"kind"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
}

// Response reports the command outcome plus a session snapshot.
type Response struct {
	OK        bool                    `json:"ok"`
	Phase     string                  `json:"phase,omitempty"`
	Question  string                  `json:"question,omitempty"`
	Index     int                     `json:"index"`
	Total     int                     `json:"total"`
	Elapsed   int                     `json:"elapsed"`
	Recording int                     `json:"recording,omitempty"`
	Muted     bool                    `json:"muted"`
	Countdown *Countdown              `json:"countdown,omitempty"`
	Result    *exam.AggregateFeedback `json:"result,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Error     string                  `json:"error,omitempty"`
}
