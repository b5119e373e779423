package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbright/viva/internal/fsm"
	"github.com/rbright/viva/internal/ipc"
	"github.com/rbright/viva/internal/session"
)

// handler translates IPC commands into session controller calls.
type handler struct {
	ctrl   *session.Controller
	logger *slog.Logger
}

func (h *handler) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	var err error
	switch req.Command {
	case ipc.CommandStatus:
		// Snapshot only.
	case ipc.CommandInit:
		if req.ExamID == "" || req.Identity == "" {
			return errorResponse(h.ctrl.State(), errors.New("init requires exam_id and identity"))
		}
		err = h.ctrl.Init(ctx, req.ExamID, req.Identity)
	case ipc.CommandBeginPreparation:
		err = h.ctrl.BeginPreparation(ctx)
	case ipc.CommandEndPreparation:
		err = h.ctrl.EndPreparation(ctx)
	case ipc.CommandRecord:
		err = h.ctrl.Record(ctx)
	case ipc.CommandStopRecording:
		err = h.ctrl.StopRecording(ctx)
	case ipc.CommandSkip:
		err = h.ctrl.Skip(ctx)
	case ipc.CommandAdvance:
		err = h.ctrl.Advance(ctx)
	case ipc.CommandOpenSubmit:
		err = h.ctrl.OpenSubmit()
	case ipc.CommandCloseSubmit:
		err = h.ctrl.CloseSubmit()
	case ipc.CommandSubmit:
		err = h.ctrl.Submit(ctx)
	case ipc.CommandToggleMute:
		err = h.ctrl.ToggleMute()
	default:
		return errorResponse(h.ctrl.State(), errors.New("unknown command "+req.Command))
	}

	state := h.ctrl.State()
	if err != nil {
		h.logger.Warn("command rejected", "command", req.Command, "error", err.Error())
		return errorResponse(state, err)
	}
	return snapshotResponse(state)
}

func snapshotResponse(s session.State) ipc.Response {
	resp := ipc.Response{
		OK:        true,
		Phase:     string(s.Phase),
		Index:     s.Index,
		Total:     len(s.Questions),
		Elapsed:   s.ElapsedSeconds,
		Recording: s.RecordingSeconds,
		Muted:     s.Muted,
		Result:    s.Result,
	}
	if q, ok := s.Current(); ok {
		resp.Question = q.ID
	}
	if s.Countdown > 0 || s.Phase == fsm.PhasePreparing || s.Phase == fsm.PhaseRecording {
		resp.Countdown = &ipc.Countdown{
			Kind:      string(s.CountdownKind),
			Remaining: s.Countdown,
			Total:     s.CountdownTotal,
		}
	}
	return resp
}

func errorResponse(s session.State, err error) ipc.Response {
	resp := snapshotResponse(s)
	resp.OK = false
	resp.Error = err.Error()
	return resp
}
