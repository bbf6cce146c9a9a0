package agent

import (
	"context"
	"log/slog"
	"time"

	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// heartbeatInterval is the period of the agent's self-check.
const heartbeatInterval = 10 * time.Second

// heartbeat periodically polls the pilot document for external commands,
// watches worker liveness, and enforces the wall-clock runtime budget. It
// is the only component that decides to stop the whole agent.
type heartbeat struct {
	agent    *Agent
	deadline time.Time
	logger   *slog.Logger
}

func newHeartbeat(a *Agent, start time.Time, logger *slog.Logger) *heartbeat {
	return &heartbeat{
		agent:    a,
		deadline: start.Add(time.Duration(a.cfg.RuntimeMinutes) * time.Minute),
		logger:   logger.With("component", "heartbeat"),
	}
}

// tick runs one heartbeat. It is scheduled by the agent's cron scheduler.
func (h *heartbeat) tick(ctx context.Context) {
	a := h.agent

	commands, pilotState, err := a.store.DrainCommands(ctx, a.cfg.PilotID)
	if err != nil {
		h.logger.Warn("command poll failed", "error", err)
	}

	if pilotState == states.PilotCanceling || pilotState == states.Canceled {
		h.logger.Info("cancellation observed on pilot document")
		a.requestStop(stopCanceled, "pilot canceled externally")
		return
	}

	for _, cmd := range commands {
		switch cmd.Type {
		case store.CommandCancelPilot:
			h.logger.Info("cancel pilot command received")
			a.requestStop(stopCanceled, "cancel command received")
			return
		case store.CommandCancelUnit:
			h.logger.Info("cancel unit command received", "uid", cmd.Arg)
			a.cancelQ.Put(cmd.Arg)
		case store.CommandKeepAlive:
			h.logger.Debug("keep-alive received")
		default:
			h.logger.Warn("ignoring unknown command", "type", cmd.Type)
		}
	}

	// A worker that died on an internal error has recorded it; fail the
	// pilot.
	if err := a.workerErr(); err != nil {
		h.logger.Error("worker died", "error", err)
		a.requestStop(stopFailed, "worker died: "+err.Error())
		return
	}

	if time.Now().After(h.deadline) {
		h.logger.Info("runtime budget exhausted")
		a.requestStop(stopDone, "runtime limit reached")
	}
}
