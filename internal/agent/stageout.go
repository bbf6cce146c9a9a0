package agent

import (
	"context"
	"log/slog"
	"os"

	"pilotagent/internal/config"
	"pilotagent/internal/cunit"
	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// stageOutWorker captures output tails, performs declared output staging,
// and moves units to their agent-side final state. Units with directives
// for the external file-transfer worker stop short of DONE; the transfer
// side finishes them.
type stageOutWorker struct {
	agent  *Agent
	logger *slog.Logger
}

func newStageOutWorker(a *Agent, logger *slog.Logger) *stageOutWorker {
	return &stageOutWorker{
		agent:  a,
		logger: logger.With("component", "stageout"),
	}
}

func (w *stageOutWorker) run(ctx context.Context) error {
	a := w.agent
	for {
		u, ok := a.stageOutQ.Get()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		a.sink.Advance(u, states.UnitAgentStagingOutput, "", nil)

		fields := &store.UnitFields{}
		w.captureTails(u, fields)

		directives, err := a.runDirectives(u, u.OutputDirectives)
		u.OutputDirectives = directives
		if err != nil {
			w.logger.Warn("output staging failed", "uid", u.UID, "error", err)
			u.Logf("output staging failed: %v", err)
			a.sink.Advance(u, states.Failed, "output staging failed", fields)
			continue
		}

		a.profiler.Event("staged out", u.UID, "")

		for _, out := range a.blowup(u, config.CompStageOut) {
			if len(out.FTWOutputDirectives) > 0 {
				// Final for the agent; the external mover owns the
				// rest of the unit's life.
				a.sink.Advance(out, states.UnitUmgrStagingOutputPending,
					"pending file transfer", fields)
			} else {
				a.sink.Advance(out, states.Done, "", fields)
			}
		}
	}
}

// captureTails attaches the shortened stdout/stderr of the unit.
func (w *stageOutWorker) captureTails(u *cunit.Unit, fields *store.UnitFields) {
	if out, err := os.ReadFile(u.StdoutFile); err == nil {
		t := tail(string(out))
		u.Stdout = t
		fields.Stdout = &t
	}
	if errTxt, err := os.ReadFile(u.StderrFile); err == nil {
		t := tail(string(errTxt))
		u.Stderr = t
		fields.Stderr = &t
	}
}
