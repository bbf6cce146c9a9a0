package agent

import (
	"context"
	"log/slog"

	"pilotagent/internal/config"
	"pilotagent/internal/states"
)

// stageInWorker materializes each unit's declared input files into its
// sandbox, then forwards the unit to the scheduler. A directive failure
// fails that unit only; the worker keeps going.
type stageInWorker struct {
	agent  *Agent
	logger *slog.Logger
}

func newStageInWorker(a *Agent, logger *slog.Logger) *stageInWorker {
	return &stageInWorker{
		agent:  a,
		logger: logger.With("component", "stagein"),
	}
}

func (w *stageInWorker) run(ctx context.Context) error {
	a := w.agent
	for {
		u, ok := a.stageInQ.Get()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		directives, err := a.runDirectives(u, u.InputDirectives)
		u.InputDirectives = directives
		if err != nil {
			w.logger.Warn("input staging failed", "uid", u.UID, "error", err)
			u.Logf("input staging failed: %v", err)
			a.sink.Advance(u, states.Failed, "input staging failed", nil)
			continue
		}

		a.profiler.Event("staged in", u.UID, "")
		for _, out := range a.blowup(u, config.CompStageIn) {
			a.sink.Advance(out, states.UnitAgentSchedulingPending, "", nil)
			a.scheduleQ.Put(scheduleRequest{unit: out})
		}
	}
}
