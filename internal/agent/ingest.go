package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pilotagent/internal/config"
	"pilotagent/internal/cunit"
	"pilotagent/internal/states"
)

// dbPollInterval is the sleep between store polls when no units were
// claimable.
const dbPollInterval = 500 * time.Millisecond

// ingestBulk caps how many units one poll claims.
const ingestBulk = 100

// ingestWorker claims pending units from the store and injects them into
// the pipeline: units with input directives go to stage-in, the rest
// straight to the scheduler. The store advances each unit's state as part
// of the claim, so a unit is owned by this agent by the time it is seen
// here.
type ingestWorker struct {
	agent  *Agent
	logger *slog.Logger
}

func newIngestWorker(a *Agent, logger *slog.Logger) *ingestWorker {
	return &ingestWorker{
		agent:  a,
		logger: logger.With("component", "ingest"),
	}
}

func (w *ingestWorker) run(ctx context.Context) error {
	a := w.agent
	for {
		if ctx.Err() != nil {
			return nil
		}

		units, err := a.store.ClaimUnits(ctx, a.cfg.PilotID, ingestBulk)
		if err != nil {
			w.logger.Warn("claiming units failed", "error", err)
			units = nil
		}
		if len(units) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dbPollInterval):
			}
			continue
		}

		w.logger.Info("units claimed", "count", len(units))

		for _, out := range a.blowupAll(units, config.CompIngest) {
			if err := w.prepareSandbox(out); err != nil {
				w.logger.Warn("sandbox creation failed", "uid", out.UID, "error", err)
				out.Logf("sandbox creation failed: %v", err)
				a.sink.Advance(out, states.Failed, "sandbox creation failed", nil)
				continue
			}
			a.profiler.Event("ingested", out.UID, "")
			if len(out.InputDirectives) > 0 {
				a.stageInQ.Put(out)
			} else {
				a.scheduleQ.Put(scheduleRequest{unit: out})
			}
		}
	}
}

// prepareSandbox creates the unit's working directory and resolves its
// output file paths.
func (w *ingestWorker) prepareSandbox(u *cunit.Unit) error {
	u.Workdir = filepath.Join(w.agent.cfg.Workdir, "unit-"+u.UID)
	if err := os.MkdirAll(u.Workdir, 0o755); err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}

	stdout := u.Description.Stdout
	if stdout == "" {
		stdout = "STDOUT"
	}
	stderr := u.Description.Stderr
	if stderr == "" {
		stderr = "STDERR"
	}
	u.StdoutFile = filepath.Join(u.Workdir, stdout)
	u.StderrFile = filepath.Join(u.Workdir, stderr)
	return nil
}
