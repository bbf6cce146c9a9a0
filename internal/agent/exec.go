package agent

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"pilotagent/internal/config"
	"pilotagent/internal/cunit"
	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// execWorker turns scheduled units into running processes. It renders the
// launch script, spawns through the configured spawner, and hands the unit
// to the watcher.
//
// The worker accepts no units before the startup barrier falls: both the
// watcher and the spawner must have reported ready.
type execWorker struct {
	agent  *Agent
	logger *slog.Logger
}

func newExecWorker(a *Agent, logger *slog.Logger) *execWorker {
	return &execWorker{
		agent:  a,
		logger: logger.With("component", "exec"),
	}
}

func (w *execWorker) run(ctx context.Context) error {
	a := w.agent

	select {
	case <-a.execReady:
	case <-ctx.Done():
		return nil
	}

	env := spawnEnvironment()

	for {
		u, ok := a.execQ.Get()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		for _, out := range a.blowup(u, config.CompExec) {
			w.spawnUnit(out, env)
		}
	}
}

// spawnUnit starts one unit and registers it with the watcher. Spawn
// failures fail the unit and release its slots; the worker continues.
func (w *execWorker) spawnUnit(u *cunit.Unit, env []string) {
	a := w.agent

	method := a.taskLaunch
	if u.Description.MPI {
		method = a.mpiLaunch
	}

	scriptPath := ""
	command, hop, err := method.Construct(u, filepath.Join(u.Workdir, launchScriptName))
	if err == nil {
		scriptPath, err = renderLaunchScript(u, command)
	}
	if err != nil {
		w.logger.Warn("launch preparation failed", "uid", u.UID, "error", err)
		u.Logf("launch preparation failed: %v", err)
		a.unschedule(u)
		a.sink.Advance(u, states.Failed, "launch preparation failed", nil)
		return
	}

	// The spawn target is the rendered script, unless the launch method
	// supplied a hop that re-invokes it elsewhere.
	target := scriptPath
	if hop != "" {
		target = hop
	}

	started := time.Now()
	pid, err := a.spawner.Spawn(u, target, env)
	if err != nil {
		w.logger.Warn("spawn failed", "uid", u.UID, "error", err)
		u.Logf("spawn failed: %v", err)
		a.unschedule(u)
		a.sink.Advance(u, states.Failed, "spawn failed", nil)
		return
	}

	u.PID = pid
	u.Started = started
	a.spawner.Register(pid, u.UID)
	a.profiler.Event("spawned", u.UID, command)

	a.sink.Advance(u, states.UnitAgentExecuting, "",
		&store.UnitFields{Started: &started})
	a.watchQ.Put(u)
}
