package agent

import (
	"context"
	"log/slog"
	"os"
	"time"

	"pilotagent/internal/cunit"
	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// watchBatch caps how many newly spawned units one watcher cycle absorbs.
const watchBatch = 100

// watchPollInterval is the idle sleep between watcher cycles.
const watchPollInterval = 100 * time.Millisecond

// watcher tracks running unit processes. Each cycle it absorbs newly
// spawned units, applies external cancel requests, and drains exit events
// from the spawner's monitor channel; exits release the unit's cores and
// drive its next transition.
type watcher struct {
	agent *Agent

	// watching maps pid to the owned unit; byUID supports cancel lookup.
	watching map[int]*cunit.Unit
	byUID    map[string]*cunit.Unit

	// requested holds cancel uids that arrived before their unit did.
	requested map[string]bool

	logger *slog.Logger
}

func newWatcher(a *Agent, logger *slog.Logger) *watcher {
	return &watcher{
		agent:     a,
		watching:  make(map[int]*cunit.Unit),
		byUID:     make(map[string]*cunit.Unit),
		requested: make(map[string]bool),
		logger:    logger.With("component", "watch"),
	}
}

func (w *watcher) run(ctx context.Context) error {
	a := w.agent

	// The exec worker may accept units now.
	a.watcherStarted()

	for {
		if ctx.Err() != nil {
			w.killAll()
			return nil
		}

		busy := false

		// Absorb newly spawned units, bounded per cycle.
		for i := 0; i < watchBatch; i++ {
			u, ok := a.watchQ.TryGet()
			if !ok {
				break
			}
			busy = true
			w.watching[u.PID] = u
			w.byUID[u.UID] = u
			if w.requested[u.UID] {
				delete(w.requested, u.UID)
				u.CancelRequested = true
			}
		}

		// External cancel requests.
		for {
			uid, ok := a.cancelQ.TryGet()
			if !ok {
				break
			}
			busy = true
			if u := w.byUID[uid]; u != nil {
				u.CancelRequested = true
			} else {
				w.requested[uid] = true
			}
		}

		// Kill whatever was flagged and is still running.
		for _, u := range w.watching {
			if u.CancelRequested {
				busy = true
				if err := a.spawner.Kill(u.PID); err != nil {
					w.logger.Warn("kill failed", "uid", u.UID, "pid", u.PID, "error", err)
				}
			}
		}

		// Exit events.
		drained := false
		for !drained {
			select {
			case ev := <-a.spawner.Events():
				busy = true
				w.finish(ev)
			default:
				drained = true
			}
		}

		if !busy {
			time.Sleep(watchPollInterval)
		}
	}
}

// finish handles one exit event: release cores, then route by outcome.
func (w *watcher) finish(ev ExitEvent) {
	a := w.agent

	u := w.watching[ev.PID]
	if u == nil {
		return
	}
	delete(w.watching, ev.PID)
	delete(w.byUID, u.UID)

	finished := time.Now()
	u.Finished = finished
	u.ExitCode = ev.ExitCode
	u.PID = 0
	a.unschedule(u)

	fields := &store.UnitFields{
		Finished: &finished,
		ExitCode: &ev.ExitCode,
	}

	switch {
	case u.CancelRequested:
		a.profiler.Event("canceled", u.UID, "")
		a.sink.Advance(u, states.Canceled, "canceled on request", fields)

	case ev.ExitCode != 0:
		w.attachTails(u, fields)
		u.Logf("exited with code %d", ev.ExitCode)
		a.profiler.Event("failed", u.UID, "")
		a.sink.Advance(u, states.Failed, "non-zero exit code", fields)

	default:
		a.profiler.Event("executed", u.UID, "")
		a.sink.Advance(u, states.UnitAgentStagingOutputPending, "", fields)
		a.stageOutQ.Put(u)
	}
}

// attachTails captures the output tails for units that end without passing
// through stage-out.
func (w *watcher) attachTails(u *cunit.Unit, fields *store.UnitFields) {
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

// killAll terminates and cancels everything still tracked; called on
// shutdown so no unit process outlives the agent.
func (w *watcher) killAll() {
	a := w.agent
	for pid, u := range w.watching {
		_ = a.spawner.Kill(pid)
		finished := time.Now()
		u.Finished = finished
		a.unschedule(u)
		a.sink.Advance(u, states.Canceled, "agent shutdown",
			&store.UnitFields{Finished: &finished})
		delete(w.watching, pid)
		delete(w.byUID, u.UID)
	}
}
