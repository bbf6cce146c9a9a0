package agent

import (
	"context"
	"errors"
	"log/slog"

	"pilotagent/internal/config"
	"pilotagent/internal/cunit"
	"pilotagent/internal/sched"
	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// scheduleRequest is one message on the scheduler's control channel: either
// a unit to place, or (with a nil unit) the Reschedule signal posted after a
// release.
type scheduleRequest struct {
	unit *cunit.Unit
}

// schedWorker places units onto cores. Units that do not fit the current
// free map are parked on a FIFO wait queue and reconsidered, in insertion
// order, whenever cores are released.
type schedWorker struct {
	agent   *Agent
	waiting []*cunit.Unit
	logger  *slog.Logger
}

func newSchedWorker(a *Agent, logger *slog.Logger) *schedWorker {
	return &schedWorker{
		agent:  a,
		logger: logger.With("component", "schedule"),
	}
}

func (w *schedWorker) run(ctx context.Context) error {
	a := w.agent
	for {
		req, ok := a.scheduleQ.Get()
		if !ok {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		if req.unit == nil {
			w.reschedule()
			continue
		}

		u := req.unit
		a.sink.Advance(u, states.UnitAgentScheduling, "", nil)
		if !w.tryPlace(u) {
			w.waiting = append(w.waiting, u)
			a.profiler.Event("parked", u.UID, "")
		}
	}
}

// tryPlace attempts an allocation. It returns true when the unit left the
// scheduler (dispatched or failed terminally), false when it must wait.
func (w *schedWorker) tryPlace(u *cunit.Unit) bool {
	a := w.agent

	alloc, err := a.allocator.Allocate(u.Description.Cores)
	if err != nil {
		if !errors.Is(err, sched.ErrNeverFits) {
			w.logger.Warn("allocation error", "uid", u.UID, "error", err)
		}
		u.Logf("allocation failed: %v", err)
		a.sink.Advance(u, states.Failed, "allocation failed", nil)
		return true
	}
	if alloc == nil {
		return false
	}

	u.Allocation = alloc
	a.profiler.Event("allocated", u.UID, "")

	fields := &store.UnitFields{Slots: alloc.Slots}
	for _, out := range a.blowup(u, config.CompSchedule) {
		a.sink.Advance(out, states.UnitAgentExecutingPending, "", fields)
		a.execQ.Put(out)
	}
	return true
}

// reschedule retries parked units in FIFO order, removing the ones that
// leave the scheduler.
func (w *schedWorker) reschedule() {
	remaining := w.waiting[:0]
	for _, u := range w.waiting {
		if !w.tryPlace(u) {
			remaining = append(remaining, u)
		}
	}
	w.waiting = remaining
}

// unschedule releases a unit's cores and posts the Reschedule signal. It is
// called from the watcher when a unit stops executing.
func (a *Agent) unschedule(u *cunit.Unit) {
	if u.Allocation == nil {
		return
	}
	if err := a.allocator.Release(u.Allocation); err != nil {
		a.logger.Error("slot release failed", "uid", u.UID, "error", err)
	}
	u.Allocation = nil
	a.profiler.Event("unscheduled", u.UID, "")
	a.scheduleQ.Put(scheduleRequest{})
}
