package agent

import (
	"context"
	"log/slog"
	"time"

	"pilotagent/internal/cunit"
	"pilotagent/internal/logging"
	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// bulkCollectionTime bounds how long an update may sit in a pending bulk
// once the producers have gone idle.
const bulkCollectionTime = 1 * time.Second

// UpdateSink is the narrow interface every pipeline component uses to
// announce unit progress. It is owned by the update worker; no component
// holds a handle to the whole agent.
type UpdateSink interface {
	// Advance moves the unit toward target, announcing every skipped
	// intermediate state. Targets that do not order strictly after the
	// unit's current state are dropped silently. msg, when non-empty, is
	// appended to the unit's log; fields, when non-nil, piggybacks field
	// updates onto the same store write.
	Advance(u *cunit.Unit, target, msg string, fields *store.UnitFields)
}

// updateRequest is one queued store write.
type updateRequest struct {
	uid     string
	state   string
	history []store.StateEntry
	log     []store.LogEntry
	fields  *store.UnitFields
}

// updateWorker bulks state updates and flushes them to the store. Requests
// for a given uid arrive in transition order through the FIFO queue, so the
// store observes a monotone, gap-free history per unit.
type updateWorker struct {
	in       *queue[updateRequest]
	store    store.Store
	journal  *store.Journal
	profiler Profiler
	logger   *slog.Logger
	now      func() time.Time
}

func newUpdateWorker(st store.Store, journal *store.Journal, profiler Profiler, logger *slog.Logger) *updateWorker {
	return &updateWorker{
		in:       newQueue[updateRequest](),
		store:    st,
		journal:  journal,
		profiler: profiler,
		logger:   logging.Default(logger).With("component", "update"),
		now:      time.Now,
	}
}

// Advance implements UpdateSink.
func (w *updateWorker) Advance(u *cunit.Unit, target, msg string, fields *store.UnitFields) {
	now := w.now()

	req := updateRequest{uid: u.UID, fields: fields}

	if target != "" {
		newState, passed := states.UnitProgress(u.State, target)
		if len(passed) == 0 && fields == nil && msg == "" {
			// Dropped transition with nothing else to report.
			return
		}
		u.State = newState
		req.state = newState
		for _, s := range passed {
			req.history = append(req.history, store.StateEntry{State: s, Timestamp: now})
			w.profiler.Event("advance to "+s, u.UID, "")
		}
	}

	if msg != "" {
		req.log = append(req.log, store.LogEntry{Message: msg, Timestamp: now})
	}
	for _, line := range u.TakeLog() {
		req.log = append(req.log, store.LogEntry{Message: line, Timestamp: now})
	}

	// Clones exist only inside the agent; the store has no document for
	// them.
	if u.IsClone() {
		return
	}

	w.in.Put(req)
}

// run is the update worker loop: drain what is available, flush when the
// producers go idle or the bulk has been open for bulkCollectionTime.
func (w *updateWorker) run(ctx context.Context) error {
	var bulk []store.UnitUpdate
	var opened time.Time

	flush := func() {
		if len(bulk) == 0 {
			return
		}
		if err := w.store.ApplyUnitBulk(ctx, bulk); err != nil {
			// A lost update is logged, not fatal: the bulk semantics
			// retry on the next flush of the same uid.
			w.logger.Warn("bulk update failed", "size", len(bulk), "error", err)
		} else if w.journal != nil {
			if err := w.journal.RecordUnits(bulk); err != nil {
				w.logger.Warn("journal write failed", "error", err)
			}
		}
		bulk = nil
	}

	for {
		req, ok := w.in.TryGet()
		if !ok {
			// Idle: anything pending has waited long enough.
			flush()
			req, ok = w.in.GetTimeout(bulkCollectionTime)
			if !ok {
				if w.in.Closed() && w.in.Len() == 0 {
					flush()
					return nil
				}
				continue
			}
		}

		if len(bulk) == 0 {
			opened = w.now()
		}
		bulk = append(bulk, store.UnitUpdate{
			UID:          req.uid,
			State:        req.state,
			StateHistory: req.history,
			Log:          req.log,
			Fields:       req.fields,
		})
		if w.now().Sub(opened) >= bulkCollectionTime {
			flush()
		}
	}
}

// close shuts the input queue; run drains and exits.
func (w *updateWorker) close() {
	w.in.Close()
}
