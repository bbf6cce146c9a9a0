// Package agent implements the on-node pilot agent: the pipeline that pulls
// compute units from the metadata store, stages their inputs, allocates
// cores, spawns and watches their processes, stages outputs, and reports
// every state transition back to the store.
//
// Concurrency model: parallel worker goroutines communicating over typed
// FIFO queues. Unit ownership follows the queues — the component holding a
// unit's queue entry (or watch-set entry) is the only one mutating it. The
// slot map is mutated only inside the allocator's lock. The heartbeat is
// the sole component that stops the whole agent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"pilotagent/internal/config"
	"pilotagent/internal/cunit"
	"pilotagent/internal/launch"
	"pilotagent/internal/logging"
	"pilotagent/internal/lrms"
	"pilotagent/internal/sched"
	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// Outcome is the agent's terminal result, mapped to process exit codes by
// the CLI.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeCanceled
	OutcomeFailed
)

type stopReason int

const (
	stopDone stopReason = iota
	stopCanceled
	stopFailed
)

type stopRequest struct {
	reason  stopReason
	message string
}

// Agent wires the pipeline components around one core allocation.
type Agent struct {
	// id identifies this agent incarnation; the pilot document may see
	// several over a pilot's life when the launcher retries.
	id string

	cfg       *config.Agent
	store     store.Store
	resources *lrms.Descriptor
	allocator sched.Allocator

	taskLaunch launch.Method
	mpiLaunch  launch.Method
	spawner    Spawner

	update   *updateWorker
	sink     UpdateSink
	profiler Profiler
	journal  *store.Journal

	stageInQ  *queue[*cunit.Unit]
	scheduleQ *queue[scheduleRequest]
	execQ     *queue[*cunit.Unit]
	watchQ    *queue[*cunit.Unit]
	stageOutQ *queue[*cunit.Unit]
	cancelQ   *queue[string]

	// execReady is the startup barrier: closed once the watcher runs and
	// the spawner reported ready.
	execReady chan struct{}
	watcherUp chan struct{}
	upOnce    sync.Once

	stopCh   chan stopRequest
	stopOnce sync.Once

	errMu    sync.Mutex
	firstErr error

	stagingArea string
	started     time.Time
	logger      *slog.Logger
}

// New constructs an agent. Every error here is a configuration error: the
// pilot must fail before the main loop starts.
func New(cfg *config.Agent, st store.Store, logger *slog.Logger) (*Agent, error) {
	logger = logging.Default(logger)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resources, err := lrms.Probe(cfg.LRMS, cfg.Cores, cfg.Profile, logger)
	if err != nil {
		return nil, err
	}

	allocator, err := sched.New(cfg.Scheduler, resources, logger)
	if err != nil {
		return nil, err
	}

	taskLaunch, err := launch.New(cfg.TaskLaunchMethod, resources, logger)
	if err != nil {
		return nil, err
	}
	mpiLaunch := taskLaunch
	if cfg.MPILaunchMethod != "" && cfg.MPILaunchMethod != cfg.TaskLaunchMethod {
		mpiLaunch, err = launch.New(cfg.MPILaunchMethod, resources, logger)
		if err != nil {
			return nil, err
		}
	}

	spawner, err := newSpawner(cfg.Spawner, logger)
	if err != nil {
		return nil, err
	}

	workdir := cfg.Workdir
	if workdir == "" {
		workdir = "."
	}
	stagingArea := filepath.Join(workdir, stagingAreaName)
	if err := os.MkdirAll(stagingArea, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging area: %w", err)
	}

	var profiler Profiler = NopProfiler{}
	var journal *store.Journal
	if cfg.Profile {
		profiler, err = NewFileProfiler(filepath.Join(workdir, "agent.prof"))
		if err != nil {
			return nil, err
		}
		journal, err = store.OpenJournal(filepath.Join(workdir, "agent_updates.mpk"))
		if err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	a := &Agent{
		id:          id,
		cfg:         cfg,
		store:       st,
		resources:   resources,
		allocator:   allocator,
		taskLaunch:  taskLaunch,
		mpiLaunch:   mpiLaunch,
		spawner:     spawner,
		profiler:    profiler,
		journal:     journal,
		stageInQ:    newQueue[*cunit.Unit](),
		scheduleQ:   newQueue[scheduleRequest](),
		execQ:       newQueue[*cunit.Unit](),
		watchQ:      newQueue[*cunit.Unit](),
		stageOutQ:   newQueue[*cunit.Unit](),
		cancelQ:     newQueue[string](),
		execReady:   make(chan struct{}),
		watcherUp:   make(chan struct{}),
		stopCh:      make(chan stopRequest, 1),
		stagingArea: stagingArea,
		logger:      logger.With("component", "agent", "agent_id", id),
	}

	a.update = newUpdateWorker(st, journal, profiler, logger)
	a.sink = a.update
	return a, nil
}

// Sink exposes the agent's update sink, mainly to tests.
func (a *Agent) Sink() UpdateSink { return a.sink }

// CancelUnit enqueues an external per-unit cancel request.
func (a *Agent) CancelUnit(uid string) { a.cancelQ.Put(uid) }

// requestStop asks the agent to shut down; only the first request wins.
func (a *Agent) requestStop(reason stopReason, message string) {
	a.stopOnce.Do(func() {
		a.stopCh <- stopRequest{reason: reason, message: message}
	})
}

// watcherStarted is called by the watcher once its loop runs.
func (a *Agent) watcherStarted() {
	a.upOnce.Do(func() { close(a.watcherUp) })
}

// recordErr keeps the first worker error for the heartbeat's liveness check.
func (a *Agent) recordErr(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if a.firstErr == nil {
		a.firstErr = err
	}
}

func (a *Agent) workerErr() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.firstErr
}

// Run executes the agent until the heartbeat stops it (runtime limit,
// external cancel) or a worker dies. It returns the terminal outcome for
// the CLI's exit code.
func (a *Agent) Run(ctx context.Context) (Outcome, error) {
	a.started = time.Now()
	a.logger.Info("agent starting",
		"pilot", a.cfg.PilotID,
		"session", a.cfg.SessionID,
		"lrms", a.resources.Name,
		"cores", a.resources.Cores())

	// The pilot is active from here on. The launcher left the document in
	// PMGR_ACTIVE_PENDING; announce every state up to PMGR_ACTIVE.
	now := a.started
	state, passed := states.PilotProgress(states.PilotActivePending, states.PilotActive)
	history := make([]store.StateEntry, 0, len(passed))
	for _, s := range passed {
		history = append(history, store.StateEntry{State: s, Timestamp: now})
	}
	if err := a.store.UpdatePilot(ctx, a.cfg.PilotID, store.PilotUpdate{
		State:        state,
		StateHistory: history,
		Log: []store.LogEntry{
			{Message: "agent " + a.id + " started", Timestamp: now},
		},
	}); err != nil {
		a.logger.Warn("pilot activation update failed", "error", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	g := new(errgroup.Group)
	spawn := func(name string, fn func(context.Context) error) {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s: panic: %v\n%s", name, r, debug.Stack())
				}
				if err != nil {
					a.logger.Error("worker failed", "worker", name, "error", err)
					a.recordErr(err)
				}
			}()
			return fn(workerCtx)
		})
	}

	// One watcher pairs with the exec workers: the spawner reports every
	// exit on its single monitor channel.
	spawn("watch", newWatcher(a, a.logger).run)
	for i := 0; i < a.cfg.WorkersFor(config.CompStageIn); i++ {
		spawn("stagein", newStageInWorker(a, a.logger).run)
	}
	spawn("schedule", newSchedWorker(a, a.logger).run)
	for i := 0; i < a.cfg.WorkersFor(config.CompExec); i++ {
		spawn("exec", newExecWorker(a, a.logger).run)
	}
	for i := 0; i < a.cfg.WorkersFor(config.CompStageOut); i++ {
		spawn("stageout", newStageOutWorker(a, a.logger).run)
	}
	spawn("ingest", newIngestWorker(a, a.logger).run)

	updateDone := make(chan struct{})
	go func() {
		defer close(updateDone)
		if err := a.update.run(workerCtx); err != nil {
			a.recordErr(fmt.Errorf("update: %w", err))
		}
	}()

	// Startup barrier for the exec workers: watcher up, spawner ready.
	<-a.watcherUp
	if err := a.spawner.Ready(workerCtx); err != nil {
		cancelWorkers()
		a.teardown(g, updateDone)
		a.finishPilot(context.Background(), states.Failed, "spawner failed: "+err.Error())
		return OutcomeFailed, err
	}
	close(a.execReady)

	// Heartbeat on the shared cron scheduler.
	cron, err := gocron.NewScheduler()
	if err != nil {
		cancelWorkers()
		a.teardown(g, updateDone)
		return OutcomeFailed, fmt.Errorf("creating heartbeat scheduler: %w", err)
	}
	hb := newHeartbeat(a, a.started, a.logger)
	if _, err := cron.NewJob(
		gocron.DurationJob(heartbeatInterval),
		gocron.NewTask(func() { hb.tick(workerCtx) }),
		gocron.WithName("heartbeat"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		cancelWorkers()
		a.teardown(g, updateDone)
		return OutcomeFailed, fmt.Errorf("scheduling heartbeat: %w", err)
	}
	cron.Start()

	// Wait for a stop decision.
	var stop stopRequest
	select {
	case stop = <-a.stopCh:
	case <-ctx.Done():
		stop = stopRequest{reason: stopCanceled, message: "interrupted"}
	}

	_ = cron.Shutdown()
	cancelWorkers()
	werr := a.teardown(g, updateDone)

	// Report the terminal pilot state with a fresh context; the run
	// context may already be canceled.
	final := context.Background()
	switch {
	case stop.reason == stopFailed || (werr != nil && stop.reason == stopDone):
		msg := stop.message
		if werr != nil {
			msg = fmt.Sprintf("%s: %v", msg, werr)
		}
		a.finishPilot(final, states.Failed, msg)
		return OutcomeFailed, werr
	case stop.reason == stopCanceled:
		a.finishPilot(final, states.Canceled, stop.message)
		return OutcomeCanceled, nil
	default:
		a.finishPilot(final, states.Done, stop.message)
		return OutcomeDone, nil
	}
}

// teardown closes the pipeline in flow order, waits for the workers, then
// lets the update worker drain.
func (a *Agent) teardown(g *errgroup.Group, updateDone <-chan struct{}) error {
	a.stageInQ.Close()
	a.scheduleQ.Close()
	a.execQ.Close()
	a.watchQ.Close()
	a.stageOutQ.Close()
	a.cancelQ.Close()

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.spawner.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	a.update.close()
	<-updateDone

	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.profiler.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// finishPilot writes the terminal pilot document: state, log, output tails
// and a resource-usage summary.
func (a *Agent) finishPilot(ctx context.Context, target, message string) {
	now := time.Now()
	state, passed := states.PilotProgress(states.PilotActive, target)
	history := make([]store.StateEntry, 0, len(passed))
	for _, s := range passed {
		history = append(history, store.StateEntry{State: s, Timestamp: now})
	}
	update := store.PilotUpdate{
		State:        state,
		StateHistory: history,
		Log: []store.LogEntry{
			{Message: message, Timestamp: now},
			{Message: a.rusage(), Timestamp: now},
		},
		Finished: &now,
	}

	workdir := a.cfg.Workdir
	if workdir == "" {
		workdir = "."
	}
	if out := readTail(filepath.Join(workdir, "agent.out")); out != "" {
		update.Stdout = &out
	}
	if errTxt := readTail(filepath.Join(workdir, "agent.err")); errTxt != "" {
		update.Stderr = &errTxt
	}
	if logTxt := readTail(filepath.Join(workdir, "agent.log")); logTxt != "" {
		update.Logfile = &logTxt
	}

	if err := a.store.UpdatePilot(ctx, a.cfg.PilotID, update); err != nil {
		a.logger.Error("terminal pilot update failed", "state", state, "error", err)
		return
	}
	if a.journal != nil {
		_ = a.journal.RecordPilot(a.cfg.PilotID, update)
	}
	a.logger.Info("pilot finished", "state", state, "message", message)
}

// readTail returns the shortened content of a pilot-level log file.
func readTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return tail(string(data))
}

// rusage summarizes the agent's resource consumption for the pilot log.
func (a *Agent) rusage() string {
	var self, children syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &self)
	_ = syscall.Getrusage(syscall.RUSAGE_CHILDREN, &children)

	tv := func(t syscall.Timeval) float64 {
		return float64(t.Sec) + float64(t.Usec)/1e6
	}
	real := time.Since(a.started).Seconds()
	user := tv(self.Utime) + tv(children.Utime)
	sys := tv(self.Stime) + tv(children.Stime)
	rss := self.Maxrss + children.Maxrss

	return fmt.Sprintf("real %.3f sec | user %.3f sec | system %.3f sec | mem %d kB",
		real, user, sys, rss)
}
