// Package config holds the agent's immutable runtime configuration.
//
// One Agent value is constructed in main() from CLI flags plus an optional
// JSON overlay, validated once, and passed by reference to every component.
// Nothing mutates it after construction; per-component tuning (worker
// counts, clone factors) lives here instead of in package-level state.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Pipeline component names, used to key worker counts and clone knobs.
const (
	CompIngest   = "INGEST"
	CompStageIn  = "STAGEIN"
	CompSchedule = "SCHEDULE"
	CompExec     = "EXEC"
	CompWatch    = "WATCH"
	CompStageOut = "STAGEOUT"
	CompUpdate   = "UPDATE"
)

// Spawner selects how the exec worker starts unit processes.
const (
	SpawnerPopen = "POPEN" // direct child process per unit
	SpawnerShell = "SHELL" // one long-lived shell consuming launch commands
)

// Scheduler names.
const (
	SchedulerContinuous = "CONTINUOUS"
	SchedulerScattered  = "SCATTERED"
	SchedulerTorus      = "TORUS"
)

// ErrInvalid is returned for configurations the agent cannot run with.
var ErrInvalid = errors.New("invalid agent configuration")

// Blowup multiplies pipeline load for scale testing. Factor 1 with no drops
// is the production setting and makes the whole mechanism a no-op.
type Blowup struct {
	// Factor is the number of units each ingested unit becomes at a given
	// pipeline stage (1 = unchanged).
	Factor map[string]int `json:"factor"`

	// DropClones marks stages at which clones are silently discarded.
	// Originals always survive.
	DropClones map[string]bool `json:"drop_clones"`
}

// FactorFor returns the blowup factor for a component, defaulting to 1.
func (b Blowup) FactorFor(component string) int {
	if f, ok := b.Factor[component]; ok && f > 1 {
		return f
	}
	return 1
}

// DropFor returns whether clones are dropped at a component.
func (b Blowup) DropFor(component string) bool {
	return b.DropClones[component]
}

// Agent is the complete agent configuration.
type Agent struct {
	PilotID   string `json:"pilot_id"`
	SessionID string `json:"session_id"`

	Cores          int `json:"cores"`
	RuntimeMinutes int `json:"runtime"`
	DebugLevel     int `json:"debug_level"`

	LRMS             string `json:"lrms"`
	Scheduler        string `json:"agent_scheduler"`
	Spawner          string `json:"spawner"`
	TaskLaunchMethod string `json:"task_launch_method"`
	MPILaunchMethod  string `json:"mpi_launch_method"`

	MongoURL  string `json:"mongodb_url"`
	MongoName string `json:"mongodb_name"`
	MongoAuth string `json:"mongodb_auth"`

	// Workdir is the agent sandbox; unit sandboxes and the staging area
	// are created beneath it. Defaults to the current directory.
	Workdir string `json:"workdir"`

	// Workers gives the goroutine count per pipeline component.
	// Unset components default to 1.
	Workers map[string]int `json:"workers"`

	// Profile enables the profiling sink and the blowup mechanism.
	Profile bool   `json:"profile"`
	Blowup  Blowup `json:"blowup"`
}

// WorkersFor returns the worker count for a component, defaulting to 1.
func (a *Agent) WorkersFor(component string) int {
	if n, ok := a.Workers[component]; ok && n > 0 {
		return n
	}
	return 1
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (a *Agent) Validate() error {
	if a.PilotID == "" {
		return fmt.Errorf("%w: pilot_id is required", ErrInvalid)
	}
	if a.Cores < 1 {
		return fmt.Errorf("%w: cores must be >= 1", ErrInvalid)
	}
	if a.RuntimeMinutes < 1 {
		return fmt.Errorf("%w: runtime must be >= 1 minute", ErrInvalid)
	}
	if a.LRMS == "" {
		return fmt.Errorf("%w: lrms is required", ErrInvalid)
	}
	switch a.Scheduler {
	case SchedulerContinuous, SchedulerTorus:
	case SchedulerScattered:
		return fmt.Errorf("%w: scattered scheduling is not implemented", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown scheduler %q", ErrInvalid, a.Scheduler)
	}
	switch a.Spawner {
	case SpawnerPopen, SpawnerShell:
	default:
		return fmt.Errorf("%w: unknown spawner %q", ErrInvalid, a.Spawner)
	}
	return nil
}

// ApplyOverlay merges a JSON overlay file into the configuration. Flags set
// the baseline; the overlay wins for any field it carries.
func (a *Agent) ApplyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading overlay %s: %v", ErrInvalid, path, err)
	}
	if err := json.Unmarshal(data, a); err != nil {
		return fmt.Errorf("%w: parsing overlay %s: %v", ErrInvalid, path, err)
	}
	return nil
}
