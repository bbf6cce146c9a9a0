// Package cunit defines the compute unit, the pilot agent's unit of work.
//
// A unit travels through the agent pipeline by queue hand-off; at any moment
// it is owned by exactly one component. The struct itself is therefore not
// locked: the owning component mutates it, and ownership transfers happen
// only through queues.
package cunit

import (
	"fmt"
	"strings"
	"time"

	"pilotagent/internal/lrms"
)

// Staging actions.
const (
	ActionCopy     = "Copy"     // local byte copy
	ActionLink     = "Link"     // local symbolic link
	ActionMove     = "Move"     // local rename
	ActionTransfer = "Transfer" // remote transfer, delegated to the external mover
)

// Directive states.
const (
	DirectivePending = "Pending"
	DirectiveDone    = "Done"
	DirectiveFailed  = "Failed"
)

// StagingScheme marks source/target paths that resolve relative to the
// pilot's shared staging area.
const StagingScheme = "staging://"

// Directive is one declared file-staging operation.
type Directive struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Action string `json:"action"`
	State  string `json:"state"`
}

// Description is the user-supplied execution request.
type Description struct {
	Executable  string            `json:"executable"`
	Arguments   []string          `json:"arguments"`
	Environment map[string]string `json:"environment"`
	Cores       int               `json:"cores"`
	MPI         bool              `json:"mpi"`
	PreExec     []string          `json:"pre_exec"`
	PostExec    []string          `json:"post_exec"`
	Stdout      string            `json:"stdout"`
	Stderr      string            `json:"stderr"`
}

// Allocation is the scheduler-owned slot handle attached to a unit while it
// holds cores. Either Slots is set (continuous scheduler, "node:core"
// entries) or Corner/Shape are (torus scheduler).
type Allocation struct {
	Slots []string

	Corner *lrms.Coord
	Shape  lrms.Shape
}

// Unit is one compute unit in flight through the agent.
type Unit struct {
	UID         string
	Description Description

	State string

	Workdir    string
	StdoutFile string
	StderrFile string

	// Allocation is nil unless the scheduler currently holds cores for
	// this unit.
	Allocation *Allocation

	InputDirectives  []Directive
	OutputDirectives []Directive

	// FTWOutputDirectives are handled by the external file-transfer
	// worker; their presence keeps the unit out of DONE on the agent side.
	FTWOutputDirectives []Directive

	Started  time.Time
	Finished time.Time
	ExitCode int

	// Stdout and Stderr hold the captured output tails after stage-out.
	Stdout string
	Stderr string

	// PID of the spawned process while executing (0 otherwise).
	PID int

	// CancelRequested is set by the watcher when an external cancel
	// command names this unit.
	CancelRequested bool

	// Log collects diagnostics to be attached to the next state update.
	Log []string
}

// CloneSep separates the canonical uid from a clone counter.
const CloneSep = ".clone_"

// CloneUID derives the uid of the idx-th clone of uid.
func CloneUID(uid string, idx int) string {
	return fmt.Sprintf("%s%s%05d", uid, CloneSep, idx)
}

// IsClone reports whether the unit is a blowup clone rather than an
// original.
func (u *Unit) IsClone() bool {
	return strings.Contains(u.UID, CloneSep)
}

// Clone returns a deep copy of the unit under the clone uid for idx.
// Clones exist only to multiply pipeline load during scale testing. Path
// fields that embed the original uid are rewritten so clones get their own
// sandbox.
func (u *Unit) Clone(idx int) *Unit {
	c := *u
	c.UID = CloneUID(u.UID, idx)
	c.Workdir = strings.ReplaceAll(u.Workdir, u.UID, c.UID)
	c.StdoutFile = strings.ReplaceAll(u.StdoutFile, u.UID, c.UID)
	c.StderrFile = strings.ReplaceAll(u.StderrFile, u.UID, c.UID)
	c.Description.Arguments = append([]string(nil), u.Description.Arguments...)
	c.Description.PreExec = append([]string(nil), u.Description.PreExec...)
	c.Description.PostExec = append([]string(nil), u.Description.PostExec...)
	if u.Description.Environment != nil {
		c.Description.Environment = make(map[string]string, len(u.Description.Environment))
		for k, v := range u.Description.Environment {
			c.Description.Environment[k] = v
		}
	}
	c.InputDirectives = append([]Directive(nil), u.InputDirectives...)
	c.OutputDirectives = append([]Directive(nil), u.OutputDirectives...)
	c.FTWOutputDirectives = append([]Directive(nil), u.FTWOutputDirectives...)
	c.Log = append([]string(nil), u.Log...)
	c.Allocation = nil
	return &c
}

// Logf appends a formatted diagnostic line to the unit's pending log.
func (u *Unit) Logf(format string, args ...any) {
	u.Log = append(u.Log, fmt.Sprintf(format, args...))
}

// TakeLog returns the pending log lines and clears them.
func (u *Unit) TakeLog() []string {
	log := u.Log
	u.Log = nil
	return log
}
