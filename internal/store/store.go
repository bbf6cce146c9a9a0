// Package store abstracts the metadata store the agent talks to.
//
// The agent consumes the store through two narrow roles: a queue of claimable
// unit documents (the ingest side) and a sink for bulked state updates (the
// update side), plus the pilot document's command array polled by the
// heartbeat. The store itself — a document database in production — stays
// behind this interface; the in-memory implementation backs the tests.
package store

import (
	"context"
	"time"

	"pilotagent/internal/cunit"
)

// Commands understood on the pilot document's command array. The internal
// Reschedule signal never reaches the store; it travels on the scheduler's
// own control queue.
const (
	CommandCancelPilot = "Cancel_Pilot"
	CommandCancelUnit  = "Cancel_Compute_Unit"
	CommandKeepAlive   = "Keep_Alive"
)

// Command is one external instruction to the agent.
type Command struct {
	Type string `json:"type"`
	Arg  string `json:"arg,omitempty"`
}

// LogEntry is one human-readable line on a document's log array.
type LogEntry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StateEntry is one entry of a document's state history.
type StateEntry struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// UnitFields carries optional field updates on a unit document. Nil fields
// are left untouched.
type UnitFields struct {
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
	ExitCode *int       `json:"exit_code,omitempty"`
	Stdout   *string    `json:"stdout,omitempty"`
	Stderr   *string    `json:"stderr,omitempty"`
	Slots    []string   `json:"slots,omitempty"`
}

// UnitUpdate is one bulked update record for a unit document. The caller has
// already run the state progression: StateHistory lists every announced
// transition in order, and State is the resulting state (empty for pure
// field updates).
type UnitUpdate struct {
	UID          string       `json:"uid"`
	State        string       `json:"state,omitempty"`
	StateHistory []StateEntry `json:"statehistory,omitempty"`
	Log          []LogEntry   `json:"log,omitempty"`
	Fields       *UnitFields  `json:"fields,omitempty"`
}

// PilotUpdate carries the pilot document's terminal bookkeeping.
type PilotUpdate struct {
	State        string       `json:"state,omitempty"`
	StateHistory []StateEntry `json:"statehistory,omitempty"`
	Log          []LogEntry   `json:"log,omitempty"`
	Stdout       *string      `json:"stdout,omitempty"`
	Stderr       *string      `json:"stderr,omitempty"`
	Logfile      *string      `json:"logfile,omitempty"`
	Finished     *time.Time   `json:"finished,omitempty"`
}

// Store is the agent's view of the metadata store.
type Store interface {
	// ClaimUnits atomically claims up to max units pending for the
	// pilot: their store state advances to AGENT_STAGING_INPUT or
	// AGENT_SCHEDULING (depending on input directives) before the units
	// are returned, so no other agent can claim them.
	ClaimUnits(ctx context.Context, pilotID string, max int) ([]*cunit.Unit, error)

	// ApplyUnitBulk applies an ordered bulk of unit updates.
	ApplyUnitBulk(ctx context.Context, updates []UnitUpdate) error

	// UpdatePilot applies one update to the pilot document.
	UpdatePilot(ctx context.Context, pilotID string, update PilotUpdate) error

	// DrainCommands atomically reads and clears the pilot's command
	// array, and reports the pilot state as currently stored (so the
	// heartbeat can observe an external CANCELING).
	DrainCommands(ctx context.Context, pilotID string) ([]Command, string, error)
}
