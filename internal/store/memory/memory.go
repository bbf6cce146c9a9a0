// Package memory provides the in-memory document store used by tests and by
// agents running without a reachable metadata store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pilotagent/internal/cunit"
	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

// UnitDocument is one stored unit record.
type UnitDocument struct {
	UID                 string
	Pilot               string
	Description         cunit.Description
	State               string
	StateHistory        []store.StateEntry
	Log                 []store.LogEntry
	Stdout              string
	Stderr              string
	ExitCode            *int
	Started             time.Time
	Finished            time.Time
	Slots               []string
	InputDirectives     []cunit.Directive
	OutputDirectives    []cunit.Directive
	FTWOutputDirectives []cunit.Directive
}

// PilotDocument is one stored pilot record.
type PilotDocument struct {
	UID          string
	State        string
	StateHistory []store.StateEntry
	Log          []store.LogEntry
	Commands     []store.Command
	Stdout       string
	Stderr       string
	Logfile      string
	Finished     time.Time
}

// Store keeps unit and pilot documents in memory. It implements store.Store.
type Store struct {
	mu     sync.Mutex
	units  map[string]*UnitDocument
	order  []string
	pilots map[string]*PilotDocument
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		units:  make(map[string]*UnitDocument),
		pilots: make(map[string]*PilotDocument),
		now:    time.Now,
	}
}

// SubmitPilot inserts a pilot document in the state the launcher leaves it
// in; the agent announces PMGR_ACTIVE itself.
func (s *Store) SubmitPilot(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pilots[uid] = &PilotDocument{UID: uid, State: states.PilotActivePending}
}

// SubmitUnit inserts a unit document pending for the given pilot and
// returns its uid. A document arriving without a uid gets one minted, the
// way the unit manager does on insert.
func (s *Store) SubmitUnit(doc *UnitDocument) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.UID == "" {
		doc.UID = "unit." + uuid.NewString()
	}
	if doc.State == "" {
		if len(doc.InputDirectives) > 0 {
			doc.State = states.UnitAgentStagingInputPending
		} else {
			doc.State = states.UnitAgentSchedulingPending
		}
	}
	s.units[doc.UID] = doc
	s.order = append(s.order, doc.UID)
	return doc.UID
}

// PostCommand appends a command to the pilot's command array.
func (s *Store) PostCommand(pilotID string, cmd store.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pilots[pilotID]; ok {
		p.Commands = append(p.Commands, cmd)
	}
}

// SetPilotState overwrites the pilot state, as an external actor would.
func (s *Store) SetPilotState(pilotID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pilots[pilotID]; ok {
		p.State = state
	}
}

// Unit returns a copy of a unit document.
func (s *Store) Unit(uid string) (UnitDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.units[uid]
	if !ok {
		return UnitDocument{}, false
	}
	cp := *doc
	cp.StateHistory = append([]store.StateEntry(nil), doc.StateHistory...)
	cp.Log = append([]store.LogEntry(nil), doc.Log...)
	return cp, true
}

// Pilot returns a copy of a pilot document.
func (s *Store) Pilot(uid string) (PilotDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.pilots[uid]
	if !ok {
		return PilotDocument{}, false
	}
	cp := *doc
	cp.StateHistory = append([]store.StateEntry(nil), doc.StateHistory...)
	cp.Log = append([]store.LogEntry(nil), doc.Log...)
	cp.Commands = append([]store.Command(nil), doc.Commands...)
	return cp, true
}

// ClaimUnits implements store.Store.
func (s *Store) ClaimUnits(ctx context.Context, pilotID string, max int) ([]*cunit.Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*cunit.Unit
	for _, uid := range s.order {
		if len(claimed) >= max {
			break
		}
		doc := s.units[uid]
		if doc.Pilot != pilotID {
			continue
		}
		if doc.State != states.UnitAgentStagingInputPending &&
			doc.State != states.UnitAgentSchedulingPending {
			continue
		}

		// Claim: advance the stored state before handing the unit out.
		target := states.UnitAgentScheduling
		if len(doc.InputDirectives) > 0 {
			target = states.UnitAgentStagingInput
		}
		doc.State = target
		doc.StateHistory = append(doc.StateHistory,
			store.StateEntry{State: target, Timestamp: s.now()})

		claimed = append(claimed, &cunit.Unit{
			UID:                 doc.UID,
			Description:         doc.Description,
			State:               target,
			InputDirectives:     append([]cunit.Directive(nil), doc.InputDirectives...),
			OutputDirectives:    append([]cunit.Directive(nil), doc.OutputDirectives...),
			FTWOutputDirectives: append([]cunit.Directive(nil), doc.FTWOutputDirectives...),
		})
	}
	return claimed, nil
}

// ApplyUnitBulk implements store.Store.
func (s *Store) ApplyUnitBulk(ctx context.Context, updates []store.UnitUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		doc, ok := s.units[u.UID]
		if !ok {
			// Clone uids never reach the store as documents; ignore.
			continue
		}
		if u.State != "" {
			// Updates are bulked in arrival order per uid, but guard
			// against a regressing write all the same: the stored
			// state only ever collapses upward.
			doc.State = states.UnitCollapse([]string{doc.State, u.State})
		}
		doc.StateHistory = append(doc.StateHistory, u.StateHistory...)
		doc.Log = append(doc.Log, u.Log...)
		if f := u.Fields; f != nil {
			if f.Started != nil {
				doc.Started = *f.Started
			}
			if f.Finished != nil {
				doc.Finished = *f.Finished
			}
			if f.ExitCode != nil {
				code := *f.ExitCode
				doc.ExitCode = &code
			}
			if f.Stdout != nil {
				doc.Stdout = *f.Stdout
			}
			if f.Stderr != nil {
				doc.Stderr = *f.Stderr
			}
			if f.Slots != nil {
				doc.Slots = append([]string(nil), f.Slots...)
			}
		}
	}
	return nil
}

// UpdatePilot implements store.Store.
func (s *Store) UpdatePilot(ctx context.Context, pilotID string, update store.PilotUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.pilots[pilotID]
	if !ok {
		return fmt.Errorf("unknown pilot %s", pilotID)
	}
	if update.State != "" {
		doc.State = update.State
	}
	doc.StateHistory = append(doc.StateHistory, update.StateHistory...)
	doc.Log = append(doc.Log, update.Log...)
	if update.Stdout != nil {
		doc.Stdout = *update.Stdout
	}
	if update.Stderr != nil {
		doc.Stderr = *update.Stderr
	}
	if update.Logfile != nil {
		doc.Logfile = *update.Logfile
	}
	if update.Finished != nil {
		doc.Finished = *update.Finished
	}
	return nil
}

// DrainCommands implements store.Store.
func (s *Store) DrainCommands(ctx context.Context, pilotID string) ([]store.Command, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.pilots[pilotID]
	if !ok {
		return nil, "", fmt.Errorf("unknown pilot %s", pilotID)
	}
	cmds := doc.Commands
	doc.Commands = nil
	return cmds, doc.State, nil
}
