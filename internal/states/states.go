// Package states defines the pilot and unit state models.
//
// Both models are totally ordered. Final states share the highest value and
// are truly final: a requested transition into a state whose value is equal
// to or lower than the current one is silently discarded. Progress reports
// every intermediate state exactly once so that external subscribers observe
// a gap-free history.
package states

// Common final states, shared by pilots and units.
const (
	New      = "NEW"
	Done     = "DONE"
	Failed   = "FAILED"
	Canceled = "CANCELED"
)

// IsFinal reports whether s is a terminal state in either model.
func IsFinal(s string) bool {
	return s == Done || s == Failed || s == Canceled
}

// Pilot states.
const (
	PilotLaunchingPending = "PMGR_LAUNCHING_PENDING"
	PilotLaunching        = "PMGR_LAUNCHING"
	PilotActivePending    = "PMGR_ACTIVE_PENDING"
	PilotActive           = "PMGR_ACTIVE"

	// Canceling is observed on the pilot document when an external actor
	// requests shutdown; the agent treats it like a cancel command.
	PilotCanceling = "CANCELING"
)

var pilotValues = map[string]int{
	New:                   0,
	PilotLaunchingPending: 1,
	PilotLaunching:        2,
	PilotActivePending:    3,
	PilotActive:           4,
	Done:                  5,
	Failed:                5,
	Canceled:              5,
}

var pilotByValue = map[int]string{
	0: New,
	1: PilotLaunchingPending,
	2: PilotLaunching,
	3: PilotActivePending,
	4: PilotActive,
}

// Unit states.
const (
	UnitUmgrSchedulingPending     = "UMGR_SCHEDULING_PENDING"
	UnitUmgrScheduling            = "UMGR_SCHEDULING"
	UnitUmgrStagingInputPending   = "UMGR_STAGING_INPUT_PENDING"
	UnitUmgrStagingInput          = "UMGR_STAGING_INPUT"
	UnitAgentStagingInputPending  = "AGENT_STAGING_INPUT_PENDING"
	UnitAgentStagingInput         = "AGENT_STAGING_INPUT"
	UnitAgentSchedulingPending    = "AGENT_SCHEDULING_PENDING"
	UnitAgentScheduling           = "AGENT_SCHEDULING"
	UnitAgentExecutingPending     = "AGENT_EXECUTING_PENDING"
	UnitAgentExecuting            = "AGENT_EXECUTING"
	UnitAgentStagingOutputPending = "AGENT_STAGING_OUTPUT_PENDING"
	UnitAgentStagingOutput        = "AGENT_STAGING_OUTPUT"
	UnitUmgrStagingOutputPending  = "UMGR_STAGING_OUTPUT_PENDING"
	UnitUmgrStagingOutput         = "UMGR_STAGING_OUTPUT"
)

var unitValues = map[string]int{
	New:                           0,
	UnitUmgrSchedulingPending:     1,
	UnitUmgrScheduling:            2,
	UnitUmgrStagingInputPending:   3,
	UnitUmgrStagingInput:          4,
	UnitAgentStagingInputPending:  5,
	UnitAgentStagingInput:         6,
	UnitAgentSchedulingPending:    7,
	UnitAgentScheduling:           8,
	UnitAgentExecutingPending:     9,
	UnitAgentExecuting:            10,
	UnitAgentStagingOutputPending: 11,
	UnitAgentStagingOutput:        12,
	UnitUmgrStagingOutputPending:  13,
	UnitUmgrStagingOutput:         14,
	Done:                          15,
	Failed:                        15,
	Canceled:                      15,
}

var unitByValue = map[int]string{
	0:  New,
	1:  UnitUmgrSchedulingPending,
	2:  UnitUmgrScheduling,
	3:  UnitUmgrStagingInputPending,
	4:  UnitUmgrStagingInput,
	5:  UnitAgentStagingInputPending,
	6:  UnitAgentStagingInput,
	7:  UnitAgentSchedulingPending,
	8:  UnitAgentScheduling,
	9:  UnitAgentExecutingPending,
	10: UnitAgentExecuting,
	11: UnitAgentStagingOutputPending,
	12: UnitAgentStagingOutput,
	13: UnitUmgrStagingOutputPending,
	14: UnitUmgrStagingOutput,
}

// UnitValue returns the ordering value of a unit state, or -1 for the empty
// string (which sorts before NEW).
func UnitValue(state string) int {
	if state == "" {
		return -1
	}
	v, ok := unitValues[state]
	if !ok {
		return -1
	}
	return v
}

// PilotValue returns the ordering value of a pilot state, or -1 for the
// empty string.
func PilotValue(state string) int {
	if state == "" {
		return -1
	}
	v, ok := pilotValues[state]
	if !ok {
		return -1
	}
	return v
}

// UnitProgress advances a unit from current toward target. It returns the
// resulting state and the ordered list of states passed on the way there,
// target included. If target does not order strictly after current, the
// current state is returned with an empty passed list and the transition is
// to be dropped.
//
// Transitions between states of equal value are never allowed, which in
// particular makes final states terminal.
func UnitProgress(current, target string) (string, []string) {
	cur := UnitValue(current)
	tgt := UnitValue(target)

	if cur >= tgt {
		return current, nil
	}

	var passed []string
	for v := cur + 1; v < tgt; v++ {
		passed = append(passed, unitByValue[v])
	}
	return target, append(passed, target)
}

// PilotProgress is UnitProgress for the pilot state model.
func PilotProgress(current, target string) (string, []string) {
	cur := PilotValue(current)
	tgt := PilotValue(target)

	if cur >= tgt {
		return current, nil
	}

	var passed []string
	for v := cur + 1; v < tgt; v++ {
		passed = append(passed, pilotByValue[v])
	}
	return target, append(passed, target)
}

// UnitCollapse returns the state with the highest value from the given list.
func UnitCollapse(list []string) string {
	ret := ""
	for _, s := range list {
		if UnitValue(s) > UnitValue(ret) {
			ret = s
		}
	}
	return ret
}
