package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"pilotagent/internal/states"
	"pilotagent/internal/store"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.mpk")

	j, err := store.OpenJournal(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	bulk := []store.UnitUpdate{
		{
			UID:   "unit.000001",
			State: states.UnitAgentExecuting,
			StateHistory: []store.StateEntry{
				{State: states.UnitAgentExecuting, Timestamp: now},
			},
		},
		{UID: "unit.000002", State: states.Failed},
	}
	if err := j.RecordUnits(bulk); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.RecordUnits([]store.UnitUpdate{{UID: "unit.000003", State: states.Done}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.RecordPilot("pilot.1", store.PilotUpdate{State: states.Done}); err != nil {
		t.Fatalf("record pilot: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	bulks, err := store.ReadJournal(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(bulks) != 2 {
		t.Fatalf("read %d unit bulks, want 2", len(bulks))
	}
	if len(bulks[0]) != 2 || bulks[0][0].UID != "unit.000001" {
		t.Fatalf("first bulk = %+v", bulks[0])
	}
	if bulks[0][0].State != states.UnitAgentExecuting {
		t.Fatalf("state = %s", bulks[0][0].State)
	}
	if bulks[1][0].UID != "unit.000003" {
		t.Fatalf("second bulk = %+v", bulks[1])
	}
}
