package sched_test

import (
	"strings"
	"testing"

	"pilotagent/internal/cunit"
	"pilotagent/internal/lrms"
	"pilotagent/internal/sched"
)

func twoNodes() *lrms.Descriptor {
	return &lrms.Descriptor{
		Name:         lrms.NameFork,
		NodeList:     []string{"node1", "node2"},
		CoresPerNode: 4,
	}
}

func TestContinuousSingleNodeFirstFit(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)

	a, err := c.Allocate(2)
	if err != nil || a == nil {
		t.Fatalf("allocate: %v %v", a, err)
	}
	want := []string{"node1:0", "node1:1"}
	if len(a.Slots) != 2 || a.Slots[0] != want[0] || a.Slots[1] != want[1] {
		t.Fatalf("slots = %v, want %v", a.Slots, want)
	}
	if c.FreeCount() != 6 {
		t.Fatalf("free = %d, want 6", c.FreeCount())
	}
}

func TestContinuousMultiNodeWindowSpansNodes(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)

	a, err := c.Allocate(6)
	if err != nil || a == nil {
		t.Fatalf("allocate: %v %v", a, err)
	}
	if len(a.Slots) != 6 {
		t.Fatalf("slots = %v", a.Slots)
	}
	if a.Slots[0] != "node1:0" || a.Slots[5] != "node2:1" {
		t.Fatalf("window boundaries wrong: %v", a.Slots)
	}
}

func TestContinuousParksWhenFull(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)

	first, _ := c.Allocate(8)
	if first == nil {
		t.Fatal("full allocation failed")
	}
	a, err := c.Allocate(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != nil {
		t.Fatalf("expected no-fit, got %v", a.Slots)
	}
}

func TestContinuousNeverFits(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)
	if _, err := c.Allocate(9); err == nil {
		t.Fatal("expected ErrNeverFits")
	}
}

func TestContinuousReleaseRestoresFreeMap(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)

	a, _ := c.Allocate(5)
	if a == nil {
		t.Fatal("allocation failed")
	}
	if err := c.Release(a); err != nil {
		t.Fatalf("release: %v", err)
	}
	if c.FreeCount() != 8 {
		t.Fatalf("free = %d, want 8", c.FreeCount())
	}

	// The freed window must be reusable.
	b, _ := c.Allocate(8)
	if b == nil {
		t.Fatal("full reallocation failed after release")
	}
}

func TestContinuousReleaseOfFreeSlotFails(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)
	err := c.Release(&cunit.Allocation{Slots: []string{"node1:0"}})
	if err == nil || !strings.Contains(err.Error(), "free") {
		t.Fatalf("expected free-release error, got %v", err)
	}
}

func TestContinuousAtMostOneOwner(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)

	owned := make(map[string]bool)
	for {
		a, err := c.Allocate(3)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if a == nil {
			break
		}
		for _, s := range a.Slots {
			if owned[s] {
				t.Fatalf("slot %s allocated twice", s)
			}
			owned[s] = true
		}
	}
	if len(owned) != 6 {
		t.Fatalf("allocated %d slots with 3-core requests on 8 cores, want 6", len(owned))
	}
}

func TestContinuousCoreConservation(t *testing.T) {
	c := sched.NewContinuous(twoNodes(), nil)

	a1, _ := c.Allocate(3)
	a2, _ := c.Allocate(2)
	if a1 == nil || a2 == nil {
		t.Fatal("allocations failed")
	}
	if got := c.FreeCount(); got != 8-5 {
		t.Fatalf("free = %d, want 3", got)
	}
	if err := c.Release(a1); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := c.FreeCount(); got != 8-2 {
		t.Fatalf("free = %d, want 6", got)
	}
}
