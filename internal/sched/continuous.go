package sched

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"pilotagent/internal/cunit"
	"pilotagent/internal/logging"
	"pilotagent/internal/lrms"
)

// cellState is the occupation state of one core.
type cellState uint8

const (
	cellFree cellState = iota
	cellBusy
)

// node is one entry of the continuous slot map.
type node struct {
	name  string
	cores []cellState
}

// Continuous allocates first-fit runs of cores, preferring a single node for
// requests smaller than a node and falling back to a window over the
// concatenated core vector for larger ones.
type Continuous struct {
	mu           sync.Mutex
	nodes        []node
	coresPerNode int
	free         int

	logger *slog.Logger
}

// NewContinuous builds the all-free slot map for the probed resources.
func NewContinuous(d *lrms.Descriptor, logger *slog.Logger) *Continuous {
	nodes := make([]node, len(d.NodeList))
	for i, name := range d.NodeList {
		nodes[i] = node{name: name, cores: make([]cellState, d.CoresPerNode)}
	}
	return &Continuous{
		nodes:        nodes,
		coresPerNode: d.CoresPerNode,
		free:         len(d.NodeList) * d.CoresPerNode,
		logger:       logging.Default(logger).With("component", "scheduler", "scheduler", "continuous"),
	}
}

// Allocate reserves cores for the request, or returns nil when the request
// does not fit the current free map.
func (c *Continuous) Allocate(cores int) (*cunit.Allocation, error) {
	if cores < 1 {
		return nil, fmt.Errorf("%w: requested %d cores", ErrNeverFits, cores)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cores > len(c.nodes)*c.coresPerNode {
		return nil, fmt.Errorf("%w: requested %d cores, pilot has %d",
			ErrNeverFits, cores, len(c.nodes)*c.coresPerNode)
	}

	var slots []string
	if cores < c.coresPerNode {
		slots = c.allocSingleNode(cores)
	}
	if slots == nil {
		slots = c.allocMultiNode(cores)
	}
	if slots == nil {
		return nil, nil
	}

	c.free -= cores
	return &cunit.Allocation{Slots: slots}, nil
}

// allocSingleNode scans nodes in order for the first run of n free cores
// within one node.
func (c *Continuous) allocSingleNode(n int) []string {
	for ni := range c.nodes {
		run := 0
		for ci, cell := range c.nodes[ni].cores {
			if cell != cellFree {
				run = 0
				continue
			}
			run++
			if run == n {
				return c.claim(ni, ci-n+1, ni, ci)
			}
		}
	}
	return nil
}

// allocMultiNode finds the first window of n free cells over the
// concatenated core vector and translates it back to node/core pairs.
func (c *Continuous) allocMultiNode(n int) []string {
	run := 0
	for ni := range c.nodes {
		for ci, cell := range c.nodes[ni].cores {
			if cell != cellFree {
				run = 0
				continue
			}
			run++
			if run == n {
				flatLast := ni*c.coresPerNode + ci
				flatFirst := flatLast - n + 1
				return c.claim(flatFirst/c.coresPerNode, flatFirst%c.coresPerNode, ni, ci)
			}
		}
	}
	return nil
}

// claim marks the inclusive cell range busy and renders the slot list.
func (c *Continuous) claim(firstNode, firstCore, lastNode, lastCore int) []string {
	var slots []string
	for ni := firstNode; ni <= lastNode; ni++ {
		lo, hi := 0, c.coresPerNode-1
		if ni == firstNode {
			lo = firstCore
		}
		if ni == lastNode {
			hi = lastCore
		}
		for ci := lo; ci <= hi; ci++ {
			c.nodes[ni].cores[ci] = cellBusy
			slots = append(slots, c.nodes[ni].name+":"+strconv.Itoa(ci))
		}
	}
	return slots
}

// Release returns the allocation's cells to the free pool.
func (c *Continuous) Release(a *cunit.Allocation) error {
	if a == nil || len(a.Slots) == 0 {
		return ErrNotAllocated
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, slot := range a.Slots {
		name, core, ok := strings.Cut(slot, ":")
		ci, err := strconv.Atoi(core)
		if !ok || err != nil {
			return fmt.Errorf("malformed slot %q", slot)
		}
		released := false
		for ni := range c.nodes {
			if c.nodes[ni].name != name {
				continue
			}
			if ci < 0 || ci >= len(c.nodes[ni].cores) {
				return fmt.Errorf("slot %q out of range", slot)
			}
			if c.nodes[ni].cores[ci] == cellFree {
				return fmt.Errorf("slot %q released while free", slot)
			}
			c.nodes[ni].cores[ci] = cellFree
			c.free++
			released = true
			break
		}
		if !released {
			return fmt.Errorf("slot %q names an unknown node", slot)
		}
	}
	return nil
}

// FreeCount reports the number of free cells.
func (c *Continuous) FreeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.free
}
