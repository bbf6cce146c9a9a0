// Package sched owns the free/busy bookkeeping for the pilot's cores.
//
// An Allocator hands out slot allocations for compute units and takes them
// back on release. All allocate/release operations are serialized under one
// internal lock, so the scheduling worker and the watchers may call into the
// same allocator concurrently.
//
// Two allocators exist: the continuous allocator over a flat node/core map,
// and the torus allocator over a 5D BG/Q-style block. Scattered allocation
// is deliberately not supported.
package sched

import (
	"errors"
	"fmt"
	"log/slog"

	"pilotagent/internal/config"
	"pilotagent/internal/cunit"
	"pilotagent/internal/lrms"
)

var (
	// ErrNeverFits is returned when a request exceeds what the pilot can
	// ever provide; the unit must fail instead of waiting forever.
	ErrNeverFits = errors.New("request exceeds pilot resources")

	// ErrNotAllocated is returned when releasing a unit that holds no
	// allocation.
	ErrNotAllocated = errors.New("unit holds no allocation")
)

// Allocator hands out and takes back core allocations.
type Allocator interface {
	// Allocate tries to reserve cores for the request. It returns a nil
	// allocation (and nil error) when the request does not fit right
	// now, and ErrNeverFits when it cannot fit at all.
	Allocate(cores int) (*cunit.Allocation, error)

	// Release returns an allocation's cells to the free pool.
	Release(a *cunit.Allocation) error

	// FreeCount reports the number of free cells, for liveness checks
	// and tests.
	FreeCount() int
}

// New constructs the allocator named by the configuration.
func New(name string, d *lrms.Descriptor, logger *slog.Logger) (Allocator, error) {
	switch name {
	case config.SchedulerContinuous:
		return NewContinuous(d, logger), nil
	case config.SchedulerTorus:
		if d.Torus == nil {
			return nil, fmt.Errorf("torus scheduler needs a torus LRMS, got %s", d.Name)
		}
		return NewTorus(d.Torus, logger), nil
	case config.SchedulerScattered:
		return nil, errors.New("scattered scheduling is not implemented")
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}
