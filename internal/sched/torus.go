package sched

import (
	"fmt"
	"log/slog"
	"sync"

	"pilotagent/internal/cunit"
	"pilotagent/internal/logging"
	"pilotagent/internal/lrms"
)

// Torus allocates contiguous sub-blocks of a 5D torus block. Requests are
// rounded up to the next supported sub-block size and placed at offsets that
// are multiples of that size, which keeps every sub-block alignable to a
// hardware shape from the table.
type Torus struct {
	mu    sync.Mutex
	torus *lrms.Torus
	free  int

	logger *slog.Logger
}

// NewTorus builds the allocator over the probed torus block.
func NewTorus(t *lrms.Torus, logger *slog.Logger) *Torus {
	return &Torus{
		torus:  t,
		free:   len(t.Block) * t.CoresPerNode,
		logger: logging.Default(logger).With("component", "scheduler", "scheduler", "torus"),
	}
}

// nodesFor rounds a core request up to full nodes and then to the next
// supported sub-block size. Returns 0 when no supported size fits the block.
func (t *Torus) nodesFor(cores int) int {
	n := (cores + t.torus.CoresPerNode - 1) / t.torus.CoresPerNode
	for _, size := range lrms.SubBlockSizes {
		if size >= n && size <= len(t.torus.Block) {
			if _, ok := t.torus.ShapeTable[size]; ok {
				return size
			}
		}
	}
	return 0
}

// Allocate reserves a sub-block for the request, or returns nil when no
// aligned window is currently free.
func (t *Torus) Allocate(cores int) (*cunit.Allocation, error) {
	if cores < 1 {
		return nil, fmt.Errorf("%w: requested %d cores", ErrNeverFits, cores)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.nodesFor(cores)
	if n == 0 {
		return nil, fmt.Errorf("%w: requested %d cores, block has %d nodes",
			ErrNeverFits, cores, len(t.torus.Block))
	}

	block := t.torus.Block
	for offset := 0; offset+n <= len(block); offset += n {
		if !t.windowFree(offset, n) {
			continue
		}
		for i := offset; i < offset+n; i++ {
			block[i].Status = lrms.NodeBusy
		}
		t.free -= n * t.torus.CoresPerNode
		corner := block[offset].Coord
		return &cunit.Allocation{
			Corner: &corner,
			Shape:  t.torus.ShapeTable[n],
		}, nil
	}
	return nil, nil
}

func (t *Torus) windowFree(offset, n int) bool {
	for i := offset; i < offset+n; i++ {
		if t.torus.Block[i].Status != lrms.NodeFree {
			return false
		}
	}
	return true
}

// Release frees the sub-block anchored at the allocation's corner. Releasing
// an entry that is already free indicates corrupted bookkeeping and panics.
func (t *Torus) Release(a *cunit.Allocation) error {
	if a == nil || a.Corner == nil {
		return ErrNotAllocated
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	block := t.torus.Block
	offset := -1
	for i := range block {
		if block[i].Coord == *a.Corner {
			offset = i
			break
		}
	}
	if offset < 0 {
		return fmt.Errorf("corner %s not in block %s", a.Corner, t.torus.BlockName)
	}

	n := a.Shape.Nodes()
	if offset+n > len(block) {
		return fmt.Errorf("sub-block %s at %s exceeds block %s",
			a.Shape, a.Corner, t.torus.BlockName)
	}
	for i := offset; i < offset+n; i++ {
		if block[i].Status == lrms.NodeFree {
			panic(fmt.Sprintf("torus release of free node %s (index %d)", block[i].Name, i))
		}
		block[i].Status = lrms.NodeFree
	}
	t.free += n * t.torus.CoresPerNode
	return nil
}

// FreeCount reports the number of free cores in the block.
func (t *Torus) FreeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.free
}
