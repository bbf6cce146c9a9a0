package launch

import (
	"fmt"

	"pilotagent/internal/cunit"
	"pilotagent/internal/lrms"
)

// runjobMethod launches onto a BG/Q sub-block. The sub-block is addressed by
// the block name, the corner node and the 5D shape; runjob separates its own
// flags from the task command line with ":".
type runjobMethod struct {
	launcher string
	torus    *lrms.Torus
}

func (runjobMethod) Name() string { return NameRunjob }

func (m runjobMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	alloc := u.Allocation
	if alloc == nil || alloc.Corner == nil {
		return "", "", fmt.Errorf("unit %s has no sub-block allocation", u.UID)
	}

	corner, err := m.cornerName(*alloc.Corner)
	if err != nil {
		return "", "", err
	}

	ranksPerNode := u.Description.Cores / alloc.Shape.Nodes()
	if ranksPerNode < 1 {
		ranksPerNode = 1
	}

	cmd := fmt.Sprintf("%s --block %s --corner %s --shape %s --ranks-per-node %d --np %d : %s",
		m.launcher, m.torus.BlockName, corner, alloc.Shape,
		ranksPerNode, u.Description.Cores, taskCommand(u))
	return cmd, "", nil
}

// cornerName resolves a corner coordinate to its node name; runjob addresses
// corners by node, not by coordinate.
func (m runjobMethod) cornerName(corner lrms.Coord) (string, error) {
	for _, n := range m.torus.Block {
		if n.Coord == corner {
			return n.Name, nil
		}
	}
	return "", fmt.Errorf("corner %s not in block %s", corner, m.torus.BlockName)
}
