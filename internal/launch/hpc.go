package launch

import (
	"fmt"

	"pilotagent/internal/cunit"
	"pilotagent/internal/lrms"
)

// aprunMethod launches via Cray's aprun. ALPS does its own placement inside
// the allocation, so only the process count is passed.
type aprunMethod struct {
	launcher string
}

func (aprunMethod) Name() string { return NameAprun }

func (m aprunMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	cmd := fmt.Sprintf("%s -n %d %s", m.launcher, u.Description.Cores, taskCommand(u))
	return cmd, "", nil
}

// ccmrunMethod launches serial tasks in Cray cluster-compatibility mode.
type ccmrunMethod struct {
	launcher string
}

func (ccmrunMethod) Name() string { return NameCcmrun }

func (m ccmrunMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	return fmt.Sprintf("%s %s", m.launcher, taskCommand(u)), "", nil
}

// mpirunCcmrunMethod wraps mpirun in ccmrun for MPI tasks under CCM.
type mpirunCcmrunMethod struct {
	ccmrun string
	mpirun string
}

func (mpirunCcmrunMethod) Name() string { return NameMpirunCcmrun }

func (m mpirunCcmrunMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	cmd := fmt.Sprintf("%s %s -np %d %s",
		m.ccmrun, m.mpirun, u.Description.Cores, taskCommand(u))
	return cmd, "", nil
}

// ibrunMethod launches via TACC's ibrun, which addresses the allocation by a
// flat task offset: the position of the unit's first slot in the node list.
type ibrunMethod struct {
	launcher  string
	resources *lrms.Descriptor
}

func (ibrunMethod) Name() string { return NameIbrun }

func (m ibrunMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	offset, err := m.firstOffset(u)
	if err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("%s -n %d -o %d %s",
		m.launcher, u.Description.Cores, offset, taskCommand(u))
	return cmd, "", nil
}

// firstOffset maps the unit's first slot to its flat core offset across the
// ordered node list.
func (m ibrunMethod) firstOffset(u *cunit.Unit) (int, error) {
	if u.Allocation == nil || len(u.Allocation.Slots) == 0 {
		return 0, fmt.Errorf("unit %s has no slot allocation", u.UID)
	}
	node, core, err := slotOffset(u.Allocation.Slots[0])
	if err != nil {
		return 0, err
	}
	for i, name := range m.resources.NodeList {
		if name == node {
			return i*m.resources.CoresPerNode + core, nil
		}
	}
	return 0, fmt.Errorf("slot node %q not in the allocation", node)
}

// dplaceMethod pins the unit to its core range via SGI's dplace.
type dplaceMethod struct {
	launcher  string
	resources *lrms.Descriptor
}

func (dplaceMethod) Name() string { return NameDplace }

func (m dplaceMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	first, last, err := coreRange(u, m.resources)
	if err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("%s -c %d-%d %s", m.launcher, first, last, taskCommand(u))
	return cmd, "", nil
}

// mpirunDplaceMethod combines mpirun process startup with dplace pinning.
type mpirunDplaceMethod struct {
	dplace    string
	mpirun    string
	resources *lrms.Descriptor
}

func (mpirunDplaceMethod) Name() string { return NameMpirunDplace }

func (m mpirunDplaceMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	first, last, err := coreRange(u, m.resources)
	if err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("%s -np %d %s -c %d-%d %s",
		m.mpirun, u.Description.Cores, m.dplace, first, last, taskCommand(u))
	return cmd, "", nil
}

// coreRange computes the flat first/last core offsets of a contiguous slot
// allocation.
func coreRange(u *cunit.Unit, d *lrms.Descriptor) (int, int, error) {
	if u.Allocation == nil || len(u.Allocation.Slots) == 0 {
		return 0, 0, fmt.Errorf("unit %s has no slot allocation", u.UID)
	}

	flat := func(slot string) (int, error) {
		node, core, err := slotOffset(slot)
		if err != nil {
			return 0, err
		}
		for i, name := range d.NodeList {
			if name == node {
				return i*d.CoresPerNode + core, nil
			}
		}
		return 0, fmt.Errorf("slot node %q not in the allocation", node)
	}

	first, err := flat(u.Allocation.Slots[0])
	if err != nil {
		return 0, 0, err
	}
	last, err := flat(u.Allocation.Slots[len(u.Allocation.Slots)-1])
	if err != nil {
		return 0, 0, err
	}
	return first, last, nil
}
