// Package launch turns a unit description and a slot allocation into the
// shell command that starts the unit's processes.
//
// Each supported backend is a pure formatter: it owns no mutable state
// beyond the path of its launcher binary, which is probed on PATH at
// construction time. A backend may additionally return a "hop" command that
// re-invokes the rendered launch script on a remote node (ssh does this);
// the exec worker then spawns the hop instead of the script itself.
package launch

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"pilotagent/internal/cunit"
	"pilotagent/internal/lrms"
)

// Supported launch method names.
const (
	NameAprun        = "APRUN"
	NameCcmrun       = "CCMRUN"
	NameDplace       = "DPLACE"
	NameFork         = "FORK"
	NameIbrun        = "IBRUN"
	NameMpiexec      = "MPIEXEC"
	NameMpirun       = "MPIRUN"
	NameMpirunCcmrun = "MPIRUN_CCMRUN"
	NameMpirunDplace = "MPIRUN_DPLACE"
	NameMpirunRsh    = "MPIRUN_RSH"
	NamePoe          = "POE"
	NameRunjob       = "RUNJOB"
	NameSSH          = "SSH"
)

// ErrNotFound is returned when the required launcher binary is not on PATH
// or the method name is unknown. Fatal at agent construction time.
var ErrNotFound = errors.New("launch method unavailable")

// Method formats launch commands for one backend.
type Method interface {
	// Name returns the backend's canonical name.
	Name() string

	// Construct builds the command line that runs the unit, given the
	// path of the rendered launch script. The returned hop, if any, is
	// the command the exec worker must spawn instead of the script.
	Construct(u *cunit.Unit, script string) (cmd string, hop string, err error)
}

// New constructs the named launch method against the given resources.
func New(name string, d *lrms.Descriptor, logger *slog.Logger) (Method, error) {
	switch name {
	case NameFork:
		return forkMethod{}, nil
	case NameSSH:
		path, err := lookPath("ssh")
		if err != nil {
			return nil, err
		}
		return sshMethod{launcher: path}, nil
	case NameMpirun:
		path, err := lookPath("mpirun")
		if err != nil {
			return nil, err
		}
		return mpirunMethod{launcher: path}, nil
	case NameMpiexec:
		path, err := lookPath("mpiexec")
		if err != nil {
			return nil, err
		}
		return mpiexecMethod{launcher: path}, nil
	case NameMpirunRsh:
		path, err := lookPath("mpirun_rsh")
		if err != nil {
			return nil, err
		}
		return mpirunRshMethod{launcher: path}, nil
	case NamePoe:
		path, err := lookPath("poe")
		if err != nil {
			return nil, err
		}
		return poeMethod{launcher: path}, nil
	case NameAprun:
		path, err := lookPath("aprun")
		if err != nil {
			return nil, err
		}
		return aprunMethod{launcher: path}, nil
	case NameCcmrun:
		path, err := lookPath("ccmrun")
		if err != nil {
			return nil, err
		}
		return ccmrunMethod{launcher: path}, nil
	case NameMpirunCcmrun:
		ccm, err := lookPath("ccmrun")
		if err != nil {
			return nil, err
		}
		mpi, err := lookPath("mpirun")
		if err != nil {
			return nil, err
		}
		return mpirunCcmrunMethod{ccmrun: ccm, mpirun: mpi}, nil
	case NameIbrun:
		path, err := lookPath("ibrun")
		if err != nil {
			return nil, err
		}
		return ibrunMethod{launcher: path, resources: d}, nil
	case NameDplace:
		path, err := lookPath("dplace")
		if err != nil {
			return nil, err
		}
		return dplaceMethod{launcher: path, resources: d}, nil
	case NameMpirunDplace:
		dpl, err := lookPath("dplace")
		if err != nil {
			return nil, err
		}
		mpi, err := lookPath("mpirun")
		if err != nil {
			return nil, err
		}
		return mpirunDplaceMethod{dplace: dpl, mpirun: mpi, resources: d}, nil
	case NameRunjob:
		path, err := lookPath("runjob")
		if err != nil {
			return nil, err
		}
		if d.Torus == nil {
			return nil, fmt.Errorf("%w: runjob requires a torus allocation", ErrNotFound)
		}
		return runjobMethod{launcher: path, torus: d.Torus}, nil
	default:
		return nil, fmt.Errorf("%w: unknown launch method %q", ErrNotFound, name)
	}
}

func lookPath(binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found on PATH", ErrNotFound, binary)
	}
	return path, nil
}

// taskCommand renders "executable arg1 arg2 ..." with POSIX-safe quoting.
func taskCommand(u *cunit.Unit) string {
	return Command(u.Description.Executable, u.Description.Arguments)
}

// slotHosts returns one hostname per allocated slot, in slot order.
func slotHosts(u *cunit.Unit) ([]string, error) {
	if u.Allocation == nil || len(u.Allocation.Slots) == 0 {
		return nil, fmt.Errorf("unit %s has no slot allocation", u.UID)
	}
	hosts := make([]string, len(u.Allocation.Slots))
	for i, slot := range u.Allocation.Slots {
		node, _, ok := strings.Cut(slot, ":")
		if !ok {
			return nil, fmt.Errorf("malformed slot %q on unit %s", slot, u.UID)
		}
		hosts[i] = node
	}
	return hosts, nil
}

// slotOffset parses a "node:core" slot into its core number.
func slotOffset(slot string) (string, int, error) {
	node, core, ok := strings.Cut(slot, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed slot %q", slot)
	}
	n, err := strconv.Atoi(core)
	if err != nil {
		return "", 0, fmt.Errorf("malformed slot %q", slot)
	}
	return node, n, nil
}
