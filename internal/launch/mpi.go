package launch

import (
	"fmt"
	"strings"

	"pilotagent/internal/cunit"
)

// mpirunMethod launches via a generic mpirun: one -host entry per process.
type mpirunMethod struct {
	launcher string
}

func (mpirunMethod) Name() string { return NameMpirun }

func (m mpirunMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	hosts, err := slotHosts(u)
	if err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("%s -np %d -host %s %s",
		m.launcher, u.Description.Cores, strings.Join(hosts, ","), taskCommand(u))
	return cmd, "", nil
}

// mpiexecMethod launches via mpiexec (MPICH flavor).
type mpiexecMethod struct {
	launcher string
}

func (mpiexecMethod) Name() string { return NameMpiexec }

func (m mpiexecMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	hosts, err := slotHosts(u)
	if err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("%s -n %d -host %s %s",
		m.launcher, u.Description.Cores, strings.Join(hosts, ","), taskCommand(u))
	return cmd, "", nil
}

// mpirunRshMethod launches via MVAPICH's mpirun_rsh, which takes the host
// list as positional arguments and needs -export-all to forward the
// environment the launch script set up.
type mpirunRshMethod struct {
	launcher string
}

func (mpirunRshMethod) Name() string { return NameMpirunRsh }

func (m mpirunRshMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	hosts, err := slotHosts(u)
	if err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("%s -np %d -export-all %s %s",
		m.launcher, u.Description.Cores, strings.Join(hosts, " "), taskCommand(u))
	return cmd, "", nil
}

// poeMethod launches via IBM's poe. poe takes its resource flags after the
// executable and reads the host list from MP_HOSTS.
type poeMethod struct {
	launcher string
}

func (poeMethod) Name() string { return NamePoe }

func (m poeMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	hosts, err := slotHosts(u)
	if err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("MP_HOSTS=%s %s %s -procs %d",
		strings.Join(hosts, ","), m.launcher, taskCommand(u), u.Description.Cores)
	return cmd, "", nil
}
