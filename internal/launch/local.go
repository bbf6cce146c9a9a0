package launch

import (
	"fmt"

	"pilotagent/internal/cunit"
)

// forkMethod runs the unit directly on the local node.
type forkMethod struct{}

func (forkMethod) Name() string { return NameFork }

func (forkMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	return taskCommand(u), "", nil
}

// sshMethod runs the unit on the first allocated node by re-invoking the
// launch script there.
type sshMethod struct {
	launcher string
}

func (sshMethod) Name() string { return NameSSH }

func (m sshMethod) Construct(u *cunit.Unit, script string) (string, string, error) {
	hosts, err := slotHosts(u)
	if err != nil {
		return "", "", err
	}
	// -o StrictHostKeyChecking=no: compute nodes are ephemeral, there is
	// no prior known_hosts entry for them.
	hop := fmt.Sprintf("%s -o StrictHostKeyChecking=no %s %s", m.launcher, hosts[0], script)
	return taskCommand(u), hop, nil
}
