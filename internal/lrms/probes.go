package lrms

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
)

// probeFork describes the local host. The pilot gets min(detected, requested)
// cores, or exactly the requested count in profile mode (so scale tests are
// not bound by the test machine).
func probeFork(requestedCores int, profile bool) (*Descriptor, error) {
	detected, err := cpu.Counts(true)
	if err != nil || detected < 1 {
		detected = 1
	}

	cores := requestedCores
	if cores < 1 {
		cores = detected
	}
	if !profile && cores > detected {
		cores = detected
	}

	return &Descriptor{
		Name:         NameFork,
		NodeList:     []string{"localhost"},
		CoresPerNode: cores,
	}, nil
}

// probeTorque reads the Torque/PBS environment: $PBS_NODEFILE lists one line
// per slot, $PBS_NUM_PPN (or $PBS_NCPUS) gives cores per node, and
// $PBS_NUM_NODES cross-checks the node count.
func probeTorque() (*Descriptor, error) {
	nodefile, err := requireEnv("PBS_NODEFILE")
	if err != nil {
		return nil, err
	}
	order, counts, err := readHostfile(nodefile)
	if err != nil {
		return nil, err
	}

	ppn := 0
	if v := os.Getenv("PBS_NUM_PPN"); v != "" {
		ppn, _ = strconv.Atoi(v)
	} else if v := os.Getenv("PBS_NCPUS"); v != "" {
		ppn, _ = strconv.Atoi(v)
	}
	if ppn <= 0 {
		// Fall back on the hostfile multiplicity.
		ppn, err = uniformSlotCount(order, counts)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("PBS_NUM_NODES"); v != "" {
		want, _ := strconv.Atoi(v)
		if want > 0 && want != len(order) {
			return nil, fmt.Errorf("%w: $PBS_NUM_NODES=%d but nodefile lists %d nodes",
				ErrMissingEnv, want, len(order))
		}
	}

	return &Descriptor{Name: NameTorque, NodeList: order, CoresPerNode: ppn}, nil
}

// probePBSPro reads the PBSPro flavor of the PBS environment. Cores per node
// come from $NUM_PPN; $NODE_COUNT and $NUM_PES cross-check the allocation.
// $PBS_JOBID must be present to confirm we are inside a job at all.
func probePBSPro() (*Descriptor, error) {
	if _, err := requireEnv("PBS_JOBID"); err != nil {
		return nil, err
	}
	nodefile, err := requireEnv("PBS_NODEFILE")
	if err != nil {
		return nil, err
	}
	order, counts, err := readHostfile(nodefile)
	if err != nil {
		return nil, err
	}

	ppn := 0
	if v := os.Getenv("NUM_PPN"); v != "" {
		ppn, _ = strconv.Atoi(v)
	}
	if ppn <= 0 {
		ppn, err = uniformSlotCount(order, counts)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("NODE_COUNT"); v != "" {
		want, _ := strconv.Atoi(v)
		if want > 0 && want != len(order) {
			return nil, fmt.Errorf("%w: $NODE_COUNT=%d but nodefile lists %d nodes",
				ErrMissingEnv, want, len(order))
		}
	}
	if v := os.Getenv("NUM_PES"); v != "" {
		want, _ := strconv.Atoi(v)
		if want > 0 && want != len(order)*ppn {
			return nil, fmt.Errorf("%w: $NUM_PES=%d but allocation has %d slots",
				ErrMissingEnv, want, len(order)*ppn)
		}
	}

	return &Descriptor{Name: NamePBSPro, NodeList: order, CoresPerNode: ppn}, nil
}

// probeSLURM reads $SLURM_NODELIST (compact hostlist notation),
// $SLURM_NNODES, $SLURM_NPROCS and $SLURM_CPUS_ON_NODE.
func probeSLURM() (*Descriptor, error) {
	nodelist, err := requireEnv("SLURM_NODELIST")
	if err != nil {
		return nil, err
	}
	nodes, err := ExpandHostlist(nodelist)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing $SLURM_NODELIST: %v", ErrMissingEnv, err)
	}

	if v := os.Getenv("SLURM_NNODES"); v != "" {
		want, _ := strconv.Atoi(v)
		if want > 0 && want != len(nodes) {
			return nil, fmt.Errorf("%w: $SLURM_NNODES=%d but nodelist expands to %d nodes",
				ErrMissingEnv, want, len(nodes))
		}
	}

	ppn := 0
	if v := os.Getenv("SLURM_CPUS_ON_NODE"); v != "" {
		ppn, _ = strconv.Atoi(v)
	}
	if ppn <= 0 {
		nprocs := os.Getenv("SLURM_NPROCS")
		if nprocs == "" {
			return nil, fmt.Errorf("%w: neither $SLURM_CPUS_ON_NODE nor $SLURM_NPROCS set",
				ErrMissingEnv)
		}
		np, _ := strconv.Atoi(nprocs)
		if np <= 0 || np%len(nodes) != 0 {
			return nil, fmt.Errorf("%w: $SLURM_NPROCS=%q not divisible across %d nodes",
				ErrMissingEnv, nprocs, len(nodes))
		}
		ppn = np / len(nodes)
	}

	return &Descriptor{Name: NameSLURM, NodeList: nodes, CoresPerNode: ppn}, nil
}

// probeSGE reads $PE_HOSTFILE, whose lines are "host slots queue processors".
func probeSGE() (*Descriptor, error) {
	hostfile, err := requireEnv("PE_HOSTFILE")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(hostfile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading $PE_HOSTFILE: %v", ErrMissingEnv, err)
	}

	var nodes []string
	ppn := 0
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		slots, err := strconv.Atoi(fields[1])
		if err != nil || slots < 1 {
			return nil, fmt.Errorf("%w: bad slot count in $PE_HOSTFILE line %q", ErrMissingEnv, line)
		}
		if ppn == 0 {
			ppn = slots
		} else if slots != ppn {
			return nil, fmt.Errorf("%w: non-uniform slot counts in $PE_HOSTFILE", ErrMissingEnv)
		}
		nodes = append(nodes, fields[0])
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: $PE_HOSTFILE %s is empty", ErrMissingEnv, hostfile)
	}

	return &Descriptor{Name: NameSGE, NodeList: nodes, CoresPerNode: ppn}, nil
}

// probeLSF reads $LSB_DJOB_HOSTFILE (one line per slot) and cross-checks the
// per-host slot counts against $LSB_MCPU_HOSTS ("hostA nA hostB nB ...").
func probeLSF() (*Descriptor, error) {
	hostfile, err := requireEnv("LSB_DJOB_HOSTFILE")
	if err != nil {
		return nil, err
	}
	order, counts, err := readHostfile(hostfile)
	if err != nil {
		return nil, err
	}
	ppn, err := uniformSlotCount(order, counts)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("LSB_MCPU_HOSTS"); v != "" {
		fields := strings.Fields(v)
		if len(fields)%2 != 0 {
			return nil, fmt.Errorf("%w: malformed $LSB_MCPU_HOSTS %q", ErrMissingEnv, v)
		}
		for i := 0; i < len(fields); i += 2 {
			host := fields[i]
			n, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return nil, fmt.Errorf("%w: malformed $LSB_MCPU_HOSTS %q", ErrMissingEnv, v)
			}
			if counts[host] != n {
				return nil, fmt.Errorf("%w: $LSB_MCPU_HOSTS reports %d slots on %s, hostfile has %d",
					ErrMissingEnv, n, host, counts[host])
			}
		}
	}

	return &Descriptor{Name: NameLSF, NodeList: order, CoresPerNode: ppn}, nil
}
