// Package lrms probes the enclosing batch system and describes the resources
// the pilot has acquired.
//
// A probe reads the environment variables and hostfiles written by the batch
// system and produces an immutable Descriptor: the ordered node list and the
// number of cores per node. The BG/Q-style LoadLeveler probe additionally
// carves the allocated block into an ordered torus of 5D-addressed nodes and
// precomputes the table of schedulable sub-block shapes.
//
// Probes never submit to the batch system; they only observe it.
package lrms

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"pilotagent/internal/logging"
)

// Supported batch system names.
const (
	NameFork        = "FORK"
	NameLoadLeveler = "LOADL"
	NameLSF         = "LSF"
	NamePBSPro      = "PBSPRO"
	NameSGE         = "SGE"
	NameSLURM       = "SLURM"
	NameTorque      = "TORQUE"
)

// ErrMissingEnv is returned when a mandatory batch-system variable is absent
// or inconsistent. This is a configuration error: the agent must fail before
// its main loop starts.
var ErrMissingEnv = errors.New("batch system environment missing or inconsistent")

// Descriptor is the immutable result of a probe.
type Descriptor struct {
	Name         string
	NodeList     []string
	CoresPerNode int

	// Torus is non-nil only for torus-wired machines (LoadLeveler BG/Q).
	Torus *Torus
}

// Cores returns the total core count of the allocation.
func (d *Descriptor) Cores() int {
	return len(d.NodeList) * d.CoresPerNode
}

// Probe detects the batch system given by name and builds its Descriptor.
// requestedCores is the size the pilot was submitted with; profile relaxes
// the Fork probe's physical-CPU cap for scale testing.
func Probe(name string, requestedCores int, profile bool, logger *slog.Logger) (*Descriptor, error) {
	logger = logging.Default(logger).With("component", "lrms", "lrms", name)

	var (
		d   *Descriptor
		err error
	)
	switch name {
	case NameFork:
		d, err = probeFork(requestedCores, profile)
	case NameTorque:
		d, err = probeTorque()
	case NamePBSPro:
		d, err = probePBSPro()
	case NameSLURM:
		d, err = probeSLURM()
	case NameSGE:
		d, err = probeSGE()
	case NameLSF:
		d, err = probeLSF()
	case NameLoadLeveler:
		d, err = probeLoadLeveler()
	default:
		return nil, fmt.Errorf("%w: unknown LRMS %q", ErrMissingEnv, name)
	}
	if err != nil {
		return nil, err
	}

	if len(d.NodeList) == 0 || d.CoresPerNode < 1 {
		return nil, fmt.Errorf("%w: %s reported no usable resources", ErrMissingEnv, name)
	}
	if d.Cores() < requestedCores {
		return nil, fmt.Errorf("%w: %s provides %d cores, pilot requested %d",
			ErrMissingEnv, name, d.Cores(), requestedCores)
	}

	logger.Info("resources detected",
		"nodes", len(d.NodeList),
		"cores_per_node", d.CoresPerNode)
	return d, nil
}

// requireEnv reads a mandatory environment variable.
func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%w: $%s not set", ErrMissingEnv, key)
	}
	return v, nil
}

// readHostfile reads a hostfile (one hostname per line, possibly repeated
// once per slot) and returns the unique hostnames in first-seen order along
// with the repeat count of every host.
func readHostfile(path string) ([]string, map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading hostfile %s: %v", ErrMissingEnv, path, err)
	}
	defer f.Close()

	counts := make(map[string]int)
	var order []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		host := strings.Fields(scanner.Text())
		if len(host) == 0 {
			continue
		}
		name := host[0]
		if counts[name] == 0 {
			order = append(order, name)
		}
		counts[name]++
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: reading hostfile %s: %v", ErrMissingEnv, path, err)
	}
	if len(order) == 0 {
		return nil, nil, fmt.Errorf("%w: hostfile %s is empty", ErrMissingEnv, path)
	}
	return order, counts, nil
}

// uniformSlotCount verifies all hosts carry the same slot count and returns it.
func uniformSlotCount(order []string, counts map[string]int) (int, error) {
	ppn := counts[order[0]]
	for _, h := range order {
		if counts[h] != ppn {
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return 0, fmt.Errorf("%w: non-uniform slot counts across %v", ErrMissingEnv, keys)
		}
	}
	return ppn, nil
}
