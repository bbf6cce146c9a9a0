package lrms_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pilotagent/internal/lrms"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestForkProbeReturnsLocalhost(t *testing.T) {
	d, err := lrms.Probe(lrms.NameFork, 1, false, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if len(d.NodeList) != 1 || d.NodeList[0] != "localhost" {
		t.Fatalf("node list = %v", d.NodeList)
	}
	if d.CoresPerNode < 1 {
		t.Fatalf("cores per node = %d", d.CoresPerNode)
	}
}

func TestForkProbeProfileModeIgnoresPhysicalCores(t *testing.T) {
	d, err := lrms.Probe(lrms.NameFork, 4096, true, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if d.CoresPerNode != 4096 {
		t.Fatalf("profile mode cores = %d, want 4096", d.CoresPerNode)
	}
}

func TestTorqueProbeReadsNodefile(t *testing.T) {
	nodefile := writeFile(t, "nodefile",
		"node1\nnode1\nnode2\nnode2\n")
	t.Setenv("PBS_NODEFILE", nodefile)
	t.Setenv("PBS_NUM_PPN", "2")
	t.Setenv("PBS_NUM_NODES", "2")

	d, err := lrms.Probe(lrms.NameTorque, 4, false, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if len(d.NodeList) != 2 || d.NodeList[0] != "node1" || d.NodeList[1] != "node2" {
		t.Fatalf("node list = %v", d.NodeList)
	}
	if d.CoresPerNode != 2 {
		t.Fatalf("cores per node = %d", d.CoresPerNode)
	}
}

func TestTorqueProbeMissingNodefileIsConfigError(t *testing.T) {
	t.Setenv("PBS_NODEFILE", "")
	_, err := lrms.Probe(lrms.NameTorque, 1, false, nil)
	if err == nil || !strings.Contains(err.Error(), "PBS_NODEFILE") {
		t.Fatalf("expected missing-env error, got %v", err)
	}
}

func TestTorqueProbeNodeCountMismatch(t *testing.T) {
	nodefile := writeFile(t, "nodefile", "node1\nnode2\n")
	t.Setenv("PBS_NODEFILE", nodefile)
	t.Setenv("PBS_NUM_PPN", "1")
	t.Setenv("PBS_NUM_NODES", "4")

	if _, err := lrms.Probe(lrms.NameTorque, 1, false, nil); err == nil {
		t.Fatal("expected inconsistency error")
	}
}

func TestSLURMProbeExpandsNodelist(t *testing.T) {
	t.Setenv("SLURM_NODELIST", "tux[1-3]")
	t.Setenv("SLURM_NNODES", "3")
	t.Setenv("SLURM_CPUS_ON_NODE", "4")

	d, err := lrms.Probe(lrms.NameSLURM, 12, false, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	want := []string{"tux1", "tux2", "tux3"}
	for i, n := range want {
		if d.NodeList[i] != n {
			t.Fatalf("node list = %v, want %v", d.NodeList, want)
		}
	}
	if d.CoresPerNode != 4 {
		t.Fatalf("cores per node = %d", d.CoresPerNode)
	}
}

func TestSLURMProbeDerivesPPNFromNprocs(t *testing.T) {
	t.Setenv("SLURM_NODELIST", "n[01-02]")
	t.Setenv("SLURM_CPUS_ON_NODE", "")
	t.Setenv("SLURM_NPROCS", "16")

	d, err := lrms.Probe(lrms.NameSLURM, 16, false, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if d.CoresPerNode != 8 {
		t.Fatalf("cores per node = %d, want 8", d.CoresPerNode)
	}
	if d.NodeList[0] != "n01" {
		t.Fatalf("zero padding lost: %v", d.NodeList)
	}
}

func TestSGEProbeParsesHostfile(t *testing.T) {
	hostfile := writeFile(t, "pe_hostfile",
		"host1 8 all.q@host1 UNDEFINED\nhost2 8 all.q@host2 UNDEFINED\n")
	t.Setenv("PE_HOSTFILE", hostfile)

	d, err := lrms.Probe(lrms.NameSGE, 16, false, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if len(d.NodeList) != 2 || d.CoresPerNode != 8 {
		t.Fatalf("got %v x %d", d.NodeList, d.CoresPerNode)
	}
}

func TestLSFProbeCrossChecksMcpuHosts(t *testing.T) {
	hostfile := writeFile(t, "djob_hostfile",
		"hostA\nhostA\nhostB\nhostB\n")
	t.Setenv("LSB_DJOB_HOSTFILE", hostfile)
	t.Setenv("LSB_MCPU_HOSTS", "hostA 2 hostB 2")

	d, err := lrms.Probe(lrms.NameLSF, 4, false, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if d.CoresPerNode != 2 {
		t.Fatalf("cores per node = %d", d.CoresPerNode)
	}

	t.Setenv("LSB_MCPU_HOSTS", "hostA 2 hostB 3")
	if _, err := lrms.Probe(lrms.NameLSF, 4, false, nil); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestProbeRejectsTooSmallAllocation(t *testing.T) {
	nodefile := writeFile(t, "nodefile", "node1\n")
	t.Setenv("PBS_NODEFILE", nodefile)
	t.Setenv("PBS_NUM_PPN", "2")
	os.Unsetenv("PBS_NUM_NODES")

	if _, err := lrms.Probe(lrms.NameTorque, 64, false, nil); err == nil {
		t.Fatal("expected too-few-cores error")
	}
}

func TestExpandHostlist(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"tux1", []string{"tux1"}},
		{"tux[1-3]", []string{"tux1", "tux2", "tux3"}},
		{"tux[1-2,7]", []string{"tux1", "tux2", "tux7"}},
		{"a1,b[2-3],c4", []string{"a1", "b2", "b3", "c4"}},
		{"n[08-10]", []string{"n08", "n09", "n10"}},
		{"gpu[1-2]-ib", []string{"gpu1-ib", "gpu2-ib"}},
	}
	for _, tc := range cases {
		got, err := lrms.ExpandHostlist(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%q: got %v, want %v", tc.in, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q: got %v, want %v", tc.in, got, tc.want)
			}
		}
	}
}

func TestExpandHostlistRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "n[3-1]", "n[", "n[a-b]"} {
		if _, err := lrms.ExpandHostlist(in); err == nil {
			t.Fatalf("%q: expected error", in)
		}
	}
}
