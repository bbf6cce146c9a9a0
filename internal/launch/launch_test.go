package launch

import (
	"strings"
	"testing"

	"pilotagent/internal/cunit"
	"pilotagent/internal/lrms"
)

func testUnit(cores int, slots ...string) *cunit.Unit {
	return &cunit.Unit{
		UID: "unit.000001",
		Description: cunit.Description{
			Executable: "/bin/date",
			Arguments:  []string{"-u"},
			Cores:      cores,
		},
		Allocation: &cunit.Allocation{Slots: slots},
	}
}

func testResources() *lrms.Descriptor {
	return &lrms.Descriptor{
		NodeList:     []string{"node1", "node2"},
		CoresPerNode: 4,
	}
}

func TestQuotePassesWrappedArgsVerbatim(t *testing.T) {
	cases := map[string]string{
		`'$HOME'`:       `'$HOME'`,
		`"pre $x post"`: `"pre $x post"`,
		`plain`:         `"plain"`,
		`two words`:     `"two words"`,
		`say "hi"`:      `"say \"hi\""`,
		`a$b`:           `"a\$b"`,
		"back`tick":     "\"back\\`tick\"",
		`back\slash`:    `"back\\slash"`,
	}
	for in, want := range cases {
		if got := Quote(in); got != want {
			t.Fatalf("Quote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCommandRendersArgumentVector(t *testing.T) {
	got := Command("/bin/echo", []string{"hello", "two words"})
	want := `/bin/echo "hello" "two words"`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestForkConstruct(t *testing.T) {
	cmd, hop, err := forkMethod{}.Construct(testUnit(1, "node1:0"), "/wd/launch_script.sh")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if cmd != `/bin/date "-u"` || hop != "" {
		t.Fatalf("got %q / %q", cmd, hop)
	}
}

func TestSSHConstructHopsToFirstNode(t *testing.T) {
	m := sshMethod{launcher: "/usr/bin/ssh"}
	cmd, hop, err := m.Construct(testUnit(1, "node2:3"), "/wd/launch_script.sh")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if cmd != `/bin/date "-u"` {
		t.Fatalf("cmd = %q", cmd)
	}
	if !strings.Contains(hop, "node2") || !strings.Contains(hop, "/wd/launch_script.sh") {
		t.Fatalf("hop = %q", hop)
	}
}

func TestMpirunConstructListsHostPerProcess(t *testing.T) {
	m := mpirunMethod{launcher: "mpirun"}
	u := testUnit(4, "node1:2", "node1:3", "node2:0", "node2:1")
	cmd, _, err := m.Construct(u, "")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	want := `mpirun -np 4 -host node1,node1,node2,node2 /bin/date "-u"`
	if cmd != want {
		t.Fatalf("cmd = %q, want %q", cmd, want)
	}
}

func TestMpirunRshConstruct(t *testing.T) {
	m := mpirunRshMethod{launcher: "mpirun_rsh"}
	u := testUnit(2, "node1:0", "node1:1")
	cmd, _, err := m.Construct(u, "")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if !strings.HasPrefix(cmd, "mpirun_rsh -np 2 -export-all node1 node1 ") {
		t.Fatalf("cmd = %q", cmd)
	}
}

func TestAprunConstruct(t *testing.T) {
	m := aprunMethod{launcher: "aprun"}
	cmd, _, err := m.Construct(testUnit(8, "node1:0"), "")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if cmd != `aprun -n 8 /bin/date "-u"` {
		t.Fatalf("cmd = %q", cmd)
	}
}

func TestIbrunConstructComputesFlatOffset(t *testing.T) {
	m := ibrunMethod{launcher: "ibrun", resources: testResources()}

	// First slot node2:1 sits at flat offset 4*1 + 1 = 5.
	u := testUnit(2, "node2:1", "node2:2")
	cmd, _, err := m.Construct(u, "")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	want := `ibrun -n 2 -o 5 /bin/date "-u"`
	if cmd != want {
		t.Fatalf("cmd = %q, want %q", cmd, want)
	}
}

func TestIbrunConstructWithoutSlotsFails(t *testing.T) {
	m := ibrunMethod{launcher: "ibrun", resources: testResources()}
	u := testUnit(2)
	u.Allocation = nil
	if _, _, err := m.Construct(u, ""); err == nil {
		t.Fatal("expected error without allocation")
	}
}

func TestDplaceConstructPinsCoreRange(t *testing.T) {
	m := dplaceMethod{launcher: "dplace", resources: testResources()}
	u := testUnit(3, "node1:1", "node1:2", "node1:3")
	cmd, _, err := m.Construct(u, "")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if !strings.HasPrefix(cmd, "dplace -c 1-3 ") {
		t.Fatalf("cmd = %q", cmd)
	}
}

func TestPoeConstruct(t *testing.T) {
	m := poeMethod{launcher: "poe"}
	u := testUnit(2, "node1:0", "node2:0")
	cmd, _, err := m.Construct(u, "")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if !strings.HasPrefix(cmd, "MP_HOSTS=node1,node2 poe ") || !strings.HasSuffix(cmd, "-procs 2") {
		t.Fatalf("cmd = %q", cmd)
	}
}

func TestRunjobConstruct(t *testing.T) {
	shape, err := lrms.ParseShape("4x4x4x4x2")
	if err != nil {
		t.Fatalf("parse shape: %v", err)
	}
	boards := make([]string, 16)
	for i := range boards {
		boards[i] = "R00-M0-N" + string(rune('A'+i))
	}
	torus, err := lrms.BuildTorus("BLK512", shape, boards)
	if err != nil {
		t.Fatalf("build torus: %v", err)
	}
	m := runjobMethod{launcher: "runjob", torus: torus}

	corner := torus.Block[0].Coord
	u := testUnit(2048)
	u.Allocation = &cunit.Allocation{
		Corner: &corner,
		Shape:  torus.ShapeTable[128],
	}
	cmd, _, err := m.Construct(u, "")
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	for _, part := range []string{
		"--block BLK512",
		"--corner " + torus.Block[0].Name,
		"--shape 2x2x4x4x2",
		"--ranks-per-node 16",
		"--np 2048",
		` : /bin/date "-u"`,
	} {
		if !strings.Contains(cmd, part) {
			t.Fatalf("cmd %q missing %q", cmd, part)
		}
	}
}

func TestRunjobRejectsMissingCorner(t *testing.T) {
	m := runjobMethod{launcher: "runjob", torus: &lrms.Torus{}}
	if _, _, err := m.Construct(testUnit(16, "node1:0"), ""); err == nil {
		t.Fatal("expected error without corner")
	}
}

func TestNewUnknownMethodFails(t *testing.T) {
	if _, err := New("NO_SUCH_METHOD", testResources(), nil); err == nil {
		t.Fatal("expected ErrNotFound")
	}
}

func TestNewForkNeedsNoBinary(t *testing.T) {
	m, err := New(NameFork, testResources(), nil)
	if err != nil {
		t.Fatalf("fork construction failed: %v", err)
	}
	if m.Name() != NameFork {
		t.Fatalf("name = %s", m.Name())
	}
}
