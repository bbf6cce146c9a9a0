package lrms_test

import (
	"fmt"
	"strings"
	"testing"

	"pilotagent/internal/lrms"
)

// boardList renders n board names the way LoadLeveler does.
func boardList(n int) []string {
	boards := make([]string, n)
	for i := range boards {
		boards[i] = fmt.Sprintf("R00-M%d-N%02d", i/16, i%16)
	}
	return boards
}

func TestBuildTorusBlockSize(t *testing.T) {
	shape, err := lrms.ParseShape("4x4x4x4x2")
	if err != nil {
		t.Fatalf("parse shape: %v", err)
	}
	torus, err := lrms.BuildTorus("BLK512", shape, boardList(16))
	if err != nil {
		t.Fatalf("build torus: %v", err)
	}
	if len(torus.Block) != 512 {
		t.Fatalf("block size = %d, want 512", len(torus.Block))
	}
	if torus.CoresPerNode != 16 {
		t.Fatalf("cores per node = %d, want 16", torus.CoresPerNode)
	}
}

func TestBuildTorusCoordinatesAreUnique(t *testing.T) {
	shape, _ := lrms.ParseShape("4x4x4x4x2")
	torus, err := lrms.BuildTorus("BLK512", shape, boardList(16))
	if err != nil {
		t.Fatalf("build torus: %v", err)
	}

	seen := make(map[lrms.Coord]bool)
	for _, n := range torus.Block {
		if seen[n.Coord] {
			t.Fatalf("duplicate coordinate %s (node %s)", n.Coord, n.Name)
		}
		seen[n.Coord] = true
		if n.Status != lrms.NodeFree {
			t.Fatalf("node %s not free after construction", n.Name)
		}
	}
}

func TestBuildTorusRejectsShapeBoardMismatch(t *testing.T) {
	shape, _ := lrms.ParseShape("4x4x4x4x2")
	if _, err := lrms.BuildTorus("BLK", shape, boardList(8)); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestShapeTableCoversSupportedSizes(t *testing.T) {
	shape, _ := lrms.ParseShape("4x4x4x4x2")
	torus, err := lrms.BuildTorus("BLK512", shape, boardList(16))
	if err != nil {
		t.Fatalf("build torus: %v", err)
	}

	for _, size := range lrms.SubBlockSizes {
		sub, ok := torus.ShapeTable[size]
		if !ok {
			t.Fatalf("no shape for size %d", size)
		}
		if sub.Nodes() != size {
			t.Fatalf("shape %s for size %d covers %d nodes", sub, size, sub.Nodes())
		}
	}

	// The 128-node sub-block of a 4x4x4x4x2 block.
	if got := torus.ShapeTable[128].String(); got != "2x2x4x4x2" {
		t.Fatalf("shape for 128 nodes = %s, want 2x2x4x4x2", got)
	}
	if got := torus.ShapeTable[512].String(); got != "4x4x4x4x2" {
		t.Fatalf("shape for 512 nodes = %s, want the full block", got)
	}
}

func TestShapeTableStopsAtBlockSize(t *testing.T) {
	shape, _ := lrms.ParseShape("2x2x2x2x2")
	torus, err := lrms.BuildTorus("BLK32", shape, boardList(1))
	if err != nil {
		t.Fatalf("build torus: %v", err)
	}
	if _, ok := torus.ShapeTable[64]; ok {
		t.Fatal("table contains a shape larger than the block")
	}
	if torus.ShapeTable[32].String() != "2x2x2x2x2" {
		t.Fatalf("shape for 32 = %s", torus.ShapeTable[32])
	}
}

func TestLoadLevelerProbeBuildsTorus(t *testing.T) {
	t.Setenv("LOADL_JOB_NAME", "job.42")
	t.Setenv("LOADL_BG_BLOCK", "BLK512")
	t.Setenv("LOADL_BG_SHAPE", "4x4x4x4x2")
	t.Setenv("LOADL_BG_BOARD_LIST", strings.Join(boardList(16), ","))

	d, err := lrms.Probe(lrms.NameLoadLeveler, 2048, false, nil)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if d.Torus == nil {
		t.Fatal("no torus on descriptor")
	}
	if len(d.NodeList) != 512 || d.CoresPerNode != 16 {
		t.Fatalf("got %d nodes x %d cores", len(d.NodeList), d.CoresPerNode)
	}
	if d.Torus.BlockName != "BLK512" {
		t.Fatalf("block name = %q", d.Torus.BlockName)
	}
}

func TestLoadLevelerProbeRequiresJobName(t *testing.T) {
	t.Setenv("LOADL_JOB_NAME", "")
	if _, err := lrms.Probe(lrms.NameLoadLeveler, 1, false, nil); err == nil {
		t.Fatal("expected missing-env error")
	}
}

func TestParseShape(t *testing.T) {
	if _, err := lrms.ParseShape("1x2x3"); err == nil {
		t.Fatal("expected dimension error")
	}
	if _, err := lrms.ParseShape("1x2x3x0x1"); err == nil {
		t.Fatal("expected extent error")
	}
	s, err := lrms.ParseShape("1x2x3x4x2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.Nodes() != 48 {
		t.Fatalf("nodes = %d", s.Nodes())
	}
}
