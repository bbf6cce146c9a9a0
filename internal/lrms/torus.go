package lrms

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// The five torus dimensions of a BG/Q-style machine.
const (
	DimA = iota
	DimB
	DimC
	DimD
	DimE
	numDims
)

// Coord is a 5D torus coordinate.
type Coord [numDims]int

// String renders the coordinate as "A,B,C,D,E".
func (c Coord) String() string {
	return fmt.Sprintf("%d,%d,%d,%d,%d", c[DimA], c[DimB], c[DimC], c[DimD], c[DimE])
}

// Shape is a 5D extent.
type Shape [numDims]int

// Nodes returns the number of nodes the shape covers.
func (s Shape) Nodes() int {
	n := 1
	for _, ext := range s {
		n *= ext
	}
	return n
}

// String renders the shape the way runjob expects: "AxBxCxDxE".
func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%dx%dx%d", s[DimA], s[DimB], s[DimC], s[DimD], s[DimE])
}

// ParseShape parses "AxBxCxDxE".
func ParseShape(text string) (Shape, error) {
	parts := strings.Split(text, "x")
	if len(parts) != numDims {
		return Shape{}, fmt.Errorf("shape %q does not have %d dimensions", text, numDims)
	}
	var s Shape
	for i, p := range parts {
		ext, err := strconv.Atoi(p)
		if err != nil || ext < 1 {
			return Shape{}, fmt.Errorf("bad extent %q in shape %q", p, text)
		}
		s[i] = ext
	}
	return s, nil
}

// NodeStatus is the occupation state of a torus node.
type NodeStatus int

const (
	NodeFree NodeStatus = iota
	NodeBusy
)

// TorusNode is one entry of the ordered torus block.
type TorusNode struct {
	Index  int
	Coord  Coord
	Name   string
	Status NodeStatus
}

// Torus describes the block the pilot runs in: the ordered node list, the
// block identity (for runjob), its shape, and the table of sub-block shapes
// the scheduler may allocate.
type Torus struct {
	BlockName    string
	BlockShape   Shape
	Block        []TorusNode
	ShapeTable   map[int]Shape
	CoresPerNode int
}

// SubBlockSizes are the node counts a sub-block allocation may have,
// ascending.
var SubBlockSizes = []int{1, 2, 4, 8, 16, 32, 64, 128, 256, 512}

// boardTopo maps the 32 node positions of one compute board (J00..J31) to
// their coordinate offsets within the board. The walk is a 5-bit Gray code,
// so consecutive nodes are torus neighbors.
var boardTopo = [32]Coord{
	{0, 0, 0, 0, 0}, {0, 0, 0, 0, 1}, {0, 0, 0, 1, 1}, {0, 0, 0, 1, 0},
	{0, 0, 1, 1, 0}, {0, 0, 1, 1, 1}, {0, 0, 1, 0, 1}, {0, 0, 1, 0, 0},
	{0, 1, 1, 0, 0}, {0, 1, 1, 0, 1}, {0, 1, 1, 1, 1}, {0, 1, 1, 1, 0},
	{0, 1, 0, 1, 0}, {0, 1, 0, 1, 1}, {0, 1, 0, 0, 1}, {0, 1, 0, 0, 0},
	{1, 1, 0, 0, 0}, {1, 1, 0, 0, 1}, {1, 1, 0, 1, 1}, {1, 1, 0, 1, 0},
	{1, 1, 1, 1, 0}, {1, 1, 1, 1, 1}, {1, 1, 1, 0, 1}, {1, 1, 1, 0, 0},
	{1, 0, 1, 0, 0}, {1, 0, 1, 0, 1}, {1, 0, 1, 1, 1}, {1, 0, 1, 1, 0},
	{1, 0, 0, 1, 0}, {1, 0, 0, 1, 1}, {1, 0, 0, 0, 1}, {1, 0, 0, 0, 0},
}

// midplaneTopo maps the 16 board positions of one midplane to their board
// offsets in the A..D dimensions (boards do not tile E). A 4-bit Gray code,
// for the same neighbor property as boardTopo.
var midplaneTopo = [16]Coord{
	{0, 0, 0, 0, 0}, {0, 0, 0, 1, 0}, {0, 0, 1, 1, 0}, {0, 0, 1, 0, 0},
	{0, 1, 1, 0, 0}, {0, 1, 1, 1, 0}, {0, 1, 0, 1, 0}, {0, 1, 0, 0, 0},
	{1, 1, 0, 0, 0}, {1, 1, 0, 1, 0}, {1, 1, 1, 1, 0}, {1, 1, 1, 0, 0},
	{1, 0, 1, 0, 0}, {1, 0, 1, 1, 0}, {1, 0, 0, 1, 0}, {1, 0, 0, 0, 0},
}

// boardNodes is the node count of one compute board.
const boardNodes = len(boardTopo)

// midplaneBoards is the board count of one midplane.
const midplaneBoards = len(midplaneTopo)

// midplaneExtentA is the node extent of a midplane in the A dimension;
// successive midplanes of a multi-midplane block stack along A.
const midplaneExtentA = 4

// bgqCoresPerNode is fixed by the hardware.
const bgqCoresPerNode = 16

// BuildTorus constructs the ordered torus block from the block name, its
// node-space shape and the board list reported by the batch system. Each
// board contributes 32 nodes placed by boardTopo; the board's own origin
// comes from midplaneTopo, and midplanes stack along A.
func BuildTorus(blockName string, blockShape Shape, boards []string) (*Torus, error) {
	if len(boards) == 0 {
		return nil, fmt.Errorf("%w: block %s has no boards", ErrMissingEnv, blockName)
	}
	if got, want := len(boards)*boardNodes, blockShape.Nodes(); got != want {
		return nil, fmt.Errorf("%w: block %s shape %s wants %d nodes, board list provides %d",
			ErrMissingEnv, blockName, blockShape, want, got)
	}

	block := make([]TorusNode, 0, len(boards)*boardNodes)
	for b, board := range boards {
		origin := midplaneTopo[b%midplaneBoards]
		midplane := b / midplaneBoards
		for j, off := range boardTopo {
			var coord Coord
			for dim := DimA; dim < numDims; dim++ {
				// Board origins are in board units; one board spans 2
				// nodes in every dimension except E, which it covers
				// entirely.
				if dim == DimE {
					coord[dim] = off[dim]
				} else {
					coord[dim] = origin[dim]*2 + off[dim]
				}
			}
			coord[DimA] += midplane * midplaneExtentA
			block = append(block, TorusNode{
				Index: len(block),
				Coord: coord,
				Name:  fmt.Sprintf("%s-J%02d", board, j),
			})
		}
	}

	return &Torus{
		BlockName:    blockName,
		BlockShape:   blockShape,
		Block:        block,
		ShapeTable:   buildShapeTable(blockShape),
		CoresPerNode: bgqCoresPerNode,
	}, nil
}

// buildShapeTable computes the sub-block shape for every supported size that
// fits the block. Extents double one dimension at a time, E first (it caps
// at 2 on the hardware), then D through A, cycling until the size is reached
// or the block is full.
func buildShapeTable(block Shape) map[int]Shape {
	order := []int{DimE, DimD, DimC, DimB, DimA}

	table := make(map[int]Shape, len(SubBlockSizes))
	shape := Shape{1, 1, 1, 1, 1}
	table[1] = shape

	pos := 0
	for _, size := range SubBlockSizes[1:] {
		if size > block.Nodes() {
			break
		}
		for shape.Nodes() < size {
			doubled := false
			for range order {
				dim := order[pos%len(order)]
				pos++
				if shape[dim]*2 <= block[dim] {
					shape[dim] *= 2
					doubled = true
					break
				}
			}
			if !doubled {
				return table
			}
		}
		table[size] = shape
	}
	return table
}

// probeLoadLeveler reads the LoadLeveler environment. On BG/Q machines the
// block description ($LOADL_BG_BLOCK, $LOADL_BG_SHAPE, $LOADL_BG_BOARD_LIST)
// yields a torus descriptor; otherwise $LOADL_HOSTFILE describes a plain
// cluster allocation. $LOADL_JOB_NAME must be set either way.
func probeLoadLeveler() (*Descriptor, error) {
	if _, err := requireEnv("LOADL_JOB_NAME"); err != nil {
		return nil, err
	}

	if blockName := os.Getenv("LOADL_BG_BLOCK"); blockName != "" {
		shapeText, err := requireEnv("LOADL_BG_SHAPE")
		if err != nil {
			return nil, err
		}
		shape, err := ParseShape(shapeText)
		if err != nil {
			return nil, fmt.Errorf("%w: $LOADL_BG_SHAPE: %v", ErrMissingEnv, err)
		}
		boardList, err := requireEnv("LOADL_BG_BOARD_LIST")
		if err != nil {
			return nil, err
		}
		boards := strings.Split(boardList, ",")

		torus, err := BuildTorus(blockName, shape, boards)
		if err != nil {
			return nil, err
		}

		nodes := make([]string, len(torus.Block))
		for i, n := range torus.Block {
			nodes[i] = n.Name
		}
		return &Descriptor{
			Name:         NameLoadLeveler,
			NodeList:     nodes,
			CoresPerNode: torus.CoresPerNode,
			Torus:        torus,
		}, nil
	}

	hostfile, err := requireEnv("LOADL_HOSTFILE")
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
	return &Descriptor{Name: NameLoadLeveler, NodeList: order, CoresPerNode: ppn}, nil
}
