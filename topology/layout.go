package topology

import (
	"fmt"
	"math"
)

// edge joins two routers by local index.
type edge struct {
	a, b int
}

type edgeSet struct {
	seen  map[edge]bool
	edges []edge
}

func (s *edgeSet) add(a, b int) {
	if a == b {
		return
	}
	e := edge{min(a, b), max(a, b)}
	if s.seen == nil {
		s.seen = make(map[edge]bool)
	}
	if s.seen[e] {
		return
	}
	s.seen[e] = true
	s.edges = append(s.edges, e)
}

func layoutFor(t Type, n int) ([]edge, error) {
	switch t {
	case TypeMesh:
		return mesh(n), nil
	case TypeRingStar:
		return ringStar(n), nil
	case TypeTorus:
		return torus(n)
	default:
		return nil, fmt.Errorf("unknown topology type: %q", t)
	}
}

// gridSize lays n routers out row by row in the smallest square that holds
// them.
func gridSize(n int) (rows, cols int) {
	cols = int(math.Ceil(math.Sqrt(float64(n))))
	rows = (n + cols - 1) / cols
	return rows, cols
}

func grid(s *edgeSet, n int) {
	_, cols := gridSize(n)
	for i := 0; i < n; i++ {
		if i%cols != cols-1 && i+1 < n {
			s.add(i, i+1)
		}
		if i+cols < n {
			s.add(i, i+cols)
		}
	}
}

func mesh(n int) []edge {
	var s edgeSet
	grid(&s, n)
	return s.edges
}

// ringStar joins routers 0 through n-2 in a ring and connects every other
// ring router to the hub, which is the last router.
func ringStar(n int) []edge {
	var s edgeSet
	hub := n - 1
	ring := n - 1

	if ring > 1 {
		for i := 0; i < ring; i++ {
			s.add(i, (i+1)%ring)
		}
	}
	for i := 0; i < ring; i += 2 {
		s.add(i, hub)
	}

	return s.edges
}

// torus is a full mesh grid with wraparound links on every row and column.
func torus(n int) ([]edge, error) {
	rows, cols := gridSize(n)
	if rows*cols != n {
		return nil, fmt.Errorf("torus needs a full grid, %d routers don't make one", n)
	}

	var s edgeSet
	grid(&s, n)
	for r := 0; r < rows; r++ {
		s.add(r*cols, r*cols+cols-1)
	}
	for c := 0; c < cols; c++ {
		s.add(c, (rows-1)*cols+c)
	}

	return s.edges, nil
}
