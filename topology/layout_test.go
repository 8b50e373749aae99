package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func degrees(n int, edges []edge) []int {
	d := make([]int, n)
	for _, e := range edges {
		d[e.a]++
		d[e.b]++
	}
	return d
}

func TestMesh(t *testing.T) {
	edges := mesh(16)
	assert.Len(t, edges, 24)
	assert.Equal(t, []int{
		2, 3, 3, 2,
		3, 4, 4, 3,
		3, 4, 4, 3,
		2, 3, 3, 2,
	}, degrees(16, edges))

	assert.ElementsMatch(t, []edge{{0, 1}, {1, 2}, {0, 3}, {1, 4}, {3, 4}}, mesh(5))
	assert.Empty(t, mesh(1))
}

func TestRingStar(t *testing.T) {
	edges := ringStar(7)
	assert.Len(t, edges, 9)
	assert.Equal(t, []int{3, 2, 3, 2, 3, 2, 3}, degrees(7, edges))

	assert.ElementsMatch(t, []edge{{0, 1}, {0, 2}}, ringStar(3), "a two router ring is a single link")
	assert.Empty(t, ringStar(1))
}

func TestTorus(t *testing.T) {
	edges, err := torus(16)
	require.NoError(t, err)
	assert.Len(t, edges, 32)
	for i, d := range degrees(16, edges) {
		assert.Equal(t, 4, d, "router %d", i)
	}

	edges, err = torus(4)
	require.NoError(t, err)
	assert.Len(t, edges, 4, "wraparound links on a 2x2 grid duplicate grid links")

	_, err = torus(15)
	assert.Error(t, err)
}
