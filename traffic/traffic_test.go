package traffic

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidbalbert/routesim/packet"
)

func TestSplit(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 2*PacketSize+10)

	pkts, err := Split(bytes.NewReader(data), PacketSize)
	require.NoError(t, err)
	require.Len(t, pkts, 3)

	for i, p := range pkts {
		assert.Equal(t, packet.TypeData, p.Type)
		assert.Equal(t, packet.DefaultTTL, p.TTL)
		assert.Equal(t, i, p.Seq)
	}
	assert.Len(t, pkts[0].Payload, PacketSize)
	assert.Len(t, pkts[1].Payload, PacketSize)
	assert.Len(t, pkts[2].Payload, 10)

	pkts, err = Split(bytes.NewReader(nil), PacketSize)
	require.NoError(t, err)
	assert.Empty(t, pkts)

	_, err = Split(bytes.NewReader(data), 0)
	assert.Error(t, err)
}

func TestDistribute(t *testing.T) {
	pkts, err := Split(bytes.NewReader(make([]byte, 11)), 1)
	require.NoError(t, err)

	parts := Distribute(pkts, 3)
	require.Len(t, parts, 3)

	seqs := func(ps []*packet.Packet) []int {
		var s []int
		for _, p := range ps {
			s = append(s, p.Seq)
		}
		return s
	}
	assert.Equal(t, []int{0, 1, 2, 9}, seqs(parts[0]))
	assert.Equal(t, []int{3, 4, 5, 10}, seqs(parts[1]))
	assert.Equal(t, []int{6, 7, 8}, seqs(parts[2]))

	assert.Nil(t, Distribute(pkts, 0))
	assert.Len(t, Distribute(pkts[:2], 4), 4, "more senders than packets")
}

func TestPick(t *testing.T) {
	g := NewGenerator("pick")
	self := netip.MustParseAddr("10.1.0.5")
	dests := []netip.Addr{self, netip.MustParseAddr("10.1.0.6"), netip.MustParseAddr("10.2.0.10")}

	seen := make(map[netip.Addr]int)
	for i := 0; i < 200; i++ {
		d, err := g.Pick(self, dests)
		require.NoError(t, err)
		seen[d]++
	}
	assert.NotContains(t, seen, self)
	assert.Len(t, seen, 2)

	_, err := g.Pick(self, []netip.Addr{self})
	assert.ErrorIs(t, err, ErrNoDestination)

	pkts, err := Split(bytes.NewReader(make([]byte, 5)), 1)
	require.NoError(t, err)
	require.NoError(t, g.Address(self, dests, pkts))
	for _, p := range pkts {
		assert.NotEqual(t, self, p.Dst)
		assert.True(t, p.Dst.IsValid())
	}
}

func TestPoisson(t *testing.T) {
	g := NewGenerator("poisson")

	const samples = 5000
	sum := 0
	for i := 0; i < samples; i++ {
		sum += g.Poisson(4)
	}
	assert.InDelta(t, 4.0, float64(sum)/samples, 0.3)
	assert.Zero(t, g.Poisson(0))

	loads := g.PoissonLoads(2, 1000, 5)
	require.Len(t, loads, 5)
	total := 0
	for _, l := range loads {
		total += l
	}
	assert.LessOrEqual(t, total, 1000)
	assert.Greater(t, loads[2], loads[4], "mode of Poisson(2) sits below 4")
}
