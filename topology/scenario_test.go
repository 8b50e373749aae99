package topology

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/dhcp"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/packet"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sim struct {
	t       *testing.T
	ctx     context.Context
	net     *Network
	clock   *clock.Clock
	metrics *metrics.Collector
}

func newSim(t *testing.T, topo string) *sim {
	t.Helper()

	conf, err := Parse(strings.NewReader(topo))
	require.NoError(t, err)

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	collector := metrics.NewCollector()

	opts := DefaultOptions()
	opts.Logger = logger
	opts.Metrics = collector

	net, err := Build(conf, opts)
	require.NoError(t, err)

	clk := clock.New(clock.Config{}, logger, net.Actors()...)
	net.SetNotifier(clk)

	ctx := context.Background()
	require.NoError(t, clk.Start(ctx, 0))
	t.Cleanup(func() {
		assert.NoError(t, clk.Stop())
	})

	return &sim{t: t, ctx: ctx, net: net, clock: clk, metrics: collector}
}

func (s *sim) converge(limit int) {
	s.t.Helper()
	for i := 0; i < limit && s.clock.Mode() != clock.ModeData; i++ {
		require.NoError(s.t, s.clock.Step(s.ctx))
	}
	require.Equal(s.t, clock.ModeData, s.clock.Mode(), "no convergence after %d ticks", limit)
}

func (s *sim) step(n int) {
	s.t.Helper()
	require.NoError(s.t, s.clock.StepN(s.ctx, n))
}

// hopCounts runs a breadth first search over the router links, skipping the
// excluded routers, and returns the hop count from every router to every
// router it can reach.
func hopCounts(n *Network, exclude ...common.NodeID) map[common.NodeID]map[common.NodeID]int {
	skip := make(map[common.NodeID]bool)
	for _, id := range exclude {
		skip[id] = true
	}

	g := simple.NewUndirectedGraph()
	for _, r := range n.Routers() {
		if !skip[r.ID] {
			g.AddNode(simple.Node(r.ID))
		}
	}
	for _, l := range n.Links() {
		if skip[l.A] || skip[l.B] {
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(l.A), T: simple.Node(l.B)})
	}

	all := make(map[common.NodeID]map[common.NodeID]int)
	nodes := graph.NodesOf(g.Nodes())
	for _, from := range nodes {
		depths := make(map[common.NodeID]int)
		var bfs traverse.BreadthFirst
		bfs.Walk(g, from, func(n graph.Node, d int) bool {
			depths[common.NodeID(n.ID())] = d
			return false
		})
		all[common.NodeID(from.ID())] = depths
	}
	return all
}

// checkShortestRoutes asserts that every router reaches every other router
// with a metric equal to the hop count of the shortest path between them.
func (s *sim) checkShortestRoutes(exclude ...common.NodeID) {
	s.t.Helper()

	for from, depths := range hopCounts(s.net, exclude...) {
		r, ok := s.net.Router(from)
		require.True(s.t, ok)

		for to, want := range depths {
			if to == from {
				continue
			}
			dst, _ := s.net.Router(to)
			e, ok, err := r.Lookup(s.ctx, dst.Addr)
			require.NoError(s.t, err)
			require.True(s.t, ok, "%s has no route to %s", from, to)
			assert.Equal(s.t, want, e.Metric, "%s to %s", from, to)
		}
	}
}

func singleAS(typ Type, igp string, n int, extra string) string {
	return fmt.Sprintf(`
autonomous_systems:
  - id: 1
    node_count: %d
    router_port_count: 8
    topology_type: %s
    routing_protocol: %s
%s`, n, typ, igp, extra)
}

func TestOSPFMeshShortestPaths(t *testing.T) {
	s := newSim(t, singleAS(TypeMesh, "OSPF", 16, ""))
	s.converge(300)
	s.checkShortestRoutes()

	as := s.net.ASes[0]
	first, last := as.Routers[0], as.Routers[15]

	e, ok, err := first.Lookup(s.ctx, last.Addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6, e.Metric, "opposite corners of a 4x4 grid")

	spf, err := first.ShortestPaths(s.ctx)
	require.NoError(t, err)
	require.Contains(t, spf, last.Addr)
	assert.Equal(t, 6, spf[last.Addr].Dist)
	assert.Len(t, spf[last.Addr].Path, 7)
	assert.Equal(t, first.Addr, spf[last.Addr].Path[0])
	assert.Equal(t, last.Addr, spf[last.Addr].Path[6])

	lsdb, err := first.LSDB(s.ctx)
	require.NoError(t, err)
	assert.Len(t, lsdb, 16)
}

// routeState is what every router would do for every other router.
func (s *sim) routeState() map[common.NodeID]map[common.NodeID]netip.Addr {
	s.t.Helper()

	state := make(map[common.NodeID]map[common.NodeID]netip.Addr)
	for _, r := range s.net.Routers() {
		hops := make(map[common.NodeID]netip.Addr)
		for _, dst := range s.net.Routers() {
			e, ok, err := r.Lookup(s.ctx, dst.Addr)
			require.NoError(s.t, err)
			if ok {
				hops[dst.ID] = e.NextHop
			}
		}
		state[r.ID] = hops
	}
	return state
}

func (s *sim) routeChanges() uint64 {
	s.t.Helper()

	var n uint64
	for _, r := range s.net.Routers() {
		st, err := r.Stats(s.ctx)
		require.NoError(s.t, err)
		n += st.RouteChanges
	}
	return n
}

func TestStableMeshKeepsRoutes(t *testing.T) {
	for _, igp := range []string{"OSPF", "RIP"} {
		t.Run(igp, func(t *testing.T) {
			s := newSim(t, singleAS(TypeMesh, igp, 16, ""))
			s.converge(300)

			want := s.routeState()
			changes := s.routeChanges()

			timers := s.net.Routers()[0].Config().Timers
			period := max(timers.OSPFLSAInterval, timers.RIPUpdateInterval)
			for i := 0; i < 4; i++ {
				s.step(period)
				if diff := cmp.Diff(want, s.routeState()); diff != "" {
					t.Fatalf("routes moved after %d refreshes (-want +got):\n%s", i+1, diff)
				}
			}
			assert.Equal(t, changes, s.routeChanges())
			assert.Equal(t, clock.ModeData, s.clock.Mode())
		})
	}
}

func TestRIPRingStar(t *testing.T) {
	s := newSim(t, singleAS(TypeRingStar, "RIP", 7, ""))
	s.converge(300)
	s.checkShortestRoutes()

	for _, r := range s.net.Routers() {
		routes, err := r.Routes(s.ctx)
		require.NoError(t, err)
		assert.Len(t, routes, 7, "%s routes every router", r.ID)
	}
}

func TestOSPFTorus(t *testing.T) {
	s := newSim(t, singleAS(TypeTorus, "OSPF", 16, ""))
	s.converge(300)
	s.checkShortestRoutes()

	for _, r := range s.net.Routers() {
		spf, err := r.ShortestPaths(s.ctx)
		require.NoError(t, err)
		require.Len(t, spf, 16)
		for _, e := range spf {
			assert.LessOrEqual(t, e.Dist, 4)
		}
	}
}

func TestBrokenRouterIsRoutedAround(t *testing.T) {
	s := newSim(t, singleAS(TypeMesh, "OSPF", 9, "    broken_routers: [5]\n"))
	s.converge(300)
	s.checkShortestRoutes(5)

	r1, _ := s.net.Router(1)
	r5, _ := s.net.Router(5)
	r9, _ := s.net.Router(9)

	spf, err := r1.ShortestPaths(s.ctx)
	require.NoError(t, err)
	assert.NotContains(t, spf, r5.Addr)
	require.Contains(t, spf, r9.Addr)
	assert.Equal(t, 4, spf[r9.Addr].Dist)
	assert.NotContains(t, spf[r9.Addr].Path, r5.Addr)
}

const twoASYAML = `
autonomous_systems:
  - id: 1
    node_count: 4
    routing_protocol: RIP
    gateways: [{node: 1, users: [5]}]
    as_gateways: [4]
  - id: 2
    node_count: 4
    routing_protocol: OSPF
    gateways: [{node: 9, users: [10]}]
    as_gateways: [6]
`

func TestMultiASDelivery(t *testing.T) {
	s := newSim(t, twoASYAML)
	s.converge(400)

	src, ok := s.net.Host(5)
	require.True(t, ok)
	dst, ok := s.net.Host(10)
	require.True(t, ok)

	r1, _ := s.net.Router(1)
	e, ok, err := r1.Lookup(s.ctx, dst.Identity().Addr)
	require.NoError(t, err)
	require.True(t, ok, "AS1 learns AS2's prefix")
	assert.Equal(t, common.ASPrefix(2), e.Dest)
	assert.Equal(t, []common.ASID{2}, e.ASPath)

	const n = 5
	for i := 0; i < n; i++ {
		src.Enqueue(packet.New(packet.TypeData, netip.Addr{}, dst.Identity().Addr, []byte("hello")))
	}
	s.clock.StartPacketSending()
	s.step(40)

	srcStats, err := src.Stats(s.ctx)
	require.NoError(t, err)
	dstStats, err := dst.Stats(s.ctx)
	require.NoError(t, err)

	assert.EqualValues(t, n, srcStats.Sent)
	assert.EqualValues(t, n, dstStats.Received)
	assert.EqualValues(t, n, dstStats.AcksSent)
	assert.EqualValues(t, n, srcStats.AcksReceived)

	snap := s.metrics.Snapshot()
	assert.EqualValues(t, n, snap.Received)
	require.NotEmpty(t, snap.Paths)
	for _, p := range snap.Paths {
		assert.Equal(t, src.Identity().Addr, p[0])
		assert.Equal(t, dst.Identity().Addr, p[len(p)-1])
		assert.LessOrEqual(t, len(p)-1, packet.DefaultTTL, "looping path %v", p)
	}
	// host, r1, r4, r6, r9, host at the very least
	assert.GreaterOrEqual(t, snap.MinHops, 5)
}

func TestDHCPHosts(t *testing.T) {
	s := newSim(t, singleAS(TypeMesh, "RIP", 4, `    dhcpServers: [4]
    gateways: [{node: 1, users: [5, 6]}]
`))
	s.converge(400)

	a, _ := s.net.Host(5)
	b, _ := s.net.Host(6)

	pool := dhcp.PoolPrefix(1)
	addrA, addrB := a.Identity().Addr, b.Identity().Addr
	require.True(t, addrA.IsValid(), "host 5 has a lease")
	require.True(t, addrB.IsValid(), "host 6 has a lease")
	assert.True(t, pool.Contains(addrA))
	assert.True(t, pool.Contains(addrB))
	assert.NotEqual(t, addrA, addrB)
	assert.Len(t, s.net.ASes[0].DHCP[0].Leases(), 2)

	a.Enqueue(packet.New(packet.TypeData, netip.Addr{}, addrB, nil))
	s.clock.StartPacketSending()
	s.step(10)

	stats, err := b.Stats(s.ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Received)

	snap := s.metrics.Snapshot()
	require.Len(t, snap.Paths, 1)
	r1, _ := s.net.Router(1)
	assert.Equal(t, []netip.Addr{addrA, r1.Addr, addrB}, snap.Paths[0])
}
