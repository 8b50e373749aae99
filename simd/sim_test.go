package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/davidbalbert/routesim/api"
	"github.com/davidbalbert/routesim/config"
	"github.com/davidbalbert/routesim/topology"
)

const lineTopology = `
autonomous_systems:
  - id: 1
    node_count: 3
    gateways:
      - {node: 1, users: [4]}
      - {node: 3, users: [5]}
`

func newTestSimulation(t *testing.T) *simulation {
	t.Helper()

	topo, err := topology.Parse(strings.NewReader(lineTopology))
	require.NoError(t, err)

	conf := config.Default()
	conf.Clock.Interval = time.Millisecond
	conf.Clock.AutoSend = true
	conf.Socket = filepath.Join(t.TempDir(), "simd.sock")

	sim, err := newSimulation(conf, topo, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	require.NoError(t, err)
	return sim
}

func TestLoadTraffic(t *testing.T) {
	sim := newTestSimulation(t)

	n, err := sim.loadTraffic(bytes.NewReader(make([]byte, 5*1024+1)))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = sim.loadTraffic(bytes.NewReader(nil))
	require.NoError(t, err)
}

func TestRun(t *testing.T) {
	sim := newTestSimulation(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sim.Run(ctx, "test")
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, sim.clock.WaitConverged(waitCtx))

	n, err := sim.loadTraffic(bytes.NewReader(make([]byte, 4*1024)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sim.collector.Snapshot().Received == uint64(n)
	}, 10*time.Second, 5*time.Millisecond)

	snap := sim.collector.Snapshot()
	assert.EqualValues(t, n, snap.Sent)
	for _, p := range snap.Paths {
		assert.Len(t, p, 4, "host, both gateways, host")
	}

	c, err := api.NewClient(sim.conf.Socket)
	require.NoError(t, err)
	defer c.Close()

	st, err := c.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "forwarding", st.State)
	assert.True(t, st.Sending)

	require.NoError(t, c.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("simulation didn't stop after Shutdown")
	}
}
