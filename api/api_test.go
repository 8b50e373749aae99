package api

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/topology"
)

func TestServer(t *testing.T) {
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))

	conf, err := topology.Parse(strings.NewReader(`
autonomous_systems:
  - id: 1
    node_count: 2
    gateways: [{node: 1, users: [3]}]
`))
	require.NoError(t, err)

	collector := metrics.NewCollector()
	opts := topology.DefaultOptions()
	opts.Logger = logger
	opts.Metrics = collector
	net, err := topology.Build(conf, opts)
	require.NoError(t, err)

	clk := clock.New(clock.Config{}, logger, net.Actors()...)
	net.SetNotifier(clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, clk.Start(ctx, 0))
	defer clk.Stop()
	require.NoError(t, clk.StepN(ctx, 12))

	socket := filepath.Join(t.TempDir(), "api.sock")
	srvCtx, shutdown := context.WithCancel(ctx)
	srv := NewServer(net, clk, collector, logger, socket, shutdown, "test")

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(srvCtx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	c, err := NewClient(socket)
	require.NoError(t, err)
	defer c.Close()

	v, err := c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", v)

	st, err := c.GetState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 12, st.Tick)
	assert.Equal(t, "convergence", st.Mode)
	assert.Equal(t, "converging", st.State)
	assert.False(t, st.Sending)
	assert.Equal(t, 2, st.Routers)
	assert.Equal(t, 1, st.Hosts)

	routes, err := c.GetRoutes(ctx, 2)
	require.NoError(t, err)
	var dests []string
	for _, r := range routes {
		dests = append(dests, r.Dest)
	}
	assert.ElementsMatch(t, []string{"10.1.0.1/32", "10.1.0.2/32", "10.1.0.3/32"}, dests)

	_, err = c.GetRoutes(ctx, 3)
	assert.Equal(t, codes.NotFound, status.Code(err), "hosts have no routing table")

	require.NoError(t, c.StartPacketSending(ctx))
	assert.True(t, clk.Sending())
	assert.Equal(t, clock.ModeData, clk.Mode(), "sending forces data mode")

	require.NoError(t, c.StopPacketSending(ctx))
	assert.False(t, clk.Sending())

	m, err := c.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Received)

	require.NoError(t, c.Shutdown(ctx))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server didn't stop after Shutdown")
	}
}
