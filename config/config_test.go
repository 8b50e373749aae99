package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/router"
)

func TestParseEmpty(t *testing.T) {
	c, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParse(t *testing.T) {
	c, err := Parse(`
topology: nets/two-as.yaml
socket: /run/routesim.sock
metrics-addr: ":9100"
lease-duration: 60
clock:
  interval: 250ms
  data-interval: 50ms
  stable-ticks: 30
  rearm-convergence: true
  auto-send: true
router:
  split-horizon: false
  link-cost: 2
  broken-policy: drop-data
  timers:
    rip-update-interval: 3
    ospf-hello-interval: 5
    ospf-dead-interval: 20
  buffer:
    capacity: 5
    retention: 10
    rate: 1
traffic:
  file: song.mp3
  packet-size: 512
  stream: seeded
`)
	require.NoError(t, err)

	assert.Equal(t, "nets/two-as.yaml", c.Topology)
	assert.Equal(t, "/run/routesim.sock", c.Socket)
	assert.Equal(t, ":9100", c.MetricsAddr)
	assert.EqualValues(t, 60, c.LeaseDuration)

	assert.Equal(t, 250*time.Millisecond, c.Clock.Interval)
	assert.Equal(t, 50*time.Millisecond, c.Clock.DataInterval)
	assert.Equal(t, 30, c.Clock.RequiredStableTicks)
	assert.True(t, c.Clock.RearmConvergence)
	assert.True(t, c.Clock.AutoSend)

	assert.False(t, c.Router.SplitHorizon)
	assert.Equal(t, 2, c.Router.LinkCost)
	assert.Equal(t, router.BrokenDropData, c.Router.BrokenPolicy)

	timers := router.DefaultTimers()
	timers.RIPUpdateInterval = 3
	timers.OSPFHelloInterval = 5
	timers.OSPFDeadInterval = 20
	assert.Equal(t, timers, c.Router.Timers)
	assert.Equal(t, router.BufferConfig{Capacity: 5, Retention: 10, Rate: 1}, c.Router.Buffer)

	assert.Equal(t, TrafficConfig{File: "song.mp3", PacketSize: 512, Stream: "seeded"}, c.Traffic)

	opts := c.TopologyOptions(zap.NewNop(), metrics.Nop{})
	assert.Equal(t, c.Router.Buffer, opts.Buffer)
	assert.Equal(t, 2, opts.LinkCost)
	assert.EqualValues(t, 60, opts.LeaseDuration)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"unknown top level key": "colour: red",
		"unknown clock key":     "clock: {speed: 3}",
		"bad duration":          "clock: {interval: fast}",
		"negative duration":     "clock: {interval: -1s}",
		"duration as int":       "clock: {interval: 100}",
		"clock not a map":       "clock: 5",
		"bad policy":            "router: {broken-policy: explode}",
		"unknown timer":         "router: {timers: {rip-sometimes: 3}}",
		"zero timer":            "router: {timers: {rip-flush: 0}}",
		"dead before hello":     "router: {timers: {ospf-hello-interval: 50}}",
		"hold before update":    "router: {timers: {bgp-update-interval: 30}}",
		"zero buffer":           "router: {buffer: {capacity: 0}}",
		"split horizon string":  "router: {split-horizon: yes please}",
		"empty socket":          `socket: ""`,
		"bad traffic key":       "traffic: {lambda: 3}",
		"not yaml":              "clock: [",
	}

	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(s)
			assert.Error(t, err)
		})
	}
}

func TestConfigManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routesim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clock: {stable-ticks: 5}\n"), 0o644))

	m, err := NewConfigManager(path)
	require.NoError(t, err)
	assert.Equal(t, 5, m.GetConfig().Clock.RequiredStableTicks)

	_, seq := m.LastChange()

	c := m.GetConfig()
	c.Clock.RequiredStableTicks = 7
	assert.Equal(t, 5, m.GetConfig().Clock.RequiredStableTicks, "GetConfig returns a copy")

	require.NoError(t, m.UpdateConfig(c))
	got, next := m.AwaitChange(context.Background(), seq)
	assert.Equal(t, 7, got.Clock.RequiredStableTicks)
	assert.Greater(t, next, seq)

	c.Router.Buffer.Rate = 0
	assert.Error(t, m.UpdateConfig(c))

	require.NoError(t, os.WriteFile(path, []byte("clock: {stable-ticks: 9}\n"), 0o644))
	require.NoError(t, m.Reload())
	assert.Equal(t, 9, m.GetConfig().Clock.RequiredStableTicks)

	require.NoError(t, os.WriteFile(path, []byte("nope: 1\n"), 0o644))
	assert.Error(t, m.Reload())
	assert.Equal(t, 9, m.GetConfig().Clock.RequiredStableTicks, "a bad reload keeps the running config")

	_, err = NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	m, err = NewConfigManager("")
	require.NoError(t, err)
	assert.Equal(t, Default(), m.GetConfig())
}
