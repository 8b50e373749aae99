package clock

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/events"
	"github.com/davidbalbert/routesim/sync"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeActor reports a route change on every tick up to changeUntil.
type fakeActor struct {
	id          common.NodeID
	mailbox     *sync.Mailbox
	notify      func(common.NodeID)
	changeUntil uint64

	mu    stdsync.Mutex
	ticks []Tick
}

func newFakeActor(id common.NodeID, changeUntil uint64) *fakeActor {
	return &fakeActor{id: id, mailbox: sync.NewMailbox(), changeUntil: changeUntil}
}

func (a *fakeActor) Run(ctx context.Context) error {
	return a.mailbox.Serve(ctx)
}

func (a *fakeActor) Tick(ctx context.Context, t Tick) error {
	return a.mailbox.Call(ctx, func() {
		a.mu.Lock()
		a.ticks = append(a.ticks, t)
		a.mu.Unlock()

		if t.Seq <= a.changeUntil && a.notify != nil {
			a.notify(a.id)
		}
	})
}

func (a *fakeActor) seen() []Tick {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Tick(nil), a.ticks...)
}

func newClock(t *testing.T, conf Config, actors ...*fakeActor) *Clock {
	t.Helper()

	as := make([]Actor, len(actors))
	for i, a := range actors {
		as[i] = a
	}

	c := New(conf, zaptest.NewLogger(t), as...)
	for _, a := range actors {
		a.notify = c.NotifyRouteChanged
	}
	return c
}

func TestStartStopIdempotent(t *testing.T) {
	a := newFakeActor(1, 0)
	c := newClock(t, Config{}, a)
	ctx := context.Background()

	assert.Equal(t, StateIdle, c.State())
	assert.ErrorIs(t, c.Step(ctx), ErrNotRunning)

	require.NoError(t, c.Start(ctx, 0))
	require.NoError(t, c.Start(ctx, 0))
	assert.Equal(t, StateConverging, c.State())

	require.NoError(t, c.Step(ctx))
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	assert.Equal(t, StateStopped, c.State())
	assert.ErrorIs(t, c.Start(ctx, 0), ErrStopped)
	assert.ErrorIs(t, c.Step(ctx), ErrStopped)
	assert.Len(t, a.seen(), 1)
}

func TestConvergenceSwitchesToDataMode(t *testing.T) {
	a := newFakeActor(1, 5)
	b := newFakeActor(2, 3)
	c := newClock(t, Config{RequiredStableTicks: 20, AutoSend: true}, a, b)
	ctx := context.Background()

	tok := c.Subscribe()
	defer c.Unsubscribe(tok)

	require.NoError(t, c.Start(ctx, 0))
	defer c.Stop()

	// ticks 1..5 change, 6..24 are 19 stable ticks
	require.NoError(t, c.StepN(ctx, 24))
	assert.Equal(t, ModeConvergence, c.Mode())

	require.NoError(t, c.Step(ctx))
	assert.Equal(t, ModeData, c.Mode())
	assert.Equal(t, StateForwarding, c.State())
	assert.True(t, c.Sending())

	require.NoError(t, c.Step(ctx))

	ticks := a.seen()
	require.Len(t, ticks, 26)
	assert.Equal(t, Tick{Seq: 25, Mode: ModeConvergence}, ticks[24])
	assert.Equal(t, Tick{Seq: 26, Mode: ModeData, SendData: true}, ticks[25])

	e, ok := c.NextEvent(ctx, tok)
	require.True(t, ok)
	assert.Equal(t, events.Converged, e.Type)
	assert.Equal(t, uint64(25), e.Tick)

	e, ok = c.NextEvent(ctx, tok)
	require.True(t, ok)
	assert.Equal(t, events.ModeChanged, e.Type)
	assert.Equal(t, ModeData, e.Data)

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.WaitConverged(wctx))
}

func TestStartPacketSendingForcesDataMode(t *testing.T) {
	a := newFakeActor(1, 1000)
	c := newClock(t, Config{}, a)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, 0))
	defer c.Stop()

	require.NoError(t, c.Step(ctx))
	c.StartPacketSending()
	c.StartPacketSending()
	assert.Equal(t, ModeData, c.Mode())

	require.NoError(t, c.Step(ctx))
	c.StopPacketSending()
	c.StopPacketSending()
	require.NoError(t, c.Step(ctx))

	ticks := a.seen()
	assert.True(t, ticks[1].SendData)
	assert.False(t, ticks[2].SendData)
	assert.Equal(t, ModeData, ticks[2].Mode, "changes after convergence don't re-arm by default")
}

func TestRearmConvergence(t *testing.T) {
	a := newFakeActor(1, 0)
	c := newClock(t, Config{RequiredStableTicks: 2, RearmConvergence: true, AutoSend: true}, a)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, 0))
	defer c.Stop()

	require.NoError(t, c.StepN(ctx, 2))
	require.Equal(t, ModeData, c.Mode())

	a.changeUntil = 3
	require.NoError(t, c.Step(ctx))
	assert.Equal(t, ModeConvergence, c.Mode())
	assert.Equal(t, StateConverging, c.State())
	assert.False(t, c.Sending())
}

func TestTickerDrivesClock(t *testing.T) {
	a := newFakeActor(1, 0)
	c := newClock(t, Config{RequiredStableTicks: 3, DataInterval: time.Millisecond}, a)

	require.NoError(t, c.Start(context.Background(), time.Millisecond))
	assert.Error(t, c.Step(context.Background()), "manual steps are rejected while the ticker runs")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConverged(ctx))

	require.NoError(t, c.Stop())
	n := len(a.seen())
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, len(a.seen()), "no ticks after Stop")
}

func TestWaitStateAfterStop(t *testing.T) {
	c := newClock(t, Config{})
	require.NoError(t, c.Start(context.Background(), 0))
	require.NoError(t, c.Stop())

	err := c.WaitConverged(context.Background())
	assert.True(t, errors.Is(err, ErrStopped))
}
