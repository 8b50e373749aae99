package clock

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/events"
	"github.com/davidbalbert/routesim/sync"
)

const RequiredStableTicks = 20

var (
	ErrStopped    = errors.New("clock stopped")
	ErrNotRunning = errors.New("clock not running")
)

type Config struct {
	// Interval is the convergence tick period. Zero means ticks are only
	// produced by Step.
	Interval time.Duration
	// DataInterval is the tick period once the network has converged.
	// Defaults to Interval.
	DataInterval        time.Duration
	RequiredStableTicks int
	// RearmConvergence makes a route change during data forwarding send the
	// clock back to convergence mode.
	RearmConvergence bool
	// AutoSend starts packet sending as soon as the network converges.
	AutoSend bool
}

func (c Config) withDefaults() Config {
	if c.RequiredStableTicks <= 0 {
		c.RequiredStableTicks = RequiredStableTicks
	}
	if c.DataInterval <= 0 {
		c.DataInterval = c.Interval
	}
	return c
}

// Clock is the global scheduler of a simulation. It owns the actors'
// goroutines, hands every actor each tick, and decides when the network has
// converged.
type Clock struct {
	conf   Config
	log    *zap.Logger
	actors []Actor

	changed atomic.Bool
	sending atomic.Bool

	state  *sync.Notifier[State]
	events *sync.QueuedNotifier[events.Event]

	// lifecycle
	mu      stdsync.Mutex
	running atomic.Bool
	stopped bool
	manual  bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	// stepMu serializes ticks and mode changes.
	stepMu stdsync.Mutex
	seq    uint64
	stable int
	mode   Mode
}

func New(conf Config, logger *zap.Logger, actors ...Actor) *Clock {
	return &Clock{
		conf:   conf.withDefaults(),
		log:    logger.Named("clock"),
		actors: actors,
		state:  sync.NewNotifier(StateIdle),
		events: sync.NewQueuedNotifier[events.Event](),
	}
}

// Start launches every actor and begins convergence ticking. An interval of
// zero leaves the clock in manual mode where ticks come from Step. Calling
// Start on a running clock does nothing.
func (c *Clock) Start(ctx context.Context, interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.running.Load() {
		return nil
	}

	if interval > 0 {
		c.conf.Interval = interval
		if c.conf.DataInterval <= 0 {
			c.conf.DataInterval = interval
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	for _, a := range c.actors {
		g.Go(func() error {
			return a.Run(ctx)
		})
	}

	c.manual = interval <= 0
	if !c.manual {
		g.Go(func() error {
			return c.loop(ctx)
		})
	}

	c.running.Store(true)
	c.cancel = cancel
	c.group = g

	c.stepMu.Lock()
	if c.mode == ModeData {
		c.setState(StateForwarding)
	} else {
		c.setState(StateConverging)
	}
	c.stepMu.Unlock()

	c.log.Info("clock started", zap.Duration("interval", interval), zap.Int("actors", len(c.actors)))

	return nil
}

// Stop cancels the ticker, waits for every actor to exit, and moves the clock
// to its terminal state. Calling Stop more than once does nothing.
func (c *Clock) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true

	var err error
	if c.running.Load() {
		c.cancel()
		err = c.group.Wait()
		c.running.Store(false)
	}

	c.setState(StateStopped)
	c.publish(events.Event{Type: events.Stopped, Tick: c.Seq()})
	c.log.Info("clock stopped", zap.Uint64("tick", c.Seq()))

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (c *Clock) loop(ctx context.Context) error {
	interval := c.interval()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := c.step(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			if next := c.interval(); next != interval {
				interval = next
				t.Reset(interval)
			}
		}
	}
}

func (c *Clock) interval() time.Duration {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	if c.mode == ModeData {
		return c.conf.DataInterval
	}
	return c.conf.Interval
}

// Step produces a single tick. It is only available when the clock was
// started without an interval.
func (c *Clock) Step(ctx context.Context) error {
	c.mu.Lock()
	running, manual := c.running.Load(), c.manual
	c.mu.Unlock()

	if !running {
		if c.isStopped() {
			return ErrStopped
		}
		return ErrNotRunning
	}
	if !manual {
		return fmt.Errorf("clock: Step called on a clock with a running ticker")
	}

	return c.step(ctx)
}

// StepN calls Step n times.
func (c *Clock) StepN(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := c.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Clock) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Clock) step(ctx context.Context) error {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	c.seq++
	t := Tick{
		Seq:      c.seq,
		Mode:     c.mode,
		SendData: c.mode == ModeData && c.sending.Load(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range c.actors {
		g.Go(func() error {
			return a.Tick(gctx, t)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("clock: tick %d: %w", t.Seq, err)
	}

	// Swap resets the flag exactly once per tick, and every notification
	// that raced with the tick is counted in either this tick or the next.
	changed := c.changed.Swap(false)

	switch c.mode {
	case ModeConvergence:
		if changed {
			if c.stable > 0 {
				c.log.Debug("routing changed, resetting stability counter", zap.Uint64("tick", t.Seq), zap.Int("was", c.stable))
			}
			c.stable = 0
			break
		}

		c.stable++
		if c.stable >= c.conf.RequiredStableTicks {
			c.log.Info("network converged", zap.Uint64("tick", t.Seq), zap.Int("stable_ticks", c.stable))
			c.publish(events.Event{Type: events.Converged, Tick: t.Seq})
			if c.conf.AutoSend {
				c.sending.Store(true)
			}
			c.enterData(t.Seq)
		}
	case ModeData:
		if !changed {
			break
		}

		c.publish(events.Event{Type: events.RouteChanged, Tick: t.Seq})
		if c.conf.RearmConvergence {
			c.log.Info("routing changed during data forwarding, re-entering convergence", zap.Uint64("tick", t.Seq))
			c.sending.Store(false)
			c.enterConvergence(t.Seq)
		} else {
			c.log.Warn("routing changed during data forwarding", zap.Uint64("tick", t.Seq))
		}
	}

	return nil
}

// must hold stepMu
func (c *Clock) enterData(seq uint64) {
	c.mode = ModeData
	c.stable = 0
	c.publish(events.Event{Type: events.ModeChanged, Tick: seq, Data: ModeData})
	if c.running.Load() {
		c.setState(StateForwarding)
	}
}

// must hold stepMu
func (c *Clock) enterConvergence(seq uint64) {
	c.mode = ModeConvergence
	c.stable = 0
	c.publish(events.Event{Type: events.ModeChanged, Tick: seq, Data: ModeConvergence})
	if c.running.Load() {
		c.setState(StateConverging)
	}
}

// StartPacketSending lets hosts inject traffic. If the network hasn't
// converged yet the clock switches to data forwarding immediately.
func (c *Clock) StartPacketSending() {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()

	c.sending.Store(true)
	if c.mode == ModeConvergence {
		c.log.Info("packet sending requested before convergence, forcing data mode", zap.Uint64("tick", c.seq))
		c.enterData(c.seq)
	}
}

func (c *Clock) StopPacketSending() {
	c.sending.Store(false)
}

func (c *Clock) Sending() bool {
	return c.sending.Load()
}

// NotifyRouteChanged is called by routers whenever a selected route changes.
// It is safe to call from any goroutine.
func (c *Clock) NotifyRouteChanged(common.NodeID) {
	c.changed.Store(true)
}

func (c *Clock) Seq() uint64 {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	return c.seq
}

func (c *Clock) Mode() Mode {
	c.stepMu.Lock()
	defer c.stepMu.Unlock()
	return c.mode
}

func (c *Clock) State() State {
	s, _ := c.state.LastChange()
	return s
}

func (c *Clock) setState(s State) {
	if cur, _ := c.state.LastChange(); cur == s {
		return
	}
	c.state.NotifyChange(s)
}

// WaitState blocks until the clock reaches want, or ctx is done.
func (c *Clock) WaitState(ctx context.Context, want State) error {
	s, seq := c.state.LastChange()
	for s != want {
		if s == StateStopped {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s, seq = c.state.AwaitChange(ctx, seq)
	}
	return nil
}

func (c *Clock) WaitConverged(ctx context.Context) error {
	return c.WaitState(ctx, StateForwarding)
}

func (c *Clock) Subscribe() sync.Token {
	return c.events.Register()
}

func (c *Clock) Unsubscribe(t sync.Token) {
	c.events.Unregister(t)
}

// NextEvent blocks until the next event for t is available.
func (c *Clock) NextEvent(ctx context.Context, t sync.Token) (events.Event, bool) {
	return c.events.AwaitChange(ctx, t)
}

func (c *Clock) publish(e events.Event) {
	c.events.NotifyChange(e)
}
