package metrics

import (
	"net/netip"
	"slices"
	"sync"

	"golang.org/x/exp/constraints"
)

// Sink receives observability events from routers and hosts.
type Sink interface {
	RecordPacketSent()
	RecordPacketReceived(path []netip.Addr)
	RecordPacketDropped()
	RecordHopCount(n int)
	RecordWaitCycle(n int)
	RecordRouterUsage(router netip.Addr)
}

type Nop struct{}

func (Nop) RecordPacketSent() {}
func (Nop) RecordPacketReceived([]netip.Addr) {}
func (Nop) RecordPacketDropped() {}
func (Nop) RecordHopCount(int) {}
func (Nop) RecordWaitCycle(int) {}
func (Nop) RecordRouterUsage(netip.Addr) {}

// Multi fans every event out to each of its sinks.
type Multi []Sink

func (m Multi) RecordPacketSent() {
	for _, s := range m {
		s.RecordPacketSent()
	}
}

func (m Multi) RecordPacketReceived(path []netip.Addr) {
	for _, s := range m {
		s.RecordPacketReceived(path)
	}
}

func (m Multi) RecordPacketDropped() {
	for _, s := range m {
		s.RecordPacketDropped()
	}
}

func (m Multi) RecordHopCount(n int) {
	for _, s := range m {
		s.RecordHopCount(n)
	}
}

func (m Multi) RecordWaitCycle(n int) {
	for _, s := range m {
		s.RecordWaitCycle(n)
	}
}

func (m Multi) RecordRouterUsage(router netip.Addr) {
	for _, s := range m {
		s.RecordRouterUsage(router)
	}
}

const maxPaths = 1024

// Collector keeps counters, running hop and wait summaries, and the first
// few received paths in memory.
type Collector struct {
	mu       sync.Mutex
	sent     uint64
	received uint64
	dropped  uint64
	hops     summary[int]
	waits    summary[int]
	usage    map[netip.Addr]uint64
	paths    [][]netip.Addr
}

func NewCollector() *Collector {
	return &Collector{usage: make(map[netip.Addr]uint64)}
}

func (c *Collector) RecordPacketSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
}

func (c *Collector) RecordPacketReceived(path []netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received++
	if len(c.paths) < maxPaths {
		c.paths = append(c.paths, slices.Clone(path))
	}
}

func (c *Collector) RecordPacketDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
}

func (c *Collector) RecordHopCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hops.add(n)
}

func (c *Collector) RecordWaitCycle(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits.add(n)
}

func (c *Collector) RecordRouterUsage(router netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage[router]++
}

type RouterUsage struct {
	Router netip.Addr
	Count  uint64
}

type Snapshot struct {
	Sent     uint64
	Received uint64
	Dropped  uint64

	AvgHops float64
	MinHops int
	MaxHops int
	AvgWait float64
	MaxWait int

	// Usage is sorted by address.
	Usage []RouterUsage
	// Paths holds the first received paths, up to a fixed limit.
	Paths [][]netip.Addr
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Sent:     c.sent,
		Received: c.received,
		Dropped:  c.dropped,
		AvgHops:  c.hops.mean(),
		MinHops:  c.hops.min,
		MaxHops:  c.hops.max,
		AvgWait:  c.waits.mean(),
		MaxWait:  c.waits.max,
		Paths:    slices.Clone(c.paths),
	}

	for addr, n := range c.usage {
		s.Usage = append(s.Usage, RouterUsage{Router: addr, Count: n})
	}
	slices.SortFunc(s.Usage, func(a, b RouterUsage) int {
		return a.Router.Compare(b.Router)
	})

	return s
}

func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent, c.received, c.dropped = 0, 0, 0
	c.hops, c.waits = summary[int]{}, summary[int]{}
	c.paths = nil
	c.usage = make(map[netip.Addr]uint64)
}

// summary is a running count, sum, min and max of integer samples.
type summary[T constraints.Integer] struct {
	count    uint64
	sum      float64
	min, max T
}

func (s *summary[T]) add(x T) {
	if s.count == 0 || x < s.min {
		s.min = x
	}
	if s.count == 0 || x > s.max {
		s.max = x
	}
	s.count++
	s.sum += float64(x)
}

func (s *summary[T]) mean() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}
