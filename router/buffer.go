package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/davidbalbert/routesim/packet"
	"github.com/davidbalbert/routesim/port"
)

type bufferedPacket struct {
	pkt      *packet.Packet
	out      port.Key
	enqueued uint64
}

// buffer is a bounded FIFO with a retention window. The enqueue path and the
// eviction path share one lock.
type buffer struct {
	conf BufferConfig

	mu    sync.Mutex
	items []bufferedPacket
}

func newBuffer(conf BufferConfig) *buffer {
	return &buffer{
		conf:  conf,
		items: make([]bufferedPacket, 0, conf.Capacity),
	}
}

func (b *buffer) enqueue(bp bufferedPacket) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.conf.Capacity {
		return ErrBufferFull
	}
	b.items = append(b.items, bp)
	return nil
}

// evict removes every packet that has waited at least the retention window.
func (b *buffer) evict(now uint64) []bufferedPacket {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []bufferedPacket
	kept := b.items[:0]
	for _, bp := range b.items {
		if now-bp.enqueued >= uint64(b.conf.Retention) {
			expired = append(expired, bp)
		} else {
			kept = append(kept, bp)
		}
	}
	clear(b.items[len(kept):])
	b.items = kept

	return expired
}

// dequeue removes up to n packets in arrival order.
func (b *buffer) dequeue(n int) []bufferedPacket {
	b.mu.Lock()
	defer b.mu.Unlock()

	n = min(n, len(b.items))
	out := append([]bufferedPacket(nil), b.items[:n]...)
	rest := copy(b.items, b.items[n:])
	clear(b.items[rest:])
	b.items = b.items[:rest]

	return out
}

// wait records a tick of queueing for every packet still buffered.
func (b *buffer) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bp := range b.items {
		bp.pkt.Wait()
	}
}

func (b *buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (r *Router) serviceBuffer() {
	for _, bp := range r.buffer.evict(r.now) {
		r.drop(bp.pkt, "buffer retention expired")
	}

	for _, bp := range r.buffer.dequeue(r.conf.Buffer.Rate) {
		p := r.port(bp.out)
		if p == nil {
			r.drop(bp.pkt, "egress port missing")
			continue
		}
		if err := p.Send(bp.pkt, r.now); err != nil {
			r.log.Debug("buffered send failed", zap.Stringer("port", bp.out), zap.Error(err))
			r.drop(bp.pkt, "egress port unbound")
			continue
		}
		r.stats.Sent++
		r.stats.Forwarded++
	}

	r.buffer.wait()
}
