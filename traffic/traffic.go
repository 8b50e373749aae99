// Package traffic turns raw data into data packets and decides where they go.
package traffic

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net/netip"

	"github.com/iti/rngstream"

	"github.com/davidbalbert/routesim/packet"
)

const PacketSize = 1024

var ErrNoDestination = errors.New("no destination")

// Split reads r to the end and cuts it into data packets of at most size
// bytes, numbered from 0.
func Split(r io.Reader, size int) ([]*packet.Packet, error) {
	if size <= 0 {
		return nil, fmt.Errorf("traffic: packet size must be positive: %d", size)
	}

	br := bufio.NewReader(r)
	var pkts []*packet.Packet
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			p := packet.New(packet.TypeData, netip.Addr{}, netip.Addr{}, buf[:n])
			p.Seq = len(pkts)
			pkts = append(pkts, p)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return pkts, nil
		}
		if err != nil {
			return nil, fmt.Errorf("traffic: %w", err)
		}
	}
}

// Distribute deals pkts out to n senders in contiguous runs of equal length.
// The packets left over go one each to the first senders.
func Distribute(pkts []*packet.Packet, n int) [][]*packet.Packet {
	if n <= 0 {
		return nil
	}

	parts := make([][]*packet.Packet, n)
	size := len(pkts) / n
	for i := range parts {
		parts[i] = append([]*packet.Packet(nil), pkts[i*size:(i+1)*size]...)
	}
	for i, p := range pkts[n*size:] {
		parts[i] = append(parts[i], p)
	}
	return parts
}

// Generator draws uniform and Poisson variates from its own random stream.
type Generator struct {
	rng *rngstream.RngStream
}

func NewGenerator(name string) *Generator {
	return &Generator{rng: rngstream.New(name)}
}

// Intn returns a uniform integer in [0, n).
func (g *Generator) Intn(n int) int {
	i := int(g.rng.RandU01() * float64(n))
	return min(i, n-1)
}

// Pick returns a random element of dests other than self.
func (g *Generator) Pick(self netip.Addr, dests []netip.Addr) (netip.Addr, error) {
	var choices []netip.Addr
	for _, d := range dests {
		if d != self {
			choices = append(choices, d)
		}
	}
	if len(choices) == 0 {
		return netip.Addr{}, fmt.Errorf("traffic: %s: %w", self, ErrNoDestination)
	}
	return choices[g.Intn(len(choices))], nil
}

// Address gives every packet a random destination from dests other than
// self.
func (g *Generator) Address(self netip.Addr, dests []netip.Addr, pkts []*packet.Packet) error {
	for _, p := range pkts {
		d, err := g.Pick(self, dests)
		if err != nil {
			return err
		}
		p.Dst = d
	}
	return nil
}

// Poisson counts the arrivals of a rate lambda process in one unit of time,
// summing exponential interarrival times.
func (g *Generator) Poisson(lambda float64) int {
	if lambda <= 0 {
		return 0
	}

	n := 0
	for t := expRV(g.rng.RandU01(), lambda); t <= 1; t += expRV(g.rng.RandU01(), lambda) {
		n++
	}
	return n
}

// PoissonLoads draws samples Poisson values and histograms those below
// scale.
func (g *Generator) PoissonLoads(lambda float64, samples, scale int) []int {
	loads := make([]int, max(scale, 0))
	for i := 0; i < samples; i++ {
		if v := g.Poisson(lambda); v < scale {
			loads[v]++
		}
	}
	return loads
}

func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}
