package router

import (
	"fmt"
	"strings"

	"github.com/davidbalbert/routesim/common"
)

type Protocol int

const (
	ProtocolDirect Protocol = iota
	ProtocolEBGP
	ProtocolOSPF
	ProtocolRIP
	ProtocolIBGP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolDirect:
		return "direct"
	case ProtocolEBGP:
		return "ebgp"
	case ProtocolOSPF:
		return "ospf"
	case ProtocolRIP:
		return "rip"
	case ProtocolIBGP:
		return "ibgp"
	default:
		return fmt.Sprintf("unknown protocol: %d", p)
	}
}

// AdminDistance orders protocols when more than one offers a route to the
// same destination. Lower wins.
func (p Protocol) AdminDistance() int {
	switch p {
	case ProtocolDirect:
		return 0
	case ProtocolEBGP:
		return 20
	case ProtocolOSPF:
		return 110
	case ProtocolRIP:
		return 120
	case ProtocolIBGP:
		return 200
	default:
		return 255
	}
}

// ParseIGP accepts "RIP" or "OSPF" in any case.
func ParseIGP(s string) (Protocol, error) {
	switch strings.ToUpper(s) {
	case "RIP":
		return ProtocolRIP, nil
	case "OSPF":
		return ProtocolOSPF, nil
	default:
		return 0, fmt.Errorf("unknown routing protocol: %q", s)
	}
}

// BrokenPolicy is what a router marked as broken does.
type BrokenPolicy int

const (
	// BrokenDropAll discards every inbound packet and originates nothing, so
	// the rest of the network routes around the router.
	BrokenDropAll BrokenPolicy = iota
	// BrokenDropData keeps the control plane running but discards transit
	// traffic.
	BrokenDropData
)

func (p BrokenPolicy) String() string {
	switch p {
	case BrokenDropAll:
		return "drop-all"
	case BrokenDropData:
		return "drop-data"
	default:
		return fmt.Sprintf("unknown broken policy: %d", p)
	}
}

func ParseBrokenPolicy(s string) (BrokenPolicy, error) {
	switch s {
	case "", "drop-all":
		return BrokenDropAll, nil
	case "drop-data":
		return BrokenDropData, nil
	default:
		return 0, fmt.Errorf("unknown broken router policy: %q", s)
	}
}

// Timers are all measured in ticks.
type Timers struct {
	RIPUpdateInterval int `yaml:"rip-update-interval"`
	RIPInfinity       int `yaml:"rip-infinity"`
	RIPInvalid        int `yaml:"rip-invalid"`
	RIPHolddown       int `yaml:"rip-holddown"`
	RIPFlush          int `yaml:"rip-flush"`

	OSPFHelloInterval int `yaml:"ospf-hello-interval"`
	OSPFDeadInterval  int `yaml:"ospf-dead-interval"`
	OSPFLSAInterval   int `yaml:"ospf-lsa-interval"`
	OSPFLSAAgeLimit   int `yaml:"ospf-lsa-age-limit"`

	BGPUpdateInterval int `yaml:"bgp-update-interval"`
	// BGPHoldTime is how long a speaker's last update stays valid.
	BGPHoldTime int `yaml:"bgp-hold-time"`
}

func DefaultTimers() Timers {
	return Timers{
		RIPUpdateInterval: 5,
		RIPInfinity:       16,
		RIPInvalid:        20,
		RIPHolddown:       20,
		RIPFlush:          30,

		OSPFHelloInterval: 10,
		OSPFDeadInterval:  40,
		OSPFLSAInterval:   30,
		OSPFLSAAgeLimit:   120,

		BGPUpdateInterval: 10,
		BGPHoldTime:       30,
	}
}

func (t Timers) Validate() error {
	fields := []struct {
		name string
		v    int
	}{
		{"rip-update-interval", t.RIPUpdateInterval},
		{"rip-infinity", t.RIPInfinity},
		{"rip-invalid", t.RIPInvalid},
		{"rip-holddown", t.RIPHolddown},
		{"rip-flush", t.RIPFlush},
		{"ospf-hello-interval", t.OSPFHelloInterval},
		{"ospf-dead-interval", t.OSPFDeadInterval},
		{"ospf-lsa-interval", t.OSPFLSAInterval},
		{"ospf-lsa-age-limit", t.OSPFLSAAgeLimit},
		{"bgp-update-interval", t.BGPUpdateInterval},
		{"bgp-hold-time", t.BGPHoldTime},
	}

	for _, f := range fields {
		if f.v < 1 {
			return fmt.Errorf("router: %s too small: %d", f.name, f.v)
		}
	}

	if t.RIPInfinity > 255 {
		return fmt.Errorf("router: rip-infinity too big: %d", t.RIPInfinity)
	}
	if t.OSPFDeadInterval <= t.OSPFHelloInterval {
		return fmt.Errorf("router: ospf-dead-interval (%d) must be longer than ospf-hello-interval (%d)", t.OSPFDeadInterval, t.OSPFHelloInterval)
	}
	if t.OSPFLSAAgeLimit <= t.OSPFLSAInterval {
		return fmt.Errorf("router: ospf-lsa-age-limit (%d) must be longer than ospf-lsa-interval (%d)", t.OSPFLSAAgeLimit, t.OSPFLSAInterval)
	}
	if t.BGPHoldTime <= t.BGPUpdateInterval {
		return fmt.Errorf("router: bgp-hold-time (%d) must be longer than bgp-update-interval (%d)", t.BGPHoldTime, t.BGPUpdateInterval)
	}

	return nil
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`
	// Retention is how many ticks a packet may wait before it is dropped.
	Retention int `yaml:"retention"`
	// Rate is how many packets leave the buffer per tick.
	Rate int `yaml:"rate"`
}

func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Capacity:  32,
		Retention: 10,
		Rate:      8,
	}
}

func (b BufferConfig) Validate() error {
	if b.Capacity < 1 {
		return fmt.Errorf("router: buffer capacity too small: %d", b.Capacity)
	}
	if b.Retention < 1 {
		return fmt.Errorf("router: buffer retention too small: %d", b.Retention)
	}
	if b.Rate < 1 {
		return fmt.Errorf("router: buffer rate too small: %d", b.Rate)
	}
	return nil
}

const (
	DefaultPortCount     = 6
	DefaultSeenCacheSize = 4096
)

type Config struct {
	Node         common.Node
	PortCount    int
	IGP          Protocol
	Timers       Timers
	Buffer       BufferConfig
	Broken       bool
	BrokenPolicy BrokenPolicy
	SplitHorizon bool
	// LinkCost is advertised in OSPF hellos for every port.
	LinkCost      int
	SeenCacheSize int
	// DHCP is set on routers that hand out addresses.
	DHCP LeaseServer
}

// DefaultConfig returns a RIP router with default timers.
func DefaultConfig(node common.Node) Config {
	return Config{
		Node:          node,
		PortCount:     DefaultPortCount,
		IGP:           ProtocolRIP,
		Timers:        DefaultTimers(),
		Buffer:        DefaultBufferConfig(),
		SplitHorizon:  true,
		LinkCost:      1,
		SeenCacheSize: DefaultSeenCacheSize,
	}
}

func (c *Config) validate() error {
	if c.Node.Kind != common.KindRouter {
		return fmt.Errorf("router: %s is not a router", c.Node)
	}
	if !c.Node.Addr.Is4() {
		return fmt.Errorf("router: %s has no IPv4 address", c.Node.ID)
	}
	if c.PortCount < 1 {
		return fmt.Errorf("router: port count too small: %d", c.PortCount)
	}
	if c.IGP != ProtocolRIP && c.IGP != ProtocolOSPF {
		return fmt.Errorf("router: %s can't be used as an IGP", c.IGP)
	}
	if c.LinkCost < 1 {
		return fmt.Errorf("router: link cost too small: %d", c.LinkCost)
	}
	if c.SeenCacheSize < 1 {
		return fmt.Errorf("router: seen cache size too small: %d", c.SeenCacheSize)
	}
	if err := c.Timers.Validate(); err != nil {
		return err
	}
	return c.Buffer.Validate()
}
