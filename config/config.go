// Package config holds the simulation settings: how fast the clock runs,
// protocol timers, router buffers and where the daemon listens.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/davidbalbert/routesim/clock"
	"github.com/davidbalbert/routesim/dhcp"
	"github.com/davidbalbert/routesim/metrics"
	"github.com/davidbalbert/routesim/router"
	"github.com/davidbalbert/routesim/topology"
	"github.com/davidbalbert/routesim/traffic"
)

const (
	DefaultSocket   = "/tmp/routesim.sock"
	DefaultInterval = 100 * time.Millisecond
)

type RouterConfig struct {
	Timers       router.Timers
	Buffer       router.BufferConfig
	BrokenPolicy router.BrokenPolicy
	SplitHorizon bool
	LinkCost     int
}

type TrafficConfig struct {
	// File is split into packets and spread over every host. Empty means
	// hosts only send what the API gives them.
	File       string
	PacketSize int
	// Stream names the random stream used to pick destinations.
	Stream string
}

type Config struct {
	Topology      string
	Clock         clock.Config
	Router        RouterConfig
	LeaseDuration uint64
	Traffic       TrafficConfig
	Socket        string
	// MetricsAddr is where Prometheus metrics are served. Empty disables the
	// listener.
	MetricsAddr string
}

func Default() *Config {
	return &Config{
		Clock: clock.Config{
			Interval:            DefaultInterval,
			RequiredStableTicks: clock.RequiredStableTicks,
		},
		Router: RouterConfig{
			Timers:       router.DefaultTimers(),
			Buffer:       router.DefaultBufferConfig(),
			BrokenPolicy: router.BrokenDropAll,
			SplitHorizon: true,
			LinkCost:     1,
		},
		LeaseDuration: dhcp.LeaseDuration,
		Traffic: TrafficConfig{
			PacketSize: traffic.PacketSize,
			Stream:     "traffic",
		},
		Socket: DefaultSocket,
	}
}

func Load(path string) (*Config, error) {
	s, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	conf, err := Parse(string(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return conf, nil
}

// Parse reads a YAML config. Keys that are left out keep their defaults.
func Parse(s string) (*Config, error) {
	var data map[string]interface{}

	if err := yaml.Unmarshal([]byte(s), &data); err != nil {
		return nil, err
	}

	c := Default()

	for k, v := range data {
		switch k {
		case "topology":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("topology must be a path")
			}
			c.Topology = s
		case "socket":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("socket must be a path")
			}
			c.Socket = s
		case "metrics-addr":
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("metrics-addr must be a string")
			}
			c.MetricsAddr = s
		case "lease-duration":
			n, err := positiveInt("lease-duration", v)
			if err != nil {
				return nil, err
			}
			c.LeaseDuration = uint64(n)
		case "clock":
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("clock must be a map")
			}
			if err := parseClock(&c.Clock, m); err != nil {
				return nil, err
			}
		case "router":
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("router must be a map")
			}
			if err := parseRouter(&c.Router, m); err != nil {
				return nil, err
			}
		case "traffic":
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("traffic must be a map")
			}
			if err := parseTraffic(&c.Traffic, m); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown top level key: %s", k)
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func parseClock(c *clock.Config, data map[string]interface{}) error {
	for k, v := range data {
		switch k {
		case "interval":
			d, err := duration("clock: interval", v)
			if err != nil {
				return err
			}
			c.Interval = d
		case "data-interval":
			d, err := duration("clock: data-interval", v)
			if err != nil {
				return err
			}
			c.DataInterval = d
		case "stable-ticks":
			n, err := positiveInt("clock: stable-ticks", v)
			if err != nil {
				return err
			}
			c.RequiredStableTicks = n
		case "rearm-convergence":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("clock: rearm-convergence must be a boolean")
			}
			c.RearmConvergence = b
		case "auto-send":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("clock: auto-send must be a boolean")
			}
			c.AutoSend = b
		default:
			return fmt.Errorf("clock: unknown key: %s", k)
		}
	}

	return nil
}

func parseRouter(c *RouterConfig, data map[string]interface{}) error {
	for k, v := range data {
		switch k {
		case "split-horizon":
			b, ok := v.(bool)
			if !ok {
				return fmt.Errorf("router: split-horizon must be a boolean")
			}
			c.SplitHorizon = b
		case "link-cost":
			n, err := positiveInt("router: link-cost", v)
			if err != nil {
				return err
			}
			c.LinkCost = n
		case "broken-policy":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("router: broken-policy must be a string")
			}
			p, err := router.ParseBrokenPolicy(s)
			if err != nil {
				return err
			}
			c.BrokenPolicy = p
		case "timers":
			m, ok := v.(map[string]interface{})
			if !ok {
				return fmt.Errorf("router: timers must be a map")
			}
			if err := parseTimers(&c.Timers, m); err != nil {
				return err
			}
		case "buffer":
			m, ok := v.(map[string]interface{})
			if !ok {
				return fmt.Errorf("router: buffer must be a map")
			}
			if err := parseBuffer(&c.Buffer, m); err != nil {
				return err
			}
		default:
			return fmt.Errorf("router: unknown key: %s", k)
		}
	}

	return nil
}

func parseTimers(t *router.Timers, data map[string]interface{}) error {
	fields := map[string]*int{
		"rip-update-interval": &t.RIPUpdateInterval,
		"rip-infinity":        &t.RIPInfinity,
		"rip-invalid":         &t.RIPInvalid,
		"rip-holddown":        &t.RIPHolddown,
		"rip-flush":           &t.RIPFlush,
		"ospf-hello-interval": &t.OSPFHelloInterval,
		"ospf-dead-interval":  &t.OSPFDeadInterval,
		"ospf-lsa-interval":   &t.OSPFLSAInterval,
		"ospf-lsa-age-limit":  &t.OSPFLSAAgeLimit,
		"bgp-update-interval": &t.BGPUpdateInterval,
		"bgp-hold-time":       &t.BGPHoldTime,
	}

	for k, v := range data {
		p, ok := fields[k]
		if !ok {
			return fmt.Errorf("router: timers: unknown key: %s", k)
		}
		n, err := positiveInt("router: timers: "+k, v)
		if err != nil {
			return err
		}
		*p = n
	}

	return nil
}

func parseBuffer(b *router.BufferConfig, data map[string]interface{}) error {
	fields := map[string]*int{
		"capacity":  &b.Capacity,
		"retention": &b.Retention,
		"rate":      &b.Rate,
	}

	for k, v := range data {
		p, ok := fields[k]
		if !ok {
			return fmt.Errorf("router: buffer: unknown key: %s", k)
		}
		n, err := positiveInt("router: buffer: "+k, v)
		if err != nil {
			return err
		}
		*p = n
	}

	return nil
}

func parseTraffic(c *TrafficConfig, data map[string]interface{}) error {
	for k, v := range data {
		switch k {
		case "file":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("traffic: file must be a path")
			}
			c.File = s
		case "packet-size":
			n, err := positiveInt("traffic: packet-size", v)
			if err != nil {
				return err
			}
			c.PacketSize = n
		case "stream":
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("traffic: stream must be a string")
			}
			c.Stream = s
		default:
			return fmt.Errorf("traffic: unknown key: %s", k)
		}
	}

	return nil
}

func positiveInt(name string, v interface{}) (int, error) {
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be positive: %d", name, n)
	}
	return n, nil
}

func duration(name string, v interface{}) (time.Duration, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("%s must be a duration like \"100ms\"", name)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative: %s", name, d)
	}
	return d, nil
}

func (c *Config) validate() error {
	if err := c.Router.Timers.Validate(); err != nil {
		return err
	}
	if err := c.Router.Buffer.Validate(); err != nil {
		return err
	}
	if c.Socket == "" {
		return fmt.Errorf("socket must not be empty")
	}
	return nil
}

// TopologyOptions returns the options used to build routers and hosts.
func (c *Config) TopologyOptions(logger *zap.Logger, sink metrics.Sink) topology.Options {
	return topology.Options{
		Logger:        logger,
		Metrics:       sink,
		Timers:        c.Router.Timers,
		Buffer:        c.Router.Buffer,
		BrokenPolicy:  c.Router.BrokenPolicy,
		SplitHorizon:  c.Router.SplitHorizon,
		LinkCost:      c.Router.LinkCost,
		LeaseDuration: c.LeaseDuration,
	}
}

func (c *Config) copy() *Config {
	newConfig := *c
	return &newConfig
}
