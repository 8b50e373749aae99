// Package topology reads network descriptions and wires up the routers and
// hosts they describe.
package topology

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/router"
)

var ErrMissingKey = errors.New("missing required key")

// Node ids above this would collide with the DHCP pools.
const maxNodeID = 1<<15 - 1

type Type string

const (
	TypeMesh     Type = "Mesh"
	TypeRingStar Type = "RingStar"
	TypeTorus    Type = "Torus"
)

type Gateway struct {
	Node  *common.NodeID  `json:"node" yaml:"node"`
	Users []common.NodeID `json:"users" yaml:"users"`
}

// ASConfig describes one autonomous system. Router ids are assigned in
// order, starting after every id used by an earlier AS. Broken routers,
// gateways, DHCP servers and AS gateways all name routers by id.
type ASConfig struct {
	ID              *common.ASID    `json:"id" yaml:"id"`
	NodeCount       *int            `json:"node_count" yaml:"node_count"`
	RouterPortCount int             `json:"router_port_count" yaml:"router_port_count"`
	BrokenRouters   []common.NodeID `json:"broken_routers" yaml:"broken_routers"`
	Gateways        []Gateway       `json:"gateways" yaml:"gateways"`
	DHCPServers     []common.NodeID `json:"dhcpServers" yaml:"dhcpServers"`
	TopologyType    Type            `json:"topology_type" yaml:"topology_type"`
	RoutingProtocol string          `json:"routing_protocol" yaml:"routing_protocol"`
	ASGateways      []common.NodeID `json:"as_gateways" yaml:"as_gateways"`

	igp         router.Protocol
	firstRouter common.NodeID
}

// Routers returns the ids of the routers in the AS, in local index order.
func (c *ASConfig) Routers() []common.NodeID {
	ids := make([]common.NodeID, *c.NodeCount)
	for i := range ids {
		ids[i] = c.firstRouter + common.NodeID(i)
	}
	return ids
}

// RouterID returns the id of the router at local index i.
func (c *ASConfig) RouterID(i int) common.NodeID {
	return c.firstRouter + common.NodeID(i)
}

func (c *ASConfig) IGP() router.Protocol {
	return c.igp
}

func (c *ASConfig) hasRouter(id common.NodeID) bool {
	return id >= c.firstRouter && id < c.firstRouter+common.NodeID(*c.NodeCount)
}

// ASLink is an eBGP link between border routers of two ASes.
type ASLink struct {
	FromAS   common.ASID   `json:"from_as" yaml:"from_as"`
	FromNode common.NodeID `json:"from_node" yaml:"from_node"`
	ToAS     common.ASID   `json:"to_as" yaml:"to_as"`
	ToNode   common.NodeID `json:"to_node" yaml:"to_node"`
}

type Config struct {
	AutonomousSystems []*ASConfig `json:"autonomous_systems" yaml:"autonomous_systems"`
	ASLinks           []ASLink    `json:"as_links" yaml:"as_links"`
}

// AS returns the configuration for id.
func (c *Config) AS(id common.ASID) (*ASConfig, bool) {
	for _, as := range c.AutonomousSystems {
		if *as.ID == id {
			return as, true
		}
	}
	return nil, false
}

// Links returns the configured AS links. Without explicit links, the AS
// gateways of consecutive ASes are joined pairwise.
func (c *Config) Links() []ASLink {
	if len(c.ASLinks) > 0 {
		return c.ASLinks
	}

	var links []ASLink
	for i := 1; i < len(c.AutonomousSystems); i++ {
		a, b := c.AutonomousSystems[i-1], c.AutonomousSystems[i]
		for j := 0; j < min(len(a.ASGateways), len(b.ASGateways)); j++ {
			links = append(links, ASLink{FromAS: *a.ID, FromNode: a.ASGateways[j], ToAS: *b.ID, ToNode: b.ASGateways[j]})
		}
	}
	return links
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads a JSON or YAML topology. Unknown keys are errors.
func Parse(r io.Reader) (*Config, error) {
	br := bufio.NewReader(r)

	var c Config
	if isJSON(br) {
		dec := json.NewDecoder(br)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("topology: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(br)
		dec.KnownFields(true)
		if err := dec.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("topology: empty config")
			}
			return nil, fmt.Errorf("topology: %w", err)
		}
	}

	if err := c.resolve(); err != nil {
		return nil, err
	}

	return &c, nil
}

func isJSON(br *bufio.Reader) bool {
	for i := 1; ; i++ {
		b, err := br.Peek(i)
		if err != nil {
			return false
		}
		switch b[i-1] {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
}

// resolve fills in defaults, assigns router ids and checks every reference.
func (c *Config) resolve() error {
	if len(c.AutonomousSystems) == 0 {
		return fmt.Errorf("topology: no autonomous systems")
	}

	seenAS := make(map[common.ASID]bool)
	hosts := make(map[common.NodeID]common.ASID)
	routers := make(map[common.NodeID]common.ASID)
	next := common.NodeID(1)

	for i, as := range c.AutonomousSystems {
		if as == nil {
			return fmt.Errorf("topology: autonomous system %d is empty", i)
		}
		if as.ID == nil {
			return fmt.Errorf("topology: autonomous system %d: %w: id", i, ErrMissingKey)
		}
		if as.NodeCount == nil {
			return fmt.Errorf("topology: %s: %w: node_count", *as.ID, ErrMissingKey)
		}

		id := *as.ID
		if id == 0 || id > math.MaxUint8 {
			return fmt.Errorf("topology: AS id must be between 1 and %d: %d", math.MaxUint8, id)
		}
		if seenAS[id] {
			return fmt.Errorf("topology: duplicate %s", id)
		}
		seenAS[id] = true

		if *as.NodeCount < 1 {
			return fmt.Errorf("topology: %s: node_count too small: %d", id, *as.NodeCount)
		}

		if as.RouterPortCount == 0 {
			as.RouterPortCount = router.DefaultPortCount
		}
		if as.RouterPortCount < 1 {
			return fmt.Errorf("topology: %s: router_port_count too small: %d", id, as.RouterPortCount)
		}

		// Layout and IGP are optional and default to a RIP mesh. Only id and
		// node_count are required.
		if as.TopologyType == "" {
			as.TopologyType = TypeMesh
		}
		if _, err := layoutFor(as.TopologyType, *as.NodeCount); err != nil {
			return fmt.Errorf("topology: %s: %w", id, err)
		}

		as.igp = router.ProtocolRIP
		if as.RoutingProtocol != "" {
			igp, err := router.ParseIGP(as.RoutingProtocol)
			if err != nil {
				return fmt.Errorf("topology: %s: %w", id, err)
			}
			as.igp = igp
		}

		as.firstRouter = next
		if int(next)+*as.NodeCount-1 > maxNodeID {
			return fmt.Errorf("topology: %s: too many nodes", id)
		}
		for _, r := range as.Routers() {
			if other, ok := hosts[r]; ok {
				return fmt.Errorf("topology: %s: router id %d is already a host in %s", id, r, other)
			}
			routers[r] = id
		}
		next += common.NodeID(*as.NodeCount)

		if err := checkRouters(as, "broken_routers", as.BrokenRouters); err != nil {
			return err
		}
		if err := checkRouters(as, "dhcpServers", as.DHCPServers); err != nil {
			return err
		}
		if err := checkRouters(as, "as_gateways", as.ASGateways); err != nil {
			return err
		}

		for _, gw := range as.Gateways {
			if gw.Node == nil {
				return fmt.Errorf("topology: %s: gateway: %w: node", id, ErrMissingKey)
			}
			if !as.hasRouter(*gw.Node) {
				return fmt.Errorf("topology: %s: gateway %d is not a router in this AS", id, *gw.Node)
			}
			for _, u := range gw.Users {
				if u == 0 || u > maxNodeID {
					return fmt.Errorf("topology: %s: invalid host id %d", id, u)
				}
				if other, ok := routers[u]; ok {
					return fmt.Errorf("topology: %s: host id %d is already a router in %s", id, u, other)
				}
				if other, ok := hosts[u]; ok {
					return fmt.Errorf("topology: %s: duplicate host id %d (also in %s)", id, u, other)
				}
				hosts[u] = id
				next = max(next, u+1)
			}
		}
	}

	for _, l := range c.ASLinks {
		if l.FromAS == l.ToAS {
			return fmt.Errorf("topology: AS link %d-%d must join two different ASes", l.FromNode, l.ToNode)
		}
		for _, end := range []struct {
			as   common.ASID
			node common.NodeID
		}{{l.FromAS, l.FromNode}, {l.ToAS, l.ToNode}} {
			as, ok := c.AS(end.as)
			if !ok {
				return fmt.Errorf("topology: AS link references unknown %s", end.as)
			}
			if !as.hasRouter(end.node) {
				return fmt.Errorf("topology: AS link references router %d, which is not in %s", end.node, end.as)
			}
		}
	}

	return nil
}

func checkRouters(as *ASConfig, key string, ids []common.NodeID) error {
	for _, r := range ids {
		if !as.hasRouter(r) {
			return fmt.Errorf("topology: %s: %s: %d is not a router in this AS", *as.ID, key, r)
		}
	}
	if len(slices.Compact(slices.Sorted(slices.Values(ids)))) != len(ids) {
		return fmt.Errorf("topology: %s: %s has duplicates", *as.ID, key)
	}
	return nil
}
