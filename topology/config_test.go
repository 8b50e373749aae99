package topology

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidbalbert/routesim/common"
	"github.com/davidbalbert/routesim/router"
)

const twoASJSON = `
{
  "autonomous_systems": [
    {
      "id": 1,
      "node_count": 4,
      "topology_type": "Mesh",
      "routing_protocol": "RIP",
      "gateways": [{"node": 1, "users": [5]}],
      "as_gateways": [4]
    },
    {
      "id": 2,
      "node_count": 4,
      "router_port_count": 8,
      "topology_type": "Mesh",
      "routing_protocol": "OSPF",
      "gateways": [{"node": 9, "users": [10]}],
      "as_gateways": [6]
    }
  ]
}`

func TestParseJSON(t *testing.T) {
	c, err := Parse(strings.NewReader(twoASJSON))
	require.NoError(t, err)
	require.Len(t, c.AutonomousSystems, 2)

	as1, as2 := c.AutonomousSystems[0], c.AutonomousSystems[1]
	assert.Equal(t, []common.NodeID{1, 2, 3, 4}, as1.Routers())
	assert.Equal(t, []common.NodeID{6, 7, 8, 9}, as2.Routers(), "router ids start after the hosts of earlier ASes")
	assert.Equal(t, router.ProtocolRIP, as1.IGP())
	assert.Equal(t, router.ProtocolOSPF, as2.IGP())
	assert.Equal(t, router.DefaultPortCount, as1.RouterPortCount)
	assert.Equal(t, 8, as2.RouterPortCount)

	assert.Equal(t, []ASLink{{FromAS: 1, FromNode: 4, ToAS: 2, ToNode: 6}}, c.Links())
}

func TestParseYAMLDefaults(t *testing.T) {
	c, err := Parse(strings.NewReader(`
autonomous_systems:
  - id: 3
    node_count: 7
    broken_routers: [2]
    dhcpServers: [7]
`))
	require.NoError(t, err)

	as, ok := c.AS(3)
	require.True(t, ok)
	assert.Equal(t, TypeMesh, as.TopologyType)
	assert.Equal(t, router.ProtocolRIP, as.IGP())
	assert.Equal(t, common.NodeID(7), as.RouterID(6))
	assert.Empty(t, c.Links())
}

func TestParseExplicitLinks(t *testing.T) {
	c, err := Parse(strings.NewReader(`
autonomous_systems:
  - {id: 1, node_count: 2, as_gateways: [1]}
  - {id: 2, node_count: 2, as_gateways: [3]}
as_links:
  - {from_as: 1, from_node: 2, to_as: 2, to_node: 4}
`))
	require.NoError(t, err)
	assert.Equal(t, []ASLink{{FromAS: 1, FromNode: 2, ToAS: 2, ToNode: 4}}, c.Links(), "explicit links win over as_gateways")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		missing bool
	}{
		{"missing id", `{"autonomous_systems": [{"node_count": 4}]}`, true},
		{"missing node_count", `{"autonomous_systems": [{"id": 1}]}`, true},
		{"missing gateway node", "autonomous_systems:\n  - {id: 1, node_count: 2, gateways: [{users: [3]}]}", true},
		{"unknown json field", `{"autonomous_systems": [{"id": 1, "node_count": 4, "colour": "red"}]}`, false},
		{"unknown yaml field", "autonomous_systems:\n  - {id: 1, node_count: 4}\nextra: true", false},
		{"empty", "", false},
		{"no systems", `{"autonomous_systems": []}`, false},
		{"zero nodes", `{"autonomous_systems": [{"id": 1, "node_count": 0}]}`, false},
		{"duplicate as", `{"autonomous_systems": [{"id": 1, "node_count": 1}, {"id": 1, "node_count": 1}]}`, false},
		{"bad protocol", `{"autonomous_systems": [{"id": 1, "node_count": 1, "routing_protocol": "IS-IS"}]}`, false},
		{"bad type", `{"autonomous_systems": [{"id": 1, "node_count": 1, "topology_type": "Hypercube"}]}`, false},
		{"ragged torus", `{"autonomous_systems": [{"id": 1, "node_count": 15, "topology_type": "Torus"}]}`, false},
		{"host is a router", `{"autonomous_systems": [{"id": 1, "node_count": 4, "gateways": [{"node": 1, "users": [3]}]}]}`, false},
		{"duplicate host", `{"autonomous_systems": [{"id": 1, "node_count": 2, "gateways": [{"node": 1, "users": [3]}, {"node": 2, "users": [3]}]}]}`, false},
		{"gateway outside as", `{"autonomous_systems": [{"id": 1, "node_count": 2, "gateways": [{"node": 7, "users": [8]}]}]}`, false},
		{"broken outside as", `{"autonomous_systems": [{"id": 1, "node_count": 2, "broken_routers": [3]}]}`, false},
		{"link to unknown as", `{"autonomous_systems": [{"id": 1, "node_count": 2}], "as_links": [{"from_as": 1, "from_node": 1, "to_as": 9, "to_node": 1}]}`, false},
		{"link inside one as", `{"autonomous_systems": [{"id": 1, "node_count": 2}], "as_links": [{"from_as": 1, "from_node": 1, "to_as": 1, "to_node": 2}]}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			if tt.missing {
				assert.ErrorIs(t, err, ErrMissingKey)
			}
		})
	}
}
