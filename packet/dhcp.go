package packet

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/davidbalbert/routesim/common"
)

var tcpAck = []byte("TCP_ACK")

func TCPAck() []byte {
	return bytes.Clone(tcpAck)
}

func IsTCPAck(payload []byte) bool {
	return bytes.Equal(payload, tcpAck)
}

func DHCPRequest(client common.NodeID) []byte {
	return []byte(fmt.Sprintf("DHCP_REQUEST:%d", client))
}

func DHCPOffer(addr netip.Addr, client common.NodeID) []byte {
	return []byte(fmt.Sprintf("DHCP_OFFER:%s:%d", addr, client))
}

func ParseDHCPRequest(payload []byte) (common.NodeID, error) {
	fields := strings.Split(string(payload), ":")
	if len(fields) != 2 || fields[0] != "DHCP_REQUEST" {
		return 0, fmt.Errorf("%w: bad dhcp request %q", ErrMalformed, payload)
	}

	return parseClient(fields[1])
}

func ParseDHCPOffer(payload []byte) (netip.Addr, common.NodeID, error) {
	fields := strings.Split(string(payload), ":")
	if len(fields) != 3 || fields[0] != "DHCP_OFFER" {
		return netip.Addr{}, 0, fmt.Errorf("%w: bad dhcp offer %q", ErrMalformed, payload)
	}

	addr, err := netip.ParseAddr(fields[1])
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: bad dhcp offer address: %v", ErrMalformed, err)
	}

	client, err := parseClient(fields[2])
	if err != nil {
		return netip.Addr{}, 0, err
	}

	return addr, client, nil
}

func parseClient(s string) (common.NodeID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad client id %q", ErrMalformed, s)
	}
	return common.NodeID(id), nil
}
