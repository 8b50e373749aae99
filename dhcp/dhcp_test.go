package dhcp

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferReusesAddress(t *testing.T) {
	s, err := NewServer(PoolPrefix(1), LeaseDuration)
	require.NoError(t, err)

	a1, err := s.Offer(24, 0)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.128.1"), a1)

	a2, err := s.Offer(25, 0)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.128.2"), a2)

	again, err := s.Offer(24, 100)
	require.NoError(t, err)
	assert.Equal(t, a1, again)

	leases := s.Leases()
	require.Len(t, leases, 2)
	assert.Equal(t, uint64(400), leases[0].Expires)
}

func TestExpireFreesAddresses(t *testing.T) {
	s, err := NewServer(netip.MustParsePrefix("10.1.128.0/30"), 10)
	require.NoError(t, err)

	a1, err := s.Offer(1, 0)
	require.NoError(t, err)
	_, err = s.Offer(2, 5)
	require.NoError(t, err)

	_, err = s.Offer(3, 5)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	expired := s.Expire(10)
	require.Len(t, expired, 1)
	assert.Equal(t, a1, expired[0].Addr)

	a3, err := s.Offer(3, 11)
	require.NoError(t, err)
	assert.Equal(t, a1, a3)
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewServer(netip.Prefix{}, 10)
	assert.Error(t, err)

	_, err = NewServer(PoolPrefix(1), 0)
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	pools, err := Split(PoolPrefix(2), 3)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.2.128.0/19"),
		netip.MustParsePrefix("10.2.160.0/19"),
		netip.MustParsePrefix("10.2.192.0/19"),
	}, pools)

	pools, err = Split(PoolPrefix(2), 1)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{PoolPrefix(2)}, pools)

	_, err = Split(netip.MustParsePrefix("10.2.128.0/30"), 2)
	assert.Error(t, err)

	_, err = Split(PoolPrefix(2), 0)
	assert.Error(t, err)
}
