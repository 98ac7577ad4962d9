package addr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/addr"
)

func TestIPv4Predicates(t *testing.T) {
	tests := []struct {
		s         string
		predicate func(addr.IPv4) bool
	}{
		{"0.0.0.0", addr.IPv4.IsUnspecified},
		{"0.1.2.3", addr.IPv4.IsInvalid},
		{"127.0.0.1", addr.IPv4.IsLoopback},
		{"169.254.1.1", addr.IPv4.IsLinkLocal},
		{"224.0.0.1", addr.IPv4.IsMulticast},
		{"192.168.1.1", addr.IPv4.IsPrivate},
		{"240.0.0.1", addr.IPv4.IsReserved},
		{"255.255.255.255", addr.IPv4.IsLimitedBroadcast},
		{"8.8.8.8", addr.IPv4.IsGlobal},
	}
	for _, tt := range tests {
		ip, err := addr.ParseIPv4(tt.s)
		require.NoError(t, err)
		assert.True(t, tt.predicate(ip), "%s should satisfy its predicate", tt.s)
	}
}

func TestIPv4PredicatesDisjoint(t *testing.T) {
	// Every globally routable unicast address must satisfy IsUnicast.
	ip, err := addr.ParseIPv4("8.8.8.8")
	require.NoError(t, err)
	assert.True(t, ip.IsGlobal())
	assert.True(t, ip.IsUnicast())

	mc, _ := addr.ParseIPv4("224.0.0.1")
	assert.False(t, mc.IsUnicast())
}

func TestIPv4MaskContiguity(t *testing.T) {
	m, err := addr.NewIPv4MaskFromOnes(24)
	require.NoError(t, err)
	assert.Equal(t, 24, m.Ones())
	assert.Equal(t, "/24", m.String())

	_, err = addr.IPv4MaskFromBytes([4]byte{0xff, 0x00, 0xff, 0x00})
	assert.ErrorIs(t, err, addr.ErrMaskNonContig)
}

func TestIPv4HostInNetwork(t *testing.T) {
	network := addr.NewIPv4Network(mustIPv4(t, "10.0.0.0"), mustMask4(t, 24))
	host, err := addr.NewIPv4Host(mustIPv4(t, "10.0.0.5"), network, nil, addr.OriginStatic)
	require.NoError(t, err)
	assert.True(t, host.Network.Contains(host.Address))

	_, err = addr.NewIPv4Host(mustIPv4(t, "10.0.1.5"), network, nil, addr.OriginStatic)
	assert.ErrorIs(t, err, addr.ErrHostNotInNet)
}

func TestIPv4HostGatewayMustBeInNetwork(t *testing.T) {
	network := addr.NewIPv4Network(mustIPv4(t, "10.0.0.0"), mustMask4(t, 24))
	gw := mustIPv4(t, "10.0.1.1")
	_, err := addr.NewIPv4Host(mustIPv4(t, "10.0.0.5"), network, &gw, addr.OriginStatic)
	assert.ErrorIs(t, err, addr.ErrGatewayNotInNet)
}

func mustIPv4(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	ip, err := addr.ParseIPv4(s)
	require.NoError(t, err)
	return ip
}

func mustMask4(t *testing.T, ones int) addr.IPv4Mask {
	t.Helper()
	m, err := addr.NewIPv4MaskFromOnes(ones)
	require.NoError(t, err)
	return m
}
