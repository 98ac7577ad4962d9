package addr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/addr"
)

func TestIPv6Predicates(t *testing.T) {
	tests := []struct {
		s         string
		predicate func(addr.IPv6) bool
	}{
		{"::", addr.IPv6.IsUnspecified},
		{"::1", addr.IPv6.IsLoopback},
		{"fe80::1", addr.IPv6.IsLinkLocal},
		{"ff02::1", addr.IPv6.IsMulticast},
		{"fc00::1", addr.IPv6.IsULA},
		{"2001:db8::1", addr.IPv6.IsReserved},
		{"2607:f8b0::1", addr.IPv6.IsGlobal},
	}
	for _, tt := range tests {
		ip, err := addr.ParseIPv6(tt.s)
		require.NoError(t, err)
		assert.True(t, tt.predicate(ip), "%s should satisfy its predicate", tt.s)
	}
}

func TestIPv6GatewayMustBeLinkLocal(t *testing.T) {
	network := addr.NewIPv6Network(mustIPv6(t, "2001:db8::"), mustMask6(t, 64))
	host := mustIPv6(t, "2001:db8::5")
	bad := mustIPv6(t, "2001:db8::1")
	_, err := addr.NewIPv6Host(host, network, &bad, addr.OriginStatic)
	assert.ErrorIs(t, err, addr.ErrGatewayNotLinkLocal)

	gw := mustIPv6(t, "fe80::1")
	h, err := addr.NewIPv6Host(host, network, &gw, addr.OriginStatic)
	require.NoError(t, err)
	assert.Equal(t, gw, *h.Gateway)
}

func TestIPv6GatewayNotSelf(t *testing.T) {
	network := addr.NewIPv6Network(mustIPv6(t, "fe80::"), mustMask6(t, 64))
	host := mustIPv6(t, "fe80::5")
	_, err := addr.NewIPv6Host(host, network, &host, addr.OriginStatic)
	assert.ErrorIs(t, err, addr.ErrGatewaySelf)
}

func TestSolicitedNodeMulticast(t *testing.T) {
	target := mustIPv6(t, "2001:db8::1:2:ff12:3456")
	sn := target.SolicitedNodeMulticast()
	assert.Equal(t, "ff02::1:ff12:3456", sn.String())
	assert.True(t, sn.IsSolicitedNodeMulticast())
}

func TestIPv6MaskContiguity(t *testing.T) {
	m, err := addr.NewIPv6MaskFromOnes(64)
	require.NoError(t, err)
	assert.Equal(t, 64, m.Ones())

	bad := [16]byte{0xff, 0x0f}
	_, err = addr.IPv6MaskFromBytes(bad)
	assert.ErrorIs(t, err, addr.ErrMaskNonContig)
}

func mustIPv6(t *testing.T, s string) addr.IPv6 {
	t.Helper()
	ip, err := addr.ParseIPv6(s)
	require.NoError(t, err)
	return ip
}

func mustMask6(t *testing.T, ones int) addr.IPv6Mask {
	t.Helper()
	m, err := addr.NewIPv6MaskFromOnes(ones)
	require.NoError(t, err)
	return m
}
