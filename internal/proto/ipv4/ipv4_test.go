package ipv4_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/proto/ipv4"
)

func mustIP(t *testing.T, s string) addr.IPv4 {
	t.Helper()
	ip, err := addr.ParseIPv4(s)
	require.NoError(t, err)
	return ip
}

func TestRoundTripNoOptions(t *testing.T) {
	want := &ipv4.Header{
		TTL: 64, Protocol: ipv4.ProtocolICMP,
		SrcIP: mustIP(t, "192.168.9.7"), DstIP: mustIP(t, "192.168.9.102"),
		TotalLength:    24,
		Identification: 0xbeef,
		Payload:        []byte("abcd"),
	}
	got, err := ipv4.Parse(want.ToBytes())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripWithOptions(t *testing.T) {
	want := &ipv4.Header{
		TTL: 32, Protocol: ipv4.ProtocolUDP,
		SrcIP: mustIP(t, "10.0.0.1"), DstIP: mustIP(t, "10.0.0.2"),
		TotalLength: 26,
		Options: []ipv4.Option{
			ipv4.OptionUnknown{Type: 0x44, Len: 4, Data: []byte{1, 2}},
		},
		Payload: []byte{0xaa, 0xbb},
	}
	got, err := ipv4.Parse(want.ToBytes())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestChecksumBitFlipFailsIntegrity(t *testing.T) {
	h := &ipv4.Header{TTL: 64, Protocol: ipv4.ProtocolICMP, SrcIP: mustIP(t, "1.1.1.1"), DstIP: mustIP(t, "2.2.2.2")}
	b := h.ToBytes()
	b[10] ^= 0x01
	_, err := ipv4.Parse(b)
	assert.Error(t, err)
}

func TestSanityTTLZero(t *testing.T) {
	h := &ipv4.Header{TTL: 0, Protocol: ipv4.ProtocolICMP, SrcIP: mustIP(t, "1.1.1.1"), DstIP: mustIP(t, "2.2.2.2")}
	_, err := ipv4.Parse(h.ToBytes())
	assert.Error(t, err)
}

func TestSanityDFAndMFForbidden(t *testing.T) {
	h := &ipv4.Header{TTL: 64, Protocol: ipv4.ProtocolICMP, FlagDF: true, FlagMF: true,
		SrcIP: mustIP(t, "1.1.1.1"), DstIP: mustIP(t, "2.2.2.2")}
	_, err := ipv4.Parse(h.ToBytes())
	assert.Error(t, err)
}

func TestSanityDFRequiresZeroOffset(t *testing.T) {
	h := &ipv4.Header{TTL: 64, Protocol: ipv4.ProtocolICMP, FlagDF: true, FragmentOffset: 5,
		SrcIP: mustIP(t, "1.1.1.1"), DstIP: mustIP(t, "2.2.2.2")}
	_, err := ipv4.Parse(h.ToBytes())
	assert.Error(t, err)
}

func TestSanitySourceMulticastRejected(t *testing.T) {
	h := &ipv4.Header{TTL: 64, Protocol: ipv4.ProtocolICMP, SrcIP: mustIP(t, "224.0.0.1"), DstIP: mustIP(t, "2.2.2.2")}
	_, err := ipv4.Parse(h.ToBytes())
	assert.Error(t, err)
}
