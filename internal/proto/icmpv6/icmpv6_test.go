package icmpv6_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/proto/icmpv6"
)

func mustIP(t *testing.T, s string) addr.IPv6 {
	t.Helper()
	ip, err := addr.ParseIPv6(s)
	require.NoError(t, err)
	return ip
}

func mustMAC(t *testing.T, s string) addr.MAC {
	t.Helper()
	m, err := addr.ParseMAC(s)
	require.NoError(t, err)
	return m
}

func TestRoundTripEcho(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "2001:db8::1"), DstIP: mustIP(t, "2001:db8::2"), HopLimit: 64}
	want := &icmpv6.Message{Body: icmpv6.NewEchoRequest(7, 1, []byte("abcd"))}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(icmpv6.Echo{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripDestinationUnreachable(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "2001:db8::1"), DstIP: mustIP(t, "2001:db8::2"), HopLimit: 64}
	want := &icmpv6.Message{Code: icmpv6.CodeAddrUnreach, Body: icmpv6.DestinationUnreachable{
		Code: icmpv6.CodeAddrUnreach, OriginalDatagram: []byte{1, 2, 3, 4},
	}}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripRouterSolicitationWithSLLA(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "fe80::1"), DstIP: mustIP(t, "ff02::2"), HopLimit: icmpv6.NDHopLimit}
	want := &icmpv6.Message{Body: icmpv6.RouterSolicitation{
		Options: []icmpv6.Option{icmpv6.OptionSLLA{MAC: mustMAC(t, "02:00:00:00:00:01")}},
	}}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterSolicitationFromUnspecifiedRejectsSLLA(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: addr.IPv6Unspecified, DstIP: mustIP(t, "ff02::2"), HopLimit: icmpv6.NDHopLimit}
	m := &icmpv6.Message{Body: icmpv6.RouterSolicitation{
		Options: []icmpv6.Option{icmpv6.OptionSLLA{MAC: mustMAC(t, "02:00:00:00:00:01")}},
	}}
	_, err := icmpv6.Parse(m.ToBytes(ctx), ctx)
	assert.Error(t, err)
}

func TestRouterSolicitationWrongDestinationFails(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "fe80::1"), DstIP: mustIP(t, "ff02::1"), HopLimit: icmpv6.NDHopLimit}
	m := &icmpv6.Message{Body: icmpv6.RouterSolicitation{}}
	_, err := icmpv6.Parse(m.ToBytes(ctx), ctx)
	assert.Error(t, err)
}

func TestRoundTripRouterAdvertisementWithPIAndMTU(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "fe80::1"), DstIP: mustIP(t, "ff02::1"), HopLimit: icmpv6.NDHopLimit}
	want := &icmpv6.Message{Body: icmpv6.RouterAdvertisement{
		CurHopLimit: 64, ManagedFlag: true, RouterLifetime: 1800, ReachableTime: 0, RetransTimer: 0,
		Options: []icmpv6.Option{
			icmpv6.OptionPI{PrefixLength: 64, OnLink: true, Autonomous: true,
				ValidLifetime: 2592000, PreferredLifetime: 604800, Prefix: mustIP(t, "2001:db8::")},
			icmpv6.OptionMTU{MTU: 1500},
		},
	}}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterAdvertisementRequiresLinkLocalSource(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "2001:db8::1"), DstIP: mustIP(t, "ff02::1"), HopLimit: icmpv6.NDHopLimit}
	m := &icmpv6.Message{Body: icmpv6.RouterAdvertisement{}}
	_, err := icmpv6.Parse(m.ToBytes(ctx), ctx)
	assert.Error(t, err)
}

func TestRoundTripNeighborSolicitation(t *testing.T) {
	target := mustIP(t, "2001:db8::1:2:3456")
	ctx := icmpv6.Context{SrcIP: mustIP(t, "2001:db8::9"), DstIP: target.SolicitedNodeMulticast(), HopLimit: icmpv6.NDHopLimit}
	want := &icmpv6.Message{Body: icmpv6.NeighborSolicitation{
		Target:  target,
		Options: []icmpv6.Option{icmpv6.OptionSLLA{MAC: mustMAC(t, "02:00:00:00:00:02")}},
	}}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestNeighborSolicitationWrongDestinationFails(t *testing.T) {
	target := mustIP(t, "2001:db8::1:2:3456")
	ctx := icmpv6.Context{SrcIP: mustIP(t, "2001:db8::9"), DstIP: mustIP(t, "2001:db8::9999"), HopLimit: icmpv6.NDHopLimit}
	m := &icmpv6.Message{Body: icmpv6.NeighborSolicitation{Target: target}}
	_, err := icmpv6.Parse(m.ToBytes(ctx), ctx)
	assert.Error(t, err)
}

func TestRoundTripNeighborAdvertisementSolicited(t *testing.T) {
	target := mustIP(t, "2001:db8::1")
	ctx := icmpv6.Context{SrcIP: target, DstIP: mustIP(t, "2001:db8::9"), HopLimit: icmpv6.NDHopLimit}
	want := &icmpv6.Message{Body: icmpv6.NeighborAdvertisement{
		SolicitedFlag: true, OverrideFlag: true, Target: target,
		Options: []icmpv6.Option{icmpv6.OptionTLLA{MAC: mustMAC(t, "02:00:00:00:00:03")}},
	}}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsolicitedNeighborAdvertisementMustTargetAllNodes(t *testing.T) {
	target := mustIP(t, "2001:db8::1")
	ctx := icmpv6.Context{SrcIP: target, DstIP: mustIP(t, "2001:db8::9"), HopLimit: icmpv6.NDHopLimit}
	m := &icmpv6.Message{Body: icmpv6.NeighborAdvertisement{SolicitedFlag: false, Target: target}}
	_, err := icmpv6.Parse(m.ToBytes(ctx), ctx)
	assert.Error(t, err)
}

func TestNDWrongHopLimitFails(t *testing.T) {
	target := mustIP(t, "2001:db8::1")
	ctx := icmpv6.Context{SrcIP: target, DstIP: mustIP(t, "ff02::1"), HopLimit: 63}
	m := &icmpv6.Message{Body: icmpv6.NeighborAdvertisement{SolicitedFlag: false, Target: target}}
	_, err := icmpv6.Parse(m.ToBytes(ctx), ctx)
	assert.Error(t, err)
}

func TestRoundTripMLDv2Report(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "fe80::1"), DstIP: mustIP(t, "ff02::16"), HopLimit: icmpv6.MLDHopLimit}
	want := &icmpv6.Message{Body: icmpv6.MLDv2Report{
		Records: []icmpv6.MLDv2MulticastRecord{
			{RecordType: 1, MulticastAddress: mustIP(t, "ff02::1:3"), Sources: []addr.IPv6{mustIP(t, "2001:db8::1")}},
		},
	}}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMLDv2ReportWrongHopLimitFails(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "fe80::1"), DstIP: mustIP(t, "ff02::16"), HopLimit: 2}
	m := &icmpv6.Message{Body: icmpv6.MLDv2Report{}}
	_, err := icmpv6.Parse(m.ToBytes(ctx), ctx)
	assert.Error(t, err)
}

func TestUnknownTypeRoundTrips(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "2001:db8::1"), DstIP: mustIP(t, "2001:db8::2"), HopLimit: 64}
	want := &icmpv6.Message{Body: icmpv6.Unknown{Type: 200, Code: 0, Rest: []byte{9, 9}}}
	got, err := icmpv6.Parse(want.ToBytes(ctx), ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestChecksumBitFlipFailsIntegrity(t *testing.T) {
	ctx := icmpv6.Context{SrcIP: mustIP(t, "2001:db8::1"), DstIP: mustIP(t, "2001:db8::2"), HopLimit: 64}
	m := &icmpv6.Message{Body: icmpv6.NewEchoRequest(1, 1, []byte("x"))}
	b := m.ToBytes(ctx)
	b[2] ^= 0x01
	_, err := icmpv6.Parse(b, ctx)
	assert.Error(t, err)
}
