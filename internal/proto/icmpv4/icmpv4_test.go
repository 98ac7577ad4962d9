package icmpv4_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/proto/icmpv4"
)

func TestRoundTripEchoRequest(t *testing.T) {
	want := &icmpv4.Message{Body: icmpv4.NewEchoRequest(0x1234, 1, []byte("abcd"))}
	got, err := icmpv4.Parse(want.ToBytes())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(icmpv4.Echo{})); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEchoReplyFromRequest(t *testing.T) {
	req := icmpv4.NewEchoRequest(0x1234, 1, []byte("abcd"))
	reply := icmpv4.NewEchoReply(req.ID, req.Seq, req.Data)
	assert.True(t, reply.IsReply())
	assert.False(t, req.IsReply())
}

func TestRoundTripDestinationUnreachableFragNeeded(t *testing.T) {
	want := &icmpv4.Message{Body: icmpv4.DestinationUnreachable{
		Code: icmpv4.CodeFragNeeded, NextHopMTU: 1500, OriginalDatagram: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}}
	got, err := icmpv4.Parse(want.ToBytes())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownTypeRoundTrips(t *testing.T) {
	want := &icmpv4.Message{Body: icmpv4.Unknown{Type: 30, Code: 0, Rest: []byte{9, 9}}}
	got, err := icmpv4.Parse(want.ToBytes())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestChecksumBitFlipFailsIntegrity(t *testing.T) {
	m := &icmpv4.Message{Body: icmpv4.NewEchoRequest(1, 1, []byte("x"))}
	b := m.ToBytes()
	b[2] ^= 0x01
	_, err := icmpv4.Parse(b)
	assert.Error(t, err)
}
