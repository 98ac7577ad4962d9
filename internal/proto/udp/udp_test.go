package udp_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/ustack/internal/proto/udp"
)

func TestRoundTripIPv4(t *testing.T) {
	src, dst := [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}
	want := &udp.Datagram{SrcPort: 5000, DstPort: 53, Payload: []byte("query")}
	wire := want.ToBytes(udp.ContextIPv4(src, dst, uint16(udp.HeaderLen+len(want.Payload))))
	got, err := udp.Parse(wire, udp.ContextIPv4(src, dst, uint16(len(wire))))
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripIPv6(t *testing.T) {
	var src, dst [16]byte
	src[15], dst[15] = 1, 2
	want := &udp.Datagram{SrcPort: 5000, DstPort: 53, Payload: []byte("query")}
	wire := want.ToBytes(udp.ContextIPv6(src, dst, uint32(udp.HeaderLen+len(want.Payload))))
	got, err := udp.Parse(wire, udp.ContextIPv6(src, dst, uint32(len(wire))))
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLengthMismatchFailsIntegrity(t *testing.T) {
	src, dst := [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}
	d := &udp.Datagram{SrcPort: 1, DstPort: 2, Payload: []byte("x")}
	wire := d.ToBytes(udp.ContextIPv4(src, dst, 9))
	wire = append(wire, 0xff)
	_, err := udp.Parse(wire, udp.ContextIPv4(src, dst, uint16(len(wire))))
	assert.Error(t, err)
}

func TestZeroWireChecksumSkipsVerification(t *testing.T) {
	src, dst := [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}
	d := &udp.Datagram{SrcPort: 1, DstPort: 2, Payload: []byte("x")}
	wire := d.ToBytes(udp.ContextIPv4(src, dst, 9))
	wire[6], wire[7] = 0, 0
	_, err := udp.Parse(wire, udp.ContextIPv4([4]byte{9, 9, 9, 9}, dst, uint16(len(wire))))
	assert.NoError(t, err)
}

func TestChecksumBitFlipFailsIntegrity(t *testing.T) {
	src, dst := [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}
	d := &udp.Datagram{SrcPort: 1, DstPort: 2, Payload: []byte("x")}
	wire := d.ToBytes(udp.ContextIPv4(src, dst, 9))
	wire[8] ^= 0x01
	_, err := udp.Parse(wire, udp.ContextIPv4(src, dst, uint16(len(wire))))
	assert.Error(t, err)
}
