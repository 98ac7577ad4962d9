// Package udp implements the UDP (RFC 768) wire codec.
// The checksum covers an IP pseudo-header (IPv4 or IPv6) supplied by the
// caller as Context, matching the parse(bytes, context) shape used
// throughout the transport-layer codecs.
package udp

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/checksum"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "udp"

// HeaderLen is the fixed 8-byte UDP header length.
const HeaderLen = 8

// ProtocolNumber is the IP protocol number assigned to UDP.
const ProtocolNumber = 17

// LayerType tags parsed/assembled UDP datagrams for statistics and tracing.
var LayerType = gopacket.RegisterLayerType(1706, gopacket.LayerTypeMetadata{Name: "UDP"})

// Context carries the pseudo-header fields the checksum needs, built via
// ContextIPv4 or ContextIPv6.
type Context struct {
	pseudoSum uint32
}

// ContextIPv4 builds a Context from an IPv4 pseudo-header.
func ContextIPv4(src, dst [4]byte, length uint16) Context {
	return Context{pseudoSum: checksum.PseudoHeaderIP4(src, dst, ProtocolNumber, length)}
}

// ContextIPv6 builds a Context from an IPv6 pseudo-header.
func ContextIPv6(src, dst [16]byte, length uint32) Context {
	return Context{pseudoSum: checksum.PseudoHeaderIP6(src, dst, ProtocolNumber, length)}
}

// Datagram is the frozen UDP datagram type.
type Datagram struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

func (d *Datagram) LayerType() gopacket.LayerType { return LayerType }

// Parse validates the length field and, unless the wire checksum is zero,
// the checksum over ctx's pseudo-header plus the datagram, then decodes it. A wire checksum of zero means "no checksum
// computed" per RFC 768 and is accepted without verification.
func Parse(data []byte, ctx Context) (*Datagram, error) {
	if len(data) < HeaderLen {
		return nil, protoerr.NewIntegrity(proto, "datagram too short: %d bytes", len(data))
	}
	length := binary.BigEndian.Uint16(data[4:6])
	if int(length) != len(data) {
		return nil, protoerr.NewIntegrity(proto, "length field %d does not match frame %d", length, len(data))
	}
	wireSum := binary.BigEndian.Uint16(data[6:8])
	if wireSum != 0 {
		sum := checksum.Accumulate(ctx.pseudoSum, data)
		if checksum.Fold(sum) != 0 {
			return nil, protoerr.NewIntegrity(proto, "checksum mismatch")
		}
	}
	return &Datagram{
		SrcPort: binary.BigEndian.Uint16(data[0:2]),
		DstPort: binary.BigEndian.Uint16(data[2:4]),
		Payload: append([]byte(nil), data[HeaderLen:]...),
	}, nil
}

// ToBytes assembles d, recomputing the checksum over ctx's pseudo-header
// plus the datagram. If the recomputed checksum would be zero, it is sent
// as the all-ones value per RFC 768 (zero is reserved for "no checksum").
func (d *Datagram) ToBytes(ctx Context) []byte {
	b := make([]byte, HeaderLen+len(d.Payload))
	binary.BigEndian.PutUint16(b[0:2], d.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], d.DstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)))
	copy(b[HeaderLen:], d.Payload)

	sum := checksum.Accumulate(ctx.pseudoSum, b)
	folded := checksum.Fold(sum)
	if folded == 0 {
		folded = 0xffff
	}
	binary.BigEndian.PutUint16(b[6:8], folded)
	return b
}
