// Package ipv6 implements the IPv6 (RFC 8200) base header and Fragment
// extension header wire codec.
package ipv6

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "ipv6"

// BaseHeaderLen is the fixed 40-byte IPv6 base header length.
const BaseHeaderLen = 40

// FragmentHeaderLen is the fixed 8-byte Fragment extension header length.
const FragmentHeaderLen = 8

const version = 6

// NextHeaderFragment is the next-header value identifying the Fragment
// extension header (RFC 8200 §4.5).
const NextHeaderFragment uint8 = 44

// Protocol identifies the encapsulated transport/ICMP payload.
type Protocol uint8

const (
	ProtocolICMPv6 Protocol = 58
	ProtocolTCP    Protocol = 6
	ProtocolUDP    Protocol = 17
)

// LayerType tags parsed/assembled IPv6 headers for statistics and tracing.
var LayerType = gopacket.RegisterLayerType(1703, gopacket.LayerTypeMetadata{Name: "IPv6"})

// FragmentHeader is the Fragment extension header (RFC 8200 §4.5).
type FragmentHeader struct {
	NextHeader     uint8
	FragmentOffset uint16 // in 8-byte units, 13 bits
	MoreFragments  bool
	Identification uint32
}

// Header is the frozen, value-equal IPv6 message type. Fragment is non-nil
// iff NextHeader == NextHeaderFragment; in that case Fragment.NextHeader
// names the true upper-layer protocol.
type Header struct {
	TrafficClass uint8
	FlowLabel    uint32 // 20 bits
	HopLimit     uint8
	SrcIP        addr.IPv6
	DstIP        addr.IPv6
	NextHeader   uint8
	Fragment     *FragmentHeader
	Payload      []byte
}

func (h *Header) LayerType() gopacket.LayerType { return LayerType }

// UpperProtocol returns the protocol number of the upper-layer payload,
// looking through the Fragment extension header when present.
func (h *Header) UpperProtocol() Protocol {
	if h.Fragment != nil {
		return Protocol(h.Fragment.NextHeader)
	}
	return Protocol(h.NextHeader)
}

// Parse validates integrity (length, payload-length consistency) and
// decodes the base header plus, when present, the Fragment extension
// header. There are no IPv6-specific sanity rules here; the hop-limit and
// address-class rules that apply to ICMPv6 ND messages are enforced by
// internal/proto/icmpv6, which takes this header as context.
func Parse(data []byte) (*Header, error) {
	if len(data) < BaseHeaderLen {
		return nil, protoerr.NewIntegrity(proto, "datagram too short: %d bytes", len(data))
	}
	verTCFL := binary.BigEndian.Uint32(data[0:4])
	if verTCFL>>28 != version {
		return nil, protoerr.NewIntegrity(proto, "unsupported version %d", verTCFL>>28)
	}
	payloadLen := binary.BigEndian.Uint16(data[4:6])
	nextHeader := data[6]
	hopLimit := data[7]

	if int(payloadLen) > len(data)-BaseHeaderLen {
		return nil, protoerr.NewIntegrity(proto, "payload length %d exceeds frame", payloadLen)
	}

	src, err := addr.IPv6FromBytes(data[8:24])
	if err != nil {
		return nil, protoerr.NewIntegrity(proto, "%v", err)
	}
	dst, err := addr.IPv6FromBytes(data[24:40])
	if err != nil {
		return nil, protoerr.NewIntegrity(proto, "%v", err)
	}

	h := &Header{
		TrafficClass: uint8(verTCFL >> 20),
		FlowLabel:    verTCFL & 0xfffff,
		HopLimit:     hopLimit,
		SrcIP:        src,
		DstIP:        dst,
		NextHeader:   nextHeader,
	}

	rest := data[BaseHeaderLen : BaseHeaderLen+int(payloadLen)]
	if nextHeader == NextHeaderFragment {
		if len(rest) < FragmentHeaderLen {
			return nil, protoerr.NewIntegrity(proto, "fragment header truncated")
		}
		offsetMore := binary.BigEndian.Uint16(rest[2:4])
		h.Fragment = &FragmentHeader{
			NextHeader:     rest[0],
			FragmentOffset: offsetMore >> 3,
			MoreFragments:  offsetMore&0x1 != 0,
			Identification: binary.BigEndian.Uint32(rest[4:8]),
		}
		h.Payload = rest[FragmentHeaderLen:]
	} else {
		h.Payload = rest
	}
	return h, nil
}

// ToBytes assembles h back into wire bytes.
func (h *Header) ToBytes() []byte {
	fragLen := 0
	if h.Fragment != nil {
		fragLen = FragmentHeaderLen
	}
	payloadLen := fragLen + len(h.Payload)
	b := make([]byte, BaseHeaderLen+payloadLen)

	verTCFL := uint32(version)<<28 | uint32(h.TrafficClass)<<20 | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(b[0:4], verTCFL)
	binary.BigEndian.PutUint16(b[4:6], uint16(payloadLen))
	b[6] = h.NextHeader
	b[7] = h.HopLimit
	src, dst := h.SrcIP.Bytes(), h.DstIP.Bytes()
	copy(b[8:24], src[:])
	copy(b[24:40], dst[:])

	off := BaseHeaderLen
	if h.Fragment != nil {
		b[off] = h.Fragment.NextHeader
		b[off+1] = 0
		offsetMore := h.Fragment.FragmentOffset << 3
		if h.Fragment.MoreFragments {
			offsetMore |= 0x1
		}
		binary.BigEndian.PutUint16(b[off+2:off+4], offsetMore)
		binary.BigEndian.PutUint32(b[off+4:off+8], h.Fragment.Identification)
		off += FragmentHeaderLen
	}
	copy(b[off:], h.Payload)
	return b
}
