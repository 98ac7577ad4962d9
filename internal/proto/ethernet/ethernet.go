// Package ethernet implements the Ethernet II and 802.3+LLC wire codecs.
// Ethernet II is distinguished from 802.3 by the value of the 13th/14th
// octet: a value <= 1500 is a length (802.3), anything else is an
// EtherType (Ethernet II), per IEEE 802.3 clause 3.2.6.
package ethernet

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "ethernet"

// HeaderLen is the fixed 14-byte Ethernet II / 802.3 header length.
const HeaderLen = 14

// EtherType identifies the payload protocol carried by an Ethernet II frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

// maxLengthField is the largest value the 13th/14th octet may hold and
// still be interpreted as an 802.3 length rather than an EtherType.
const maxLengthField = 1500

// LayerType tags assembled/parsed Ethernet frames for statistics and
// tracing, using gopacket's RegisterLayerType + LayerType() pattern for a
// custom layer.
var LayerType = gopacket.RegisterLayerType(1700, gopacket.LayerTypeMetadata{Name: "Ethernet"})

// Kind distinguishes the Ethernet II and 802.3+LLC framing variants.
type Kind uint8

const (
	KindEthernetII Kind = iota
	KindDot3LLC
)

// LLCHeader is the minimal IEEE 802.2 LLC header carried by an 802.3 frame.
type LLCHeader struct {
	DSAP    uint8
	SSAP    uint8
	Control uint8
}

// Frame is the frozen, value-equal Ethernet message type.
type Frame struct {
	Dst, Src addr.MAC
	Kind     Kind

	// Valid when Kind == KindEthernetII.
	EtherType EtherType

	// Valid when Kind == KindDot3LLC.
	Length uint16
	LLC    LLCHeader

	Payload []byte
}

func (f *Frame) LayerType() gopacket.LayerType { return LayerType }

// Parse validates integrity (minimum length) and classifies the frame as
// Ethernet II or 802.3+LLC. No sanity rules are defined for Ethernet itself;
// destination-address admission (unicast-to-us / broadcast / joined
// multicast) is a dispatch concern owned by internal/stack.
func Parse(data []byte) (*Frame, error) {
	if len(data) < HeaderLen {
		return nil, protoerr.NewIntegrity(proto, "frame too short: %d bytes", len(data))
	}
	f := &Frame{}
	var err error
	if f.Dst, err = addr.MACFromBytes(data[0:6]); err != nil {
		return nil, protoerr.NewIntegrity(proto, "malformed destination MAC: %v", err)
	}
	if f.Src, err = addr.MACFromBytes(data[6:12]); err != nil {
		return nil, protoerr.NewIntegrity(proto, "malformed source MAC: %v", err)
	}
	field := binary.BigEndian.Uint16(data[12:14])

	if field <= maxLengthField {
		f.Kind = KindDot3LLC
		f.Length = field
		if len(data) < HeaderLen+3 {
			return nil, protoerr.NewIntegrity(proto, "802.3 frame too short for LLC header")
		}
		f.LLC = LLCHeader{DSAP: data[14], SSAP: data[15], Control: data[16]}
		f.Payload = data[17:]
		return f, nil
	}

	f.Kind = KindEthernetII
	f.EtherType = EtherType(field)
	f.Payload = data[HeaderLen:]
	return f, nil
}

// ToBytes assembles f back into a wire frame. For Kind == KindEthernetII the
// 13th/14th octet carries EtherType; for KindDot3LLC it carries the 802.3
// length field followed by the 3-byte LLC header.
func (f *Frame) ToBytes() []byte {
	var b []byte
	if f.Kind == KindDot3LLC {
		b = make([]byte, HeaderLen+3+len(f.Payload))
		binary.BigEndian.PutUint16(b[12:14], f.Length)
		b[14], b[15], b[16] = f.LLC.DSAP, f.LLC.SSAP, f.LLC.Control
		copy(b[17:], f.Payload)
	} else {
		b = make([]byte, HeaderLen+len(f.Payload))
		binary.BigEndian.PutUint16(b[12:14], uint16(f.EtherType))
		copy(b[HeaderLen:], f.Payload)
	}
	dst, src := f.Dst.Bytes(), f.Src.Bytes()
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	return b
}
