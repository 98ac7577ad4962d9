// Package ipv4 implements the IPv4 (RFC 791) header wire codec, including
// NOP/EOL/Unknown options.
package ipv4

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/checksum"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "ipv4"

// MinHeaderLen is the fixed portion of the IPv4 header, before options.
const MinHeaderLen = 20

const version = 4

// Protocol identifies the encapsulated transport/ICMP payload.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

// LayerType tags parsed/assembled IPv4 headers for statistics and tracing.
var LayerType = gopacket.RegisterLayerType(1702, gopacket.LayerTypeMetadata{Name: "IPv4"})

// Option type codes.
const (
	OptTypeEOL uint8 = 0
	OptTypeNOP uint8 = 1
)

// Option is a closed tagged union over IPv4 option TLVs.
type Option interface {
	isOption()
}

// OptionEOL is the End-of-Option-List marker (RFC 791 §3.1).
type OptionEOL struct{}

func (OptionEOL) isOption() {}

// OptionNOP is the No-Operation padding option.
type OptionNOP struct{}

func (OptionNOP) isOption() {}

// OptionUnknown is the opaque catch-all for any option type this codec does
// not interpret. Known option codes (EOL, NOP) must never surface here —
// Parse asserts this at construction time.
type OptionUnknown struct {
	Type uint8
	Len  uint8
	Data []byte
}

func (OptionUnknown) isOption() {}

// Header is the frozen, value-equal IPv4 message type. Payload is the
// remainder of the datagram after the header and options.
type Header struct {
	DSCP           uint8
	ECN            uint8
	TotalLength    uint16
	Identification uint16
	FlagDF         bool
	FlagMF         bool
	FragmentOffset uint16 // in 8-byte units, per RFC 791
	TTL            uint8
	Protocol       Protocol
	SrcIP          addr.IPv4
	DstIP          addr.IPv4
	Options        []Option
	Payload        []byte
}

func (h *Header) LayerType() gopacket.LayerType { return LayerType }

// optionsWireLen returns the serialized, 4-byte-padded length of h.Options.
func (h *Header) optionsWireLen() int {
	n := 0
	for _, o := range h.Options {
		switch v := o.(type) {
		case OptionEOL, OptionNOP:
			n++
		case OptionUnknown:
			n += int(v.Len)
		}
	}
	return (n + 3) &^ 3
}

// HeaderLen returns the full header length in bytes (20 + padded options).
func (h *Header) HeaderLen() int { return MinHeaderLen + h.optionsWireLen() }

// Parse runs the integrity phase (length, IHL, checksum) followed by the
// sanity phase (TTL, address class, DF/MF/offset consistency) and decodes
// an IPv4 header plus payload.
func Parse(data []byte) (*Header, error) {
	if len(data) < MinHeaderLen {
		return nil, protoerr.NewIntegrity(proto, "datagram too short: %d bytes", len(data))
	}
	verIHL := data[0]
	if verIHL>>4 != version {
		return nil, protoerr.NewIntegrity(proto, "unsupported version %d", verIHL>>4)
	}
	ihl := int(verIHL&0x0f) * 4
	if ihl < MinHeaderLen {
		return nil, protoerr.NewIntegrity(proto, "IHL %d below minimum header length", ihl)
	}
	if len(data) < ihl {
		return nil, protoerr.NewIntegrity(proto, "datagram shorter than declared header length")
	}
	totalLen := binary.BigEndian.Uint16(data[2:4])
	if int(totalLen) < ihl || int(totalLen) > len(data) {
		return nil, protoerr.NewIntegrity(proto, "invalid total length %d for %d-byte frame", totalLen, len(data))
	}
	if checksum.Sum(data[:ihl]) != 0 {
		return nil, protoerr.NewIntegrity(proto, "header checksum mismatch")
	}

	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	h := &Header{
		DSCP:           data[1] >> 2,
		ECN:            data[1] & 0x3,
		TotalLength:    totalLen,
		Identification: binary.BigEndian.Uint16(data[4:6]),
		FlagDF:         flagsFrag&0x4000 != 0,
		FlagMF:         flagsFrag&0x2000 != 0,
		FragmentOffset: flagsFrag & 0x1fff,
		TTL:            data[8],
		Protocol:       Protocol(data[9]),
		SrcIP:          addr.IPv4FromBytes([4]byte(data[12:16])),
		DstIP:          addr.IPv4FromBytes([4]byte(data[16:20])),
	}

	opts, err := parseOptions(data[MinHeaderLen:ihl])
	if err != nil {
		return nil, err
	}
	h.Options = opts
	h.Payload = data[ihl:totalLen]

	if err := sanityCheck(h); err != nil {
		return nil, err
	}
	return h, nil
}

func sanityCheck(h *Header) error {
	if h.TTL == 0 {
		return protoerr.NewSanity(proto, "ttl is zero")
	}
	if h.SrcIP.IsMulticast() {
		return protoerr.NewSanity(proto, "source address is multicast")
	}
	if h.SrcIP.IsReserved() {
		return protoerr.NewSanity(proto, "source address is reserved")
	}
	if h.SrcIP.IsLimitedBroadcast() {
		return protoerr.NewSanity(proto, "source address is the limited broadcast address")
	}
	if h.FlagDF && h.FlagMF {
		return protoerr.NewSanity(proto, "DF and MF both set")
	}
	if h.FlagDF && h.FragmentOffset != 0 {
		return protoerr.NewSanity(proto, "DF set with non-zero fragment offset")
	}
	return nil
}

func parseOptions(b []byte) ([]Option, error) {
	var opts []Option
	for i := 0; i < len(b); {
		t := b[i]
		switch t {
		case OptTypeEOL:
			opts = append(opts, OptionEOL{})
			return opts, nil
		case OptTypeNOP:
			opts = append(opts, OptionNOP{})
			i++
		default:
			if i+1 >= len(b) {
				return nil, protoerr.NewIntegrity(proto, "truncated option at offset %d", i)
			}
			l := int(b[i+1])
			if l < 2 {
				return nil, protoerr.NewIntegrity(proto, "option length %d too short at offset %d", l, i)
			}
			if i+l > len(b) {
				return nil, protoerr.NewIntegrity(proto, "option length %d overruns header at offset %d", l, i)
			}
			data := make([]byte, l-2)
			copy(data, b[i+2:i+l])
			opts = append(opts, OptionUnknown{Type: t, Len: uint8(l), Data: data})
			i += l
		}
	}
	return opts, nil
}

// ToBytes assembles h back into wire bytes, recomputing the header checksum.
func (h *Header) ToBytes() []byte {
	ihl := h.HeaderLen()
	total := ihl + len(h.Payload)
	b := make([]byte, total)
	b[0] = byte(version<<4) | byte(ihl/4)
	b[1] = (h.DSCP << 2) | (h.ECN & 0x3)
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], h.Identification)
	var flagsFrag uint16
	if h.FlagDF {
		flagsFrag |= 0x4000
	}
	if h.FlagMF {
		flagsFrag |= 0x2000
	}
	flagsFrag |= h.FragmentOffset & 0x1fff
	binary.BigEndian.PutUint16(b[6:8], flagsFrag)
	b[8] = h.TTL
	b[9] = byte(h.Protocol)
	src, dst := h.SrcIP.Bytes(), h.DstIP.Bytes()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])

	off := MinHeaderLen
	for _, o := range h.Options {
		switch v := o.(type) {
		case OptionEOL:
			b[off] = OptTypeEOL
			off++
		case OptionNOP:
			b[off] = OptTypeNOP
			off++
		case OptionUnknown:
			b[off] = v.Type
			b[off+1] = v.Len
			copy(b[off+2:], v.Data)
			off += int(v.Len)
		}
	}
	// Pad remaining option space to the 4-byte boundary with NOPs.
	for off < ihl {
		b[off] = OptTypeNOP
		off++
	}

	copy(b[ihl:], h.Payload)
	binary.BigEndian.PutUint16(b[10:12], checksum.Sum(b[:ihl]))
	return b
}
