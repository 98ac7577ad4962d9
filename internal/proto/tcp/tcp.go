// Package tcp implements the TCP (RFC 9293) segment wire codec: the fixed
// header, flags, and the MSS / Window Scale / SACK-Permitted / Timestamps /
// NOP / EOL options. The stateful connection engine
// (retransmission, congestion control, the state machine itself) lives in
// internal/tcpengine; this package only turns bytes into a Segment and back.
package tcp

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/checksum"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "tcp"

// MinHeaderLen is the fixed portion of the TCP header, before options.
const MinHeaderLen = 20

// ProtocolNumber is the IP protocol number assigned to TCP.
const ProtocolNumber = 6

// MaxWindowScale is the largest permitted window scale shift count
// (RFC 7323 §2.2): shift counts above this are clamped to it on both
// assembly and parse.
const MaxWindowScale = 14

// LayerType tags parsed/assembled TCP segments for statistics and tracing.
var LayerType = gopacket.RegisterLayerType(1707, gopacket.LayerTypeMetadata{Name: "TCP"})

// Flags is the 6-bit control-bit field (RFC 9293 §3.1), plus the ECN/CWR
// bits defined by RFC 3168.
type Flags uint8

const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagPSH Flags = 1 << 3
	FlagACK Flags = 1 << 4
	FlagURG Flags = 1 << 5
	FlagECE Flags = 1 << 6
	FlagCWR Flags = 1 << 7
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Context carries the IP pseudo-header fields the checksum needs.
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

const (
	optKindEOL           uint8 = 0
	optKindNOP           uint8 = 1
	optKindMSS           uint8 = 2
	optKindWindowScale   uint8 = 3
	optKindSACKPermitted uint8 = 4
	optKindTimestamps    uint8 = 8
)

// Option is a closed tagged union over TCP option TLVs.
type Option interface {
	isOption()
}

type OptionEOL struct{}

func (OptionEOL) isOption() {}

type OptionNOP struct{}

func (OptionNOP) isOption() {}

// OptionMSS is the Maximum Segment Size option (RFC 9293 §3.2), valid only
// on SYN segments.
type OptionMSS struct{ MSS uint16 }

func (OptionMSS) isOption() {}

// OptionWindowScale is the window scale shift count (RFC 7323 §2.2), valid
// only on SYN segments. Shift is clamped to MaxWindowScale on assembly.
type OptionWindowScale struct{ Shift uint8 }

func (OptionWindowScale) isOption() {}

// OptionSACKPermitted is the capability-only SACK-Permitted option
// (RFC 2018), valid only on SYN segments. The stack negotiates the
// capability but does not implement selective retransmission.
type OptionSACKPermitted struct{}

func (OptionSACKPermitted) isOption() {}

// OptionTimestamps is the Timestamps option (RFC 7323 §3.2).
type OptionTimestamps struct {
	TSValue uint32
	TSEcho  uint32
}

func (OptionTimestamps) isOption() {}

// OptionUnknown is the opaque catch-all for any option kind this codec does
// not interpret.
type OptionUnknown struct {
	Kind uint8
	Len  uint8
	Data []byte
}

func (OptionUnknown) isOption() {}

// Segment is the frozen, value-equal TCP segment type.
type Segment struct {
	SrcPort    uint16
	DstPort    uint16
	SeqNum     uint32
	AckNum     uint32
	Flags      Flags
	WindowSize uint16
	UrgentPtr  uint16
	Options    []Option
	Payload    []byte
}

func (s *Segment) LayerType() gopacket.LayerType { return LayerType }

func (s *Segment) optionsWireLen() int {
	n := 0
	for _, o := range s.Options {
		switch v := o.(type) {
		case OptionEOL, OptionNOP:
			n++
		case OptionMSS:
			n += 4
		case OptionWindowScale:
			n += 3
		case OptionSACKPermitted:
			n += 2
		case OptionTimestamps:
			n += 10
		case OptionUnknown:
			n += int(v.Len)
		}
	}
	return (n + 3) &^ 3
}

// HeaderLen returns the full header length in bytes (20 + padded options).
func (s *Segment) HeaderLen() int { return MinHeaderLen + s.optionsWireLen() }

// Parse validates length, the data-offset field, and the checksum (the
// integrity phase), then decodes the segment. An oversized Window Scale
// shift is clamped to MaxWindowScale rather than rejected, keeping parsing
// a total function over any wire-valid segment.
func Parse(data []byte, ctx Context) (*Segment, error) {
	if len(data) < MinHeaderLen {
		return nil, protoerr.NewIntegrity(proto, "segment too short: %d bytes", len(data))
	}
	dataOffset := int(data[12]>>4) * 4
	if dataOffset < MinHeaderLen {
		return nil, protoerr.NewIntegrity(proto, "data offset %d below minimum header length", dataOffset)
	}
	if len(data) < dataOffset {
		return nil, protoerr.NewIntegrity(proto, "segment shorter than declared header length")
	}
	sum := checksum.Accumulate(ctx.pseudoSum, data)
	if checksum.Fold(sum) != 0 {
		return nil, protoerr.NewIntegrity(proto, "checksum mismatch")
	}

	s := &Segment{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		Flags:      Flags(data[13]),
		WindowSize: binary.BigEndian.Uint16(data[14:16]),
		UrgentPtr:  binary.BigEndian.Uint16(data[18:20]),
	}

	opts, err := parseOptions(data[MinHeaderLen:dataOffset])
	if err != nil {
		return nil, err
	}
	for i, o := range opts {
		if ws, ok := o.(OptionWindowScale); ok && ws.Shift > MaxWindowScale {
			opts[i] = OptionWindowScale{Shift: MaxWindowScale}
		}
	}
	s.Options = opts
	s.Payload = append([]byte(nil), data[dataOffset:]...)
	return s, nil
}

func parseOptions(b []byte) ([]Option, error) {
	var opts []Option
	for i := 0; i < len(b); {
		kind := b[i]
		switch kind {
		case optKindEOL:
			opts = append(opts, OptionEOL{})
			return opts, nil
		case optKindNOP:
			opts = append(opts, OptionNOP{})
			i++
		case optKindMSS:
			if i+4 > len(b) {
				return nil, protoerr.NewIntegrity(proto, "truncated MSS option")
			}
			opts = append(opts, OptionMSS{MSS: binary.BigEndian.Uint16(b[i+2 : i+4])})
			i += 4
		case optKindWindowScale:
			if i+3 > len(b) {
				return nil, protoerr.NewIntegrity(proto, "truncated window-scale option")
			}
			opts = append(opts, OptionWindowScale{Shift: b[i+2]})
			i += 3
		case optKindSACKPermitted:
			if i+2 > len(b) {
				return nil, protoerr.NewIntegrity(proto, "truncated SACK-permitted option")
			}
			opts = append(opts, OptionSACKPermitted{})
			i += 2
		case optKindTimestamps:
			if i+10 > len(b) {
				return nil, protoerr.NewIntegrity(proto, "truncated timestamps option")
			}
			opts = append(opts, OptionTimestamps{
				TSValue: binary.BigEndian.Uint32(b[i+2 : i+6]),
				TSEcho:  binary.BigEndian.Uint32(b[i+6 : i+10]),
			})
			i += 10
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
			opts = append(opts, OptionUnknown{Kind: kind, Len: uint8(l), Data: data})
			i += l
		}
	}
	return opts, nil
}

// ToBytes assembles s back into wire bytes, recomputing the checksum over
// ctx's pseudo-header plus the segment. A window scale shift greater than
// MaxWindowScale is silently clamped, per RFC 7323 §2.2 note.
func (s *Segment) ToBytes(ctx Context) []byte {
	hdrLen := s.HeaderLen()
	total := hdrLen + len(s.Payload)
	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], s.DstPort)
	binary.BigEndian.PutUint32(b[4:8], s.SeqNum)
	binary.BigEndian.PutUint32(b[8:12], s.AckNum)
	b[12] = byte(hdrLen/4) << 4
	b[13] = byte(s.Flags)
	binary.BigEndian.PutUint16(b[14:16], s.WindowSize)
	binary.BigEndian.PutUint16(b[18:20], s.UrgentPtr)

	off := MinHeaderLen
	for _, o := range s.Options {
		switch v := o.(type) {
		case OptionEOL:
			b[off] = optKindEOL
			off++
		case OptionNOP:
			b[off] = optKindNOP
			off++
		case OptionMSS:
			b[off], b[off+1] = optKindMSS, 4
			binary.BigEndian.PutUint16(b[off+2:off+4], v.MSS)
			off += 4
		case OptionWindowScale:
			shift := v.Shift
			if shift > MaxWindowScale {
				shift = MaxWindowScale
			}
			b[off], b[off+1], b[off+2] = optKindWindowScale, 3, shift
			off += 3
		case OptionSACKPermitted:
			b[off], b[off+1] = optKindSACKPermitted, 2
			off += 2
		case OptionTimestamps:
			b[off], b[off+1] = optKindTimestamps, 10
			binary.BigEndian.PutUint32(b[off+2:off+6], v.TSValue)
			binary.BigEndian.PutUint32(b[off+6:off+10], v.TSEcho)
			off += 10
		case OptionUnknown:
			b[off] = v.Kind
			b[off+1] = v.Len
			copy(b[off+2:], v.Data)
			off += int(v.Len)
		}
	}
	for off < hdrLen {
		b[off] = optKindNOP
		off++
	}

	copy(b[hdrLen:], s.Payload)
	sum := checksum.Accumulate(ctx.pseudoSum, b)
	binary.BigEndian.PutUint16(b[16:18], checksum.Fold(sum))
	return b
}
