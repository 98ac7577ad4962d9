// Package icmpv4 implements the ICMPv4 (RFC 792) wire codec: Echo
// Request/Reply, Destination Unreachable (including Fragmentation Needed
// carrying the link MTU, RFC 1191), and an Unknown catch-all. ICMPv4 has
// no pseudo-header.
package icmpv4

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/checksum"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "icmpv4"

// HeaderLen is the fixed 4-byte type/code/checksum header length.
const HeaderLen = 4

// Type is the ICMPv4 message type byte.
type Type uint8

const (
	TypeEchoReply          Type = 0
	TypeDestinationUnreach Type = 3
	TypeEchoRequest        Type = 8
)

// Destination Unreachable codes.
const (
	CodeNetUnreachable   uint8 = 0
	CodeHostUnreachable  uint8 = 1
	CodeProtoUnreachable uint8 = 2
	CodePortUnreachable  uint8 = 3
	CodeFragNeeded       uint8 = 4
)

// LayerType tags parsed/assembled ICMPv4 messages for statistics and tracing.
var LayerType = gopacket.RegisterLayerType(1704, gopacket.LayerTypeMetadata{Name: "ICMPv4"})

// Body is a closed tagged union over ICMPv4 message bodies.
type Body interface {
	isBody()
	msgType() Type
}

// Echo carries an Echo Request or Echo Reply body.
type Echo struct {
	ID   uint16
	Seq  uint16
	Data []byte
	// reply distinguishes Echo Request from Echo Reply; set via the
	// NewEchoRequest/NewEchoReply constructors and read via IsReply.
	reply bool
}

func (e Echo) isBody() {}
func (e Echo) msgType() Type {
	if e.reply {
		return TypeEchoReply
	}
	return TypeEchoRequest
}

// NewEchoRequest builds an Echo Request body.
func NewEchoRequest(id, seq uint16, data []byte) Echo { return Echo{ID: id, Seq: seq, Data: data} }

// NewEchoReply builds an Echo Reply body, typically in response to a request.
func NewEchoReply(id, seq uint16, data []byte) Echo {
	return Echo{ID: id, Seq: seq, Data: data, reply: true}
}

// IsReply reports whether this Echo body is a reply rather than a request.
func (e Echo) IsReply() bool { return e.reply }

// DestinationUnreachable carries the RFC 792 Destination Unreachable body,
// including RFC 1191's Fragmentation Needed extension (code 4), which
// stuffs the link MTU into the otherwise-unused first 4 bytes.
type DestinationUnreachable struct {
	Code uint8
	// NextHopMTU is meaningful only when Code == CodeFragNeeded.
	NextHopMTU uint16
	// OriginalDatagram is the original IP header plus the first 8 bytes of
	// its payload, per RFC 792.
	OriginalDatagram []byte
}

func (DestinationUnreachable) isBody()      {}
func (DestinationUnreachable) msgType() Type { return TypeDestinationUnreach }

// Unknown is the opaque catch-all for any (type, code) this codec does not
// interpret.
type Unknown struct {
	Type Type
	Code uint8
	Rest []byte
}

func (u Unknown) isBody()      {}
func (u Unknown) msgType() Type { return u.Type }

// Message is the frozen ICMPv4 message type.
type Message struct {
	Body Body
}

func (m *Message) LayerType() gopacket.LayerType { return LayerType }

// Parse validates the checksum (integrity) and decodes the message body.
// ICMPv4 defines no additional sanity table here.
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderLen {
		return nil, protoerr.NewIntegrity(proto, "message too short: %d bytes", len(data))
	}
	if checksum.Sum(data) != 0 {
		return nil, protoerr.NewIntegrity(proto, "checksum mismatch")
	}
	typ := Type(data[0])
	code := data[1]
	rest := data[HeaderLen:]

	switch typ {
	case TypeEchoRequest, TypeEchoReply:
		if len(rest) < 4 {
			return nil, protoerr.NewIntegrity(proto, "echo body too short")
		}
		e := Echo{
			ID:    binary.BigEndian.Uint16(rest[0:2]),
			Seq:   binary.BigEndian.Uint16(rest[2:4]),
			Data:  append([]byte(nil), rest[4:]...),
			reply: typ == TypeEchoReply,
		}
		return &Message{Body: e}, nil
	case TypeDestinationUnreach:
		if len(rest) < 4 {
			return nil, protoerr.NewIntegrity(proto, "destination-unreachable body too short")
		}
		du := DestinationUnreachable{Code: code, OriginalDatagram: append([]byte(nil), rest[4:]...)}
		if code == CodeFragNeeded {
			du.NextHopMTU = binary.BigEndian.Uint16(rest[2:4])
		}
		return &Message{Body: du}, nil
	default:
		return &Message{Body: Unknown{Type: typ, Code: code, Rest: append([]byte(nil), rest...)}}, nil
	}
}

// ToBytes assembles m, recomputing the checksum over the whole message
// (ICMPv4 has no pseudo-header).
func (m *Message) ToBytes() []byte {
	var code uint8
	var rest []byte
	switch v := m.Body.(type) {
	case Echo:
		rest = make([]byte, 4+len(v.Data))
		binary.BigEndian.PutUint16(rest[0:2], v.ID)
		binary.BigEndian.PutUint16(rest[2:4], v.Seq)
		copy(rest[4:], v.Data)
	case DestinationUnreachable:
		code = v.Code
		rest = make([]byte, 4+len(v.OriginalDatagram))
		if v.Code == CodeFragNeeded {
			binary.BigEndian.PutUint16(rest[2:4], v.NextHopMTU)
		}
		copy(rest[4:], v.OriginalDatagram)
	case Unknown:
		code = v.Code
		rest = v.Rest
	}

	b := make([]byte, HeaderLen+len(rest))
	b[0] = byte(m.Body.msgType())
	b[1] = code
	copy(b[HeaderLen:], rest)
	binary.BigEndian.PutUint16(b[2:4], checksum.Sum(b))
	return b
}
