// Package icmpv6 implements the ICMPv6 (RFC 4443) wire codec plus Neighbor
// Discovery (RFC 4861) NS/NA/RS/RA with SLLA/TLLA/PI/MTU options, and MLDv2
// Reports (RFC 3810).
//
// ICMPv6 checksums and several sanity rules depend on fields from the
// enclosing IPv6 header (the pseudo-header addresses, and the hop limit for
// ND messages) — Parse and ToBytes take a Context carrying exactly those
// fields, matching the parse(bytes, context) shape the transport codecs use.
package icmpv6

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/checksum"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "icmpv6"

// HeaderLen is the fixed 4-byte type/code/checksum header length.
const HeaderLen = 4

// NDHopLimit is the hop limit every ND message (RS/RA/NS/NA) must carry:
// a fixed value of 255 guards against off-link spoofing.
const NDHopLimit = 255

// MLDHopLimit is the hop limit an MLDv2 Report must carry.
const MLDHopLimit = 1

// Type is the ICMPv6 message type byte.
type Type uint8

const (
	TypeDestinationUnreach   Type = 1
	TypeEchoRequest          Type = 128
	TypeEchoReply            Type = 129
	TypeMLDv2Report          Type = 143
	TypeRouterSolicitation   Type = 133
	TypeRouterAdvertisement  Type = 134
	TypeNeighborSolicitation Type = 135
	TypeNeighborAdvertisement Type = 136
)

// Destination Unreachable codes (RFC 4443 §3.1).
const (
	CodeNoRoute     uint8 = 0
	CodeAdminProhib uint8 = 1
	CodeAddrUnreach uint8 = 3
	CodePortUnreach uint8 = 4
)

// LayerType tags parsed/assembled ICMPv6 messages for statistics and tracing.
var LayerType = gopacket.RegisterLayerType(1705, gopacket.LayerTypeMetadata{Name: "ICMPv6"})

// Context carries the enclosing IPv6 header fields the ICMPv6 codec needs
// for checksumming and sanity checking.
type Context struct {
	SrcIP    addr.IPv6
	DstIP    addr.IPv6
	HopLimit uint8
}

// Body is a closed tagged union over ICMPv6 message bodies.
type Body interface {
	isBody()
	msgType() Type
}

// Echo carries an Echo Request or Echo Reply body.
type Echo struct {
	ID    uint16
	Seq   uint16
	Data  []byte
	reply bool
}

func (Echo) isBody() {}
func (e Echo) msgType() Type {
	if e.reply {
		return TypeEchoReply
	}
	return TypeEchoRequest
}

func NewEchoRequest(id, seq uint16, data []byte) Echo { return Echo{ID: id, Seq: seq, Data: data} }
func NewEchoReply(id, seq uint16, data []byte) Echo {
	return Echo{ID: id, Seq: seq, Data: data, reply: true}
}
func (e Echo) IsReply() bool { return e.reply }

// DestinationUnreachable carries the RFC 4443 §3.1 body.
type DestinationUnreachable struct {
	Code             uint8
	OriginalDatagram []byte
}

func (DestinationUnreachable) isBody()      {}
func (DestinationUnreachable) msgType() Type { return TypeDestinationUnreach }

// Option is a closed tagged union over ND options (RFC 4861 §4.6).
type Option interface {
	isOption()
}

// OptionSLLA is the Source Link-Layer Address option.
type OptionSLLA struct{ MAC addr.MAC }

func (OptionSLLA) isOption() {}

// OptionTLLA is the Target Link-Layer Address option.
type OptionTLLA struct{ MAC addr.MAC }

func (OptionTLLA) isOption() {}

// OptionPI is the Prefix Information option.
type OptionPI struct {
	PrefixLength      uint8
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            addr.IPv6
}

func (OptionPI) isOption() {}

// OptionMTU is the MTU option.
type OptionMTU struct{ MTU uint32 }

func (OptionMTU) isOption() {}

// OptionUnknown is the opaque catch-all for unrecognized option types.
// LengthUnits is the raw RFC 4861 length field, in units of 8 bytes.
type OptionUnknown struct {
	Type        uint8
	LengthUnits uint8
	Data        []byte
}

func (OptionUnknown) isOption() {}

const (
	optTypeSLLA uint8 = 1
	optTypeTLLA uint8 = 2
	optTypePI   uint8 = 3
	optTypeMTU  uint8 = 5
)

// RouterSolicitation is the RS body (RFC 4861 §4.1).
type RouterSolicitation struct {
	Options []Option
}

func (RouterSolicitation) isBody()      {}
func (RouterSolicitation) msgType() Type { return TypeRouterSolicitation }

// RouterAdvertisement is the RA body (RFC 4861 §4.2).
type RouterAdvertisement struct {
	CurHopLimit    uint8
	ManagedFlag    bool
	OtherFlag      bool
	RouterLifetime uint16
	ReachableTime  uint32
	RetransTimer   uint32
	Options        []Option
}

func (RouterAdvertisement) isBody()      {}
func (RouterAdvertisement) msgType() Type { return TypeRouterAdvertisement }

// NeighborSolicitation is the NS body (RFC 4861 §4.3).
type NeighborSolicitation struct {
	Target  addr.IPv6
	Options []Option
}

func (NeighborSolicitation) isBody()      {}
func (NeighborSolicitation) msgType() Type { return TypeNeighborSolicitation }

// NeighborAdvertisement is the NA body (RFC 4861 §4.4).
type NeighborAdvertisement struct {
	RouterFlag    bool
	SolicitedFlag bool
	OverrideFlag  bool
	Target        addr.IPv6
	Options       []Option
}

func (NeighborAdvertisement) isBody()      {}
func (NeighborAdvertisement) msgType() Type { return TypeNeighborAdvertisement }

// MLDv2MulticastRecord is one Multicast Address Record within an MLDv2
// Report (RFC 3810 §5.2), restricted to the fields the stack acts on.
type MLDv2MulticastRecord struct {
	RecordType       uint8
	MulticastAddress addr.IPv6
	Sources          []addr.IPv6
}

// MLDv2Report is the MLDv2 Report body (RFC 3810 §5.1).
type MLDv2Report struct {
	Records []MLDv2MulticastRecord
}

func (MLDv2Report) isBody()      {}
func (MLDv2Report) msgType() Type { return TypeMLDv2Report }

// Unknown is the opaque catch-all for any (type, code) this codec does not
// interpret.
type Unknown struct {
	Type Type
	Code uint8
	Rest []byte
}

func (u Unknown) isBody()      {}
func (u Unknown) msgType() Type { return u.Type }

// Message is the frozen ICMPv6 message type.
type Message struct {
	Code uint8
	Body Body
}

func (m *Message) LayerType() gopacket.LayerType { return LayerType }

// Parse validates the checksum (integrity, over the IPv6 pseudo-header in
// ctx) and the per-type sanity rules, then decodes the message body.
func Parse(data []byte, ctx Context) (*Message, error) {
	if len(data) < HeaderLen {
		return nil, protoerr.NewIntegrity(proto, "message too short: %d bytes", len(data))
	}
	sum := checksum.PseudoHeaderIP6(ctx.SrcIP.Bytes(), ctx.DstIP.Bytes(), uint8(58), uint32(len(data)))
	sum = checksum.Accumulate(sum, data)
	if checksum.Fold(sum) != 0 {
		return nil, protoerr.NewIntegrity(proto, "checksum mismatch")
	}

	typ := Type(data[0])
	code := data[1]
	rest := data[HeaderLen:]
	m := &Message{Code: code}

	switch typ {
	case TypeEchoRequest, TypeEchoReply:
		if len(rest) < 4 {
			return nil, protoerr.NewIntegrity(proto, "echo body too short")
		}
		m.Body = Echo{ID: binary.BigEndian.Uint16(rest[0:2]), Seq: binary.BigEndian.Uint16(rest[2:4]),
			Data: append([]byte(nil), rest[4:]...), reply: typ == TypeEchoReply}
		return m, nil

	case TypeDestinationUnreach:
		if len(rest) < 4 {
			return nil, protoerr.NewIntegrity(proto, "destination-unreachable body too short")
		}
		m.Body = DestinationUnreachable{Code: code, OriginalDatagram: append([]byte(nil), rest[4:]...)}
		return m, nil

	case TypeRouterSolicitation:
		if ctx.HopLimit != NDHopLimit {
			return nil, protoerr.NewSanity(proto, "RS hop limit %d != 255", ctx.HopLimit)
		}
		if !(ctx.SrcIP.IsUnicast() || ctx.SrcIP.IsUnspecified()) {
			return nil, protoerr.NewSanity(proto, "RS source is neither unicast nor unspecified")
		}
		wantDst, _ := addr.ParseIPv6("ff02::2")
		if ctx.DstIP != wantDst {
			return nil, protoerr.NewSanity(proto, "RS destination is not ff02::2")
		}
		if len(rest) < 4 {
			return nil, protoerr.NewIntegrity(proto, "RS body too short")
		}
		opts, err := parseOptions(rest[4:])
		if err != nil {
			return nil, err
		}
		if ctx.SrcIP.IsUnspecified() && hasSLLA(opts) {
			return nil, protoerr.NewSanity(proto, "RS from unspecified source carries an SLLA option")
		}
		m.Body = RouterSolicitation{Options: opts}
		return m, nil

	case TypeRouterAdvertisement:
		if ctx.HopLimit != NDHopLimit {
			return nil, protoerr.NewSanity(proto, "RA hop limit %d != 255", ctx.HopLimit)
		}
		if !ctx.SrcIP.IsLinkLocal() {
			return nil, protoerr.NewSanity(proto, "RA source is not link-local")
		}
		allNodes, _ := addr.ParseIPv6("ff02::1")
		if !(ctx.DstIP.IsUnicast() || ctx.DstIP == allNodes) {
			return nil, protoerr.NewSanity(proto, "RA destination is neither unicast nor ff02::1")
		}
		if len(rest) < 12 {
			return nil, protoerr.NewIntegrity(proto, "RA body too short")
		}
		opts, err := parseOptions(rest[12:])
		if err != nil {
			return nil, err
		}
		m.Body = RouterAdvertisement{
			CurHopLimit:    rest[0],
			ManagedFlag:    rest[1]&0x80 != 0,
			OtherFlag:      rest[1]&0x40 != 0,
			RouterLifetime: binary.BigEndian.Uint16(rest[2:4]),
			ReachableTime:  binary.BigEndian.Uint32(rest[4:8]),
			RetransTimer:   binary.BigEndian.Uint32(rest[8:12]),
			Options:        opts,
		}
		return m, nil

	case TypeNeighborSolicitation:
		if ctx.HopLimit != NDHopLimit {
			return nil, protoerr.NewSanity(proto, "NS hop limit %d != 255", ctx.HopLimit)
		}
		if !(ctx.SrcIP.IsUnicast() || ctx.SrcIP.IsUnspecified()) {
			return nil, protoerr.NewSanity(proto, "NS source is neither unicast nor unspecified")
		}
		if len(rest) < 20 {
			return nil, protoerr.NewIntegrity(proto, "NS body too short")
		}
		target, err := addr.IPv6FromBytes(rest[4:20])
		if err != nil {
			return nil, protoerr.NewIntegrity(proto, "%v", err)
		}
		if !target.IsUnicast() {
			return nil, protoerr.NewSanity(proto, "NS target is not unicast")
		}
		if !(ctx.DstIP == target || ctx.DstIP == target.SolicitedNodeMulticast()) {
			return nil, protoerr.NewSanity(proto, "NS destination is neither the target nor its solicited-node multicast")
		}
		opts, err := parseOptions(rest[20:])
		if err != nil {
			return nil, err
		}
		if ctx.SrcIP.IsUnspecified() && hasSLLA(opts) {
			return nil, protoerr.NewSanity(proto, "NS from unspecified source carries an SLLA option")
		}
		m.Body = NeighborSolicitation{Target: target, Options: opts}
		return m, nil

	case TypeNeighborAdvertisement:
		if ctx.HopLimit != NDHopLimit {
			return nil, protoerr.NewSanity(proto, "NA hop limit %d != 255", ctx.HopLimit)
		}
		if !ctx.SrcIP.IsUnicast() {
			return nil, protoerr.NewSanity(proto, "NA source is not unicast")
		}
		if len(rest) < 20 {
			return nil, protoerr.NewIntegrity(proto, "NA body too short")
		}
		flags := rest[0]
		solicited := flags&0x40 != 0
		allNodes, _ := addr.ParseIPv6("ff02::1")
		if solicited {
			if !(ctx.DstIP.IsUnicast() || ctx.DstIP == allNodes) {
				return nil, protoerr.NewSanity(proto, "solicited NA destination is neither unicast nor ff02::1")
			}
		} else if ctx.DstIP != allNodes {
			return nil, protoerr.NewSanity(proto, "unsolicited NA destination is not ff02::1")
		}
		target, err := addr.IPv6FromBytes(rest[4:20])
		if err != nil {
			return nil, protoerr.NewIntegrity(proto, "%v", err)
		}
		opts, err := parseOptions(rest[20:])
		if err != nil {
			return nil, err
		}
		m.Body = NeighborAdvertisement{
			RouterFlag: flags&0x80 != 0, SolicitedFlag: solicited, OverrideFlag: flags&0x20 != 0,
			Target: target, Options: opts,
		}
		return m, nil

	case TypeMLDv2Report:
		if ctx.HopLimit != MLDHopLimit {
			return nil, protoerr.NewSanity(proto, "MLDv2 report hop limit %d != 1", ctx.HopLimit)
		}
		if len(rest) < 4 {
			return nil, protoerr.NewIntegrity(proto, "MLDv2 report body too short")
		}
		numRecords := binary.BigEndian.Uint16(rest[2:4])
		records, err := parseMLDRecords(rest[4:], int(numRecords))
		if err != nil {
			return nil, err
		}
		m.Body = MLDv2Report{Records: records}
		return m, nil

	default:
		m.Body = Unknown{Type: typ, Code: code, Rest: append([]byte(nil), rest...)}
		return m, nil
	}
}

func hasSLLA(opts []Option) bool {
	for _, o := range opts {
		if _, ok := o.(OptionSLLA); ok {
			return true
		}
	}
	return false
}

func parseOptions(b []byte) ([]Option, error) {
	var opts []Option
	for i := 0; i < len(b); {
		if i+2 > len(b) {
			return nil, protoerr.NewIntegrity(proto, "truncated option header at offset %d", i)
		}
		t := b[i]
		units := b[i+1]
		if units == 0 {
			return nil, protoerr.NewIntegrity(proto, "zero-length option at offset %d", i)
		}
		l := int(units) * 8
		if i+l > len(b) {
			return nil, protoerr.NewIntegrity(proto, "option overruns message at offset %d", i)
		}
		data := b[i+2 : i+l]
		switch t {
		case optTypeSLLA:
			mac, err := addr.MACFromBytes(data[:6])
			if err != nil {
				return nil, protoerr.NewIntegrity(proto, "%v", err)
			}
			opts = append(opts, OptionSLLA{MAC: mac})
		case optTypeTLLA:
			mac, err := addr.MACFromBytes(data[:6])
			if err != nil {
				return nil, protoerr.NewIntegrity(proto, "%v", err)
			}
			opts = append(opts, OptionTLLA{MAC: mac})
		case optTypePI:
			if len(data) < 30 {
				return nil, protoerr.NewIntegrity(proto, "PI option too short")
			}
			prefix, err := addr.IPv6FromBytes(data[14:30])
			if err != nil {
				return nil, protoerr.NewIntegrity(proto, "%v", err)
			}
			opts = append(opts, OptionPI{
				PrefixLength:      data[0],
				OnLink:            data[1]&0x80 != 0,
				Autonomous:        data[1]&0x40 != 0,
				ValidLifetime:     binary.BigEndian.Uint32(data[2:6]),
				PreferredLifetime: binary.BigEndian.Uint32(data[6:10]),
				Prefix:            prefix,
			})
		case optTypeMTU:
			if len(data) < 6 {
				return nil, protoerr.NewIntegrity(proto, "MTU option too short")
			}
			opts = append(opts, OptionMTU{MTU: binary.BigEndian.Uint32(data[2:6])})
		default:
			opts = append(opts, OptionUnknown{Type: t, LengthUnits: units, Data: append([]byte(nil), data...)})
		}
		i += l
	}
	return opts, nil
}

func parseMLDRecords(b []byte, n int) ([]MLDv2MulticastRecord, error) {
	records := make([]MLDv2MulticastRecord, 0, n)
	off := 0
	for i := 0; i < n; i++ {
		if off+20 > len(b) {
			return nil, protoerr.NewIntegrity(proto, "truncated MLDv2 record %d", i)
		}
		recType := b[off]
		auxLen := int(b[off+1])
		numSrc := int(binary.BigEndian.Uint16(b[off+2 : off+4]))
		maddr, err := addr.IPv6FromBytes(b[off+4 : off+20])
		if err != nil {
			return nil, protoerr.NewIntegrity(proto, "%v", err)
		}
		off += 20
		sources := make([]addr.IPv6, 0, numSrc)
		for s := 0; s < numSrc; s++ {
			if off+16 > len(b) {
				return nil, protoerr.NewIntegrity(proto, "truncated MLDv2 source address")
			}
			src, err := addr.IPv6FromBytes(b[off : off+16])
			if err != nil {
				return nil, protoerr.NewIntegrity(proto, "%v", err)
			}
			sources = append(sources, src)
			off += 16
		}
		off += auxLen * 4
		records = append(records, MLDv2MulticastRecord{RecordType: recType, MulticastAddress: maddr, Sources: sources})
	}
	return records, nil
}

func optionsBytes(opts []Option) []byte {
	var b []byte
	for _, o := range opts {
		switch v := o.(type) {
		case OptionSLLA:
			mac := v.MAC.Bytes()
			b = append(b, optTypeSLLA, 1)
			b = append(b, mac[:]...)
		case OptionTLLA:
			mac := v.MAC.Bytes()
			b = append(b, optTypeTLLA, 1)
			b = append(b, mac[:]...)
		case OptionPI:
			hdr := make([]byte, 30)
			hdr[0] = v.PrefixLength
			if v.OnLink {
				hdr[1] |= 0x80
			}
			if v.Autonomous {
				hdr[1] |= 0x40
			}
			binary.BigEndian.PutUint32(hdr[2:6], v.ValidLifetime)
			binary.BigEndian.PutUint32(hdr[6:10], v.PreferredLifetime)
			prefix := v.Prefix.Bytes()
			copy(hdr[14:30], prefix[:])
			b = append(b, optTypePI, 4)
			b = append(b, hdr...)
		case OptionMTU:
			body := make([]byte, 6)
			binary.BigEndian.PutUint32(body[2:6], v.MTU)
			b = append(b, optTypeMTU, 1)
			b = append(b, body...)
		case OptionUnknown:
			b = append(b, v.Type, v.LengthUnits)
			b = append(b, v.Data...)
		}
	}
	return b
}

func mldRecordsBytes(records []MLDv2MulticastRecord) []byte {
	var b []byte
	for _, r := range records {
		hdr := make([]byte, 20)
		hdr[0] = r.RecordType
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(r.Sources)))
		maddr := r.MulticastAddress.Bytes()
		copy(hdr[4:20], maddr[:])
		b = append(b, hdr...)
		for _, s := range r.Sources {
			sb := s.Bytes()
			b = append(b, sb[:]...)
		}
	}
	return b
}

// ToBytes assembles m back into wire bytes, recomputing the checksum over
// the IPv6 pseudo-header in ctx plus the message.
func (m *Message) ToBytes(ctx Context) []byte {
	var rest []byte
	code := m.Code

	switch v := m.Body.(type) {
	case Echo:
		rest = make([]byte, 4+len(v.Data))
		binary.BigEndian.PutUint16(rest[0:2], v.ID)
		binary.BigEndian.PutUint16(rest[2:4], v.Seq)
		copy(rest[4:], v.Data)
	case DestinationUnreachable:
		code = v.Code
		rest = make([]byte, 4+len(v.OriginalDatagram))
		copy(rest[4:], v.OriginalDatagram)
	case RouterSolicitation:
		rest = make([]byte, 4)
		rest = append(rest, optionsBytes(v.Options)...)
	case RouterAdvertisement:
		hdr := make([]byte, 12)
		hdr[0] = v.CurHopLimit
		if v.ManagedFlag {
			hdr[1] |= 0x80
		}
		if v.OtherFlag {
			hdr[1] |= 0x40
		}
		binary.BigEndian.PutUint16(hdr[2:4], v.RouterLifetime)
		binary.BigEndian.PutUint32(hdr[4:8], v.ReachableTime)
		binary.BigEndian.PutUint32(hdr[8:12], v.RetransTimer)
		rest = append(hdr, optionsBytes(v.Options)...)
	case NeighborSolicitation:
		hdr := make([]byte, 20)
		target := v.Target.Bytes()
		copy(hdr[4:20], target[:])
		rest = append(hdr, optionsBytes(v.Options)...)
	case NeighborAdvertisement:
		hdr := make([]byte, 20)
		if v.RouterFlag {
			hdr[0] |= 0x80
		}
		if v.SolicitedFlag {
			hdr[0] |= 0x40
		}
		if v.OverrideFlag {
			hdr[0] |= 0x20
		}
		target := v.Target.Bytes()
		copy(hdr[4:20], target[:])
		rest = append(hdr, optionsBytes(v.Options)...)
	case MLDv2Report:
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(v.Records)))
		rest = append(hdr, mldRecordsBytes(v.Records)...)
	case Unknown:
		code = v.Code
		rest = v.Rest
	}

	b := make([]byte, HeaderLen+len(rest))
	b[0] = byte(m.Body.msgType())
	b[1] = code
	copy(b[HeaderLen:], rest)

	sum := checksum.PseudoHeaderIP6(ctx.SrcIP.Bytes(), ctx.DstIP.Bytes(), uint8(58), uint32(len(b)))
	sum = checksum.Accumulate(sum, b)
	binary.BigEndian.PutUint16(b[2:4], checksum.Fold(sum))
	return b
}
