// Package arp implements the ARP (RFC 826) wire codec, scoped to the
// Ethernet/IPv4 combination the stack actually uses.
package arp

import (
	"encoding/binary"

	"github.com/google/gopacket"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
)

const proto = "arp"

// HeaderLen is the fixed length of an Ethernet/IPv4 ARP message.
const HeaderLen = 28

const (
	hardwareTypeEthernet uint16 = 1
	protocolTypeIPv4     uint16 = 0x0800
	hardwareLenMAC       uint8  = 6
	protocolLenIPv4      uint8  = 4
)

// Operation is the ARP opcode.
type Operation uint16

const (
	OperationRequest Operation = 1
	OperationReply   Operation = 2
)

// LayerType tags parsed/assembled ARP messages for statistics and tracing.
var LayerType = gopacket.RegisterLayerType(1701, gopacket.LayerTypeMetadata{Name: "ARP"})

// Message is the frozen, value-equal ARP message type.
type Message struct {
	Operation Operation
	SenderMAC addr.MAC
	SenderIP  addr.IPv4
	TargetMAC addr.MAC
	TargetIP  addr.IPv4
}

func (m *Message) LayerType() gopacket.LayerType { return LayerType }

// Parse validates integrity (length, hardware/protocol type and length
// fields) and decodes an Ethernet/IPv4 ARP message.
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderLen {
		return nil, protoerr.NewIntegrity(proto, "message too short: %d bytes", len(data))
	}
	htype := binary.BigEndian.Uint16(data[0:2])
	ptype := binary.BigEndian.Uint16(data[2:4])
	hlen := data[4]
	plen := data[5]
	if htype != hardwareTypeEthernet {
		return nil, protoerr.NewIntegrity(proto, "unsupported hardware type %d", htype)
	}
	if ptype != protocolTypeIPv4 {
		return nil, protoerr.NewIntegrity(proto, "unsupported protocol type %#04x", ptype)
	}
	if hlen != hardwareLenMAC || plen != protocolLenIPv4 {
		return nil, protoerr.NewIntegrity(proto, "unexpected hw/proto length %d/%d", hlen, plen)
	}

	op := Operation(binary.BigEndian.Uint16(data[6:8]))
	if op != OperationRequest && op != OperationReply {
		return nil, protoerr.NewSanity(proto, "unknown operation %d", op)
	}

	m := &Message{Operation: op}
	var err error
	if m.SenderMAC, err = addr.MACFromBytes(data[8:14]); err != nil {
		return nil, protoerr.NewIntegrity(proto, "%v", err)
	}
	m.SenderIP = addr.IPv4FromBytes([4]byte(data[14:18]))
	if m.TargetMAC, err = addr.MACFromBytes(data[18:24]); err != nil {
		return nil, protoerr.NewIntegrity(proto, "%v", err)
	}
	m.TargetIP = addr.IPv4FromBytes([4]byte(data[24:28]))
	return m, nil
}

// ToBytes assembles m back into its 28-byte wire form.
func (m *Message) ToBytes() []byte {
	b := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(b[0:2], hardwareTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], protocolTypeIPv4)
	b[4] = hardwareLenMAC
	b[5] = protocolLenIPv4
	binary.BigEndian.PutUint16(b[6:8], uint16(m.Operation))
	sm, tm := m.SenderMAC.Bytes(), m.TargetMAC.Bytes()
	copy(b[8:14], sm[:])
	si, ti := m.SenderIP.Bytes(), m.TargetIP.Bytes()
	copy(b[14:18], si[:])
	copy(b[18:24], tm[:])
	copy(b[24:28], ti[:])
	return b
}

// NewRequest builds a "who has TargetIP? tell SenderIP" request, the
// resolution message the neighbor cache emits on a first miss.
func NewRequest(senderMAC addr.MAC, senderIP addr.IPv4, targetIP addr.IPv4) *Message {
	return &Message{
		Operation: OperationRequest,
		SenderMAC: senderMAC,
		SenderIP:  senderIP,
		TargetMAC: addr.MAC{},
		TargetIP:  targetIP,
	}
}

// NewReply builds a reply to req from (replyMAC, req.TargetIP).
func NewReply(req *Message, replyMAC addr.MAC) *Message {
	return &Message{
		Operation: OperationReply,
		SenderMAC: replyMAC,
		SenderIP:  req.TargetIP,
		TargetMAC: req.SenderMAC,
		TargetIP:  req.SenderIP,
	}
}
