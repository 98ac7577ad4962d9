package stack

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/fragment"
	"github.com/unkn0wn-root/ustack/internal/proto/arp"
	"github.com/unkn0wn-root/ustack/internal/proto/ethernet"
	"github.com/unkn0wn-root/ustack/internal/proto/icmpv4"
	"github.com/unkn0wn-root/ustack/internal/proto/icmpv6"
	"github.com/unkn0wn-root/ustack/internal/proto/ipv4"
	"github.com/unkn0wn-root/ustack/internal/proto/ipv6"
	"github.com/unkn0wn-root/ustack/internal/proto/protoerr"
	"github.com/unkn0wn-root/ustack/internal/proto/tcp"
	"github.com/unkn0wn-root/ustack/internal/proto/udp"
	"github.com/unkn0wn-root/ustack/internal/socket"
)

// HandleFrame dispatches one inbound Ethernet frame: drop
// frames not addressed to us (unicast or broadcast/multicast we accept),
// then dispatch by EtherType.
func (s *Stack) HandleFrame(raw []byte) {
	metricFramesTotal.WithLabelValues("rx").Inc()

	f, err := ethernet.Parse(raw)
	if err != nil {
		s.dropFrame(err, "ethernet")
		return
	}
	if f.Dst != s.cfg.MAC && !f.Dst.IsBroadcast() && !f.Dst.IsMulticast() {
		return
	}

	switch f.EtherType {
	case ethernet.EtherTypeARP:
		s.handleARP(f.Payload)
	case ethernet.EtherTypeIPv4:
		s.handleIPv4(f.Payload)
	case ethernet.EtherTypeIPv6:
		s.handleIPv6(f.Payload)
	}
}

func (s *Stack) dropFrame(err error, protocol string) {
	_, integrity := err.(*protoerr.IntegrityError)
	recordDrop(integrity, protocol)
	s.logger.Debug("dropped frame", "protocol", protocol, "error", err)
}

func (s *Stack) handleARP(payload []byte) {
	msg, err := arp.Parse(payload)
	if err != nil {
		s.dropFrame(err, "arp")
		return
	}
	s.arp.Observe(msg.SenderIP, msg.SenderMAC)

	if msg.Operation != arp.OperationRequest {
		return
	}
	if !s.HasIPv4(msg.TargetIP) {
		return
	}
	reply := arp.NewReply(msg, s.cfg.MAC)
	eth := &ethernet.Frame{
		Dst:       msg.SenderMAC,
		Src:       s.cfg.MAC,
		Kind:      ethernet.KindEthernetII,
		EtherType: ethernet.EtherTypeARP,
		Payload:   reply.ToBytes(),
	}
	metricFramesTotal.WithLabelValues("tx").Inc()
	if err := s.cfg.Sink.WriteFrame(eth.ToBytes()); err != nil {
		s.logger.Warn("ARP reply failed", "target", msg.TargetIP, "error", err)
	}
}

func (s *Stack) handleIPv4(payload []byte) {
	h, err := ipv4.Parse(payload)
	if err != nil {
		s.dropFrame(err, "ipv4")
		return
	}
	if !s.HasIPv4(h.DstIP) {
		return
	}

	body := h.Payload
	proto := h.Protocol
	if h.FlagMF || h.FragmentOffset != 0 {
		key := fragment.FlowKey4{Src: h.SrcIP, Dst: h.DstIP, Protocol: uint8(h.Protocol), ID: h.Identification}
		reassembled, complete, err := s.frag4.Add(key, int(h.FragmentOffset)*8, h.Payload, !h.FlagMF)
		if err != nil {
			s.dropFrame(err, "ipv4")
			return
		}
		if !complete {
			return
		}
		body = reassembled
	}

	switch proto {
	case ipv4.ProtocolICMP:
		s.handleICMPv4(h.SrcIP, h.DstIP, body)
	case ipv4.ProtocolUDP:
		s.handleUDPv4(h, body)
	case ipv4.ProtocolTCP:
		s.handleTCPv4(h.SrcIP, h.DstIP, body)
	}
}

func (s *Stack) handleICMPv4(src, dst addr.IPv4, payload []byte) {
	msg, err := icmpv4.Parse(payload)
	if err != nil {
		s.dropFrame(err, "icmpv4")
		return
	}
	echo, ok := msg.Body.(icmpv4.Echo)
	if !ok || echo.IsReply() {
		return
	}
	reply := &icmpv4.Message{Body: icmpv4.NewEchoReply(echo.ID, echo.Seq, echo.Data)}
	if err := s.transmitIPv4(dst, src, ipv4.ProtocolICMP, reply.ToBytes()); err != nil {
		s.logger.Warn("ICMPv4 echo reply failed", "peer", src, "error", err)
	}
}

func (s *Stack) handleUDPv4(h *ipv4.Header, payload []byte) {
	src, dst := h.SrcIP, h.DstIP
	srcB, dstB := src.Bytes(), dst.Bytes()
	ctx := udp.ContextIPv4(srcB, dstB, uint16(len(payload)))
	dgram, err := udp.Parse(payload, ctx)
	if err != nil {
		s.dropFrame(err, "udp")
		return
	}
	key := socket.Key{Family: socket.INET4, Type: socket.DGRAM, LocalIP: dst.String(), LocalPort: dgram.DstPort}
	sock, ok := s.sockets.Lookup(key)
	if !ok {
		s.sendICMPv4PortUnreachable(h)
		return
	}
	udpSock, ok := sock.(*socket.UDPSocket)
	if !ok {
		s.sendICMPv4PortUnreachable(h)
		return
	}
	udpSock.Deliver(socket.Datagram{Payload: dgram.Payload, PeerIP: src.String(), PeerPort: dgram.SrcPort})
}

// sendICMPv4PortUnreachable answers a UDP datagram addressed to a closed or
// unbound local port with a Destination Unreachable (Port Unreachable)
// reply, carrying h's header plus the first 8 bytes of its payload back to
// the sender per RFC 792.
func (s *Stack) sendICMPv4PortUnreachable(h *ipv4.Header) {
	orig := h.ToBytes()
	end := h.HeaderLen() + 8
	if end > len(orig) {
		end = len(orig)
	}
	reply := &icmpv4.Message{Body: icmpv4.DestinationUnreachable{
		Code:             icmpv4.CodePortUnreachable,
		OriginalDatagram: append([]byte(nil), orig[:end]...),
	}}
	if err := s.transmitIPv4(h.DstIP, h.SrcIP, ipv4.ProtocolICMP, reply.ToBytes()); err != nil {
		s.logger.Warn("ICMPv4 port unreachable failed", "peer", h.SrcIP, "error", err)
	}
}

func (s *Stack) handleTCPv4(src, dst addr.IPv4, payload []byte) {
	srcB, dstB := src.Bytes(), dst.Bytes()
	ctx := tcp.ContextIPv4(srcB, dstB, uint16(len(payload)))
	seg, err := tcp.Parse(payload, ctx)
	if err != nil {
		s.dropFrame(err, "tcp")
		return
	}
	s.dispatchTCP(src.String(), dst.String(), socket.INET4, seg)
}

func (s *Stack) handleIPv6(payload []byte) {
	h, err := ipv6.Parse(payload)
	if err != nil {
		s.dropFrame(err, "ipv6")
		return
	}
	if !s.HasIPv6(h.DstIP) {
		return
	}

	body := h.Payload
	proto := h.UpperProtocol()
	if h.Fragment != nil {
		key := fragment.FlowKey6{Src: h.SrcIP, Dst: h.DstIP, ID: h.Fragment.Identification}
		reassembled, complete, err := s.frag6.Add(key, int(h.Fragment.FragmentOffset)*8, h.Payload, !h.Fragment.MoreFragments)
		if err != nil {
			s.dropFrame(err, "ipv6")
			return
		}
		if !complete {
			return
		}
		body = reassembled
	}

	switch proto {
	case ipv6.ProtocolICMPv6:
		s.handleICMPv6(h.SrcIP, h.DstIP, body)
	case ipv6.ProtocolUDP:
		s.handleUDPv6(h, body)
	case ipv6.ProtocolTCP:
		s.handleTCPv6(h.SrcIP, h.DstIP, body)
	}
}

func (s *Stack) handleICMPv6(src, dst addr.IPv6, payload []byte) {
	ctx := icmpv6.Context{SrcIP: src, DstIP: dst, HopLimit: icmpv6.NDHopLimit}
	msg, err := icmpv6.Parse(payload, ctx)
	if err != nil {
		s.dropFrame(err, "icmpv6")
		return
	}

	switch body := msg.Body.(type) {
	case icmpv6.Echo:
		if body.IsReply() {
			return
		}
		reply := &icmpv6.Message{Body: icmpv6.NewEchoReply(body.ID, body.Seq, body.Data)}
		replyCtx := icmpv6.Context{SrcIP: dst, DstIP: src, HopLimit: 64}
		if err := s.transmitIPv6(dst, src, ipv6.ProtocolICMPv6, reply.ToBytes(replyCtx)); err != nil {
			s.logger.Warn("ICMPv6 echo reply failed", "peer", src, "error", err)
		}
	case icmpv6.NeighborSolicitation:
		s.handleNeighborSolicitation(src, dst, body)
	case icmpv6.NeighborAdvertisement:
		s.nd.Observe(body.Target, llaOf(body.Options), body.RouterFlag)
		if body.SolicitedFlag {
			s.dad.ObserveConflict(body.Target)
		}
	}
}

func (s *Stack) handleNeighborSolicitation(src, dst addr.IPv6, ns icmpv6.NeighborSolicitation) {
	if !src.IsUnspecified() {
		s.nd.Observe(src, llaOf(ns.Options), false)
	} else {
		// Unspecified source means this is someone else's DAD probe
		// against ns.Target; if that's an address we're binding, it's a
		// conflict, per RFC 4862 §5.4.3.
		s.dad.ObserveConflict(ns.Target)
	}
	if !s.HasIPv6(ns.Target) {
		return
	}

	na := icmpv6.NeighborAdvertisement{
		RouterFlag:    false,
		SolicitedFlag: !src.IsUnspecified(),
		OverrideFlag:  true,
		Target:        ns.Target,
		Options:       []icmpv6.Option{icmpv6.OptionTLLA{MAC: s.cfg.MAC}},
	}
	replyDst := src
	if src.IsUnspecified() {
		replyDst = ns.Target.SolicitedNodeMulticast()
	}
	ctx := icmpv6.Context{SrcIP: ns.Target, DstIP: replyDst, HopLimit: icmpv6.NDHopLimit}
	msg := &icmpv6.Message{Body: na}
	if err := s.transmitIPv6(ns.Target, replyDst, ipv6.ProtocolICMPv6, msg.ToBytes(ctx)); err != nil {
		s.logger.Warn("neighbor advertisement failed", "target", ns.Target, "error", err)
	}
}

func llaOf(opts []icmpv6.Option) addr.MAC {
	for _, o := range opts {
		switch v := o.(type) {
		case icmpv6.OptionSLLA:
			return v.MAC
		case icmpv6.OptionTLLA:
			return v.MAC
		}
	}
	return addr.MAC{}
}

func (s *Stack) handleUDPv6(h *ipv6.Header, payload []byte) {
	src, dst := h.SrcIP, h.DstIP
	srcB, dstB := src.Bytes(), dst.Bytes()
	ctx := udp.ContextIPv6(srcB, dstB, uint32(len(payload)))
	dgram, err := udp.Parse(payload, ctx)
	if err != nil {
		s.dropFrame(err, "udp")
		return
	}
	key := socket.Key{Family: socket.INET6, Type: socket.DGRAM, LocalIP: dst.String(), LocalPort: dgram.DstPort}
	sock, ok := s.sockets.Lookup(key)
	if !ok {
		s.sendICMPv6PortUnreachable(h)
		return
	}
	udpSock, ok := sock.(*socket.UDPSocket)
	if !ok {
		s.sendICMPv6PortUnreachable(h)
		return
	}
	udpSock.Deliver(socket.Datagram{Payload: dgram.Payload, PeerIP: src.String(), PeerPort: dgram.SrcPort})
}

// icmpv6MaxOrigDatagram bounds the embedded original datagram to what fits
// an ICMPv6 error inside the minimum IPv6 MTU (1280), per RFC 4443 §2.4(c):
// 1280 - 40-byte IPv6 header - 8-byte ICMPv6 header.
const icmpv6MaxOrigDatagram = 1232

// sendICMPv6PortUnreachable answers a UDP datagram addressed to a closed or
// unbound local port with a Destination Unreachable (Port Unreachable)
// reply carrying as much of h's original datagram as fits the minimum IPv6
// MTU, per RFC 4443 §3.1.
func (s *Stack) sendICMPv6PortUnreachable(h *ipv6.Header) {
	orig := h.ToBytes()
	end := len(orig)
	if end > icmpv6MaxOrigDatagram {
		end = icmpv6MaxOrigDatagram
	}
	reply := &icmpv6.Message{Body: icmpv6.DestinationUnreachable{
		Code:             icmpv6.CodePortUnreach,
		OriginalDatagram: append([]byte(nil), orig[:end]...),
	}}
	replyCtx := icmpv6.Context{SrcIP: h.DstIP, DstIP: h.SrcIP, HopLimit: 64}
	if err := s.transmitIPv6(h.DstIP, h.SrcIP, ipv6.ProtocolICMPv6, reply.ToBytes(replyCtx)); err != nil {
		s.logger.Warn("ICMPv6 port unreachable failed", "peer", h.SrcIP, "error", err)
	}
}

func (s *Stack) handleTCPv6(src, dst addr.IPv6, payload []byte) {
	srcB, dstB := src.Bytes(), dst.Bytes()
	ctx := tcp.ContextIPv6(srcB, dstB, uint32(len(payload)))
	seg, err := tcp.Parse(payload, ctx)
	if err != nil {
		s.dropFrame(err, "tcp")
		return
	}
	s.dispatchTCP(src.String(), dst.String(), socket.INET6, seg)
}

// dispatchTCP routes an inbound segment to its socket's TCB, spawning an
// accepted child off a LISTEN socket on an initial SYN, and answering any
// non-matching segment: RST elicits nothing, everything else
// elicits a RST.
func (s *Stack) dispatchTCP(srcIP, dstIP string, family socket.Family, seg *tcp.Segment) {
	key := socket.Key{Family: family, Type: socket.STREAM, LocalIP: dstIP, LocalPort: seg.DstPort, RemoteIP: srcIP, RemotePort: seg.SrcPort}
	sock, ok := s.sockets.Lookup(key)
	if !ok {
		s.sendTCPReset(srcIP, dstIP, family, seg)
		return
	}

	tcpSock, ok := sock.(*socket.TCPSocket)
	if !ok {
		s.sendTCPReset(srcIP, dstIP, family, seg)
		return
	}

	if tcpSock.Key().RemoteIP == "" && seg.Flags.Has(tcp.FlagSYN) && !seg.Flags.Has(tcp.FlagACK) {
		s.spawnAcceptedChild(tcpSock, srcIP, dstIP, family, seg)
		return
	}

	if err := tcpSock.TCB().HandleSegment(seg, time.Now()); err != nil {
		s.logger.Debug("TCP segment rejected", "peer", srcIP, "error", err)
	}
}

func (s *Stack) spawnAcceptedChild(parent *socket.TCPSocket, srcIP, dstIP string, family socket.Family, seg *tcp.Segment) {
	tx := s.transmitterFor(family)
	iss := generateISS()
	child, err := socket.NewAcceptedChildSocket(s.sockets, tx, parent, family, dstIP, seg.DstPort, srcIP, seg.SrcPort, iss, s.cfg.TCPTemplate)
	if err != nil {
		s.logger.Warn("failed to spawn accepted TCP child", "peer", srcIP, "error", err)
		return
	}
	if err := child.TCB().HandleSegment(seg, time.Now()); err != nil {
		s.logger.Debug("accepted child rejected initial SYN", "peer", srcIP, "error", err)
	}
}

func (s *Stack) sendTCPReset(srcIP, dstIP string, family socket.Family, seg *tcp.Segment) {
	if seg.Flags.Has(tcp.FlagRST) {
		return
	}
	rst := &tcp.Segment{SrcPort: seg.DstPort, DstPort: seg.SrcPort, Flags: tcp.FlagRST}
	if seg.Flags.Has(tcp.FlagACK) {
		rst.SeqNum = seg.AckNum
	} else {
		rst.Flags |= tcp.FlagACK
		segLen := uint32(len(seg.Payload))
		if seg.Flags.Has(tcp.FlagSYN) {
			segLen++
		}
		if seg.Flags.Has(tcp.FlagFIN) {
			segLen++
		}
		rst.AckNum = seg.SeqNum + segLen
	}
	tx := s.transmitterFor(family)
	if err := tx.SendTCP(dstIP, srcIP, rst); err != nil {
		s.logger.Debug("RST send failed", "peer", srcIP, "error", err)
	}
}

func (s *Stack) transmitterFor(_ socket.Family) *Stack { return s }

// generateISS picks a random initial sequence number. RFC 9293's Appendix A
// clock-driven generator exists to make wrapped-connection collisions less
// likely across restarts; a stack that does not persist state across
// restarts gets the same property from a sufficiently random ISS.
func generateISS() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
