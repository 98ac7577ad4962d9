package stack

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/fragment"
	"github.com/unkn0wn-root/ustack/internal/proto/arp"
	"github.com/unkn0wn-root/ustack/internal/proto/ethernet"
	"github.com/unkn0wn-root/ustack/internal/proto/icmpv4"
	"github.com/unkn0wn-root/ustack/internal/proto/icmpv6"
	"github.com/unkn0wn-root/ustack/internal/proto/ipv4"
	"github.com/unkn0wn-root/ustack/internal/proto/ipv6"
)

// ErrFragmentationNeeded is returned by transmitIPv4 when a datagram exceeds
// the path MTU but carries Don't Fragment, per RFC 1191.
var ErrFragmentationNeeded = fmt.Errorf("stack: datagram exceeds path MTU with Don't Fragment set")

// SendFrame implements neighbor.ARPTransmitter and neighbor.NDTransmitter.
// frame is the IP packet to deliver (not yet wrapped in an Ethernet
// header); its version nibble tells SendFrame which EtherType to use,
// since both caches share this one method.
func (s *Stack) SendFrame(mac addr.MAC, frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("stack: SendFrame: empty payload")
	}
	etherType := ethernet.EtherTypeIPv4
	if frame[0]>>4 == 6 {
		etherType = ethernet.EtherTypeIPv6
	}
	eth := &ethernet.Frame{
		Dst:       mac,
		Src:       s.cfg.MAC,
		Kind:      ethernet.KindEthernetII,
		EtherType: etherType,
		Payload:   frame,
	}
	metricFramesTotal.WithLabelValues("tx").Inc()
	return s.cfg.Sink.WriteFrame(eth.ToBytes())
}

// SendARPRequest implements neighbor.ARPTransmitter.
func (s *Stack) SendARPRequest(target addr.IPv4) error {
	src, err := s.SourceForIPv4(target)
	if err != nil {
		return err
	}
	msg := arp.NewRequest(s.cfg.MAC, src, target)
	eth := &ethernet.Frame{
		Dst:       addr.MACBroadcast,
		Src:       s.cfg.MAC,
		Kind:      ethernet.KindEthernetII,
		EtherType: ethernet.EtherTypeARP,
		Payload:   msg.ToBytes(),
	}
	metricFramesTotal.WithLabelValues("tx").Inc()
	return s.cfg.Sink.WriteFrame(eth.ToBytes())
}

// SendNeighborSolicitation implements neighbor.NDTransmitter. dstMAC is nil
// for the initial multicast probe and set for a unicast reachability probe.
func (s *Stack) SendNeighborSolicitation(target addr.IPv6, dstMAC *addr.MAC) error {
	src, err := s.SourceForIPv6(target)
	if err != nil {
		return err
	}

	body := icmpv6.NeighborSolicitation{
		Target:  target,
		Options: []icmpv6.Option{icmpv6.OptionSLLA{MAC: s.cfg.MAC}},
	}
	msg := &icmpv6.Message{Code: 0, Body: body}

	dstIP := target.SolicitedNodeMulticast()
	linkDst := addr.SolicitedNodeMAC(target)
	if dstMAC != nil {
		dstIP = target
		linkDst = *dstMAC
	}

	ctx := icmpv6.Context{SrcIP: src, DstIP: dstIP, HopLimit: icmpv6.NDHopLimit}
	payload := msg.ToBytes(ctx)

	ip6 := &ipv6.Header{
		HopLimit:   icmpv6.NDHopLimit,
		SrcIP:      src,
		DstIP:      dstIP,
		NextHeader: uint8(ipv6.ProtocolICMPv6),
		Payload:    payload,
	}
	eth := &ethernet.Frame{
		Dst:       linkDst,
		Src:       s.cfg.MAC,
		Kind:      ethernet.KindEthernetII,
		EtherType: ethernet.EtherTypeIPv6,
		Payload:   ip6.ToBytes(),
	}
	metricFramesTotal.WithLabelValues("tx").Inc()
	return s.cfg.Sink.WriteFrame(eth.ToBytes())
}

// SendDADProbe implements neighbor.DADTransmitter: a Neighbor Solicitation
// with the unspecified address as source, per RFC 4862 §5.4.2.
func (s *Stack) SendDADProbe(target addr.IPv6) error {
	body := icmpv6.NeighborSolicitation{Target: target}
	msg := &icmpv6.Message{Code: 0, Body: body}

	dstIP := target.SolicitedNodeMulticast()
	ctx := icmpv6.Context{SrcIP: addr.IPv6Unspecified, DstIP: dstIP, HopLimit: icmpv6.NDHopLimit}
	payload := msg.ToBytes(ctx)

	ip6 := &ipv6.Header{
		HopLimit:   icmpv6.NDHopLimit,
		SrcIP:      addr.IPv6Unspecified,
		DstIP:      dstIP,
		NextHeader: uint8(ipv6.ProtocolICMPv6),
		Payload:    payload,
	}
	eth := &ethernet.Frame{
		Dst:       addr.SolicitedNodeMAC(target),
		Src:       s.cfg.MAC,
		Kind:      ethernet.KindEthernetII,
		EtherType: ethernet.EtherTypeIPv6,
		Payload:   ip6.ToBytes(),
	}
	metricFramesTotal.WithLabelValues("tx").Inc()
	return s.cfg.Sink.WriteFrame(eth.ToBytes())
}

// nextHopIPv4 returns the address whose MAC must be resolved to reach dst:
// dst itself if it is on one of the interface's own networks, else the
// gateway of the first host that has one configured.
func (s *Stack) nextHopIPv4(dst addr.IPv4) (addr.IPv4, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.hosts4 {
		if h.Network.Contains(dst) {
			return dst, nil
		}
	}
	for _, h := range s.hosts4 {
		if h.Gateway != nil {
			return *h.Gateway, nil
		}
	}
	return addr.IPv4{}, ErrNoRoute
}

func (s *Stack) nextHopIPv6(dst addr.IPv6) (addr.IPv6, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.hosts6 {
		if h.Network.Contains(dst) {
			return dst, nil
		}
	}
	for _, h := range s.hosts6 {
		if h.Gateway != nil {
			return *h.Gateway, nil
		}
	}
	return addr.IPv6{}, ErrNoRoute
}

// transmitIPv4 assembles an IPv4 datagram carrying payload for protocol,
// fragmenting if it exceeds the interface MTU, and hands each resulting
// packet to ARP resolution for next-hop delivery. TCP sets Don't Fragment on
// every segment and relies on its own MSS clamp instead of IP fragmentation,
// per RFC 1191; if an oversized TCP payload ever reaches here anyway, the
// datagram is rejected rather than silently fragmented out from under DF.
func (s *Stack) transmitIPv4(src, dst addr.IPv4, protocol ipv4.Protocol, payload []byte) error {
	hop, err := s.nextHopIPv4(dst)
	if err != nil {
		return err
	}

	df := protocol == ipv4.ProtocolTCP
	budget := s.cfg.MTU - ipv4.MinHeaderLen
	if len(payload) <= budget {
		h := &ipv4.Header{
			Identification: uint16(s.flows.Next()),
			FlagDF:         df,
			TTL:            64,
			Protocol:       protocol,
			SrcIP:          src,
			DstIP:          dst,
			Payload:        payload,
		}
		return s.resolveAndSendIPv4(hop, h.ToBytes())
	}

	if df {
		return s.rejectFragmentationNeeded(src, dst, protocol, payload, budget)
	}

	chunks, err := fragment.Split(payload, budget&^7)
	if err != nil {
		return fmt.Errorf("stack: fragmenting IPv4 datagram: %w", err)
	}
	id := uint16(s.flows.Next())
	for i, c := range chunks {
		h := &ipv4.Header{
			Identification: id,
			FlagMF:         i < len(chunks)-1,
			FragmentOffset: uint16(c.Offset / 8),
			TTL:            64,
			Protocol:       protocol,
			SrcIP:          src,
			DstIP:          dst,
			Payload:        c.Data,
		}
		if err := s.resolveAndSendIPv4(hop, h.ToBytes()); err != nil {
			return err
		}
	}
	return nil
}

// rejectFragmentationNeeded builds and logs an ICMPv4 Destination
// Unreachable (Fragmentation Needed) message describing why payload cannot
// go out, carrying the next-hop MTU per RFC 1191, and returns
// ErrFragmentationNeeded instead of violating the caller's DF request.
func (s *Stack) rejectFragmentationNeeded(src, dst addr.IPv4, protocol ipv4.Protocol, payload []byte, budget int) error {
	h := &ipv4.Header{
		Identification: uint16(s.flows.Next()),
		FlagDF:         true,
		TTL:            64,
		Protocol:       protocol,
		SrcIP:          src,
		DstIP:          dst,
		Payload:        payload,
	}
	orig := h.ToBytes()
	end := h.HeaderLen() + 8
	if end > len(orig) {
		end = len(orig)
	}
	msg := &icmpv4.Message{Body: icmpv4.DestinationUnreachable{
		Code:             icmpv4.CodeFragNeeded,
		NextHopMTU:       uint16(budget + ipv4.MinHeaderLen),
		OriginalDatagram: append([]byte(nil), orig[:end]...),
	}}
	s.logger.Warn("datagram exceeds path MTU with DF set",
		"dst", dst, "protocol", protocol, "mtu", budget+ipv4.MinHeaderLen, "icmp_bytes", len(msg.ToBytes()))
	return fmt.Errorf("stack: transmit to %s: %w", dst, ErrFragmentationNeeded)
}

func (s *Stack) resolveAndSendIPv4(nextHop addr.IPv4, packet []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ARPResolveTimeout+time.Second)
	defer cancel()
	_, err := s.arp.Resolve(ctx, nextHop, packet)
	return err
}

// transmitIPv6 is transmitIPv4's IPv6 counterpart: fragmentation uses the
// Fragment extension header instead of header-embedded offset/flags.
func (s *Stack) transmitIPv6(src, dst addr.IPv6, nextHeader ipv6.Protocol, payload []byte) error {
	hop, err := s.nextHopIPv6(dst)
	if err != nil {
		return err
	}

	budget := s.cfg.MTU - ipv6.BaseHeaderLen
	if len(payload) <= budget {
		h := &ipv6.Header{
			HopLimit:   64,
			SrcIP:      src,
			DstIP:      dst,
			NextHeader: uint8(nextHeader),
			Payload:    payload,
		}
		return s.resolveAndSendIPv6(hop, h.ToBytes())
	}

	fragBudget := (budget - ipv6.FragmentHeaderLen) &^ 7
	chunks, err := fragment.Split(payload, fragBudget)
	if err != nil {
		return fmt.Errorf("stack: fragmenting IPv6 datagram: %w", err)
	}
	id := s.flows.Next()
	for i, c := range chunks {
		h := &ipv6.Header{
			HopLimit:   64,
			SrcIP:      src,
			DstIP:      dst,
			NextHeader: ipv6.NextHeaderFragment,
			Fragment: &ipv6.FragmentHeader{
				NextHeader:     uint8(nextHeader),
				FragmentOffset: uint16(c.Offset / 8),
				MoreFragments:  i < len(chunks)-1,
				Identification: id,
			},
			Payload: c.Data,
		}
		if err := s.resolveAndSendIPv6(hop, h.ToBytes()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stack) resolveAndSendIPv6(nextHop addr.IPv6, packet []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NDResolveTimeout+time.Second)
	defer cancel()
	_, err := s.nd.Resolve(ctx, nextHop, packet)
	return err
}
