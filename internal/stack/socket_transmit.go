package stack

import (
	"fmt"
	"strings"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/proto/ipv4"
	"github.com/unkn0wn-root/ustack/internal/proto/ipv6"
	"github.com/unkn0wn-root/ustack/internal/proto/tcp"
	"github.com/unkn0wn-root/ustack/internal/proto/udp"
)

// isIPv6 tells apart the string forms internal/socket exchanges addresses
// in: IPv6 strings always carry a colon, IPv4 dotted-quad never does.
func isIPv6(s string) bool { return strings.Contains(s, ":") }

// SendUDP implements socket.UDPTransmitter.
func (s *Stack) SendUDP(srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte) error {
	if isIPv6(srcIP) {
		src, err := addr.ParseIPv6(srcIP)
		if err != nil {
			return fmt.Errorf("stack: SendUDP: %w", err)
		}
		dst, err := addr.ParseIPv6(dstIP)
		if err != nil {
			return fmt.Errorf("stack: SendUDP: %w", err)
		}
		srcB, dstB := src.Bytes(), dst.Bytes()
		ctx := udp.ContextIPv6(srcB, dstB, uint32(udp.HeaderLen+len(payload)))
		dgram := &udp.Datagram{SrcPort: srcPort, DstPort: dstPort, Payload: payload}
		return s.transmitIPv6(src, dst, ipv6.ProtocolUDP, dgram.ToBytes(ctx))
	}

	src, err := addr.ParseIPv4(srcIP)
	if err != nil {
		return fmt.Errorf("stack: SendUDP: %w", err)
	}
	dst, err := addr.ParseIPv4(dstIP)
	if err != nil {
		return fmt.Errorf("stack: SendUDP: %w", err)
	}
	srcB, dstB := src.Bytes(), dst.Bytes()
	ctx := udp.ContextIPv4(srcB, dstB, uint16(udp.HeaderLen+len(payload)))
	dgram := &udp.Datagram{SrcPort: srcPort, DstPort: dstPort, Payload: payload}
	return s.transmitIPv4(src, dst, ipv4.ProtocolUDP, dgram.ToBytes(ctx))
}

// SendTCP implements socket.TCPTransmitter.
func (s *Stack) SendTCP(localIP, remoteIP string, seg *tcp.Segment) error {
	if isIPv6(localIP) {
		src, err := addr.ParseIPv6(localIP)
		if err != nil {
			return fmt.Errorf("stack: SendTCP: %w", err)
		}
		dst, err := addr.ParseIPv6(remoteIP)
		if err != nil {
			return fmt.Errorf("stack: SendTCP: %w", err)
		}
		srcB, dstB := src.Bytes(), dst.Bytes()
		ctx := tcp.ContextIPv6(srcB, dstB, uint32(seg.HeaderLen()+len(seg.Payload)))
		return s.transmitIPv6(src, dst, ipv6.ProtocolTCP, seg.ToBytes(ctx))
	}

	src, err := addr.ParseIPv4(localIP)
	if err != nil {
		return fmt.Errorf("stack: SendTCP: %w", err)
	}
	dst, err := addr.ParseIPv4(remoteIP)
	if err != nil {
		return fmt.Errorf("stack: SendTCP: %w", err)
	}
	srcB, dstB := src.Bytes(), dst.Bytes()
	ctx := tcp.ContextIPv4(srcB, dstB, uint16(seg.HeaderLen()+len(seg.Payload)))
	return s.transmitIPv4(src, dst, ipv4.ProtocolTCP, seg.ToBytes(ctx))
}
