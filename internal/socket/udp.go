package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MaxUDPPayloadV4 and MaxUDPPayloadV6 bound sendto's payload:
// the IPv4 datagram length field caps v4 at 65507 bytes of UDP payload
// (65535 - 20 IP - 8 UDP); IPv6 has no equivalent IP-header budget to
// subtract, giving 65527 (65535 - 8 UDP).
const (
	MaxUDPPayloadV4 = 65507
	MaxUDPPayloadV6 = 65527
)

// ErrMessageTooLong is returned by SendTo when data exceeds the family's
// payload cap.
var ErrMessageTooLong = errors.New("socket: message too long")

// Datagram is one received UDP payload with its peer address, mirroring a
// raw socket's per-packet metadata shape (peer_ip, peer_port).
type Datagram struct {
	Payload  []byte
	PeerIP   string
	PeerPort uint16
}

// UDPTransmitter sends one UDP payload to a peer; internal/stack supplies
// the IP-layer wrapping.
type UDPTransmitter interface {
	SendUDP(srcIP string, srcPort uint16, dstIP string, dstPort uint16, payload []byte) error
}

// UDPSocket is a bound UDP endpoint: sendto is immediate, recvfrom blocks on
// an internal queue fed by the stack's inbound dispatch.
type UDPSocket struct {
	key   Key
	tx    UDPTransmitter
	table *Table

	mu     sync.Mutex
	queue  []Datagram
	notify chan struct{}
	closed bool
}

// NewUDPSocket binds a UDP socket to localIP:localPort and registers it in
// table bind semantics (family, DGRAM, proto, local_ip,
// local_port, unspec, 0).
func NewUDPSocket(table *Table, tx UDPTransmitter, family Family, localIP string, localPort uint16) (*UDPSocket, error) {
	key := Key{Family: family, Type: DGRAM, LocalIP: localIP, LocalPort: localPort}
	s := &UDPSocket{key: key, tx: tx, table: table, notify: make(chan struct{}, 1)}
	if err := table.Register(key, s); err != nil {
		return nil, fmt.Errorf("bind %s: %w", key, err)
	}
	return s, nil
}

// Key returns the socket's registered 7-tuple.
func (s *UDPSocket) Key() Key { return s.key }

// SendTo transmits payload to (dstIP, dstPort), enforcing the per-family
// size cap.
func (s *UDPSocket) SendTo(dstIP string, dstPort uint16, payload []byte) error {
	maxLen := MaxUDPPayloadV4
	if s.key.Family == INET6 {
		maxLen = MaxUDPPayloadV6
	}
	if len(payload) > maxLen {
		return ErrMessageTooLong
	}
	return s.tx.SendUDP(s.key.LocalIP, s.key.LocalPort, dstIP, dstPort, payload)
}

// Deliver is called by the stack's inbound dispatch to hand a received
// datagram to this socket's queue. Never blocks.
func (s *UDPSocket) Deliver(d Datagram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, d)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// RecvFrom blocks until a datagram arrives, ctx is canceled, or the socket
// is closed recvfrom semantics.
func (s *UDPSocket) RecvFrom(ctx context.Context) (Datagram, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return d, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Datagram{}, ErrSocketClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Datagram{}, ctx.Err()
		}
	}
}

// RecvFromTimeout is a convenience wrapper matching its
// timeout-bearing blocking calls.
func (s *UDPSocket) RecvFromTimeout(timeout time.Duration) (Datagram, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.RecvFrom(ctx)
}

// Close unregisters the socket and unblocks any waiting RecvFrom.
func (s *UDPSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.table.Unregister(s.key)
	return nil
}

// ErrSocketClosed is returned by blocking calls on a closed socket.
var ErrSocketClosed = errors.New("socket: closed")
