package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/ustack/internal/proto/tcp"
	"github.com/unkn0wn-root/ustack/internal/tcpengine"
)

// Socket-level errors the TCP operations map internal TCB states onto.
var (
	ErrConnectionRefused = errors.New("socket: connection refused")
	ErrConnectionReset   = errors.New("socket: connection reset")
	ErrTimedOut          = errors.New("socket: timed out")
	ErrNotConnected      = errors.New("socket: not connected")
	ErrWouldBlock        = errors.New("socket: would block")
)

// TCPTransmitter builds and sends one TCP segment for a given 7-tuple; it
// adapts tcpengine.Transmitter to carry the socket's addressing.
type TCPTransmitter interface {
	SendTCP(localIP, remoteIP string, seg *tcp.Segment) error
}

// OnTCPStateChange, if set, is invoked on every TCB state transition across
// every TCP socket, before this package's own bookkeeping for that
// transition runs. Package stack uses it to feed transition counts into its
// metrics without this package importing stack's metric registry.
var OnTCPStateChange func(old, new tcpengine.State)

// TCPSocket wraps a tcpengine.TCB with the socket-table bookkeeping and
// accept-queue behavior for passive and active opens.
type TCPSocket struct {
	key     Key
	tx      TCPTransmitter
	adapter *tcbTransmitterAdapter
	table   *Table
	tcb     *tcpengine.TCB

	mu sync.Mutex

	// LISTEN-only fields.
	backlog   chan *TCPSocket
	listening bool

	// acceptParent is set on a child socket spawned by a LISTEN socket's
	// inbound SYN handling, so it can be handed to Accept once ESTABLISHED.
	acceptParent *TCPSocket

	establishedCh chan error
}

type tcbTransmitterAdapter struct {
	tx      TCPTransmitter
	localIP string
	remoteIP string
}

func (a *tcbTransmitterAdapter) SendSegment(seg *tcp.Segment) error {
	return a.tx.SendTCP(a.localIP, a.remoteIP, seg)
}

// NewTCPSocket constructs an unconnected TCP socket wrapping a fresh TCB in
// CLOSED state.
func NewTCPSocket(table *Table, tx TCPTransmitter, family Family, localIP string, localPort uint16, engineCfg tcpengine.Config) (*TCPSocket, error) {
	s := &TCPSocket{
		key:           Key{Family: family, Type: STREAM, LocalIP: localIP, LocalPort: localPort},
		tx:            tx,
		table:         table,
		establishedCh: make(chan error, 1),
	}
	engineCfg.LocalPort = localPort
	s.adapter = &tcbTransmitterAdapter{tx: tx, localIP: localIP}
	engineCfg.Transmitter = s.adapter
	engineCfg.OnStateChange = func(old, new tcpengine.State) {
		if OnTCPStateChange != nil {
			OnTCPStateChange(old, new)
		}
		if new == tcpengine.StateEstablished {
			if old == tcpengine.StateSynReceived {
				s.mu.Lock()
				parent := s.acceptParent
				s.mu.Unlock()
				if parent != nil {
					parent.deliverAccepted(s)
				}
			}
			s.notifyEstablished(nil)
		}
		if new == tcpengine.StateClosed && old != tcpengine.StateTimeWait && old != tcpengine.StateLastAck {
			s.notifyEstablished(ErrConnectionReset)
		}
	}
	tcb, err := tcpengine.NewTCB(engineCfg)
	if err != nil {
		return nil, err
	}
	s.tcb = tcb
	return s, nil
}

// NewAcceptedChildSocket constructs and registers the fully-qualified child
// socket for an inbound SYN on a LISTEN socket. The child's TCB is returned
// in LISTEN with the given ISS; the caller still owns feeding the triggering
// SYN segment to it via HandleSegment, which drives it from LISTEN to
// SYN-RECEIVED and emits the SYN-ACK.
func NewAcceptedChildSocket(table *Table, tx TCPTransmitter, parent *TCPSocket, family Family, localIP string, localPort uint16, remoteIP string, remotePort uint16, iss uint32, engineCfg tcpengine.Config) (*TCPSocket, error) {
	child, err := NewTCPSocket(table, tx, family, localIP, localPort, engineCfg)
	if err != nil {
		return nil, err
	}
	child.key.RemoteIP, child.key.RemotePort = remoteIP, remotePort
	child.adapter.remoteIP = remoteIP
	child.acceptParent = parent
	if err := child.table.Register(child.key, child); err != nil {
		return nil, fmt.Errorf("accept %s: %w", child.key, err)
	}
	child.tcb.SetISS(iss)
	if err := child.tcb.Listen(); err != nil {
		return nil, err
	}
	return child, nil
}

// Key returns the socket's current 7-tuple (wildcarded remote for LISTEN).
func (s *TCPSocket) Key() Key { return s.key }

// TCB exposes the underlying connection-state engine, for the stack's
// inbound dispatch to call HandleSegment/Tick on.
func (s *TCPSocket) TCB() *tcpengine.TCB { return s.tcb }

// Listen registers a LISTEN socket with the given backlog capacity for a
// passive-open bind+listen.
func (s *TCPSocket) Listen(backlog int) error {
	s.mu.Lock()
	s.backlog = make(chan *TCPSocket, backlog)
	s.listening = true
	s.mu.Unlock()
	if err := s.tcb.Listen(); err != nil {
		return err
	}
	if err := s.table.Register(s.key, s); err != nil {
		return fmt.Errorf("listen %s: %w", s.key, err)
	}
	return nil
}

// Accept blocks until a child connection reaches ESTABLISHED or ctx is
// canceled. Only valid on a LISTEN socket.
func (s *TCPSocket) Accept(ctx context.Context) (*TCPSocket, error) {
	s.mu.Lock()
	backlog := s.backlog
	s.mu.Unlock()
	if backlog == nil {
		return nil, fmt.Errorf("socket: accept on non-listening socket")
	}
	select {
	case child := <-backlog:
		return child, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliverAccepted is called from a child's TCB state-change hook (installed
// by NewTCPSocket) once the child moves from SYN-RECEIVED to ESTABLISHED,
// enqueuing it for Accept. Non-blocking: a full backlog drops
// the connection, mirroring a kernel's SYN-flood backlog-overflow behavior.
func (s *TCPSocket) deliverAccepted(child *TCPSocket) {
	select {
	case s.backlog <- child:
	default:
	}
}

// Connect issues an active open against remoteIP:remotePort and blocks
// until ESTABLISHED, the connection is refused/reset, or ctx expires.
func (s *TCPSocket) Connect(ctx context.Context, remoteIP string, remotePort uint16, iss uint32) error {
	s.key.RemoteIP, s.key.RemotePort = remoteIP, remotePort
	s.adapter.remoteIP = remoteIP
	if err := s.table.Register(s.key, s); err != nil {
		return fmt.Errorf("connect %s: %w", s.key, err)
	}
	if err := s.tcb.Open(iss); err != nil {
		return err
	}
	select {
	case err := <-s.establishedCh:
		return err
	case <-s.tcb.Closed():
		return ErrConnectionRefused
	case <-ctx.Done():
		return ErrTimedOut
	}
}

// notifyEstablished wakes a pending Connect. It is called from the TCB
// state-change hook installed by NewTCPSocket: with nil once the TCB reaches
// ESTABLISHED, and with ErrConnectionReset once it reaches CLOSED from any
// state other than TIME-WAIT or LAST-ACK.
func (s *TCPSocket) notifyEstablished(err error) {
	select {
	case s.establishedCh <- err:
	default:
	}
}

// Send queues data for transmission; ErrWouldBlock is never returned here
// (the send buffer absorbs data up to its cap) but is reserved for a
// future non-blocking send-window variant error table.
func (s *TCPSocket) Send(data []byte) (int, error) {
	return s.tcb.Send(data)
}

// Recv reads up to len(p) bytes of received, in-order data.
func (s *TCPSocket) Recv(p []byte) (int, error) {
	n, err := s.tcb.Recv(p)
	if errors.Is(err, tcpengine.ErrClosed) {
		return n, ErrConnectionReset
	}
	return n, err
}

// RecvTimeout blocks until data is available, the peer closes, or the given
// timeout elapses.
func (s *TCPSocket) RecvTimeout(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := s.Recv(p)
		if n > 0 || err != nil {
			return n, err
		}
		select {
		case <-s.tcb.WaitRecv():
		case <-time.After(time.Until(deadline)):
			return 0, ErrTimedOut
		}
		if time.Now().After(deadline) {
			return 0, ErrTimedOut
		}
	}
}

// Close issues an active close; the socket is unregistered once the TCB
// reaches CLOSED, which may happen asynchronously (TIME-WAIT, retransmits).
func (s *TCPSocket) Close() error {
	err := s.tcb.Close()
	go func() {
		<-s.tcb.Closed()
		s.table.Unregister(s.key)
	}()
	return err
}
