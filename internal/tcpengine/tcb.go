// Package tcpengine implements the stateful TCP connection engine: the
// RFC 9293 state machine, send/receive queues, RFC 6298 retransmission
// timing, RFC 5681 congestion control, zero-window persistence, keepalive,
// the 2*MSL TIME-WAIT timer, delayed ACKs, and out-of-order segment
// reassembly. internal/proto/tcp supplies the wire codec;
// this package supplies the behavior across a sequence of segments.
package tcpengine

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unkn0wn-root/ustack/internal/proto/tcp"
)

// MSL is the Maximum Segment Lifetime assumption driving the TIME-WAIT
// timer (2*MSL), per RFC 9293 §3.3.3. Real networks don't need anywhere
// near the classic 2-minute MSL; a smaller value keeps TIME-WAIT sockets
// from piling up in test and short-lived-connection workloads.
const MSL = 30 * time.Second

// DelayedACKTimeout bounds how long a received segment may go unacknowledged
// before a standalone ACK is forced, per 200ms-or-2-segments rule.
const DelayedACKTimeout = 200 * time.Millisecond

// KeepaliveIdle is the default idle period before a keepalive probe is sent.
const KeepaliveIdle = 2 * time.Hour

// KeepaliveInterval is the default gap between keepalive probes.
const KeepaliveInterval = 75 * time.Second

// KeepaliveMaxProbes bounds unanswered probes before the connection is
// declared dead.
const KeepaliveMaxProbes = 9

// Transmitter sends one outbound segment. The caller (internal/stack)
// supplies the IP-layer wrapping and routing.
type Transmitter interface {
	SendSegment(seg *tcp.Segment) error
}

// Config parameterizes a TCB. Validate fills defaults.
type Config struct {
	Transmitter Transmitter
	Logger      *slog.Logger

	LocalPort, RemotePort uint16

	MSSCeiling        uint16
	WindowScale       uint8
	SACKPermitted     bool
	TimestampsEnabled bool
	InitialRecvWindow uint32
	SendBufferCap     int
	RecvBufferCap     int

	KeepaliveIdle      time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMaxProbes int

	// OnStateChange, if set, is invoked (outside the TCB's lock) whenever
	// the connection transitions state, for socket-table bookkeeping.
	OnStateChange func(old, new State)
}

func (c *Config) Validate() error {
	if c.Transmitter == nil {
		return fmt.Errorf("tcpengine: transmitter is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MSSCeiling == 0 {
		c.MSSCeiling = 1460
	}
	if c.WindowScale > tcp.MaxWindowScale {
		c.WindowScale = tcp.MaxWindowScale
	}
	if c.InitialRecvWindow == 0 {
		c.InitialRecvWindow = 65535
	}
	if c.SendBufferCap <= 0 {
		c.SendBufferCap = 1 << 20
	}
	if c.RecvBufferCap <= 0 {
		c.RecvBufferCap = 1 << 20
	}
	if c.KeepaliveIdle <= 0 {
		c.KeepaliveIdle = KeepaliveIdle
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = KeepaliveInterval
	}
	if c.KeepaliveMaxProbes <= 0 {
		c.KeepaliveMaxProbes = KeepaliveMaxProbes
	}
	return nil
}

// TCB is one Transmission Control Block: the complete per-connection state
// machine, queues, and timers. All mutation happens under mu; Transmitter
// calls are made with mu released.
type TCB struct {
	cfg Config

	mu    sync.Mutex
	state State

	iss, irs       uint32
	sndUna, sndNxt uint32
	sndWnd         uint32
	rcvNxt         uint32
	rcvWnd         uint32

	opts negotiatedOptions

	sendBuf   bytes.Buffer // bytes from sndUna onward (unacked + unsent)
	sendReady chan struct{}

	recvBuf     bytes.Buffer
	recvPending map[uint32][]byte // out-of-order segments keyed by seq
	recvReady   chan struct{}

	rto            *rtoEstimator
	cc             *congestionControl
	rtoDeadline    time.Time
	rtoPending     bool
	rttMeasureSent time.Time
	// retransmitted marks the segment timed by rttMeasureSent as a
	// retransmission rather than an original transmission, per Karn's
	// algorithm (RFC 6298 §3): the RTT sample it would produce is
	// ambiguous (the ACK may acknowledge either copy) and must be
	// discarded rather than folded into the SRTT/RTTVAR estimate.
	retransmitted bool

	persistActive   bool
	persistBackoff  time.Duration
	persistDeadline time.Time

	keepaliveDeadline time.Time
	keepaliveProbes   int

	timeWaitDeadline time.Time

	delayedACKPending  bool
	delayedACKDeadline time.Time
	segmentsSinceACK   int

	closedCh  chan struct{}
	closeOnce sync.Once

	finSent, finRecv bool
}

// NewTCB constructs a TCB in CLOSED state. Call Listen or Open to begin.
func NewTCB(cfg Config) (*TCB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &TCB{
		cfg:         cfg,
		state:       StateClosed,
		rcvWnd:      cfg.InitialRecvWindow,
		recvPending: make(map[uint32][]byte),
		sendReady:   make(chan struct{}, 1),
		recvReady:   make(chan struct{}, 1),
		rto:         newRTOEstimator(),
		closedCh:    make(chan struct{}),
	}
	return t, nil
}

func (t *TCB) setState(s State) {
	old := t.state
	t.state = s
	if t.cfg.OnStateChange != nil && old != s {
		cb := t.cfg.OnStateChange
		go cb(old, s)
	}
	if s == StateClosed {
		t.closeOnce.Do(func() { close(t.closedCh) })
	}
}

// State returns the current connection state.
func (t *TCB) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetISS pre-seeds the initial send sequence number before Listen or Open
// is called, so a caller (e.g. the socket layer spawning a per-connection
// child TCB for a LISTEN socket) controls ISS selection instead of having
// it default to zero.
func (t *TCB) SetISS(iss uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.iss = iss
}

// Listen transitions a CLOSED TCB to LISTEN, per RFC 9293's passive OPEN.
func (t *TCB) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateClosed {
		return fmt.Errorf("tcpengine: LISTEN from state %s", t.state)
	}
	t.setState(StateListen)
	return nil
}

// Open issues an active OPEN with the caller-supplied ISS: sends the
// initial SYN and transitions to SYN-SENT.
func (t *TCB) Open(iss uint32) error {
	t.mu.Lock()
	if t.state != StateClosed {
		t.mu.Unlock()
		return fmt.Errorf("tcpengine: OPEN from state %s", t.state)
	}
	t.iss = iss
	t.sndUna = iss
	t.sndNxt = iss + 1
	t.setState(StateSynSent)
	seg := t.buildSegmentLocked(tcp.FlagSYN, iss, 0, nil)
	seg.Options = buildOpeningOptions(t.cfg.MSSCeiling, t.cfg.WindowScale, t.cfg.SACKPermitted, t.cfg.TimestampsEnabled, 0)
	t.mu.Unlock()
	return t.cfg.Transmitter.SendSegment(seg)
}

// buildSegmentLocked assembles a segment with the given flags/seq/ack and
// payload, using the TCB's current advertised window. Caller holds mu.
func (t *TCB) buildSegmentLocked(flags tcp.Flags, seq, ack uint32, payload []byte) *tcp.Segment {
	win := t.rcvWnd
	if t.opts.windowScaleOK && t.opts.recvWindowScale > 0 {
		win >>= t.opts.recvWindowScale
	}
	if win > 0xffff {
		win = 0xffff
	}
	return &tcp.Segment{
		SrcPort: t.cfg.LocalPort, DstPort: t.cfg.RemotePort,
		SeqNum: seq, AckNum: ack, Flags: flags, WindowSize: uint16(win), Payload: payload,
	}
}

// Send appends application data to the outbound buffer, for the stack's
// transmit loop to drain according to the current window. Returns the
// number of bytes accepted (less than len(p) if SendBufferCap is reached).
func (t *TCB) Send(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.synchronized() || t.finSent {
		return 0, fmt.Errorf("tcpengine: send on connection in state %s", t.state)
	}
	avail := t.cfg.SendBufferCap - t.sendBuf.Len()
	if avail <= 0 {
		return 0, nil
	}
	if len(p) > avail {
		p = p[:avail]
	}
	n, _ := t.sendBuf.Write(p)
	return n, nil
}

// Recv copies up to len(p) bytes of received, in-order data into p. It
// returns 0, nil if no data is currently available (non-blocking); callers
// that want to block select on WaitRecv.
func (t *TCB) Recv(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recvBuf.Len() == 0 {
		if t.finRecv {
			return 0, ErrClosed
		}
		return 0, nil
	}
	return t.recvBuf.Read(p)
}

// ErrClosed is returned by Recv once the peer's FIN has been consumed and
// no more data remains.
var ErrClosed = fmt.Errorf("tcpengine: connection closed")

// WaitRecv returns a channel that is signaled when new data arrives.
func (t *TCB) WaitRecv() <-chan struct{} { return t.recvReady }

// WaitSend returns a channel signaled when send-window room frees up.
func (t *TCB) WaitSend() <-chan struct{} { return t.sendReady }

// Closed returns a channel that closes once the TCB reaches CLOSED.
func (t *TCB) Closed() <-chan struct{} { return t.closedCh }

// Close issues an active close: if there's no unsent data blocking it,
// sends FIN immediately; otherwise the transmit loop appends FIN once the
// send buffer drains.
func (t *TCB) Close() error {
	t.mu.Lock()
	switch t.state {
	case StateEstablished:
		t.setState(StateFinWait1)
	case StateCloseWait:
		t.setState(StateLastAck)
	default:
		t.mu.Unlock()
		return fmt.Errorf("tcpengine: CLOSE from state %s", t.state)
	}
	t.finSent = true
	t.mu.Unlock()
	return nil
}

// HandleSegment applies one inbound segment to the state machine, per the
// RFC 9293 §3.10.7 event processing outline: sequence acceptability check,
// RST then ACK handling, then data and FIN processing. A SYN arriving in a
// synchronized state gets no handling of its own.
func (t *TCB) HandleSegment(seg *tcp.Segment, now time.Time) error {
	t.mu.Lock()

	if t.state == StateListen {
		return t.handleListenLocked(seg)
	}
	if t.state == StateSynSent {
		return t.handleSynSentLocked(seg)
	}

	if !t.acceptableLocked(seg) {
		// An unacceptable RST is silently dropped rather than ACKed, per
		// RFC 9293 §3.10.7.1: it still must pass this same test before
		// acting on it, so an off-path guess at the 4-tuple cannot reset
		// the connection without also guessing a sequence number in window.
		if seg.Flags.Has(tcp.FlagRST) {
			t.mu.Unlock()
			return nil
		}
		ack := t.buildSegmentLocked(tcp.FlagACK, t.sndNxt, t.rcvNxt, nil)
		t.mu.Unlock()
		return t.cfg.Transmitter.SendSegment(ack)
	}

	if seg.Flags.Has(tcp.FlagRST) {
		t.setState(StateClosed)
		t.mu.Unlock()
		return nil
	}

	if seg.Flags.Has(tcp.FlagACK) {
		t.handleACKLocked(seg, now)
	}

	segEnd := seg.SeqNum + uint32(len(seg.Payload))
	t.handleDataLocked(seg, now)

	if seg.Flags.Has(tcp.FlagFIN) && t.rcvNxt == segEnd {
		t.handleFINLocked(now)
	}

	t.mu.Unlock()
	return t.flushDelayedACKIfDue(now)
}

func (t *TCB) handleListenLocked(seg *tcp.Segment) error {
	defer t.mu.Unlock()
	if !seg.Flags.Has(tcp.FlagSYN) {
		return nil
	}
	t.irs = seg.SeqNum
	t.rcvNxt = seg.SeqNum + 1
	t.opts = parsePeerOptions(seg.Options, t.cfg.WindowScale, t.cfg.SACKPermitted, t.cfg.TimestampsEnabled)
	t.cc = newCongestionControl(effectiveMSS(t.cfg.MSSCeiling, t.opts.peerMSS))
	iss := t.iss
	t.sndUna, t.sndNxt = iss, iss+1
	t.sndWnd = seg.WindowSize
	t.setState(StateSynReceived)

	synack := t.buildSegmentLocked(tcp.FlagSYN|tcp.FlagACK, iss, t.rcvNxt, nil)
	synack.Options = buildOpeningOptions(t.cfg.MSSCeiling, t.cfg.WindowScale, t.opts.sackPermitted, t.opts.timestampsOK, 0)
	go func() { _ = t.cfg.Transmitter.SendSegment(synack) }()
	return nil
}

func (t *TCB) handleSynSentLocked(seg *tcp.Segment) error {
	defer t.mu.Unlock()
	if seg.Flags.Has(tcp.FlagRST) {
		t.setState(StateClosed)
		return nil
	}
	if !seg.Flags.Has(tcp.FlagSYN) {
		return nil
	}
	t.irs = seg.SeqNum
	t.rcvNxt = seg.SeqNum + 1
	t.opts = parsePeerOptions(seg.Options, t.cfg.WindowScale, t.cfg.SACKPermitted, t.cfg.TimestampsEnabled)
	t.cc = newCongestionControl(effectiveMSS(t.cfg.MSSCeiling, t.opts.peerMSS))
	t.sndWnd = seg.WindowSize

	if seg.Flags.Has(tcp.FlagACK) {
		if !seqGT(seg.AckNum, t.sndUna) || seqGT(seg.AckNum, t.sndNxt) {
			return nil
		}
		t.sndUna = seg.AckNum
		t.setState(StateEstablished)
		ack := t.buildSegmentLocked(tcp.FlagACK, t.sndNxt, t.rcvNxt, nil)
		go func() { _ = t.cfg.Transmitter.SendSegment(ack) }()
	} else {
		// Simultaneous open: both sides sent SYN with no ACK yet.
		t.setState(StateSynReceived)
		synack := t.buildSegmentLocked(tcp.FlagSYN|tcp.FlagACK, t.iss, t.rcvNxt, nil)
		go func() { _ = t.cfg.Transmitter.SendSegment(synack) }()
	}
	return nil
}

// acceptableLocked is RFC 9293 §3.10.7.4's segment acceptability test
// against the current receive window.
func (t *TCB) acceptableLocked(seg *tcp.Segment) bool {
	segLen := uint32(len(seg.Payload))
	if t.rcvWnd == 0 {
		return segLen == 0 && seg.SeqNum == t.rcvNxt
	}
	if segLen == 0 {
		return inWindow(seg.SeqNum, t.rcvNxt, t.rcvWnd)
	}
	return inWindow(seg.SeqNum, t.rcvNxt, t.rcvWnd) ||
		inWindow(seg.SeqNum+segLen-1, t.rcvNxt, t.rcvWnd)
}

func (t *TCB) handleACKLocked(seg *tcp.Segment, now time.Time) {
	if t.state == StateSynReceived {
		if seqGT(seg.AckNum, t.sndUna) && seqLE(seg.AckNum, t.sndNxt) {
			t.sndUna = seg.AckNum
			t.setState(StateEstablished)
		}
	}

	if seqGT(seg.AckNum, t.sndNxt) {
		return // ACKs something not yet sent; ignore per RFC 9293.
	}

	newData := seqGT(seg.AckNum, t.sndUna)
	if newData {
		acked := uint32(seqDiff(seg.AckNum, t.sndUna))
		t.sendBuf.Next(int(acked)) // drop acknowledged bytes from the front
		t.sndUna = seg.AckNum
		if t.cc != nil {
			t.cc.OnNewDataACKed(acked)
		}
		if !t.retransmitted {
			t.rto.Sample(now.Sub(t.rttMeasureSent))
		}
		t.rtoPending = false
		select {
		case t.sendReady <- struct{}{}:
		default:
		}
	} else if seg.AckNum == t.sndUna && t.cc != nil {
		if t.cc.OnDuplicateACK() {
			// Fast retransmit: resend from sndUna immediately.
			t.retransmitFromUnaLocked(now)
		}
	}

	t.sndWnd = seg.WindowSize
	if t.opts.windowScaleOK {
		t.sndWnd <<= t.opts.sendWindowScale
	}
	if t.sndWnd == 0 {
		t.armPersistLocked(now)
	} else {
		t.persistActive = false
	}

	switch t.state {
	case StateFinWait1:
		if seg.AckNum == t.sndNxt {
			t.setState(StateFinWait2)
		}
	case StateClosing:
		if seg.AckNum == t.sndNxt {
			t.setState(StateTimeWait)
			t.timeWaitDeadline = now.Add(2 * MSL)
		}
	case StateLastAck:
		if seg.AckNum == t.sndNxt {
			t.setState(StateClosed)
		}
	}
}

func (t *TCB) handleDataLocked(seg *tcp.Segment, now time.Time) {
	if len(seg.Payload) == 0 {
		return
	}
	if seg.SeqNum == t.rcvNxt {
		t.recvBuf.Write(seg.Payload)
		t.rcvNxt += uint32(len(seg.Payload))
		t.drainPendingLocked()
		select {
		case t.recvReady <- struct{}{}:
		default:
		}
	} else if seqGT(seg.SeqNum, t.rcvNxt) {
		t.recvPending[seg.SeqNum] = append([]byte(nil), seg.Payload...)
	}
	t.segmentsSinceACK++
	if !t.delayedACKPending {
		t.delayedACKPending = true
		t.delayedACKDeadline = now.Add(DelayedACKTimeout)
	}
	if t.segmentsSinceACK >= 2 || seqGT(seg.SeqNum, t.rcvNxt) {
		t.delayedACKDeadline = now
	}
}

func (t *TCB) drainPendingLocked() {
	for {
		chunk, ok := t.recvPending[t.rcvNxt]
		if !ok {
			return
		}
		t.recvBuf.Write(chunk)
		t.rcvNxt += uint32(len(chunk))
		delete(t.recvPending, t.rcvNxt-uint32(len(chunk)))
	}
}

func (t *TCB) handleFINLocked(now time.Time) {
	if t.finRecv {
		return
	}
	t.finRecv = true
	t.rcvNxt++
	switch t.state {
	case StateEstablished:
		t.setState(StateCloseWait)
	case StateFinWait1:
		t.setState(StateClosing)
	case StateFinWait2:
		t.setState(StateTimeWait)
		t.timeWaitDeadline = now.Add(2 * MSL)
	}
	select {
	case t.recvReady <- struct{}{}:
	default:
	}
	t.delayedACKDeadline = now // FIN is acknowledged promptly, not delayed
	t.delayedACKPending = true
}

func (t *TCB) flushDelayedACKIfDue(now time.Time) error {
	t.mu.Lock()
	if !t.delayedACKPending || now.Before(t.delayedACKDeadline) {
		t.mu.Unlock()
		return nil
	}
	t.delayedACKPending = false
	t.segmentsSinceACK = 0
	ack := t.buildSegmentLocked(tcp.FlagACK, t.sndNxt, t.rcvNxt, nil)
	t.mu.Unlock()
	return t.cfg.Transmitter.SendSegment(ack)
}

func (t *TCB) armPersistLocked(now time.Time) {
	if t.persistActive {
		return
	}
	t.persistActive = true
	t.persistBackoff = MinRTO
	t.persistDeadline = now.Add(t.persistBackoff)
}

func (t *TCB) retransmitFromUnaLocked(now time.Time) {
	mss := uint32(t.cfg.MSSCeiling)
	if t.cc != nil {
		mss = t.cc.mss
	}
	data := t.sendBuf.Bytes()
	if uint32(len(data)) > mss {
		data = data[:mss]
	}
	seg := t.buildSegmentLocked(tcp.FlagACK, t.sndUna, t.rcvNxt, data)
	t.rttMeasureSent = now
	t.retransmitted = true
	go func() { _ = t.cfg.Transmitter.SendSegment(seg) }()
}

// Tick drives every timer the TCB owns: retransmission, persist, keepalive,
// TIME-WAIT, and delayed ACK. The stack's timer loop calls this periodically
// for every live TCB.
func (t *TCB) Tick(now time.Time) error {
	if err := t.flushDelayedACKIfDue(now); err != nil {
		return err
	}

	t.mu.Lock()
	switch t.state {
	case StateTimeWait:
		if !now.Before(t.timeWaitDeadline) {
			t.setState(StateClosed)
		}
		t.mu.Unlock()
		return nil
	case StateClosed:
		t.mu.Unlock()
		return nil
	}

	if t.persistActive && !now.Before(t.persistDeadline) {
		probe := t.buildSegmentLocked(tcp.FlagACK, t.sndUna, t.rcvNxt, []byte{0})
		t.persistBackoff *= 2
		if t.persistBackoff > MaxRTO {
			t.persistBackoff = MaxRTO
		}
		t.persistDeadline = now.Add(t.persistBackoff)
		t.mu.Unlock()
		return t.cfg.Transmitter.SendSegment(probe)
	}

	if t.rtoPending && !now.Before(t.rtoDeadline) {
		t.rto.BackOff()
		if t.cc != nil {
			t.cc.OnRTO()
		}
		t.rtoDeadline = now.Add(t.rto.RTO())
		t.retransmitFromUnaLocked(now)
		t.mu.Unlock()
		return nil
	}

	if t.state == StateEstablished {
		if t.keepaliveDeadline.IsZero() {
			t.keepaliveDeadline = now.Add(t.cfg.KeepaliveIdle)
		} else if !now.Before(t.keepaliveDeadline) {
			t.keepaliveProbes++
			if t.keepaliveProbes > t.cfg.KeepaliveMaxProbes {
				t.setState(StateClosed)
				t.mu.Unlock()
				return nil
			}
			probe := t.buildSegmentLocked(tcp.FlagACK, t.sndUna-1, t.rcvNxt, nil)
			t.keepaliveDeadline = now.Add(t.cfg.KeepaliveInterval)
			t.mu.Unlock()
			return t.cfg.Transmitter.SendSegment(probe)
		}
	}
	t.mu.Unlock()
	return nil
}

// SendData drains the outbound buffer within the current send window and
// MSS, transmitting one segment and arming the retransmission timer if this
// is the first unacknowledged data in flight. Called by the stack's
// transmit loop whenever new data is queued or window room frees up.
func (t *TCB) SendData(now time.Time) error {
	t.mu.Lock()
	if !t.state.synchronized() {
		t.mu.Unlock()
		return nil
	}
	inFlight := uint32(seqDiff(t.sndNxt, t.sndUna))
	effWnd := t.sndWnd
	if t.cc != nil && t.cc.Window() < effWnd {
		effWnd = t.cc.Window()
	}
	if inFlight >= effWnd {
		t.mu.Unlock()
		return nil
	}
	room := effWnd - inFlight
	unsent := t.sendBuf.Bytes()[inFlight:]
	if uint32(len(unsent)) > room {
		unsent = unsent[:room]
	}
	mss := uint32(t.cfg.MSSCeiling)
	if t.cc != nil {
		mss = t.cc.mss
	}
	if uint32(len(unsent)) > mss {
		unsent = unsent[:mss]
	}

	flags := tcp.FlagACK
	sendFIN := false
	if len(unsent) == 0 {
		if t.finSent && !t.finAlreadyQueued() {
			sendFIN = true
			flags |= tcp.FlagFIN
		} else {
			t.mu.Unlock()
			return nil
		}
	}

	seq := t.sndUna + inFlight
	seg := t.buildSegmentLocked(flags, seq, t.rcvNxt, unsent)
	t.sndNxt = seq + uint32(len(unsent))
	if sendFIN {
		t.sndNxt++
	}
	if !t.rtoPending {
		t.rtoPending = true
		t.rtoDeadline = now.Add(t.rto.RTO())
	}
	t.rttMeasureSent = now
	t.retransmitted = false
	t.mu.Unlock()
	return t.cfg.Transmitter.SendSegment(seg)
}

// finAlreadyQueued reports whether sndNxt already accounts for the FIN
// (i.e. it covers one byte past all buffered data).
func (t *TCB) finAlreadyQueued() bool {
	return seqDiff(t.sndNxt, t.sndUna) > int32(t.sendBuf.Len())
}
