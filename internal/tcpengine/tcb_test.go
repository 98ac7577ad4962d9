package tcpengine

import (
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/ustack/internal/proto/tcp"
)

type recordingTransmitter struct {
	mu   sync.Mutex
	segs []*tcp.Segment
	sent chan *tcp.Segment
}

func newRecordingTransmitter() *recordingTransmitter {
	return &recordingTransmitter{sent: make(chan *tcp.Segment, 16)}
}

func (r *recordingTransmitter) SendSegment(seg *tcp.Segment) error {
	r.mu.Lock()
	r.segs = append(r.segs, seg)
	r.mu.Unlock()
	r.sent <- seg
	return nil
}

func (r *recordingTransmitter) awaitSegment(t *testing.T) *tcp.Segment {
	t.Helper()
	select {
	case s := <-r.sent:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for segment")
		return nil
	}
}

func newTestTCB(t *testing.T, tx Transmitter) *TCB {
	t.Helper()
	tcb, err := NewTCB(Config{
		Transmitter: tx,
		LocalPort:   50000,
		RemotePort:  80,
		MSSCeiling:  1460,
	})
	if err != nil {
		t.Fatalf("NewTCB: %v", err)
	}
	return tcb
}

func TestActiveOpenHandshake(t *testing.T) {
	tx := newRecordingTransmitter()
	tcb := newTestTCB(t, tx)

	if err := tcb.Open(100); err != nil {
		t.Fatalf("Open: %v", err)
	}
	syn := tx.awaitSegment(t)
	if !syn.Flags.Has(tcp.FlagSYN) || syn.Flags.Has(tcp.FlagACK) {
		t.Fatalf("expected bare SYN, got flags %v", syn.Flags)
	}
	if tcb.State() != StateSynSent {
		t.Fatalf("state = %s, want SYN-SENT", tcb.State())
	}

	synack := &tcp.Segment{
		SrcPort: 80, DstPort: 50000, SeqNum: 9000, AckNum: 101,
		Flags: tcp.FlagSYN | tcp.FlagACK, WindowSize: 65535,
	}
	if err := tcb.HandleSegment(synack, time.Now()); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	ack := tx.awaitSegment(t)
	if !ack.Flags.Has(tcp.FlagACK) || ack.Flags.Has(tcp.FlagSYN) {
		t.Fatalf("expected bare ACK closing the handshake, got flags %v", ack.Flags)
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", tcb.State())
	}
}

func TestPassiveOpenHandshake(t *testing.T) {
	tx := newRecordingTransmitter()
	tcb := newTestTCB(t, tx)
	tcb.mu.Lock()
	tcb.iss = 500
	tcb.mu.Unlock()

	if err := tcb.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	syn := &tcp.Segment{SrcPort: 80, DstPort: 50000, SeqNum: 1000, Flags: tcp.FlagSYN, WindowSize: 65535}
	if err := tcb.HandleSegment(syn, time.Now()); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	synack := tx.awaitSegment(t)
	if !synack.Flags.Has(tcp.FlagSYN) || !synack.Flags.Has(tcp.FlagACK) {
		t.Fatalf("expected SYN-ACK, got flags %v", synack.Flags)
	}
	if synack.AckNum != 1001 {
		t.Fatalf("AckNum = %d, want 1001", synack.AckNum)
	}
	if tcb.State() != StateSynReceived {
		t.Fatalf("state = %s, want SYN-RECEIVED", tcb.State())
	}

	finalACK := &tcp.Segment{SrcPort: 80, DstPort: 50000, SeqNum: 1001, AckNum: synack.SeqNum + 1, Flags: tcp.FlagACK, WindowSize: 65535}
	if err := tcb.HandleSegment(finalACK, time.Now()); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	if tcb.State() != StateEstablished {
		t.Fatalf("state = %s, want ESTABLISHED", tcb.State())
	}
}

func establishedTCB(t *testing.T) (*TCB, *recordingTransmitter) {
	t.Helper()
	tx := newRecordingTransmitter()
	tcb := newTestTCB(t, tx)
	tcb.mu.Lock()
	tcb.state = StateEstablished
	tcb.iss, tcb.sndUna, tcb.sndNxt = 100, 100, 100
	tcb.irs, tcb.rcvNxt = 999, 1000
	tcb.sndWnd = 65535
	tcb.rcvWnd = 65535
	tcb.cc = newCongestionControl(1460)
	tcb.mu.Unlock()
	return tcb, tx
}

func TestDataDeliveryAndDelayedACK(t *testing.T) {
	tcb, tx := establishedTCB(t)

	data := &tcp.Segment{SrcPort: 80, DstPort: 50000, SeqNum: 1000, AckNum: 100, Flags: tcp.FlagACK | tcp.FlagPSH, WindowSize: 65535, Payload: []byte("hello")}
	now := time.Now()
	if err := tcb.HandleSegment(data, now); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}

	buf := make([]byte, 16)
	n, err := tcb.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Recv = %q, want %q", buf[:n], "hello")
	}

	select {
	case <-tx.sent:
		t.Fatal("ACK should be delayed, not sent immediately")
	default:
	}

	if err := tcb.Tick(now.Add(DelayedACKTimeout * 2)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	ack := tx.awaitSegment(t)
	if ack.AckNum != 1005 {
		t.Fatalf("AckNum = %d, want 1005", ack.AckNum)
	}
}

func TestOutOfOrderSegmentsReassemble(t *testing.T) {
	tcb, _ := establishedTCB(t)
	now := time.Now()

	second := &tcp.Segment{SrcPort: 80, DstPort: 50000, SeqNum: 1005, AckNum: 100, Flags: tcp.FlagACK, WindowSize: 65535, Payload: []byte("World")}
	if err := tcb.HandleSegment(second, now); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	buf := make([]byte, 16)
	if n, _ := tcb.Recv(buf); n != 0 {
		t.Fatalf("Recv should be empty before the gap is filled, got %d bytes", n)
	}

	first := &tcp.Segment{SrcPort: 80, DstPort: 50000, SeqNum: 1000, AckNum: 100, Flags: tcp.FlagACK, WindowSize: 65535, Payload: []byte("Hello")}
	if err := tcb.HandleSegment(first, now); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	n, err := tcb.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "HelloWorld" {
		t.Fatalf("Recv = %q, want %q", buf[:n], "HelloWorld")
	}
}

func TestSendDataRespectsWindowAndArmsRTO(t *testing.T) {
	tcb, tx := establishedTCB(t)
	if _, err := tcb.Send([]byte("payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	now := time.Now()
	if err := tcb.SendData(now); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	seg := tx.awaitSegment(t)
	if string(seg.Payload) != "payload" {
		t.Fatalf("Payload = %q, want %q", seg.Payload, "payload")
	}

	tcb.mu.Lock()
	pending := tcb.rtoPending
	tcb.mu.Unlock()
	if !pending {
		t.Fatal("expected retransmission timer to be armed after sending unacked data")
	}

	if err := tcb.Tick(now.Add(MaxRTO)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	retx := tx.awaitSegment(t)
	if string(retx.Payload) != "payload" {
		t.Fatalf("retransmitted Payload = %q, want %q", retx.Payload, "payload")
	}
}

func TestActiveCloseFullHandshake(t *testing.T) {
	tcb, tx := establishedTCB(t)

	if err := tcb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tcb.State() != StateFinWait1 {
		t.Fatalf("state = %s, want FIN-WAIT-1", tcb.State())
	}

	now := time.Now()
	if err := tcb.SendData(now); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	fin := tx.awaitSegment(t)
	if !fin.Flags.Has(tcp.FlagFIN) {
		t.Fatalf("expected FIN, got flags %v", fin.Flags)
	}

	finACK := &tcp.Segment{SrcPort: 80, DstPort: 50000, SeqNum: 1000, AckNum: fin.SeqNum + 1, Flags: tcp.FlagACK, WindowSize: 65535}
	if err := tcb.HandleSegment(finACK, now); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	if tcb.State() != StateFinWait2 {
		t.Fatalf("state = %s, want FIN-WAIT-2", tcb.State())
	}

	peerFIN := &tcp.Segment{SrcPort: 80, DstPort: 50000, SeqNum: 1000, AckNum: fin.SeqNum + 1, Flags: tcp.FlagFIN | tcp.FlagACK, WindowSize: 65535}
	if err := tcb.HandleSegment(peerFIN, now); err != nil {
		t.Fatalf("HandleSegment: %v", err)
	}
	if tcb.State() != StateTimeWait {
		t.Fatalf("state = %s, want TIME-WAIT", tcb.State())
	}

	if err := tcb.Tick(now.Add(2*MSL + time.Second)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if tcb.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", tcb.State())
	}
	select {
	case <-tcb.Closed():
	default:
		t.Fatal("Closed() channel should be closed once CLOSED is reached")
	}
}
