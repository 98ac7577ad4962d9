package socket

import (
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/ustack/internal/proto/tcp"
	"github.com/unkn0wn-root/ustack/internal/tcpengine"
)

// directTransmitter delivers a segment straight to the peer TCB found via
// lookup, bypassing the IP layer entirely — enough to exercise the socket
// and TCB wiring end to end without a frame source.
type directTransmitter struct {
	lookup func(localIP, remoteIP string) *tcpengine.TCB
}

func (d *directTransmitter) SendTCP(localIP, remoteIP string, seg *tcp.Segment) error {
	peer := d.lookup(localIP, remoteIP)
	if peer == nil {
		return nil
	}
	return peer.HandleSegment(seg, time.Now())
}

// TestAcceptedChildReachesEstablished exercises the full passive-open path:
// a LISTEN socket's spawned child TCB completes the three-way handshake and
// the parent's Accept() returns it once ESTABLISHED.
func TestAcceptedChildReachesEstablished(t *testing.T) {
	table := NewTable()
	var clientTCB, childTCB *tcpengine.TCB

	clientTx := &directTransmitter{lookup: func(localIP, remoteIP string) *tcpengine.TCB { return childTCB }}
	childTx := &directTransmitter{lookup: func(localIP, remoteIP string) *tcpengine.TCB { return clientTCB }}

	client, err := NewTCPSocket(table, clientTx, INET4, "10.0.0.2", 40000, tcpengine.Config{MSSCeiling: 1460})
	if err != nil {
		t.Fatalf("NewTCPSocket client: %v", err)
	}
	clientTCB = client.TCB()

	parent, err := NewTCPSocket(table, childTx, INET4, "10.0.0.1", 80, tcpengine.Config{MSSCeiling: 1460})
	if err != nil {
		t.Fatalf("NewTCPSocket parent: %v", err)
	}
	if err := parent.Listen(4); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Stand in for the stack's inbound dispatch, which would normally spawn
	// this child the moment the client's SYN is observed; here it's wired
	// up front so the directTransmitter lookups resolve deterministically.
	child, err := NewAcceptedChildSocket(table, childTx, parent, INET4, "10.0.0.1", 80, "10.0.0.2", 40000, 9000, tcpengine.Config{MSSCeiling: 1460})
	if err != nil {
		t.Fatalf("NewAcceptedChildSocket: %v", err)
	}
	childTCB = child.TCB()

	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Connect(ctx, "10.0.0.1", 80, 500) }()

	if err := <-clientDone; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.TCB().State() != tcpengine.StateEstablished {
		t.Fatalf("client state = %s, want ESTABLISHED", client.TCB().State())
	}

	accepted, err := parent.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.TCB().State() != tcpengine.StateEstablished {
		t.Fatalf("accepted state = %s, want ESTABLISHED", accepted.TCB().State())
	}

	if _, err := accepted.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := accepted.TCB().SendData(time.Now()); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	buf := make([]byte, 16)
	n, err := client.RecvTimeout(buf, time.Second)
	if err != nil {
		t.Fatalf("RecvTimeout: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Recv = %q, want %q", buf[:n], "hello")
	}
}
