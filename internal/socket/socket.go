// Package socket implements the process-wide socket table and the
// UDP/TCP socket operations layered on top of it: a
// single table keyed by a 7-tuple, with most-specific-first wildcard
// lookup for inbound delivery.
package socket

import (
	"errors"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/ustack/internal/tcpengine"
)

// Family is the address family a socket was created with.
type Family uint8

const (
	INET4 Family = iota
	INET6
)

func (f Family) String() string {
	if f == INET6 {
		return "INET6"
	}
	return "INET4"
}

// Type is the socket type: stream (TCP) or datagram (UDP).
type Type uint8

const (
	STREAM Type = iota
	DGRAM
)

func (t Type) String() string {
	if t == DGRAM {
		return "DGRAM"
	}
	return "STREAM"
}

// Key is the 7-tuple socket identity: family, type, local/remote address and
// port. The wildcard address is "" and the wildcard port is 0; addresses
// are kept as their string form rather than a structured union, since
// every lookup and comparison here is by value equality.
type Key struct {
	Family     Family
	Type       Type
	LocalIP    string
	LocalPort  uint16
	RemoteIP   string
	RemotePort uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s:%d/%s:%d", k.Family, k.Type, k.LocalIP, k.LocalPort, k.RemoteIP, k.RemotePort)
}

// candidates returns the lookup keys to probe for an inbound packet bearing
// this 7-tuple, most-specific (fully qualified) first, then with the remote
// side wildcarded (the listening key), then with the local address
// wildcarded as well (a listening socket bound to the wildcard address).
func (k Key) candidates() []Key {
	fullyQualified := k
	listening := k
	listening.RemoteIP = ""
	listening.RemotePort = 0
	anyLocalIP := listening
	anyLocalIP.LocalIP = ""

	if fullyQualified == listening {
		return []Key{fullyQualified, anyLocalIP}
	}
	return []Key{fullyQualified, listening, anyLocalIP}
}

var (
	// ErrAddressInUse is returned by Bind/Listen when the requested key
	// collides with an existing fully-qualified or listening socket.
	ErrAddressInUse = errors.New("socket: address already in use")
	// ErrNoSocket is returned when a lookup finds no matching socket.
	ErrNoSocket = errors.New("socket: no matching socket")
	// ErrPortsExhausted is returned when no ephemeral port is free.
	ErrPortsExhausted = errors.New("socket: ephemeral port range exhausted")
)

// Socket is the common surface the table manages; UDPSocket and TCPSocket
// both satisfy it.
type Socket interface {
	Key() Key
}

const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// Table is the process-wide socket table. All mutation is serialized
// through mu: cross-TCB operations acquire the table lock first; once a
// socket is found, further work on it (recv blocking, TCB mutation)
// happens without holding the table lock.
type Table struct {
	mu       sync.Mutex
	sockets  map[Key]Socket
	nextPort uint16
}

// NewTable constructs an empty socket table.
func NewTable() *Table {
	return &Table{sockets: make(map[Key]Socket), nextPort: ephemeralLow}
}

// Register inserts sock under key, enforcing the at-most-one-fully-qualified
// and distinct-listening-tuple invariants.
func (t *Table) Register(key Key, sock Socket) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sockets[key]; exists {
		return ErrAddressInUse
	}
	t.sockets[key] = sock
	return nil
}

// Unregister removes a socket from the table. Safe to call more than once.
func (t *Table) Unregister(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, key)
}

// Lookup resolves an inbound 7-tuple to the most specific registered
// socket, trying fully-qualified candidates before listening ones.
func (t *Table) Lookup(key Key) (Socket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, candidate := range key.candidates() {
		if sock, ok := t.sockets[candidate]; ok {
			return sock, true
		}
	}
	return nil, false
}

// LiveTCBs returns every TCB currently registered in the table, for the
// stack's periodic timer loop to tick (retransmission, persist, keepalive,
// TIME-WAIT expiry) without reaching into table internals itself.
func (t *Table) LiveTCBs() []*tcpengine.TCB {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*tcpengine.TCB, 0, len(t.sockets))
	for _, sock := range t.sockets {
		if tcpSock, ok := sock.(*TCPSocket); ok {
			out = append(out, tcpSock.TCB())
		}
	}
	return out
}

// AllocateEphemeralPort returns a free local port for proto/family/localIP,
// scanning the ephemeral range starting just past the last-assigned port so
// repeated calls don't all land on the same busy port.
func (t *Table) AllocateEphemeralPort(family Family, typ Type, localIP string) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	const rangeSize = ephemeralHigh - ephemeralLow + 1
	offset := t.nextPort - ephemeralLow
	for i := 0; i < rangeSize; i++ {
		port := ephemeralLow + (offset+uint16(i))%rangeSize
		candidate := Key{Family: family, Type: typ, LocalIP: localIP, LocalPort: port}
		if _, exists := t.sockets[candidate]; !exists {
			t.nextPort = port + 1
			if t.nextPort > ephemeralHigh {
				t.nextPort = ephemeralLow
			}
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}
