// Package neighbor implements the ARP and Neighbor Discovery caches: lookup,
// resolve (with pending-frame queuing and a singleflight-collapsed probe),
// observation of inbound traffic, periodic aging, and IPv6 Duplicate Address
// Detection bookkeeping.
//
// Both caches follow the same mutex-guarded entry + map-of-entries shape:
// an entry holds its own lock and a point-in-time Snapshot; the cache holds
// a map lock only long enough to find or create an entry.
package neighbor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/ustack/internal/addr"
)

// ARPState is the simplified ARP reachability state machine: an ARP cache
// has no probe state because ARP has no unicast keepalive equivalent to
// ND's reachability confirmation via upper-layer traffic.
type ARPState uint8

const (
	ARPStateIncomplete ARPState = iota
	ARPStateReachable
	ARPStateStale
)

func (s ARPState) String() string {
	switch s {
	case ARPStateIncomplete:
		return "incomplete"
	case ARPStateReachable:
		return "reachable"
	case ARPStateStale:
		return "stale"
	}
	return fmt.Sprintf("unknown(%d)", s)
}

// ARPTransmitter sends the resolved link-layer frame and issues ARP request
// probes. The stack's packet handler implements this.
type ARPTransmitter interface {
	SendFrame(mac addr.MAC, frame []byte) error
	SendARPRequest(target addr.IPv4) error
}

// ARPConfig controls ARPCache behavior.
type ARPConfig struct {
	Transmitter ARPTransmitter

	// ReachableTimeout is how long an entry stays Reachable before aging to
	// Stale without confirming traffic.
	ReachableTimeout time.Duration

	// ResolveTimeout bounds how long Resolve waits for a reply before
	// giving up, absent a context deadline.
	ResolveTimeout time.Duration

	// MaxPending caps the number of frames queued per incomplete entry.
	MaxPending int
}

func (c *ARPConfig) Validate() error {
	if c.Transmitter == nil {
		return fmt.Errorf("neighbor: ARP transmitter is required")
	}
	if c.ReachableTimeout <= 0 {
		c.ReachableTimeout = 5 * time.Minute
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 3 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 8
	}
	return nil
}

type arpEntry struct {
	mu         sync.Mutex
	state      ARPState
	mac        addr.MAC
	confirmed  time.Time
	pending    [][]byte
	resolvedCh chan struct{} // closed once state leaves Incomplete
}

// ARPEntrySnapshot is a point-in-time read of an ARP cache entry.
type ARPEntrySnapshot struct {
	IP        addr.IPv4
	State     ARPState
	MAC       addr.MAC
	Confirmed time.Time
}

// ARPCache is the ARP neighbor cache keyed by IPv4 target address.
type ARPCache struct {
	cfg ARPConfig

	mu      sync.Mutex
	entries map[addr.IPv4]*arpEntry

	group singleflight.Group
}

// NewARPCache constructs an ARPCache. cfg is validated and defaulted.
func NewARPCache(cfg ARPConfig) (*ARPCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ARPCache{cfg: cfg, entries: make(map[addr.IPv4]*arpEntry)}, nil
}

// Lookup returns the cached MAC for ip if the entry is Reachable or Stale
// (both are usable for transmission; Stale additionally should trigger a
// background refresh at the caller's discretion).
func (c *ARPCache) Lookup(ip addr.IPv4) (addr.MAC, bool) {
	c.mu.Lock()
	e := c.entries[ip]
	c.mu.Unlock()
	if e == nil {
		return addr.MAC{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == ARPStateIncomplete {
		return addr.MAC{}, false
	}
	return e.mac, true
}

// Resolve returns the MAC for ip, blocking on an ARP request/reply exchange
// if not already known. frame, if non-nil, is queued for transmission once
// resolved (and transmitted immediately if already resolved). Concurrent
// Resolve calls for the same ip collapse into a single request via
// singleflight.
func (c *ARPCache) Resolve(ctx context.Context, ip addr.IPv4, frame []byte) (addr.MAC, error) {
	if mac, ok := c.Lookup(ip); ok {
		if frame != nil {
			if err := c.cfg.Transmitter.SendFrame(mac, frame); err != nil {
				return mac, err
			}
		}
		return mac, nil
	}

	e := c.getOrCreateEntry(ip)
	e.mu.Lock()
	if e.state == ARPStateIncomplete {
		if frame != nil && len(e.pending) < c.cfg.MaxPending {
			e.pending = append(e.pending, frame)
		}
		resolvedCh := e.resolvedCh
		e.mu.Unlock()

		key := ip.String()
		resultCh := c.group.DoChan(key, func() (any, error) {
			if err := c.cfg.Transmitter.SendARPRequest(ip); err != nil {
				return nil, err
			}
			return nil, nil
		})
		select {
		case res := <-resultCh:
			if res.Err != nil {
				return addr.MAC{}, res.Err
			}
		case <-ctx.Done():
			return addr.MAC{}, ctx.Err()
		}

		timeout := time.NewTimer(c.cfg.ResolveTimeout)
		defer timeout.Stop()
		select {
		case <-resolvedCh:
		case <-timeout.C:
			return addr.MAC{}, fmt.Errorf("neighbor: ARP resolution of %s timed out", ip)
		case <-ctx.Done():
			return addr.MAC{}, ctx.Err()
		}
	} else {
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == ARPStateIncomplete {
		return addr.MAC{}, fmt.Errorf("neighbor: ARP resolution of %s failed", ip)
	}
	return e.mac, nil
}

func (c *ARPCache) getOrCreateEntry(ip addr.IPv4) *arpEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ip]; ok {
		return e
	}
	e := &arpEntry{state: ARPStateIncomplete, resolvedCh: make(chan struct{})}
	c.entries[ip] = e
	return e
}

// Observe records sender (IP, MAC) learned from any inbound ARP packet or
// gratuitous announcement. It transitions Incomplete entries
// to Reachable, flushing queued frames, and refreshes existing entries.
func (c *ARPCache) Observe(ip addr.IPv4, mac addr.MAC) {
	e := c.getOrCreateEntry(ip)
	e.mu.Lock()
	wasIncomplete := e.state == ARPStateIncomplete
	e.mac = mac
	e.state = ARPStateReachable
	e.confirmed = time.Now()
	pending := e.pending
	e.pending = nil
	var resolvedCh chan struct{}
	if wasIncomplete {
		resolvedCh = e.resolvedCh
	}
	e.mu.Unlock()

	if wasIncomplete {
		close(resolvedCh)
	}
	for _, f := range pending {
		_ = c.cfg.Transmitter.SendFrame(mac, f)
	}
}

// Age demotes Reachable entries older than ReachableTimeout to Stale. It is
// meant to be called periodically by the stack's timer loop.
func (c *ARPCache) Age(now time.Time) {
	c.mu.Lock()
	entries := make([]*arpEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.state == ARPStateReachable && now.Sub(e.confirmed) > c.cfg.ReachableTimeout {
			e.state = ARPStateStale
		}
		e.mu.Unlock()
	}
}

// Snapshot returns a point-in-time view of every cache entry.
func (c *ARPCache) Snapshot() []ARPEntrySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ARPEntrySnapshot, 0, len(c.entries))
	for ip, e := range c.entries {
		e.mu.Lock()
		out = append(out, ARPEntrySnapshot{IP: ip, State: e.state, MAC: e.mac, Confirmed: e.confirmed})
		e.mu.Unlock()
	}
	return out
}

// Delete removes any cached entry for ip.
func (c *ARPCache) Delete(ip addr.IPv4) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
}
