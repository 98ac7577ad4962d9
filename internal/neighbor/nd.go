package neighbor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/ustack/internal/addr"
)

// NDState is the full RFC 4861 §7.3.2 neighbor reachability state machine.
type NDState uint8

const (
	NDStateIncomplete NDState = iota
	NDStateReachable
	NDStateStale
	NDStateProbe
)

func (s NDState) String() string {
	switch s {
	case NDStateIncomplete:
		return "incomplete"
	case NDStateReachable:
		return "reachable"
	case NDStateStale:
		return "stale"
	case NDStateProbe:
		return "probe"
	}
	return fmt.Sprintf("unknown(%d)", s)
}

// NDTransmitter sends the resolved link-layer frame and issues Neighbor
// Solicitation probes, multicast (for initial resolution) or unicast (for
// reachability confirmation of a Stale entry entering Probe).
type NDTransmitter interface {
	SendFrame(mac addr.MAC, frame []byte) error
	SendNeighborSolicitation(target addr.IPv6, dstMAC *addr.MAC) error
}

// NDConfig controls NDCache behavior.
type NDConfig struct {
	Transmitter NDTransmitter

	// ReachableTimeout is RFC 4861's REACHABLE_TIME: how long an entry stays
	// Reachable without confirming upper-layer traffic.
	ReachableTimeout time.Duration

	// ProbeInterval is RFC 4861's RETRANS_TIMER: the gap between unicast
	// probes sent while an entry is in Probe.
	ProbeInterval time.Duration

	// MaxUnicastProbes bounds consecutive unicast probes (RFC 4861's
	// MAX_UNICAST_SOLICIT) before an entry is evicted as unreachable.
	MaxUnicastProbes int

	ResolveTimeout time.Duration
	MaxPending     int
}

func (c *NDConfig) Validate() error {
	if c.Transmitter == nil {
		return fmt.Errorf("neighbor: ND transmitter is required")
	}
	if c.ReachableTimeout <= 0 {
		c.ReachableTimeout = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.MaxUnicastProbes <= 0 {
		c.MaxUnicastProbes = 3
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 3 * time.Second
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 8
	}
	return nil
}

type ndEntry struct {
	mu         sync.Mutex
	state      NDState
	mac        addr.MAC
	isRouter   bool
	confirmed  time.Time
	probesSent int
	pending    [][]byte
	resolvedCh chan struct{}
}

// NDEntrySnapshot is a point-in-time read of an ND cache entry.
type NDEntrySnapshot struct {
	IP        addr.IPv6
	State     NDState
	MAC       addr.MAC
	IsRouter  bool
	Confirmed time.Time
}

// NDCache is the Neighbor Discovery cache keyed by IPv6 target address.
type NDCache struct {
	cfg NDConfig

	mu      sync.Mutex
	entries map[addr.IPv6]*ndEntry

	group singleflight.Group
}

// NewNDCache constructs an NDCache. cfg is validated and defaulted.
func NewNDCache(cfg NDConfig) (*NDCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NDCache{cfg: cfg, entries: make(map[addr.IPv6]*ndEntry)}, nil
}

// Lookup returns the cached MAC for ip if the entry is Reachable, Stale, or
// Probe — all three carry a usable link-layer address.
func (c *NDCache) Lookup(ip addr.IPv6) (addr.MAC, bool) {
	c.mu.Lock()
	e := c.entries[ip]
	c.mu.Unlock()
	if e == nil {
		return addr.MAC{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == NDStateIncomplete {
		return addr.MAC{}, false
	}
	return e.mac, true
}

// Resolve returns the MAC for ip, blocking on an NS/NA exchange if not
// already known, collapsing concurrent callers for the same ip via
// singleflight. A Stale hit triggers an asynchronous unicast reachability
// probe (entry moves to Probe) without blocking the caller, matching RFC
// 4861 §7.3.3's "use stale data, confirm in the background" behavior.
func (c *NDCache) Resolve(ctx context.Context, ip addr.IPv6, frame []byte) (addr.MAC, error) {
	if mac, ok := c.Lookup(ip); ok {
		if frame != nil {
			if err := c.cfg.Transmitter.SendFrame(mac, frame); err != nil {
				return mac, err
			}
		}
		c.maybeProbeStale(ip)
		return mac, nil
	}

	e := c.getOrCreateEntry(ip)
	e.mu.Lock()
	if e.state == NDStateIncomplete {
		if frame != nil && len(e.pending) < c.cfg.MaxPending {
			e.pending = append(e.pending, frame)
		}
		resolvedCh := e.resolvedCh
		e.mu.Unlock()

		key := ip.String()
		resultCh := c.group.DoChan(key, func() (any, error) {
			if err := c.cfg.Transmitter.SendNeighborSolicitation(ip, nil); err != nil {
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
			return addr.MAC{}, fmt.Errorf("neighbor: ND resolution of %s timed out", ip)
		case <-ctx.Done():
			return addr.MAC{}, ctx.Err()
		}
	} else {
		e.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == NDStateIncomplete {
		return addr.MAC{}, fmt.Errorf("neighbor: ND resolution of %s failed", ip)
	}
	return e.mac, nil
}

func (c *NDCache) maybeProbeStale(ip addr.IPv6) {
	e := c.getOrCreateEntry(ip)
	e.mu.Lock()
	if e.state != NDStateStale {
		e.mu.Unlock()
		return
	}
	e.state = NDStateProbe
	e.probesSent = 1
	mac := e.mac
	e.mu.Unlock()
	_ = c.cfg.Transmitter.SendNeighborSolicitation(ip, &mac)
}

func (c *NDCache) getOrCreateEntry(ip addr.IPv6) *ndEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ip]; ok {
		return e
	}
	e := &ndEntry{state: NDStateIncomplete, resolvedCh: make(chan struct{})}
	c.entries[ip] = e
	return e
}

// Observe records sender (IP, MAC) learned from any Neighbor Solicitation
// or Router Solicitation/Advertisement, transitioning Incomplete entries to
// Reachable and flushing queued frames.
func (c *NDCache) Observe(ip addr.IPv6, mac addr.MAC, isRouter bool) {
	e := c.getOrCreateEntry(ip)
	e.mu.Lock()
	wasIncomplete := e.state == NDStateIncomplete
	e.mac = mac
	e.isRouter = isRouter
	e.state = NDStateReachable
	e.confirmed = time.Now()
	e.probesSent = 0
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

// ConfirmReachable marks ip Reachable from positive upper-layer evidence
// (e.g. a TCP ACK), per RFC 4861 §7.3.1, without needing a fresh NS/NA
// exchange. It is a no-op for entries that are Incomplete.
func (c *NDCache) ConfirmReachable(ip addr.IPv6) {
	c.mu.Lock()
	e := c.entries[ip]
	c.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == NDStateIncomplete {
		return
	}
	e.state = NDStateReachable
	e.confirmed = time.Now()
	e.probesSent = 0
}

// Age advances the RFC 4861 §7.3.3 aging state machine: Reachable entries
// older than ReachableTimeout become Stale; Probe entries past ProbeInterval
// either re-probe or, past MaxUnicastProbes, are evicted. Meant to be called
// periodically from the stack's timer loop.
func (c *NDCache) Age(now time.Time) {
	c.mu.Lock()
	snapshot := make(map[addr.IPv6]*ndEntry, len(c.entries))
	for ip, e := range c.entries {
		snapshot[ip] = e
	}
	c.mu.Unlock()

	var evict []addr.IPv6
	for ip, e := range snapshot {
		e.mu.Lock()
		switch e.state {
		case NDStateReachable:
			if now.Sub(e.confirmed) > c.cfg.ReachableTimeout {
				e.state = NDStateStale
			}
		case NDStateProbe:
			if now.Sub(e.confirmed) > c.cfg.ProbeInterval {
				if e.probesSent >= c.cfg.MaxUnicastProbes {
					evict = append(evict, ip)
				} else {
					e.probesSent++
					e.confirmed = now
					mac := e.mac
					e.mu.Unlock()
					_ = c.cfg.Transmitter.SendNeighborSolicitation(ip, &mac)
					continue
				}
			}
		}
		e.mu.Unlock()
	}

	if len(evict) > 0 {
		c.mu.Lock()
		for _, ip := range evict {
			delete(c.entries, ip)
		}
		c.mu.Unlock()
	}
}

// Snapshot returns a point-in-time view of every cache entry.
func (c *NDCache) Snapshot() []NDEntrySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]NDEntrySnapshot, 0, len(c.entries))
	for ip, e := range c.entries {
		e.mu.Lock()
		out = append(out, NDEntrySnapshot{IP: ip, State: e.state, MAC: e.mac, IsRouter: e.isRouter, Confirmed: e.confirmed})
		e.mu.Unlock()
	}
	return out
}

// Delete removes any cached entry for ip.
func (c *NDCache) Delete(ip addr.IPv6) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, ip)
}
