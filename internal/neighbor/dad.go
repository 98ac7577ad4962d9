package neighbor

import (
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/ustack/internal/addr"
)

// DADState is the RFC 4862 §5.4 Duplicate Address Detection outcome for a
// tentative IPv6 address.
type DADState uint8

const (
	DADStateTentative DADState = iota
	DADStateBound
	DADStateDuplicate
)

func (s DADState) String() string {
	switch s {
	case DADStateTentative:
		return "tentative"
	case DADStateBound:
		return "bound"
	case DADStateDuplicate:
		return "duplicate"
	}
	return fmt.Sprintf("unknown(%d)", s)
}

// DADProbes is the number of Neighbor Solicitations sent to the target's own
// solicited-node multicast address before declaring an address free of
// conflict, per RFC 4862's DupAddrDetectTransmits (default 1).
const DADProbes = 1

// DADTransmitter sends the DAD probe: a Neighbor Solicitation with the
// unspecified address as source, targeting the address under test.
type DADTransmitter interface {
	SendDADProbe(target addr.IPv6) error
}

// DADConfig controls the Manager's timing.
type DADConfig struct {
	Transmitter DADTransmitter

	// ProbeInterval is the gap between successive DAD probes (RFC 4862's
	// RetransTimer).
	ProbeInterval time.Duration
}

func (c *DADConfig) Validate() error {
	if c.Transmitter == nil {
		return fmt.Errorf("neighbor: DAD transmitter is required")
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	return nil
}

type dadEntry struct {
	state      DADState
	probesSent int
	startedAt  time.Time
	doneCh     chan struct{}
}

// Manager tracks in-flight Duplicate Address Detection for the addresses
// this stack is attempting to bind.
type Manager struct {
	cfg DADConfig

	mu      sync.Mutex
	entries map[addr.IPv6]*dadEntry
}

// NewManager constructs a DAD Manager.
func NewManager(cfg DADConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, entries: make(map[addr.IPv6]*dadEntry)}, nil
}

// Start begins DAD for target: sends the first probe immediately and
// returns a channel that closes once the outcome (Bound or Duplicate) is
// decided. Callers query State(target) after the channel closes.
func (m *Manager) Start(target addr.IPv6) (<-chan struct{}, error) {
	m.mu.Lock()
	if e, ok := m.entries[target]; ok {
		doneCh := e.doneCh
		m.mu.Unlock()
		return doneCh, nil
	}
	e := &dadEntry{state: DADStateTentative, startedAt: time.Now(), doneCh: make(chan struct{})}
	m.entries[target] = e
	m.mu.Unlock()

	if err := m.cfg.Transmitter.SendDADProbe(target); err != nil {
		return nil, err
	}
	m.mu.Lock()
	e.probesSent = 1
	m.mu.Unlock()
	return e.doneCh, nil
}

// ObserveConflict records that a Neighbor Advertisement or a colliding
// Neighbor Solicitation was seen for target while its DAD is tentative,
// failing the probe per RFC 4862 §5.4.4.
func (m *Manager) ObserveConflict(target addr.IPv6) {
	m.mu.Lock()
	e, ok := m.entries[target]
	if !ok || e.state != DADStateTentative {
		m.mu.Unlock()
		return
	}
	e.state = DADStateDuplicate
	doneCh := e.doneCh
	m.mu.Unlock()
	close(doneCh)
}

// Tick advances outstanding tentative probes: retransmits until DADProbes
// have been sent and ProbeInterval has elapsed since the last one with no
// conflict observed, at which point the address is declared Bound. Meant to
// be called periodically from the stack's timer loop.
func (m *Manager) Tick(now time.Time) {
	m.mu.Lock()
	var toProbe []addr.IPv6
	var toBind []*dadEntry
	for target, e := range m.entries {
		if e.state != DADStateTentative {
			continue
		}
		if now.Sub(e.startedAt) < time.Duration(e.probesSent)*m.cfg.ProbeInterval {
			continue
		}
		if e.probesSent >= DADProbes {
			e.state = DADStateBound
			toBind = append(toBind, e)
			continue
		}
		toProbe = append(toProbe, target)
		e.probesSent++
	}
	m.mu.Unlock()

	for _, e := range toBind {
		close(e.doneCh)
	}
	for _, target := range toProbe {
		_ = m.cfg.Transmitter.SendDADProbe(target)
	}
}

// State returns the current DAD outcome for target.
func (m *Manager) State(target addr.IPv6) (DADState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[target]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Forget drops DAD bookkeeping for target (e.g. once the address is
// withdrawn from the interface).
func (m *Manager) Forget(target addr.IPv6) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, target)
}
