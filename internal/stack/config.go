// Package stack is the packet handler: it dispatches inbound Ethernet
// frames down through ARP/IPv4/IPv6/ICMPv4/ICMPv6/UDP/TCP to the socket
// table, and assembles outbound datagrams back down through IP and
// Ethernet, resolving next-hop MACs via the neighbor caches. It is the one
// type that implements every protocol package's Transmitter interface,
// wiring every collaborator together behind a single struct.
package stack

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unkn0wn-root/ustack/internal/addr"
	"github.com/unkn0wn-root/ustack/internal/fragment"
	"github.com/unkn0wn-root/ustack/internal/neighbor"
	"github.com/unkn0wn-root/ustack/internal/socket"
	"github.com/unkn0wn-root/ustack/internal/tcpengine"
)

// DefaultMTU is the link MTU assumed absent an explicit Config.MTU.
const DefaultMTU = 1500

// FrameSource yields inbound Ethernet frames, one per call. It blocks until
// a frame is available or the read fails.
type FrameSource interface {
	ReadFrame() ([]byte, error)
}

// FrameSink transmits a fully-assembled Ethernet frame.
type FrameSink interface {
	WriteFrame(frame []byte) error
}

// Config controls a Stack's addressing, timers, and collaborators.
type Config struct {
	MAC    addr.MAC
	Hosts4 []*addr.IPv4Host
	Hosts6 []*addr.IPv6Host

	Source FrameSource
	Sink   FrameSink

	Logger *slog.Logger

	// MTU bounds outbound IP datagram size before fragmentation kicks in.
	MTU int

	ARPReachableTimeout time.Duration
	ARPResolveTimeout   time.Duration
	ARPMaxPending       int

	NDReachableTimeout time.Duration
	NDProbeInterval    time.Duration
	NDMaxUnicastProbes int
	NDResolveTimeout   time.Duration
	NDMaxPending       int

	DADProbeInterval time.Duration

	FragmentMaxAge time.Duration

	// TCPTemplate seeds every TCB's negotiable parameters (MSS ceiling,
	// window scale, SACK/timestamps, keepalive). LocalPort/RemotePort/
	// Transmitter/OnStateChange are filled in per-connection.
	TCPTemplate tcpengine.Config
}

func (c *Config) Validate() error {
	if c.MAC.IsUnspecified() {
		return fmt.Errorf("stack: MAC address is required")
	}
	if c.Source == nil {
		return fmt.Errorf("stack: frame source is required")
	}
	if c.Sink == nil {
		return fmt.Errorf("stack: frame sink is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.ARPReachableTimeout <= 0 {
		c.ARPReachableTimeout = 5 * time.Minute
	}
	if c.ARPResolveTimeout <= 0 {
		c.ARPResolveTimeout = time.Second
	}
	if c.ARPMaxPending <= 0 {
		c.ARPMaxPending = 4
	}
	if c.NDReachableTimeout <= 0 {
		c.NDReachableTimeout = 30 * time.Second
	}
	if c.NDProbeInterval <= 0 {
		c.NDProbeInterval = time.Second
	}
	if c.NDMaxUnicastProbes <= 0 {
		c.NDMaxUnicastProbes = 3
	}
	if c.NDResolveTimeout <= 0 {
		c.NDResolveTimeout = time.Second
	}
	if c.NDMaxPending <= 0 {
		c.NDMaxPending = 4
	}
	if c.DADProbeInterval <= 0 {
		c.DADProbeInterval = time.Second
	}
	if c.FragmentMaxAge <= 0 {
		c.FragmentMaxAge = fragment.DefaultEvictionAge
	}
	return nil
}

// Stack is the running packet handler for one link. It owns the neighbor
// caches, fragment reassemblers, socket table, and the MAC/address
// configuration of the interface it represents.
type Stack struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	hosts4 []*addr.IPv4Host
	hosts6 []*addr.IPv6Host

	arp *neighbor.ARPCache
	nd  *neighbor.NDCache
	dad *neighbor.Manager

	frag4 *fragment.Reassembler4
	frag6 *fragment.Reassembler6
	flows *fragment.FlowIDAllocator

	sockets *socket.Table
}

// New builds a Stack and its collaborators from cfg.
func New(cfg Config) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Stack{
		cfg:     cfg,
		logger:  cfg.Logger,
		hosts4:  cfg.Hosts4,
		hosts6:  cfg.Hosts6,
		sockets: socket.NewTable(),
		flows:   &fragment.FlowIDAllocator{},
	}

	arp, err := neighbor.NewARPCache(neighbor.ARPConfig{
		Transmitter:      s,
		ReachableTimeout: cfg.ARPReachableTimeout,
		ResolveTimeout:   cfg.ARPResolveTimeout,
		MaxPending:       cfg.ARPMaxPending,
	})
	if err != nil {
		return nil, fmt.Errorf("stack: ARP cache: %w", err)
	}
	s.arp = arp

	nd, err := neighbor.NewNDCache(neighbor.NDConfig{
		Transmitter:      s,
		ReachableTimeout: cfg.NDReachableTimeout,
		ProbeInterval:    cfg.NDProbeInterval,
		MaxUnicastProbes: cfg.NDMaxUnicastProbes,
		ResolveTimeout:   cfg.NDResolveTimeout,
		MaxPending:       cfg.NDMaxPending,
	})
	if err != nil {
		return nil, fmt.Errorf("stack: ND cache: %w", err)
	}
	s.nd = nd

	dad, err := neighbor.NewManager(neighbor.DADConfig{
		Transmitter:   s,
		ProbeInterval: cfg.DADProbeInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("stack: DAD manager: %w", err)
	}
	s.dad = dad

	s.frag4 = fragment.NewReassembler4(cfg.FragmentMaxAge)
	s.frag6 = fragment.NewReassembler6(cfg.FragmentMaxAge)

	socket.OnTCPStateChange = func(old, new tcpengine.State) {
		metricTCBTransitions.WithLabelValues(old.String(), new.String()).Inc()
	}

	return s, nil
}

// Sockets exposes the socket table for cmd/ustackd's API surface (bind,
// listen, connect) to register against.
func (s *Stack) Sockets() *socket.Table { return s.sockets }
