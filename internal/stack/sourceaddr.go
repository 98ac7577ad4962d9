package stack

import (
	"fmt"

	"github.com/unkn0wn-root/ustack/internal/addr"
)

// ErrNoRoute is returned by source-address selection when the interface has
// no host in the remote address's family.
var ErrNoRoute = fmt.Errorf("stack: no route to destination")

// SourceForIPv4 picks the source address to use when sending to dst:
// prefer the host whose network contains dst; else the first host with
// a gateway configured; else the unspecified address.
func (s *Stack) SourceForIPv4(dst addr.IPv4) (addr.IPv4, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.hosts4) == 0 {
		return addr.IPv4Unspecified, ErrNoRoute
	}
	for _, h := range s.hosts4 {
		if h.Network.Contains(dst) {
			return h.Address, nil
		}
	}
	for _, h := range s.hosts4 {
		if h.Gateway != nil {
			return h.Address, nil
		}
	}
	return addr.IPv4Unspecified, nil
}

// SourceForIPv6 is SourceForIPv4's IPv6 counterpart.
func (s *Stack) SourceForIPv6(dst addr.IPv6) (addr.IPv6, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.hosts6) == 0 {
		return addr.IPv6Unspecified, ErrNoRoute
	}
	for _, h := range s.hosts6 {
		if h.Network.Contains(dst) {
			return h.Address, nil
		}
	}
	for _, h := range s.hosts6 {
		if h.Gateway != nil {
			return h.Address, nil
		}
	}
	return addr.IPv6Unspecified, nil
}

// HasIPv4 reports whether a is one of the interface's own IPv4 addresses,
// a subnet broadcast on one of its networks, or the all-ones broadcast.
func (s *Stack) HasIPv4(a addr.IPv4) bool {
	if a.IsLimitedBroadcast() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.hosts4 {
		if h.Address == a {
			return true
		}
		if h.Network.Mask.Ones() < 32 {
			bcast := broadcastOf(h.Network)
			if a == bcast {
				return true
			}
		}
	}
	return false
}

func broadcastOf(n addr.IPv4Network) addr.IPv4 {
	hostBits := 32 - n.Mask.Ones()
	mask := uint32(1)<<uint(hostBits) - 1
	base := uint32(n.Address.Bytes()[0])<<24 | uint32(n.Address.Bytes()[1])<<16 | uint32(n.Address.Bytes()[2])<<8 | uint32(n.Address.Bytes()[3])
	return addr.IPv4FromBytes(u32ToBytes(base | mask))
}

func u32ToBytes(v uint32) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// HasIPv6 reports whether a is one of the interface's own IPv6 addresses.
func (s *Stack) HasIPv6(a addr.IPv6) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.hosts6 {
		if h.Address == a {
			return true
		}
	}
	return false
}
