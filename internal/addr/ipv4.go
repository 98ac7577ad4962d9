package addr

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
)

// IPv4 is an immutable 32-bit address held in host-native uint32 form
// (network order is used only at the wire boundary).
type IPv4 uint32

// IPv4Unspecified is 0.0.0.0.
const IPv4Unspecified IPv4 = 0

// IPv4LimitedBroadcast is 255.255.255.255.
const IPv4LimitedBroadcast IPv4 = 0xffffffff

// ParseIPv4 parses dotted-quad text.
func ParseIPv4(s string) (IPv4, error) {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return 0, fmt.Errorf("%w: %q", ErrIP4Format, s)
	}
	b := a.As4()
	return IPv4FromBytes(b), nil
}

// IPv4FromBytes builds an IPv4 from its 4-byte network-order representation.
func IPv4FromBytes(b [4]byte) IPv4 {
	return IPv4(binary.BigEndian.Uint32(b[:]))
}

// Bytes returns the 4-byte network-order representation.
func (a IPv4) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(a))
	return b
}

func (a IPv4) String() string {
	b := a.Bytes()
	return netip.AddrFrom4(b).String()
}

// Version is always 4.
func (a IPv4) Version() int { return 4 }

// IsUnspecified reports 0.0.0.0.
func (a IPv4) IsUnspecified() bool { return a == IPv4Unspecified }

// IsInvalid reports the 0.0.0.0/8 block excluding the unspecified address
// itself (0.x.x.x, x not all zero) — addresses that may never be used as a
// source or destination.
func (a IPv4) IsInvalid() bool {
	return a.Bytes()[0] == 0 && a != IPv4Unspecified
}

// IsLoopback reports 127.0.0.0/8.
func (a IPv4) IsLoopback() bool { return a.Bytes()[0] == 127 }

// IsLinkLocal reports 169.254.0.0/16.
func (a IPv4) IsLinkLocal() bool {
	b := a.Bytes()
	return b[0] == 169 && b[1] == 254
}

// IsMulticast reports 224.0.0.0/4.
func (a IPv4) IsMulticast() bool {
	return a.Bytes()[0]&0xf0 == 0xe0
}

// IsPrivate reports RFC 1918 space: 10/8, 172.16/12, 192.168/16.
func (a IPv4) IsPrivate() bool {
	b := a.Bytes()
	switch {
	case b[0] == 10:
		return true
	case b[0] == 172 && b[1]&0xf0 == 0x10:
		return true
	case b[0] == 192 && b[1] == 168:
		return true
	}
	return false
}

// IsReserved reports 240.0.0.0/4 (class E), excluding the limited broadcast
// address. It does not report 0.0.0.0/8, which IsInvalid/IsUnspecified
// cover separately.
func (a IPv4) IsReserved() bool {
	b := a.Bytes()
	return b[0]&0xf0 == 0xf0 && a != IPv4LimitedBroadcast
}

// IsLimitedBroadcast reports 255.255.255.255.
func (a IPv4) IsLimitedBroadcast() bool { return a == IPv4LimitedBroadcast }

// IsGlobal reports a globally routable unicast address: not unspecified,
// invalid, loopback, link-local, multicast, private, reserved, or the
// limited broadcast address.
func (a IPv4) IsGlobal() bool {
	return !a.IsUnspecified() && !a.IsInvalid() && !a.IsLoopback() &&
		!a.IsLinkLocal() && !a.IsMulticast() && !a.IsPrivate() &&
		!a.IsReserved() && !a.IsLimitedBroadcast()
}

// IsUnicast reports any address that is not multicast, not the limited
// broadcast address, and not invalid/unspecified.
func (a IPv4) IsUnicast() bool {
	return !a.IsMulticast() && !a.IsLimitedBroadcast() && !a.IsInvalid() && !a.IsUnspecified()
}

// IPv4Mask is an immutable contiguous high-order-ones netmask.
type IPv4Mask uint32

// NewIPv4MaskFromOnes builds a mask with the given prefix length (0..32).
func NewIPv4MaskFromOnes(ones int) (IPv4Mask, error) {
	if ones < 0 || ones > 32 {
		return 0, fmt.Errorf("%w: prefix length %d out of range", ErrMaskFormat, ones)
	}
	if ones == 0 {
		return 0, nil
	}
	return IPv4Mask(^uint32(0) << (32 - ones)), nil
}

// IPv4MaskFromBytes validates contiguity and builds a mask from 4 raw bytes.
func IPv4MaskFromBytes(b [4]byte) (IPv4Mask, error) {
	m := IPv4Mask(binary.BigEndian.Uint32(b[:]))
	if !m.isContiguous() {
		return 0, ErrMaskNonContig
	}
	return m, nil
}

func (m IPv4Mask) isContiguous() bool {
	v := uint32(m)
	// A contiguous high-order run of ones followed by zeros looks like
	// 0b111...000; (v << ones) must then be zero, and v's complement
	// plus one (next power of two minus the ones run) must itself be a
	// clean power-of-two boundary. Equivalently: v | (v-1) has the same
	// popcount pattern of a contiguous mask iff (^v+1) is a power of two
	// or v is 0 or all-ones.
	if v == 0 || v == ^uint32(0) {
		return true
	}
	inv := ^v
	// inv must be of the form 0...0111...1 (low-order ones only).
	return inv&(inv+1) == 0
}

// Ones returns the prefix length.
func (m IPv4Mask) Ones() int { return bits.OnesCount32(uint32(m)) }

func (m IPv4Mask) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(m))
	return b
}

func (m IPv4Mask) String() string { return fmt.Sprintf("/%d", m.Ones()) }

// IPv4Network is an (address-with-host-bits-cleared, mask) pair.
type IPv4Network struct {
	Address IPv4
	Mask    IPv4Mask
}

// NewIPv4Network clears host bits of addr under mask.
func NewIPv4Network(addr IPv4, mask IPv4Mask) IPv4Network {
	return IPv4Network{Address: addr & IPv4(mask), Mask: mask}
}

// Contains reports whether ip lies within n.
func (n IPv4Network) Contains(ip IPv4) bool {
	return ip&IPv4(n.Mask) == n.Address
}

func (n IPv4Network) String() string { return n.Address.String() + n.Mask.String() }

// Origin classifies how a host address was acquired.
type Origin uint8

const (
	OriginUnknown Origin = iota
	OriginStatic
	OriginDHCP
	OriginND
)

func (o Origin) String() string {
	switch o {
	case OriginStatic:
		return "static"
	case OriginDHCP:
		return "dhcp"
	case OriginND:
		return "nd"
	}
	return "unknown"
}

// IPv4Host is (address, network, optional gateway, origin, expiration).
type IPv4Host struct {
	Address    IPv4
	Network    IPv4Network
	Gateway    *IPv4
	Origin     Origin
	Expiration *int64 // unix seconds; nil means no expiration
}

// NewIPv4Host validates that the host address lies within its network, and
// that a configured gateway does too.
func NewIPv4Host(address IPv4, network IPv4Network, gateway *IPv4, origin Origin) (*IPv4Host, error) {
	if !network.Contains(address) {
		return nil, ErrHostNotInNet
	}
	if gateway != nil && !network.Contains(*gateway) {
		return nil, ErrGatewayNotInNet
	}
	return &IPv4Host{Address: address, Network: network, Gateway: gateway, Origin: origin}, nil
}

func (h *IPv4Host) String() string { return h.Address.String() + h.Network.Mask.String() }
