package addr

import (
	"fmt"
	"math/bits"
	"net/netip"
)

// IPv6 is an immutable 128-bit address in network byte order.
type IPv6 [16]byte

// IPv6Unspecified is ::.
var IPv6Unspecified = IPv6{}

// IPv6Loopback is ::1.
var IPv6Loopback = IPv6{15: 1}

// ParseIPv6 parses RFC 5952 textual form.
func ParseIPv6(s string) (IPv6, error) {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is6() {
		return IPv6{}, fmt.Errorf("%w: %q", ErrIP6Format, s)
	}
	return IPv6(a.As16()), nil
}

// IPv6FromBytes builds an IPv6 from a 16-byte slice.
func IPv6FromBytes(b []byte) (IPv6, error) {
	if len(b) != 16 {
		return IPv6{}, fmt.Errorf("%w: want 16 bytes, got %d", ErrIP6Format, len(b))
	}
	var a IPv6
	copy(a[:], b)
	return a, nil
}

// Bytes returns the 16-byte network-order representation.
func (a IPv6) Bytes() [16]byte { return a }

func (a IPv6) String() string { return netip.AddrFrom16(a).String() }

// Version is always 6.
func (a IPv6) Version() int { return 6 }

// IsUnspecified reports ::.
func (a IPv6) IsUnspecified() bool { return a == IPv6Unspecified }

// IsLoopback reports ::1.
func (a IPv6) IsLoopback() bool { return a == IPv6Loopback }

// IsLinkLocal reports fe80::/10.
func (a IPv6) IsLinkLocal() bool {
	return a[0] == 0xfe && a[1]&0xc0 == 0x80
}

// IsMulticast reports ff00::/8.
func (a IPv6) IsMulticast() bool { return a[0] == 0xff }

// IsULA reports fc00::/7 (Unique Local Addresses).
func (a IPv6) IsULA() bool { return a[0]&0xfe == 0xfc }

// IsReserved reports the documentation block 2001:db8::/32 and the
// deprecated site-local fec0::/10 range.
func (a IPv6) IsReserved() bool {
	if a[0] == 0x20 && a[1] == 0x01 && a[2] == 0x0d && a[3] == 0xb8 {
		return true
	}
	if a[0] == 0xfe && a[1]&0xc0 == 0xc0 {
		return true
	}
	return false
}

// IsGlobal reports a globally routable unicast address.
func (a IPv6) IsGlobal() bool {
	return !a.IsUnspecified() && !a.IsLoopback() && !a.IsLinkLocal() &&
		!a.IsMulticast() && !a.IsULA() && !a.IsReserved()
}

// IsUnicast is the complement of IsMulticast (excluding the unspecified
// address, which is neither a valid unicast source nor destination).
func (a IPv6) IsUnicast() bool {
	return !a.IsMulticast() && !a.IsUnspecified()
}

// IsSolicitedNodeMulticast reports ff02::1:ff00:0/104.
func (a IPv6) IsSolicitedNodeMulticast() bool {
	return a[0] == 0xff && a[1] == 0x02 &&
		a[11] == 0x01 && a[12] == 0xff
}

// SolicitedNodeMulticast derives the ff02::1:ff00:0/104 address carrying the
// low 24 bits of a.
func (a IPv6) SolicitedNodeMulticast() IPv6 {
	var s IPv6
	s[0], s[1] = 0xff, 0x02
	s[11] = 0x01
	s[12] = 0xff
	s[13], s[14], s[15] = a[13], a[14], a[15]
	return s
}

// IPv6Mask is an immutable contiguous high-order-ones netmask.
type IPv6Mask [16]byte

// NewIPv6MaskFromOnes builds a mask with the given prefix length (0..128).
func NewIPv6MaskFromOnes(ones int) (IPv6Mask, error) {
	if ones < 0 || ones > 128 {
		return IPv6Mask{}, fmt.Errorf("%w: prefix length %d out of range", ErrMaskFormat, ones)
	}
	var m IPv6Mask
	full := ones / 8
	for i := 0; i < full; i++ {
		m[i] = 0xff
	}
	if rem := ones % 8; rem > 0 {
		m[full] = byte(0xff << (8 - rem))
	}
	return m, nil
}

// IPv6MaskFromBytes validates contiguity.
func IPv6MaskFromBytes(b [16]byte) (IPv6Mask, error) {
	m := IPv6Mask(b)
	if !m.isContiguous() {
		return IPv6Mask{}, ErrMaskNonContig
	}
	return m, nil
}

func (m IPv6Mask) isContiguous() bool {
	seenZero := false
	for _, byt := range m {
		if seenZero {
			if byt != 0 {
				return false
			}
			continue
		}
		if byt == 0xff {
			continue
		}
		// A single partial byte: its bit pattern must itself be a
		// contiguous high-order run (0xfe, 0xfc, ... 0x00).
		inv := ^byt
		if inv&(inv+1) != 0 {
			return false
		}
		seenZero = true
	}
	return true
}

// Ones returns the prefix length.
func (m IPv6Mask) Ones() int {
	n := 0
	for _, b := range m {
		n += bits.OnesCount8(b)
	}
	return n
}

func (m IPv6Mask) Bytes() [16]byte { return m }

func (m IPv6Mask) String() string { return fmt.Sprintf("/%d", m.Ones()) }

// IPv6Network is an (address-with-host-bits-cleared, mask) pair.
type IPv6Network struct {
	Address IPv6
	Mask    IPv6Mask
}

// NewIPv6Network clears host bits of addr under mask.
func NewIPv6Network(addr IPv6, mask IPv6Mask) IPv6Network {
	var n IPv6Network
	n.Mask = mask
	for i := range addr {
		n.Address[i] = addr[i] & mask[i]
	}
	return n
}

// Contains reports whether ip lies within n.
func (n IPv6Network) Contains(ip IPv6) bool {
	for i := range ip {
		if ip[i]&n.Mask[i] != n.Address[i] {
			return false
		}
	}
	return true
}

func (n IPv6Network) String() string { return n.Address.String() + n.Mask.String() }

// IPv6Host is (address, network, optional gateway, origin, expiration).
type IPv6Host struct {
	Address    IPv6
	Network    IPv6Network
	Gateway    *IPv6
	Origin     Origin
	Expiration *int64
}

// NewIPv6Host validates that the host address lies within its network; an
// IPv6 gateway, when set, must be link-local and must not equal the host's
// own or network address.
func NewIPv6Host(address IPv6, network IPv6Network, gateway *IPv6, origin Origin) (*IPv6Host, error) {
	if !network.Contains(address) {
		return nil, ErrHostNotInNet
	}
	if gateway != nil {
		if !gateway.IsLinkLocal() {
			return nil, ErrGatewayNotLinkLocal
		}
		if *gateway == address || *gateway == network.Address {
			return nil, ErrGatewaySelf
		}
	}
	return &IPv6Host{Address: address, Network: network, Gateway: gateway, Origin: origin}, nil
}

func (h *IPv6Host) String() string { return h.Address.String() + h.Network.Mask.String() }
