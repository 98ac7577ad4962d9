package addr

import "errors"

// Sentinel errors for address/mask/network/host construction.
var (
	ErrMACFormat           = errors.New("malformed MAC address")
	ErrIP4Format           = errors.New("malformed IPv4 address")
	ErrIP6Format           = errors.New("malformed IPv6 address")
	ErrMaskFormat          = errors.New("malformed mask")
	ErrMaskNonContig       = errors.New("mask bits are not contiguous high-order ones")
	ErrHostNotInNet        = errors.New("host address does not lie within its network")
	ErrGatewayNotInNet     = errors.New("gateway does not lie within the host's network")
	ErrGatewayNotLinkLocal = errors.New("IPv6 gateway must be link-local")
	ErrGatewaySelf         = errors.New("gateway must not equal the host's own or network address")
)
