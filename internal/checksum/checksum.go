// Package checksum implements the one's-complement Internet checksum
// (RFC 1071) shared by IPv4, ICMPv4, ICMPv6, UDP and TCP, plus the
// pseudo-header construction used by the transport-layer checksums.
package checksum

import "encoding/binary"

// Sum computes the RFC 1071 one's-complement checksum over b, folding
// carries back into the low 16 bits and returning the complement. An
// odd trailing byte is treated as the high byte of a final 16-bit word.
func Sum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Accumulate folds b into a running (uncomplemented) sum, for callers
// that need to combine a pseudo-header with a payload before the final
// fold-and-complement step.
func Accumulate(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// Fold reduces an accumulated sum to its final complemented 16-bit form.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderIP4 accumulates the IPv4 pseudo-header (src, dst, zero,
// proto, length) per RFC 793 §3.1.
func PseudoHeaderIP4(src, dst [4]byte, proto uint8, length uint16) uint32 {
	var sum uint32
	sum = Accumulate(sum, src[:])
	sum = Accumulate(sum, dst[:])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// PseudoHeaderIP6 accumulates the IPv6 pseudo-header (src, dst, length,
// zero-zero-zero, next-header) per RFC 8200 §8.1.
func PseudoHeaderIP6(src, dst [16]byte, nextHeader uint8, length uint32) uint32 {
	var sum uint32
	sum = Accumulate(sum, src[:])
	sum = Accumulate(sum, dst[:])
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], length)
	sum = Accumulate(sum, lb[:])
	sum += uint32(nextHeader)
	return sum
}
