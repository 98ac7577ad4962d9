// Package protoerr defines the two error kinds that cross a wire-codec
// parser boundary: integrity errors (wire malformedness) and
// sanity errors (semantic RFC violations). Both are per-protocol, carry a
// human-readable reason, and are meant to be checked with errors.As/Is —
// never propagated to user sockets (internal/socket maps a different,
// smaller error vocabulary for that boundary).
package protoerr

import "fmt"

// IntegrityError reports a length, structural, or checksum failure.
type IntegrityError struct {
	Protocol string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: integrity: %s", e.Protocol, e.Reason)
}

// NewIntegrity builds an IntegrityError for protocol proto.
func NewIntegrity(proto, format string, args ...any) error {
	return &IntegrityError{Protocol: proto, Reason: fmt.Sprintf(format, args...)}
}

// SanityError reports an RFC-level semantic constraint violation that
// cannot be expressed as a length check.
type SanityError struct {
	Protocol string
	Reason   string
}

func (e *SanityError) Error() string {
	return fmt.Sprintf("%s: sanity: %s", e.Protocol, e.Reason)
}

// NewSanity builds a SanityError for protocol proto.
func NewSanity(proto, format string, args ...any) error {
	return &SanityError{Protocol: proto, Reason: fmt.Sprintf(format, args...)}
}
