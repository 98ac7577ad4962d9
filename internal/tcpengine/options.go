package tcpengine

import "github.com/unkn0wn-root/ustack/internal/proto/tcp"

// negotiatedOptions is the result of inspecting a peer's SYN/SYN-ACK options
// against this engine's own capabilities. The effective MSS is the smaller
// of Config.MSSCeiling and the peer's MSS; it is not derived from the
// interface MTU. Window scaling applies to both directions once both sides
// sent Window Scale, with shifts clamped to tcp.MaxWindowScale.
// SACK-Permitted and Timestamps are capability flags only: no SACK blocks,
// no selective retransmission, no RTT-from-timestamps. Timestamps is
// offered in the SYN/SYN-ACK with a TSval of 0; the peer's TSval is not
// echoed and later segments carry no Timestamps option.
type negotiatedOptions struct {
	peerMSS         uint32
	sendWindowScale uint8 // 0 if peer did not send Window Scale
	recvWindowScale uint8 // our own advertised shift, set by the opener
	windowScaleOK   bool  // true only if both sides sent Window Scale
	sackPermitted   bool
	timestampsOK    bool
}

func parsePeerOptions(opts []tcp.Option, localWindowScale uint8, localSACKPermitted, localTimestamps bool) negotiatedOptions {
	n := negotiatedOptions{recvWindowScale: localWindowScale}
	for _, o := range opts {
		switch v := o.(type) {
		case tcp.OptionMSS:
			n.peerMSS = uint32(v.MSS)
		case tcp.OptionWindowScale:
			n.sendWindowScale = v.Shift
			n.windowScaleOK = true
		case tcp.OptionSACKPermitted:
			n.sackPermitted = localSACKPermitted
		case tcp.OptionTimestamps:
			n.timestampsOK = localTimestamps
		}
	}
	if !localOffersWindowScale(localWindowScale) {
		n.windowScaleOK = false
	}
	return n
}

// localOffersWindowScale reports whether the local side offered window
// scaling at all (shift 0 is a valid, if degenerate, offer; only a shift
// above the engine's clamp counts as not configured).
func localOffersWindowScale(shift uint8) bool { return shift <= tcp.MaxWindowScale }

// buildOpeningOptions constructs the option set for an outbound SYN or
// SYN-ACK, given this engine's configured capabilities.
func buildOpeningOptions(mss uint16, windowScale uint8, sackPermitted, timestamps bool, tsValue uint32) []tcp.Option {
	opts := []tcp.Option{tcp.OptionMSS{MSS: mss}}
	if windowScale <= tcp.MaxWindowScale {
		opts = append(opts, tcp.OptionWindowScale{Shift: windowScale})
	}
	if sackPermitted {
		opts = append(opts, tcp.OptionSACKPermitted{})
	}
	if timestamps {
		opts = append(opts, tcp.OptionTimestamps{TSValue: tsValue})
	}
	return opts
}

// effectiveMSS picks the smaller of the local ceiling and the peer's
// advertised MSS, per RFC 9293 §3.7.1; 536 is the RFC 9293 default when the
// peer sends none.
func effectiveMSS(localCeiling uint16, peerMSS uint32) uint32 {
	eff := uint32(localCeiling)
	if peerMSS == 0 {
		peerMSS = 536
	}
	if peerMSS < eff {
		eff = peerMSS
	}
	return eff
}
