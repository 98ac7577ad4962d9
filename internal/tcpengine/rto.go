package tcpengine

import "time"

// RFC 6298 retransmission timer bounds.
const (
	MinRTO       = 200 * time.Millisecond
	MaxRTO       = 60 * time.Second
	InitialRTO   = 1 * time.Second
	clockGranule = 100 * time.Millisecond // RFC 6298's "G"
)

// rtoEstimator implements the RFC 6298 SRTT/RTTVAR smoothing filter.
type rtoEstimator struct {
	srtt     time.Duration
	rttvar   time.Duration
	rto      time.Duration
	measured bool
}

func newRTOEstimator() *rtoEstimator {
	return &rtoEstimator{rto: InitialRTO}
}

// Sample folds one round-trip measurement into the estimator and recomputes
// RTO, per RFC 6298 §2.3/§2.4.
func (e *rtoEstimator) Sample(rtt time.Duration) {
	if !e.measured {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.measured = true
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + rtt) / 8
	}
	e.rto = e.srtt + max(clockGranule, 4*e.rttvar)
	e.clamp()
}

// BackOff doubles RTO after a retransmission timeout, per RFC 6298 §5.5 (the
// Karn's algorithm companion rule — exponential backoff, not a fresh sample).
func (e *rtoEstimator) BackOff() {
	e.rto *= 2
	e.clamp()
}

func (e *rtoEstimator) clamp() {
	if e.rto < MinRTO {
		e.rto = MinRTO
	}
	if e.rto > MaxRTO {
		e.rto = MaxRTO
	}
}

func (e *rtoEstimator) RTO() time.Duration { return e.rto }
