package tcpengine

// congestionControl implements slow start plus AIMD congestion avoidance
// (RFC 5681's core algorithm, without SACK-aware fast
// recovery — SACK is negotiated capability-only, per Open Question
// decision recorded in DESIGN.md).
type congestionControl struct {
	mss        uint32
	cwnd       uint32
	ssthresh   uint32
	dupACKs    int
	recovering bool
}

// initialWindowSegments is the initial window in segments. RFC 5681 §3.1
// allows 4 segments for an SMSS of at most 1095 bytes; this engine uses 4
// segments whatever the MSS.
const initialWindowSegments = 4

func newCongestionControl(mss uint32) *congestionControl {
	if mss == 0 {
		mss = 536
	}
	return &congestionControl{
		mss:      mss,
		cwnd:     initialWindowSegments * mss,
		ssthresh: 65535,
	}
}

// OnNewDataACKed grows cwnd on each ACK that covers previously-unacked data.
func (c *congestionControl) OnNewDataACKed(ackedBytes uint32) {
	c.dupACKs = 0
	c.recovering = false
	if c.cwnd < c.ssthresh {
		// Slow start: one MSS per ACK.
		c.cwnd += min32(ackedBytes, c.mss)
	} else {
		// Congestion avoidance: roughly one MSS per RTT.
		c.cwnd += max32(1, c.mss*c.mss/c.cwnd)
	}
}

// OnDuplicateACK implements RFC 5681's fast retransmit trigger: on the third
// duplicate ACK, halve ssthresh and enter fast recovery. Returns true the
// moment fast retransmit should fire.
func (c *congestionControl) OnDuplicateACK() (retransmit bool) {
	c.dupACKs++
	if c.dupACKs == 3 && !c.recovering {
		c.ssthresh = max32(c.cwnd/2, 2*c.mss)
		c.cwnd = c.ssthresh + 3*c.mss
		c.recovering = true
		return true
	}
	if c.recovering {
		c.cwnd += c.mss
	}
	return false
}

// OnRTO implements RFC 5681 §3.1's handling of a retransmission timeout:
// collapse to one segment and restart slow start.
func (c *congestionControl) OnRTO() {
	c.ssthresh = max32(c.cwnd/2, 2*c.mss)
	c.cwnd = c.mss
	c.dupACKs = 0
	c.recovering = false
}

// Window returns the current congestion window in bytes.
func (c *congestionControl) Window() uint32 { return c.cwnd }

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
