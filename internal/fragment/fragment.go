// Package fragment implements IPv4 and IPv6 fragment reassembly and outbound
// fragmentation. Reassembly flows are keyed by (src, dst, id, protocol)
// for IPv4 and (src, dst, flow-id) for IPv6, keep fragments in arrival
// order, and are evicted by a periodic sweep when incomplete
// past a deadline — the same "entry map + periodic aging sweep" shape used
// by the neighbor caches.
package fragment

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unkn0wn-root/ustack/internal/addr"
)

// DefaultEvictionAge is how long an incomplete reassembly flow survives
// without a new fragment before the sweep discards it.
const DefaultEvictionAge = 30 * time.Second

// MaxDatagramLen bounds a reassembled datagram, per RFC 791/8200's 65535-byte
// ceiling on a non-jumbogram IP payload.
const MaxDatagramLen = 65535

// FlowKey4 identifies one IPv4 reassembly flow (RFC 791 §3.2).
type FlowKey4 struct {
	Src, Dst addr.IPv4
	ID       uint16
	Protocol uint8
}

// FlowKey6 identifies one IPv6 reassembly flow (RFC 8200 §4.5).
type FlowKey6 struct {
	Src, Dst addr.IPv6
	ID       uint32
}

type fragPiece struct {
	offset int // in bytes
	data   []byte
	last   bool
}

type reassembly struct {
	mu       sync.Mutex
	pieces   []fragPiece // kept in arrival order; overlaps resolved last-writer-wins
	lastSeen time.Time
	total    int // total datagram length once the last fragment is known, else -1
}

func newReassembly() *reassembly {
	return &reassembly{total: -1, lastSeen: time.Now()}
}

// add inserts a fragment at byte offset off, length len(data), recording
// whether it is the final fragment. Overlapping byte ranges are resolved
// last-writer-wins: an insertion's bytes always win over anything already
// covering the same range.
func (r *reassembly) add(off int, data []byte, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen = time.Now()
	r.pieces = append(r.pieces, fragPiece{offset: off, data: append([]byte(nil), data...), last: last})
	if last {
		r.total = off + len(data)
	}
}

// complete reports whether every byte from 0..total has been covered, and if
// so returns the reassembled datagram.
func (r *reassembly) complete() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.total < 0 {
		return nil, false
	}
	out := make([]byte, r.total)
	covered := make([]bool, r.total)

	sorted := append([]fragPiece(nil), r.pieces...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].offset < sorted[j].offset })
	// Last-writer-wins: process r.pieces in arrival order, so a
	// later-arriving fragment overwrites bytes an earlier one already wrote.
	for _, p := range r.pieces {
		end := p.offset + len(p.data)
		if end > r.total {
			end = r.total
		}
		if p.offset >= end {
			continue
		}
		copy(out[p.offset:end], p.data[:end-p.offset])
		for i := p.offset; i < end; i++ {
			covered[i] = true
		}
	}
	for _, c := range covered {
		if !c {
			return nil, false
		}
	}
	return out, true
}

func (r *reassembly) age(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastSeen)
}

// Reassembler4 reassembles IPv4 fragments.
type Reassembler4 struct {
	mu     sync.Mutex
	flows  map[FlowKey4]*reassembly
	maxAge time.Duration
}

// NewReassembler4 constructs a Reassembler4. maxAge<=0 uses DefaultEvictionAge.
func NewReassembler4(maxAge time.Duration) *Reassembler4 {
	if maxAge <= 0 {
		maxAge = DefaultEvictionAge
	}
	return &Reassembler4{flows: make(map[FlowKey4]*reassembly), maxAge: maxAge}
}

// Add feeds one fragment into its flow, identified by key. offset is in
// bytes (already expanded from the wire's 8-byte units), data is the
// fragment's payload, and last reports whether More-Fragments was clear.
// It returns the reassembled datagram once every byte has arrived.
func (a *Reassembler4) Add(key FlowKey4, offset int, data []byte, last bool) ([]byte, bool, error) {
	if offset+len(data) > MaxDatagramLen {
		return nil, false, fmt.Errorf("fragment: reassembled IPv4 datagram would exceed %d bytes", MaxDatagramLen)
	}
	flow := a.getOrCreate(key)
	flow.add(offset, data, last)
	out, ok := flow.complete()
	if ok {
		a.mu.Lock()
		delete(a.flows, key)
		a.mu.Unlock()
	}
	return out, ok, nil
}

func (a *Reassembler4) getOrCreate(key FlowKey4) *reassembly {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.flows[key]; ok {
		return f
	}
	f := newReassembly()
	a.flows[key] = f
	return f
}

// Sweep evicts flows that have received no fragment within maxAge.
// Returns the number evicted.
func (a *Reassembler4) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for key, f := range a.flows {
		if f.age(now) > a.maxAge {
			delete(a.flows, key)
			n++
		}
	}
	return n
}

// Len reports the number of in-progress reassembly flows.
func (a *Reassembler4) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.flows)
}

// Reassembler6 reassembles IPv6 fragments (identical shape to Reassembler4,
// keyed by FlowKey6 rather than FlowKey4 — IPv6 fragmentation has no
// protocol field in the key since the Fragment extension header always
// precedes exactly one upper-layer header per RFC 8200 §4.5).
type Reassembler6 struct {
	mu     sync.Mutex
	flows  map[FlowKey6]*reassembly
	maxAge time.Duration
}

// NewReassembler6 constructs a Reassembler6. maxAge<=0 uses DefaultEvictionAge.
func NewReassembler6(maxAge time.Duration) *Reassembler6 {
	if maxAge <= 0 {
		maxAge = DefaultEvictionAge
	}
	return &Reassembler6{flows: make(map[FlowKey6]*reassembly), maxAge: maxAge}
}

func (a *Reassembler6) Add(key FlowKey6, offset int, data []byte, last bool) ([]byte, bool, error) {
	if offset+len(data) > MaxDatagramLen {
		return nil, false, fmt.Errorf("fragment: reassembled IPv6 datagram would exceed %d bytes", MaxDatagramLen)
	}
	flow := a.getOrCreate(key)
	flow.add(offset, data, last)
	out, ok := flow.complete()
	if ok {
		a.mu.Lock()
		delete(a.flows, key)
		a.mu.Unlock()
	}
	return out, ok, nil
}

func (a *Reassembler6) getOrCreate(key FlowKey6) *reassembly {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.flows[key]; ok {
		return f
	}
	f := newReassembly()
	a.flows[key] = f
	return f
}

func (a *Reassembler6) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for key, f := range a.flows {
		if f.age(now) > a.maxAge {
			delete(a.flows, key)
			n++
		}
	}
	return n
}

// Len reports the number of in-progress reassembly flows.
func (a *Reassembler6) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.flows)
}

// Chunk is one outbound fragment: its byte offset into the original
// payload, the fragment bytes, and whether more fragments follow.
type Chunk struct {
	Offset int
	Data   []byte
	More   bool
}

// Split divides payload into fragments of at most maxPerFragment bytes,
// rounded down to an 8-byte boundary (RFC 791 requires all but the last
// fragment's length be a multiple of 8).
func Split(payload []byte, maxPerFragment int) ([]Chunk, error) {
	if maxPerFragment < 8 {
		return nil, fmt.Errorf("fragment: maxPerFragment %d below the 8-byte minimum", maxPerFragment)
	}
	step := maxPerFragment &^ 7
	if step == 0 {
		step = 8
	}
	var chunks []Chunk
	for off := 0; off < len(payload); off += step {
		end := off + step
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		chunks = append(chunks, Chunk{Offset: off, Data: payload[off:end], More: more})
	}
	return chunks, nil
}

// FlowIDAllocator issues monotonically increasing IPv6 fragment
// identification values, per RFC 8200 §4.5 (no wraparound hazard within a
// single stack's lifetime at realistic send rates).
type FlowIDAllocator struct {
	mu   sync.Mutex
	next uint32
}

// Next returns the next flow ID, starting from 1 (0 is avoided only by
// convention — RFC 8200 places no constraint on the value — to make
// uninitialized-zero bugs visible in logs).
func (a *FlowIDAllocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}
