// Package coverage implements the module proxy and pool: the per-LLVM-module
// coverage accumulator that turns AFL-style saturating byte counters into
// "features" and tracks which features have been accumulated into the
// corpus so far.
package coverage

import (
	"encoding/binary"
	"math/bits"
	"sync"

	"github.com/google/realmfuzzer/pkg/fault"
)

// ModuleID identifies a compilation unit's contribution to instrumentation.
type ModuleID string

// PCEntry is one (pc, flags) pair in a module's PC table, aligned 1-to-1
// with its counter array.
type PCEntry struct {
	PC    uint64
	Flags uint64
}

// PCTable is immutable after module registration.
type PCTable []PCEntry

// highBitsMask has the high bit of each byte of a uint64 set. Used to sum
// counters 64 bits at a time while saturating each byte independently: the
// high bit of each byte is ORed, the low 7 bits are added, and a byte that
// was already saturated (or becomes saturated) maps to the same "≥128"
// feature bucket regardless of further accumulation.
const highBitsMask uint64 = 0x80808080_80808080

// toFeature buckets a summed counter byte into one of eight one-hot ranges:
// {0, [1], [2], [3], [4,7], [8,15], [16,31], [32,127], ≥128}. The compiler
// optimizes this branch ladder effectively at -O2 and above; do not try to
// turn it into a lookup table.
func toFeature(counter byte) byte {
	switch {
	case counter >= 128:
		return 1 << 7
	case counter >= 32:
		return 1 << 6
	case counter >= 16:
		return 1 << 5
	case counter >= 8:
		return 1 << 4
	case counter >= 4:
		return 1 << 3
	case counter >= 3:
		return 1 << 2
	case counter >= 2:
		return 1 << 1
	case counter >= 1:
		return 1 << 0
	default:
		return 0
	}
}

// Proxy aggregates all live counter arrays for a single (module-id, size)
// pair.
type Proxy struct {
	id      ModuleID
	size    int // bytes; always a multiple of 8
	numU64s int

	mu          sync.Mutex
	counters    [][]byte // each a view over a registered region, len==size
	features    []uint64
	accumulated []uint64
}

// NewProxy creates a proxy for a module of the given size in bytes. size
// must be a multiple of 8 (64-bit aligned), matching the wire format's
// alignment requirement for fast iteration.
func NewProxy(id ModuleID, size int) (*Proxy, error) {
	if size%8 != 0 {
		return nil, fault.New(fault.InvalidArgument, "coverage: module size %d not 8-byte aligned", size)
	}
	p := &Proxy{
		id:          id,
		size:        size,
		numU64s:     size / 8,
		features:    make([]uint64, size/8),
		accumulated: make([]uint64, size/8),
	}
	return p, nil
}

func (p *Proxy) ID() ModuleID { return p.id }
func (p *Proxy) Size() int    { return p.size }

// Add registers a counter array. buf must have exactly p.Size() bytes.
func (p *Proxy) Add(buf []byte) error {
	if len(buf) != p.size {
		return fault.New(fault.InvalidArgument, "coverage: counter array size %d != module size %d", len(buf), p.size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = append(p.counters, buf)
	return nil
}

// Remove deregisters a previously added counter array. It is a no-op if buf
// is not currently registered.
func (p *Proxy) Remove(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.counters {
		if &c[0] == &buf[0] {
			p.counters = append(p.counters[:i], p.counters[i+1:]...)
			return
		}
	}
}

// Measure computes features from the current sum of counters across all
// registered arrays and returns the count of features not already in
// accumulated. It does not mutate accumulated.
func (p *Proxy) Measure() int {
	return p.measureImpl(false)
}

// Accumulate is as Measure, but also ORs the new features into accumulated.
func (p *Proxy) Accumulate() int {
	return p.measureImpl(true)
}

func (p *Proxy) measureImpl(accumulate bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.features {
		p.features[i] = 0
	}
	// Sum all counters into the features array, 64 bits (8 counters) at a
	// time, saturating each byte independently.
	for _, counters := range p.counters {
		for i := 0; i < p.numU64s; i++ {
			word := binary.LittleEndian.Uint64(counters[i*8 : i*8+8])
			if word == 0 {
				continue
			}
			hiBits := (word | p.features[i]) & highBitsMask
			p.features[i] = ((p.features[i] &^ highBitsMask) + (word &^ highBitsMask)) | hiBits
		}
	}

	numNewFeatures := 0
	for i := range p.features {
		if p.features[i] == 0 {
			continue
		}
		var fw uint64
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, p.features[i])
		for j := 0; j < 8; j++ {
			buf[j] = toFeature(buf[j])
		}
		fw = binary.LittleEndian.Uint64(buf)
		p.features[i] = fw

		numNewFeatures += bits.OnesCount64(^p.accumulated[i] & fw)
		if accumulate {
			p.accumulated[i] |= fw
		}
	}
	return numNewFeatures
}

// GetCoverage returns the number of PCs that have accumulated any feature
// (covered PCs), and separately the popcount of the accumulated bitmap
// (covered features). These two counts are independent: a single measure
// sets at most one feature bit per byte, but the accumulated bitmap ORs
// the features of many runs, so one PC's byte can hold several feature
// bits and the feature count can exceed the PC count.
func (p *Proxy) GetCoverage() (numPCs, numFeatures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acc := range p.accumulated {
		if acc == 0 {
			continue
		}
		numFeatures += bits.OnesCount64(acc)
		for b := acc; b != 0; b >>= 8 {
			if b&0xff != 0 {
				numPCs++
			}
		}
	}
	return numPCs, numFeatures
}

// Clear resets accumulated features.
func (p *Proxy) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.accumulated {
		p.accumulated[i] = 0
	}
}
