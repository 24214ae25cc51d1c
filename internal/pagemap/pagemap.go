// Package pagemap implements the packed page map: a dense per-(region,page)
// array of free-block counters, bit-packed into machine words so that a
// handful of allocator size classes can be tracked with a few kilobytes of
// bookkeeping.
//
// A PackedPageMap is not safe for concurrent use; the caller (the release
// engine, in turn the size-class allocator) owns exclusive access for the
// duration of one release pass.
package pagemap

import (
	"fmt"
	"math/bits"
	"unsafe"

	"slabrelease/internal/debugcheck"
	"slabrelease/internal/platform"
)

const (
	wordBits  = 64
	wordBytes = wordBits / 8
)

// PackedPageMap is a two-dimensional [region][pageIndex] -> counter array.
// Counters are sized to the smallest power-of-two bit width that fits
// MaxValue and packed PackingRatio-to-a-word. CounterMask, the maximum
// representable counter value, doubles as the "all-counted" sentinel: once a
// counter reaches it, the page it belongs to is treated as fully free for
// the rest of the pass.
type PackedPageMap struct {
	regions     uint
	numCounters uint

	counterSizeBitsLog uint
	counterMask        uint64
	packingRatioLog    uint
	bitOffsetMask      uint64
	sizePerRegion      uint // words per region

	buffer      []uint64
	usingStatic bool
	rawMapped   []byte // set only when buffer backs onto a Platform mapping
	plat        platform.Platform
}

// New constructs a PackedPageMap for numberOfRegions regions of
// countersPerRegion counters each, where each counter must be able to hold
// values in [0, maxValue]. All three arguments must be positive.
//
// The map may fail to allocate its backing storage (Platform.Map returning
// nil under AllowNoMem); callers must check IsAllocated before use.
func New(plat platform.Platform, numberOfRegions, countersPerRegion, maxValue uint) (*PackedPageMap, error) {
	debugcheck.True(numberOfRegions > 0, "numberOfRegions must be > 0")
	debugcheck.True(countersPerRegion > 0, "countersPerRegion must be > 0")
	debugcheck.True(maxValue > 0, "maxValue must be > 0")

	p := &PackedPageMap{
		regions:     numberOfRegions,
		numCounters: countersPerRegion,
		plat:        plat,
	}

	counterSizeBits := roundUpPow2(uint(bits.Len(maxValue)))
	debugcheck.True(counterSizeBits <= wordBits, "counter width %d exceeds word width", counterSizeBits)
	p.counterSizeBitsLog = uint(bits.TrailingZeros(counterSizeBits))
	if counterSizeBits >= wordBits {
		p.counterMask = ^uint64(0)
	} else {
		p.counterMask = (uint64(1) << counterSizeBits) - 1
	}

	packingRatio := wordBits >> p.counterSizeBitsLog
	debugcheck.True(packingRatio > 0, "packing ratio must be > 0")
	p.packingRatioLog = uint(bits.TrailingZeros(uint(packingRatio)))
	p.bitOffsetMask = uint64(packingRatio - 1)

	p.sizePerRegion = ceilDivUint(countersPerRegion, uint(packingRatio))
	bufferWords := p.sizePerRegion * numberOfRegions
	bufferBytes := uint64(bufferWords) * wordBytes

	if bufferBytes <= staticBufferWords*wordBytes && tryLockStatic() {
		p.usingStatic = true
		p.buffer = staticBuffer[:bufferWords]
		clear(p.buffer)
		return p, nil
	}

	raw, err := plat.Map(bufferBytes, "slabrelease:counters", platform.AllowNoMem|platform.Precommit)
	if err != nil {
		return nil, fmt.Errorf("pagemap: allocate %d bytes: %w", bufferBytes, err)
	}
	if raw == nil {
		// Allowed failure: the map stays unallocated, IsAllocated reports
		// false, and the caller quietly abandons the release pass.
		return p, nil
	}
	p.rawMapped = raw
	p.buffer = unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), len(raw)/wordBytes)[:bufferWords]
	return p, nil
}

// IsAllocated reports whether the map has usable backing storage.
func (p *PackedPageMap) IsAllocated() bool {
	return p.buffer != nil
}

// Count returns the number of counters tracked per region.
func (p *PackedPageMap) Count() uint {
	return p.numCounters
}

// BufferSize returns the backing buffer size in bytes.
func (p *PackedPageMap) BufferSize() uint64 {
	return uint64(p.sizePerRegion) * uint64(p.regions) * wordBytes
}

func (p *PackedPageMap) index(region, i uint) (word uint, bitOffset uint64) {
	word = region*p.sizePerRegion + (i >> p.packingRatioLog)
	bitOffset = (uint64(i) & p.bitOffsetMask) << p.counterSizeBitsLog
	return
}

// Get extracts the counter at (region, i).
func (p *PackedPageMap) Get(region, i uint) uint64 {
	word, bitOffset := p.index(region, i)
	return (p.buffer[word] >> bitOffset) & p.counterMask
}

// Inc adds 1 to the counter at (region, i). The caller guarantees the
// counter is below CounterMask and not already all-counted.
func (p *PackedPageMap) Inc(region, i uint) {
	word, bitOffset := p.index(region, i)
	debugcheck.True(p.Get(region, i) < p.counterMask, "inc would overflow counter (%d,%d)", region, i)
	p.buffer[word] += uint64(1) << bitOffset
}

// IncN adds n to the counter at (region, i). The caller guarantees
// get(region,i)+n <= CounterMask and the counter is not already all-counted.
func (p *PackedPageMap) IncN(region, i uint, n uint64) {
	debugcheck.True(n > 0, "incN requires n > 0")
	word, bitOffset := p.index(region, i)
	debugcheck.True(p.Get(region, i) <= p.counterMask-n, "incN would overflow counter (%d,%d)", region, i)
	p.buffer[word] += n << bitOffset
}

// IncRange calls Inc on every counter in [from, min(to+1, Count())).
func (p *PackedPageMap) IncRange(region, from, to uint) {
	debugcheck.True(from <= to, "incRange requires from <= to")
	top := min(to+1, p.numCounters)
	for i := from; i < top; i++ {
		p.Inc(region, i)
	}
}

// SetAsAllCounted sets the counter at (region, i) to CounterMask. Idempotent.
func (p *PackedPageMap) SetAsAllCounted(region, i uint) {
	word, bitOffset := p.index(region, i)
	p.buffer[word] |= p.counterMask << bitOffset
}

// SetAsAllCountedRange calls SetAsAllCounted on every counter in
// [from, min(to+1, Count())).
func (p *PackedPageMap) SetAsAllCountedRange(region, from, to uint) {
	debugcheck.True(from <= to, "setAsAllCountedRange requires from <= to")
	top := min(to+1, p.numCounters)
	for i := from; i < top; i++ {
		p.SetAsAllCounted(region, i)
	}
}

// UpdateAsAllCountedIf reports whether (region, i) is fully free: either it
// was already marked all-counted, or its counter equals maxCount (the
// page's natural full block count), in which case it is promoted to
// all-counted before returning true.
func (p *PackedPageMap) UpdateAsAllCountedIf(region, i uint, maxCount uint64) bool {
	count := p.Get(region, i)
	if count == p.counterMask {
		return true
	}
	if count == maxCount {
		p.SetAsAllCounted(region, i)
		return true
	}
	return false
}

// IsAllCounted reports whether (region, i) holds the all-counted sentinel.
func (p *PackedPageMap) IsAllCounted(region, i uint) bool {
	return p.Get(region, i) == p.counterMask
}

// Release returns the map's backing storage: it unlocks the static-buffer
// mutex if this map borrowed it, or unmaps the Platform-backed buffer
// otherwise. Safe to call on an unallocated map.
func (p *PackedPageMap) Release() error {
	if p.buffer == nil {
		return nil
	}
	if p.usingStatic {
		p.buffer = nil
		unlockStatic()
		return nil
	}
	raw := p.rawMapped
	p.buffer, p.rawMapped = nil, nil
	if raw == nil {
		return nil
	}
	return p.plat.Unmap(raw)
}

func roundUpPow2(n uint) uint {
	if n <= 1 {
		return 1
	}
	return uint(1) << bits.Len(n-1)
}

func ceilDivUint(a, b uint) uint {
	return (a + b - 1) / b
}
