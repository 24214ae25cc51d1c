// Package release is the public façade over the page release engine: given
// a Platform capability and the geometry of one allocator size class, it
// turns a free-list snapshot (or a solid "this whole range is free" claim)
// into a minimal set of decommit calls covering every fully-free page.
//
// It owns no regions, free lists, or locks — those belong to the allocator
// that calls it, which is expected to hold whatever lock protects the free
// list for the duration of one release pass.
package release

import (
	"slabrelease/internal/platform"
	"slabrelease/internal/release"
)

// Platform is the capability this package requires from its host: page
// size, scratch memory, and the advisory OS release call.
type Platform = platform.Platform

// MapFlags control how Platform.Map reports a failed mapping (AllowNoMem)
// and whether it commits pages eagerly (Precommit).
type MapFlags = platform.MapFlags

const (
	AllowNoMem = platform.AllowNoMem
	Precommit  = platform.Precommit
)

// NewOSPlatform returns the default Platform for the running OS: real
// mmap/madvise on unix, VirtualAlloc/DiscardVirtualMemory on Windows.
func NewOSPlatform() Platform {
	return platform.OS{}
}

// Batch is one free-list node: a small run of compacted block handles.
type Batch[Handle any] = release.Batch[Handle]

// FreeList is a snapshot of free blocks, iterable in arbitrary order.
type FreeList[Handle any] = release.FreeList[Handle]

// SliceBatch and SliceFreeList are a slice-backed Batch/FreeList, useful for
// tests and for allocators without their own batch representation.
type SliceBatch[Handle any] = release.SliceBatch[Handle]
type SliceFreeList[Handle any] = release.SliceFreeList[Handle]

// SkipRegion is invoked once per region, in order, during a release scan.
type SkipRegion = release.SkipRegion

// Geometry describes one allocator size class's block/region layout and the
// window of it a release pass should consider. ReleaseSize and
// ReleaseOffset narrow the window below the full region only when
// NumberOfRegions == 1; otherwise ReleaseSize must equal RegionSize and
// ReleaseOffset must be 0.
type Geometry struct {
	BlockSize       uint64
	RegionSize      uint64
	NumberOfRegions uint64
	ReleaseSize     uint64
	ReleaseOffset   uint64
}

// Context is one release pass's precomputed geometry plus its lazily
// allocated page map.
type Context struct {
	inner *release.Context
}

// NewContext computes the geometry for a release pass but does not yet
// allocate any page-tracking storage; that happens on the first Mark call.
func NewContext(plat Platform, g Geometry) (*Context, error) {
	inner, err := release.NewContext(plat, g.BlockSize, g.RegionSize, g.NumberOfRegions, g.ReleaseSize, g.ReleaseOffset)
	if err != nil {
		return nil, err
	}
	return &Context{inner: inner}, nil
}

// MarkRangeAsAllCounted marks [from, to) — region-relative to base — as a
// solid free span. from must be page-aligned; to must be page-aligned or
// equal to the region size. See internal/release for the exact algorithm.
func (c *Context) MarkRangeAsAllCounted(from, to, base uint64) error {
	return c.inner.MarkRangeAsAllCounted(from, to, base)
}

// MarkFreeBlocks enumerates freeList and records which pages each free
// block's footprint touches.
func MarkFreeBlocks[Handle any](c *Context, freeList FreeList[Handle], decompact func(Handle) uint64, base uint64) error {
	return release.MarkFreeBlocks(c.inner, freeList, decompact, base)
}

// Release runs the two-pass scan over the marked page map and emits
// coalesced release calls to recorder, skipping any region for which
// skipRegion returns true. It is a no-op if no marker call allocated a page
// map, or if that allocation was declined by the Platform.
func (c *Context) Release(recorder *Recorder, skipRegion SkipRegion) {
	release.ReleaseFreeMemoryToOS(c.inner, recorder.inner, skipRegion)
}

// HasPageMapAllocated reports whether the lazy page map has backing
// storage. A false result after a Mark call means the Platform declined the
// scratch allocation and the pass should be abandoned.
func (c *Context) HasPageMapAllocated() bool {
	return c.inner.HasPageMapAllocated()
}

// PagesCount returns the number of pages covered by the release window.
func (c *Context) PagesCount() uint64 { return c.inner.PagesCount() }

// Close releases the context's page map, if one was allocated.
func (c *Context) Close() error {
	return c.inner.Close()
}

// Recorder accumulates the outcome of one release pass.
type Recorder struct {
	inner *release.Recorder
}

// NewRecorder creates a Recorder for regions based at base.
func NewRecorder(base uint64, plat Platform) *Recorder {
	return &Recorder{inner: release.NewRecorder(base, plat)}
}

func (r *Recorder) Base() uint64                { return r.inner.Base() }
func (r *Recorder) ReleasedRangesCount() uint64 { return r.inner.ReleasedRangesCount() }
func (r *Recorder) ReleasedBytes() uint64       { return r.inner.ReleasedBytes() }

// ReleaseWholeRegions is the one-shot convenience form: it builds a
// whole-region Context for the given geometry, marks freeList, runs the
// scan, and tears the context down, mirroring the source's overloaded
// releaseFreeMemoryToOS(FreeList, RegionSize, NumberOfRegions, BlockSize,
// Recorder, DecompactPtr, SkipRegion).
func ReleaseWholeRegions[Handle any](
	plat Platform,
	freeList FreeList[Handle],
	decompact func(Handle) uint64,
	blockSize, regionSize, numberOfRegions uint64,
	recorder *Recorder,
	skipRegion SkipRegion,
) error {
	ctx, err := NewContext(plat, Geometry{
		BlockSize:       blockSize,
		RegionSize:      regionSize,
		NumberOfRegions: numberOfRegions,
		ReleaseSize:     regionSize,
		ReleaseOffset:   0,
	})
	if err != nil {
		return err
	}
	defer ctx.Close()

	if err := MarkFreeBlocks(ctx, freeList, decompact, recorder.Base()); err != nil {
		return err
	}
	ctx.Release(recorder, skipRegion)
	return nil
}
