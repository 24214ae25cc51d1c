package release

import (
	"errors"
	"fmt"

	"slabrelease/internal/debugcheck"
	"slabrelease/internal/pagemap"
	"slabrelease/internal/platform"
)

// ErrPartialReleaseUnsupported is returned by NewContext when more than one
// region is configured but the caller also asked for a partial release
// window; partial windows only make sense for a single region (see §4.3).
var ErrPartialReleaseUnsupported = errors.New("release: partial release window requires exactly one region")

// Context precomputes the geometry of one release pass: how block size and
// page size relate for the current size class, how many pages the release
// window covers, and (lazily, on first marker call) the packed page map
// that records which pages are free.
type Context struct {
	plat platform.Platform

	blockSize       uint64
	regionSize      uint64
	numberOfRegions uint64
	releaseOffset   uint64

	pageSize          uint64
	pageSizeLog       uint
	pagesCount        uint64
	roundedRegionSize uint64
	roundedSize       uint64
	releasePageOffset uint64

	fullPagesBlockCountMax uint64
	sameBlockCountPerPage  bool

	pageMap *pagemap.PackedPageMap
}

// NewContext computes the geometry for a release pass over numberOfRegions
// regions of regionSize bytes each, carved into blockSize blocks, where the
// release window is [releaseOffset, releaseOffset+releaseSize) of region 0
// (numberOfRegions must be 1 for a window narrower than the full region).
//
// The page map itself is not allocated here; it is created lazily by the
// first call to MarkRangeAsAllCounted or MarkFreeBlocks.
func NewContext(plat platform.Platform, blockSize, regionSize, numberOfRegions, releaseSize, releaseOffset uint64) (*Context, error) {
	debugcheck.True(blockSize > 0, "blockSize must be > 0")
	debugcheck.True(regionSize > 0, "regionSize must be > 0")
	debugcheck.True(numberOfRegions > 0, "numberOfRegions must be > 0")

	if numberOfRegions != 1 && (releaseSize != regionSize || releaseOffset != 0) {
		return nil, ErrPartialReleaseUnsupported
	}

	pageSize := plat.PageSizeCached()
	maxCount, sameCount, _ := classifyGeometry(blockSize, pageSize)

	ctx := &Context{
		plat:                   plat,
		blockSize:              blockSize,
		regionSize:             regionSize,
		numberOfRegions:        numberOfRegions,
		releaseOffset:          releaseOffset,
		pageSize:               pageSize,
		pageSizeLog:            log2(pageSize),
		pagesCount:             ceilDiv(releaseSize, pageSize),
		roundedRegionSize:      roundUp(regionSize, pageSize),
		fullPagesBlockCountMax: maxCount,
		sameBlockCountPerPage:  sameCount,
	}
	ctx.roundedSize = numberOfRegions * ctx.roundedRegionSize
	ctx.releasePageOffset = releaseOffset >> ctx.pageSizeLog
	return ctx, nil
}

// PagesCount returns the number of pages covered by the release window.
func (c *Context) PagesCount() uint64 { return c.pagesCount }

// NumberOfRegions returns the number of regions this context covers.
func (c *Context) NumberOfRegions() uint64 { return c.numberOfRegions }

// SameBlockCountPerPage reports whether every page in the window has the
// same natural full-block count, i.e. whether the release scan may use its
// fast path.
func (c *Context) SameBlockCountPerPage() bool { return c.sameBlockCountPerPage }

// FullPagesBlockCountMax returns the maximum number of free blocks that can
// touch a single page for this geometry.
func (c *Context) FullPagesBlockCountMax() uint64 { return c.fullPagesBlockCountMax }

// HasPageMapAllocated reports whether the lazy page map has been created.
func (c *Context) HasPageMapAllocated() bool {
	return c.pageMap != nil && c.pageMap.IsAllocated()
}

// ensurePageMapAllocated lazily creates the page map on first use. A failed
// allocation (Platform declined under AllowNoMem) leaves c.pageMap either
// nil or unallocated; callers must check HasPageMapAllocated before relying
// on anything the map would have recorded.
func (c *Context) ensurePageMapAllocated() error {
	if c.pageMap != nil {
		return nil
	}
	pm, err := pagemap.New(c.plat, uint(c.numberOfRegions), uint(c.pagesCount), uint(c.fullPagesBlockCountMax))
	if err != nil {
		logger.Debug("release: page map allocation failed", "error", err)
		return err
	}
	if !pm.IsAllocated() {
		logger.Debug("release: page map scratch allocation declined, release pass will be abandoned")
	}
	c.pageMap = pm
	return nil
}

// getPageIndex maps a region-local byte offset to a page index within the
// current release window.
func (c *Context) getPageIndex(offsetInRegion uint64) uint64 {
	return (offsetInRegion >> c.pageSizeLog) - c.releasePageOffset
}

// Close releases the context's page map, if one was allocated.
func (c *Context) Close() error {
	if c.pageMap == nil {
		return nil
	}
	return c.pageMap.Release()
}

// MarkRangeAsAllCounted marks the address range [from, to) — both
// region-relative to base — as a solid free span: every block whose
// footprint is entirely inside the range is treated as free without
// enumerating it, and only the blocks straddling the range's edges are
// credited individually. from must be page-aligned; to must be page-aligned
// or equal to RegionSize. The full range must lie within a single region.
func (c *Context) MarkRangeAsAllCounted(from, to, base uint64) error {
	debugcheck.True(from < to, "markRangeAsAllCounted requires from < to")
	debugcheck.True(from%c.pageSize == 0, "markRangeAsAllCounted requires from to be page-aligned")

	if err := c.ensurePageMapAllocated(); err != nil {
		return err
	}
	if !c.pageMap.IsAllocated() {
		return nil
	}

	fromOffset := from - base
	toOffset := to - base

	var regionIndex uint64
	if c.numberOfRegions != 1 {
		regionIndex = fromOffset / c.regionSize
	}
	if debugcheck.Enabled && c.numberOfRegions != 1 {
		toRegionIndex := (toOffset - 1) / c.regionSize
		debugcheck.True(regionIndex == toRegionIndex, "markRangeAsAllCounted range spans regions %d and %d", regionIndex, toRegionIndex)
	}

	fromInRegion := fromOffset - regionIndex*c.regionSize
	toInRegion := toOffset - regionIndex*c.regionSize
	firstBlockInRange := roundUpSlow(fromInRegion, c.blockSize)

	// A block straddling `from` covers the entire range; nothing to mark.
	if firstBlockInRange >= toInRegion {
		return nil
	}

	fromInRegion = roundDown(firstBlockInRange, c.pageSize)
	if firstBlockInRange != fromInRegion {
		// A block straddles the front of the range: credit the first page
		// with the count of block starts inside it, then move past it.
		numBlocksInFirstPage := ceilDiv(fromInRegion+c.pageSize-firstBlockInRange, c.blockSize)
		c.pageMap.IncN(uint(regionIndex), uint(c.getPageIndex(fromInRegion)), numBlocksInFirstPage)
		fromInRegion = roundUp(fromInRegion+1, c.pageSize)
	}

	lastBlockInRange := roundDownSlow(toInRegion-1, c.blockSize)
	if lastBlockInRange < fromInRegion {
		return nil
	}

	if lastBlockInRange+c.blockSize != c.regionSize {
		debugcheck.True(toInRegion%c.pageSize == 0, "markRangeAsAllCounted requires to to be page-aligned unless at region end")
		if lastBlockInRange+c.blockSize != toInRegion {
			// The last block straddles `to`: the page(s) it spills into get
			// a +1 credit rather than the all-counted sentinel.
			c.pageMap.IncRange(uint(regionIndex),
				uint(c.getPageIndex(toInRegion)),
				uint(c.getPageIndex(lastBlockInRange+c.blockSize-1)))
		}
	} else {
		toInRegion = c.regionSize
	}

	if fromInRegion < toInRegion {
		c.pageMap.SetAsAllCountedRange(uint(regionIndex),
			uint(c.getPageIndex(fromInRegion)),
			uint(c.getPageIndex(toInRegion-1)))
	}
	return nil
}

// MarkFreeBlocks enumerates freeList and records, for each free block, which
// page(s) its footprint touches. decompact turns a compacted handle back
// into an absolute address; base is the address region 0 starts at.
//
// This is a package-level generic function rather than a method because Go
// methods cannot carry their own type parameters — the spec's preference
// for monomorphised dispatch over virtual calls (§9) otherwise translates
// directly: Handle is resolved at compile time, there is no interface call
// on the per-block hot path beyond the FreeList/Batch method set itself.
func MarkFreeBlocks[Handle any](c *Context, freeList FreeList[Handle], decompact func(Handle) uint64, base uint64) error {
	if err := c.ensurePageMapAllocated(); err != nil {
		return err
	}
	if !c.pageMap.IsAllocated() {
		return nil
	}

	lastBlockInRegion := (c.regionSize/c.blockSize - 1) * c.blockSize
	// Case A only: every free block affects exactly one page. All other
	// geometries (straddling, or a block spanning multiple pages) affect a
	// range of pages.
	blockAffectsOnePageOnly := c.blockSize <= c.pageSize && c.pageSize%c.blockSize == 0

	markLastBlock := func(regionIndex uint64) {
		pInRegion := lastBlockInRegion + c.blockSize
		for pInRegion < c.roundedRegionSize {
			c.pageMap.IncRange(uint(regionIndex),
				uint(c.getPageIndex(pInRegion)),
				uint(c.getPageIndex(pInRegion+c.blockSize-1)))
			pInRegion += c.blockSize
		}
	}

	for batch := range freeList.Batches() {
		count := batch.Count()
		for i := uint16(0); i < count; i++ {
			// Wraps like uptr subtraction would in the source if the handle
			// decompacts to an address below base; the RoundedSize check
			// below still catches it.
			p := decompact(batch.Get(i)) - base
			if p >= c.roundedSize {
				continue
			}

			var regionIndex uint64
			if c.numberOfRegions != 1 {
				regionIndex = p / c.regionSize
			}
			pInRegion := p - regionIndex*c.regionSize

			if blockAffectsOnePageOnly {
				c.pageMap.Inc(uint(regionIndex), uint(c.getPageIndex(pInRegion)))
			} else {
				c.pageMap.IncRange(uint(regionIndex),
					uint(c.getPageIndex(pInRegion)),
					uint(c.getPageIndex(pInRegion+c.blockSize-1)))
			}

			if pInRegion == lastBlockInRegion {
				markLastBlock(regionIndex)
			}
		}
	}
	return nil
}

// String renders a short human-readable summary, useful for logging and
// test failure messages.
func (c *Context) String() string {
	return fmt.Sprintf("release.Context{blockSize=%d regionSize=%d regions=%d pages=%d sameCount=%v maxCount=%d}",
		c.blockSize, c.regionSize, c.numberOfRegions, c.pagesCount, c.sameBlockCountPerPage, c.fullPagesBlockCountMax)
}
