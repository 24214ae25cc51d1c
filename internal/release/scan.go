package release

// SkipRegion is invoked once per region, in order, and reports whether that
// region should be skipped by the release scan entirely (e.g. because the
// caller knows it is still being actively allocated from).
type SkipRegion func(regionIndex uint64) bool

// ReleaseFreeMemoryToOS walks every page of every non-skipped region in ctx,
// asking the page map whether that page's free-block count has reached the
// page's natural full count, and emits the resulting contiguous releasable
// ranges to recorder. A range never extends from one region into the next:
// each region's open range is closed at the region's last page. ctx must
// already have been populated by at least one
// call to MarkRangeAsAllCounted or MarkFreeBlocks.
//
// If the page map failed to allocate, this is a no-op: no pages are
// released, matching the "quietly abandon the pass" error-handling policy
// in the spec.
func ReleaseFreeMemoryToOS(ctx *Context, recorder *Recorder, skipRegion SkipRegion) {
	if ctx.pageMap == nil || !ctx.pageMap.IsAllocated() {
		return
	}

	tracker := newRangeTracker(recorder, ctx.pageSizeLog, ctx.releaseOffset)

	if ctx.sameBlockCountPerPage {
		releaseFastPath(ctx, tracker, skipRegion)
	} else {
		releaseSlowPath(ctx, tracker, skipRegion)
	}

	tracker.finish()
}

// releaseFastPath handles geometries where every page has the same natural
// full-block count, so a single constant threshold suffices.
func releaseFastPath(ctx *Context, tracker *rangeTracker, skipRegion SkipRegion) {
	for r := uint64(0); r < ctx.numberOfRegions; r++ {
		if skipRegion(r) {
			tracker.skipPages(ctx.pagesCount)
			continue
		}
		for j := uint64(0); j < ctx.pagesCount; j++ {
			canRelease := ctx.pageMap.UpdateAsAllCountedIf(uint(r), uint(j), ctx.fullPagesBlockCountMax)
			tracker.processNextPage(canRelease)
		}
		tracker.finish()
	}
}

// releaseSlowPath handles geometries where the natural full-block count
// varies page to page (the first/last page of a straddling block run can
// hold one or two fewer or more blocks than the middle pages), computing the
// expected count for each page as it walks block boundaries alongside page
// boundaries.
func releaseSlowPath(ctx *Context, tracker *rangeTracker, skipRegion SkipRegion) {
	pn := ctx.pageSize / ctx.blockSize
	if ctx.blockSize >= ctx.pageSize {
		pn = 1
	}
	pnc := pn * ctx.blockSize

	for r := uint64(0); r < ctx.numberOfRegions; r++ {
		if skipRegion(r) {
			tracker.skipPages(ctx.pagesCount)
			continue
		}

		var prevPageBoundary, currentBoundary uint64
		if ctx.releasePageOffset > 0 {
			prevPageBoundary = ctx.releasePageOffset * ctx.pageSize
			currentBoundary = roundUpSlow(prevPageBoundary, ctx.blockSize)
		}

		for j := uint64(0); j < ctx.pagesCount; j++ {
			pageBoundary := prevPageBoundary + ctx.pageSize
			blocksPerPage := pn

			if currentBoundary < pageBoundary {
				if currentBoundary > prevPageBoundary {
					blocksPerPage++
				}
				currentBoundary += pnc
				if currentBoundary < pageBoundary {
					blocksPerPage++
					currentBoundary += ctx.blockSize
				}
			}
			prevPageBoundary = pageBoundary

			canRelease := ctx.pageMap.UpdateAsAllCountedIf(uint(r), uint(j), blocksPerPage)
			tracker.processNextPage(canRelease)
		}
		tracker.finish()
	}
}
