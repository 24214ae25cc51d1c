package release

// rangeTracker coalesces a stream of per-page releasable/non-releasable
// decisions into contiguous page ranges, flushing each finished range to a
// Recorder. It is a linear, single-pass state machine: callers feed it
// pages in order and it never revisits one.
type rangeTracker struct {
	recorder       *Recorder
	pageSizeLog    uint
	baseOffset     uint64
	inRange        bool
	currentPage    uint64
	rangeStartPage uint64
}

// newRangeTracker creates a tracker whose emitted ranges are offset by
// baseOffset bytes — the release window's ReleaseOffset, added back because
// page indices inside the scan are relative to the window, not the region.
func newRangeTracker(recorder *Recorder, pageSizeLog uint, baseOffset uint64) *rangeTracker {
	return &rangeTracker{recorder: recorder, pageSizeLog: pageSizeLog, baseOffset: baseOffset}
}

// processNextPage feeds the releasability of the current page and advances
// to the next one.
func (t *rangeTracker) processNextPage(releasable bool) {
	if releasable {
		if !t.inRange {
			t.rangeStartPage = t.currentPage
			t.inRange = true
		}
	} else {
		t.closeOpenRange()
	}
	t.currentPage++
}

// skipPages closes any open range and advances past n pages without judging
// them releasable (used when a whole region is skipped).
func (t *rangeTracker) skipPages(n uint64) {
	t.closeOpenRange()
	t.currentPage += n
}

// finish closes any range still open; the scan calls it at the end of every
// region and once more at the end of the scan.
func (t *rangeTracker) finish() {
	t.closeOpenRange()
}

func (t *rangeTracker) closeOpenRange() {
	if !t.inRange {
		return
	}
	t.recorder.ReleasePageRangeToOS(t.baseOffset+(t.rangeStartPage<<t.pageSizeLog), t.baseOffset+(t.currentPage<<t.pageSizeLog))
	t.inRange = false
}
