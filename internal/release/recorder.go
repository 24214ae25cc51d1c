package release

import "slabrelease/internal/platform"

// Recorder accumulates the outcome of one release pass: every page range the
// scan decides is fully free gets handed to the Platform via
// ReleasePageRangeToOS, and the recorder tracks how many ranges and bytes
// were released. There is no retry and no surfaced failure — the Platform
// call is advisory.
type Recorder struct {
	base     uint64
	plat     platform.Platform
	ranges   uint64
	released uint64
}

// NewRecorder creates a Recorder for a release pass whose regions start at
// base (an absolute address the caller's allocator owns).
func NewRecorder(base uint64, plat platform.Platform) *Recorder {
	return &Recorder{base: base, plat: plat}
}

// Base returns the base address this recorder was constructed with.
func (r *Recorder) Base() uint64 { return r.base }

// ReleasedRangesCount returns the number of ReleasePageRangeToOS calls made
// so far.
func (r *Recorder) ReleasedRangesCount() uint64 { return r.ranges }

// ReleasedBytes returns the total size of all ranges released so far.
func (r *Recorder) ReleasedBytes() uint64 { return r.released }

// ReleasePageRangeToOS releases [Base+from, Base+to) to the OS and updates
// the recorder's counters. from and to are byte offsets relative to Base.
func (r *Recorder) ReleasePageRangeToOS(from, to uint64) {
	size := to - from
	r.plat.ReleasePagesToOS(r.base, from, size)
	r.ranges++
	r.released += size
}
