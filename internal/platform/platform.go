// Package platform abstracts the OS memory-mapping primitives consumed by
// the release engine: the cached page size, a zeroed scratch-memory mapping
// used as the PackedPageMap's fallback backing store, and the advisory
// "release these pages" call that hands physical backing back to the OS.
//
// The allocator that owns regions and free lists injects a Platform; the
// release engine never talks to the OS directly.
package platform

import (
	"errors"
	"sync"
)

// MapFlags mirror the flag bits the source passes to its map() primitive.
type MapFlags uint8

const (
	// AllowNoMem makes Map return (nil, nil) instead of an error when the
	// underlying mapping cannot be satisfied.
	AllowNoMem MapFlags = 1 << iota
	// Precommit hints that the mapping's pages should be committed eagerly,
	// skipping page-fault-driven commit on first touch. Platforms that have
	// no such concept ignore it.
	Precommit
)

// ErrMapFailed is returned by Map when the mapping could not be satisfied
// and AllowNoMem was not set.
var ErrMapFailed = errors.New("platform: map failed")

// Platform is the capability the release engine requires from its host
// allocator: page size, scratch memory, and the OS release call.
type Platform interface {
	// PageSizeCached returns the OS page size, a power of two. Callers may
	// rely on it being memoized; it never changes over the process lifetime.
	PageSizeCached() uint64

	// Map returns size bytes of zeroed, page-aligned scratch memory tagged
	// with tag (used only for OS-level naming/debugging, e.g. on Fuchsia).
	// With AllowNoMem set, a failed mapping yields (nil, nil) rather than an
	// error.
	Map(size uint64, tag string, flags MapFlags) ([]byte, error)

	// Unmap releases memory obtained from Map. buf must be exactly the slice
	// Map returned.
	Unmap(buf []byte) error

	// ReleasePagesToOS advises the OS that [base+offset, base+offset+size)
	// may be reclaimed. Advisory and idempotent: failures are not surfaced.
	ReleasePagesToOS(base, offset, size uint64)
}

var (
	pageSizeOnce   sync.Once
	pageSizeCached uint64
)

// cachedPageSize memoizes the queried OS page size process-wide, mirroring
// the source's getPageSizeCached(). Platform implementations call this
// instead of querying the OS on every PageSizeCached call.
func cachedPageSize(query func() uint64) uint64 {
	pageSizeOnce.Do(func() {
		pageSizeCached = query()
	})
	return pageSizeCached
}
