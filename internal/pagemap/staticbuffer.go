package pagemap

import "sync"

// staticBufferWords bounds the shared scratch buffer at 2048 machine words,
// matching RegionPageMap::StaticBufferCount in the source. A PackedPageMap
// whose BufferSize fits inside this bound tries to borrow the buffer instead
// of asking the Platform for a mapping.
const staticBufferWords = 2048

var (
	staticMu     sync.Mutex
	staticBuffer [staticBufferWords]uint64
)

// tryLockStatic attempts to claim the process-wide static buffer without
// blocking. Exactly one PackedPageMap may hold it at a time; every other
// caller falls through to a Platform-mapped buffer instead of waiting.
func tryLockStatic() bool {
	return staticMu.TryLock()
}

func unlockStatic() {
	staticMu.Unlock()
}
