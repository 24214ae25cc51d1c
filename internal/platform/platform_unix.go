//go:build darwin || linux || freebsd || netbsd || openbsd

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OS is the default Platform on unix-family targets. It maps scratch memory
// with mmap(MAP_ANON|MAP_PRIVATE), same as boulder/internal/mmap.New, and
// releases pages with madvise(MADV_DONTNEED), following
// CAFxX-go/src/runtime/decommit_unix.go. Note that the returned buffer from
// Map may be longer than requested: the OS rounds the mapping up to a whole
// number of pages.
type OS struct{}

var _ Platform = OS{}

func (OS) PageSizeCached() uint64 {
	return cachedPageSize(func() uint64 {
		return uint64(unix.Getpagesize())
	})
}

func (p OS) Map(size uint64, tag string, flags MapFlags) ([]byte, error) {
	pageSize := p.PageSizeCached()
	rounded := roundUp(size, pageSize)

	buf, err := unix.Mmap(-1, 0, int(rounded),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		if flags&AllowNoMem != 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: mmap %s (%d bytes): %w", ErrMapFailed, tag, rounded, err)
	}

	if flags&Precommit != 0 {
		// Touching every page would defeat the point of a lazily-backed
		// mapping on most unix targets; MAP_POPULATE is the closest
		// equivalent but isn't portable across the build-tag set above, so
		// this is intentionally a no-op here.
		_ = flags
	}

	return buf, nil
}

func (OS) Unmap(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	return unix.Munmap(buf)
}

func (p OS) ReleasePagesToOS(base, offset, size uint64) {
	if size == 0 {
		return
	}
	addr := base + offset
	pageSize := p.PageSizeCached()
	alignedStart := roundUp(addr, pageSize)
	alignedEnd := roundDown(addr+size, pageSize)
	if alignedStart >= alignedEnd {
		return
	}

	mem := bytesAt(alignedStart, alignedEnd-alignedStart)
	advice := unix.MADV_DONTNEED
	_ = unix.Madvise(mem, advice)
}

func roundUp(x, align uint64) uint64   { return (x + align - 1) &^ (align - 1) }
func roundDown(x, align uint64) uint64 { return x &^ (align - 1) }

// bytesAt views a live address range as a []byte so it can be handed to
// unix.Madvise. The caller (the allocator that owns the region) guarantees
// addr+length stays within memory it mapped for the lifetime of this call.
func bytesAt(addr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}
