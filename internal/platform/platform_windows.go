//go:build windows

package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// OS is the default Platform on Windows. It maps scratch memory with
// VirtualAlloc and releases pages with DiscardVirtualMemory when available,
// falling back to VirtualFree+VirtualAlloc re-commit, following
// other_examples/CAFxX-decommit__decommit_windows.go.
type OS struct{}

var _ Platform = OS{}

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procDiscardVirtualMemory  = kernel32.NewProc("DiscardVirtualMemory")
	discardVirtualMemoryReady = procDiscardVirtualMemory.Find() == nil
)

func (OS) PageSizeCached() uint64 {
	return cachedPageSize(func() uint64 {
		var info windows.SystemInfo
		windows.GetSystemInfo(&info)
		return uint64(info.PageSize)
	})
}

func (p OS) Map(size uint64, tag string, flags MapFlags) ([]byte, error) {
	rounded := roundUp(size, p.PageSizeCached())

	addr, err := windows.VirtualAlloc(0, uintptr(rounded),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		if flags&AllowNoMem != 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: VirtualAlloc %s (%d bytes): %w", ErrMapFailed, tag, rounded, err)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(rounded)), nil
}

func (OS) Unmap(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func (p OS) ReleasePagesToOS(base, offset, size uint64) {
	if size == 0 {
		return
	}
	addr := uintptr(base + offset)

	if discardVirtualMemoryReady {
		ret, _, _ := procDiscardVirtualMemory.Call(addr, uintptr(size))
		if ret == 0 {
			return
		}
	}

	// DiscardVirtualMemory unavailable (pre-Windows 8.1): decommit and
	// immediately re-commit the range so the virtual address stays valid,
	// matching the "address remains valid" contract in the glossary.
	_ = windows.VirtualFree(addr, uintptr(size), windows.MEM_DECOMMIT)
	_, _ = windows.VirtualAlloc(addr, uintptr(size), windows.MEM_COMMIT, windows.PAGE_READWRITE)
}

func roundUp(x, align uint64) uint64 { return (x + align - 1) &^ (align - 1) }
