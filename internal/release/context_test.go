package release

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"slabrelease/internal/platform"
)

// fakePlatform backs scratch memory with plain heap allocations and
// captures every releasePagesToOS call for exact-range assertions, instead
// of touching real OS mappings.
type fakePlatform struct {
	pageSize uint64

	mu       sync.Mutex
	released []releasedRange
}

type releasedRange struct{ From, To uint64 }

func newFakePlatform(pageSize uint64) *fakePlatform {
	return &fakePlatform{pageSize: pageSize}
}

func (f *fakePlatform) PageSizeCached() uint64 { return f.pageSize }

func (f *fakePlatform) Map(size uint64, _ string, _ platform.MapFlags) ([]byte, error) {
	return make([]byte, size), nil
}

func (f *fakePlatform) Unmap(buf []byte) error { return nil }

func (f *fakePlatform) ReleasePagesToOS(base, offset, size uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, releasedRange{From: base + offset, To: base + offset + size})
}

func identity(h uint64) uint64 { return h }

func noSkip(uint64) bool { return false }

const testBase uint64 = 0x10_0000_0000

// buildFreeList lays out handles as absolute addresses: base + regionIndex*regionSize + offsetInRegion.
func buildFreeList(base, regionSize uint64, offsetsPerRegion ...[]uint64) FreeList[uint64] {
	var handles SliceBatch[uint64]
	for region, offsets := range offsetsPerRegion {
		for _, off := range offsets {
			handles = append(handles, base+uint64(region)*regionSize+off)
		}
	}
	return SliceFreeList[uint64]{handles}
}

func allBlockOffsets(regionSize, blockSize uint64) []uint64 {
	var offsets []uint64
	for o := uint64(0); o+blockSize <= regionSize; o += blockSize {
		offsets = append(offsets, o)
	}
	return offsets
}

// S1: block == page, two regions, all free.
func TestScenarioS1BlockEqualsPageAllFree(t *testing.T) {
	plat := newFakePlatform(4096)
	const blockSize, regionSize, numRegions = 4096, 32768, 2

	ctx, err := NewContext(plat, blockSize, regionSize, numRegions, regionSize, 0)
	require.NoError(t, err)
	defer ctx.Close()

	offsets := allBlockOffsets(regionSize, blockSize)
	freeList := buildFreeList(testBase, regionSize, offsets, offsets)

	require.NoError(t, MarkFreeBlocks(ctx, freeList, identity, testBase))

	recorder := NewRecorder(testBase, plat)
	ReleaseFreeMemoryToOS(ctx, recorder, noSkip)

	require.Equal(t, uint64(2), recorder.ReleasedRangesCount())
	require.Equal(t, uint64(65536), recorder.ReleasedBytes())
	require.ElementsMatch(t, []releasedRange{
		{From: testBase, To: testBase + regionSize},
		{From: testBase + regionSize, To: testBase + 2*regionSize},
	}, plat.released)
}

// S2: two blocks per page, checkerboard — every page still holds one in-use block.
func TestScenarioS2Checkerboard(t *testing.T) {
	plat := newFakePlatform(4096)
	const blockSize, regionSize, numRegions = 2048, 16384, 1

	ctx, err := NewContext(plat, blockSize, regionSize, numRegions, regionSize, 0)
	require.NoError(t, err)
	defer ctx.Close()

	freeList := buildFreeList(testBase, regionSize, []uint64{0, 4096, 8192, 12288})
	require.NoError(t, MarkFreeBlocks(ctx, freeList, identity, testBase))

	recorder := NewRecorder(testBase, plat)
	ReleaseFreeMemoryToOS(ctx, recorder, noSkip)

	require.Zero(t, recorder.ReleasedRangesCount())
	require.Zero(t, recorder.ReleasedBytes())
	require.Empty(t, plat.released)
}

// S3: straddling block, all free, tail sliver handled by the "pretend" marking.
func TestScenarioS3StraddlingBlock(t *testing.T) {
	plat := newFakePlatform(4096)
	const blockSize, regionSize, numRegions = 3000, 12000, 1

	ctx, err := NewContext(plat, blockSize, regionSize, numRegions, regionSize, 0)
	require.NoError(t, err)
	defer ctx.Close()

	freeList := buildFreeList(testBase, regionSize, []uint64{0, 3000, 6000, 9000})
	require.NoError(t, MarkFreeBlocks(ctx, freeList, identity, testBase))

	recorder := NewRecorder(testBase, plat)
	ReleaseFreeMemoryToOS(ctx, recorder, noSkip)

	require.Equal(t, uint64(1), recorder.ReleasedRangesCount())
	require.Equal(t, []releasedRange{{From: testBase, To: testBase + 12288}}, plat.released)
}

// S4: large block spanning pages; only the free ones' footprint releases.
func TestScenarioS4LargeBlockSpanningPages(t *testing.T) {
	plat := newFakePlatform(4096)
	const blockSize, regionSize, numRegions = 16384, 65536, 1

	ctx, err := NewContext(plat, blockSize, regionSize, numRegions, regionSize, 0)
	require.NoError(t, err)
	defer ctx.Close()

	freeList := buildFreeList(testBase, regionSize, []uint64{16384, 32768})
	require.NoError(t, MarkFreeBlocks(ctx, freeList, identity, testBase))

	recorder := NewRecorder(testBase, plat)
	ReleaseFreeMemoryToOS(ctx, recorder, noSkip)

	require.Equal(t, []releasedRange{{From: testBase + 16384, To: testBase + 49152}}, plat.released)
}

// S5: partial release window via MarkRangeAsAllCounted.
func TestScenarioS5PartialReleaseWindow(t *testing.T) {
	plat := newFakePlatform(4096)
	const regionSize, numRegions = 65536, 1
	const releaseOffset, releaseSize = 16384, 32768

	ctx, err := NewContext(plat, 256, regionSize, numRegions, releaseSize, releaseOffset)
	require.NoError(t, err)
	defer ctx.Close()

	require.NoError(t, ctx.MarkRangeAsAllCounted(testBase+16384, testBase+49152, testBase))

	recorder := NewRecorder(testBase, plat)
	ReleaseFreeMemoryToOS(ctx, recorder, noSkip)

	require.Equal(t, []releasedRange{{From: testBase + 16384, To: testBase + 49152}}, plat.released)
}

// S6: skip a region entirely.
func TestScenarioS6SkipRegion(t *testing.T) {
	plat := newFakePlatform(4096)
	const blockSize, regionSize, numRegions = 4096, 8192, 4

	ctx, err := NewContext(plat, blockSize, regionSize, numRegions, regionSize, 0)
	require.NoError(t, err)
	defer ctx.Close()

	offsets := allBlockOffsets(regionSize, blockSize)
	freeList := buildFreeList(testBase, regionSize, offsets, offsets, offsets, offsets)
	require.NoError(t, MarkFreeBlocks(ctx, freeList, identity, testBase))

	recorder := NewRecorder(testBase, plat)
	skipRegion2 := func(r uint64) bool { return r == 2 }
	ReleaseFreeMemoryToOS(ctx, recorder, skipRegion2)

	require.Equal(t, uint64(3), recorder.ReleasedRangesCount())
	for _, rr := range plat.released {
		require.NotEqual(t, testBase+2*regionSize, rr.From, "skipped region must not be released")
	}
}

// Property: idempotence. Running the scan twice without changing allocator
// state releases the same ranges the first time and nothing new the second.
func TestReleaseScanIdempotent(t *testing.T) {
	plat := newFakePlatform(4096)
	const blockSize, regionSize, numRegions = 4096, 32768, 1

	ctx, err := NewContext(plat, blockSize, regionSize, numRegions, regionSize, 0)
	require.NoError(t, err)
	defer ctx.Close()

	offsets := allBlockOffsets(regionSize, blockSize)
	freeList := buildFreeList(testBase, regionSize, offsets)
	require.NoError(t, MarkFreeBlocks(ctx, freeList, identity, testBase))

	recorder := NewRecorder(testBase, plat)
	ReleaseFreeMemoryToOS(ctx, recorder, noSkip)
	require.Equal(t, uint64(1), recorder.ReleasedRangesCount())

	ReleaseFreeMemoryToOS(ctx, recorder, noSkip)
	require.Equal(t, uint64(1), recorder.ReleasedRangesCount(), "second pass must release nothing new")
	require.Equal(t, uint64(regionSize), recorder.ReleasedBytes())
}

// Property: accounting. ReleasedBytes sums (to-from) across every emitted
// call, and ReleasedRangesCount counts the calls.
func TestRecorderAccounting(t *testing.T) {
	plat := newFakePlatform(4096)
	recorder := NewRecorder(testBase, plat)

	recorder.ReleasePageRangeToOS(0, 4096)
	recorder.ReleasePageRangeToOS(8192, 12288)

	require.Equal(t, uint64(2), recorder.ReleasedRangesCount())
	require.Equal(t, uint64(8192), recorder.ReleasedBytes())
}

func TestNewContextRejectsPartialWindowWithMultipleRegions(t *testing.T) {
	plat := newFakePlatform(4096)
	_, err := NewContext(plat, 4096, 32768, 2, 16384, 0)
	require.ErrorIs(t, err, ErrPartialReleaseUnsupported)
}
