package memheap_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/descbind/memheap"
)

func TestHeapBasicAlloc(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 1000)

	var stats memheap.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memheap.DetailedStatistics{
		Statistics: memheap.Statistics{
			HeapCount:       1,
			HeapBytes:       1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	offset, ok := heap.Alloc(100, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memheap.DetailedStatistics{
		Statistics: memheap.Statistics{
			HeapCount:       1,
			HeapBytes:       1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	err := heap.Free(offset, 100)
	require.NoError(t, err)

	stats.Clear()
	heap.AddDetailedStatistics(&stats)

	require.Equal(t, memheap.DetailedStatistics{
		Statistics: memheap.Statistics{
			HeapCount:       1,
			HeapBytes:       1000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)
	require.True(t, heap.IsEmpty())
}

func TestHeapBaseOffset(t *testing.T) {
	var heap memheap.Heap
	heap.Init(64, 4096)

	offset1, ok := heap.Alloc(100, 1)
	require.True(t, ok)
	require.Equal(t, 64, offset1)

	offset2, ok := heap.Alloc(100, 1)
	require.True(t, ok)
	require.Equal(t, 164, offset2)

	err := heap.Free(offset1, 100)
	require.NoError(t, err)
	err = heap.Validate()
	require.NoError(t, err)

	err = heap.Free(offset2, 100)
	require.NoError(t, err)
	require.True(t, heap.IsEmpty())
	require.Equal(t, 4096, heap.FreeSize())
}

func TestHeapAlignedAlloc(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 4096)

	offset1, ok := heap.Alloc(24, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset1)

	offset2, ok := heap.Alloc(64, 64)
	require.True(t, ok)
	require.Equal(t, 64, offset2)

	// The tail block is tried before the free-list buckets, so the 40-byte
	// hole at 24 is passed over
	offset3, ok := heap.Alloc(32, 32)
	require.True(t, ok)
	require.Equal(t, 128, offset3)

	err := heap.Validate()
	require.NoError(t, err)

	require.NoError(t, heap.Free(offset2, 64))
	require.NoError(t, heap.Free(offset3, 32))
	require.NoError(t, heap.Free(offset1, 24))
	require.True(t, heap.IsEmpty())
}

func TestHeapCoalesceOnFree(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 1024)

	offset1, ok := heap.Alloc(256, 1)
	require.True(t, ok)
	offset2, ok := heap.Alloc(256, 1)
	require.True(t, ok)
	offset3, ok := heap.Alloc(256, 1)
	require.True(t, ok)
	offset4, ok := heap.Alloc(256, 1)
	require.True(t, ok)

	// Free every other allocation, then its neighbor, and verify the
	// regions merge back together
	require.NoError(t, heap.Free(offset1, 256))
	require.NoError(t, heap.Free(offset3, 256))

	var stats memheap.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)
	require.Equal(t, 2, stats.UnusedRangeCount)

	require.NoError(t, heap.Free(offset2, 256))

	stats.Clear()
	heap.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 768, stats.UnusedRangeSizeMax)

	require.NoError(t, heap.Free(offset4, 256))
	require.True(t, heap.IsEmpty())

	// The whole range should be allocatable again in one piece
	offset5, ok := heap.Alloc(1024, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset5)
}

func TestHeapReuseFreedRange(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 1024)

	offset1, ok := heap.Alloc(256, 1)
	require.True(t, ok)
	_, ok = heap.Alloc(512, 1)
	require.True(t, ok)
	_, ok = heap.Alloc(256, 1)
	require.True(t, ok)
	require.Equal(t, 0, heap.FreeSize())

	require.NoError(t, heap.Free(offset1, 256))

	// Only the freed range remains, so the next fit must land there
	offset4, ok := heap.Alloc(256, 1)
	require.True(t, ok)
	require.Equal(t, offset1, offset4)
}

func TestHeapExhaustion(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 512)

	_, ok := heap.Alloc(512, 1)
	require.True(t, ok)

	_, ok = heap.Alloc(1, 1)
	require.False(t, ok)
	require.Equal(t, 0, heap.FreeSize())
}

func TestHeapFragmentation(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 1024)

	var offsets []int
	for i := 0; i < 8; i++ {
		offset, ok := heap.Alloc(128, 1)
		require.True(t, ok)
		offsets = append(offsets, offset)
	}

	// Free alternating allocations so 512 free bytes exist but no
	// contiguous run larger than 128
	for i := 0; i < 8; i += 2 {
		require.NoError(t, heap.Free(offsets[i], 128))
	}

	require.Equal(t, 512, heap.FreeSize())
	_, ok := heap.Alloc(256, 1)
	require.False(t, ok)

	offset, ok := heap.Alloc(128, 1)
	require.True(t, ok)
	require.NoError(t, heap.Free(offset, 128))
}

func TestHeapFreeErrors(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 1024)

	offset, ok := heap.Alloc(100, 1)
	require.True(t, ok)

	err := heap.Free(offset+1, 100)
	require.Error(t, err)

	err = heap.Free(offset, 99)
	require.Error(t, err)

	err = heap.Free(offset, 100)
	require.NoError(t, err)

	err = heap.Free(offset, 100)
	require.Error(t, err)
}

func TestHeapReset(t *testing.T) {
	var heap memheap.Heap
	heap.Init(64, 2048)

	for i := 0; i < 10; i++ {
		_, ok := heap.Alloc(64, 64)
		require.True(t, ok)
	}
	require.Equal(t, 10, heap.AllocationCount())

	heap.Reset()

	require.True(t, heap.IsEmpty())
	require.Equal(t, 0, heap.AllocationCount())
	require.Equal(t, 2048, heap.FreeSize())
	require.NoError(t, heap.Validate())

	offset, ok := heap.Alloc(2048, 1)
	require.True(t, ok)
	require.Equal(t, 64, offset)
}

func TestHeapValidateAfterChurn(t *testing.T) {
	var heap memheap.Heap
	heap.Init(0, 1<<16)

	type alloc struct {
		offset int
		size   int
	}
	var live []alloc

	sizes := []int{16, 192, 64, 1024, 48, 4096, 336, 80}
	for round := 0; round < 4; round++ {
		for _, size := range sizes {
			offset, ok := heap.Alloc(size, 16)
			require.True(t, ok)
			live = append(live, alloc{offset: offset, size: size})
		}

		// Free half, oldest first
		for i := 0; i < len(sizes)/2; i++ {
			require.NoError(t, heap.Free(live[0].offset, live[0].size))
			live = live[1:]
		}

		require.NoError(t, heap.Validate())
	}

	for _, a := range live {
		require.NoError(t, heap.Free(a.offset, a.size))
	}
	require.True(t, heap.IsEmpty())
	require.NoError(t, heap.Validate())
}
