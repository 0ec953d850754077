package suballoc

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

const testPageSize uint = 65536

func TestNewRejectsBadArguments(t *testing.T) {
	_, err := New(1048576, 65537)
	require.Error(t, err)

	_, err = New(0, testPageSize)
	require.Error(t, err)

	_, err = New(-4096, testPageSize)
	require.Error(t, err)
}

func TestAllocRoundsToPageSize(t *testing.T) {
	allocator, err := New(16*int(testPageSize), testPageSize)
	require.NoError(t, err)

	success, alloc, err := allocator.Alloc(100, nil)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, int(testPageSize), alloc.Size)
	require.Zero(t, alloc.Offset%int(testPageSize))

	success, secondAlloc, err := allocator.Alloc(int(testPageSize)+1, nil)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 2*int(testPageSize), secondAlloc.Size)
	require.Zero(t, secondAlloc.Offset%int(testPageSize))

	require.NotEqual(t, alloc.Offset, secondAlloc.Offset)
	require.NoError(t, allocator.Validate())
}

func TestAllocFreeReportsEmpty(t *testing.T) {
	allocator, err := New(16*int(testPageSize), testPageSize)
	require.NoError(t, err)
	require.True(t, allocator.IsEmpty())

	success, alloc, err := allocator.Alloc(4096, nil)
	require.NoError(t, err)
	require.True(t, success)
	require.False(t, allocator.IsEmpty())
	require.Equal(t, 1, allocator.AllocationCount())

	require.NoError(t, allocator.Free(alloc.Handle))
	require.True(t, allocator.IsEmpty())
	require.Equal(t, 0, allocator.AllocationCount())
	require.Equal(t, allocator.Size(), allocator.SumFreeSize())
}

func TestAllocFailsWhenFull(t *testing.T) {
	allocator, err := New(4*int(testPageSize), testPageSize)
	require.NoError(t, err)

	allocs := make([]SubAllocation, 4)
	for i := 0; i < 4; i++ {
		var success bool
		success, allocs[i], err = allocator.Alloc(int(testPageSize), nil)
		require.NoError(t, err)
		require.True(t, success)
	}

	success, _, err := allocator.Alloc(int(testPageSize), nil)
	require.NoError(t, err)
	require.False(t, success)

	require.NoError(t, allocator.Free(allocs[1].Handle))

	success, reused, err := allocator.Alloc(int(testPageSize), nil)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, allocs[1].Offset, reused.Offset)
	require.NoError(t, allocator.Validate())
}

func TestOffsetMatchesAllocation(t *testing.T) {
	allocator, err := New(8*int(testPageSize), testPageSize)
	require.NoError(t, err)

	success, alloc, err := allocator.Alloc(1, nil)
	require.NoError(t, err)
	require.True(t, success)

	offset, err := allocator.Offset(alloc.Handle)
	require.NoError(t, err)
	require.Equal(t, alloc.Offset, offset)
}

func TestVisitAllRegionsSeesUserData(t *testing.T) {
	allocator, err := New(8*int(testPageSize), testPageSize)
	require.NoError(t, err)

	userData := "guest allocation"
	success, alloc, err := allocator.Alloc(4096, userData)
	require.NoError(t, err)
	require.True(t, success)

	var visitedLive int
	err = allocator.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, visitData any, free bool) error {
		if free {
			return nil
		}

		visitedLive++
		require.Equal(t, alloc.Offset, offset)
		require.Equal(t, alloc.Size, size)
		require.Equal(t, userData, visitData)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, visitedLive)
}

func TestAddStatistics(t *testing.T) {
	allocator, err := New(8*int(testPageSize), testPageSize)
	require.NoError(t, err)

	success, _, err := allocator.Alloc(int(testPageSize), nil)
	require.NoError(t, err)
	require.True(t, success)

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)

	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, int(testPageSize), stats.AllocationBytes)
	require.Equal(t, allocator.Size(), stats.BlockBytes)
}

func TestClear(t *testing.T) {
	allocator, err := New(8*int(testPageSize), testPageSize)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		success, _, allocErr := allocator.Alloc(4096, nil)
		require.NoError(t, allocErr)
		require.True(t, success)
	}
	require.Equal(t, 3, allocator.AllocationCount())

	allocator.Clear()
	require.True(t, allocator.IsEmpty())
}
