package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/staticgraph/backends"
	_ "github.com/gomlx/staticgraph/backends/simplego"
)

// checkAllocatorInvariants verifies the free-list invariants: blocks are
// strictly ordered, never adjacent or overlapping, and the accounting
// identity used + sum(free) == peak holds.
func checkAllocatorInvariants(t *testing.T, a *Allocator) {
	t.Helper()
	blocks := a.FreeBlocks()
	freeTotal := 0
	for i, block := range blocks {
		require.Greater(t, block.Size, 0)
		freeTotal += block.Size
		if i > 0 {
			prev := blocks[i-1]
			require.Greater(t, block.Offset, prev.Offset+prev.Size,
				"blocks %v and %v are adjacent or overlapping", prev, block)
		}
	}
	require.Equal(t, a.Peak(), a.Used()+freeTotal)
}

func TestAllocatorFirstFit(t *testing.T) {
	a := NewAllocator(backends.New())

	// S4 trace, default alignment 8.
	offset, err := a.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, 0, offset) // padded to 16
	offset, err = a.Alloc(5)
	require.NoError(t, err)
	require.Equal(t, 16, offset) // padded to 8
	require.Equal(t, 24, a.Used())
	require.Equal(t, 24, a.Peak())
	checkAllocatorInvariants(t, a)

	require.NoError(t, a.Free(0, 10))
	require.Equal(t, []FreeBlock{{Offset: 0, Size: 16}}, a.FreeBlocks())
	require.Equal(t, 8, a.Used())
	checkAllocatorInvariants(t, a)

	// First-fit reuses the freed block at offset 0 and splits it.
	offset, err = a.Alloc(7)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	require.Equal(t, []FreeBlock{{Offset: 8, Size: 8}}, a.FreeBlocks())
	checkAllocatorInvariants(t, a)

	// Freeing the tail block coalesces with {8, 8} and reclaims up to peak.
	require.NoError(t, a.Free(16, 5))
	require.Equal(t, 8, a.Peak())
	require.Empty(t, a.FreeBlocks())
	checkAllocatorInvariants(t, a)

	// The round trip ends with an empty pool.
	require.NoError(t, a.Free(0, 7))
	require.Equal(t, 0, a.Used())
	require.Equal(t, 0, a.Peak())
	require.Empty(t, a.FreeBlocks())
}

func TestAllocatorCoalescing(t *testing.T) {
	a := NewAllocator(backends.New())
	offsets := make([]int, 4)
	for i := range offsets {
		offset, err := a.Alloc(8)
		require.NoError(t, err)
		offsets[i] = offset
	}
	require.Equal(t, []int{0, 8, 16, 24}, offsets)

	// Free non-adjacent blocks first: no coalescing possible.
	require.NoError(t, a.Free(0, 8))
	require.NoError(t, a.Free(16, 8))
	require.Equal(t, []FreeBlock{{Offset: 0, Size: 8}, {Offset: 16, Size: 8}}, a.FreeBlocks())
	checkAllocatorInvariants(t, a)

	// Freeing the gap coalesces in both directions.
	require.NoError(t, a.Free(8, 8))
	require.Equal(t, []FreeBlock{{Offset: 0, Size: 24}}, a.FreeBlocks())
	checkAllocatorInvariants(t, a)

	// Freeing the last block joins everything and tail reclaim drains the pool.
	require.NoError(t, a.Free(24, 8))
	require.Equal(t, 0, a.Used())
	require.Equal(t, 0, a.Peak())
	require.Empty(t, a.FreeBlocks())
}

func TestAllocatorAlignment(t *testing.T) {
	a := NewAllocator(backends.New())
	offset, err := a.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
	offset, err = a.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, 8, offset)
	require.Equal(t, 16, a.Peak())
}

func TestAllocatorMaterializeFreezesPool(t *testing.T) {
	backend := backends.New()
	a := NewAllocator(backend)
	offset, err := a.Alloc(24)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	require.False(t, a.Materialized())
	buffer := a.Ptr()
	require.True(t, a.Materialized())
	require.Len(t, buffer, 24)

	// Ptr is idempotent: same buffer on every call.
	require.Equal(t, &buffer[0], &a.Ptr()[0])

	_, err = a.Alloc(8)
	require.ErrorIs(t, err, ErrAllocAfterMaterialize)
	require.ErrorIs(t, a.Free(0, 24), ErrAllocAfterMaterialize)

	a.Finalize()
}
