package graph

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/staticgraph/backends"
)

// DefaultAlignment is the allocator alignment in bytes. It is the size of
// the largest element type a tensor can hold (uint64), so every aligned
// offset is valid for every dtype.
const DefaultAlignment = 8

// FreeBlock is a free region of the allocator pool, identified by its byte
// offset and size. Blocks are kept sorted by offset and are always
// coalesced: no two blocks are adjacent or overlapping.
type FreeBlock struct {
	Offset, Size int
}

// Allocator manages one contiguous memory pool for a Graph. Alloc and Free
// only simulate: they hand out offsets into a pool that does not exist yet.
// The actual device memory is materialized lazily, in one shot, at the
// first Ptr() call, sized by the high-water mark (peak) the simulation
// reached.
//
// Allocation is first-fit over the free blocks in ascending offset order,
// with block splitting, bidirectional coalescing on Free, and tail reclaim
// (a free block that touches peak shrinks the pool).
type Allocator struct {
	backend   backends.Backend
	alignment int

	used int // bytes currently assigned
	peak int // high-water pool size

	freeBlocks []FreeBlock

	// buffer is nil until the first Ptr() call materializes it.
	buffer []byte
}

// NewAllocator creates an empty pool allocator on the given backend.
func NewAllocator(backend backends.Backend) *Allocator {
	return &Allocator{backend: backend, alignment: DefaultAlignment}
}

// alignedSize rounds size up to the next multiple of the alignment.
func (a *Allocator) alignedSize(size int) int {
	if size == 0 {
		return 0
	}
	return ((size-1)/a.alignment + 1) * a.alignment
}

// Materialized returns whether the backing buffer has been allocated.
func (a *Allocator) Materialized() bool { return a.buffer != nil }

// Alloc assigns size bytes (rounded up to the alignment) from the pool and
// returns the offset of the block. The first free block large enough is
// used; when none fits, the pool is extended.
//
// Fails with ErrAllocAfterMaterialize once the backing buffer exists: the
// pool size is frozen at that point.
func (a *Allocator) Alloc(size int) (int, error) {
	if a.Materialized() {
		return 0, errors.Wrapf(ErrAllocAfterMaterialize, "Alloc(%d)", size)
	}
	size = a.alignedSize(size)

	for i, block := range a.freeBlocks {
		if block.Size < size {
			continue
		}
		remaining := block.Size - size
		if remaining == 0 {
			a.freeBlocks = slices.Delete(a.freeBlocks, i, i+1)
		} else {
			a.freeBlocks[i] = FreeBlock{Offset: block.Offset + size, Size: remaining}
		}
		a.used += size
		return block.Offset, nil
	}

	// No free block fits: extend the pool.
	offset := a.peak
	a.peak += size
	a.used += size
	return offset, nil
}

// Free returns the block at offset (with size bytes, rounded up to the
// alignment) to the pool, coalescing it with adjacent free blocks and
// reclaiming the pool tail when the block ends at peak.
//
// Same ErrAllocAfterMaterialize precondition as Alloc.
func (a *Allocator) Free(offset, size int) error {
	if a.Materialized() {
		return errors.Wrapf(ErrAllocAfterMaterialize, "Free(%d, %d)", offset, size)
	}
	size = a.alignedSize(size)
	if size == 0 {
		return nil
	}
	a.used -= size

	i, _ := slices.BinarySearchFunc(a.freeBlocks, offset, func(block FreeBlock, offset int) int {
		return block.Offset - offset
	})
	a.freeBlocks = slices.Insert(a.freeBlocks, i, FreeBlock{Offset: offset, Size: size})

	// Coalesce with the neighbor immediately following.
	if i+1 < len(a.freeBlocks) && a.freeBlocks[i].Offset+a.freeBlocks[i].Size == a.freeBlocks[i+1].Offset {
		a.freeBlocks[i].Size += a.freeBlocks[i+1].Size
		a.freeBlocks = slices.Delete(a.freeBlocks, i+1, i+2)
	}
	// Coalesce with the neighbor immediately preceding.
	if i > 0 && a.freeBlocks[i-1].Offset+a.freeBlocks[i-1].Size == a.freeBlocks[i].Offset {
		a.freeBlocks[i-1].Size += a.freeBlocks[i].Size
		a.freeBlocks = slices.Delete(a.freeBlocks, i, i+1)
		i--
	}
	// Tail reclaim: a free block that touches peak shrinks the pool.
	if a.freeBlocks[i].Offset+a.freeBlocks[i].Size == a.peak {
		a.peak -= a.freeBlocks[i].Size
		a.freeBlocks = slices.Delete(a.freeBlocks, i, i+1)
	}
	return nil
}

// Ptr returns the backing buffer, materializing it through the backend on
// the first call. Once materialized, the pool layout is frozen: further
// Alloc/Free calls fail.
func (a *Allocator) Ptr() []byte {
	if a.buffer == nil {
		a.buffer = a.backend.Allocate(a.peak)
		klog.V(1).Infof("allocator materialized %s on backend %q",
			humanize.Bytes(uint64(a.peak)), a.backend.Name())
	}
	return a.buffer
}

// Used returns the number of bytes currently assigned.
func (a *Allocator) Used() int { return a.used }

// Peak returns the pool high-water mark, the size of the buffer Ptr
// materializes.
func (a *Allocator) Peak() int { return a.peak }

// FreeBlocks returns a copy of the current free blocks, sorted by offset.
func (a *Allocator) FreeBlocks() []FreeBlock {
	return slices.Clone(a.freeBlocks)
}

// Info reports the allocator usage for diagnostics.
func (a *Allocator) Info() string {
	return fmt.Sprintf("used: %s, peak: %s, free blocks: %d",
		humanize.Bytes(uint64(a.used)), humanize.Bytes(uint64(a.peak)), len(a.freeBlocks))
}

// Finalize releases the materialized buffer, if any, back to the backend.
// The allocator must not be used afterwards.
func (a *Allocator) Finalize() {
	if a.buffer != nil {
		a.backend.Free(a.buffer)
		a.buffer = nil
	}
	a.freeBlocks = nil
}
