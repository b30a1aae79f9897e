package vkmem

import (
	"fmt"
	"log/slog"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/tez011/vkmem/internal/utils"
	"github.com/tez011/vkmem/memutils"
	"github.com/tez011/vkmem/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Allocator hands out suballocations of large native device-memory blocks,
// one pool of blocks per Vulkan memory type. It exists to keep the number of
// native allocations far below maxMemoryAllocationCount while letting callers
// request memory at buffer/image granularity.
//
// Allocator methods are safe for concurrent use unless
// AllocatorCreateExternallySynchronized was set at creation.
type Allocator struct {
	logger       *slog.Logger
	useMutex     bool
	bestFit      bool
	deviceMemory *deviceMemoryProperties

	preferredDeviceBlockSize int
	preferredHostBlockSize   int

	pools []memoryPool
}

// AllocationCreateInfo describes a single allocation request.
type AllocationCreateInfo struct {
	// Usage is the caller's access intent, used to select a memory type.
	Usage MemoryUsage
	// Kind distinguishes linear resources from optimal-tiled images for
	// bufferImageGranularity placement.
	Kind ResourceKind
	// DedicatedMemory forces a native block of exactly the requested size.
	// Requests larger than the preferred block size are dedicated regardless.
	DedicatedMemory bool
}

func (a *Allocator) preferredBlockSize(memoryTypeIndex int) int {
	if a.deviceMemory.IsMemoryTypeHostVisible(memoryTypeIndex) {
		return a.preferredHostBlockSize
	}
	return a.preferredDeviceBlockSize
}

// findMemoryTypeIndex returns the lowest-index memory type that is acceptable
// to the resource (memoryTypeBits) and carries every flag in flags.
func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, flags core1_0.MemoryPropertyFlags) (int, bool) {
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		if memoryTypeBits&(1<<typeIndex) == 0 {
			continue
		}
		typeFlags := a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags
		if typeFlags&flags == flags {
			return typeIndex, true
		}
	}
	return 0, false
}

// AllocateMemory suballocates memoryRequirements.Size bytes from a memory
// type compatible with the request and populates outAlloc. Type selection is
// defensive: a type matching both required and preferred flags is tried
// first, and on failure a type matching only the required flags is tried
// before the out-of-memory result propagates. A request with no memory type
// matching even the required flags is a configuration error and panics.
func (a *Allocator) AllocateMemory(memoryRequirements *core1_0.MemoryRequirements, o AllocationCreateInfo, outAlloc *Allocation) (common.VkResult, error) {
	if memoryRequirements == nil {
		return core1_0.VKErrorUnknown, cerrors.New("AllocateMemory: memoryRequirements is required")
	}
	if outAlloc == nil {
		return core1_0.VKErrorUnknown, cerrors.New("AllocateMemory: outAlloc is required")
	}
	if memoryRequirements.Size <= 0 {
		return core1_0.VKErrorUnknown, cerrors.Newf("AllocateMemory: requested size %d is not positive", memoryRequirements.Size)
	}
	err := memutils.CheckPow2(memoryRequirements.Alignment, "core1_0.MemoryRequirements.Alignment")
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	if outAlloc.Valid() {
		a.logger.Error("AllocateMemory called with a live allocation, which will leak its current contents",
			slog.Int("memoryTypeIndex", outAlloc.memoryTypeIndex),
			slog.Int("offset", outAlloc.offset),
		)
	}

	a.logger.Debug("Allocator::AllocateMemory",
		slog.Int("size", memoryRequirements.Size),
		slog.String("usage", o.Usage.String()),
		slog.String("kind", o.Kind.String()),
	)

	required := requiredFlags(o.Usage, a.deviceMemory.IsIntegratedGPU())
	preferred := preferredFlags(o.Usage)

	candidateTypes := make([]int, 0, 2)
	if typeIndex, ok := a.findMemoryTypeIndex(memoryRequirements.MemoryTypeBits, required|preferred); ok {
		candidateTypes = append(candidateTypes, typeIndex)
	}
	if preferred != 0 {
		if typeIndex, ok := a.findMemoryTypeIndex(memoryRequirements.MemoryTypeBits, required); ok {
			if len(candidateTypes) == 0 || candidateTypes[0] != typeIndex {
				candidateTypes = append(candidateTypes, typeIndex)
			}
		}
	}
	if len(candidateTypes) == 0 {
		panic(fmt.Sprintf("no compatible memory type: usage %s requires flags %b within type mask %032b",
			o.Usage.String(), required, memoryRequirements.MemoryTypeBits))
	}

	var res common.VkResult
	for _, typeIndex := range candidateTypes {
		res, err = a.allocateFromType(memoryRequirements, typeIndex, o, outAlloc)
		if err == nil {
			return res, nil
		}
	}
	return res, err
}

func (a *Allocator) allocateFromType(memoryRequirements *core1_0.MemoryRequirements, memoryTypeIndex int, o AllocationCreateInfo, outAlloc *Allocation) (common.VkResult, error) {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	if memoryRequirements.Size > a.deviceMemory.HeapCapacity(heapIndex) {
		return core1_0.VKErrorOutOfDeviceMemory, cerrors.Newf(
			"allocation of %d bytes exceeds the %d-byte capacity of heap %d",
			memoryRequirements.Size, a.deviceMemory.HeapCapacity(heapIndex), heapIndex)
	}

	preferredBlockSize := a.preferredBlockSize(memoryTypeIndex)
	dedicated := o.DedicatedMemory || memoryRequirements.Size > preferredBlockSize
	kind := o.Kind.chunkKind()

	pool := &a.pools[memoryTypeIndex]
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if !dedicated {
		for blockIndex, block := range pool.blocks {
			if block == nil {
				continue
			}
			chunkAlloc, ok := block.Allocate(memoryRequirements.Size, uint(memoryRequirements.Alignment), kind)
			if ok {
				a.commitAllocation(outAlloc, block, blockIndex, memoryTypeIndex, heapIndex, chunkAlloc)
				return core1_0.VKSuccess, nil
			}
		}
	}

	var newBlock *deviceMemoryBlock
	var res common.VkResult
	var err error
	if dedicated {
		newBlock, res, err = a.createMemoryBlock(memoryTypeIndex, memoryRequirements.Size)
	} else {
		// Native OOM at the preferred size backs off through halved block
		// sizes before giving up, as long as the request still fits.
		for shift := 0; shift < 4; shift++ {
			blockSize := preferredBlockSize >> shift
			if blockSize < memoryRequirements.Size {
				break
			}
			newBlock, res, err = a.createMemoryBlock(memoryTypeIndex, blockSize)
			if err == nil {
				break
			}
		}
	}
	if newBlock == nil {
		if err == nil {
			res = core1_0.VKErrorOutOfDeviceMemory
			err = cerrors.Newf("no block size between %d and %d bytes could hold a %d-byte request",
				preferredBlockSize>>3, preferredBlockSize, memoryRequirements.Size)
		}
		a.logger.Error("failed to allocate a native device memory block",
			slog.Int("memoryTypeIndex", memoryTypeIndex),
			slog.Int("requestedBytes", memoryRequirements.Size),
		)
		return res, err
	}

	blockIndex := pool.insertBlock(newBlock)
	chunkAlloc, ok := newBlock.Allocate(memoryRequirements.Size, uint(memoryRequirements.Alignment), kind)
	if !ok {
		panic(fmt.Sprintf("a freshly created %d-byte block could not fit a %d-byte request", newBlock.Size(), memoryRequirements.Size))
	}
	a.commitAllocation(outAlloc, newBlock, blockIndex, memoryTypeIndex, heapIndex, chunkAlloc)
	return core1_0.VKSuccess, nil
}

func (a *Allocator) commitAllocation(outAlloc *Allocation, block *deviceMemoryBlock, blockIndex, memoryTypeIndex, heapIndex int, chunkAlloc metadata.ChunkAllocation) {
	a.deviceMemory.AddSuballocation(heapIndex, chunkAlloc.Size)
	*outAlloc = Allocation{
		chunkID:         chunkAlloc.ChunkID,
		blockIndex:      blockIndex,
		memoryTypeIndex: memoryTypeIndex,
		memory:          block.memory.Memory(),
		offset:          chunkAlloc.Offset,
		size:            chunkAlloc.Size,
	}
}

func (a *Allocator) createMemoryBlock(memoryTypeIndex, size int) (*deviceMemoryBlock, common.VkResult, error) {
	memory, res, err := a.deviceMemory.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, res, err
	}

	blockMetadata := metadata.NewChunkBlockMetadata(a.deviceMemory.BufferImageGranularity(), a.bestFit)
	blockMetadata.Init(size)

	return &deviceMemoryBlock{
		memoryTypeIndex: memoryTypeIndex,
		memory:          memory,
		metadata:        blockMetadata,
		mutex:           utils.OptionalMutex{UseMutex: a.useMutex},
	}, res, nil
}

// Free returns a suballocation to its block and zeroes the token. Freeing a
// zero or already-zeroed token is a no-op; freeing a stale copy of a token
// that was already freed is a programming error and panics.
func (a *Allocator) Free(alloc *Allocation) {
	if alloc == nil || !alloc.Valid() {
		return
	}

	a.logger.Debug("Allocator::Free",
		slog.Int("memoryTypeIndex", alloc.memoryTypeIndex),
		slog.Int("offset", alloc.offset),
		slog.Int("size", alloc.size),
	)

	pool := &a.pools[alloc.memoryTypeIndex]
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	block := a.blockForAllocation(pool, alloc)
	err := block.Free(alloc.chunkID)
	if err != nil {
		panic(fmt.Sprintf("freed an allocation twice: %+v", err))
	}

	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(alloc.memoryTypeIndex)
	a.deviceMemory.RemoveSuballocation(heapIndex, alloc.size)

	// Release the native block once it empties, but keep the last block of
	// the type alive as a warm reserve.
	if block.IsEmpty() && pool.liveBlockCount() > 1 {
		pool.blocks[alloc.blockIndex] = nil
		a.deviceMemory.FreeMemory(alloc.memoryTypeIndex, block.Size(), block.memory)
		a.logger.Debug("released an empty device memory block",
			slog.Int("memoryTypeIndex", alloc.memoryTypeIndex),
			slog.Int("blockSize", block.Size()),
		)
	}

	*alloc = Allocation{}
}

// FreeAllocations frees every valid token in allocs and zeroes them all.
func (a *Allocator) FreeAllocations(allocs []Allocation) {
	for i := range allocs {
		a.Free(&allocs[i])
	}
}

// blockForAllocation resolves a token to its block. The caller must hold the
// pool mutex.
func (a *Allocator) blockForAllocation(pool *memoryPool, alloc *Allocation) *deviceMemoryBlock {
	if alloc.blockIndex >= len(pool.blocks) || pool.blocks[alloc.blockIndex] == nil {
		panic(fmt.Sprintf("allocation refers to block %d of memory type %d, which does not exist", alloc.blockIndex, alloc.memoryTypeIndex))
	}
	return pool.blocks[alloc.blockIndex]
}

// Map returns a host pointer to the allocation's bytes, mapping the owning
// block if this is its first live mapping. Every successful Map must be
// paired with an Unmap. Mapping memory that is not host-visible fails with
// ErrNotHostVisible.
func (a *Allocator) Map(alloc *Allocation) (unsafe.Pointer, common.VkResult, error) {
	if alloc == nil || !alloc.Valid() {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.WithStack(ErrInvalidAllocation)
	}
	if !a.deviceMemory.IsMemoryTypeHostVisible(alloc.memoryTypeIndex) {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.WithStack(ErrNotHostVisible)
	}

	pool := &a.pools[alloc.memoryTypeIndex]
	pool.mutex.RLock()
	block := a.blockForAllocation(pool, alloc)
	pool.mutex.RUnlock()

	ptr, res, err := block.memory.Map(1, 0, mapWholeSize, 0)
	if err != nil {
		return nil, res, err
	}
	return unsafe.Add(ptr, alloc.offset), res, nil
}

// Unmap releases one mapping reference taken with Map.
func (a *Allocator) Unmap(alloc *Allocation) error {
	if alloc == nil || !alloc.Valid() {
		return errors.WithStack(ErrInvalidAllocation)
	}

	pool := &a.pools[alloc.memoryTypeIndex]
	pool.mutex.RLock()
	block := a.blockForAllocation(pool, alloc)
	pool.mutex.RUnlock()

	return block.memory.Unmap(1)
}

// mapWholeSize mirrors VK_WHOLE_SIZE: map from the given offset to the end
// of the memory object.
const mapWholeSize = -1

type cacheOperation uint32

const (
	cacheOperationFlush cacheOperation = iota
	cacheOperationInvalidate
)

// Flush makes host writes to the allocation visible to the device. It no-ops
// on host-coherent memory.
func (a *Allocator) Flush(alloc *Allocation) (common.VkResult, error) {
	return a.flushOrInvalidate(alloc, cacheOperationFlush)
}

// Invalidate makes device writes to the allocation visible to the host. It
// no-ops on host-coherent memory.
func (a *Allocator) Invalidate(alloc *Allocation) (common.VkResult, error) {
	return a.flushOrInvalidate(alloc, cacheOperationInvalidate)
}

func (a *Allocator) flushOrInvalidate(alloc *Allocation, operation cacheOperation) (common.VkResult, error) {
	if alloc == nil || !alloc.Valid() {
		return core1_0.VKErrorUnknown, errors.WithStack(ErrInvalidAllocation)
	}
	if !a.deviceMemory.IsMemoryTypeHostNonCoherent(alloc.memoryTypeIndex) {
		return core1_0.VKSuccess, nil
	}

	pool := &a.pools[alloc.memoryTypeIndex]
	pool.mutex.RLock()
	block := a.blockForAllocation(pool, alloc)
	pool.mutex.RUnlock()

	// Ranges passed to the native call have to be aligned to
	// nonCoherentAtomSize and stay inside the block.
	atomSize := uint(a.deviceMemory.NonCoherentAtomSize())
	offset := memutils.AlignDown(alloc.offset, atomSize)
	size := memutils.AlignUp(alloc.offset+alloc.size, atomSize) - offset
	if offset+size > block.Size() {
		size = block.Size() - offset
	}

	if operation == cacheOperationFlush {
		return block.memory.FlushRange(offset, size)
	}
	return block.memory.InvalidateRange(offset, size)
}

// FlushAllocations flushes every valid token in allocs, stopping at the
// first failure.
func (a *Allocator) FlushAllocations(allocs []Allocation) (common.VkResult, error) {
	for i := range allocs {
		if !allocs[i].Valid() {
			continue
		}
		res, err := a.Flush(&allocs[i])
		if err != nil {
			return res, err
		}
	}
	return core1_0.VKSuccess, nil
}

// WriteMapped copies data into the allocation through a temporary mapping and
// flushes the written range on non-coherent memory.
func (a *Allocator) WriteMapped(alloc *Allocation, data []byte) (common.VkResult, error) {
	if alloc == nil || !alloc.Valid() {
		return core1_0.VKErrorUnknown, errors.WithStack(ErrInvalidAllocation)
	}
	if len(data) > alloc.size {
		return core1_0.VKErrorUnknown, cerrors.Newf("attempted to write %d bytes into a %d-byte allocation", len(data), alloc.size)
	}

	ptr, res, err := a.Map(alloc)
	if err != nil {
		return res, err
	}

	copy(unsafe.Slice((*byte)(ptr), len(data)), data)

	res, err = a.Flush(alloc)
	if err != nil {
		_ = a.Unmap(alloc)
		return res, err
	}

	err = a.Unmap(alloc)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

// AllocateMemoryGroup populates allocs with len(allocs) independent
// allocations of the same shape, for callers that rotate one resource per
// in-flight frame. On failure any successful allocations are freed.
func (a *Allocator) AllocateMemoryGroup(memoryRequirements *core1_0.MemoryRequirements, o AllocationCreateInfo, allocs []Allocation) (common.VkResult, error) {
	for i := range allocs {
		res, err := a.AllocateMemory(memoryRequirements, o, &allocs[i])
		if err != nil {
			a.FreeAllocations(allocs[:i])
			return res, err
		}
	}
	return core1_0.VKSuccess, nil
}

// WriteAllocation writes data into the group member selected by the frame
// counter, wrapping modulo the group size.
func (a *Allocator) WriteAllocation(allocs []Allocation, frame int, data []byte) (common.VkResult, error) {
	if len(allocs) == 0 {
		return core1_0.VKErrorUnknown, cerrors.New("attempted to write into an empty allocation group")
	}
	return a.WriteMapped(&allocs[frame%len(allocs)], data)
}

// Destroy releases every native memory block the Allocator still owns. Blocks
// that still contain live suballocations are logged and released anyway, so
// calling Destroy before freeing all allocations leaks token validity but not
// native memory.
func (a *Allocator) Destroy() {
	for typeIndex := range a.pools {
		pool := &a.pools[typeIndex]
		pool.mutex.Lock()

		for blockIndex, block := range pool.blocks {
			if block == nil {
				continue
			}
			if !block.IsEmpty() {
				a.logger.Error("destroying a memory block that still contains live allocations",
					slog.Int("memoryTypeIndex", typeIndex),
					slog.Int("blockIndex", blockIndex),
				)
			}
			a.deviceMemory.FreeMemory(typeIndex, block.Size(), block.memory)
			pool.blocks[blockIndex] = nil
		}
		pool.blocks = nil

		pool.mutex.Unlock()
	}
}
