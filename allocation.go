package vkmem

import (
	"github.com/tez011/vkmem/memutils/metadata"
)

// Allocation is an opaque, copyable token describing one suballocation. The
// zero value is invalid and safe to Free. Callers treat tokens as
// move-only handles: after Free the allocator zeroes the token so stale
// copies fail Valid.
type Allocation struct {
	chunkID         metadata.ChunkID
	blockIndex      int
	memoryTypeIndex int
	memory          DeviceMemory
	offset          int
	size            int
}

// Valid reports whether this token refers to a live suballocation.
func (a Allocation) Valid() bool {
	return a.chunkID != metadata.NoChunk && a.size != 0
}

// Memory returns the native device-memory object backing this allocation,
// for binding buffers and images.
func (a Allocation) Memory() DeviceMemory {
	return a.memory
}

// Offset returns the allocation's byte offset within its device memory.
func (a Allocation) Offset() int {
	return a.offset
}

// Size returns the usable size of the allocation in bytes.
func (a Allocation) Size() int {
	return a.size
}

// MemoryTypeIndex returns the Vulkan memory type this allocation came from.
func (a Allocation) MemoryTypeIndex() int {
	return a.memoryTypeIndex
}
