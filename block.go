package vkmem

import (
	"github.com/tez011/vkmem/internal/utils"
	"github.com/tez011/vkmem/memutils"
	"github.com/tez011/vkmem/memutils/metadata"
)

// deviceMemoryBlock pairs one native device-memory object with the chunk
// metadata that suballocates it. The block mutex serializes chunk searches
// and structural edits; mapping state is guarded separately inside
// synchronizedMemory.
type deviceMemoryBlock struct {
	id              int
	memoryTypeIndex int
	memory          *synchronizedMemory
	metadata        *metadata.ChunkBlockMetadata
	mutex           utils.OptionalMutex
}

func (b *deviceMemoryBlock) Allocate(size int, alignment uint, kind metadata.ChunkKind) (metadata.ChunkAllocation, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.metadata.Allocate(size, alignment, kind)
}

func (b *deviceMemoryBlock) Free(id metadata.ChunkID) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.metadata.Free(id)
}

func (b *deviceMemoryBlock) IsEmpty() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.metadata.IsEmpty()
}

func (b *deviceMemoryBlock) Size() int {
	return b.metadata.Size()
}

func (b *deviceMemoryBlock) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.metadata.AddDetailedStatistics(stats)
}

func (b *deviceMemoryBlock) Validate() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.metadata.Validate()
}
