package vkmem

import (
	"github.com/tez011/vkmem/internal/utils"
)

// memoryPool holds the blocks of a single memory type. Freed block slots are
// set to nil rather than compacted, so block indices recorded in live
// allocation tokens stay stable; new blocks reuse the lowest nil slot.
type memoryPool struct {
	mutex       utils.OptionalRWMutex
	blocks      []*deviceMemoryBlock
	nextBlockID int
}

// insertBlock places a block in the pool and returns its slot index. The
// caller must hold the pool mutex.
func (p *memoryPool) insertBlock(block *deviceMemoryBlock) int {
	block.id = p.nextBlockID
	p.nextBlockID++

	for i, existing := range p.blocks {
		if existing == nil {
			p.blocks[i] = block
			return i
		}
	}

	p.blocks = append(p.blocks, block)
	return len(p.blocks) - 1
}

// liveBlockCount returns the number of occupied slots. The caller must hold
// the pool mutex.
func (p *memoryPool) liveBlockCount() int {
	count := 0
	for _, block := range p.blocks {
		if block != nil {
			count++
		}
	}
	return count
}
