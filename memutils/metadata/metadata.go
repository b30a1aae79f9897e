package metadata

import (
	"fmt"
	"math"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tez011/vkmem/memutils"
)

// ChunkID identifies a single chunk within one block's metadata. Ids are
// minted from a per-block monotone counter and are never reused, so a stale
// id can be detected rather than silently landing on an unrelated chunk.
// NoChunk is never issued.
type ChunkID uint64

const NoChunk ChunkID = 0

// chunk is a node in the doubly-linked chain that partitions the block.
// prev and next are chunk ids rather than pointers so that links survive
// map growth and can be checked against the live table.
type chunk struct {
	offset int
	size   int
	kind   ChunkKind
	prev   ChunkID
	next   ChunkID
}

// ChunkAllocation describes a committed suballocation: the id of the chunk
// that backs it, the aligned offset the resource may use, and the usable size
// the caller asked for. The backing chunk may be larger than Size because it
// absorbs any leading alignment padding, but [Offset, Offset+Size) never
// overlaps another suballocation's range.
type ChunkAllocation struct {
	ChunkID ChunkID
	Offset  int
	Size    int
}

// ChunkBlockMetadata tracks the suballocation state of a single device-memory
// block as a chain of contiguous chunks covering [0, Size()). It performs no
// device calls and holds no locks; callers serialize access externally.
type ChunkBlockMetadata struct {
	size        int
	granularity uint
	bestFit     bool

	nextID uint64
	head   ChunkID
	chunks *swiss.Map[ChunkID, *chunk]
}

// NewChunkBlockMetadata creates metadata that places differently-kinded
// resources on separate bufferImageGranularity pages and selects free chunks
// by best-fit when bestFit is true, first-fit otherwise. Init must be called
// before use.
func NewChunkBlockMetadata(bufferImageGranularity uint, bestFit bool) *ChunkBlockMetadata {
	memutils.DebugCheckPow2(bufferImageGranularity, "bufferImageGranularity")
	return &ChunkBlockMetadata{
		granularity: bufferImageGranularity,
		bestFit:     bestFit,
	}
}

// Init sets the block capacity and resets the chain to a single free chunk
// spanning the whole block.
func (m *ChunkBlockMetadata) Init(size int) {
	m.size = size
	m.nextID = 2
	m.head = 1
	m.chunks = swiss.NewMap[ChunkID, *chunk](8)
	m.chunks.Put(m.head, &chunk{
		offset: 0,
		size:   size,
		kind:   ChunkFree,
	})
}

func (m *ChunkBlockMetadata) Size() int {
	return m.size
}

func (m *ChunkBlockMetadata) mustGet(id ChunkID) *chunk {
	c, ok := m.chunks.Get(id)
	if !ok {
		panic(fmt.Sprintf("chunk chain references missing chunk %d", id))
	}
	return c
}

func (m *ChunkBlockMetadata) nextChunkID() ChunkID {
	if m.nextID == math.MaxUint64 {
		return NoChunk
	}
	id := ChunkID(m.nextID)
	m.nextID++
	return id
}

// Allocate finds a free chunk that can hold allocSize bytes at the requested
// alignment without violating granularity interference, splits or converts it,
// and returns the resulting suballocation. It returns false when no chunk
// qualifies.
//
// The returned Offset is the aligned position the caller may use and the
// returned Size is allocSize; the chunk itself begins at the start of the
// free region it was carved from, so any leading alignment padding belongs
// to the chunk and is reclaimed with it.
func (m *ChunkBlockMetadata) Allocate(allocSize int, allocAlignment uint, kind ChunkKind) (ChunkAllocation, bool) {
	if kind == ChunkFree {
		panic("attempted to allocate a chunk of kind FREE")
	}
	if allocSize <= 0 || allocSize > m.SumFreeSize() {
		return ChunkAllocation{}, false
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}

	var bestID ChunkID
	var bestOffset, bestPaddedSize int
	bestChunkSize := math.MaxInt

	for id := m.head; id != NoChunk; {
		c := m.mustGet(id)
		nextInChain := c.next

		if c.kind != ChunkFree || c.size < allocSize {
			id = nextInChain
			continue
		}

		offset := memutils.AlignUp(c.offset, allocAlignment)

		// A conflicting predecessor ending on the same granularity page pushes
		// the candidate position to the next page.
		if c.prev != NoChunk {
			prev := m.mustGet(c.prev)
			if kind.ConflictsWith(prev.kind) && onSamePage(prev.offset, prev.size, offset, m.granularity) {
				offset = memutils.AlignUp(offset, m.granularity)
			}
		}

		paddedSize := (offset - c.offset) + allocSize
		if c.size < paddedSize {
			id = nextInChain
			continue
		}

		// A conflicting successor starting on the candidate's final page makes
		// this chunk unusable for the request.
		if c.next != NoChunk {
			next := m.mustGet(c.next)
			if kind.ConflictsWith(next.kind) && onSamePage(offset, allocSize, next.offset, m.granularity) {
				id = nextInChain
				continue
			}
		}

		if bestID == NoChunk || c.size < bestChunkSize {
			bestID = id
			bestOffset = offset
			bestPaddedSize = paddedSize
			bestChunkSize = c.size
		}

		if !m.bestFit {
			break
		}
		id = nextInChain
	}

	if bestID == NoChunk {
		return ChunkAllocation{}, false
	}

	winner := m.mustGet(bestID)
	if winner.size > bestPaddedSize {
		// Split: the committed chunk takes the front of the free region and
		// the remainder stays free under its original id.
		childID := m.nextChunkID()
		if childID == NoChunk {
			return ChunkAllocation{}, false
		}

		child := &chunk{
			offset: winner.offset,
			size:   bestPaddedSize,
			kind:   kind,
			prev:   winner.prev,
			next:   bestID,
		}
		m.chunks.Put(childID, child)

		if child.prev != NoChunk {
			m.mustGet(child.prev).next = childID
		} else {
			m.head = childID
		}
		winner.prev = childID
		winner.offset += bestPaddedSize
		winner.size -= bestPaddedSize

		memutils.DebugValidate(m)
		return ChunkAllocation{ChunkID: childID, Offset: bestOffset, Size: allocSize}, true
	}

	// Exact fit: convert in place, keeping the chunk's id.
	winner.kind = kind
	memutils.DebugValidate(m)
	return ChunkAllocation{ChunkID: bestID, Offset: bestOffset, Size: allocSize}, true
}

// Free returns the chunk to the free state and eagerly merges it with free
// neighbors, so the chain never contains two adjacent free chunks. Freeing an
// unknown or already-free id returns an error.
func (m *ChunkBlockMetadata) Free(id ChunkID) error {
	c, ok := m.chunks.Get(id)
	if !ok {
		return cerrors.Newf("chunk %d does not exist in this block", id)
	}
	if c.kind == ChunkFree {
		return cerrors.Newf("chunk %d is already free", id)
	}

	c.kind = ChunkFree

	if c.next != NoChunk && m.mustGet(c.next).kind == ChunkFree {
		m.mergeWithNext(id)
	}
	if c.prev != NoChunk && m.mustGet(c.prev).kind == ChunkFree {
		m.mergeWithNext(c.prev)
	}

	memutils.DebugValidate(m)
	return nil
}

// mergeWithNext folds the successor of id into id, which must both be free.
func (m *ChunkBlockMetadata) mergeWithNext(id ChunkID) {
	left := m.mustGet(id)
	rightID := left.next
	right := m.mustGet(rightID)

	left.size += right.size
	left.next = right.next
	if right.next != NoChunk {
		m.mustGet(right.next).prev = id
	}
	m.chunks.Delete(rightID)
}

// AllocatedBytes sums the sizes of all committed chunks.
func (m *ChunkBlockMetadata) AllocatedBytes() int {
	total := 0
	m.chunks.Iter(func(_ ChunkID, c *chunk) bool {
		if c.kind != ChunkFree {
			total += c.size
		}
		return false
	})
	return total
}

func (m *ChunkBlockMetadata) SumFreeSize() int {
	return m.size - m.AllocatedBytes()
}

func (m *ChunkBlockMetadata) IsEmpty() bool {
	return m.AllocatedBytes() == 0
}

// AllocationCount returns the number of committed chunks.
func (m *ChunkBlockMetadata) AllocationCount() int {
	count := 0
	m.chunks.Iter(func(_ ChunkID, c *chunk) bool {
		if c.kind != ChunkFree {
			count++
		}
		return false
	})
	return count
}

// FreeRegionsCount returns the number of free chunks.
func (m *ChunkBlockMetadata) FreeRegionsCount() int {
	return m.chunks.Count() - m.AllocationCount()
}

// VisitAllRegions calls visit for every chunk in ascending offset order and
// stops at the first error, which it returns.
func (m *ChunkBlockMetadata) VisitAllRegions(visit func(id ChunkID, offset, size int, kind ChunkKind) error) error {
	for id := m.head; id != NoChunk; {
		c := m.mustGet(id)
		err := visit(id, c.offset, c.size, c.kind)
		if err != nil {
			return err
		}
		id = c.next
	}
	return nil
}

// AddDetailedStatistics accumulates this block's usage into stats.
func (m *ChunkBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	_ = m.VisitAllRegions(func(_ ChunkID, _, size int, kind ChunkKind) error {
		if kind == ChunkFree {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// Validate walks the chain and verifies the partition invariant: chunks cover
// [0, Size()) contiguously without overlap, forward and backward links agree,
// every linked id resolves in the table, and no two free chunks are adjacent.
func (m *ChunkBlockMetadata) Validate() error {
	if m.head == NoChunk {
		return cerrors.New("block metadata has no head chunk")
	}

	expectedOffset := 0
	prevID := NoChunk
	prevFree := false
	visited := 0

	for id := m.head; id != NoChunk; {
		c, ok := m.chunks.Get(id)
		if !ok {
			return cerrors.Newf("chunk chain references missing chunk %d", id)
		}
		if c.prev != prevID {
			return cerrors.Newf("chunk %d has prev %d, expected %d", id, c.prev, prevID)
		}
		if c.offset != expectedOffset {
			return cerrors.Newf("chunk %d begins at offset %d, expected %d", id, c.offset, expectedOffset)
		}
		if c.size <= 0 {
			return cerrors.Newf("chunk %d has non-positive size %d", id, c.size)
		}
		if c.kind == ChunkFree && prevFree {
			return cerrors.Newf("chunk %d and its predecessor are both free and should have merged", id)
		}
		if uint64(id) >= m.nextID {
			return cerrors.Newf("chunk %d was never issued by this block", id)
		}

		expectedOffset += c.size
		prevFree = c.kind == ChunkFree
		prevID = id
		visited++
		id = c.next
	}

	if expectedOffset != m.size {
		return cerrors.Newf("chunks cover %d bytes, block is %d bytes", expectedOffset, m.size)
	}
	if visited != m.chunks.Count() {
		return cerrors.Newf("chain contains %d chunks, table contains %d", visited, m.chunks.Count())
	}

	return nil
}

// BlockJsonData writes this block's usage summary and chunk list into an
// in-progress json object.
func (m *ChunkBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.SumFreeSize())
	json.Name("Allocations").Int(m.AllocationCount())
	json.Name("UnusedRanges").Int(m.FreeRegionsCount())

	suballocs := json.Name("Suballocations").Array()
	_ = m.VisitAllRegions(func(_ ChunkID, offset, size int, kind ChunkKind) error {
		obj := suballocs.Object()
		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		obj.Name("Type").String(kind.String())
		obj.End()
		return nil
	})
	suballocs.End()
}
