package metadata

import "github.com/tez011/vkmem/memutils"

// ChunkKind classifies a chunk within a block. Free chunks are available for
// allocation; Linear and Opaque chunks are committed to a resource and
// distinguish linear resources (buffers, linear-tiled images) from
// optimal-tiled images for bufferImageGranularity purposes.
type ChunkKind uint32

const (
	ChunkFree ChunkKind = iota
	ChunkLinear
	ChunkOpaque
)

var chunkKindNames = map[ChunkKind]string{
	ChunkFree:   "FREE",
	ChunkLinear: "LINEAR",
	ChunkOpaque: "OPAQUE",
}

func (k ChunkKind) String() string {
	name, ok := chunkKindNames[k]
	if !ok {
		return "unknown"
	}
	return name
}

// ConflictsWith reports whether resources of kind k and resources of kind
// other may not share a bufferImageGranularity page. Free chunks never
// conflict; committed chunks conflict when their kinds differ.
func (k ChunkKind) ConflictsWith(other ChunkKind) bool {
	return k != ChunkFree && other != ChunkFree && k != other
}

// onSamePage reports whether the last byte of the region [aOffset, aOffset+aSize)
// and the first byte of the region starting at bOffset land on the same
// pageSize-aligned page. pageSize must be a power of two.
func onSamePage(aOffset, aSize, bOffset int, pageSize uint) bool {
	aEnd := aOffset + aSize - 1
	return memutils.AlignDown(aEnd, pageSize) == memutils.AlignDown(bOffset, pageSize)
}
