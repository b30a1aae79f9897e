package vkmem

import (
	"github.com/tez011/vkmem/memutils/metadata"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryUsage expresses the caller's access intent for an allocation. The
// allocator translates it into required and preferred memory property flags
// and picks a compatible memory type.
type MemoryUsage uint32

const (
	// MemoryUsageDeviceLocal is for resources the GPU reads and writes and the
	// host never touches. On unified-memory (integrated) devices the
	// DEVICE_LOCAL requirement is waived, since every memory type qualifies.
	MemoryUsageDeviceLocal MemoryUsage = iota
	// MemoryUsageHostLocal is for staging resources the host writes
	// frequently: host-visible and host-coherent.
	MemoryUsageHostLocal
	// MemoryUsageHostToDevice is for upload paths: host-visible, ideally also
	// device-local.
	MemoryUsageHostToDevice
	// MemoryUsageHostCached is for readback paths: host-visible, ideally
	// host-cached.
	MemoryUsageHostCached
	// MemoryUsageLazilyAllocated is for transient attachments backed by
	// lazily-allocated memory.
	MemoryUsageLazilyAllocated
)

var memoryUsageNames = map[MemoryUsage]string{
	MemoryUsageDeviceLocal:     "MemoryUsageDeviceLocal",
	MemoryUsageHostLocal:       "MemoryUsageHostLocal",
	MemoryUsageHostToDevice:    "MemoryUsageHostToDevice",
	MemoryUsageHostCached:      "MemoryUsageHostCached",
	MemoryUsageLazilyAllocated: "MemoryUsageLazilyAllocated",
}

func (u MemoryUsage) String() string {
	name, ok := memoryUsageNames[u]
	if !ok {
		return "unknown"
	}
	return name
}

// ResourceKind distinguishes linear resources (buffers and linear-tiled
// images) from optimal-tiled images for bufferImageGranularity placement.
type ResourceKind uint32

const (
	ResourceKindLinear ResourceKind = iota
	ResourceKindOpaque
)

var resourceKindNames = map[ResourceKind]string{
	ResourceKindLinear: "ResourceKindLinear",
	ResourceKindOpaque: "ResourceKindOpaque",
}

func (k ResourceKind) String() string {
	name, ok := resourceKindNames[k]
	if !ok {
		return "unknown"
	}
	return name
}

func (k ResourceKind) chunkKind() metadata.ChunkKind {
	if k == ResourceKindOpaque {
		return metadata.ChunkOpaque
	}
	return metadata.ChunkLinear
}

// requiredFlags returns the property flags a memory type must carry to serve
// the given usage. integratedGPU waives DEVICE_LOCAL, since unified-memory
// hardware often exposes its entire memory as host-visible types.
func requiredFlags(usage MemoryUsage, integratedGPU bool) core1_0.MemoryPropertyFlags {
	switch usage {
	case MemoryUsageDeviceLocal:
		if integratedGPU {
			return 0
		}
		return core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageHostLocal:
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case MemoryUsageHostToDevice, MemoryUsageHostCached:
		return core1_0.MemoryPropertyHostVisible
	case MemoryUsageLazilyAllocated:
		return core1_0.MemoryPropertyLazilyAllocated
	}
	return 0
}

// preferredFlags returns the property flags worth having for the given usage
// but not worth failing over.
func preferredFlags(usage MemoryUsage) core1_0.MemoryPropertyFlags {
	switch usage {
	case MemoryUsageHostToDevice:
		return core1_0.MemoryPropertyDeviceLocal
	case MemoryUsageHostCached:
		return core1_0.MemoryPropertyHostCached
	}
	return 0
}
