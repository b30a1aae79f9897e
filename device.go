package vkmem

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// DeviceMemory is the allocator's view of a single native device-memory
// object. core1_0.DeviceMemory satisfies it.
type DeviceMemory interface {
	Map(offset int, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error)
	Unmap()
	Free(callbacks *driver.AllocationCallbacks)
}

// Device is the set of native memory entry points the allocator consumes.
// Production code wraps a core1_0.Device with NewCoreDevice; tests may
// substitute host-backed doubles.
type Device interface {
	// AllocateMemory allocates size bytes of native device memory from the
	// given memory type.
	AllocateMemory(memoryTypeIndex int, size int) (DeviceMemory, common.VkResult, error)
	// FlushMappedRange flushes host writes in [offset, offset+size) of the
	// given memory so the device observes them.
	FlushMappedRange(memory DeviceMemory, offset, size int) (common.VkResult, error)
	// InvalidateMappedRange invalidates host caches for [offset, offset+size)
	// of the given memory so the host observes device writes.
	InvalidateMappedRange(memory DeviceMemory, offset, size int) (common.VkResult, error)
}

// PhysicalDevice is the subset of core1_0.PhysicalDevice the allocator reads
// hardware limits and memory topology from. core1_0.PhysicalDevice satisfies
// it.
type PhysicalDevice interface {
	Properties() (*core1_0.PhysicalDeviceProperties, error)
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
}

// CoreDevice adapts a core1_0.Device to the Device interface.
type CoreDevice struct {
	device    core1_0.Device
	callbacks *driver.AllocationCallbacks
}

func NewCoreDevice(device core1_0.Device, callbacks *driver.AllocationCallbacks) *CoreDevice {
	return &CoreDevice{
		device:    device,
		callbacks: callbacks,
	}
}

func (d *CoreDevice) AllocateMemory(memoryTypeIndex int, size int) (DeviceMemory, common.VkResult, error) {
	memory, res, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}
	return memory, res, nil
}

func (d *CoreDevice) FlushMappedRange(memory DeviceMemory, offset, size int) (common.VkResult, error) {
	return d.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			// Every DeviceMemory handed to this adapter originated from its
			// own AllocateMemory, so the assertion cannot fail in practice.
			Memory: memory.(core1_0.DeviceMemory),
			Offset: offset,
			Size:   size,
		},
	})
}

func (d *CoreDevice) InvalidateMappedRange(memory DeviceMemory, offset, size int) (common.VkResult, error) {
	return d.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory.(core1_0.DeviceMemory),
			Offset: offset,
			Size:   size,
		},
	})
}
