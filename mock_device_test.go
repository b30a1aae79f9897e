package vkmem

import (
	"io"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// fakeDeviceMemory backs a native memory object with a host byte slice, so
// mapping tests can read and write real bytes.
type fakeDeviceMemory struct {
	data        []byte
	mapCount    int
	lastMapSize int
	unmapCount  int
	freed       bool
}

func (m *fakeDeviceMemory) Map(offset int, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	m.mapCount++
	m.lastMapSize = size
	return unsafe.Pointer(&m.data[offset]), core1_0.VKSuccess, nil
}

func (m *fakeDeviceMemory) Unmap() {
	m.unmapCount++
}

func (m *fakeDeviceMemory) Free(callbacks *driver.AllocationCallbacks) {
	m.freed = true
}

type allocCall struct {
	memoryTypeIndex int
	size            int
}

type recordedRange struct {
	offset int
	size   int
}

type fakeDevice struct {
	// failAllocation, when set, makes AllocateMemory report device OOM for
	// any size it returns true for.
	failAllocation func(size int) bool

	allocCalls  []allocCall
	memories    []*fakeDeviceMemory
	flushed     []recordedRange
	invalidated []recordedRange
}

func (d *fakeDevice) AllocateMemory(memoryTypeIndex int, size int) (DeviceMemory, common.VkResult, error) {
	d.allocCalls = append(d.allocCalls, allocCall{memoryTypeIndex: memoryTypeIndex, size: size})

	if d.failAllocation != nil && d.failAllocation(size) {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	memory := &fakeDeviceMemory{data: make([]byte, size)}
	d.memories = append(d.memories, memory)
	return memory, core1_0.VKSuccess, nil
}

func (d *fakeDevice) FlushMappedRange(memory DeviceMemory, offset, size int) (common.VkResult, error) {
	d.flushed = append(d.flushed, recordedRange{offset: offset, size: size})
	return core1_0.VKSuccess, nil
}

func (d *fakeDevice) InvalidateMappedRange(memory DeviceMemory, offset, size int) (common.VkResult, error) {
	d.invalidated = append(d.invalidated, recordedRange{offset: offset, size: size})
	return core1_0.VKSuccess, nil
}

func (d *fakeDevice) freedCount() int {
	count := 0
	for _, memory := range d.memories {
		if memory.freed {
			count++
		}
	}
	return count
}

type fakePhysicalDevice struct {
	properties core1_0.PhysicalDeviceProperties
	memory     core1_0.PhysicalDeviceMemoryProperties
}

func (d *fakePhysicalDevice) Properties() (*core1_0.PhysicalDeviceProperties, error) {
	return &d.properties, nil
}

func (d *fakePhysicalDevice) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &d.memory
}

const (
	testTypeDeviceLocal = iota
	testTypeHostCoherent
	testTypeHostNonCoherent
)

// discretePhysicalDevice models a discrete GPU with one device-local heap and
// one host heap carrying a coherent and a non-coherent type.
func discretePhysicalDevice() *fakePhysicalDevice {
	return &fakePhysicalDevice{
		properties: core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				MaxMemoryAllocationCount: 4096,
				BufferImageGranularity:   1,
				NonCoherentAtomSize:      64,
			},
		},
		memory: core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: []core1_0.MemoryType{
				{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
				{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
				{PropertyFlags: core1_0.MemoryPropertyHostVisible, HeapIndex: 1},
			},
			MemoryHeaps: []core1_0.MemoryHeap{
				{Size: 256 * 1024 * 1024, Flags: core1_0.MemoryHeapDeviceLocal},
				{Size: 256 * 1024 * 1024},
			},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAllocator(t *testing.T, device *fakeDevice, physicalDevice *fakePhysicalDevice, options CreateOptions) *Allocator {
	t.Helper()

	if options.PreferredDeviceLocalBlockSize == 0 {
		options.PreferredDeviceLocalBlockSize = 1 << 16
	}
	if options.PreferredHostVisibleBlockSize == 0 {
		options.PreferredHostVisibleBlockSize = 1 << 16
	}

	allocator, err := New(testLogger(), device, physicalDevice, options)
	require.NoError(t, err)
	return allocator
}
