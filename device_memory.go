package vkmem

import (
	"fmt"
	"sync/atomic"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tez011/vkmem/internal/utils"
	"github.com/tez011/vkmem/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// deviceMemoryProperties caches the physical device's memory topology and
// limits, and accounts for every native allocation the allocator makes: a
// global object count checked against maxMemoryAllocationCount and per-heap
// block and suballocation counters.
type deviceMemoryProperties struct {
	blockCount      [common.MaxMemoryHeaps]uint32
	allocationCount [common.MaxMemoryHeaps]uint32
	blockBytes      [common.MaxMemoryHeaps]uint64
	allocationBytes [common.MaxMemoryHeaps]uint64

	useMutex            bool
	allocationCallbacks *driver.AllocationCallbacks
	memoryCount         uint32
	heapLimits          []int

	device           Device
	deviceProperties *core1_0.PhysicalDeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func newDeviceMemoryProperties(
	useMutex bool,
	allocationCallbacks *driver.AllocationCallbacks,
	device Device,
	physicalDevice PhysicalDevice,
	heapSizeLimits []int,
) (*deviceMemoryProperties, error) {
	props := &deviceMemoryProperties{
		useMutex:            useMutex,
		allocationCallbacks: allocationCallbacks,
		device:              device,
	}

	var err error
	props.deviceProperties, err = physicalDevice.Properties()
	if err != nil {
		return nil, err
	}
	props.memoryProperties = physicalDevice.MemoryProperties()

	err = memutils.CheckPow2(props.deviceProperties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(props.deviceProperties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	heapCount := props.MemoryHeapCount()
	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, cerrors.New("vkmem.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of PhysicalDevice memory heaps")
	}
	props.heapLimits = make([]int, heapCount)
	copy(props.heapLimits, heapSizeLimits)

	return props, nil
}

func (m *deviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *deviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *deviceMemoryProperties) MemoryTypeIndexToHeapIndex(memoryTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
}

func (m *deviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *deviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *deviceMemoryProperties) DeviceProperties() *core1_0.PhysicalDeviceProperties {
	return m.deviceProperties
}

func (m *deviceMemoryProperties) IsIntegratedGPU() bool {
	return m.deviceProperties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU
}

func (m *deviceMemoryProperties) BufferImageGranularity() uint {
	return uint(m.deviceProperties.Limits.BufferImageGranularity)
}

func (m *deviceMemoryProperties) NonCoherentAtomSize() int {
	return m.deviceProperties.Limits.NonCoherentAtomSize
}

func (m *deviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags
	return flags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *deviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags
	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

// HeapCapacity returns the usable byte capacity of a heap: its advertised
// size, further clamped by any configured heap limit.
func (m *deviceMemoryProperties) HeapCapacity(heapIndex int) int {
	capacity := m.memoryProperties.MemoryHeaps[heapIndex].Size
	if m.heapLimits[heapIndex] != 0 && m.heapLimits[heapIndex] < capacity {
		capacity = m.heapLimits[heapIndex]
	}
	return capacity
}

func (m *deviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

func (m *deviceMemoryProperties) addBlockToBudget(heapIndex, allocationSize int) (common.VkResult, error) {
	if m.heapLimits[heapIndex] == 0 {
		atomic.AddUint64(&m.blockBytes[heapIndex], uint64(allocationSize))
		atomic.AddUint32(&m.blockCount[heapIndex], 1)
		return core1_0.VKSuccess, nil
	}

	limit := uint64(m.HeapCapacity(heapIndex))
	for {
		currentVal := atomic.LoadUint64(&m.blockBytes[heapIndex])
		targetVal := currentVal + uint64(allocationSize)

		if targetVal > limit {
			return core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
		}

		if atomic.CompareAndSwapUint64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddUint32(&m.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (m *deviceMemoryProperties) removeBlockFromBudget(heapIndex, allocationSize int) {
	if atomic.LoadUint64(&m.blockBytes[heapIndex]) < uint64(allocationSize) {
		panic(fmt.Sprintf("block byte accounting for heap %d went negative", heapIndex))
	}
	atomic.AddUint64(&m.blockBytes[heapIndex], ^uint64(allocationSize-1))
	if atomic.LoadUint32(&m.blockCount[heapIndex]) == 0 {
		panic(fmt.Sprintf("block count accounting for heap %d went negative", heapIndex))
	}
	atomic.AddUint32(&m.blockCount[heapIndex], ^uint32(0))
}

// AddSuballocation records a committed suballocation against heap usage.
func (m *deviceMemoryProperties) AddSuballocation(heapIndex, size int) {
	atomic.AddUint64(&m.allocationBytes[heapIndex], uint64(size))
	atomic.AddUint32(&m.allocationCount[heapIndex], 1)
}

func (m *deviceMemoryProperties) RemoveSuballocation(heapIndex, size int) {
	atomic.AddUint64(&m.allocationBytes[heapIndex], ^uint64(size-1))
	atomic.AddUint32(&m.allocationCount[heapIndex], ^uint32(0))
}

// AllocateMemory performs a native allocation with accounting: the global
// object ceiling is enforced first, then heap budget, then the device call.
// The documented out-of-memory results propagate; any other native failure is
// treated as unrecoverable.
func (m *deviceMemoryProperties) AllocateMemory(memoryTypeIndex, size int) (mem *synchronizedMemory, res common.VkResult, err error) {
	newCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if int(newCount) > m.deviceProperties.Limits.MaxMemoryAllocationCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	res, err = m.addBlockToBudget(heapIndex, size)
	if err != nil {
		return nil, res, err
	}
	defer func() {
		if err != nil {
			m.removeBlockFromBudget(heapIndex, size)
		}
	}()

	memory, res, err := m.device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		if res != core1_0.VKErrorOutOfDeviceMemory && res != core1_0.VKErrorOutOfHostMemory {
			panic(fmt.Sprintf("vkAllocateMemory failed with unrecoverable result: %+v", err))
		}
		return nil, res, err
	}

	return &synchronizedMemory{
		memory:   memory,
		device:   m.device,
		mapMutex: utils.OptionalMutex{UseMutex: m.useMutex},
	}, res, nil
}

// FreeMemory releases a native allocation and rolls its accounting back.
func (m *deviceMemoryProperties) FreeMemory(memoryTypeIndex, size int, memory *synchronizedMemory) {
	memory.FreeMemory(m.allocationCallbacks)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockFromBudget(heapIndex, size)
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}
