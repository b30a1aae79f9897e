package vkmem

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func TestAllocateMemoryPoolsRequests(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var a, b Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &a)
	require.NoError(t, err)
	require.True(t, a.Valid())
	require.Equal(t, testTypeDeviceLocal, a.MemoryTypeIndex())
	require.Equal(t, 0, a.Offset())
	require.Equal(t, 1000, a.Size())

	_, err = allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &b)
	require.NoError(t, err)
	require.Equal(t, 1000, b.Offset())

	// Both suballocations share one native block of the preferred size.
	require.Len(t, device.allocCalls, 1)
	require.Equal(t, allocCall{memoryTypeIndex: testTypeDeviceLocal, size: 1 << 16}, device.allocCalls[0])
	require.Same(t, a.Memory(), b.Memory())
}

func TestAllocateMemoryAligns(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var a, b Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           100,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &a)
	require.NoError(t, err)

	_, err = allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           100,
		Alignment:      256,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &b)
	require.NoError(t, err)
	require.Equal(t, 256, b.Offset())
}

func TestAllocateDedicatedMemory(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var forced, oversized Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           5000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal, DedicatedMemory: true}, &forced)
	require.NoError(t, err)

	// Requests above the preferred block size become dedicated without the flag.
	_, err = allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1 << 17,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &oversized)
	require.NoError(t, err)

	require.Len(t, device.allocCalls, 2)
	require.Equal(t, 5000, device.allocCalls[0].size)
	require.Equal(t, 1<<17, device.allocCalls[1].size)
	require.Equal(t, 0, forced.Offset())
	require.Equal(t, 0, oversized.Offset())
}

func TestAllocateFallsBackToRequiredFlags(t *testing.T) {
	device := &fakeDevice{}
	// No host-cached type exists, so the preferred flag cannot be satisfied.
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var alloc Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageHostCached}, &alloc)
	require.NoError(t, err)
	require.Equal(t, testTypeHostCoherent, alloc.MemoryTypeIndex())
}

func TestAllocateNonPositiveSizeFails(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var alloc Allocation
	for _, size := range []int{0, -4096} {
		_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
			Size:           size,
			Alignment:      1,
			MemoryTypeBits: 0xFFFFFFFF,
		}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &alloc)
		require.Error(t, err)
		require.False(t, alloc.Valid())
	}
	require.Empty(t, device.allocCalls)
}

func TestAllocateNoCompatibleTypePanics(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var alloc Allocation
	require.Panics(t, func() {
		_, _ = allocator.AllocateMemory(&core1_0.MemoryRequirements{
			Size:           1000,
			Alignment:      1,
			MemoryTypeBits: 1 << testTypeDeviceLocal,
		}, AllocationCreateInfo{Usage: MemoryUsageHostLocal}, &alloc)
	})
}

func TestAllocateIntegratedGPUWaivesDeviceLocal(t *testing.T) {
	physicalDevice := discretePhysicalDevice()
	physicalDevice.properties.DriverType = core1_0.PhysicalDeviceTypeIntegratedGPU

	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, physicalDevice, CreateOptions{})

	// The resource only accepts the host types, which lack DEVICE_LOCAL. On
	// an integrated GPU that must still succeed.
	var alloc Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 1<<testTypeHostCoherent | 1<<testTypeHostNonCoherent,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &alloc)
	require.NoError(t, err)
	require.Equal(t, testTypeHostCoherent, alloc.MemoryTypeIndex())
}

func TestAllocateBacksOffThroughHalvedBlockSizes(t *testing.T) {
	device := &fakeDevice{
		failAllocation: func(size int) bool {
			return size > 1<<14
		},
	}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var alloc Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &alloc)
	require.NoError(t, err)
	require.True(t, alloc.Valid())

	require.Len(t, device.allocCalls, 3)
	require.Equal(t, 1<<16, device.allocCalls[0].size)
	require.Equal(t, 1<<15, device.allocCalls[1].size)
	require.Equal(t, 1<<14, device.allocCalls[2].size)
}

func TestAllocateBackoffExhaustionPropagates(t *testing.T) {
	device := &fakeDevice{
		failAllocation: func(size int) bool {
			return true
		},
	}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var alloc Allocation
	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &alloc)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.False(t, alloc.Valid())

	// Preferred size plus three halvings, nothing smaller.
	require.Len(t, device.allocCalls, 4)
	require.Equal(t, 1<<13, device.allocCalls[3].size)

	// Failed native allocations roll their accounting back.
	require.Equal(t, uint32(0), allocator.deviceMemory.AllocationCount())
}

func TestAllocateHeapCapacityExceeded(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{
		HeapSizeLimits: []int{1 << 20, 0},
	})

	var alloc Allocation
	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1 << 21,
		Alignment:      1,
		MemoryTypeBits: 1 << testTypeDeviceLocal,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &alloc)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Empty(t, device.allocCalls)
}

func TestAllocateObjectCountCeiling(t *testing.T) {
	physicalDevice := discretePhysicalDevice()
	physicalDevice.properties.Limits.MaxMemoryAllocationCount = 1

	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, physicalDevice, CreateOptions{})

	var first, second Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &first)
	require.NoError(t, err)

	res, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal, DedicatedMemory: true}, &second)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorTooManyObjects, res)
}

func TestCalculateStatistics(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var deviceAlloc, hostAlloc Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &deviceAlloc)
	require.NoError(t, err)
	_, err = allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           3000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageHostLocal}, &hostAlloc)
	require.NoError(t, err)

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)

	require.Equal(t, 2, stats.Total.BlockCount)
	require.Equal(t, 2, stats.Total.AllocationCount)
	require.Equal(t, 2<<16, stats.Total.BlockBytes)
	require.Equal(t, 4000, stats.Total.AllocationBytes)

	require.Equal(t, 1, stats.MemoryType[testTypeDeviceLocal].AllocationCount)
	require.Equal(t, 1000, stats.MemoryType[testTypeDeviceLocal].AllocationBytes)
	require.Equal(t, 1, stats.MemoryHeap[1].AllocationCount)
	require.Equal(t, 3000, stats.MemoryHeap[1].AllocationBytes)
}

func TestBuildStatsStringIsValidJSON(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var alloc Allocation
	_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 0xFFFFFFFF,
	}, AllocationCreateInfo{Usage: MemoryUsageDeviceLocal}, &alloc)
	require.NoError(t, err)

	statsString := allocator.BuildStatsString(true)
	require.True(t, json.Valid([]byte(statsString)), "stats output is not valid JSON: %s", statsString)

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(statsString), &parsed))
	require.Contains(t, parsed, "General")
	require.Contains(t, parsed, "Total")
	require.Contains(t, parsed, "DefaultPools")
}

func TestConcurrentAllocateFree(t *testing.T) {
	device := &fakeDevice{}
	allocator := newTestAllocator(t, device, discretePhysicalDevice(), CreateOptions{})

	var waitGroup sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()

			var allocs [16]Allocation
			for iteration := 0; iteration < 50; iteration++ {
				for i := range allocs {
					_, err := allocator.AllocateMemory(&core1_0.MemoryRequirements{
						Size:           64 + worker*128 + i,
						Alignment:      64,
						MemoryTypeBits: 0xFFFFFFFF,
					}, AllocationCreateInfo{Usage: MemoryUsageHostLocal}, &allocs[i])
					if err != nil {
						t.Errorf("worker %d allocation failed: %+v", worker, err)
						return
					}
				}
				allocator.FreeAllocations(allocs[:])
			}
		}(worker)
	}
	waitGroup.Wait()

	pool := &allocator.pools[testTypeHostCoherent]
	pool.mutex.RLock()
	defer pool.mutex.RUnlock()
	for _, block := range pool.blocks {
		if block == nil {
			continue
		}
		require.NoError(t, block.Validate())
		require.True(t, block.IsEmpty())
	}
}
