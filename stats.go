package vkmem

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tez011/vkmem/memutils"
	"github.com/vkngwrapper/core/v2/common"
)

// TotalStatistics aggregates usage across the whole Allocator, broken down by
// memory type and by heap. Entries beyond the device's real type and heap
// counts stay zero.
type TotalStatistics struct {
	MemoryType [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeap [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total      memutils.DetailedStatistics
}

// CalculateStatistics walks every pool and block and populates stats. It is
// a heavyweight call meant for diagnostics, not steady-state telemetry.
func (a *Allocator) CalculateStatistics(stats *TotalStatistics) {
	stats.Total.Clear()
	for i := range stats.MemoryType {
		stats.MemoryType[i].Clear()
	}
	for i := range stats.MemoryHeap {
		stats.MemoryHeap[i].Clear()
	}

	for typeIndex := range a.pools {
		pool := &a.pools[typeIndex]
		pool.mutex.RLock()
		for _, block := range pool.blocks {
			if block == nil {
				continue
			}
			block.AddDetailedStatistics(&stats.MemoryType[typeIndex])
		}
		pool.mutex.RUnlock()
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeap[heapIndex].AddDetailedStatistics(&stats.MemoryType[typeIndex])
	}
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeap[heapIndex])
	}
}

func writeDetailedStatistics(obj jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	obj.Name("BlockCount").Int(stats.BlockCount)
	obj.Name("BlockBytes").Int(stats.BlockBytes)
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").Int(stats.AllocationBytes)
	obj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		obj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		obj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		obj.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		obj.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a JSON document describing allocator usage. With
// detailedMap set, it additionally includes every block's chunk list.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats TotalStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("API").String("Vulkan")
	general.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	general.Name("MemoryHeapCount").Int(a.deviceMemory.MemoryHeapCount())
	general.Name("MaxMemoryAllocationCount").Int(a.deviceMemory.DeviceProperties().Limits.MaxMemoryAllocationCount)
	general.Name("BufferImageGranularity").Int(int(a.deviceMemory.BufferImageGranularity()))
	general.Name("NonCoherentAtomSize").Int(a.deviceMemory.NonCoherentAtomSize())
	general.End()

	total := root.Name("Total").Object()
	writeDetailedStatistics(total, &stats.Total)
	total.End()

	heaps := root.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heap := heaps.Name(heapName(heapIndex)).Object()
		heap.Name("Size").Int(a.deviceMemory.MemoryHeapProperties(heapIndex).Size)
		heapStats := heap.Name("Stats").Object()
		writeDetailedStatistics(heapStats, &stats.MemoryHeap[heapIndex])
		heapStats.End()
		heap.End()
	}
	heaps.End()

	if detailedMap {
		defaultPools := root.Name("DefaultPools").Object()
		for typeIndex := range a.pools {
			pool := &a.pools[typeIndex]
			pool.mutex.RLock()

			typeObj := defaultPools.Name(typeName(typeIndex)).Object()
			blocksObj := typeObj.Name("Blocks").Array()
			for _, block := range pool.blocks {
				if block == nil {
					continue
				}
				block.mutex.Lock()
				blockObj := blocksObj.Object()
				block.metadata.BlockJsonData(blockObj)
				blockObj.End()
				block.mutex.Unlock()
			}
			blocksObj.End()
			typeObj.End()

			pool.mutex.RUnlock()
		}
		defaultPools.End()
	}

	root.End()
	return string(writer.Bytes())
}

func heapName(heapIndex int) string {
	return "Heap " + strconv.Itoa(heapIndex)
}

func typeName(typeIndex int) string {
	return "Type " + strconv.Itoa(typeIndex)
}
