package vkmem

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tez011/vkmem/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// synchronizedMemory pairs a native device-memory object with reference-
// counted persistent mapping. The first mapper performs the native map, later
// mappers reuse the pointer, and the native unmap happens when the count
// returns to zero.
type synchronizedMemory struct {
	mapReferences int
	mapData       unsafe.Pointer
	mapMutex      utils.OptionalMutex

	memory DeviceMemory
	device Device
}

func (m *synchronizedMemory) Memory() DeviceMemory {
	return m.memory
}

// Map adds references mappers to the memory and returns the base mapped
// pointer. offset and size describe the native map region used on first map;
// subsequent maps reuse the existing region.
func (m *synchronizedMemory) Map(references int, offset, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	if references == 0 {
		return nil, core1_0.VKErrorUnknown, cerrors.New("attempted to map memory with no references")
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.mapReferences += references
		return m.mapData, core1_0.VKSuccess, nil
	}

	ptr, res, err := m.memory.Map(offset, size, flags)
	if err != nil {
		return nil, res, err
	}

	m.mapReferences = references
	m.mapData = ptr
	return ptr, res, nil
}

// Unmap removes references mappers and performs the native unmap when the
// count drains to zero.
func (m *synchronizedMemory) Unmap(references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences < references {
		return cerrors.Newf("attempted to unmap %d references, only %d are live", references, m.mapReferences)
	}

	m.mapReferences -= references
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}
	return nil
}

func (m *synchronizedMemory) FlushRange(offset, size int) (common.VkResult, error) {
	return m.device.FlushMappedRange(m.memory, offset, size)
}

func (m *synchronizedMemory) InvalidateRange(offset, size int) (common.VkResult, error) {
	return m.device.InvalidateMappedRange(m.memory, offset, size)
}

// FreeMemory releases the native memory object, force-unmapping it first if
// any references remain.
func (m *synchronizedMemory) FreeMemory(callbacks *driver.AllocationCallbacks) {
	m.mapMutex.Lock()
	if m.mapData != nil {
		m.memory.Unmap()
		m.mapData = nil
		m.mapReferences = 0
	}
	m.mapMutex.Unlock()

	m.memory.Free(callbacks)
}
