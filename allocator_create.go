package vkmem

import (
	"log/slog"

	cerrors "github.com/cockroachdb/errors"
	"github.com/tez011/vkmem/memutils"
	"github.com/vkngwrapper/core/v2/driver"
)

// CreateFlags adjust Allocator-wide behavior.
type CreateFlags uint32

const (
	// AllocatorCreateExternallySynchronized removes all internal locking. Set
	// it only when the caller guarantees single-threaded access to the
	// Allocator and everything it produces.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

const (
	// DefaultDeviceLocalBlockSize is the preferred native block size for
	// memory types without HOST_VISIBLE, absent an override.
	DefaultDeviceLocalBlockSize = 1 << 26
	// DefaultHostVisibleBlockSize is the preferred native block size for
	// host-visible memory types, absent an override.
	DefaultHostVisibleBlockSize = 1 << 24
)

// CreateOptions configure a new Allocator.
type CreateOptions struct {
	Flags CreateFlags

	// BestFit makes block searches choose the smallest qualifying free chunk
	// instead of the first one.
	BestFit bool

	// PreferredDeviceLocalBlockSize overrides DefaultDeviceLocalBlockSize
	// when positive. Must be a power of two.
	PreferredDeviceLocalBlockSize int
	// PreferredHostVisibleBlockSize overrides DefaultHostVisibleBlockSize
	// when positive. Must be a power of two.
	PreferredHostVisibleBlockSize int

	// HeapSizeLimits caps the bytes of native memory the Allocator will take
	// from each heap. When provided, it must contain one entry per physical
	// device heap; zero entries leave that heap uncapped.
	HeapSizeLimits []int

	// VulkanCallbacks is an optional set of allocation callbacks passed
	// through to native memory operations.
	VulkanCallbacks *driver.AllocationCallbacks
}

// New creates an Allocator that suballocates device memory from the provided
// Device. A nil logger falls back to slog.Default.
func New(logger *slog.Logger, device Device, physicalDevice PhysicalDevice, options CreateOptions) (*Allocator, error) {
	if device == nil {
		return nil, cerrors.New("attempted to create an Allocator with a nil Device")
	}
	if physicalDevice == nil {
		return nil, cerrors.New("attempted to create an Allocator with a nil PhysicalDevice")
	}
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	deviceMemory, err := newDeviceMemoryProperties(
		useMutex,
		options.VulkanCallbacks,
		device,
		physicalDevice,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	deviceBlockSize := options.PreferredDeviceLocalBlockSize
	if deviceBlockSize <= 0 {
		deviceBlockSize = DefaultDeviceLocalBlockSize
	}
	err = memutils.CheckPow2(deviceBlockSize, "CreateOptions.PreferredDeviceLocalBlockSize")
	if err != nil {
		return nil, err
	}

	hostBlockSize := options.PreferredHostVisibleBlockSize
	if hostBlockSize <= 0 {
		hostBlockSize = DefaultHostVisibleBlockSize
	}
	err = memutils.CheckPow2(hostBlockSize, "CreateOptions.PreferredHostVisibleBlockSize")
	if err != nil {
		return nil, err
	}

	allocator := &Allocator{
		logger:       logger,
		useMutex:     useMutex,
		bestFit:      options.BestFit,
		deviceMemory: deviceMemory,

		preferredDeviceBlockSize: deviceBlockSize,
		preferredHostBlockSize:   hostBlockSize,

		pools: make([]memoryPool, deviceMemory.MemoryTypeCount()),
	}
	for i := range allocator.pools {
		allocator.pools[i].mutex.UseMutex = useMutex
	}

	return allocator, nil
}
