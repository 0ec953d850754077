package hostvirt

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/hostvirt/suballoc"
)

// HighestBufferOrImageAlignment is the conservative floor for sub-allocation
// granularity. nonCoherentAtomSize alone is not enough- consumers bind
// uniform buffers and images into these slices, and large planar images
// need up to 64k alignment in practice.
//
// TODO: Use an unmap/remap scheme to realign memories if it's found that
// the buffer or image bind alignment will be violated
const HighestBufferOrImageAlignment uint = 65536

// HostMemoryBackend is the encoder-side collaborator that issues real host
// memory commands. hostvirt never allocates, maps, or frees host memory
// itself- it only decides when those calls should happen.
type HostMemoryBackend interface {
	// AllocateMapped allocates host memory per allocateInfo and maps it
	// into the guest, returning the memory handle and the mapped base
	// pointer
	AllocateMapped(device core1_0.Device, allocateInfo core1_0.MemoryAllocateInfo, callbacks *driver.AllocationCallbacks) (core1_0.DeviceMemory, unsafe.Pointer, common.VkResult, error)
	// FreeMemory releases a host memory object
	FreeMemory(device core1_0.Device, memory core1_0.DeviceMemory, callbacks *driver.AllocationCallbacks)
	// FreeMemorySync releases a host memory object with the synchronized
	// free command, for hosts that advertise FeatureFreeMemorySync
	FreeMemorySync(device core1_0.Device, memory core1_0.DeviceMemory, callbacks *driver.AllocationCallbacks)
}

// HostMemAlloc is one real host memory allocation backing a pool of guest
// sub-allocations.
type HostMemAlloc struct {
	initialized bool
	initResult  common.VkResult

	Device              core1_0.Device
	Memory              core1_0.DeviceMemory
	MemoryTypeIndex     int
	NonCoherentAtomSize int
	AllocSize           int
	MappedSize          int
	MappedPtr           unsafe.Pointer

	SubAlloc *suballoc.SubAllocator
}

// Initialized returns whether FinishHostMemAllocInit completed successfully
// on this block.
func (a *HostMemAlloc) Initialized() bool {
	return a.initialized && a.initResult == core1_0.VKSuccess
}

// SubMemoryHandle is the synthetic device memory handle handed to the guest
// for one sub-allocation. It never corresponds to a real host memory object.
type SubMemoryHandle uint64

var nextSubMemoryHandle uint64

func newSubMemoryHandle() SubMemoryHandle {
	return SubMemoryHandle(atomic.AddUint64(&nextSubMemoryHandle, 1))
}

// SubAlloc is one guest-visible slice of a HostMemAlloc. It holds a
// non-owning view into the parent's mapping plus a back-reference to the
// parent's sub-allocator for the later free and emptiness query.
type SubAlloc struct {
	MappedPtr       unsafe.Pointer
	AllocSize       int
	MappedSize      int
	BaseMemory      core1_0.DeviceMemory
	BaseOffset      int
	SubMemory       SubMemoryHandle
	MemoryTypeIndex int

	subAlloc *suballoc.SubAllocator
	handle   metadata.BlockAllocationHandle
}

// FinishHostMemAllocInit constructs out's sub-allocator over a mapped host
// memory region. The host allocation and the mapping themselves are the
// caller's responsibility and must already have happened; so is handling
// their error paths.
//
// The sub-allocation granularity is the larger of the device's
// non-coherent atom size and HighestBufferOrImageAlignment.
func FinishHostMemAllocInit(
	device core1_0.Device,
	memoryTypeIndex int,
	nonCoherentAtomSize int,
	allocSize int,
	mappedSize int,
	mappedPtr unsafe.Pointer,
	memory core1_0.DeviceMemory,
	out *HostMemAlloc,
) (common.VkResult, error) {
	out.Device = device
	out.Memory = memory
	out.MemoryTypeIndex = memoryTypeIndex
	out.NonCoherentAtomSize = nonCoherentAtomSize
	out.AllocSize = allocSize
	out.MappedSize = mappedSize
	out.MappedPtr = mappedPtr

	neededPageSize := uint(nonCoherentAtomSize)
	if HighestBufferOrImageAlignment > neededPageSize {
		neededPageSize = HighestBufferOrImageAlignment
	}

	subAllocator, err := suballoc.New(mappedSize, neededPageSize)
	if err != nil {
		out.initResult = core1_0.VKErrorUnknown
		return core1_0.VKErrorUnknown, errors.Wrapf(err, "failed to build a sub-allocator over %d mapped bytes", mappedSize)
	}

	out.SubAlloc = subAllocator
	out.initialized = true
	out.initResult = core1_0.VKSuccess
	return core1_0.VKSuccess, nil
}

// DestroyHostMemAlloc frees the block's underlying host memory object-
// through the synchronized free command when freeMemorySyncSupported- and
// tears down the sub-allocator. A block that never finished init is left
// alone: it has no host memory object to free, and both the initResult and
// initialized guards must agree before any teardown happens.
func DestroyHostMemAlloc(
	freeMemorySyncSupported bool,
	backend HostMemoryBackend,
	device core1_0.Device,
	toDestroy *HostMemAlloc,
	callbacks *driver.AllocationCallbacks,
) {
	if toDestroy.initResult != core1_0.VKSuccess {
		return
	}
	if !toDestroy.initialized {
		return
	}

	if freeMemorySyncSupported {
		backend.FreeMemorySync(device, toDestroy.Memory, callbacks)
	} else {
		backend.FreeMemory(device, toDestroy.Memory, callbacks)
	}

	toDestroy.SubAlloc = nil
	toDestroy.initialized = false
}

// SubAllocHostMemory carves allocationSize bytes out of alloc, populating
// out. The mapped size is allocationSize rounded up to the block's
// non-coherent atom size; the sub-allocator rounds further to its own page
// granularity internally. Returns false with a nil error when the block has
// no room- callers are expected to try or create another block.
func SubAllocHostMemory(alloc *HostMemAlloc, allocationSize int, out *SubAlloc) (bool, error) {
	if !alloc.Initialized() {
		return false, errors.New("attempted to sub-allocate from a host memory block that was never initialized")
	}

	mappedSize := alloc.NonCoherentAtomSize *
		((allocationSize + alloc.NonCoherentAtomSize - 1) / alloc.NonCoherentAtomSize)

	success, sub, err := alloc.SubAlloc.Alloc(mappedSize, nil)
	if err != nil || !success {
		return success, err
	}

	out.MappedPtr = unsafe.Add(alloc.MappedPtr, sub.Offset)
	out.AllocSize = allocationSize
	out.MappedSize = mappedSize
	out.BaseMemory = alloc.Memory
	out.BaseOffset = sub.Offset
	out.SubMemory = newSubMemoryHandle()
	out.MemoryTypeIndex = alloc.MemoryTypeIndex
	out.subAlloc = alloc.SubAlloc
	out.handle = sub.Handle

	return true, nil
}

// SubFreeHostMemory releases a slice back to its parent block's
// sub-allocator and zeroes the record. It must pair with a prior successful
// SubAllocHostMemory on the same parent.
//
// The returned boolean reports whether the parent's sub-allocator is now
// completely empty. That is a signal, not an action- whether to reclaim the
// parent block is the caller's policy decision.
func SubFreeHostMemory(toFree *SubAlloc) (bool, error) {
	if toFree.subAlloc == nil {
		return false, errors.New("attempted to free a sub-allocation that was never made or was already freed")
	}

	err := toFree.subAlloc.Free(toFree.handle)
	if err != nil {
		return false, err
	}

	nowEmpty := toFree.subAlloc.IsEmpty()
	*toFree = SubAlloc{}

	return nowEmpty, nil
}

// CanSubAlloc probes whether allocator has room for a slice of size bytes
// by performing an allocation and immediately freeing it. Beyond free-list
// churn the probe leaves no observable state behind.
func CanSubAlloc(allocator *suballoc.SubAllocator, size int) bool {
	success, probe, err := allocator.Alloc(size, nil)
	if err != nil || !success {
		return false
	}

	err = allocator.Free(probe.Handle)
	if err != nil {
		panic("sub-allocator failed to free a probe allocation it just made")
	}

	return true
}
