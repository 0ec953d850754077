package hostvirt

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/hostvirt/internal/utils"
	"golang.org/x/exp/slog"
)

// DefaultHostMemBlockSize is the host allocation size new backing blocks are
// created with when PoolCreateOptions.BlockSize is zero.
const DefaultHostMemBlockSize int = 16 * 1048576

// PoolCreateOptions configures a HostMemPool.
type PoolCreateOptions struct {
	// BlockSize is the size in bytes of each backing host allocation.
	// Defaults to DefaultHostMemBlockSize. Requests larger than the block
	// size get a dedicated block sized for the request.
	BlockSize int
	// UseMutex makes the pool safe for concurrent use. Off by default-
	// the expectation is that a single command-issuing goroutine owns the
	// pool.
	UseMutex bool
	// AllocationCallbacks is passed through to the backend on every host
	// allocate and free
	AllocationCallbacks *driver.AllocationCallbacks
}

// HostMemPool coordinates backing blocks for guest host-visible memory
// requests: it routes each request to an existing block with room, creates
// new blocks through the HostMemoryBackend when none fits, and reclaims a
// block as soon as its last sub-allocation is freed.
type HostMemPool struct {
	logger   *slog.Logger
	device   core1_0.Device
	backend  HostMemoryBackend
	virtInfo *MemoryVirtualizationInfo
	features *FeatureInfo

	nonCoherentAtomSize int
	blockSize           int
	callbacks           *driver.AllocationCallbacks

	mutex  utils.OptionalMutex
	blocks [common.MaxMemoryTypes][]*HostMemAlloc
	owners *swiss.Map[SubMemoryHandle, *HostMemAlloc]
}

// NewHostMemPool creates a HostMemPool over an initialized
// MemoryVirtualizationInfo. The pool only serves guest types that were
// remapped onto the virtual host-visible heap, so virtualization must have
// been supported.
func NewHostMemPool(
	logger *slog.Logger,
	device core1_0.Device,
	backend HostMemoryBackend,
	virtInfo *MemoryVirtualizationInfo,
	features *FeatureInfo,
	nonCoherentAtomSize int,
	options PoolCreateOptions,
) (*HostMemPool, error) {
	if logger == nil {
		return nil, errors.New("a logger is required")
	}
	if backend == nil {
		return nil, errors.New("a host memory backend is required")
	}
	if virtInfo == nil || !virtInfo.Initialized() {
		return nil, errors.New("the memory virtualization info must be initialized before creating a pool")
	}
	if !virtInfo.VirtualizationSupported {
		return nil, errors.New("host-visible memory virtualization is not supported on this device")
	}
	if features == nil {
		return nil, errors.New("transport feature info is required")
	}
	if nonCoherentAtomSize < 1 {
		return nil, errors.Newf("invalid non-coherent atom size %d", nonCoherentAtomSize)
	}
	err := memutils.CheckPow2(uint(nonCoherentAtomSize), "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = DefaultHostMemBlockSize
	}
	if blockSize < 1 {
		return nil, errors.Newf("invalid pool block size %d", options.BlockSize)
	}

	return &HostMemPool{
		logger:   logger,
		device:   device,
		backend:  backend,
		virtInfo: virtInfo,
		features: features,

		nonCoherentAtomSize: nonCoherentAtomSize,
		blockSize:           blockSize,
		callbacks:           options.AllocationCallbacks,

		mutex:  utils.OptionalMutex{UseMutex: options.UseMutex},
		owners: swiss.NewMap[SubMemoryHandle, *HostMemAlloc](42),
	}, nil
}

func (p *HostMemPool) pageSize() uint {
	pageSize := uint(p.nonCoherentAtomSize)
	if HighestBufferOrImageAlignment > pageSize {
		pageSize = HighestBufferOrImageAlignment
	}

	return pageSize
}

// AllocateMemory serves a guest allocation request of size bytes against a
// guest-visible, host-visible memory type index. The returned SubAlloc is
// what the guest's synthetic device memory handle resolves to.
func (p *HostMemPool) AllocateMemory(guestMemoryTypeIndex int, size int) (*SubAlloc, common.VkResult, error) {
	if size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", size)
	}
	if guestMemoryTypeIndex < 0 || guestMemoryTypeIndex >= len(p.virtInfo.GuestMemoryProperties.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("guest memory type index %d is out of range", guestMemoryTypeIndex)
	}
	if !p.virtInfo.IsGuestMemoryTypeHostVisible(guestMemoryTypeIndex) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("guest memory type index %d is not host-visible- it has no business in this pool", guestMemoryTypeIndex)
	}

	hostTypeIndex := p.virtInfo.GuestMemoryTypeIndexToHost(guestMemoryTypeIndex)

	mappedSize := p.nonCoherentAtomSize *
		((size + p.nonCoherentAtomSize - 1) / p.nonCoherentAtomSize)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	block, res, err := p.findOrCreateBlock(hostTypeIndex, mappedSize)
	if err != nil {
		return nil, res, err
	}

	var sub SubAlloc
	success, err := SubAllocHostMemory(block, size, &sub)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	if !success {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.New("a backing block accepted a probe but rejected the matching sub-allocation")
	}

	p.owners.Put(sub.SubMemory, block)

	return &sub, core1_0.VKSuccess, nil
}

func (p *HostMemPool) findOrCreateBlock(hostTypeIndex int, mappedSize int) (*HostMemAlloc, common.VkResult, error) {
	for _, block := range p.blocks[hostTypeIndex] {
		if CanSubAlloc(block.SubAlloc, mappedSize) {
			return block, core1_0.VKSuccess, nil
		}
	}

	blockSize := p.blockSize
	neededSize := memutils.AlignUp(mappedSize, p.pageSize())
	if neededSize > blockSize {
		blockSize = neededSize
	}

	memory, mappedPtr, res, err := p.backend.AllocateMapped(p.device, core1_0.MemoryAllocateInfo{
		AllocationSize:  blockSize,
		MemoryTypeIndex: hostTypeIndex,
	}, p.callbacks)
	if err != nil {
		return nil, res, err
	}

	block := &HostMemAlloc{}
	res, err = FinishHostMemAllocInit(
		p.device,
		hostTypeIndex,
		p.nonCoherentAtomSize,
		blockSize,
		blockSize,
		mappedPtr,
		memory,
		block,
	)
	if err != nil {
		// Roll the host allocation back- the block never became usable
		p.freeBlockMemory(memory)
		return nil, res, err
	}

	p.blocks[hostTypeIndex] = append(p.blocks[hostTypeIndex], block)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "created a new host-visible backing block",
		slog.Int("hostMemoryTypeIndex", hostTypeIndex),
		slog.Int("blockSize", blockSize),
		slog.Int("blockCount", len(p.blocks[hostTypeIndex])),
	)

	return block, core1_0.VKSuccess, nil
}

func (p *HostMemPool) freeBlockMemory(memory core1_0.DeviceMemory) {
	if p.features.HasFreeMemorySync {
		p.backend.FreeMemorySync(p.device, memory, p.callbacks)
	} else {
		p.backend.FreeMemory(p.device, memory, p.callbacks)
	}
}

// FreeMemory releases a sub-allocation previously returned from
// AllocateMemory. When the free empties the owning block, the block's host
// memory is reclaimed immediately.
func (p *HostMemPool) FreeMemory(sub *SubAlloc) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	handle := sub.SubMemory
	block, found := p.owners.Get(handle)
	if !found {
		return errors.Newf("sub-allocation handle %d was not allocated from this pool", handle)
	}
	p.owners.Delete(handle)

	nowEmpty, err := SubFreeHostMemory(sub)
	if err != nil {
		return err
	}

	if !nowEmpty {
		return nil
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "backing block is empty- reclaiming it",
		slog.Int("hostMemoryTypeIndex", block.MemoryTypeIndex),
		slog.Int("blockSize", block.AllocSize),
	)

	p.removeBlock(block)
	DestroyHostMemAlloc(p.features.HasFreeMemorySync, p.backend, p.device, block, p.callbacks)

	return nil
}

func (p *HostMemPool) removeBlock(block *HostMemAlloc) {
	blocks := p.blocks[block.MemoryTypeIndex]
	for i, candidate := range blocks {
		if candidate == block {
			p.blocks[block.MemoryTypeIndex] = append(blocks[:i], blocks[i+1:]...)
			return
		}
	}
}

// Destroy tears down every backing block. It fails without freeing anything
// when live sub-allocations remain, logging each one.
func (p *HostMemPool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var leaked bool
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		for _, block := range p.blocks[typeIndex] {
			if block.SubAlloc.IsEmpty() {
				continue
			}

			leaked = true
			_ = block.SubAlloc.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
				if free {
					return nil
				}

				p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed sub-allocation",
					slog.Int("hostMemoryTypeIndex", typeIndex),
					slog.Int("offset", offset),
					slog.Int("size", size),
				)
				return nil
			})
		}
	}

	if leaked {
		return errors.New("some sub-allocations were not freed before the destruction of this pool")
	}

	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		for _, block := range p.blocks[typeIndex] {
			DestroyHostMemAlloc(p.features.HasFreeMemorySync, p.backend, p.device, block, p.callbacks)
		}
		p.blocks[typeIndex] = nil
	}

	return nil
}

// AddStatistics sums the pool's block and sub-allocation statistics into
// stats.
func (p *HostMemPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		for _, block := range p.blocks[typeIndex] {
			block.SubAlloc.AddStatistics(stats)
		}
	}
}

// BlockCount returns the number of live backing blocks for a host memory
// type index.
func (p *HostMemPool) BlockCount(hostTypeIndex int) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.blocks[hostTypeIndex])
}
