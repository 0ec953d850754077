package suballoc

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

// SubAllocator carves a single mapped region of host memory into smaller,
// page-granular slices. It owns no memory itself- it only tracks offsets
// within the region it was sized for, so consumers can hand out
// (offset, size) pairs into a mapping they manage.
//
// Access from multiple goroutines must be serialized by the consumer.
type SubAllocator struct {
	pageSize    uint
	granularity pageGranularity
	metadata    metadata.BlockMetadata
}

// SubAllocation identifies one live slice within a SubAllocator's region.
// Handle is used to free the slice later, Offset is the slice's position in
// bytes within the region, and Size is the slice's full rounded size.
type SubAllocation struct {
	Handle metadata.BlockAllocationHandle
	Offset int
	Size   int
}

// New creates a SubAllocator managing a region of size bytes. All slices
// handed out are aligned to pageSize and rounded up to a multiple of
// pageSize, which must be a power of two.
func New(size int, pageSize uint) (*SubAllocator, error) {
	err := memutils.CheckPow2(pageSize, "sub-allocator page size")
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Errorf("invalid sub-allocator region size %d", size)
	}

	a := &SubAllocator{
		pageSize: pageSize,
	}
	a.granularity.pageSize = pageSize
	a.metadata = metadata.NewTLSFBlockMetadata(int(pageSize), &a.granularity)
	a.metadata.Init(size)

	return a, nil
}

// Alloc requests a slice of at least size bytes. The first return value
// indicates whether the region had room- false with a nil error means the
// request was valid but could not be placed, and the caller should fall
// back to another region. userData travels with the slice and is reported
// back from VisitAllRegions.
func (a *SubAllocator) Alloc(size int, userData any) (bool, SubAllocation, error) {
	if size <= 0 {
		return false, SubAllocation{}, errors.Errorf("invalid sub-allocation size %d", size)
	}

	success, request, err := a.metadata.CreateAllocationRequest(
		size,
		a.pageSize,
		false,
		0,
		0,
		math.MaxInt,
	)
	if err != nil || !success {
		return success, SubAllocation{}, err
	}

	err = a.metadata.Alloc(request, 0, userData)
	if err != nil {
		return false, SubAllocation{}, err
	}

	offset, err := a.metadata.AllocationOffset(request.BlockAllocationHandle)
	if err != nil {
		return false, SubAllocation{}, err
	}

	memutils.DebugValidate(a.metadata)

	return true, SubAllocation{
		Handle: request.BlockAllocationHandle,
		Offset: offset,
		Size:   request.Size,
	}, nil
}

// Free releases a slice previously returned from Alloc. It must be called
// exactly once per successful Alloc.
func (a *SubAllocator) Free(handle metadata.BlockAllocationHandle) error {
	err := a.metadata.Free(handle)
	if err != nil {
		return err
	}

	memutils.DebugValidate(a.metadata)
	return nil
}

// Offset returns the byte offset within the region for a live slice.
func (a *SubAllocator) Offset(handle metadata.BlockAllocationHandle) (int, error) {
	return a.metadata.AllocationOffset(handle)
}

// IsEmpty returns true when no slices are live. Consumers use this after a
// Free to decide whether the backing region can be reclaimed.
func (a *SubAllocator) IsEmpty() bool {
	return a.metadata.IsEmpty()
}

// Size returns the size in bytes of the managed region.
func (a *SubAllocator) Size() int {
	return a.metadata.Size()
}

// SumFreeSize returns the number of free bytes remaining in the region.
func (a *SubAllocator) SumFreeSize() int {
	return a.metadata.SumFreeSize()
}

// AllocationCount returns the number of live slices.
func (a *SubAllocator) AllocationCount() int {
	return a.metadata.AllocationCount()
}

// PageSize returns the alignment granularity all slices are rounded to.
func (a *SubAllocator) PageSize() uint {
	return a.pageSize
}

// Validate performs internal consistency checks and returns an error when
// the allocator's bookkeeping has been corrupted.
func (a *SubAllocator) Validate() error {
	return a.metadata.Validate()
}

// Clear instantly frees all live slices.
func (a *SubAllocator) Clear() {
	a.metadata.Clear()
}

// VisitAllRegions calls handleRegion once for every live slice and free
// range in the region. Diagnostic use only.
func (a *SubAllocator) VisitAllRegions(handleRegion func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	return a.metadata.VisitAllRegions(handleRegion)
}

// AddStatistics sums this region's allocation statistics into stats.
func (a *SubAllocator) AddStatistics(stats *memutils.Statistics) {
	a.metadata.AddStatistics(stats)
}

// BlockJsonData populates a json object with information about this region.
func (a *SubAllocator) BlockJsonData(json jwriter.ObjectState) {
	a.metadata.BlockJsonData(json)
}
