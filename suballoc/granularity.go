package suballoc

import (
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

// pageGranularity is the metadata.GranularityCheck for SubAllocator. The
// engine's buffer/image conflict machinery does not apply here- the only
// granularity rule is that every slice is page-aligned and page-sized, so
// most of the interface is a no-op.
type pageGranularity struct {
	pageSize uint
}

var _ metadata.GranularityCheck = &pageGranularity{}

func (g *pageGranularity) AllocRegions(allocType uint32, offset, size int) {}

func (g *pageGranularity) FreeRegions(offset, size int) {}

func (g *pageGranularity) Clear() {}

func (g *pageGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool) {
	// Alignment was already raised to the page size in RoundUpAllocRequest
	return allocOffset, false
}

func (g *pageGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	allocSize = memutils.AlignUp(allocSize, g.pageSize)
	if allocAlignment < g.pageSize {
		allocAlignment = g.pageSize
	}

	return allocSize, allocAlignment
}

func (g *pageGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}

func (g *pageGranularity) StartValidation() any { return nil }

func (g *pageGranularity) Validate(ctx any, offset, size int) error {
	if offset%int(g.pageSize) != 0 {
		return errors.Errorf("slice at offset %d is not aligned to the page size %d", offset, g.pageSize)
	}

	return nil
}

func (g *pageGranularity) FinishValidation(ctx any) error { return nil }
