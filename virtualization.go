// Package hostvirt virtualizes a host GPU's memory type and heap tables for
// a paravirtualized guest Vulkan driver, and sub-allocates large host memory
// blocks to back many small guest allocations.
//
// The guest cannot be shown the host's real memory tables: host-visible
// memory has to flow through a mapping the transport controls, and its
// capacity is a virtualization budget rather than the host heap's physical
// size. MemoryVirtualizationInfo builds the synthetic guest-facing view,
// HostMemAlloc/SubAlloc carve mapped host blocks into guest allocations, and
// HostMemPool coordinates block reuse and reclamation on top of both.
package hostvirt

import (
	"context"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// VirtualHostVisibleHeapSize is the capacity advertised to the guest for the
// synthetic host-visible heap. The heap deliberately does not mirror the
// host heap's real size- the virtualization path has its own budget.
//
// TODO: Figure out how to support bigger sizes
const VirtualHostVisibleHeapSize int = 512 * 1048576

// MemoryVirtualizationInfo holds the host's memory property table alongside
// the derived guest-facing table and the index mappings between the two. It
// is populated exactly once via Init and is read-only afterward.
type MemoryVirtualizationInfo struct {
	initialized bool

	physicalDevice core1_0.PhysicalDevice

	HostMemoryProperties  core1_0.PhysicalDeviceMemoryProperties
	GuestMemoryProperties core1_0.PhysicalDeviceMemoryProperties

	MemoryTypeIndexMappingToHost   [common.MaxMemoryTypes]int
	MemoryHeapIndexMappingToHost   [common.MaxMemoryHeaps]int
	MemoryTypeIndexMappingFromHost [common.MaxMemoryTypes]int
	MemoryHeapIndexMappingFromHost [common.MaxMemoryHeaps]int

	// MemoryTypeBitsShouldAdvertiseBoth marks host types that were split
	// into a device-local guest type and a host-visible guest type which
	// should both appear in transformed memory type bit masks
	MemoryTypeBitsShouldAdvertiseBoth [common.MaxMemoryTypes]bool

	MemoryPropertiesSupported bool
	DirectMemSupported        bool
	VirtioGpuNextSupported    bool
	VirtualizationSupported   bool
}

// CanFitVirtualHostVisibleMemoryInfo returns whether the host's memory
// property table leaves room to append the virtualized guest entries. It is
// a pure predicate with no side effects.
func CanFitVirtualHostVisibleMemoryInfo(memoryProperties *core1_0.PhysicalDeviceMemoryProperties) bool {
	typeCount := len(memoryProperties.MemoryTypes)
	heapCount := len(memoryProperties.MemoryHeaps)

	canFit := true

	if typeCount == common.MaxMemoryTypes {
		canFit = false
	}

	if heapCount == common.MaxMemoryHeaps {
		canFit = false
	}

	return canFit
}

func cloneMemoryProperties(memoryProperties *core1_0.PhysicalDeviceMemoryProperties) core1_0.PhysicalDeviceMemoryProperties {
	clone := core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: make([]core1_0.MemoryType, len(memoryProperties.MemoryTypes), common.MaxMemoryTypes),
		MemoryHeaps: make([]core1_0.MemoryHeap, len(memoryProperties.MemoryHeaps), common.MaxMemoryHeaps),
	}
	copy(clone.MemoryTypes, memoryProperties.MemoryTypes)
	copy(clone.MemoryHeaps, memoryProperties.MemoryHeaps)

	return clone
}

// Init populates this MemoryVirtualizationInfo from the host's reported
// memory properties and the transport feature flags. It is idempotent- a
// second call is a no-op.
//
// When virtualization is unsupported (no free table slots, or neither
// direct-mapped memory nor next-gen virtio-gpu is available) the guest table
// is the host table verbatim and no remapping occurs. Callers must check
// VirtualizationSupported before relying on remapped indices.
func (info *MemoryVirtualizationInfo) Init(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	featureInfo *FeatureInfo,
) {
	if info.initialized {
		return
	}

	info.HostMemoryProperties = cloneMemoryProperties(memoryProperties)
	info.initialized = true

	info.MemoryPropertiesSupported = CanFitVirtualHostVisibleMemoryInfo(memoryProperties)
	if !info.MemoryPropertiesSupported {
		logger.LogAttrs(context.Background(), slog.LevelError,
			"underlying device has no free memory types or heaps",
			slog.Int("memoryTypeCount", len(memoryProperties.MemoryTypes)),
			slog.Int("memoryHeapCount", len(memoryProperties.MemoryHeaps)),
		)
	}

	info.DirectMemSupported = featureInfo.HasDirectMem
	info.VirtioGpuNextSupported = featureInfo.HasVirtioGpuNext

	if !info.MemoryPropertiesSupported ||
		(!info.DirectMemSupported && !info.VirtioGpuNextSupported) {
		info.VirtualizationSupported = false
		info.GuestMemoryProperties = cloneMemoryProperties(memoryProperties)
		return
	}

	info.VirtualizationSupported = true

	info.physicalDevice = physicalDevice
	info.GuestMemoryProperties = cloneMemoryProperties(memoryProperties)

	typeCount := len(memoryProperties.MemoryTypes)
	heapCount := len(memoryProperties.MemoryHeaps)

	firstFreeTypeIndex := typeCount
	firstFreeHeapIndex := heapCount

	for i := 0; i < common.MaxMemoryTypes; i++ {
		info.MemoryTypeIndexMappingToHost[i] = i
		info.MemoryTypeIndexMappingFromHost[i] = i
		info.MemoryTypeBitsShouldAdvertiseBoth[i] = false
	}
	for i := 0; i < common.MaxMemoryHeaps; i++ {
		info.MemoryHeapIndexMappingToHost[i] = i
		info.MemoryHeapIndexMappingFromHost[i] = i
	}

	for i := 0; i < typeCount; i++ {
		memoryType := memoryProperties.MemoryTypes[i]

		if memoryType.PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
			continue
		}

		// The split host-visible variant of this type goes to a new index,
		// and all such variants share one new heap sized to the
		// virtualization budget rather than the host heap's size
		newVirtualMemoryType := memoryType
		newVirtualMemoryType.HeapIndex = firstFreeHeapIndex
		newVirtualMemoryType.PropertyFlags = memoryType.PropertyFlags &^ core1_0.MemoryPropertyDeviceLocal
		info.GuestMemoryProperties.MemoryTypes = append(info.GuestMemoryProperties.MemoryTypes, newVirtualMemoryType)

		// The original index stays in its original heap but loses every
		// host-visibility flag
		info.GuestMemoryProperties.MemoryTypes[i].PropertyFlags = memoryType.PropertyFlags &^
			(core1_0.MemoryPropertyHostVisible |
				core1_0.MemoryPropertyHostCoherent |
				core1_0.MemoryPropertyHostCached)

		newVirtualMemoryHeap := memoryProperties.MemoryHeaps[memoryType.HeapIndex]
		newVirtualMemoryHeap.Flags &^= core1_0.MemoryHeapDeviceLocal
		newVirtualMemoryHeap.Size = VirtualHostVisibleHeapSize

		if len(info.GuestMemoryProperties.MemoryHeaps) == firstFreeHeapIndex {
			info.GuestMemoryProperties.MemoryHeaps = append(info.GuestMemoryProperties.MemoryHeaps, newVirtualMemoryHeap)
		} else {
			info.GuestMemoryProperties.MemoryHeaps[firstFreeHeapIndex] = newVirtualMemoryHeap
		}

		info.MemoryTypeIndexMappingToHost[firstFreeTypeIndex] = i
		info.MemoryHeapIndexMappingToHost[firstFreeHeapIndex] = i

		info.MemoryTypeIndexMappingFromHost[i] = firstFreeTypeIndex
		info.MemoryHeapIndexMappingFromHost[i] = firstFreeHeapIndex

		// Was the original memory type also a device-local type? If so,
		// advertise both types in resulting type bits.
		info.MemoryTypeBitsShouldAdvertiseBoth[i] =
			memoryType.PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0 ||
				memoryType.PropertyFlags == 0

		firstFreeTypeIndex++

		// Explicitly only create one new heap- every split host-visible
		// type shares it, so firstFreeHeapIndex is never incremented.
		// Downstream heap-count arithmetic depends on this.
	}

	if len(info.GuestMemoryProperties.MemoryHeaps) == firstFreeHeapIndex {
		// No host-visible types existed- the table still grows by the one
		// (empty) virtual heap to keep the heap-count arithmetic uniform
		info.GuestMemoryProperties.MemoryHeaps = append(info.GuestMemoryProperties.MemoryHeaps, core1_0.MemoryHeap{})
	}
}

// Initialized returns whether Init has completed on this info.
func (info *MemoryVirtualizationInfo) Initialized() bool {
	return info.initialized
}

// PhysicalDevice returns the device handle this info was initialized
// against. It is only recorded for tagging- hostvirt never calls into it.
func (info *MemoryVirtualizationInfo) PhysicalDevice() core1_0.PhysicalDevice {
	return info.physicalDevice
}

// guestVisibleProperties is the table the guest actually sees: the derived
// guest table when virtualization is on, the raw host table otherwise.
func (info *MemoryVirtualizationInfo) guestVisibleProperties() *core1_0.PhysicalDeviceMemoryProperties {
	if info.VirtualizationSupported {
		return &info.GuestMemoryProperties
	}

	return &info.HostMemoryProperties
}

// IsGuestMemoryTypeHostVisible returns whether the memory type at index in
// the guest-visible table carries the host-visible flag.
func (info *MemoryVirtualizationInfo) IsGuestMemoryTypeHostVisible(index int) bool {
	props := info.guestVisibleProperties()
	return props.MemoryTypes[index].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

// IsGuestMemoryTypeDeviceLocal returns whether the memory type at index in
// the guest-visible table carries the device-local flag.
func (info *MemoryVirtualizationInfo) IsGuestMemoryTypeDeviceLocal(index int) bool {
	props := info.guestVisibleProperties()
	return props.MemoryTypes[index].PropertyFlags&core1_0.MemoryPropertyDeviceLocal != 0
}

// IsGuestMemoryTypeNoFlags returns whether the memory type at index in the
// guest-visible table has no property flags at all.
func (info *MemoryVirtualizationInfo) IsGuestMemoryTypeNoFlags(index int) bool {
	props := info.guestVisibleProperties()
	return props.MemoryTypes[index].PropertyFlags == 0
}

// GuestMemoryTypeIndexToHost maps a guest-visible memory type index back to
// the host index it draws from. Identity for indices that were not remapped.
func (info *MemoryVirtualizationInfo) GuestMemoryTypeIndexToHost(index int) int {
	if !info.VirtualizationSupported {
		return index
	}

	return info.MemoryTypeIndexMappingToHost[index]
}

// TransformMemoryTypeBitsForGuest rewrites a host memory type bit mask into
// the guest's index space. Bits for split host-visible types move to their
// new guest index; types flagged for dual advertisement keep the original
// bit as well.
func (info *MemoryVirtualizationInfo) TransformMemoryTypeBitsForGuest(hostBits uint32) uint32 {
	if !info.VirtualizationSupported {
		return hostBits
	}

	var guestBits uint32
	for i := 0; i < len(info.HostMemoryProperties.MemoryTypes); i++ {
		if hostBits&(1<<i) == 0 {
			continue
		}

		guestBits |= 1 << info.MemoryTypeIndexMappingFromHost[i]

		if info.MemoryTypeBitsShouldAdvertiseBoth[i] {
			guestBits |= 1 << i
		}
	}

	return guestBits
}

// TransformMemoryTypeBitsToHost rewrites a guest memory type bit mask back
// into the host's index space.
func (info *MemoryVirtualizationInfo) TransformMemoryTypeBitsToHost(guestBits uint32) uint32 {
	if !info.VirtualizationSupported {
		return guestBits
	}

	var hostBits uint32
	for i := 0; i < len(info.GuestMemoryProperties.MemoryTypes); i++ {
		if guestBits&(1<<i) != 0 {
			hostBits |= 1 << info.MemoryTypeIndexMappingToHost[i]
		}
	}

	return hostBits
}
