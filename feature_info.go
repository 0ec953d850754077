package hostvirt

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_external_memory"
)

// Transport feature names as negotiated with the host renderer.
const (
	// FeatureDirectMem indicates the host can map its memory allocations
	// directly into the guest's address space
	FeatureDirectMem = "GLDirectMem"
	// FeatureVirtioGpuNext indicates the next-gen virtio-gpu transport with
	// blob resource support is available
	FeatureVirtioGpuNext = "VirtioGpuNext"
	// FeatureFreeMemorySync indicates the host supports the synchronized
	// free-memory command
	FeatureFreeMemorySync = "VulkanFreeMemorySync"
)

// FeatureInfo carries the transport capability flags host memory
// virtualization depends on. The flags come from host feature negotiation,
// not from the Vulkan driver itself.
type FeatureInfo struct {
	// HasDirectMem is true when host memory can be direct-mapped into the
	// guest
	HasDirectMem bool
	// HasVirtioGpuNext is true when the next-gen virtio-gpu transport is
	// available as the mapping path
	HasVirtioGpuNext bool
	// HasFreeMemorySync selects the synchronized host free-memory command
	// during pool teardown
	HasFreeMemorySync bool
}

// ParseFeatureInfo builds a FeatureInfo from the feature strings the host
// advertised during transport negotiation. Unknown strings are ignored.
func ParseFeatureInfo(features []string) *FeatureInfo {
	info := &FeatureInfo{}

	for _, feature := range features {
		switch feature {
		case FeatureDirectMem:
			info.HasDirectMem = true
		case FeatureVirtioGpuNext:
			info.HasVirtioGpuNext = true
		case FeatureFreeMemorySync:
			info.HasFreeMemorySync = true
		}
	}

	return info
}

// ApplyDeviceCapabilities downgrades negotiated features the device cannot
// actually honor. Direct-mapped memory requires the external memory
// extension on the device side.
func (f *FeatureInfo) ApplyDeviceCapabilities(device core1_0.Device) {
	if f.HasDirectMem && !device.IsDeviceExtensionActive(khr_external_memory.ExtensionName) {
		f.HasDirectMem = false
	}
}
