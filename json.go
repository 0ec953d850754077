package hostvirt

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func memoryPropertiesJsonData(props *core1_0.PhysicalDeviceMemoryProperties, json jwriter.ObjectState) {
	json.Name("MemoryTypeCount").Int(len(props.MemoryTypes))
	json.Name("MemoryHeapCount").Int(len(props.MemoryHeaps))

	typeArray := json.Name("MemoryTypes").Array()
	for i := 0; i < len(props.MemoryTypes); i++ {
		typeObj := typeArray.Object()
		typeObj.Name("PropertyFlags").Int(int(props.MemoryTypes[i].PropertyFlags))
		typeObj.Name("HeapIndex").Int(props.MemoryTypes[i].HeapIndex)
		typeObj.End()
	}
	typeArray.End()

	heapArray := json.Name("MemoryHeaps").Array()
	for i := 0; i < len(props.MemoryHeaps); i++ {
		heapObj := heapArray.Object()
		heapObj.Name("Flags").Int(int(props.MemoryHeaps[i].Flags))
		heapObj.Name("Size").Int(props.MemoryHeaps[i].Size)
		heapObj.End()
	}
	heapArray.End()
}

// MemoryInfoJsonData populates a json object with the host table, the
// derived guest table, and the remapping state. Diagnostic use.
func (info *MemoryVirtualizationInfo) MemoryInfoJsonData(json jwriter.ObjectState) {
	json.Name("MemoryPropertiesSupported").Bool(info.MemoryPropertiesSupported)
	json.Name("DirectMemSupported").Bool(info.DirectMemSupported)
	json.Name("VirtioGpuNextSupported").Bool(info.VirtioGpuNextSupported)
	json.Name("VirtualizationSupported").Bool(info.VirtualizationSupported)

	hostObj := json.Name("HostMemoryProperties").Object()
	memoryPropertiesJsonData(&info.HostMemoryProperties, hostObj)
	hostObj.End()

	guestObj := json.Name("GuestMemoryProperties").Object()
	memoryPropertiesJsonData(&info.GuestMemoryProperties, guestObj)
	guestObj.End()

	advertiseBoth := json.Name("AdvertiseBothTypeIndices").Array()
	for i := 0; i < len(info.HostMemoryProperties.MemoryTypes); i++ {
		if info.MemoryTypeBitsShouldAdvertiseBoth[i] {
			advertiseBoth.Int(i)
		}
	}
	advertiseBoth.End()
}

// PrintDetailedMap writes the pool's backing blocks and their
// sub-allocation maps to writer as JSON. Diagnostic use.
func (p *HostMemPool) PrintDetailedMap(writer *jwriter.Writer) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		if len(p.blocks[typeIndex]) == 0 {
			continue
		}

		typeObj := objState.Name("Type " + strconv.Itoa(typeIndex)).Object()
		for blockIndex, block := range p.blocks[typeIndex] {
			blockObj := typeObj.Name(strconv.Itoa(blockIndex)).Object()
			block.SubAlloc.BlockJsonData(blockObj)
			blockObj.End()
		}
		typeObj.End()
	}
}

// BuildStatsString renders PrintDetailedMap to a string.
func (p *HostMemPool) BuildStatsString() string {
	writer := jwriter.NewWriter()
	p.PrintDetailedMap(&writer)

	return string(writer.Bytes())
}
