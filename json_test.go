package hostvirt

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func TestMemoryInfoJsonData(t *testing.T) {
	var info MemoryVirtualizationInfo
	info.Init(testLogger(), nil, testHostProperties(), directMemFeatures())

	writer := jwriter.NewWriter()
	obj := writer.Object()
	info.MemoryInfoJsonData(obj)
	obj.End()

	rendered := writer.Bytes()
	require.True(t, json.Valid(rendered), string(rendered))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rendered, &decoded))
	require.Equal(t, true, decoded["VirtualizationSupported"])

	guestTable := decoded["GuestMemoryProperties"].(map[string]any)
	require.Equal(t, float64(6), guestTable["MemoryTypeCount"])
	require.Equal(t, float64(3), guestTable["MemoryHeapCount"])

	// Host type 1 is device-local and host-visible, so its split advertises
	// both indices
	require.Equal(t, []any{float64(1)}, decoded["AdvertiseBothTypeIndices"])
}
