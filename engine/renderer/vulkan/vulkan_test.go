package vulkan

import (
	"errors"
	"sync"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

func TestPushConstantLayout(t *testing.T) {
	offsets, size, err := pushConstantLayout([]gpu.RootParameter{
		{Kind: gpu.RootParameterTable, RangeType: gpu.RangeCBV, NumDescriptors: 2},
		{Kind: gpu.RootParameterConstants, Num32BitValues: 3},
		{Kind: gpu.RootParameterTable, RangeType: gpu.RangeSRV, NumDescriptors: 8},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 4, 16}, offsets)
	assert.Equal(t, uint32(20), size)

	_, _, err = pushConstantLayout([]gpu.RootParameter{{Kind: gpu.RootParameterTable}})
	assert.ErrorIs(t, err, gpu.ErrInvalidRootSignature)
	_, _, err = pushConstantLayout([]gpu.RootParameter{{Kind: gpu.RootParameterConstants}})
	assert.ErrorIs(t, err, gpu.ErrInvalidRootSignature)
}

func TestParameterOffsetChecksKind(t *testing.T) {
	desc := gpu.RootSignatureDesc{
		Name: "rs",
		Parameters: []gpu.RootParameter{
			{Kind: gpu.RootParameterTable, NumDescriptors: 1},
			{Kind: gpu.RootParameterConstants, Num32BitValues: 2},
		},
	}
	offsets, _, err := pushConstantLayout(desc.Parameters)
	require.NoError(t, err)
	rs := &RootSignature{desc: desc, offsets: offsets}

	off, ok := rs.parameterOffset(1, gpu.RootParameterConstants)
	assert.True(t, ok)
	assert.Equal(t, uint32(4), off)

	_, ok = rs.parameterOffset(1, gpu.RootParameterTable)
	assert.False(t, ok)
	_, ok = rs.parameterOffset(7, gpu.RootParameterTable)
	assert.False(t, ok)
}

func TestDescriptorIndexRoundTrip(t *testing.T) {
	heap := &DescriptorHeap{id: 3, capacity: 16}
	start := heap.GPUStart()

	id, index := descriptorIndex(start)
	assert.Equal(t, uint64(3), id)
	assert.Equal(t, uint32(0), index)

	id, index = descriptorIndex(start + 5*uint64(heap.IncrementSize()))
	assert.Equal(t, uint64(3), id)
	assert.Equal(t, uint32(5), index)
}

func TestImageLayoutForStates(t *testing.T) {
	cases := map[gpu.ResourceState]vk.ImageLayout{
		gpu.StateCommon:          vk.ImageLayoutGeneral,
		gpu.StateUnorderedAccess: vk.ImageLayoutGeneral,
		gpu.StateCopyDest:        vk.ImageLayoutTransferDstOptimal,
		gpu.StateCopySource:      vk.ImageLayoutTransferSrcOptimal,
		gpu.StateShaderResource:  vk.ImageLayoutShaderReadOnlyOptimal,
		gpu.StateDepthWrite:      vk.ImageLayoutDepthStencilAttachmentOptimal,
		gpu.StateRenderTarget:    vk.ImageLayoutColorAttachmentOptimal,
		gpu.StatePresent:         vk.ImageLayoutPresentSrc,
	}
	for state, layout := range cases {
		assert.Equal(t, layout, imageLayout(state), "state %d", state)
	}
}

func TestVulkanFormat(t *testing.T) {
	assert.Equal(t, vk.FormatR8g8b8a8Unorm, vulkanFormat(gpu.FormatR8G8B8A8Unorm, gpu.ResourceFlagNone))
	assert.Equal(t, vk.FormatR32Sfloat, vulkanFormat(gpu.FormatR32Float, gpu.ResourceFlagNone))
	// Shadow maps are typeless with a depth flag.
	assert.Equal(t, vk.FormatD32Sfloat, vulkanFormat(gpu.FormatR32Typeless, gpu.ResourceFlagAllowDepthStencil))
	assert.Equal(t, vk.FormatD32Sfloat, vulkanFormat(gpu.FormatD32Float, gpu.ResourceFlagNone))
	assert.Equal(t, vk.FormatUndefined, vulkanFormat(gpu.FormatUnknown, gpu.ResourceFlagNone))

	assert.True(t, isDepthFormat(vk.FormatD32Sfloat))
	assert.False(t, isDepthFormat(vk.FormatR32Sfloat))
}

func TestSelectQueueFamiliesPrefersDedicatedQueues(t *testing.T) {
	families := []vk.QueueFamilyProperties{
		{QueueFlags: vk.QueueFlags(vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit)},
		{QueueFlags: vk.QueueFlags(vk.QueueComputeBit | vk.QueueTransferBit)},
		{QueueFlags: vk.QueueFlags(vk.QueueTransferBit)},
	}
	info := selectQueueFamilies(families, func(index uint32) bool { return index == 0 })

	assert.Equal(t, int32(0), info.GraphicsFamilyIndex)
	assert.Equal(t, int32(0), info.PresentFamilyIndex)
	assert.Equal(t, int32(1), info.ComputeFamilyIndex)
	assert.Equal(t, int32(2), info.TransferFamilyIndex)
	assert.Equal(t, []uint32{0, 1, 2}, uniqueFamilies(info))
}

func TestSelectQueueFamiliesFallsBackToGraphics(t *testing.T) {
	families := []vk.QueueFamilyProperties{
		{QueueFlags: vk.QueueFlags(vk.QueueGraphicsBit | vk.QueueComputeBit | vk.QueueTransferBit)},
	}
	info := selectQueueFamilies(families, func(uint32) bool { return false })

	assert.Equal(t, int32(0), info.GraphicsFamilyIndex)
	assert.Equal(t, int32(-1), info.PresentFamilyIndex)
	assert.Equal(t, int32(0), info.ComputeFamilyIndex)
	assert.Equal(t, int32(0), info.TransferFamilyIndex)
	assert.Equal(t, []uint32{0}, uniqueFamilies(info))
}

func TestChooseSurfaceFormat(t *testing.T) {
	bgra := vk.SurfaceFormat{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear}
	rgba := vk.SurfaceFormat{Format: vk.FormatR8g8b8a8Unorm, ColorSpace: vk.ColorSpaceSrgbNonlinear}
	other := vk.SurfaceFormat{Format: vk.FormatR16g16b16a16Sfloat}

	assert.Equal(t, rgba, chooseSurfaceFormat([]vk.SurfaceFormat{bgra, rgba}, vk.FormatR8g8b8a8Unorm))
	assert.Equal(t, bgra, chooseSurfaceFormat([]vk.SurfaceFormat{other, bgra}, vk.FormatR8g8b8a8Unorm))
	assert.Equal(t, other, chooseSurfaceFormat([]vk.SurfaceFormat{other}, vk.FormatR8g8b8a8Unorm))
}

func TestChooseExtentClampsWhenSurfaceLeavesItOpen(t *testing.T) {
	caps := vk.SurfaceCapabilities{
		CurrentExtent:  vk.Extent2D{Width: 0xFFFFFFFF, Height: 0xFFFFFFFF},
		MinImageExtent: vk.Extent2D{Width: 16, Height: 16},
		MaxImageExtent: vk.Extent2D{Width: 1024, Height: 1024},
	}
	assert.Equal(t, vk.Extent2D{Width: 1024, Height: 16}, chooseExtent(caps, 4096, 1))

	caps.CurrentExtent = vk.Extent2D{Width: 800, Height: 600}
	assert.Equal(t, vk.Extent2D{Width: 800, Height: 600}, chooseExtent(caps, 4096, 1))
}

func TestChoosePresentMode(t *testing.T) {
	assert.Equal(t, vk.PresentModeMailbox, choosePresentMode([]vk.PresentMode{vk.PresentModeFifo, vk.PresentModeMailbox}))
	assert.Equal(t, vk.PresentModeFifo, choosePresentMode([]vk.PresentMode{vk.PresentModeImmediate}))
}

func TestCopyListRejectsGraphicsCommands(t *testing.T) {
	cl := &CommandList{queue: &Queue{queueType: gpu.QueueCopy}, empty: true}

	cl.SetRenderTargets(nil, nil)
	assert.ErrorIs(t, cl.err, gpu.ErrWrongQueue)
	assert.True(t, cl.Empty())

	cl = &CommandList{queue: &Queue{queueType: gpu.QueueCopy}, empty: true}
	cl.Dispatch(1, 1, 1)
	assert.ErrorIs(t, cl.err, gpu.ErrWrongQueue)
}

func TestTableWithoutRootSignatureFails(t *testing.T) {
	cl := &CommandList{queue: &Queue{queueType: gpu.QueueDirect}, empty: true}
	cl.SetGraphicsRootDescriptorTable(0, 0)
	assert.ErrorIs(t, cl.err, gpu.ErrInvalidRootSignature)

	// Only the first error is kept.
	cl.SetGraphicsRoot32BitConstant(0, 1, 0)
	assert.ErrorIs(t, cl.err, gpu.ErrInvalidRootSignature)
	assert.True(t, cl.Empty())
}

func TestTableFromAnotherHeapFails(t *testing.T) {
	params := []gpu.RootParameter{{Kind: gpu.RootParameterTable, NumDescriptors: 4}}
	offsets, _, err := pushConstantLayout(params)
	require.NoError(t, err)

	cl := &CommandList{
		queue:    &Queue{queueType: gpu.QueueDirect},
		empty:    true,
		heap:     &DescriptorHeap{id: 1, capacity: 8},
		graphics: &RootSignature{desc: gpu.RootSignatureDesc{Parameters: params}, offsets: offsets},
	}
	other := &DescriptorHeap{id: 2, capacity: 8}
	cl.SetGraphicsRootDescriptorTable(0, other.GPUStart())
	assert.ErrorIs(t, cl.err, gpu.ErrDescriptorOutOfRange)
}

func TestClosedListRecordsError(t *testing.T) {
	cl := &CommandList{queue: &Queue{queueType: gpu.QueueDirect}, closed: true}
	assert.False(t, cl.ready())
	assert.ErrorIs(t, cl.err, gpu.ErrCommandListClosed)
}

func TestSafeCallSerializesGroup(t *testing.T) {
	pool := NewVulkanLockPool()
	counter := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.SafeCall(PipelineManagement, func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)

	boom := errors.New("boom")
	assert.ErrorIs(t, pool.SafeQueueCall(3, func() error { return boom }), boom)
}

func TestStringHelpers(t *testing.T) {
	assert.Equal(t, "main\x00", VulkanSafeString("main"))
	assert.Equal(t, "main\x00", VulkanSafeString("main\x00"))
	assert.Equal(t, []string{"a\x00", "b\x00"}, VulkanSafeStrings([]string{"a", "b\x00"}))
	assert.Equal(t, "ab", cString([]byte{'a', 'b', 0, 'c'}))
	assert.Equal(t, 3, FindFirstZeroInByteArray([]byte{1, 2, 3}))
}

func TestResultHelpers(t *testing.T) {
	assert.True(t, VulkanResultIsSuccess(vk.Suboptimal))
	assert.False(t, VulkanResultIsSuccess(vk.ErrorOutOfDate))
	assert.Equal(t, "VK_ERROR_OUT_OF_DATE_KHR", VulkanResultString(vk.ErrorOutOfDate, false))
	assert.ErrorIs(t, vkError("vkQueueSubmit", vk.ErrorDeviceLost), gpu.ErrDeviceRemoved)
}

func TestSpirvCodePadsWords(t *testing.T) {
	words := spirvCode([]byte{0x03, 0x02, 0x23, 0x07, 0x01})
	require.Len(t, words, 2)
	assert.Equal(t, uint32(0x07230203), words[0])
	assert.Equal(t, uint32(0x01), words[1])
	assert.Empty(t, spirvCode(nil))
}

func TestMathClamp(t *testing.T) {
	assert.Equal(t, uint32(5), MathClamp(1, 5, 10))
	assert.Equal(t, uint32(10), MathClamp(11, 5, 10))
	assert.Equal(t, uint32(7), MathClamp(7, 5, 10))
}
