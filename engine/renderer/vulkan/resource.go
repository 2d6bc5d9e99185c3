package vulkan

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// vulkanFormat maps an engine format to its Vulkan counterpart. Typeless and
// depth formats of depth-stencil resources are stored as D32.
func vulkanFormat(f gpu.Format, flags gpu.ResourceFlags) vk.Format {
	switch f {
	case gpu.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case gpu.FormatR8G8B8A8UnormSRGB:
		return vk.FormatR8g8b8a8Srgb
	case gpu.FormatR32Float, gpu.FormatR32Typeless:
		if flags&gpu.ResourceFlagAllowDepthStencil != 0 {
			return vk.FormatD32Sfloat
		}
		return vk.FormatR32Sfloat
	case gpu.FormatD32Float:
		return vk.FormatD32Sfloat
	case gpu.FormatR16G16B16A16Float:
		return vk.FormatR16g16b16a16Sfloat
	case gpu.FormatR32Uint:
		return vk.FormatR32Uint
	}
	return vk.FormatUndefined
}

func isDepthFormat(f vk.Format) bool {
	return f == vk.FormatD32Sfloat || f == vk.FormatD32SfloatS8Uint || f == vk.FormatD24UnormS8Uint
}

// imageLayout is the layout an image is kept in while in state s.
func imageLayout(s gpu.ResourceState) vk.ImageLayout {
	switch s {
	case gpu.StateCopyDest:
		return vk.ImageLayoutTransferDstOptimal
	case gpu.StateCopySource:
		return vk.ImageLayoutTransferSrcOptimal
	case gpu.StateGenericRead, gpu.StateShaderResource:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case gpu.StateDepthWrite:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case gpu.StateRenderTarget:
		return vk.ImageLayoutColorAttachmentOptimal
	case gpu.StatePresent:
		return vk.ImageLayoutPresentSrc
	}
	// Common and UnorderedAccess
	return vk.ImageLayoutGeneral
}

// accessMask and stageMask describe which work touches a resource in state s.
func accessMask(s gpu.ResourceState) vk.AccessFlags {
	switch s {
	case gpu.StateCopyDest:
		return vk.AccessFlags(vk.AccessTransferWriteBit)
	case gpu.StateCopySource:
		return vk.AccessFlags(vk.AccessTransferReadBit)
	case gpu.StateGenericRead:
		return vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessUniformReadBit | vk.AccessVertexAttributeReadBit | vk.AccessIndexReadBit)
	case gpu.StateShaderResource:
		return vk.AccessFlags(vk.AccessShaderReadBit)
	case gpu.StateUnorderedAccess:
		return vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit)
	case gpu.StateDepthWrite:
		return vk.AccessFlags(vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit)
	case gpu.StateRenderTarget:
		return vk.AccessFlags(vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit)
	case gpu.StateCommon:
		return vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit)
	}
	return 0
}

func stageMask(s gpu.ResourceState) vk.PipelineStageFlags {
	switch s {
	case gpu.StateCopyDest, gpu.StateCopySource:
		return vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case gpu.StateGenericRead:
		return vk.PipelineStageFlags(vk.PipelineStageVertexInputBit | vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit)
	case gpu.StateShaderResource:
		return vk.PipelineStageFlags(vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit)
	case gpu.StateUnorderedAccess:
		return vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)
	case gpu.StateDepthWrite:
		return vk.PipelineStageFlags(vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit)
	case gpu.StateRenderTarget:
		return vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
	case gpu.StatePresent:
		return vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)
	}
	return vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
}

/**
 * @brief A committed buffer or image with its own device memory. Upload-heap
 * buffers stay mapped for their whole life.
 */
type Resource struct {
	device *Device
	desc   gpu.ResourceDesc
	id     uint64

	buffer vk.Buffer
	image  vk.Image
	memory vk.DeviceMemory
	format vk.Format
	aspect vk.ImageAspectFlags
	// sampled covers every mip and layer; views holds one attachment view per layer.
	sampled vk.ImageView
	views   []vk.ImageView
	// Set for swapchain images, which the swapchain owns.
	swapchain *Swapchain
	index     uint32

	mapped   []byte
	mapCount atomic.Int32
	released atomic.Bool
}

var _ gpu.Resource = (*Resource)(nil)

func (r *Resource) Desc() gpu.ResourceDesc {
	return r.desc
}

func (r *Resource) Map() ([]byte, error) {
	if r.mapped == nil {
		return nil, fmt.Errorf("%w: %s", gpu.ErrNotMappable, r.desc.Name)
	}
	r.mapCount.Add(1)
	return r.mapped, nil
}

// Unmap only balances Map; the memory itself stays mapped until Release.
func (r *Resource) Unmap() {
	r.mapCount.Add(-1)
}

// GPUAddress is a stable identifier; Vulkan bindings go through handles, not addresses.
func (r *Resource) GPUAddress() uint64 {
	return r.id << 32
}

func (r *Resource) Release() {
	if r.swapchain != nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	dev := r.device.logicalDevice
	for _, v := range r.views {
		vk.DestroyImageView(dev, v, nil)
	}
	r.views = nil
	if r.sampled != nil {
		vk.DestroyImageView(dev, r.sampled, nil)
		r.sampled = nil
	}
	if r.buffer != nil {
		vk.DestroyBuffer(dev, r.buffer, nil)
		r.buffer = nil
	}
	if r.image != nil {
		vk.DestroyImage(dev, r.image, nil)
		r.image = nil
	}
	if r.mapped != nil {
		vk.UnmapMemory(dev, r.memory)
		r.mapped = nil
	}
	if r.memory != nil {
		vk.FreeMemory(dev, r.memory, nil)
		r.memory = nil
	}
}

func (r *Resource) isImage() bool {
	return r.desc.Dimension == gpu.DimensionTexture2D
}

func (r *Resource) width() uint32 {
	return uint32(r.desc.Width)
}

func (r *Resource) height() uint32 {
	return r.desc.Height
}

func (r *Resource) subresourceRange() vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask: r.aspect,
		LevelCount: uint32(r.desc.MipLevels),
		LayerCount: uint32(r.desc.ArraySize),
	}
}

// attachmentView is the view used when the resource is bound as a render target.
func (r *Resource) attachmentView() vk.ImageView {
	if len(r.views) == 0 {
		return nil
	}
	return r.views[0]
}

func bufferUsage() vk.BufferUsageFlags {
	usage := vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit |
		vk.BufferUsageVertexBufferBit | vk.BufferUsageIndexBufferBit |
		vk.BufferUsageStorageBufferBit
	return vk.BufferUsageFlags(usage)
}

func imageUsage(desc gpu.ResourceDesc) vk.ImageUsageFlags {
	usage := vk.ImageUsageTransferDstBit | vk.ImageUsageTransferSrcBit | vk.ImageUsageSampledBit
	if desc.Flags&gpu.ResourceFlagAllowDepthStencil != 0 {
		usage |= vk.ImageUsageDepthStencilAttachmentBit
	}
	if desc.Flags&gpu.ResourceFlagAllowRenderTarget != 0 {
		usage |= vk.ImageUsageColorAttachmentBit
	}
	if desc.Flags&gpu.ResourceFlagAllowUnordered != 0 {
		usage |= vk.ImageUsageStorageBit
	}
	return vk.ImageUsageFlags(usage)
}

func (d *Device) createBuffer(desc gpu.ResourceDesc) (*Resource, error) {
	if desc.Width == 0 {
		return nil, fmt.Errorf("%w: %s has zero size", gpu.ErrInvalidResource, desc.Name)
	}
	r := &Resource{device: d, desc: desc, id: d.nextResourceID()}

	sharing, families := d.sharing()
	if res := vk.CreateBuffer(d.logicalDevice, &vk.BufferCreateInfo{
		SType:                 vk.StructureTypeBufferCreateInfo,
		Size:                  vk.DeviceSize(desc.Width),
		Usage:                 bufferUsage(),
		SharingMode:           sharing,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
	}, nil, &r.buffer); res != vk.Success {
		return nil, vkError("vkCreateBuffer "+desc.Name, res)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logicalDevice, r.buffer, &reqs)
	reqs.Deref()

	props := vk.MemoryPropertyDeviceLocalBit
	if desc.Heap == gpu.HeapUpload {
		props = vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	}
	if err := d.allocate(r, reqs, props); err != nil {
		r.Release()
		return nil, err
	}
	if res := vk.BindBufferMemory(d.logicalDevice, r.buffer, r.memory, 0); res != vk.Success {
		r.Release()
		return nil, vkError("vkBindBufferMemory "+desc.Name, res)
	}

	if desc.Heap == gpu.HeapUpload {
		var ptr unsafe.Pointer
		if res := vk.MapMemory(d.logicalDevice, r.memory, 0, vk.DeviceSize(desc.Width), 0, &ptr); res != vk.Success {
			r.Release()
			return nil, vkError("vkMapMemory "+desc.Name, res)
		}
		r.mapped = unsafe.Slice((*byte)(ptr), int(desc.Width))
		clear(r.mapped)
	}
	return r, nil
}

func (d *Device) createImage(desc gpu.ResourceDesc) (*Resource, error) {
	if desc.Width == 0 || desc.Height == 0 || desc.ArraySize == 0 || desc.MipLevels == 0 {
		return nil, fmt.Errorf("%w: %s has an empty extent", gpu.ErrInvalidResource, desc.Name)
	}
	format := vulkanFormat(desc.Format, desc.Flags)
	if format == vk.FormatUndefined {
		return nil, fmt.Errorf("%w: %s uses format %s", gpu.ErrUnsupported, desc.Name, desc.Format)
	}
	if desc.Heap == gpu.HeapUpload {
		return nil, fmt.Errorf("%w: textures cannot live in an upload heap", gpu.ErrUnsupported)
	}

	r := &Resource{device: d, desc: desc, id: d.nextResourceID(), format: format}
	r.aspect = vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if isDepthFormat(format) {
		r.aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}

	sharing, families := d.sharing()
	if res := vk.CreateImage(d.logicalDevice, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  r.width(),
			Height: r.height(),
			Depth:  1,
		},
		MipLevels:             uint32(desc.MipLevels),
		ArrayLayers:           uint32(desc.ArraySize),
		Samples:               vk.SampleCount1Bit,
		Tiling:                vk.ImageTilingOptimal,
		Usage:                 imageUsage(desc),
		SharingMode:           sharing,
		QueueFamilyIndexCount: uint32(len(families)),
		PQueueFamilyIndices:   families,
		InitialLayout:         vk.ImageLayoutUndefined,
	}, nil, &r.image); res != vk.Success {
		return nil, vkError("vkCreateImage "+desc.Name, res)
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.logicalDevice, r.image, &reqs)
	reqs.Deref()
	if err := d.allocate(r, reqs, vk.MemoryPropertyDeviceLocalBit); err != nil {
		r.Release()
		return nil, err
	}
	if res := vk.BindImageMemory(d.logicalDevice, r.image, r.memory, 0); res != vk.Success {
		r.Release()
		return nil, vkError("vkBindImageMemory "+desc.Name, res)
	}
	if err := d.createViews(r); err != nil {
		r.Release()
		return nil, err
	}

	// Move the image out of UNDEFINED so barriers can start at the declared state.
	if err := d.immediate(func(cmd vk.CommandBuffer) {
		recordImageBarrier(cmd, r, vk.ImageLayoutUndefined, imageLayout(desc.InitialState),
			0, accessMask(desc.InitialState),
			vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), stageMask(desc.InitialState))
	}); err != nil {
		r.Release()
		return nil, err
	}
	return r, nil
}

func (d *Device) createViews(r *Resource) error {
	viewType := vk.ImageViewType2d
	if r.desc.ArraySize > 1 {
		viewType = vk.ImageViewType2dArray
	}
	if res := vk.CreateImageView(d.logicalDevice, &vk.ImageViewCreateInfo{
		SType:            vk.StructureTypeImageViewCreateInfo,
		Image:            r.image,
		ViewType:         viewType,
		Format:           r.format,
		SubresourceRange: r.subresourceRange(),
	}, nil, &r.sampled); res != vk.Success {
		return vkError("vkCreateImageView "+r.desc.Name, res)
	}

	if r.desc.Flags&(gpu.ResourceFlagAllowDepthStencil|gpu.ResourceFlagAllowRenderTarget) == 0 {
		return nil
	}
	r.views = make([]vk.ImageView, r.desc.ArraySize)
	for layer := range r.views {
		if res := vk.CreateImageView(d.logicalDevice, &vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    r.image,
			ViewType: vk.ImageViewType2d,
			Format:   r.format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask:     r.aspect,
				LevelCount:     1,
				BaseArrayLayer: uint32(layer),
				LayerCount:     1,
			},
		}, nil, &r.views[layer]); res != vk.Success {
			return vkError("vkCreateImageView "+r.desc.Name, res)
		}
	}
	return nil
}

func (d *Device) allocate(r *Resource, reqs vk.MemoryRequirements, props vk.MemoryPropertyFlagBits) error {
	index := d.FindMemoryIndex(reqs.MemoryTypeBits, uint32(props))
	if index < 0 {
		return fmt.Errorf("%w: no memory type for %s", gpu.ErrInvalidResource, r.desc.Name)
	}
	if res := vk.AllocateMemory(d.logicalDevice, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: uint32(index),
	}, nil, &r.memory); res != vk.Success {
		return vkError("vkAllocateMemory "+r.desc.Name, res)
	}
	return nil
}

// FindMemoryIndex picks the first memory type allowed by typeFilter that has every property flag.
func (d *Device) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		d.memory.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(d.memory.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	return -1
}

func recordImageBarrier(cmd vk.CommandBuffer, r *Resource, from, to vk.ImageLayout, srcAccess, dstAccess vk.AccessFlags, srcStage, dstStage vk.PipelineStageFlags) {
	vk.CmdPipelineBarrier(cmd, srcStage, dstStage, 0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		OldLayout:           from,
		NewLayout:           to,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               r.image,
		SubresourceRange:    r.subresourceRange(),
	}})
}

func recordBufferBarrier(cmd vk.CommandBuffer, r *Resource, srcAccess, dstAccess vk.AccessFlags, srcStage, dstStage vk.PipelineStageFlags) {
	vk.CmdPipelineBarrier(cmd, srcStage, dstStage, 0, 0, nil, 1, []vk.BufferMemoryBarrier{{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              r.buffer,
		Size:                vk.DeviceSize(vk.WholeSize),
	}}, 0, nil)
}
