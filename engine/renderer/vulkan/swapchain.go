package vulkan

import (
	"errors"
	"fmt"
	"math"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

var errOutOfDate = errors.New("swapchain out of date")

/**
 * @brief gpu.Swapchain over a VkSwapchainKHR.
 *
 * The engine addresses back buffers by frame slot (frame % gpu.FrameCount). The
 * slot Resource of the current frame is rebound to whichever image the
 * presentation engine handed out, so the real image count does not matter.
 */
type Swapchain struct {
	device        *Device
	format        gpu.Format
	surfaceFormat vk.SurfaceFormat
	handle        vk.Swapchain
	extent        vk.Extent2D

	images []vk.Image
	views  []vk.ImageView
	// One per image, signaled by the submission that moves the image to present.
	renderComplete []vk.Semaphore
	signaled       []bool
	acquireFence   vk.Fence

	current uint32
	frame   uint32
	slots   [gpu.FrameCount]*Resource
}

var _ gpu.Swapchain = (*Swapchain)(nil)

func (d *Device) CreateSwapchain(width, height uint32, format gpu.Format) (gpu.Swapchain, error) {
	if err := DeviceQuerySwapchainSupport(d.physicalDevice, d.surface, &d.swapchainSupport); err != nil {
		return nil, err
	}
	s := &Swapchain{
		device:        d,
		format:        format,
		surfaceFormat: chooseSurfaceFormat(d.swapchainSupport.Formats, vulkanFormat(format, gpu.ResourceFlagAllowRenderTarget)),
	}
	if s.surfaceFormat.Format != vulkanFormat(format, gpu.ResourceFlagAllowRenderTarget) {
		core.LogWarn("surface does not offer %s, presenting with vulkan format %d", format, s.surfaceFormat.Format)
	}
	d.formatOverrides[format] = s.surfaceFormat.Format

	if res := vk.CreateFence(d.logicalDevice, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &s.acquireFence); res != vk.Success {
		return nil, vkError("vkCreateFence", res)
	}
	for i := range s.slots {
		desc := gpu.Texture2DDesc(fmt.Sprintf("backbuffer-%d", i), width, height, 1, 1, format)
		desc.Flags = gpu.ResourceFlagAllowRenderTarget
		desc.InitialState = gpu.StatePresent
		s.slots[i] = &Resource{
			device:    d,
			desc:      desc,
			id:        d.nextResourceID(),
			format:    s.surfaceFormat.Format,
			aspect:    vk.ImageAspectFlags(vk.ImageAspectColorBit),
			swapchain: s,
		}
	}

	if err := s.create(width, height); err != nil {
		s.Release()
		return nil, err
	}
	if err := s.acquire(); err != nil {
		s.Release()
		return nil, err
	}
	core.LogInfo("swapchain created: %dx%d, %d images", s.extent.Width, s.extent.Height, len(s.images))
	return s, nil
}

// chooseSurfaceFormat prefers the exact format, then 8-bit BGRA in sRGB space, then
// whatever the surface lists first.
func chooseSurfaceFormat(formats []vk.SurfaceFormat, want vk.Format) vk.SurfaceFormat {
	for _, f := range formats {
		if f.Format == want {
			return f
		}
	}
	for _, f := range formats {
		if f.Format == vk.FormatB8g8r8a8Unorm && f.ColorSpace == vk.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	return formats[0]
}

func choosePresentMode(modes []vk.PresentMode) vk.PresentMode {
	for _, mode := range modes {
		if mode == vk.PresentModeMailbox {
			return mode
		}
	}
	return vk.PresentModeFifo
}

func chooseExtent(caps vk.SurfaceCapabilities, width, height uint32) vk.Extent2D {
	if caps.CurrentExtent.Width != math.MaxUint32 {
		return caps.CurrentExtent
	}
	// Clamp to the value allowed by the GPU.
	return vk.Extent2D{
		Width:  MathClamp(width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: MathClamp(height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func (s *Swapchain) create(width, height uint32) error {
	d := s.device
	support := &d.swapchainSupport
	if err := DeviceQuerySwapchainSupport(d.physicalDevice, d.surface, support); err != nil {
		return err
	}
	caps := support.Capabilities
	s.extent = chooseExtent(caps, width, height)
	if s.extent.Width == 0 || s.extent.Height == 0 {
		return fmt.Errorf("%w: surface has no area", core.ErrSwapchainBooting)
	}
	usage := vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit)
	if caps.SupportedUsageFlags&usage != usage {
		return fmt.Errorf("%w: surface images cannot be cleared by transfer", gpu.ErrUnsupported)
	}

	imageCount := max(caps.MinImageCount+1, gpu.FrameCount)
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	info := vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface,
		MinImageCount:    imageCount,
		ImageFormat:      s.surfaceFormat.Format,
		ImageColorSpace:  s.surfaceFormat.ColorSpace,
		ImageExtent:      s.extent,
		ImageArrayLayers: 1,
		ImageUsage:       usage,
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      choosePresentMode(support.PresentModes),
		Clipped:          vk.True,
		OldSwapchain:     s.handle,
	}
	if d.families.GraphicsFamilyIndex != d.families.PresentFamilyIndex {
		info.ImageSharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = 2
		info.PQueueFamilyIndices = []uint32{
			uint32(d.families.GraphicsFamilyIndex),
			uint32(d.families.PresentFamilyIndex),
		}
	}

	var handle vk.Swapchain
	err := d.locks.SafeCall(SwapchainManagement, func() error {
		if res := vk.CreateSwapchain(d.logicalDevice, &info, nil, &handle); res != vk.Success {
			return vkError("vkCreateSwapchain", res)
		}
		return nil
	})
	s.destroyImages()
	if err != nil {
		return err
	}
	s.handle = handle

	var count uint32
	if res := vk.GetSwapchainImages(d.logicalDevice, s.handle, &count, nil); res != vk.Success {
		return vkError("vkGetSwapchainImages", res)
	}
	s.images = make([]vk.Image, count)
	if res := vk.GetSwapchainImages(d.logicalDevice, s.handle, &count, s.images); res != vk.Success {
		return vkError("vkGetSwapchainImages", res)
	}

	s.views = make([]vk.ImageView, count)
	s.renderComplete = make([]vk.Semaphore, count)
	s.signaled = make([]bool, count)
	for i := range s.images {
		if res := vk.CreateImageView(d.logicalDevice, &vk.ImageViewCreateInfo{
			SType:    vk.StructureTypeImageViewCreateInfo,
			Image:    s.images[i],
			ViewType: vk.ImageViewType2d,
			Format:   s.surfaceFormat.Format,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}, nil, &s.views[i]); res != vk.Success {
			return vkError("vkCreateImageView", res)
		}
		if res := vk.CreateSemaphore(d.logicalDevice, &vk.SemaphoreCreateInfo{
			SType: vk.StructureTypeSemaphoreCreateInfo,
		}, nil, &s.renderComplete[i]); res != vk.Success {
			return vkError("vkCreateSemaphore", res)
		}
	}

	for _, slot := range s.slots {
		slot.desc.Width = uint64(s.extent.Width)
		slot.desc.Height = s.extent.Height
	}

	// Frames start by transitioning their back buffer out of the present state.
	return d.immediate(func(cmd vk.CommandBuffer) {
		for i := range s.images {
			img := &Resource{image: s.images[i], aspect: vk.ImageAspectFlags(vk.ImageAspectColorBit), desc: gpu.ResourceDesc{MipLevels: 1, ArraySize: 1}}
			recordImageBarrier(cmd, img, vk.ImageLayoutUndefined, vk.ImageLayoutPresentSrc, 0, 0,
				vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit))
		}
	})
}

// destroyImages drops per-image objects and the retired swapchain handle.
func (s *Swapchain) destroyImages() {
	dev := s.device.logicalDevice
	for _, v := range s.views {
		vk.DestroyImageView(dev, v, nil)
	}
	for _, sem := range s.renderComplete {
		vk.DestroySemaphore(dev, sem, nil)
	}
	s.views, s.renderComplete, s.signaled, s.images = nil, nil, nil, nil
	if s.handle != nil {
		s.device.locks.SafeCall(SwapchainManagement, func() error {
			vk.DestroySwapchain(dev, s.handle, nil)
			return nil
		})
		s.handle = nil
	}
}

// acquire blocks until the presentation engine hands out the next image and binds
// it to the current slot.
func (s *Swapchain) acquire() error {
	dev := s.device.logicalDevice
	res := vk.AcquireNextImage(dev, s.handle, math.MaxUint64, nil, s.acquireFence, &s.current)
	switch res {
	case vk.Success, vk.Suboptimal:
	case vk.ErrorOutOfDate:
		return errOutOfDate
	default:
		return vkError("vkAcquireNextImage", res)
	}
	if res := vk.WaitForFences(dev, 1, []vk.Fence{s.acquireFence}, vk.True, math.MaxUint64); res != vk.Success {
		return vkError("vkWaitForFences", res)
	}
	vk.ResetFences(dev, 1, []vk.Fence{s.acquireFence})

	slot := s.slots[s.frame%gpu.FrameCount]
	slot.image = s.images[s.current]
	slot.views = s.views[s.current : s.current+1]
	slot.index = s.current
	return nil
}

func (s *Swapchain) CurrentBackBufferIndex() uint32 {
	return s.frame % gpu.FrameCount
}

func (s *Swapchain) BackBuffer(index uint32) gpu.Resource {
	return s.slots[index%gpu.FrameCount]
}

/**
 * @brief Presents the current image and acquires the next one. When the surface
 * changed underneath, the swapchain is rebuilt and an error wrapping
 * core.ErrSwapchainBooting tells the caller to skip to the next frame.
 */
func (s *Swapchain) Present() error {
	d := s.device
	info := vk.PresentInfo{
		SType:          vk.StructureTypePresentInfo,
		SwapchainCount: 1,
		PSwapchains:    []vk.Swapchain{s.handle},
		PImageIndices:  []uint32{s.current},
	}
	if s.signaled[s.current] {
		info.WaitSemaphoreCount = 1
		info.PWaitSemaphores = []vk.Semaphore{s.renderComplete[s.current]}
		s.signaled[s.current] = false
	}

	var res vk.Result
	d.locks.SafeQueueCall(uint32(d.families.PresentFamilyIndex), func() error {
		res = vk.QueuePresent(d.presentQueue, &info)
		return nil
	})
	s.frame++

	switch res {
	case vk.Success:
		if err := s.acquire(); !errors.Is(err, errOutOfDate) {
			return err
		}
	case vk.Suboptimal, vk.ErrorOutOfDate:
	default:
		return vkError("vkQueuePresent", res)
	}
	return s.rebuild(s.extent.Width, s.extent.Height)
}

func (s *Swapchain) rebuild(width, height uint32) error {
	vk.DeviceWaitIdle(s.device.logicalDevice)
	if err := s.create(width, height); err != nil {
		return err
	}
	if err := s.acquire(); err != nil {
		return err
	}
	return fmt.Errorf("%w: recreated at %dx%d", core.ErrSwapchainBooting, s.extent.Width, s.extent.Height)
}

func (s *Swapchain) Resize(width, height uint32) error {
	vk.DeviceWaitIdle(s.device.logicalDevice)
	s.frame = 0
	if err := s.create(width, height); err != nil {
		return err
	}
	return s.acquire()
}

func (s *Swapchain) Release() {
	d := s.device
	vk.DeviceWaitIdle(d.logicalDevice)
	s.destroyImages()
	if s.acquireFence != nil {
		vk.DestroyFence(d.logicalDevice, s.acquireFence, nil)
		s.acquireFence = nil
	}
}
