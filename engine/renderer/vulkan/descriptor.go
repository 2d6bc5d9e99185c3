package vulkan

import (
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

const (
	// Layout of the single descriptor set every heap allocates.
	bindingBuffers  = 0
	bindingTextures = 1
	bindingSamplers = 2

	samplerLinearWrap = 0
	samplerShadow     = 1
	samplerCount      = 2

	// descriptorIncrement is the handle distance between two slots of a heap.
	descriptorIncrement = 32
	// descriptorHeapShift places each heap in its own handle range.
	descriptorHeapShift = 32
)

// descriptorIndex decodes a handle produced by DescriptorHeap.GPUStart.
func descriptorIndex(handle uint64) (heap uint64, index uint32) {
	heap = handle >> descriptorHeapShift
	offset := handle - heap<<descriptorHeapShift
	return heap, uint32(offset / descriptorIncrement)
}

/**
 * @brief A shader-visible descriptor table backed by one VkDescriptorSet. Constant
 * buffer views are read-only storage buffers in binding 0 and shader resource views
 * are sampled images in binding 1, both indexed by slot.
 */
type DescriptorHeap struct {
	device   *Device
	id       uint64
	capacity uint32
	set      vk.DescriptorSet

	mu          sync.Mutex
	descriptors []gpu.Descriptor
}

var _ gpu.DescriptorHeap = (*DescriptorHeap)(nil)

func (d *Device) CreateDescriptorHeap(capacity uint32) (gpu.DescriptorHeap, error) {
	if capacity == 0 || capacity > d.maxDescriptors {
		return nil, fmt.Errorf("%w: %d (device supports up to %d)", gpu.ErrInvalidDescriptorHeap, capacity, d.maxDescriptors)
	}
	h := &DescriptorHeap{
		device:      d,
		id:          d.nextHeapID(),
		capacity:    capacity,
		descriptors: make([]gpu.Descriptor, capacity),
	}

	err := d.locks.SafeCall(DescriptorManagement, func() error {
		if res := vk.AllocateDescriptorSets(d.logicalDevice, &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     d.descriptorPool,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{d.setLayout},
		}, &h.set); res != vk.Success {
			return vkError("vkAllocateDescriptorSets", res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Every element must be valid before the set is bound, so point the whole
	// set at placeholders first.
	buffers := make([]vk.DescriptorBufferInfo, d.maxDescriptors)
	images := make([]vk.DescriptorImageInfo, d.maxDescriptors)
	for i := range buffers {
		buffers[i] = d.nullBufferInfo()
		images[i] = d.nullImageInfo()
	}
	samplers := make([]vk.DescriptorImageInfo, samplerCount)
	for i := range samplers {
		samplers[i] = vk.DescriptorImageInfo{Sampler: d.samplers[i]}
	}
	vk.UpdateDescriptorSets(d.logicalDevice, 3, []vk.WriteDescriptorSet{
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          h.set,
			DstBinding:      bindingBuffers,
			DescriptorCount: uint32(len(buffers)),
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			PBufferInfo:     buffers,
		},
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          h.set,
			DstBinding:      bindingTextures,
			DescriptorCount: uint32(len(images)),
			DescriptorType:  vk.DescriptorTypeSampledImage,
			PImageInfo:      images,
		},
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          h.set,
			DstBinding:      bindingSamplers,
			DescriptorCount: samplerCount,
			DescriptorType:  vk.DescriptorTypeSampler,
			PImageInfo:      samplers,
		},
	}, 0, nil)

	d.registerHeap(h)
	return h, nil
}

func (h *DescriptorHeap) Capacity() uint32 {
	return h.capacity
}

func (h *DescriptorHeap) IncrementSize() uint32 {
	return descriptorIncrement
}

func (h *DescriptorHeap) GPUStart() uint64 {
	return h.id << descriptorHeapShift
}

func (h *DescriptorHeap) WriteCBV(index uint32, res gpu.Resource, size uint32) error {
	if index >= h.capacity {
		return fmt.Errorf("%w: %d of %d", gpu.ErrDescriptorOutOfRange, index, h.capacity)
	}
	r, ok := res.(*Resource)
	if !ok || r.buffer == nil {
		return fmt.Errorf("%w: constant buffer view needs a buffer", gpu.ErrInvalidResource)
	}
	h.write(vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.set,
		DstBinding:      bindingBuffers,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeStorageBuffer,
		PBufferInfo: []vk.DescriptorBufferInfo{{
			Buffer: r.buffer,
			Range:  vk.DeviceSize(size),
		}},
	})
	h.record(index, gpu.Descriptor{Kind: gpu.DescriptorCBV, Resource: res, Size: size})
	return nil
}

func (h *DescriptorHeap) WriteSRV(index uint32, res gpu.Resource, format gpu.Format) error {
	if index >= h.capacity {
		return fmt.Errorf("%w: %d of %d", gpu.ErrDescriptorOutOfRange, index, h.capacity)
	}
	r, ok := res.(*Resource)
	if !ok || r.sampled == nil {
		return fmt.Errorf("%w: shader resource view needs a texture", gpu.ErrInvalidResource)
	}
	h.write(vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.set,
		DstBinding:      bindingTextures,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeSampledImage,
		PImageInfo: []vk.DescriptorImageInfo{{
			ImageView:   r.sampled,
			ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
		}},
	})
	h.record(index, gpu.Descriptor{Kind: gpu.DescriptorSRV, Resource: res, Format: format})
	return nil
}

func (h *DescriptorHeap) WriteNullSRV(index uint32, format gpu.Format) error {
	if index >= h.capacity {
		return fmt.Errorf("%w: %d of %d", gpu.ErrDescriptorOutOfRange, index, h.capacity)
	}
	h.write(vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.set,
		DstBinding:      bindingTextures,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeSampledImage,
		PImageInfo:      []vk.DescriptorImageInfo{h.device.nullImageInfo()},
	})
	h.record(index, gpu.Descriptor{Kind: gpu.DescriptorSRV, Format: format})
	return nil
}

func (h *DescriptorHeap) Descriptor(index uint32) (gpu.Descriptor, error) {
	if index >= h.capacity {
		return gpu.Descriptor{}, fmt.Errorf("%w: %d of %d", gpu.ErrDescriptorOutOfRange, index, h.capacity)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.descriptors[index], nil
}

func (h *DescriptorHeap) Release() {
	h.device.unregisterHeap(h)
	if h.set == nil {
		return
	}
	_ = h.device.locks.SafeCall(DescriptorManagement, func() error {
		vk.FreeDescriptorSets(h.device.logicalDevice, h.device.descriptorPool, 1, &h.set)
		return nil
	})
	h.set = nil
}

// vkUpdateDescriptorSets must not race with itself on the same set.
func (h *DescriptorHeap) write(w vk.WriteDescriptorSet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vk.UpdateDescriptorSets(h.device.logicalDevice, 1, []vk.WriteDescriptorSet{w}, 0, nil)
}

func (h *DescriptorHeap) record(index uint32, desc gpu.Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.descriptors[index] = desc
}

// createDescriptorLayout builds the set layout, pool and samplers shared by every heap.
func (d *Device) createDescriptorLayout() error {
	stages := vk.ShaderStageFlags(vk.ShaderStageVertexBit | vk.ShaderStageFragmentBit | vk.ShaderStageComputeBit)
	bindings := []vk.DescriptorSetLayoutBinding{
		{
			Binding:         bindingBuffers,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: d.maxDescriptors,
			StageFlags:      stages,
		},
		{
			Binding:         bindingTextures,
			DescriptorType:  vk.DescriptorTypeSampledImage,
			DescriptorCount: d.maxDescriptors,
			StageFlags:      stages,
		},
		{
			Binding:         bindingSamplers,
			DescriptorType:  vk.DescriptorTypeSampler,
			DescriptorCount: samplerCount,
			StageFlags:      stages,
		},
	}
	if res := vk.CreateDescriptorSetLayout(d.logicalDevice, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}, nil, &d.setLayout); res != vk.Success {
		return vkError("vkCreateDescriptorSetLayout", res)
	}

	pools := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: d.maxDescriptors * maxDescriptorHeaps},
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: d.maxDescriptors * maxDescriptorHeaps},
		{Type: vk.DescriptorTypeSampler, DescriptorCount: samplerCount * maxDescriptorHeaps},
	}
	if res := vk.CreateDescriptorPool(d.logicalDevice, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       maxDescriptorHeaps,
		PoolSizeCount: uint32(len(pools)),
		PPoolSizes:    pools,
	}, nil, &d.descriptorPool); res != vk.Success {
		return vkError("vkCreateDescriptorPool", res)
	}

	samplerInfos := [samplerCount]vk.SamplerCreateInfo{
		samplerLinearWrap: {
			SType:            vk.StructureTypeSamplerCreateInfo,
			MagFilter:        vk.FilterLinear,
			MinFilter:        vk.FilterLinear,
			MipmapMode:       vk.SamplerMipmapModeLinear,
			AddressModeU:     vk.SamplerAddressModeRepeat,
			AddressModeV:     vk.SamplerAddressModeRepeat,
			AddressModeW:     vk.SamplerAddressModeRepeat,
			AnisotropyEnable: d.features.SamplerAnisotropy,
			MaxAnisotropy:    d.properties.Limits.MaxSamplerAnisotropy,
			MaxLod:           16,
			BorderColor:      vk.BorderColorFloatOpaqueBlack,
		},
		samplerShadow: {
			SType:         vk.StructureTypeSamplerCreateInfo,
			MagFilter:     vk.FilterLinear,
			MinFilter:     vk.FilterLinear,
			MipmapMode:    vk.SamplerMipmapModeNearest,
			AddressModeU:  vk.SamplerAddressModeClampToBorder,
			AddressModeV:  vk.SamplerAddressModeClampToBorder,
			AddressModeW:  vk.SamplerAddressModeClampToBorder,
			CompareEnable: vk.True,
			CompareOp:     vk.CompareOpLessOrEqual,
			BorderColor:   vk.BorderColorFloatOpaqueWhite,
		},
	}
	for i := range samplerInfos {
		if res := vk.CreateSampler(d.logicalDevice, &samplerInfos[i], nil, &d.samplers[i]); res != vk.Success {
			return vkError("vkCreateSampler", res)
		}
	}

	// Placeholders that fill unwritten slots. They read as zero.
	var err error
	if d.nullBuffer, err = d.createBuffer(gpu.BufferDesc("null-cbv", gpu.CBVAlignment, gpu.HeapUpload)); err != nil {
		return err
	}
	nullDesc := gpu.Texture2DDesc("null-srv", 1, 1, 1, 1, gpu.FormatR8G8B8A8Unorm)
	nullDesc.InitialState = gpu.StateShaderResource
	if d.nullImage, err = d.createImage(nullDesc); err != nil {
		return err
	}
	return nil
}

func (d *Device) destroyDescriptorLayout() {
	if d.nullImage != nil {
		d.nullImage.Release()
	}
	if d.nullBuffer != nil {
		d.nullBuffer.Release()
	}
	for i := range d.samplers {
		if d.samplers[i] != nil {
			vk.DestroySampler(d.logicalDevice, d.samplers[i], nil)
			d.samplers[i] = nil
		}
	}
	if d.descriptorPool != nil {
		vk.DestroyDescriptorPool(d.logicalDevice, d.descriptorPool, nil)
		d.descriptorPool = nil
	}
	if d.setLayout != nil {
		vk.DestroyDescriptorSetLayout(d.logicalDevice, d.setLayout, nil)
		d.setLayout = nil
	}
}

func (d *Device) nullBufferInfo() vk.DescriptorBufferInfo {
	return vk.DescriptorBufferInfo{
		Buffer: d.nullBuffer.buffer,
		Range:  vk.DeviceSize(gpu.CBVAlignment),
	}
}

func (d *Device) nullImageInfo() vk.DescriptorImageInfo {
	return vk.DescriptorImageInfo{
		ImageView:   d.nullImage.sampled,
		ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	}
}
