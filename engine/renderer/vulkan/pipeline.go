package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// Every root signature shares one push-constant range visible to all stages.
const pushConstantStages = vk.ShaderStageFlags(vk.ShaderStageVertexBit | vk.ShaderStageFragmentBit | vk.ShaderStageComputeBit)

// pushConstantLayout places root parameters in push-constant space: a table takes
// one 32-bit index, a constants block takes its values.
func pushConstantLayout(params []gpu.RootParameter) (offsets []uint32, size uint32, err error) {
	offsets = make([]uint32, len(params))
	for i, p := range params {
		offsets[i] = size
		switch p.Kind {
		case gpu.RootParameterTable:
			if p.NumDescriptors == 0 {
				return nil, 0, fmt.Errorf("%w: parameter %d has an empty table", gpu.ErrInvalidRootSignature, i)
			}
			size += 4
		case gpu.RootParameterConstants:
			if p.Num32BitValues == 0 {
				return nil, 0, fmt.Errorf("%w: parameter %d has no constants", gpu.ErrInvalidRootSignature, i)
			}
			size += p.Num32BitValues * 4
		default:
			return nil, 0, fmt.Errorf("%w: parameter %d kind %d", gpu.ErrInvalidRootSignature, i, p.Kind)
		}
	}
	return offsets, size, nil
}

/**
 * @brief A pipeline layout over the shared descriptor set layout.
 */
type RootSignature struct {
	device  *Device
	desc    gpu.RootSignatureDesc
	layout  vk.PipelineLayout
	offsets []uint32
}

var _ gpu.RootSignature = (*RootSignature)(nil)

func (d *Device) CreateRootSignature(desc gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	offsets, size, err := pushConstantLayout(desc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Name, err)
	}
	if limit := d.properties.Limits.MaxPushConstantsSize; size > limit {
		return nil, fmt.Errorf("%w: %s needs %d bytes of push constants, device allows %d", gpu.ErrInvalidRootSignature, desc.Name, size, limit)
	}

	info := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{d.setLayout},
	}
	if size > 0 {
		info.PushConstantRangeCount = 1
		info.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: pushConstantStages,
			Size:       size,
		}}
	}

	rs := &RootSignature{device: d, desc: desc, offsets: offsets}
	if err := d.locks.SafeCall(PipelineManagement, func() error {
		if res := vk.CreatePipelineLayout(d.logicalDevice, &info, nil, &rs.layout); res != vk.Success {
			return vkError("vkCreatePipelineLayout "+desc.Name, res)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return rs, nil
}

func (rs *RootSignature) Desc() gpu.RootSignatureDesc {
	return rs.desc
}

// parameterOffset returns the push-constant offset of parameter i if it has the given kind.
func (rs *RootSignature) parameterOffset(i uint32, kind gpu.RootParameterKind) (uint32, bool) {
	if int(i) >= len(rs.desc.Parameters) || rs.desc.Parameters[i].Kind != kind {
		return 0, false
	}
	return rs.offsets[i], true
}

func (rs *RootSignature) Release() {
	if rs.layout == nil {
		return
	}
	d := rs.device
	d.locks.SafeCall(PipelineManagement, func() error {
		vk.DestroyPipelineLayout(d.logicalDevice, rs.layout, nil)
		rs.layout = nil
		return nil
	})
}

type PipelineState struct {
	device    *Device
	desc      gpu.PipelineStateDesc
	pipeline  vk.Pipeline
	bindPoint vk.PipelineBindPoint
}

var _ gpu.PipelineState = (*PipelineState)(nil)

func (p *PipelineState) Desc() gpu.PipelineStateDesc {
	return p.desc
}

func (p *PipelineState) Release() {
	if p.pipeline == nil {
		return
	}
	d := p.device
	d.locks.SafeCall(PipelineManagement, func() error {
		vk.DestroyPipeline(d.logicalDevice, p.pipeline, nil)
		p.pipeline = nil
		return nil
	})
}

func (d *Device) CreatePipelineState(desc gpu.PipelineStateDesc) (gpu.PipelineState, error) {
	rs, ok := desc.RootSignature.(*RootSignature)
	if !ok || rs == nil {
		return nil, fmt.Errorf("%w: %s has no vulkan root signature", gpu.ErrInvalidPipelineState, desc.Name)
	}
	if desc.IsCompute() {
		return d.createComputePipeline(desc, rs)
	}
	if len(desc.VertexShader) == 0 {
		return nil, fmt.Errorf("%w: %s has no vertex shader", gpu.ErrInvalidPipelineState, desc.Name)
	}
	return d.createGraphicsPipeline(desc, rs)
}

func (d *Device) createShaderModule(name string, code []byte) (vk.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes of SPIR-V", gpu.ErrInvalidPipelineState, name, len(code))
	}
	words := spirvCode(code)
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(d.logicalDevice, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(words) * 4),
		PCode:    words,
	}, nil, &module); res != vk.Success {
		return nil, vkError("vkCreateShaderModule "+name, res)
	}
	return module, nil
}

// Shaders size their descriptor arrays with specialization constant 0.
func (d *Device) shaderStage(stage vk.ShaderStageFlagBits, module vk.ShaderModule) vk.PipelineShaderStageCreateInfo {
	return vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  stage,
		Module: module,
		PName:  VulkanSafeString("main"),
		PSpecializationInfo: &vk.SpecializationInfo{
			MapEntryCount: 1,
			PMapEntries:   []vk.SpecializationMapEntry{{ConstantID: 0, Offset: 0, Size: 4}},
			DataSize:      4,
			PData:         unsafe.Pointer(&d.maxDescriptors),
		},
	}
}

func (d *Device) createComputePipeline(desc gpu.PipelineStateDesc, rs *RootSignature) (*PipelineState, error) {
	module, err := d.createShaderModule(desc.Name, desc.ComputeShader)
	if err != nil {
		return nil, err
	}
	defer vk.DestroyShaderModule(d.logicalDevice, module, nil)

	p := &PipelineState{device: d, desc: desc, bindPoint: vk.PipelineBindPointCompute}
	pipelines := make([]vk.Pipeline, 1)
	if err := d.locks.SafeCall(PipelineManagement, func() error {
		if res := vk.CreateComputePipelines(d.logicalDevice, d.pipelineCache, 1, []vk.ComputePipelineCreateInfo{{
			SType:             vk.StructureTypeComputePipelineCreateInfo,
			Stage:             d.shaderStage(vk.ShaderStageComputeBit, module),
			Layout:            rs.layout,
			BasePipelineIndex: -1,
		}}, nil, pipelines); res != vk.Success {
			return vkError("vkCreateComputePipelines "+desc.Name, res)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	p.pipeline = pipelines[0]
	core.LogDebug("compute pipeline %s created", desc.Name)
	return p, nil
}

// vertexAttributes describes metadata.Vertex: position, texcoord, normal, tangent, binormal.
func vertexAttributes() []vk.VertexInputAttributeDescription {
	return []vk.VertexInputAttributeDescription{
		{Location: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 0},
		{Location: 1, Format: vk.FormatR32g32Sfloat, Offset: 12},
		{Location: 2, Format: vk.FormatR32g32b32Sfloat, Offset: 20},
		{Location: 3, Format: vk.FormatR32g32b32Sfloat, Offset: 32},
		{Location: 4, Format: vk.FormatR32g32b32Sfloat, Offset: 44},
	}
}

func cullMode(m gpu.CullMode) vk.CullModeFlags {
	switch m {
	case gpu.CullFront:
		return vk.CullModeFlags(vk.CullModeFrontBit)
	case gpu.CullBack:
		return vk.CullModeFlags(vk.CullModeBackBit)
	}
	return vk.CullModeFlags(vk.CullModeNone)
}

// colorFormat resolves a render-target format, honoring what the surface offers.
func (d *Device) colorFormat(f gpu.Format) vk.Format {
	if vf, ok := d.formatOverrides[f]; ok {
		return vf
	}
	return vulkanFormat(f, gpu.ResourceFlagAllowRenderTarget)
}

func (d *Device) createGraphicsPipeline(desc gpu.PipelineStateDesc, rs *RootSignature) (*PipelineState, error) {
	colorFormats := make([]vk.Format, len(desc.RenderTargetFormats))
	for i, f := range desc.RenderTargetFormats {
		if colorFormats[i] = d.colorFormat(f); colorFormats[i] == vk.FormatUndefined {
			return nil, fmt.Errorf("%w: %s targets format %s", gpu.ErrUnsupported, desc.Name, f)
		}
	}
	depthFormat := vk.FormatUndefined
	if desc.DepthFormat != gpu.FormatUnknown {
		depthFormat = vulkanFormat(desc.DepthFormat, gpu.ResourceFlagAllowDepthStencil)
	}
	renderPass, err := d.renderPass(colorFormats, depthFormat)
	if err != nil {
		return nil, err
	}

	vs, err := d.createShaderModule(desc.Name+".vs", desc.VertexShader)
	if err != nil {
		return nil, err
	}
	defer vk.DestroyShaderModule(d.logicalDevice, vs, nil)
	stages := []vk.PipelineShaderStageCreateInfo{d.shaderStage(vk.ShaderStageVertexBit, vs)}
	if len(desc.PixelShader) > 0 {
		ps, err := d.createShaderModule(desc.Name+".ps", desc.PixelShader)
		if err != nil {
			return nil, err
		}
		defer vk.DestroyShaderModule(d.logicalDevice, ps, nil)
		stages = append(stages, d.shaderStage(vk.ShaderStageFragmentBit, ps))
	}

	attributes := vertexAttributes()
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType:                         vk.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount: 1,
		PVertexBindingDescriptions: []vk.VertexInputBindingDescription{{
			Binding:   0,
			Stride:    desc.VertexStride,
			InputRate: vk.VertexInputRateVertex,
		}},
		VertexAttributeDescriptionCount: uint32(len(attributes)),
		PVertexAttributeDescriptions:    attributes,
	}
	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}
	// Viewport and scissor are dynamic.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                cullMode(desc.CullMode),
		FrontFace:               vk.FrontFaceCounterClockwise,
	}
	if desc.DepthBias != 0 || desc.SlopeScaledDepthBias != 0 {
		rasterizer.DepthBiasEnable = vk.True
		rasterizer.DepthBiasConstantFactor = float32(desc.DepthBias)
		rasterizer.DepthBiasSlopeFactor = desc.SlopeScaledDepthBias
	}

	multisampling := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if depthFormat != vk.FormatUndefined {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = vk.CompareOpLessOrEqual
		if desc.DepthWrite {
			depthStencil.DepthWriteEnable = vk.True
		}
	}

	blendAttachments := make([]vk.PipelineColorBlendAttachmentState, len(colorFormats))
	for i := range blendAttachments {
		blendAttachments[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable: vk.False,
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit | vk.ColorComponentGBit |
				vk.ColorComponentBBit | vk.ColorComponentABit),
		}
		if desc.AlphaBlend {
			blendAttachments[i].BlendEnable = vk.True
			blendAttachments[i].SrcColorBlendFactor = vk.BlendFactorSrcAlpha
			blendAttachments[i].DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
			blendAttachments[i].ColorBlendOp = vk.BlendOpAdd
			blendAttachments[i].SrcAlphaBlendFactor = vk.BlendFactorOne
			blendAttachments[i].DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
			blendAttachments[i].AlphaBlendOp = vk.BlendOpAdd
		}
	}
	colorBlend := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(blendAttachments)),
		PAttachments:    blendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicState := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	p := &PipelineState{device: d, desc: desc, bindPoint: vk.PipelineBindPointGraphics}
	pipelines := make([]vk.Pipeline, 1)
	if err := d.locks.SafeCall(PipelineManagement, func() error {
		if res := vk.CreateGraphicsPipelines(d.logicalDevice, d.pipelineCache, 1, []vk.GraphicsPipelineCreateInfo{{
			SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
			StageCount:          uint32(len(stages)),
			PStages:             stages,
			PVertexInputState:   &vertexInput,
			PInputAssemblyState: &inputAssembly,
			PViewportState:      &viewportState,
			PRasterizationState: &rasterizer,
			PMultisampleState:   &multisampling,
			PDepthStencilState:  &depthStencil,
			PColorBlendState:    &colorBlend,
			PDynamicState:       &dynamicState,
			Layout:              rs.layout,
			RenderPass:          renderPass,
			Subpass:             0,
			BasePipelineIndex:   -1,
		}}, nil, pipelines); res != vk.Success {
			return vkError("vkCreateGraphicsPipelines "+desc.Name, res)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	p.pipeline = pipelines[0]
	core.LogDebug("graphics pipeline %s created", desc.Name)
	return p, nil
}

func renderPassKey(colors []vk.Format, depth vk.Format) string {
	return fmt.Sprint(colors, depth)
}

/**
 * @brief Returns the cached render pass for a set of attachment formats.
 * Attachments are loaded and stored; clears are explicit commands, and every
 * attachment stays in its attachment layout across the pass.
 */
func (d *Device) renderPass(colors []vk.Format, depth vk.Format) (vk.RenderPass, error) {
	key := renderPassKey(colors, depth)
	var out vk.RenderPass
	err := d.locks.SafeCall(RenderpassManagement, func() error {
		if rp, ok := d.renderPasses[key]; ok {
			out = rp
			return nil
		}

		var attachments []vk.AttachmentDescription
		colorRefs := make([]vk.AttachmentReference, len(colors))
		for i, f := range colors {
			attachments = append(attachments, vk.AttachmentDescription{
				Format:         f,
				Samples:        vk.SampleCount1Bit,
				LoadOp:         vk.AttachmentLoadOpLoad,
				StoreOp:        vk.AttachmentStoreOpStore,
				StencilLoadOp:  vk.AttachmentLoadOpDontCare,
				StencilStoreOp: vk.AttachmentStoreOpDontCare,
				InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
				FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
			})
			colorRefs[i] = vk.AttachmentReference{
				Attachment: uint32(i),
				Layout:     vk.ImageLayoutColorAttachmentOptimal,
			}
		}
		subpass := vk.SubpassDescription{
			PipelineBindPoint:    vk.PipelineBindPointGraphics,
			ColorAttachmentCount: uint32(len(colorRefs)),
			PColorAttachments:    colorRefs,
		}
		if depth != vk.FormatUndefined {
			attachments = append(attachments, vk.AttachmentDescription{
				Format:         depth,
				Samples:        vk.SampleCount1Bit,
				LoadOp:         vk.AttachmentLoadOpLoad,
				StoreOp:        vk.AttachmentStoreOpStore,
				StencilLoadOp:  vk.AttachmentLoadOpDontCare,
				StencilStoreOp: vk.AttachmentStoreOpDontCare,
				InitialLayout:  vk.ImageLayoutDepthStencilAttachmentOptimal,
				FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
			})
			subpass.PDepthStencilAttachment = &vk.AttachmentReference{
				Attachment: uint32(len(colors)),
				Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
			}
		}

		var rp vk.RenderPass
		if res := vk.CreateRenderPass(d.logicalDevice, &vk.RenderPassCreateInfo{
			SType:           vk.StructureTypeRenderPassCreateInfo,
			AttachmentCount: uint32(len(attachments)),
			PAttachments:    attachments,
			SubpassCount:    1,
			PSubpasses:      []vk.SubpassDescription{subpass},
		}, nil, &rp); res != vk.Success {
			return vkError("vkCreateRenderPass", res)
		}
		d.renderPasses[key] = rp
		out = rp
		return nil
	})
	return out, err
}
