package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

/**
 * @brief gpu.CommandList over a primary command buffer with its own pool, so
 * lists can be recorded on different goroutines without sharing a pool.
 *
 * Render passes are implicit: one begins at the first draw after the targets
 * change and ends at the next command that cannot run inside a pass.
 */
type CommandList struct {
	queue *Queue
	pool  vk.CommandPool
	cmd   vk.CommandBuffer

	closed bool
	empty  bool
	err    error

	heap      *DescriptorHeap
	graphics  *RootSignature
	compute   *RootSignature
	colors    []*Resource
	depth     *Resource
	inPass    bool
	targetsOK bool

	// Destroyed when the list is recycled.
	framebuffers []vk.Framebuffer
	// Swapchain images this list hands over to presentation.
	presents []*Resource
}

var _ gpu.CommandList = (*CommandList)(nil)

func newCommandList(q *Queue) (*CommandList, error) {
	dev := q.device.logicalDevice
	cl := &CommandList{queue: q, empty: true}
	if res := vk.CreateCommandPool(dev, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
		QueueFamilyIndex: q.family,
	}, nil, &cl.pool); res != vk.Success {
		return nil, vkError("vkCreateCommandPool", res)
	}
	buffers := make([]vk.CommandBuffer, 1)
	if res := vk.AllocateCommandBuffers(dev, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        cl.pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, buffers); res != vk.Success {
		vk.DestroyCommandPool(dev, cl.pool, nil)
		return nil, vkError("vkAllocateCommandBuffers", res)
	}
	cl.cmd = buffers[0]
	return cl, nil
}

func (cl *CommandList) begin() error {
	if res := vk.BeginCommandBuffer(cl.cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}); res != vk.Success {
		return vkError("vkBeginCommandBuffer", res)
	}
	return nil
}

// reset returns the list to the state newCommandList left it in. The GPU must be done with it.
func (cl *CommandList) reset() {
	dev := cl.queue.device.logicalDevice
	vk.ResetCommandPool(dev, cl.pool, 0)
	for _, fb := range cl.framebuffers {
		vk.DestroyFramebuffer(dev, fb, nil)
	}
	*cl = CommandList{
		queue:        cl.queue,
		pool:         cl.pool,
		cmd:          cl.cmd,
		empty:        true,
		framebuffers: cl.framebuffers[:0],
		presents:     cl.presents[:0],
	}
}

func (cl *CommandList) destroy() {
	dev := cl.queue.device.logicalDevice
	for _, fb := range cl.framebuffers {
		vk.DestroyFramebuffer(dev, fb, nil)
	}
	cl.framebuffers = nil
	vk.DestroyCommandPool(dev, cl.pool, nil)
	cl.pool = nil
	cl.cmd = nil
}

// ready reports whether a command may be recorded and marks the list as used.
func (cl *CommandList) ready() bool {
	if cl.closed {
		cl.fail(gpu.ErrCommandListClosed)
		return false
	}
	if cl.err != nil {
		return false
	}
	cl.empty = false
	return true
}

func (cl *CommandList) fail(err error) {
	if cl.err == nil {
		cl.err = err
	}
}

// graphicsOnly flags commands that are illegal on copy and compute lists.
func (cl *CommandList) graphicsOnly(name string) bool {
	if cl.queue.queueType != gpu.QueueDirect {
		cl.fail(fmt.Errorf("%w: %s on a %s list", gpu.ErrWrongQueue, name, cl.queue.queueType))
		return false
	}
	return true
}

func (cl *CommandList) resource(res gpu.Resource) *Resource {
	r, ok := res.(*Resource)
	if !ok || r == nil || r.released.Load() {
		cl.fail(fmt.Errorf("%w: not a live vulkan resource", gpu.ErrInvalidResource))
		return nil
	}
	return r
}

func (cl *CommandList) Type() gpu.QueueType {
	return cl.queue.queueType
}

func (cl *CommandList) Empty() bool {
	return cl.empty
}

func (cl *CommandList) SetDescriptorHeap(heap gpu.DescriptorHeap) {
	h, ok := heap.(*DescriptorHeap)
	if !ok {
		cl.fail(fmt.Errorf("%w: foreign descriptor heap", gpu.ErrInvalidDescriptorHeap))
		return
	}
	if !cl.ready() {
		return
	}
	cl.heap = h
	if cl.graphics != nil {
		cl.bindSet(vk.PipelineBindPointGraphics, cl.graphics)
	}
	if cl.compute != nil {
		cl.bindSet(vk.PipelineBindPointCompute, cl.compute)
	}
}

func (cl *CommandList) bindSet(point vk.PipelineBindPoint, rs *RootSignature) {
	vk.CmdBindDescriptorSets(cl.cmd, point, rs.layout, 0, 1, []vk.DescriptorSet{cl.heap.set}, 0, nil)
}

func (cl *CommandList) rootSignature(sig gpu.RootSignature) *RootSignature {
	rs, ok := sig.(*RootSignature)
	if !ok {
		cl.fail(fmt.Errorf("%w: foreign root signature", gpu.ErrInvalidRootSignature))
		return nil
	}
	return rs
}

func (cl *CommandList) SetGraphicsRootSignature(sig gpu.RootSignature) {
	if !cl.graphicsOnly("SetGraphicsRootSignature") {
		return
	}
	rs := cl.rootSignature(sig)
	if rs == nil || !cl.ready() {
		return
	}
	cl.graphics = rs
	if cl.heap != nil {
		cl.bindSet(vk.PipelineBindPointGraphics, rs)
	}
}

func (cl *CommandList) SetComputeRootSignature(sig gpu.RootSignature) {
	if cl.queue.queueType == gpu.QueueCopy {
		cl.fail(fmt.Errorf("%w: SetComputeRootSignature on a copy list", gpu.ErrWrongQueue))
		return
	}
	rs := cl.rootSignature(sig)
	if rs == nil || !cl.ready() {
		return
	}
	cl.compute = rs
	if cl.heap != nil {
		cl.bindSet(vk.PipelineBindPointCompute, rs)
	}
}

func (cl *CommandList) SetPipelineState(state gpu.PipelineState) {
	pso, ok := state.(*PipelineState)
	if !ok {
		cl.fail(fmt.Errorf("%w: foreign pipeline state", gpu.ErrInvalidPipelineState))
		return
	}
	if !cl.ready() {
		return
	}
	vk.CmdBindPipeline(cl.cmd, pso.bindPoint, pso.pipeline)
}

func (cl *CommandList) SetGraphicsRootDescriptorTable(rootParameter uint32, gpuHandle uint64) {
	cl.setTable(cl.graphics, rootParameter, gpuHandle)
}

func (cl *CommandList) SetComputeRootDescriptorTable(rootParameter uint32, gpuHandle uint64) {
	cl.setTable(cl.compute, rootParameter, gpuHandle)
}

// setTable pushes the table's first descriptor index; shaders add their offset to it.
func (cl *CommandList) setTable(rs *RootSignature, rootParameter uint32, gpuHandle uint64) {
	if rs == nil {
		cl.fail(fmt.Errorf("%w: descriptor table set before a root signature", gpu.ErrInvalidRootSignature))
		return
	}
	heapID, index := descriptorIndex(gpuHandle)
	if cl.heap == nil || heapID != cl.heap.id || index >= cl.heap.capacity {
		cl.fail(fmt.Errorf("%w: handle %#x is not in the bound heap", gpu.ErrDescriptorOutOfRange, gpuHandle))
		return
	}
	offset, ok := rs.parameterOffset(rootParameter, gpu.RootParameterTable)
	if !ok {
		cl.fail(fmt.Errorf("%w: parameter %d of %s is not a table", gpu.ErrInvalidRootSignature, rootParameter, rs.desc.Name))
		return
	}
	if !cl.ready() {
		return
	}
	vk.CmdPushConstants(cl.cmd, rs.layout, pushConstantStages, offset, 4, unsafe.Pointer(&index))
}

func (cl *CommandList) SetGraphicsRoot32BitConstant(rootParameter, value, offset uint32) {
	rs := cl.graphics
	if rs == nil {
		cl.fail(fmt.Errorf("%w: constant set before a root signature", gpu.ErrInvalidRootSignature))
		return
	}
	base, ok := rs.parameterOffset(rootParameter, gpu.RootParameterConstants)
	if !ok || offset >= rs.desc.Parameters[rootParameter].Num32BitValues {
		cl.fail(fmt.Errorf("%w: constant %d.%d of %s", gpu.ErrInvalidRootSignature, rootParameter, offset, rs.desc.Name))
		return
	}
	if !cl.ready() {
		return
	}
	vk.CmdPushConstants(cl.cmd, rs.layout, pushConstantStages, base+offset*4, 4, unsafe.Pointer(&value))
}

func (cl *CommandList) ResourceBarrier(res gpu.Resource, before, after gpu.ResourceState) {
	r := cl.resource(res)
	if r == nil || !cl.ready() {
		return
	}
	cl.endPass()

	srcAccess, dstAccess := accessMask(before), accessMask(after)
	srcStage, dstStage := stageMask(before), stageMask(after)
	if cl.queue.queueType != gpu.QueueDirect {
		// Copy and compute queues only support a subset of the stages.
		transfer := vk.AccessFlags(vk.AccessTransferReadBit | vk.AccessTransferWriteBit | vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit)
		srcAccess &= transfer
		dstAccess &= transfer
		srcStage = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}

	if !r.isImage() {
		recordBufferBarrier(cl.cmd, r, srcAccess, dstAccess, srcStage, dstStage)
		return
	}
	recordImageBarrier(cl.cmd, r, imageLayout(before), imageLayout(after), srcAccess, dstAccess, srcStage, dstStage)
	if after == gpu.StatePresent && r.swapchain != nil {
		cl.presents = append(cl.presents, r)
	}
}

// ClearDepthStencilView expects res in the depth-write state.
func (cl *CommandList) ClearDepthStencilView(res gpu.Resource, depth float32) {
	if !cl.graphicsOnly("ClearDepthStencilView") {
		return
	}
	r := cl.resource(res)
	if r == nil || !cl.ready() {
		return
	}
	cl.endPass()
	cl.toTransfer(r, gpu.StateDepthWrite)
	value := vk.ClearDepthStencilValue{Depth: depth}
	rng := r.subresourceRange()
	vk.CmdClearDepthStencilImage(cl.cmd, r.image, vk.ImageLayoutTransferDstOptimal, &value, 1, []vk.ImageSubresourceRange{rng})
	cl.fromTransfer(r, gpu.StateDepthWrite)
}

// ClearRenderTargetView expects res in the render-target state.
func (cl *CommandList) ClearRenderTargetView(res gpu.Resource, color [4]float32) {
	if !cl.graphicsOnly("ClearRenderTargetView") {
		return
	}
	r := cl.resource(res)
	if r == nil || !cl.ready() {
		return
	}
	cl.endPass()
	cl.toTransfer(r, gpu.StateRenderTarget)
	var value vk.ClearColorValue
	*(*[4]float32)(unsafe.Pointer(&value)) = color
	rng := r.subresourceRange()
	vk.CmdClearColorImage(cl.cmd, r.image, vk.ImageLayoutTransferDstOptimal, &value, 1, []vk.ImageSubresourceRange{rng})
	cl.fromTransfer(r, gpu.StateRenderTarget)
}

func (cl *CommandList) toTransfer(r *Resource, from gpu.ResourceState) {
	recordImageBarrier(cl.cmd, r, imageLayout(from), vk.ImageLayoutTransferDstOptimal,
		accessMask(from), accessMask(gpu.StateCopyDest), stageMask(from), stageMask(gpu.StateCopyDest))
}

func (cl *CommandList) fromTransfer(r *Resource, to gpu.ResourceState) {
	recordImageBarrier(cl.cmd, r, vk.ImageLayoutTransferDstOptimal, imageLayout(to),
		accessMask(gpu.StateCopyDest), accessMask(to), stageMask(gpu.StateCopyDest), stageMask(to))
}

func (cl *CommandList) SetRenderTargets(color []gpu.Resource, depth gpu.Resource) {
	if !cl.graphicsOnly("SetRenderTargets") || !cl.ready() {
		return
	}
	cl.endPass()
	cl.colors = cl.colors[:0]
	cl.depth = nil
	for _, c := range color {
		r := cl.resource(c)
		if r == nil {
			return
		}
		cl.colors = append(cl.colors, r)
	}
	if depth != nil {
		if cl.depth = cl.resource(depth); cl.depth == nil {
			return
		}
	}
	cl.targetsOK = len(cl.colors) > 0 || cl.depth != nil
}

// SetViewports flips Y so clip space matches the engine's Y-up convention.
func (cl *CommandList) SetViewports(viewports ...gpu.Viewport) {
	if !cl.graphicsOnly("SetViewports") || len(viewports) == 0 || !cl.ready() {
		return
	}
	vps := make([]vk.Viewport, len(viewports))
	for i, v := range viewports {
		vps[i] = vk.Viewport{
			X:        v.X,
			Y:        v.Y + v.Height,
			Width:    v.Width,
			Height:   -v.Height,
			MinDepth: v.MinDepth,
			MaxDepth: v.MaxDepth,
		}
	}
	vk.CmdSetViewport(cl.cmd, 0, uint32(len(vps)), vps)
}

func (cl *CommandList) SetScissorRects(rects ...gpu.Rect) {
	if !cl.graphicsOnly("SetScissorRects") || len(rects) == 0 || !cl.ready() {
		return
	}
	scissors := make([]vk.Rect2D, len(rects))
	for i, r := range rects {
		scissors[i] = vk.Rect2D{
			Offset: vk.Offset2D{X: r.Left, Y: r.Top},
			Extent: vk.Extent2D{Width: uint32(max(r.Right-r.Left, 0)), Height: uint32(max(r.Bottom-r.Top, 0))},
		}
	}
	vk.CmdSetScissor(cl.cmd, 0, uint32(len(scissors)), scissors)
}

// SetVertexBuffer binds res at slot 0. The stride is part of the pipeline state.
func (cl *CommandList) SetVertexBuffer(res gpu.Resource, stride uint32) {
	if !cl.graphicsOnly("SetVertexBuffer") {
		return
	}
	r := cl.resource(res)
	if r == nil || !cl.ready() {
		return
	}
	vk.CmdBindVertexBuffers(cl.cmd, 0, 1, []vk.Buffer{r.buffer}, []vk.DeviceSize{0})
}

func (cl *CommandList) SetIndexBuffer(res gpu.Resource, format gpu.Format) {
	if !cl.graphicsOnly("SetIndexBuffer") {
		return
	}
	if format != gpu.FormatR32Uint {
		cl.fail(fmt.Errorf("%w: index format %s", gpu.ErrUnsupported, format))
		return
	}
	r := cl.resource(res)
	if r == nil || !cl.ready() {
		return
	}
	vk.CmdBindIndexBuffer(cl.cmd, r.buffer, 0, vk.IndexTypeUint32)
}

func (cl *CommandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	if !cl.graphicsOnly("DrawIndexedInstanced") || !cl.ready() {
		return
	}
	if !cl.beginPass() {
		return
	}
	vk.CmdDrawIndexed(cl.cmd, indexCount, instanceCount, startIndex, baseVertex, startInstance)
}

func (cl *CommandList) Dispatch(x, y, z uint32) {
	if cl.queue.queueType == gpu.QueueCopy {
		cl.fail(fmt.Errorf("%w: Dispatch on a copy list", gpu.ErrWrongQueue))
		return
	}
	if !cl.ready() {
		return
	}
	cl.endPass()
	vk.CmdDispatch(cl.cmd, x, y, z)
}

func (cl *CommandList) CopyBufferRegion(dst gpu.Resource, dstOffset uint64, src gpu.Resource, srcOffset, size uint64) {
	d, s := cl.resource(dst), cl.resource(src)
	if d == nil || s == nil || !cl.ready() {
		return
	}
	if d.isImage() || s.isImage() {
		cl.fail(fmt.Errorf("%w: CopyBufferRegion between %s and %s", gpu.ErrInvalidResource, s.desc.Name, d.desc.Name))
		return
	}
	if srcOffset+size > s.desc.Width || dstOffset+size > d.desc.Width {
		cl.fail(fmt.Errorf("%w: copy of %d bytes overruns %s or %s", gpu.ErrInvalidResource, size, s.desc.Name, d.desc.Name))
		return
	}
	cl.endPass()
	vk.CmdCopyBuffer(cl.cmd, s.buffer, d.buffer, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}})
}

// CopyBufferToTexture expects dst in the copy-dest state.
func (cl *CommandList) CopyBufferToTexture(dst gpu.Resource, src gpu.Resource, region gpu.TextureCopy) {
	d, s := cl.resource(dst), cl.resource(src)
	if d == nil || s == nil || !cl.ready() {
		return
	}
	bpp := d.desc.Format.BytesPerPixel()
	if !d.isImage() || s.isImage() || bpp == 0 {
		cl.fail(fmt.Errorf("%w: CopyBufferToTexture from %s to %s", gpu.ErrInvalidResource, s.desc.Name, d.desc.Name))
		return
	}
	cl.endPass()
	vk.CmdCopyBufferToImage(cl.cmd, s.buffer, d.image, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{{
		BufferOffset:      vk.DeviceSize(region.SrcOffset),
		BufferRowLength:   region.RowPitch / bpp,
		BufferImageHeight: region.Height,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     d.aspect,
			MipLevel:       region.MipLevel,
			BaseArrayLayer: region.ArraySlice,
			LayerCount:     1,
		},
		ImageExtent: vk.Extent3D{Width: region.Width, Height: region.Height, Depth: 1},
	}})
}

func (cl *CommandList) Close() error {
	if cl.closed {
		return gpu.ErrCommandListClosed
	}
	cl.endPass()
	cl.closed = true
	if res := vk.EndCommandBuffer(cl.cmd); res != vk.Success {
		cl.fail(vkError("vkEndCommandBuffer", res))
	}
	return cl.err
}

// beginPass opens a render pass over the bound targets unless one is already open.
func (cl *CommandList) beginPass() bool {
	if cl.inPass {
		return true
	}
	if !cl.targetsOK {
		cl.fail(fmt.Errorf("%w: draw without render targets", gpu.ErrInvalidResource))
		return false
	}
	d := cl.queue.device

	colorFormats := make([]vk.Format, len(cl.colors))
	attachments := make([]vk.ImageView, 0, len(cl.colors)+1)
	width, height := ^uint32(0), ^uint32(0)
	for i, c := range cl.colors {
		colorFormats[i] = c.format
		attachments = append(attachments, c.attachmentView())
		width, height = min(width, c.width()), min(height, c.height())
	}
	depthFormat := vk.FormatUndefined
	if cl.depth != nil {
		depthFormat = cl.depth.format
		attachments = append(attachments, cl.depth.attachmentView())
		width, height = min(width, cl.depth.width()), min(height, cl.depth.height())
	}
	for _, a := range attachments {
		if a == nil {
			cl.fail(fmt.Errorf("%w: render target without an attachment view", gpu.ErrInvalidResource))
			return false
		}
	}

	renderPass, err := d.renderPass(colorFormats, depthFormat)
	if err != nil {
		cl.fail(err)
		return false
	}
	var fb vk.Framebuffer
	if res := vk.CreateFramebuffer(d.logicalDevice, &vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderPass,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}, nil, &fb); res != vk.Success {
		cl.fail(vkError("vkCreateFramebuffer", res))
		return false
	}
	cl.framebuffers = append(cl.framebuffers, fb)

	vk.CmdBeginRenderPass(cl.cmd, &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  renderPass,
		Framebuffer: fb,
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: width, Height: height},
		},
	}, vk.SubpassContentsInline)
	cl.inPass = true
	return true
}

func (cl *CommandList) endPass() {
	if cl.inPass {
		vk.CmdEndRenderPass(cl.cmd)
		cl.inPass = false
	}
}
