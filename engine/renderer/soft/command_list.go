package soft

import (
	"fmt"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

type Op int

const (
	OpSetDescriptorHeap Op = iota
	OpSetGraphicsRootSignature
	OpSetComputeRootSignature
	OpSetPipelineState
	OpSetGraphicsTable
	OpSetComputeTable
	OpSetRootConstant
	OpBarrier
	OpClearDepth
	OpClearRenderTarget
	OpSetRenderTargets
	OpSetViewports
	OpSetScissors
	OpSetVertexBuffer
	OpSetIndexBuffer
	OpDraw
	OpDispatch
	OpCopyBuffer
	OpCopyTexture
)

/**
 * @brief One recorded command. Only the fields relevant to Op are set.
 */
type Command struct {
	Op            Op
	RootParameter uint32
	Handle        uint64
	Value         uint32
	Resource      gpu.Resource
	Source        gpu.Resource
	Before        gpu.ResourceState
	After         gpu.ResourceState
	Viewports     []gpu.Viewport
	Counts        [3]uint32
	DstOffset     uint64
	SrcOffset     uint64
	Size          uint64
	Region        gpu.TextureCopy
	Pipeline      gpu.PipelineState
	RootSignature gpu.RootSignature
}

type CommandList struct {
	queueType gpu.QueueType
	commands  []Command
	closed    bool
	err       error
}

func newCommandList(t gpu.QueueType) *CommandList {
	return &CommandList{queueType: t}
}

func (cl *CommandList) record(cmd Command) {
	if cl.closed {
		cl.fail(gpu.ErrCommandListClosed)
		return
	}
	cl.commands = append(cl.commands, cmd)
}

func (cl *CommandList) fail(err error) {
	if cl.err == nil {
		cl.err = err
	}
}

// graphicsOnly flags commands that are illegal on copy and compute lists.
func (cl *CommandList) graphicsOnly(name string) bool {
	if cl.queueType != gpu.QueueDirect {
		cl.fail(fmt.Errorf("%w: %s on a %s list", gpu.ErrWrongQueue, name, cl.queueType))
		return false
	}
	return true
}

func (cl *CommandList) Type() gpu.QueueType {
	return cl.queueType
}

func (cl *CommandList) Commands() []Command {
	return cl.commands
}

// Count returns how many commands of op were recorded.
func (cl *CommandList) Count(op Op) int {
	n := 0
	for _, c := range cl.commands {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (cl *CommandList) Empty() bool {
	return len(cl.commands) == 0
}

func (cl *CommandList) SetDescriptorHeap(heap gpu.DescriptorHeap) {
	cl.record(Command{Op: OpSetDescriptorHeap, Handle: heap.GPUStart()})
}

func (cl *CommandList) SetGraphicsRootSignature(rs gpu.RootSignature) {
	if cl.graphicsOnly("SetGraphicsRootSignature") {
		cl.record(Command{Op: OpSetGraphicsRootSignature, RootSignature: rs})
	}
}

func (cl *CommandList) SetComputeRootSignature(rs gpu.RootSignature) {
	cl.record(Command{Op: OpSetComputeRootSignature, RootSignature: rs})
}

func (cl *CommandList) SetPipelineState(pso gpu.PipelineState) {
	cl.record(Command{Op: OpSetPipelineState, Pipeline: pso})
}

func (cl *CommandList) SetGraphicsRootDescriptorTable(rootParameter uint32, gpuHandle uint64) {
	if cl.graphicsOnly("SetGraphicsRootDescriptorTable") {
		cl.record(Command{Op: OpSetGraphicsTable, RootParameter: rootParameter, Handle: gpuHandle})
	}
}

func (cl *CommandList) SetComputeRootDescriptorTable(rootParameter uint32, gpuHandle uint64) {
	cl.record(Command{Op: OpSetComputeTable, RootParameter: rootParameter, Handle: gpuHandle})
}

func (cl *CommandList) SetGraphicsRoot32BitConstant(rootParameter, value, offset uint32) {
	if cl.graphicsOnly("SetGraphicsRoot32BitConstant") {
		cl.record(Command{Op: OpSetRootConstant, RootParameter: rootParameter, Value: value, Counts: [3]uint32{offset}})
	}
}

func (cl *CommandList) ResourceBarrier(res gpu.Resource, before, after gpu.ResourceState) {
	cl.record(Command{Op: OpBarrier, Resource: res, Before: before, After: after})
}

func (cl *CommandList) ClearDepthStencilView(res gpu.Resource, depth float32) {
	if cl.graphicsOnly("ClearDepthStencilView") {
		cl.record(Command{Op: OpClearDepth, Resource: res})
	}
}

func (cl *CommandList) ClearRenderTargetView(res gpu.Resource, color [4]float32) {
	if cl.graphicsOnly("ClearRenderTargetView") {
		cl.record(Command{Op: OpClearRenderTarget, Resource: res})
	}
}

func (cl *CommandList) SetRenderTargets(color []gpu.Resource, depth gpu.Resource) {
	if cl.graphicsOnly("SetRenderTargets") {
		cl.record(Command{Op: OpSetRenderTargets, Resource: depth, Value: uint32(len(color))})
	}
}

func (cl *CommandList) SetViewports(viewports ...gpu.Viewport) {
	if cl.graphicsOnly("SetViewports") {
		vps := make([]gpu.Viewport, len(viewports))
		copy(vps, viewports)
		cl.record(Command{Op: OpSetViewports, Viewports: vps})
	}
}

func (cl *CommandList) SetScissorRects(rects ...gpu.Rect) {
	if cl.graphicsOnly("SetScissorRects") {
		cl.record(Command{Op: OpSetScissors, Value: uint32(len(rects))})
	}
}

func (cl *CommandList) SetVertexBuffer(res gpu.Resource, stride uint32) {
	if cl.graphicsOnly("SetVertexBuffer") {
		cl.record(Command{Op: OpSetVertexBuffer, Resource: res, Value: stride})
	}
}

func (cl *CommandList) SetIndexBuffer(res gpu.Resource, format gpu.Format) {
	if cl.graphicsOnly("SetIndexBuffer") {
		cl.record(Command{Op: OpSetIndexBuffer, Resource: res, Value: uint32(format)})
	}
}

func (cl *CommandList) DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	if cl.graphicsOnly("DrawIndexedInstanced") {
		cl.record(Command{Op: OpDraw, Counts: [3]uint32{indexCount, instanceCount, startIndex}})
	}
}

func (cl *CommandList) Dispatch(x, y, z uint32) {
	if cl.queueType == gpu.QueueCopy {
		cl.fail(fmt.Errorf("%w: Dispatch on a copy list", gpu.ErrWrongQueue))
		return
	}
	cl.record(Command{Op: OpDispatch, Counts: [3]uint32{x, y, z}})
}

func (cl *CommandList) CopyBufferRegion(dst gpu.Resource, dstOffset uint64, src gpu.Resource, srcOffset, size uint64) {
	if dstOffset+size > dst.Desc().Width || srcOffset+size > src.Desc().Width {
		cl.fail(fmt.Errorf("%w: copy of %d bytes out of bounds", gpu.ErrInvalidResource, size))
		return
	}
	cl.record(Command{Op: OpCopyBuffer, Resource: dst, Source: src, DstOffset: dstOffset, SrcOffset: srcOffset, Size: size})
}

func (cl *CommandList) CopyBufferToTexture(dst gpu.Resource, src gpu.Resource, region gpu.TextureCopy) {
	desc := dst.Desc()
	if desc.Dimension != gpu.DimensionTexture2D || region.MipLevel >= uint32(desc.MipLevels) || region.ArraySlice >= uint32(desc.ArraySize) {
		cl.fail(fmt.Errorf("%w: texture copy into %s", gpu.ErrInvalidResource, desc.Name))
		return
	}
	cl.record(Command{Op: OpCopyTexture, Resource: dst, Source: src, Region: region})
}

func (cl *CommandList) Close() error {
	if cl.closed {
		return gpu.ErrCommandListClosed
	}
	cl.closed = true
	return cl.err
}
