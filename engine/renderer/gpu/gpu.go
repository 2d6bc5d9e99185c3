package gpu

import (
	"context"
	"errors"
)

var (
	ErrNotMappable           = errors.New("resource is not in an upload heap")
	ErrDescriptorOutOfRange  = errors.New("descriptor index out of range")
	ErrCommandListClosed     = errors.New("command list already closed")
	ErrWrongQueue            = errors.New("command list belongs to another queue")
	ErrInvalidResource       = errors.New("invalid resource")
	ErrInvalidRootSignature  = errors.New("invalid root signature description")
	ErrInvalidPipelineState  = errors.New("invalid pipeline state description")
	ErrUnsupported           = errors.New("operation not supported by this driver")
	ErrDeviceRemoved         = errors.New("device removed")
	ErrInvalidDescriptorHeap = errors.New("invalid descriptor heap capacity")
)

/**
 * @brief Creation parameters of a committed resource.
 */
type ResourceDesc struct {
	Name      string
	Dimension ResourceDimension
	/** @brief Size in bytes for buffers, texel width for textures. */
	Width     uint64
	Height    uint32
	ArraySize uint16
	MipLevels uint16
	Format    Format
	Flags     ResourceFlags
	Heap      HeapType
	/** @brief The state the resource is created in. */
	InitialState ResourceState
}

func BufferDesc(name string, size uint64, heap HeapType) ResourceDesc {
	state := StateCommon
	if heap == HeapUpload {
		state = StateGenericRead
	}
	return ResourceDesc{
		Name:         name,
		Dimension:    DimensionBuffer,
		Width:        size,
		Height:       1,
		ArraySize:    1,
		MipLevels:    1,
		Heap:         heap,
		InitialState: state,
	}
}

func Texture2DDesc(name string, width, height uint32, arraySize, mipLevels uint16, format Format) ResourceDesc {
	return ResourceDesc{
		Name:         name,
		Dimension:    DimensionTexture2D,
		Width:        uint64(width),
		Height:       height,
		ArraySize:    arraySize,
		MipLevels:    mipLevels,
		Format:       format,
		Heap:         HeapDefault,
		InitialState: StateCopyDest,
	}
}

type Resource interface {
	Desc() ResourceDesc
	// Map returns the CPU view of an upload-heap resource. Mapping is persistent until Unmap.
	Map() ([]byte, error)
	Unmap()
	GPUAddress() uint64
	Release()
}

type DescriptorKind int

const (
	DescriptorNone DescriptorKind = iota
	DescriptorCBV
	DescriptorSRV
	DescriptorUAV
)

type Descriptor struct {
	Kind     DescriptorKind
	Resource Resource
	Format   Format
	Size     uint32
}

/**
 * @brief One shader-visible table of descriptors. Slot i lives at GPUStart + i*IncrementSize.
 */
type DescriptorHeap interface {
	Capacity() uint32
	IncrementSize() uint32
	GPUStart() uint64
	WriteCBV(index uint32, res Resource, size uint32) error
	WriteSRV(index uint32, res Resource, format Format) error
	// WriteNullSRV leaves a placeholder that samples as zero.
	WriteNullSRV(index uint32, format Format) error
	Descriptor(index uint32) (Descriptor, error)
	Release()
}

type RootParameter struct {
	Kind           RootParameterKind
	RangeType      DescriptorRangeType
	NumDescriptors uint32
	BaseRegister   uint32
	Num32BitValues uint32
}

type RootSignatureDesc struct {
	Name       string
	Parameters []RootParameter
}

type RootSignature interface {
	Desc() RootSignatureDesc
	Release()
}

type PipelineStateDesc struct {
	Name          string
	RootSignature RootSignature
	VertexShader  []byte
	PixelShader   []byte
	ComputeShader []byte
	VertexStride  uint32
	CullMode      CullMode
	DepthBias     int32
	/** @brief Slope-scaled depth bias, used by the shadow pass. */
	SlopeScaledDepthBias float32
	DepthFormat          Format
	DepthWrite           bool
	/** @brief Empty for depth-only pipelines. */
	RenderTargetFormats []Format
	AlphaBlend          bool
}

func (d PipelineStateDesc) IsCompute() bool {
	return len(d.ComputeShader) != 0
}

type PipelineState interface {
	Desc() PipelineStateDesc
	Release()
}

type Viewport struct {
	X, Y, Width, Height, MinDepth, MaxDepth float32
}

type Rect struct {
	Left, Top, Right, Bottom int32
}

/**
 * @brief Source layout of one subresource inside an upload buffer.
 */
type TextureCopy struct {
	MipLevel   uint32
	ArraySlice uint32
	Width      uint32
	Height     uint32
	RowPitch   uint32
	SrcOffset  uint64
}

/**
 * @brief Records GPU work. A list is owned by one goroutine at a time and becomes
 * immutable once submitted.
 */
type CommandList interface {
	Type() QueueType
	SetDescriptorHeap(heap DescriptorHeap)
	SetGraphicsRootSignature(rs RootSignature)
	SetComputeRootSignature(rs RootSignature)
	SetPipelineState(pso PipelineState)
	SetGraphicsRootDescriptorTable(rootParameter uint32, gpuHandle uint64)
	SetComputeRootDescriptorTable(rootParameter uint32, gpuHandle uint64)
	SetGraphicsRoot32BitConstant(rootParameter, value, offset uint32)
	ResourceBarrier(res Resource, before, after ResourceState)
	ClearDepthStencilView(res Resource, depth float32)
	ClearRenderTargetView(res Resource, color [4]float32)
	SetRenderTargets(color []Resource, depth Resource)
	SetViewports(viewports ...Viewport)
	SetScissorRects(rects ...Rect)
	SetVertexBuffer(res Resource, stride uint32)
	SetIndexBuffer(res Resource, format Format)
	DrawIndexedInstanced(indexCount, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32)
	Dispatch(x, y, z uint32)
	CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset, size uint64)
	CopyBufferToTexture(dst Resource, src Resource, region TextureCopy)
	// Close ends recording and reports the first recording error, if any.
	Close() error
	// Empty reports whether nothing has been recorded since the list was handed out.
	Empty() bool
}

/**
 * @brief A GPU queue with its own monotonically increasing fence.
 * Submissions complete in submission order.
 */
type CommandQueue interface {
	Type() QueueType
	// GetCommandList returns an open list; its allocator is recycled once its fence completes.
	GetCommandList() (CommandList, error)
	// ExecuteCommandList closes and submits the list, returning the fence value signaled after it.
	ExecuteCommandList(list CommandList) (uint64, error)
	Signal() (uint64, error)
	IsFenceComplete(value uint64) bool
	CompletedFenceValue() uint64
	// WaitForFenceValue blocks until the fence reaches value or ctx is done.
	WaitForFenceValue(ctx context.Context, value uint64) error
	Flush(ctx context.Context) error
}

type Swapchain interface {
	CurrentBackBufferIndex() uint32
	BackBuffer(index uint32) Resource
	Present() error
	Resize(width, height uint32) error
	Release()
}

/**
 * @brief Entry point of a rendering backend. Resource creation is safe from any
 * goroutine; everything else belongs to the render thread.
 */
type Device interface {
	Name() string
	CreateCommittedResource(desc ResourceDesc) (Resource, error)
	CreateDescriptorHeap(capacity uint32) (DescriptorHeap, error)
	CreateRootSignature(desc RootSignatureDesc) (RootSignature, error)
	CreatePipelineState(desc PipelineStateDesc) (PipelineState, error)
	CreateSwapchain(width, height uint32, format Format) (Swapchain, error)
	Queue(t QueueType) CommandQueue
	Release()
}
