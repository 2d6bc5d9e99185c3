package gpu

const (
	// FrameCount is the swap-chain depth; per-frame data is duplicated this many times.
	FrameCount = 3
	// CBVAlignment is the minimum size and placement alignment of a constant buffer view.
	CBVAlignment = 256
	// TexturePitchAlignment is the row pitch alignment for buffer to texture copies.
	TexturePitchAlignment = 256
)

type Format int

const (
	FormatUnknown Format = iota
	FormatR8G8B8A8Unorm
	FormatR8G8B8A8UnormSRGB
	FormatR32Float
	FormatR32Typeless
	FormatD32Float
	FormatR16G16B16A16Float
	FormatR32Uint
)

// BytesPerPixel returns zero for formats without a fixed texel size.
func (f Format) BytesPerPixel() uint32 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatR8G8B8A8UnormSRGB, FormatR32Float, FormatR32Typeless, FormatD32Float, FormatR32Uint:
		return 4
	case FormatR16G16B16A16Float:
		return 8
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case FormatR8G8B8A8Unorm:
		return "R8G8B8A8_UNORM"
	case FormatR8G8B8A8UnormSRGB:
		return "R8G8B8A8_UNORM_SRGB"
	case FormatR32Float:
		return "R32_FLOAT"
	case FormatR32Typeless:
		return "R32_TYPELESS"
	case FormatD32Float:
		return "D32_FLOAT"
	case FormatR16G16B16A16Float:
		return "R16G16B16A16_FLOAT"
	case FormatR32Uint:
		return "R32_UINT"
	}
	return "UNKNOWN"
}

type ResourceState int

const (
	StateCommon ResourceState = iota
	StateCopyDest
	StateCopySource
	StateGenericRead
	StateShaderResource
	StateUnorderedAccess
	StateDepthWrite
	StateRenderTarget
	StatePresent
)

type QueueType int

const (
	QueueDirect QueueType = iota
	QueueCopy
	QueueCompute
	QueueTypeCount
)

func (q QueueType) String() string {
	switch q {
	case QueueDirect:
		return "direct"
	case QueueCopy:
		return "copy"
	case QueueCompute:
		return "compute"
	}
	return "unknown"
}

type HeapType int

const (
	// Device-local memory, written by copies.
	HeapDefault HeapType = iota
	// CPU-visible memory, persistently mappable.
	HeapUpload
)

type ResourceDimension int

const (
	DimensionBuffer ResourceDimension = iota
	DimensionTexture2D
)

type ResourceFlags uint32

const (
	ResourceFlagNone              ResourceFlags = 0
	ResourceFlagAllowDepthStencil ResourceFlags = 1 << 0
	ResourceFlagAllowUnordered    ResourceFlags = 1 << 1
	ResourceFlagAllowRenderTarget ResourceFlags = 1 << 2
)

type CullMode int

const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

type DescriptorRangeType int

const (
	RangeCBV DescriptorRangeType = iota
	RangeSRV
	RangeUAV
)

type RootParameterKind int

const (
	RootParameterTable RootParameterKind = iota
	RootParameterConstants
)
