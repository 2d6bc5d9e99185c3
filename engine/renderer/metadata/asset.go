package metadata

import (
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

/** @brief Sentinel for unassigned root parameter slots and ids. */
const InvalidID uint32 = 0xFFFFFFFF

/**
 * @brief Pre-defined asset kinds streamed by the engine.
 */
type AssetKind int

const (
	/** @brief Vertex and index buffers read from a .model file. */
	AssetKindModel AssetKind = iota
	/** @brief Six-face array texture. */
	AssetKindCubemap
	/** @brief Two-dimensional texture with a mip chain. */
	AssetKindTexture
	/** @brief Compiled shader bytecode. */
	AssetKindShader
	AssetKindCount
)

func (k AssetKind) String() string {
	switch k {
	case AssetKindModel:
		return "model"
	case AssetKindCubemap:
		return "cubemap"
	case AssetKindTexture:
		return "texture"
	case AssetKindShader:
		return "shader"
	}
	return "unknown"
}

/**
 * @brief One vertex as stored in .model files and vertex buffers. Tightly packed,
 * no padding.
 */
type Vertex struct {
	Position math.Vec3
	Texcoord math.Vec2
	Normal   math.Vec3
	Tangent  math.Vec3
	Binormal math.Vec3
}

const (
	/** @brief Number of float32 values in a Vertex. */
	VertexFloatCount = 14
	/** @brief Byte stride of a Vertex. */
	VertexStride = VertexFloatCount * 4
	/** @brief Byte size of one index. */
	IndexStride = 4
)

/**
 * @brief CPU side of a mesh before upload.
 */
type ModelData struct {
	BoundingRadius float32
	Centroid       math.Vec3
	Vertices       []Vertex
	Indices        []int32
}

/**
 * @brief A streamable model. The buffers are only safe to bind once the owning
 * slot reports loaded.
 */
type Model struct {
	/** @brief The name of the model, usually the file stem. */
	Name string
	/** @brief The full file path the model was read from. */
	Path           string
	BoundingRadius float32
	Centroid       math.Vec3
	VertexCount    uint32
	IndexCount     uint32
	VertexBuffer   gpu.Resource
	IndexBuffer    gpu.Resource
}

func (m *Model) Release() {
	if m.VertexBuffer != nil {
		m.VertexBuffer.Release()
		m.VertexBuffer = nil
	}
	if m.IndexBuffer != nil {
		m.IndexBuffer.Release()
		m.IndexBuffer = nil
	}
}

/**
 * @brief Represents various types of textures.
 */
type TextureKind int

const (
	/** @brief A standard two-dimensional texture. */
	TextureKind2D TextureKind = iota
	/** @brief A cube texture, stored as an array of six layers. */
	TextureKindCube
)

/** @brief Number of faces in a cubemap. */
const CubemapFaceCount = 6

/**
 * @brief Decoded pixels of a single image, always four channels per texel.
 */
type ImageData struct {
	Width  uint32
	Height uint32
	/** @brief The channel count of the source before padding. */
	Channels uint8
	HasAlpha bool
	Pixels   []byte
}

/**
 * @brief Represents a texture.
 */
type Texture struct {
	/** @brief The full file path, or the base path for cubemaps. */
	Path   string
	Kind   TextureKind
	Width  uint32
	Height uint32
	/** @brief The channel count of the source image. */
	Channels  uint8
	HasAlpha  bool
	Format    gpu.Format
	MipLevels uint16
	ArraySize uint16
	Resource  gpu.Resource
}

func (t *Texture) Release() {
	if t.Resource != nil {
		t.Resource.Release()
		t.Resource = nil
	}
}

/**
 * @brief Pipeline stage a shader is compiled for.
 */
type ShaderStage int

const (
	ShaderStageVertex ShaderStage = iota
	ShaderStagePixel
	ShaderStageCompute
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderStageVertex:
		return "vertex"
	case ShaderStagePixel:
		return "pixel"
	case ShaderStageCompute:
		return "compute"
	}
	return "unknown"
}

type Shader struct {
	Path     string
	Stage    ShaderStage
	Bytecode []byte
}
