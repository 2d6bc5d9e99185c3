package metadata

import (
	"bytes"
	"encoding/binary"

	"github.com/spaghettifunk/prism/engine/math"
)

/**
 * @brief Root-signature slots for each descriptor category, plus how many
 * descriptors of that category a bound material must provide. A category
 * without descriptors has InvalidID as its index.
 */
type RootParamInfo struct {
	ParamIndexCBVPerFrame uint32
	ParamIndexCBVPerDraw  uint32
	ParamIndexSRV         uint32
	ParamIndexSRVDynamic  uint32
	/** @brief Root constants, used by the shadow pass for the cascade index. */
	ParamIndexConstants uint32

	NumCBVPerFrame uint32
	NumCBVPerDraw  uint32
	NumSRV         uint32
	NumSRVDynamic  uint32
	NumConstants   uint32
}

func NewRootParamInfo() RootParamInfo {
	return RootParamInfo{
		ParamIndexCBVPerFrame: InvalidID,
		ParamIndexCBVPerDraw:  InvalidID,
		ParamIndexSRV:         InvalidID,
		ParamIndexSRVDynamic:  InvalidID,
		ParamIndexConstants:   InvalidID,
	}
}

/** @brief Shadow cascades are stored in fixed-size arrays of this length. */
const MaxShadowMapCascades = 4

/**
 * @brief Orthographic extents of one cascade in light space. Left and Bottom
 * place the snapped box. Width and Height cover exactly the cascade's
 * resolution in texels of UnitsPerTexel.
 */
type CascadeInfo struct {
	Width       float32
	Height      float32
	Near        float32
	Far         float32
	Left        float32
	Bottom      float32
	NearPercent float32
	FarPercent  float32
	/** @brief World units covered by one shadow-map texel. */
	UnitsPerTexel float32
	View          math.Mat4
	Proj          math.Mat4
	ViewProj      math.Mat4
}

/**
 * @brief Per-frame data shared by every main-pass material: camera and light.
 * Mirrors the constant buffer layout, so fields are kept in 16 byte rows.
 */
type FrameConstants struct {
	ViewProj       math.Mat4
	EyePosition    math.Vec4
	LightDirection math.Vec4
	ShadowViewProj [MaxShadowMapCascades]math.Mat4
	CascadeSplits  math.Vec4
}

/**
 * @brief Per-draw data of one game object.
 */
type DrawConstants struct {
	World math.Mat4
}

/**
 * @brief Per-frame data of the shadow pass.
 */
type ShadowConstants struct {
	ViewProj [MaxShadowMapCascades]math.Mat4
}

// EncodeConstants lays out a fixed-size constants struct as little-endian bytes.
func EncodeConstants(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
