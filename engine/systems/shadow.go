package systems

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chewxy/math32"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

var (
	ErrTooManyCascades       = errors.New("too many shadow cascades")
	ErrNoCascades            = errors.New("shadow system needs at least one cascade")
	ErrInvalidCascadeSplits  = errors.New("invalid shadow cascade splits")
	ErrShadowsNotInitialized = errors.New("shadow system not initialized")
)

/**
 * @brief Anything the shadow pass can draw.
 */
type Drawable interface {
	BoundingSphere() math.Sphere
	Model() containers.Handle
	Material() *Material
}

/**
 * @brief The object lists the shadow pass reads from the current scene.
 */
type ShadowScene interface {
	Opaques() []Drawable
	AlphaTested() []Drawable
	Transparents() []Drawable
}

type ShadowSystemConfig struct {
	NumCascades uint32
	/** @brief Texel size of one cascade; the shadow map is NumCascades of these side by side. */
	Resolution uint32
	/** @brief Re-render the shadow map every TimeSlice frames. */
	TimeSlice            uint32
	DepthBias            int32
	SlopeScaledDepthBias float32
	/** @brief Extra depth added in front of and behind every cascade. */
	BiasMargin        float32
	UseSceneBounds    bool
	UseBoundingSphere bool
	/** @brief Optional NumCascades+1 split values from 0 to 1. Empty derives them. */
	Percents     []float32
	VertexShader []byte
}

/**
 * @brief Cascaded shadow maps for a single directional light. All cascades share one
 * depth texture, each cascade owning a Resolution wide column of it.
 */
type ShadowSystem struct {
	config      *ShadowSystemConfig
	device      gpu.Device
	descriptors *DescriptorSystem
	resources   *ResourceSystem

	splits    []float32
	cascades  [metadata.MaxShadowMapCascades]metadata.CascadeInfo
	shadowMap gpu.Resource
	rootSig   *RootSignature
	pipeline  gpu.PipelineState
	material  *Material

	frame       uint64
	dirty       bool
	initialized bool
}

func NewShadowSystem(config *ShadowSystemConfig, device gpu.Device, descriptors *DescriptorSystem, resources *ResourceSystem) (*ShadowSystem, error) {
	// both are fatal to the caller
	if config.NumCascades == 0 {
		return nil, ErrNoCascades
	}
	if config.NumCascades > metadata.MaxShadowMapCascades {
		return nil, fmt.Errorf("func NewShadowSystem - %w: %d requested, limit is %d", ErrTooManyCascades, config.NumCascades, metadata.MaxShadowMapCascades)
	}
	if config.Resolution == 0 {
		err := fmt.Errorf("func NewShadowSystem - %w: Resolution must be > 0", ErrInvalidConfig)
		core.LogError(err.Error())
		return nil, err
	}
	if config.TimeSlice == 0 {
		config.TimeSlice = 1
	}
	ss := &ShadowSystem{
		config:      config,
		device:      device,
		descriptors: descriptors,
		resources:   resources,
		dirty:       true,
	}
	if err := ss.CalculateNearFarPercents(); err != nil {
		return nil, err
	}
	return ss, nil
}

/**
 * @brief Creates the shared depth texture, the depth-only root signature and pipeline,
 * and the per-frame constant buffers holding every cascade's view-projection.
 */
func (ss *ShadowSystem) Initialize() error {
	n, res := ss.config.NumCascades, ss.config.Resolution
	desc := gpu.Texture2DDesc("shadow-map", res*n, res, 1, 1, gpu.FormatR32Typeless)
	desc.Flags |= gpu.ResourceFlagAllowDepthStencil
	desc.InitialState = gpu.StateShaderResource
	shadowMap, err := ss.device.CreateCommittedResource(desc)
	if err != nil {
		return err
	}
	ss.shadowMap = shadowMap

	ss.rootSig, err = NewRootSignature(ss.device, RootSignatureConfig{
		Name:           "shadow",
		NumCBVPerFrame: 1,
		NumCBVPerDraw:  1,
		NumConstants:   1,
	})
	if err != nil {
		ss.Shutdown()
		return err
	}

	ss.pipeline, err = ss.device.CreatePipelineState(gpu.PipelineStateDesc{
		Name:                 "shadow",
		RootSignature:        ss.rootSig.Handle(),
		VertexShader:         ss.config.VertexShader,
		VertexStride:         metadata.VertexStride,
		CullMode:             gpu.CullFront,
		DepthBias:            ss.config.DepthBias,
		SlopeScaledDepthBias: ss.config.SlopeScaledDepthBias,
		DepthFormat:          gpu.FormatD32Float,
		DepthWrite:           true,
	})
	if err != nil {
		ss.Shutdown()
		return err
	}

	ss.material = NewMaterial("shadow", ss.descriptors)
	size := uint32(binary.Size(metadata.ShadowConstants{}))
	if err := ss.material.AddPerFrameCBV([]uint32{size}, ""); err != nil {
		ss.Shutdown()
		return err
	}

	ss.dirty = true
	ss.frame = 0
	ss.initialized = true
	core.LogInfo("shadow map %dx%d, %d cascades, splits %v", res*n, res, n, ss.splits)
	return nil
}

/**
 * @brief Derives the cascade splits: n+1 values from 0 to 1. Without explicit values
 * each cascade spans twice the depth of the one before it.
 */
func CalculateNearFarPercents(numCascades uint32, explicit []float32) ([]float32, error) {
	if numCascades == 0 {
		return nil, ErrNoCascades
	}
	if len(explicit) != 0 {
		if len(explicit) != int(numCascades)+1 {
			return nil, fmt.Errorf("%w: %d cascades need %d values, got %d", ErrInvalidCascadeSplits, numCascades, numCascades+1, len(explicit))
		}
		if explicit[0] != 0 || explicit[len(explicit)-1] != 1 {
			return nil, fmt.Errorf("%w: splits must run from 0 to 1", ErrInvalidCascadeSplits)
		}
		for i := 1; i < len(explicit); i++ {
			if explicit[i] <= explicit[i-1] {
				return nil, fmt.Errorf("%w: split %d is not increasing", ErrInvalidCascadeSplits, i)
			}
		}
		return append([]float32(nil), explicit...), nil
	}

	splits := make([]float32, numCascades+1)
	total := math32.Pow(2, float32(numCascades)) - 1
	for i := uint32(1); i < numCascades; i++ {
		splits[i] = (math32.Pow(2, float32(i)) - 1) / total
	}
	splits[numCascades] = 1
	return splits, nil
}

func (ss *ShadowSystem) CalculateNearFarPercents() error {
	splits, err := CalculateNearFarPercents(ss.config.NumCascades, ss.config.Percents)
	if err != nil {
		return err
	}
	ss.splits = splits
	for i := uint32(0); i < ss.config.NumCascades; i++ {
		ss.cascades[i].NearPercent = splits[i]
		ss.cascades[i].FarPercent = splits[i+1]
	}
	ss.dirty = true
	return nil
}

func (ss *ShadowSystem) NumCascades() uint32 {
	return ss.config.NumCascades
}

func (ss *ShadowSystem) Cascades() []metadata.CascadeInfo {
	return ss.cascades[:ss.config.NumCascades]
}

func (ss *ShadowSystem) Cascade(index uint32) metadata.CascadeInfo {
	return ss.cascades[index]
}

func (ss *ShadowSystem) ShadowMap() gpu.Resource {
	return ss.shadowMap
}

// SetDirty forces the next Update and Render to run regardless of the time slice.
func (ss *ShadowSystem) SetDirty() {
	ss.dirty = true
}

func (ss *ShadowSystem) due() bool {
	return ss.dirty || ss.frame%uint64(ss.config.TimeSlice) == 0
}

/**
 * @brief Recomputes every cascade's light-space box and matrices for the camera
 * frustum. Skipped on frames the time slice leaves out; scene may be nil.
 */
func (ss *ShadowSystem) Update(lightDir math.Vec3, frustum *math.Frustum, eye math.Vec3, scene ShadowScene) {
	if !ss.due() {
		return
	}
	basis := math.NewLightBasis(lightDir)
	for i := uint32(0); i < ss.config.NumCascades; i++ {
		ss.updateCascade(i, basis, lightDir, frustum, eye, scene)
	}
}

func (ss *ShadowSystem) updateCascade(index uint32, basis math.LightBasis, lightDir math.Vec3, frustum *math.Frustum, eye math.Vec3, scene ShadowScene) {
	c := &ss.cascades[index]

	boxBounds := frustum.GetBoundingBoxFromDir(lightDir, c.NearPercent, c.FarPercent)
	sphereBounds, sphere := frustum.GetBoundingSphereFromDir(lightDir, c.NearPercent, c.FarPercent)
	bounds := boxBounds
	if ss.config.UseBoundingSphere {
		bounds = sphereBounds
	}
	if ss.config.UseSceneBounds && scene != nil {
		bounds = bounds.Union(ss.CalculateSceneBounds(basis, frustum, c.NearPercent, c.FarPercent, scene))
	}

	// the box always spans Resolution texels, one of them spent on the floored
	// origin. Texel size follows the slab's bounding sphere, which camera
	// rotation leaves alone.
	side := math32.Ceil(math32.Max(2*sphere.Radius, math32.Max(bounds.Width(), bounds.Height())))
	upt := side / float32(max(ss.config.Resolution-1, 1))
	if upt <= 0 {
		upt = 1 / float32(ss.config.Resolution)
	}
	extent := float32(ss.config.Resolution) * upt

	lightEye := basis.ToLight(eye)
	lightEye.X = math.SnapDown(lightEye.X, upt)
	lightEye.Y = math.SnapDown(lightEye.Y, upt)
	origin := basis.FromLight(lightEye)

	relMin := bounds.Min.Sub(lightEye)
	relMax := bounds.Max.Sub(lightEye)

	c.UnitsPerTexel = upt
	c.Left = math.SnapDown(relMin.X, upt)
	c.Bottom = math.SnapDown(relMin.Y, upt)
	c.Width = extent
	c.Height = extent
	c.Near = relMin.Z - ss.config.BiasMargin
	c.Far = relMax.Z + ss.config.BiasMargin

	c.View = basis.ViewMatrix(origin)
	c.Proj = math.NewMat4OrthographicOffCenterLH(c.Left, c.Left+c.Width, c.Bottom, c.Bottom+c.Height, c.Near, c.Far)
	c.ViewProj = c.View.Mul(c.Proj)
}

/**
 * @brief Light-space bounds of every opaque and transparent object touching the
 * cascade's depth slab.
 */
func (ss *ShadowSystem) CalculateSceneBounds(basis math.LightBasis, frustum *math.Frustum, nearPercent, farPercent float32, scene ShadowScene) math.LightBounds {
	bounds := math.EmptyLightBounds()
	extend := func(objects []Drawable) {
		for _, obj := range objects {
			s := obj.BoundingSphere()
			if !frustum.CheckSphere(s.Center, s.Radius, nearPercent, farPercent) {
				continue
			}
			bounds = bounds.ExtendSphere(basis.ToLight(s.Center), s.Radius)
		}
	}
	extend(scene.Opaques())
	extend(scene.Transparents())
	return bounds
}

/**
 * @brief Reports whether a sphere overlaps the cascade's orthographic box. Depth and
 * both lateral axes must all overlap.
 */
func (ss *ShadowSystem) CheckWithinBounds(cascade uint32, position math.Vec3, radius float32) bool {
	c := &ss.cascades[cascade]
	p := position.TransformPoint(c.View)
	withinDepth := p.Z+radius >= c.Near && p.Z-radius <= c.Far
	withinWidth := p.X+radius >= c.Left && p.X-radius <= c.Left+c.Width
	withinHeight := p.Y+radius >= c.Bottom && p.Y-radius <= c.Bottom+c.Height
	return withinDepth && withinWidth && withinHeight
}

/**
 * @brief Records the shadow pass into cl, one viewport per cascade. The shadow map
 * is left readable by the main pass. Skipped on frames the time slice leaves out.
 * @return Whether anything was recorded.
 */
func (ss *ShadowSystem) Render(cl gpu.CommandList, scene ShadowScene, backBuffer uint32) (bool, error) {
	if !ss.initialized {
		return false, ErrShadowsNotInitialized
	}
	defer func() { ss.frame++ }()
	if !ss.due() {
		return false, nil
	}

	var constants metadata.ShadowConstants
	for i := uint32(0); i < ss.config.NumCascades; i++ {
		constants.ViewProj[i] = ss.cascades[i].ViewProj
	}
	data, err := metadata.EncodeConstants(constants)
	if err != nil {
		return false, err
	}
	if err := ss.material.SetPerFrameCBV(0, data, backBuffer); err != nil {
		return false, err
	}

	info := ss.rootSig.Info()
	res := float32(ss.config.Resolution)

	cl.ResourceBarrier(ss.shadowMap, gpu.StateShaderResource, gpu.StateDepthWrite)
	cl.ClearDepthStencilView(ss.shadowMap, 1)
	cl.SetRenderTargets(nil, ss.shadowMap)
	cl.SetGraphicsRootSignature(ss.rootSig.Handle())
	cl.SetPipelineState(ss.pipeline)
	cl.SetDescriptorHeap(ss.descriptors.Heap())
	perFrame, _ := ss.material.PerFrameHandle(backBuffer)
	cl.SetGraphicsRootDescriptorTable(info.ParamIndexCBVPerFrame, perFrame)

	for i := uint32(0); i < ss.config.NumCascades; i++ {
		x := float32(i) * res
		cl.SetViewports(gpu.Viewport{X: x, Y: 0, Width: res, Height: res, MinDepth: 0, MaxDepth: 1})
		cl.SetScissorRects(gpu.Rect{Left: int32(x), Top: 0, Right: int32(x + res), Bottom: int32(res)})
		cl.SetGraphicsRoot32BitConstant(info.ParamIndexConstants, i, 0)
		ss.drawObjects(cl, info, i, scene.Opaques(), backBuffer)
		ss.drawObjects(cl, info, i, scene.AlphaTested(), backBuffer)
	}

	cl.ResourceBarrier(ss.shadowMap, gpu.StateDepthWrite, gpu.StateShaderResource)
	ss.dirty = false
	return true, nil
}

func (ss *ShadowSystem) drawObjects(cl gpu.CommandList, info metadata.RootParamInfo, cascade uint32, objects []Drawable, backBuffer uint32) {
	for _, obj := range objects {
		model, ok := ss.resources.GetLoadedModel(obj.Model())
		if !ok {
			continue
		}
		s := obj.BoundingSphere()
		if !ss.CheckWithinBounds(cascade, s.Center, s.Radius) {
			continue
		}
		mat := obj.Material()
		if mat == nil {
			continue
		}
		perDraw, ok := mat.PerDrawHandle(backBuffer)
		if !ok {
			continue
		}
		cl.SetGraphicsRootDescriptorTable(info.ParamIndexCBVPerDraw, perDraw)
		cl.SetVertexBuffer(model.VertexBuffer, metadata.VertexStride)
		cl.SetIndexBuffer(model.IndexBuffer, gpu.FormatR32Uint)
		cl.DrawIndexedInstanced(model.IndexCount, 1, 0, 0, 0)
	}
}

func (ss *ShadowSystem) Shutdown() error {
	if ss.material != nil {
		ss.material.Release()
		ss.material = nil
	}
	if ss.pipeline != nil {
		ss.pipeline.Release()
		ss.pipeline = nil
	}
	if ss.rootSig != nil {
		ss.rootSig.Release()
		ss.rootSig = nil
	}
	if ss.shadowMap != nil {
		ss.shadowMap.Release()
		ss.shadowMap = nil
	}
	ss.initialized = false
	return nil
}
