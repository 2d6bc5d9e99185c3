package scene

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/systems"
)

type BatchKind uint8

const (
	BatchOpaque BatchKind = iota
	BatchAlphaTest
	BatchTransparent
	BatchKindCount
)

func (k BatchKind) String() string {
	switch k {
	case BatchOpaque:
		return "opaque"
	case BatchAlphaTest:
		return "alphatest"
	case BatchTransparent:
		return "transparent"
	}
	return "unknown"
}

func ParseBatchKind(s string) (BatchKind, error) {
	switch s {
	case "", "opaque":
		return BatchOpaque, nil
	case "alphatest":
		return BatchAlphaTest, nil
	case "transparent":
		return BatchTransparent, nil
	}
	return 0, fmt.Errorf("%w: batch kind `%s`", ErrInvalidScene, s)
}

/**
 * @brief A model placed in the scene with its own material. Bounds only reflect
 * the model once it has finished streaming in.
 */
type GameObject struct {
	ID        uuid.UUID
	Name      string
	Transform *math.Transform

	model     containers.Handle
	textures  []containers.Handle
	material  *systems.Material
	resources *systems.ResourceSystem
}

func (g *GameObject) Model() containers.Handle {
	return g.model
}

func (g *GameObject) Textures() []containers.Handle {
	return g.textures
}

func (g *GameObject) Material() *systems.Material {
	return g.material
}

func (g *GameObject) IsLoaded() bool {
	return g.resources.Models().IsLoaded(g.model)
}

// BoundingSphere is a zero-radius sphere at the object's position until its model loads.
func (g *GameObject) BoundingSphere() math.Sphere {
	model, ok := g.resources.GetLoadedModel(g.model)
	if !ok {
		return math.Sphere{Center: g.Transform.Position()}
	}
	return math.Sphere{
		Center: model.Centroid.TransformPoint(g.Transform.Local()),
		Radius: model.BoundingRadius * g.Transform.MaxScale(),
	}
}

// DrawConstants is the per-draw constant buffer content of the object.
func (g *GameObject) DrawConstants() metadata.DrawConstants {
	return metadata.DrawConstants{World: g.Transform.Local()}
}

/**
 * @brief Objects drawn with the same shaders and root signature. The pipeline is
 * built lazily once both shaders have loaded.
 */
type Batch struct {
	Name string
	Kind BatchKind

	rootSig  *systems.RootSignature
	vertex   containers.Handle
	pixel    containers.Handle
	pipeline gpu.PipelineState
	objects  []*GameObject
}

func (b *Batch) RootSignature() *systems.RootSignature {
	return b.rootSig
}

func (b *Batch) Objects() []*GameObject {
	return b.objects
}

func (b *Batch) UsesShader(h containers.Handle) bool {
	return b.vertex == h || b.pixel == h
}

/**
 * @brief Returns the batch pipeline, creating it on first use.
 * @return false while either shader is still streaming or failed to load.
 */
func (b *Batch) Pipeline(device gpu.Device, resources *systems.ResourceSystem, rtFormat gpu.Format) (gpu.PipelineState, bool, error) {
	if b.pipeline != nil {
		return b.pipeline, true, nil
	}
	vs, ok := resources.GetLoadedShader(b.vertex)
	if !ok {
		return nil, false, nil
	}
	ps, ok := resources.GetLoadedShader(b.pixel)
	if !ok {
		return nil, false, nil
	}

	desc := gpu.PipelineStateDesc{
		Name:                b.Name,
		RootSignature:       b.rootSig.Handle(),
		VertexShader:        vs.Bytecode,
		PixelShader:         ps.Bytecode,
		VertexStride:        metadata.VertexStride,
		CullMode:            gpu.CullBack,
		DepthFormat:         gpu.FormatD32Float,
		DepthWrite:          true,
		RenderTargetFormats: []gpu.Format{rtFormat},
	}
	switch b.Kind {
	case BatchAlphaTest:
		desc.CullMode = gpu.CullNone
	case BatchTransparent:
		desc.DepthWrite = false
		desc.AlphaBlend = true
	}
	pso, err := device.CreatePipelineState(desc)
	if err != nil {
		return nil, false, fmt.Errorf("batch `%s` pipeline: %w", b.Name, err)
	}
	core.LogDebug("pipeline created for batch `%s`", b.Name)
	b.pipeline = pso
	return pso, true, nil
}

// InvalidatePipeline drops the pipeline so the next frame rebuilds it from the
// current shaders. The caller makes sure no frame in flight still uses it.
func (b *Batch) InvalidatePipeline() {
	if b.pipeline != nil {
		b.pipeline.Release()
		b.pipeline = nil
	}
}

func (b *Batch) release() {
	b.InvalidatePipeline()
	for _, obj := range b.objects {
		if obj.material != nil {
			obj.material.Release()
			obj.material = nil
		}
	}
	if b.rootSig != nil {
		b.rootSig.Release()
		b.rootSig = nil
	}
}
