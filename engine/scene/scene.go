package scene

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/systems"
)

// FrameCBVID is the id every material shares its per-frame constant buffer under.
const FrameCBVID = "frame"

/**
 * @brief A loaded scene: camera, light, and the batches of game objects streamed
 * in through the asset factory.
 */
type Scene struct {
	Name           string
	Kind           Kind
	Camera         *Camera
	LightDirection math.Vec3

	desc      *Descriptor
	hooks     kindHooks
	batches   []*Batch
	objects   []*GameObject
	drawables [BatchKindCount][]systems.Drawable
	orbit     orbitState
	elapsed   float64
}

/**
 * @brief Builds the scene from desc. Assets are requested through the factory, so
 * they stream in when loading is active and are read in place otherwise.
 */
func Load(ctx context.Context, desc *Descriptor, device gpu.Device, sm *systems.SystemManager, aspect float32) (*Scene, error) {
	kind, err := ParseKind(desc.Kind)
	if err != nil {
		return nil, err
	}
	c := desc.Camera
	camera := NewCamera(math.DegToRad(c.Fov), aspect, c.Near, c.Far)
	camera.SetPosition(toVec3(c.Position))
	camera.LookAt(toVec3(c.Target))

	s := &Scene{
		Name:           desc.Name,
		Kind:           kind,
		Camera:         camera,
		LightDirection: toVec3(desc.Light.Direction).Normalized(),
		desc:           desc,
		hooks:          sceneKinds[kind],
	}
	if err := s.build(ctx, device, sm); err != nil {
		s.Release()
		return nil, err
	}
	if err := s.hooks.load(s); err != nil {
		s.Release()
		return nil, err
	}
	core.LogInfo("scene `%s` (%s) loaded: %d batches, %d objects", s.Name, s.Kind, len(s.batches), len(s.objects))
	return s, nil
}

func (s *Scene) build(ctx context.Context, device gpu.Device, sm *systems.SystemManager) error {
	factory := sm.Factory()
	frameSize := uint32(binary.Size(metadata.FrameConstants{}))
	drawSize := uint32(binary.Size(metadata.DrawConstants{}))

	vertex := factory.CreateShader(s.desc.Shaders.Vertex, metadata.ShaderStageVertex)
	batches := make(map[string]*Batch, len(s.desc.Batches))
	for _, bd := range s.desc.Batches {
		kind, err := ParseBatchKind(bd.Kind)
		if err != nil {
			return err
		}
		rootSig, err := systems.NewRootSignature(device, systems.RootSignatureConfig{
			Name:           bd.Name,
			NumCBVPerFrame: 1,
			NumCBVPerDraw:  1,
			NumSRV:         bd.Textures,
			NumSRVDynamic:  1,
		})
		if err != nil {
			return err
		}
		pixel := s.desc.Shaders.Pixel
		if bd.Pixel != "" {
			pixel = bd.Pixel
		}
		b := &Batch{
			Name:    bd.Name,
			Kind:    kind,
			rootSig: rootSig,
			vertex:  vertex,
			pixel:   factory.CreateShader(pixel, metadata.ShaderStagePixel),
		}
		batches[bd.Name] = b
		s.batches = append(s.batches, b)
	}

	for _, od := range s.desc.Objects {
		b := batches[od.Batch]
		obj := &GameObject{
			ID:        core.NewIdentifier(),
			Name:      od.Name,
			Transform: math.NewTransformFromPosition(toVec3(od.Position)),
			resources: sm.Resources(),
		}
		obj.Transform.SetRotation(toVec3(od.Rotation).MulScalar(math.K_DEG2RAD))
		obj.Transform.SetScale(toVec3(od.Scale))
		obj.model = factory.CreateModel(ctx, od.Model)
		for _, path := range od.Textures {
			obj.textures = append(obj.textures, factory.CreateTexture(ctx, path, true))
		}

		mat := systems.NewMaterial(fmt.Sprintf("%s/%s", b.Name, od.Name), sm.Descriptors())
		obj.material = mat
		b.objects = append(b.objects, obj)
		if err := mat.AddPerFrameCBV([]uint32{frameSize}, FrameCBVID); err != nil {
			return err
		}
		if err := mat.AddPerDrawCBV([]uint32{drawSize}); err != nil {
			return err
		}
		if err := mat.AddSRVs(obj.textures); err != nil {
			return err
		}
		if err := mat.AddDynamicSRVs(1); err != nil {
			return err
		}
		if err := mat.Matches(b.rootSig.Info()); err != nil {
			return err
		}

		s.objects = append(s.objects, obj)
		s.drawables[b.Kind] = append(s.drawables[b.Kind], obj)
	}
	return nil
}

func (s *Scene) Descriptor() *Descriptor {
	return s.desc
}

func (s *Scene) Batches() []*Batch {
	return s.batches
}

func (s *Scene) Objects() []*GameObject {
	return s.objects
}

func (s *Scene) FindObject(name string) (*GameObject, bool) {
	for _, obj := range s.objects {
		if obj.Name == name {
			return obj, true
		}
	}
	return nil, false
}

func (s *Scene) Opaques() []systems.Drawable {
	return s.drawables[BatchOpaque]
}

func (s *Scene) AlphaTested() []systems.Drawable {
	return s.drawables[BatchAlphaTest]
}

func (s *Scene) Transparents() []systems.Drawable {
	return s.drawables[BatchTransparent]
}

// Elapsed is the scene time in seconds since load.
func (s *Scene) Elapsed() float64 {
	return s.elapsed
}

func (s *Scene) Update(deltaTime float64) {
	s.elapsed += deltaTime
	s.hooks.update(s, deltaTime)
}

// ShaderChanged drops the pipelines built from shader and reports whether any
// batch uses it.
func (s *Scene) ShaderChanged(shader containers.Handle) bool {
	used := false
	for _, b := range s.batches {
		if b.UsesShader(shader) {
			b.InvalidatePipeline()
			used = true
		}
	}
	return used
}

// Release frees materials, pipelines and root signatures. Assets stay with the
// resource system.
func (s *Scene) Release() {
	for _, b := range s.batches {
		b.release()
	}
	s.batches = nil
	s.objects = nil
	s.drawables = [BatchKindCount][]systems.Drawable{}
}
