package scene

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
	"github.com/spaghettifunk/prism/engine/systems"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

const testScene = `
name = "cubes"
kind = "orbit"

[camera]
position = [0.0, 4.0, -10.0]
target = [0.0, 0.0, 0.0]

[light]
direction = [0.3, -1.0, 0.2]

[shaders]
vertex = "shaders/lit.vs.spv"
pixel = "shaders/lit.ps.spv"
shadow_vertex = "shaders/shadow.vs.spv"

[[batches]]
name = "solid"
kind = "opaque"
textures = 1

[[batches]]
name = "glass"
kind = "transparent"
pixel = "shaders/glass.ps.spv"

[[objects]]
name = "floor"
batch = "solid"
model = "models/cube.model"
textures = ["textures/checker.png"]
position = [0.0, -1.0, 0.0]
scale = [10.0, 0.1, 10.0]

[[objects]]
batch = "solid"
model = "models/cube.model"
textures = ["textures/checker.png"]
position = [0.0, 1.0, 0.0]
rotation = [0.0, 45.0, 0.0]

[[objects]]
name = "pane"
batch = "glass"
model = "models/cube.model"
position = [2.0, 1.0, 0.0]
`

type proceduralSource struct{}

func (proceduralSource) LoadModel(path string) (*metadata.ModelData, error) {
	return loaders.CubeModel(1), nil
}

func (proceduralSource) LoadTexture(path string) (*metadata.ImageData, error) {
	return loaders.CheckerImage(8, 2, [4]byte{255, 255, 255, 255}, [4]byte{0, 0, 0, 255}), nil
}

func (proceduralSource) LoadCubemap(basePath, extension string) ([metadata.CubemapFaceCount]*metadata.ImageData, error) {
	var faces [metadata.CubemapFaceCount]*metadata.ImageData
	for i := range faces {
		faces[i] = loaders.CheckerImage(4, 1, [4]byte{255, 0, 0, 255}, [4]byte{0, 0, 0, 255})
	}
	return faces, nil
}

func (proceduralSource) LoadShader(path string) ([]byte, error) {
	return []byte{0x03, 0x02, 0x23, 0x07}, nil
}

func newTestSystems(t *testing.T) (*soft.Device, *systems.SystemManager) {
	t.Helper()
	device := soft.NewDevice()
	sm, err := systems.NewSystemManager(&systems.SystemManagerConfig{
		HeapCapacity: 256,
		LoadThreads:  1,
		IdleWait:     time.Millisecond,
	}, device, proceduralSource{}, core.NewAsyncLog(16))
	require.NoError(t, err)
	require.NoError(t, sm.Initialize())
	t.Cleanup(func() { sm.Shutdown() })
	return device, sm
}

func TestParseDescriptorFillsDefaults(t *testing.T) {
	desc, err := ParseDescriptor([]byte(testScene))
	require.NoError(t, err)
	assert.Equal(t, "cubes", desc.Name)
	assert.Equal(t, float32(60), desc.Camera.Fov)
	assert.Equal(t, float32(100), desc.Camera.Far)
	assert.Equal(t, float32(0.25), desc.Orbit.Speed)
	require.Len(t, desc.Objects, 3)
	assert.Equal(t, "object-1", desc.Objects[1].Name)
	assert.Equal(t, [3]float32{1, 1, 1}, desc.Objects[1].Scale)
	assert.Equal(t, [3]float32{10, 0.1, 10}, desc.Objects[0].Scale)
}

func TestParseDescriptorRejectsBrokenScenes(t *testing.T) {
	base := `
name = "broken"
%s
[camera]
position = [0.0, 0.0, -5.0]
[light]
direction = %s
[shaders]
vertex = "a.spv"
pixel = "b.spv"
shadow_vertex = "c.spv"
[[batches]]
name = "solid"
kind = "%s"
textures = 1
[[objects]]
batch = "%s"
model = "m.model"
textures = %s
`
	for name, tc := range map[string]struct {
		kind, light, batchKind, batch, textures string
		want                                    error
	}{
		"unknown kind":     {`kind = "spinning"`, "[0.0, -1.0, 0.0]", "opaque", "solid", `["t.png"]`, ErrUnknownSceneKind},
		"zero light":       {"", "[0.0, 0.0, 0.0]", "opaque", "solid", `["t.png"]`, ErrInvalidScene},
		"bad batch kind":   {"", "[0.0, -1.0, 0.0]", "wireframe", "solid", `["t.png"]`, ErrInvalidScene},
		"unknown batch":    {"", "[0.0, -1.0, 0.0]", "opaque", "glass", `["t.png"]`, ErrUnknownBatch},
		"texture mismatch": {"", "[0.0, -1.0, 0.0]", "opaque", "solid", `[]`, ErrInvalidScene},
		"not toml":         {"kind = = 3", "[0.0, -1.0, 0.0]", "opaque", "solid", `["t.png"]`, ErrInvalidScene},
	} {
		data := []byte(fmt.Sprintf(base, tc.kind, tc.light, tc.batchKind, tc.batch, tc.textures))
		_, err := ParseDescriptor(data)
		assert.ErrorIs(t, err, tc.want, name)
	}
}

func TestLoadDescriptorFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cubes.toml")
	require.NoError(t, os.WriteFile(path, []byte(testScene), 0o644))
	desc, err := LoadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "orbit", desc.Kind)

	_, err = LoadDescriptor(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCameraLooksAtTarget(t *testing.T) {
	c := NewCamera(math.DegToRad(60), 16.0/9.0, 0.1, 100)
	c.SetPosition(math.NewVec3(0, 0, -10))
	c.LookAt(math.NewVec3Zero())
	assert.True(t, c.Forward().Compare(math.NewVec3Forward(), 1e-6))
	assert.True(t, c.Right().Compare(math.NewVec3(1, 0, 0), 1e-6))
	assert.True(t, math.NewVec3Zero().TransformPoint(c.GetView()).Compare(math.NewVec3(0, 0, 10), 1e-5))

	c.SetPosition(math.NewVec3(10, 0, 0))
	c.LookAt(math.NewVec3Zero())
	assert.True(t, c.Forward().Compare(math.NewVec3(-1, 0, 0), 1e-6))
	assert.True(t, c.Frustum().CheckSphere(math.NewVec3Zero(), 0.5, 0, 1))
	assert.False(t, c.Frustum().CheckSphere(math.NewVec3(20, 0, 0), 0.5, 0, 1))
}

func TestCameraPitchIsClamped(t *testing.T) {
	c := NewCamera(math.DegToRad(60), 1, 0.1, 100)
	c.Pitch(10)
	assert.Equal(t, pitchLimit, c.GetEulerRotation().X)
	c.LookAt(math.NewVec3(0, 1000, 0.001))
	assert.LessOrEqual(t, c.GetEulerRotation().X, pitchLimit)
	assert.False(t, c.Right().Compare(math.NewVec3Zero(), 1e-3))
}

func TestLoadBuildsBatchesAndMaterials(t *testing.T) {
	device, sm := newTestSystems(t)
	desc, err := ParseDescriptor([]byte(testScene))
	require.NoError(t, err)

	s, err := Load(context.Background(), desc, device, sm, 16.0/9.0)
	require.NoError(t, err)
	defer s.Release()

	assert.Len(t, s.Opaques(), 2)
	assert.Empty(t, s.AlphaTested())
	assert.Len(t, s.Transparents(), 1)
	require.Len(t, s.Batches(), 2)

	for _, b := range s.Batches() {
		info := b.RootSignature().Info()
		for _, obj := range b.Objects() {
			require.NoError(t, obj.Material().Matches(info), obj.Name)
			// loading is off, so the factory read everything in place
			assert.True(t, obj.IsLoaded(), obj.Name)
			assert.NotEqual(t, uuid.Nil, obj.ID)
		}
	}

	floor, ok := s.FindObject("floor")
	require.True(t, ok)
	sphere := floor.BoundingSphere()
	assert.InDelta(t, 10*math32.Sqrt(3), sphere.Radius, 1e-4)
	assert.True(t, sphere.Center.Compare(math.NewVec3(0, -1, 0), 1e-5))

	// one per-frame buffer for the scene, per-draw buffers per object
	a, b := s.Opaques()[0].Material(), s.Opaques()[1].Material()
	assert.Same(t, a.PerFrameCBVs(), b.PerFrameCBVs())
	assert.NotSame(t, a.PerDrawCBVs(), b.PerDrawCBVs())
}

func TestBatchPipelineIsBuiltOnceAndRebuiltOnShaderChange(t *testing.T) {
	device, sm := newTestSystems(t)
	desc, err := ParseDescriptor([]byte(testScene))
	require.NoError(t, err)
	s, err := Load(context.Background(), desc, device, sm, 1)
	require.NoError(t, err)
	defer s.Release()

	solid, glass := s.Batches()[0], s.Batches()[1]
	solidPSO, ok, err := solid.Pipeline(device, sm.Resources(), gpu.FormatR8G8B8A8Unorm)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, solidPSO.Desc().DepthWrite)

	pso, ok, err := glass.Pipeline(device, sm.Resources(), gpu.FormatR8G8B8A8Unorm)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, pso.Desc().DepthWrite)
	assert.True(t, pso.Desc().AlphaBlend)

	again, _, _ := glass.Pipeline(device, sm.Resources(), gpu.FormatR8G8B8A8Unorm)
	assert.Same(t, pso, again)

	pixel, ok := sm.Resources().FindShader("shaders/glass.ps.spv")
	require.True(t, ok)
	assert.True(t, s.ShaderChanged(pixel))
	rebuilt, ok, err := glass.Pipeline(device, sm.Resources(), gpu.FormatR8G8B8A8Unorm)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, pso, rebuilt)

	after, _, _ := solid.Pipeline(device, sm.Resources(), gpu.FormatR8G8B8A8Unorm)
	assert.Same(t, solidPSO, after, "changing the glass shader leaves the solid batch alone")
}

func TestPipelineWaitsForShaders(t *testing.T) {
	device, sm := newTestSystems(t)
	rootSig, err := systems.NewRootSignature(device, systems.RootSignatureConfig{Name: "pending", NumCBVPerDraw: 1})
	require.NoError(t, err)
	vs, _ := sm.Resources().TryGetShader("shaders/pending.vs.spv", metadata.ShaderStageVertex)
	ps, _ := sm.Resources().TryGetShader("shaders/pending.ps.spv", metadata.ShaderStagePixel)
	b := &Batch{Name: "pending", rootSig: rootSig, vertex: vs, pixel: ps}
	defer b.release()

	_, ok, err := b.Pipeline(device, sm.Resources(), gpu.FormatR8G8B8A8Unorm)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrbitKeepsDistanceToTarget(t *testing.T) {
	device, sm := newTestSystems(t)
	desc, err := ParseDescriptor([]byte(testScene))
	require.NoError(t, err)
	s, err := Load(context.Background(), desc, device, sm, 1)
	require.NoError(t, err)
	defer s.Release()

	start := s.Camera.GetPosition()
	for i := 0; i < 10; i++ {
		s.Update(0.5)
	}
	moved := s.Camera.GetPosition()
	assert.False(t, start.Compare(moved, 1e-3))
	assert.InDelta(t, start.Length(), moved.Length(), 1e-3)
	assert.InDelta(t, start.Y, moved.Y, 1e-5)
	assert.InDelta(t, 5.0, s.Elapsed(), 1e-9)

	// still facing the target
	toTarget := moved.MulScalar(-1).Normalized()
	assert.True(t, s.Camera.Forward().Compare(toTarget, 1e-5))
}

func TestStaticSceneDoesNotMove(t *testing.T) {
	device, sm := newTestSystems(t)
	desc, err := ParseDescriptor([]byte(testScene))
	require.NoError(t, err)
	desc.Kind = "static"
	s, err := Load(context.Background(), desc, device, sm, 1)
	require.NoError(t, err)
	defer s.Release()

	start := s.Camera.GetPosition()
	s.Update(1)
	assert.Equal(t, start, s.Camera.GetPosition())
}

func TestBoundingSphereBeforeLoad(t *testing.T) {
	rs := systems.NewResourceSystem()
	h, _ := rs.TryGetModel("models/streaming.model")
	obj := &GameObject{Transform: math.NewTransformFromPosition(math.NewVec3(1, 2, 3)), model: h, resources: rs}
	sphere := obj.BoundingSphere()
	assert.Zero(t, sphere.Radius)
	assert.Equal(t, math.NewVec3(1, 2, 3), sphere.Center)
	assert.False(t, obj.IsLoaded())
}
