package renderer

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
	"github.com/spaghettifunk/prism/engine/scene"
	"github.com/spaghettifunk/prism/engine/systems"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

const frameScene = `
name = "frame"

[camera]
position = [0.0, 3.0, -8.0]

[light]
direction = [0.3, -1.0, 0.2]

[shaders]
vertex = "shaders/lit.vs.spv"
pixel = "shaders/lit.ps.spv"
shadow_vertex = "shaders/shadow.vs.spv"

[[batches]]
name = "solid"
textures = 1

[[batches]]
name = "glass"
kind = "transparent"

[[objects]]
name = "floor"
batch = "solid"
model = "models/cube.model"
textures = ["textures/checker.png"]
position = [0.0, -1.0, 0.0]
scale = [10.0, 0.1, 10.0]

[[objects]]
name = "crate"
batch = "solid"
model = "models/cube.model"
textures = ["textures/checker.png"]
position = [0.0, 1.0, 0.0]

[[objects]]
name = "pane"
batch = "glass"
model = "models/missing.model"
`

const emptyScene = `
name = "empty"

[camera]
position = [0.0, 0.0, -5.0]

[light]
direction = [0.0, -1.0, 0.0]

[shaders]
vertex = "a.vs.spv"
pixel = "a.ps.spv"
shadow_vertex = "s.vs.spv"

[[batches]]
name = "solid"
`

var errMissing = errors.New("missing")

type testSource struct{}

func (testSource) LoadModel(path string) (*metadata.ModelData, error) {
	if path == "models/missing.model" {
		return nil, errMissing
	}
	return loaders.CubeModel(1), nil
}

func (testSource) LoadTexture(path string) (*metadata.ImageData, error) {
	return loaders.CheckerImage(8, 2, [4]byte{255, 255, 255, 255}, [4]byte{0, 0, 0, 255}), nil
}

func (testSource) LoadCubemap(basePath, extension string) ([metadata.CubemapFaceCount]*metadata.ImageData, error) {
	var faces [metadata.CubemapFaceCount]*metadata.ImageData
	return faces, errMissing
}

func (testSource) LoadShader(path string) ([]byte, error) {
	return []byte{0x03, 0x02, 0x23, 0x07}, nil
}

type testEnv struct {
	device   *soft.Device
	sm       *systems.SystemManager
	renderer *Renderer
	scene    *scene.Scene
}

func newTestEnv(t *testing.T, source string, opts ...soft.DeviceOption) *testEnv {
	t.Helper()
	device := soft.NewDevice(opts...)
	sm, err := systems.NewSystemManager(&systems.SystemManagerConfig{
		HeapCapacity: 256,
		LoadThreads:  1,
		IdleWait:     time.Millisecond,
	}, device, testSource{}, core.NewAsyncLog(16))
	require.NoError(t, err)
	require.NoError(t, sm.Initialize())

	r, err := NewRenderer(&RendererConfig{Width: 320, Height: 180}, device)
	require.NoError(t, err)
	require.NoError(t, r.Initialize())

	desc, err := scene.ParseDescriptor([]byte(source))
	require.NoError(t, err)
	s, err := scene.Load(context.Background(), desc, device, sm, r.AspectRatio())
	require.NoError(t, err)

	t.Cleanup(func() {
		device.Release()
		s.Release()
		sm.Shutdown()
	})
	return &testEnv{device: device, sm: sm, renderer: r, scene: s}
}

func (e *testEnv) createShadows(t *testing.T) *systems.ShadowSystem {
	t.Helper()
	ss, err := e.sm.CreateShadows(&systems.ShadowSystemConfig{
		NumCascades:  2,
		Resolution:   128,
		BiasMargin:   1,
		VertexShader: []byte{1, 2, 3, 4},
	})
	require.NoError(t, err)
	ss.Update(e.scene.LightDirection, e.scene.Camera.Frustum(), e.scene.Camera.GetPosition(), e.scene)
	return ss
}

func TestNewRendererRejectsEmptyViewport(t *testing.T) {
	_, err := NewRenderer(&RendererConfig{Width: 0, Height: 180}, soft.NewDevice())
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestRenderFrameBeforeInitialize(t *testing.T) {
	r, err := NewRenderer(&RendererConfig{Width: 4, Height: 4}, soft.NewDevice())
	require.NoError(t, err)
	_, err = r.RenderFrame(context.Background(), nil, nil)
	assert.ErrorIs(t, err, core.ErrEngineStage)
}

func TestRenderFrameDrawsLoadedObjectsOnly(t *testing.T) {
	env := newTestEnv(t, frameScene)
	env.createShadows(t)
	direct := env.device.SoftQueue(gpu.QueueDirect)
	before := direct.Stats()

	stats, err := env.renderer.RenderFrame(context.Background(), env.scene, env.sm)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Draws)
	// the pane's model failed to load
	assert.Equal(t, 1, stats.Skipped)
	assert.True(t, stats.ShadowRendered)
	assert.Equal(t, uint32(0), stats.BackBuffer)
	assert.Equal(t, stats.Fence, env.renderer.FrameFence(0))

	after := direct.Stats()
	assert.Equal(t, before.BarrierMismatch, after.BarrierMismatch)

	sc := env.renderer.Swapchain().(*soft.Swapchain)
	assert.Equal(t, uint64(1), sc.Presents())
	assert.Equal(t, uint32(1), sc.CurrentBackBufferIndex())
	assert.Equal(t, gpu.StatePresent, sc.BackBuffer(0).(*soft.Resource).State())
	assert.Equal(t, gpu.StateShaderResource, env.sm.Shadows().ShadowMap().(*soft.Resource).State())

	submitted := direct.Submitted()
	last := submitted[len(submitted)-1]
	assert.GreaterOrEqual(t, last.Count(soft.OpDraw), 2)
	assert.Equal(t, 2, last.Count(soft.OpClearDepth), "shadow map and depth buffer")
	assert.Equal(t, 1, last.Count(soft.OpClearRenderTarget))
}

func TestRenderFrameWritesFrameConstantsForItsBackBuffer(t *testing.T) {
	env := newTestEnv(t, frameScene)
	floor, ok := env.scene.FindObject("floor")
	require.True(t, ok)
	perFrame := floor.Material().PerFrameCBVs()

	_, err := env.renderer.RenderFrame(context.Background(), env.scene, env.sm)
	require.NoError(t, err)

	want, err := metadata.EncodeConstants(env.scene.Camera.ViewProjection())
	require.NoError(t, err)
	got, err := gpu.ReadResource(perFrame.Resource(0, 0))
	require.NoError(t, err)
	assert.Equal(t, want, got[:len(want)])

	// back buffer 1 has not been rendered yet
	untouched, err := gpu.ReadResource(perFrame.Resource(0, 1))
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(want)), untouched[:len(want)])

	drawData, err := metadata.EncodeConstants(floor.DrawConstants())
	require.NoError(t, err)
	got, err = gpu.ReadResource(floor.Material().PerDrawCBVs().Resource(0, 0))
	require.NoError(t, err)
	assert.Equal(t, drawData, got[:len(drawData)])
}

func TestRenderFrameCyclesBackBuffers(t *testing.T) {
	env := newTestEnv(t, frameScene)
	for i := 0; i < 2*gpu.FrameCount; i++ {
		stats, err := env.renderer.RenderFrame(context.Background(), env.scene, env.sm)
		require.NoError(t, err)
		assert.Equal(t, uint32(i%gpu.FrameCount), stats.BackBuffer)
	}
	assert.Equal(t, uint64(2*gpu.FrameCount), env.renderer.Frames())
}

func TestBackBufferWaitsForItsFence(t *testing.T) {
	env := newTestEnv(t, emptyScene, soft.WithManualFences())
	direct := env.device.SoftQueue(gpu.QueueDirect)

	for i := 0; i < gpu.FrameCount; i++ {
		_, err := env.renderer.RenderFrame(context.Background(), env.scene, env.sm)
		require.NoError(t, err)
	}

	// back buffer 0 is still in flight
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := env.renderer.RenderFrame(ctx, env.scene, env.sm)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	direct.CompleteTo(env.renderer.FrameFence(0))
	stats, err := env.renderer.RenderFrame(context.Background(), env.scene, env.sm)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), stats.BackBuffer)
	assert.Zero(t, stats.Draws)
}

func TestResizeRecreatesTargets(t *testing.T) {
	env := newTestEnv(t, emptyScene)
	_, err := env.renderer.RenderFrame(context.Background(), env.scene, env.sm)
	require.NoError(t, err)

	require.NoError(t, env.renderer.Resize(context.Background(), 640, 480))
	assert.Equal(t, uint32(640), env.renderer.Width())
	assert.InDelta(t, 640.0/480.0, env.renderer.AspectRatio(), 1e-6)
	assert.Equal(t, uint64(640), env.renderer.Swapchain().BackBuffer(0).Desc().Width)
	assert.Equal(t, uint32(0), env.renderer.Swapchain().CurrentBackBufferIndex())
	assert.Zero(t, env.renderer.FrameFence(0))

	// minimized windows keep their buffers
	require.NoError(t, env.renderer.Resize(context.Background(), 0, 0))
	assert.Equal(t, uint32(480), env.renderer.Height())

	_, err = env.renderer.RenderFrame(context.Background(), env.scene, env.sm)
	require.NoError(t, err)
	require.NoError(t, env.renderer.Shutdown(context.Background()))
}
