package systems

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func TestFactoryLoadsSynchronouslyWhenInactive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	h := env.factory.CreateModel(ctx, "models/cube.model")
	model, ok := env.resources.GetLoadedModel(h)
	require.True(t, ok)
	assert.Equal(t, "cube", model.Name)
	assert.Equal(t, uint32(24), model.VertexCount)
	assert.Equal(t, uint64(24*metadata.VertexStride), model.VertexBuffer.Desc().Width)

	// the staging copy reached the default-heap buffer
	vb := model.VertexBuffer.(*soft.Resource)
	assert.Equal(t, gpu.StateCommon, vb.State())
	assert.NotEqual(t, make([]byte, len(vb.Bytes())), vb.Bytes())

	again := env.factory.CreateModel(ctx, "models/./cube.model")
	assert.Equal(t, h, again)
	assert.Equal(t, []string{"models/cube.model"}, env.source.Order())
}

func TestFactoryMarksMissingAssetsFailed(t *testing.T) {
	env := newTestEnv(t)
	env.source.SetMissing("textures/missing.png")

	h := env.factory.CreateTexture(context.Background(), "textures/missing.png", true)
	assert.True(t, h.IsValid())
	state, ok := env.resources.Textures().State(h)
	require.True(t, ok)
	assert.Equal(t, containers.LoadStateFailed, state)
	assert.Equal(t, uint64(1), env.asyncLog.Total())
	_, ok = env.resources.GetLoadedTexture(h)
	assert.False(t, ok)
}

func TestFactoryUploadsCubemapLayers(t *testing.T) {
	env := newTestEnv(t)
	h := env.factory.CreateCubemap(context.Background(), "textures/sky", ".png")
	tex, ok := env.resources.GetLoadedTexture(h)
	require.True(t, ok)
	assert.Equal(t, metadata.TextureKindCube, tex.Kind)
	assert.Equal(t, uint16(6), tex.ArraySize)

	submitted := env.device.SoftQueue(gpu.QueueCompute).Submitted()
	require.NotEmpty(t, submitted)
	assert.Equal(t, 6, submitted[len(submitted)-1].Count(soft.OpCopyTexture))
}

func TestFactoryMipsOnTheCPU(t *testing.T) {
	env := newTestEnv(t)
	h := env.factory.CreateTexture(context.Background(), "textures/checker.png", true)
	tex, ok := env.resources.GetLoadedTexture(h)
	require.True(t, ok)
	assert.Equal(t, uint16(4), tex.MipLevels)

	submitted := env.device.SoftQueue(gpu.QueueCompute).Submitted()
	last := submitted[len(submitted)-1]
	assert.Equal(t, 4, last.Count(soft.OpCopyTexture))
	assert.Zero(t, last.Count(soft.OpDispatch))
}

func TestReloadShaderReplacesBytecode(t *testing.T) {
	env := newTestEnv(t)
	path := "shaders/lit.ps.spv"
	env.source.SetShader(path, []byte{1, 1, 1, 1})
	h := env.factory.CreateShader(path, metadata.ShaderStagePixel)
	shader, ok := env.resources.GetLoadedShader(h)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 1, 1, 1}, shader.Bytecode)

	env.source.SetShader(path, []byte{2, 2, 2, 2})
	reloaded, ok := env.factory.ReloadShader(path)
	require.True(t, ok)
	assert.Equal(t, h, reloaded)
	shader, ok = env.resources.GetLoadedShader(h)
	require.True(t, ok)
	assert.Equal(t, []byte{2, 2, 2, 2}, shader.Bytecode)
	assert.Equal(t, metadata.ShaderStagePixel, shader.Stage)

	_, ok = env.factory.ReloadShader("shaders/unknown.spv")
	assert.False(t, ok)
}

func TestReloadTextureRetiresOldResource(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	h := env.factory.CreateTexture(ctx, "textures/albedo.png", false)
	tex, ok := env.resources.GetLoadedTexture(h)
	require.True(t, ok)
	old := tex.Resource.(*soft.Resource)

	_, ok = env.factory.ReloadTexture(ctx, "textures/albedo.png")
	require.True(t, ok)
	tex, ok = env.resources.GetLoadedTexture(h)
	require.True(t, ok)
	assert.NotSame(t, old, tex.Resource)
	assert.False(t, old.Released(), "frames in flight may still sample the old texture")

	env.resources.ClearAll()
	assert.True(t, old.Released())
}

func TestReloadDiscardsUploadStillInFlight(t *testing.T) {
	env := newTestEnv(t, soft.WithManualFences())
	ctx := context.Background()
	ls := env.loads
	threads, err := ls.allocThreads(1)
	require.NoError(t, err)
	ls.threads = threads
	ls.active.Store(true)
	computeQueue := env.device.SoftQueue(gpu.QueueCompute)

	path := "textures/albedo.png"
	h := env.factory.CreateTexture(ctx, path, false)
	require.Equal(t, 1, ls.QueueDepth())
	require.True(t, ls.loadHighestPriority(0))
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	front, err := ls.gpuWaiting[gpu.QueueCompute].Peek()
	require.NoError(t, err)
	superseded := front.Assets[0].Texture.Resource.(*soft.Resource)

	_, ok := env.factory.ReloadTexture(ctx, path)
	require.True(t, ok)

	// the first upload lands after the reload was requested
	computeQueue.Advance(1)
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	assert.False(t, env.resources.Textures().IsLoaded(h))
	assert.Equal(t, 1, ls.QueueDepth(), "the reload is still queued")
	tex, ok := env.resources.Textures().Get(h)
	require.True(t, ok)
	assert.Nil(t, tex.Resource)
	assert.True(t, superseded.Released())

	require.True(t, ls.loadHighestPriority(0))
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	assert.False(t, env.resources.Textures().IsLoaded(h), "loaded before its fence")

	computeQueue.CompleteAll()
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	tex, ok = env.resources.GetLoadedTexture(h)
	require.True(t, ok)
	require.NotNil(t, tex.Resource)
	assert.NotSame(t, superseded, tex.Resource)
	assert.Equal(t, gpu.StateShaderResource, tex.Resource.(*soft.Resource).State())
}

func TestReloadKeepsOldTextureUntilNewOneLands(t *testing.T) {
	env := newTestEnv(t, soft.WithManualFences())
	ctx := context.Background()
	ls := env.loads
	threads, err := ls.allocThreads(1)
	require.NoError(t, err)
	ls.threads = threads
	ls.active.Store(true)
	computeQueue := env.device.SoftQueue(gpu.QueueCompute)

	path := "textures/albedo.png"
	h := env.factory.CreateTexture(ctx, path, false)
	require.True(t, ls.loadHighestPriority(0))
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	computeQueue.CompleteAll()
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	tex, ok := env.resources.GetLoadedTexture(h)
	require.True(t, ok)
	old := tex.Resource

	_, ok = env.factory.ReloadTexture(ctx, path)
	require.True(t, ok)
	require.True(t, ls.loadHighestPriority(0))
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	assert.False(t, env.resources.Textures().IsLoaded(h))
	assert.Same(t, old, tex.Resource, "slot untouched while the new upload is in flight")

	computeQueue.CompleteAll()
	require.NoError(t, ls.ExecuteCPUWaitingLists())
	assert.True(t, env.resources.Textures().IsLoaded(h))
	assert.NotSame(t, old, tex.Resource)
	assert.False(t, old.(*soft.Resource).Released(), "frames in flight may still sample the old texture")
}
