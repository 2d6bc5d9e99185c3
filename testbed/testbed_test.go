package testbed

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func TestBootstrapGeneratesMissingAssets(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Bootstrap(root, core.BackendSoftware))

	model, err := (&loaders.ModelLoader{}).Load(filepath.Join(root, "models", "cube.model"))
	require.NoError(t, err)
	assert.Len(t, model.Vertices, 24)
	assert.Len(t, model.Indices, 36)

	checker, err := loaders.ReadBinTex(filepath.Join(root, "textures", "checker.binTex"))
	require.NoError(t, err)
	assert.Equal(t, uint32(256), checker.Width)
	assert.False(t, checker.HasAlpha)

	cutout, err := loaders.ReadBinTex(filepath.Join(root, "textures", "cutout.binTex"))
	require.NoError(t, err)
	assert.True(t, cutout.HasAlpha)

	for _, name := range Shaders {
		code, err := (&loaders.ShaderLoader{}).Load(filepath.Join(root, name))
		require.NoError(t, err, name)
		assert.Equal(t, stubBytecode, code)
	}
}

func TestBootstrapKeepsExistingFiles(t *testing.T) {
	root := t.TempDir()
	shader := filepath.Join(root, Shaders[0])
	require.NoError(t, os.MkdirAll(filepath.Dir(shader), 0o755))
	compiled := []byte{0x03, 0x02, 0x23, 0x07, 0x00, 0x00, 0x01, 0x00}
	require.NoError(t, os.WriteFile(shader, compiled, 0o644))

	require.NoError(t, Bootstrap(root, core.BackendSoftware))
	require.NoError(t, Bootstrap(root, core.BackendSoftware))

	data, err := os.ReadFile(shader)
	require.NoError(t, err)
	assert.Equal(t, compiled, data)
}

func TestBootstrapVulkanNeedsCompiledShaders(t *testing.T) {
	root := t.TempDir()
	err := Bootstrap(root, core.BackendVulkan)
	assert.ErrorIs(t, err, ErrMissingShader)

	// models and textures are still generated
	_, err = os.Stat(filepath.Join(root, "models", "cube.model"))
	assert.NoError(t, err)
}

func TestAdvanceCyclesScenes(t *testing.T) {
	s := &gameState{cycleEvery: 1}

	_, ok := s.advance(0.6)
	assert.False(t, ok)
	next, ok := s.advance(0.6)
	require.True(t, ok)
	assert.Equal(t, Scenes[1], next)

	next, ok = s.advance(1)
	require.True(t, ok)
	assert.Equal(t, Scenes[0], next)
}

func TestAdvanceDisabled(t *testing.T) {
	s := &gameState{}
	_, ok := s.advance(100)
	assert.False(t, ok)
}

func TestNewTestGameStartsAtConfiguredScene(t *testing.T) {
	cfg := core.DefaultEngineConfig()
	cfg.Assets.Scene = Scenes[1]
	g := NewTestGame(cfg, 0)
	assert.Equal(t, 1, g.state.current)
	assert.NotNil(t, g.FnUpdate)
}

// copyScenes places the shipped scene files in a scratch asset root.
func copyScenes(t *testing.T, root string) {
	t.Helper()
	dir := filepath.Join(root, "scenes")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range Scenes {
		data, err := os.ReadFile(filepath.Join("assets", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(root, name), data, 0o644))
	}
}

func TestTestbedRunsEveryScene(t *testing.T) {
	root := t.TempDir()
	copyScenes(t, root)
	require.NoError(t, Bootstrap(root, core.BackendSoftware))

	cfg := core.DefaultEngineConfig()
	cfg.Application.Width = 320
	cfg.Application.Height = 180
	cfg.Application.MaxFrames = 4
	cfg.Loading.Enabled = false
	cfg.Shadows.Resolution = 128
	cfg.Assets.Root = root
	cfg.Assets.Watch = false
	cfg.Assets.Scene = Scenes[0]

	g := NewTestGame(cfg, 0)
	e, err := engine.New(g.Game)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, "cubes", e.Scene().Descriptor().Name)

	require.NoError(t, e.SwitchScene(context.Background(), Scenes[1]))
	assert.Equal(t, "orbit", e.Scene().Descriptor().Name)
	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, uint64(4), g.state.frames)
}
