package assets

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

func TestAssetManagerIndexesTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "models"), 0o755))
	require.NoError(t, loaders.WriteModel(filepath.Join(root, "models", "cube.model"), loaders.CubeModel(1)))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	am := NewAssetManager(root, core.NewEventSystem())
	require.NoError(t, am.Initialize(false))
	defer am.Shutdown()

	models := am.Assets(metadata.AssetKindModel)
	require.Len(t, models, 1)
	assert.Equal(t, "models/cube.model", models[0].Path)

	_, ok := am.Lookup(filepath.Join(root, "notes.txt"))
	assert.False(t, ok)

	data, err := am.LoadModel("models/cube.model")
	require.NoError(t, err)
	assert.Len(t, data.Indices, 36)
}

func TestAssetManagerPostsShaderChanges(t *testing.T) {
	root := t.TempDir()
	events := core.NewEventSystem()
	am := NewAssetManager(root, events)
	require.NoError(t, am.Initialize(true))
	defer am.Shutdown()

	var changed []string
	events.Register(core.EVENT_CODE_ASSET_CHANGED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		changed = append(changed, data.Path)
		return true
	})

	require.NoError(t, os.WriteFile(filepath.Join(root, "basic.spv"), []byte{1, 2, 3, 4}, 0o644))

	assert.Eventually(t, func() bool {
		events.Dispatch()
		return len(changed) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "basic.spv", changed[0])
}

func TestAssetManagerShutdownTwice(t *testing.T) {
	am := NewAssetManager(t.TempDir(), core.NewEventSystem())
	require.NoError(t, am.Initialize(true))
	require.NoError(t, am.Shutdown())
	assert.ErrorIs(t, am.Shutdown(), ErrWatcherClosed)
}
