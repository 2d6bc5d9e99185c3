package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, BackendSoftware, cfg.Renderer.Backend)
	assert.Equal(t, uint32(3), cfg.Shadows.Cascades)
	assert.True(t, cfg.Loading.Enabled)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prism.toml")
	data := `
[application]
name = "bench"
max_frames = 10

[loading]
enabled = false
threads = 2

[shadows]
cascades = 2
percents = [0.0, 0.5, 1.0]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "bench", cfg.Application.Name)
	assert.Equal(t, uint64(10), cfg.Application.MaxFrames)
	assert.False(t, cfg.Loading.Enabled)
	assert.Equal(t, 2, cfg.Loading.Threads)
	assert.Equal(t, []float32{0, 0.5, 1}, cfg.Shadows.Percents)
	// untouched sections keep their defaults
	assert.Equal(t, uint32(2048), cfg.Shadows.Resolution)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"backend":  "[renderer]\nbackend = \"metal\"\n",
		"percents": "[shadows]\ncascades = 3\npercents = [0.0, 1.0]\n",
		"syntax":   "[shadows\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "prism.toml")
			require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}
