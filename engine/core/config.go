package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
)

const (
	BackendSoftware = "software"
	BackendVulkan   = "vulkan"
)

type ApplicationConfig struct {
	Name      string `toml:"name"`
	Width     uint32 `toml:"width"`
	Height    uint32 `toml:"height"`
	MaxFrames uint64 `toml:"max_frames"`
}

type RendererConfig struct {
	Backend                string `toml:"backend"`
	DescriptorHeapCapacity uint32 `toml:"descriptor_heap_capacity"`
	Debug                  bool   `toml:"debug"`
}

type LoadingConfig struct {
	Enabled bool `toml:"enabled"`
	Threads int  `toml:"threads"`
}

type ShadowsConfig struct {
	Cascades             uint32    `toml:"cascades"`
	Resolution           uint32    `toml:"resolution"`
	TimeSlice            uint32    `toml:"time_slice"`
	DepthBias            int32     `toml:"depth_bias"`
	SlopeScaledDepthBias float32   `toml:"slope_scaled_depth_bias"`
	BiasMargin           float32   `toml:"bias_margin"`
	UseSceneBounds       bool      `toml:"use_scene_bounds"`
	UseBoundingSphere    bool      `toml:"use_bounding_sphere"`
	Percents             []float32 `toml:"percents"`
}

type AssetsConfig struct {
	Root  string `toml:"root"`
	Watch bool   `toml:"watch"`
	Scene string `toml:"scene"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

/**
 * @brief Everything read from prism.toml. Zero values are replaced by defaults in Normalize.
 */
type EngineConfig struct {
	Application ApplicationConfig `toml:"application"`
	Renderer    RendererConfig    `toml:"renderer"`
	Loading     LoadingConfig     `toml:"loading"`
	Shadows     ShadowsConfig     `toml:"shadows"`
	Assets      AssetsConfig      `toml:"assets"`
	Log         LogConfig         `toml:"log"`
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Application: ApplicationConfig{
			Name:   "Prism",
			Width:  1280,
			Height: 720,
		},
		Renderer: RendererConfig{
			Backend:                BackendSoftware,
			DescriptorHeapCapacity: 4096,
		},
		Loading: LoadingConfig{
			Enabled: true,
			Threads: 4,
		},
		Shadows: ShadowsConfig{
			Cascades:             3,
			Resolution:           2048,
			TimeSlice:            1,
			DepthBias:            1000,
			SlopeScaledDepthBias: 1.5,
			BiasMargin:           1.0,
		},
		Assets: AssetsConfig{
			Root:  "assets",
			Watch: true,
			Scene: "scenes/cubes.toml",
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// LoadConfig reads the file on top of the defaults. A missing file is not an error.
func LoadConfig(path string) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			LogInfo("no configuration at `%s`, using defaults", expanded)
			return cfg, cfg.Normalize()
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills defaults, expands paths and rejects impossible values.
func (c *EngineConfig) Normalize() error {
	def := DefaultEngineConfig()

	if c.Application.Name == "" {
		c.Application.Name = def.Application.Name
	}
	if c.Application.Width == 0 || c.Application.Height == 0 {
		c.Application.Width = def.Application.Width
		c.Application.Height = def.Application.Height
	}
	switch c.Renderer.Backend {
	case "":
		c.Renderer.Backend = def.Renderer.Backend
	case BackendSoftware, BackendVulkan:
	default:
		return fmt.Errorf("%w: `%s`", ErrUnknownBackend, c.Renderer.Backend)
	}
	if c.Renderer.DescriptorHeapCapacity == 0 {
		c.Renderer.DescriptorHeapCapacity = def.Renderer.DescriptorHeapCapacity
	}
	if c.Loading.Threads < 0 {
		return fmt.Errorf("%w: loading.threads must be >= 0", ErrInvalidConfig)
	}
	if c.Loading.Threads == 0 {
		c.Loading.Threads = def.Loading.Threads
	}
	if c.Shadows.Cascades == 0 {
		c.Shadows.Cascades = def.Shadows.Cascades
	}
	if c.Shadows.Resolution == 0 {
		c.Shadows.Resolution = def.Shadows.Resolution
	}
	if c.Shadows.TimeSlice == 0 {
		c.Shadows.TimeSlice = 1
	}
	if n := len(c.Shadows.Percents); n != 0 && n != int(c.Shadows.Cascades)+1 {
		return fmt.Errorf("%w: shadows.percents needs %d split values, got %d", ErrInvalidConfig, c.Shadows.Cascades+1, n)
	}
	if c.Assets.Root == "" {
		c.Assets.Root = def.Assets.Root
	}
	root, err := homedir.Expand(c.Assets.Root)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	c.Assets.Root = root
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	return nil
}
