package testbed

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
)

var ErrMissingShader = errors.New("compiled shader missing, run `mage build:shaders`")

var (
	white       = [4]byte{0xff, 0xff, 0xff, 0xff}
	grey        = [4]byte{0x60, 0x60, 0x60, 0xff}
	transparent = [4]byte{0x00, 0x00, 0x00, 0x00}
	amber       = [4]byte{0xf0, 0xa0, 0x20, 0xff}
)

// Shaders every testbed scene references, relative to the asset root.
var Shaders = []string{
	"shaders/mesh.vs.spv",
	"shaders/mesh.ps.spv",
	"shaders/shadow.vs.spv",
}

// The software device never executes bytecode, so a lone SPIR-V magic word is enough.
var stubBytecode = []byte{0x03, 0x02, 0x23, 0x07}

type generated struct {
	path  string
	write func(path string) error
}

var generatedAssets = []generated{
	{"models/cube.model", func(path string) error {
		return loaders.WriteModel(path, loaders.CubeModel(1))
	}},
	{"textures/checker.binTex", func(path string) error {
		return loaders.WriteBinTex(path, loaders.CheckerImage(256, 32, white, grey))
	}},
	{"textures/cutout.binTex", func(path string) error {
		return loaders.WriteBinTex(path, loaders.CheckerImage(128, 16, amber, transparent))
	}},
}

/**
 * @brief Writes the procedural models and textures the testbed scenes use when they
 * are not on disk yet. Existing files are left alone. The vulkan backend needs real
 * SPIR-V, for the software backend missing shaders are replaced by stubs.
 */
func Bootstrap(root, backend string) error {
	for _, a := range generatedAssets {
		if err := writeMissing(filepath.Join(root, a.path), a.write); err != nil {
			return err
		}
	}

	for _, name := range Shaders {
		path := filepath.Join(root, name)
		if backend == core.BackendVulkan {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("%w: %s", ErrMissingShader, path)
			}
			continue
		}
		if err := writeMissing(path, func(path string) error {
			return os.WriteFile(path, stubBytecode, 0o644)
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeMissing(path string, write func(string) error) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := write(path); err != nil {
		return fmt.Errorf("generating %s: %w", path, err)
	}
	core.LogDebug("generated `%s`", path)
	return nil
}
