//go:build mage

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const shaderDir = "testbed/assets/shaders"

// Compiles the engine and the testbed binary.
func (Build) Engine() error {
	fmt.Println("Building engine...")
	// glfw and the vulkan loader are cgo packages
	_, err := executeCmd("go", withArgs("build", "-o", "bin/prism", "."), withEnv("CGO_ENABLED", "1"), withStream())
	return err
}

// Compiles every GLSL source of the testbed to SPIR-V with glslc.
func (Build) Shaders() error {
	return buildShaders()
}

func buildShaders() error {
	var sources []string
	for _, pattern := range []string{"*.vert", "*.frag", "*.comp"} {
		matches, err := filepath.Glob(filepath.Join(shaderDir, pattern))
		if err != nil {
			return err
		}
		sources = append(sources, matches...)
	}
	if len(sources) == 0 {
		return fmt.Errorf("no shader sources under %s", shaderDir)
	}
	for _, src := range sources {
		// mesh.vert -> mesh.vs.spv, mesh.frag -> mesh.ps.spv
		ext := filepath.Ext(src)
		out := strings.TrimSuffix(src, ext) + shaderSuffix(ext)
		if _, err := executeCmd("glslc", withArgs("--target-env=vulkan1.1", src, "-o", out), withStream()); err != nil {
			return err
		}
	}
	return nil
}

func shaderSuffix(ext string) string {
	switch ext {
	case ".vert":
		return ".vs.spv"
	case ".frag":
		return ".ps.spv"
	}
	return ".cs.spv"
}
