//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders and starts the testbed.
func (Run) Testbed() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run testbed...")
	if _, err := executeCmd("go", withArgs("run", "."), withStream()); err != nil {
		return err
	}
	return nil
}

type Test mg.Namespace

// Runs every package test with the race detector.
func (Test) All() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs the tests that need neither a window nor a GPU.
func (Test) Headless() error {
	_, err := executeCmd("go", withArgs("test", "./engine/core/...", "./engine/containers/...", "./engine/math/...",
		"./engine/assets/...", "./engine/scene/...", "./engine/systems/...", "./engine/renderer/soft/...", "./testbed/..."), withStream())
	return err
}
