package testbed

import (
	"github.com/spaghettifunk/prism/engine"
	"github.com/spaghettifunk/prism/engine/core"
)

// Scenes the testbed cycles through, relative to the asset root.
var Scenes = []string{
	"scenes/cubes.toml",
	"scenes/orbit.toml",
}

type gameState struct {
	// seconds between scene switches, zero keeps the first scene
	cycleEvery float64
	elapsed    float64
	current    int
	frames     uint64
}

type TestGame struct {
	*engine.Game
	state *gameState
}

func NewTestGame(config *core.EngineConfig, cycleEvery float64) *TestGame {
	state := &gameState{cycleEvery: cycleEvery}
	for i, s := range Scenes {
		if s == config.Assets.Scene {
			state.current = i
		}
	}

	tg := &TestGame{
		Game: &engine.Game{
			Config: config,
			State:  state,
		},
		state: state,
	}
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown
	return tg
}

func (g *TestGame) Initialize(e *engine.Engine) error {
	core.LogInfo("testbed initialized, assets under `%s`", e.AssetManager().Root())
	return nil
}

func (g *TestGame) Update(e *engine.Engine, deltaTime float64) error {
	g.state.frames++
	if next, ok := g.state.advance(deltaTime); ok {
		core.LogInfo("testbed switching to `%s`", next)
		e.RequestSceneSwitch(next)
	}
	return nil
}

// advance accumulates frame time and reports the scene to switch to once a cycle elapsed.
func (s *gameState) advance(deltaTime float64) (string, bool) {
	if s.cycleEvery <= 0 || len(Scenes) < 2 {
		return "", false
	}
	s.elapsed += deltaTime
	if s.elapsed < s.cycleEvery {
		return "", false
	}
	s.elapsed = 0
	s.current = (s.current + 1) % len(Scenes)
	return Scenes[s.current], true
}

func (g *TestGame) OnResize(width, height uint32) error {
	core.LogDebug("testbed resized to %dx%d", width, height)
	return nil
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("testbed shut down after %d frames", g.state.frames)
	return nil
}
