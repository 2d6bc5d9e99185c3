package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spaghettifunk/prism/engine/assets"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/platform"
	"github.com/spaghettifunk/prism/engine/renderer"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
	"github.com/spaghettifunk/prism/engine/renderer/vulkan"
	"github.com/spaghettifunk/prism/engine/scene"
	"github.com/spaghettifunk/prism/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine systems are up and a scene is loaded
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting down"
	}
	return "unknown"
}

const asyncLogCapacity = 256

type pendingResize struct {
	width  uint32
	height uint32
}

type Engine struct {
	currentStage Stage
	config       *core.EngineConfig
	gameInstance *Game

	events        *core.EventSystem
	platform      *platform.Platform
	device        gpu.Device
	assetManager  *assets.AssetManager
	asyncLog      *core.AsyncLog
	systemManager *systems.SystemManager
	renderer      *renderer.Renderer
	scene         *scene.Scene
	scenePath     string

	clock     *core.Clock
	metrics   *core.Metrics
	lastFrame renderer.FrameStats

	isRunning   bool
	isSuspended bool

	// collected from posted events, applied between frames
	pendingReloads map[string]metadata.AssetKind
	pendingScene   string
	pendingResize  *pendingResize
}

func New(g *Game) (*Engine, error) {
	config := g.Config
	if config == nil {
		config = core.DefaultEngineConfig()
	}
	if err := config.Normalize(); err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	return &Engine{
		currentStage:   EngineStageUninitialized,
		config:         config,
		gameInstance:   g,
		events:         core.NewEventSystem(),
		asyncLog:       core.NewAsyncLog(asyncLogCapacity),
		clock:          core.NewClock(),
		metrics:        core.NewMetrics(),
		pendingReloads: make(map[string]metadata.AssetKind),
	}, nil
}

/**
 * @brief Brings up the device, the asset index, the systems and the renderer in
 * that order, then loads the configured scene.
 */
func (e *Engine) Initialize(ctx context.Context) error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("func Initialize - %w: engine is %s", core.ErrEngineStage, e.currentStage)
	}

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)
	e.events.Register(core.EVENT_CODE_ASSET_CHANGED, e, e.onAssetChanged)
	e.events.Register(core.EVENT_CODE_SCENE_SWITCH, e, e.onSceneSwitch)

	device, err := e.createDevice()
	if err != nil {
		core.LogError("could not create the `%s` device: %s", e.config.Renderer.Backend, err)
		return err
	}
	e.device = device

	e.assetManager = assets.NewAssetManager(e.config.Assets.Root, e.events)
	if err := e.assetManager.Initialize(e.config.Assets.Watch); err != nil {
		return err
	}

	sm, err := systems.NewSystemManager(&systems.SystemManagerConfig{
		HeapCapacity:   e.config.Renderer.DescriptorHeapCapacity,
		LoadingEnabled: e.config.Loading.Enabled,
		LoadThreads:    e.config.Loading.Threads,
		IdleWait:       time.Millisecond,
	}, device, e.assetManager, e.asyncLog)
	if err != nil {
		return err
	}
	if err := sm.Initialize(); err != nil {
		return err
	}
	e.systemManager = sm

	width, height := e.config.Application.Width, e.config.Application.Height
	if e.platform != nil {
		if w, h := e.platform.FramebufferSize(); w > 0 && h > 0 {
			width, height = w, h
		}
	}
	r, err := renderer.NewRenderer(&renderer.RendererConfig{Width: width, Height: height}, device)
	if err != nil {
		return err
	}
	if err := r.Initialize(); err != nil {
		return err
	}
	e.renderer = r

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(e); err != nil {
			return err
		}
	}

	if path := e.config.Assets.Scene; path != "" {
		if err := e.loadScene(ctx, path); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("engine initialized with the `%s` backend", e.config.Renderer.Backend)
	return nil
}

func (e *Engine) createDevice() (gpu.Device, error) {
	switch e.config.Renderer.Backend {
	case core.BackendSoftware:
		return soft.NewDevice(), nil
	case core.BackendVulkan:
		p := platform.New(e.events)
		if err := p.Startup(e.config.Application.Name, e.config.Application.Width, e.config.Application.Height); err != nil {
			return nil, err
		}
		e.platform = p
		return vulkan.NewDevice(&vulkan.DeviceConfig{
			Name:           e.config.Application.Name,
			Window:         p.Window,
			Debug:          e.config.Renderer.Debug,
			MaxDescriptors: e.config.Renderer.DescriptorHeapCapacity,
		})
	}
	return nil, fmt.Errorf("%w: `%s`", core.ErrUnknownBackend, e.config.Renderer.Backend)
}

/**
 * @brief Runs frames until a quit request, a closed window, ctx being done or
 * application.max_frames rendered frames.
 */
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("func Run - %w: engine is %s", core.ErrEngineStage, e.currentStage)
	}
	e.currentStage = EngineStageRunning
	defer func() {
		if e.currentStage == EngineStageRunning {
			e.currentStage = EngineStageInitialized
		}
	}()

	e.clock.Start()
	e.isRunning = true

	for e.isRunning {
		select {
		case <-ctx.Done():
			core.LogInfo("run context done, leaving the frame loop")
			e.isRunning = false
			continue
		default:
		}

		if e.platform != nil && !e.platform.PumpMessages() {
			e.isRunning = false
			break
		}
		e.events.Dispatch()
		if !e.isRunning {
			break
		}

		if err := e.frame(ctx); err != nil {
			core.LogError("frame failed, shutting down: %s", err)
			e.isRunning = false
			return err
		}

		if limit := e.config.Application.MaxFrames; limit > 0 && e.metrics.TotalFrames() >= limit {
			core.LogInfo("%d frames rendered, stopping", limit)
			e.isRunning = false
		}
	}
	return nil
}

// frame runs one iteration of the loop after events were dispatched.
func (e *Engine) frame(ctx context.Context) error {
	delta := e.clock.Tick()

	if err := e.applyResize(ctx); err != nil {
		return err
	}
	if e.isSuspended {
		return nil
	}

	if err := e.systemManager.Update(); err != nil {
		return err
	}
	if err := e.applyReloads(ctx); err != nil {
		return err
	}
	if path := e.pendingScene; path != "" {
		e.pendingScene = ""
		if err := e.SwitchScene(ctx, path); err != nil {
			return err
		}
	}

	if e.gameInstance.FnUpdate != nil {
		if err := e.gameInstance.FnUpdate(e, delta); err != nil {
			return err
		}
	}

	if e.scene != nil {
		e.scene.Update(delta)
		if ss := e.systemManager.Shadows(); ss != nil {
			ss.Update(e.scene.LightDirection, e.scene.Camera.Frustum(), e.scene.Camera.GetPosition(), e.scene)
		}
		stats, err := e.renderer.RenderFrame(ctx, e.scene, e.systemManager)
		switch {
		case errors.Is(err, core.ErrSwapchainBooting):
			core.LogDebug("swapchain booting, frame dropped")
			if e.platform != nil {
				w, h := e.platform.FramebufferSize()
				if err := e.renderer.Resize(ctx, w, h); err != nil {
					return err
				}
			}
		case err != nil:
			return err
		}
		e.lastFrame = stats
	}

	if e.metrics.Update(e.clock.Since()) {
		core.LogDebug("fps: %.0f, frame time: %.3fms, load queue: %d",
			e.metrics.FPS(), e.metrics.FrameTime(), e.systemManager.Loads().QueueDepth())
	}
	return nil
}

func (e *Engine) applyResize(ctx context.Context) error {
	if e.pendingResize == nil {
		return nil
	}
	width, height := e.pendingResize.width, e.pendingResize.height
	e.pendingResize = nil

	if width == 0 || height == 0 {
		if !e.isSuspended {
			core.LogInfo("window minimized, suspending application")
			e.isSuspended = true
		}
		return nil
	}
	if e.isSuspended {
		core.LogInfo("window restored, resuming application")
		e.isSuspended = false
	}
	if err := e.renderer.Resize(ctx, width, height); err != nil {
		return err
	}
	if e.scene != nil {
		e.scene.Camera.SetAspect(e.renderer.AspectRatio())
	}
	if e.gameInstance.FnOnResize != nil {
		return e.gameInstance.FnOnResize(width, height)
	}
	return nil
}

/**
 * @brief Re-queues every changed shader and texture. The GPU is flushed first since
 * shader reloads drop pipelines that frames in flight may still use.
 */
func (e *Engine) applyReloads(ctx context.Context) error {
	if len(e.pendingReloads) == 0 {
		return nil
	}
	if err := e.renderer.Flush(ctx); err != nil {
		return err
	}

	factory := e.systemManager.Factory()
	for path, kind := range e.pendingReloads {
		delete(e.pendingReloads, path)
		switch kind {
		case metadata.AssetKindShader:
			if e.scene != nil && path == e.scene.Descriptor().Shaders.ShadowVertex {
				e.createShadows(e.scene.Descriptor())
				continue
			}
			h, ok := factory.ReloadShader(path)
			if ok && e.scene != nil {
				e.scene.ShaderChanged(h)
			}
		case metadata.AssetKindTexture:
			if h, ok := factory.ReloadTexture(ctx, path); ok {
				e.systemManager.Descriptors().Refresh(h)
			}
		}
	}
	return nil
}

/**
 * @brief Replaces the current scene. Streaming is stopped and drained before the old
 * scene is released, and the new scene streams through a fresh worker generation.
 */
func (e *Engine) SwitchScene(ctx context.Context, path string) error {
	if e.currentStage == EngineStageUninitialized || e.currentStage == EngineStageShuttingDown {
		return fmt.Errorf("func SwitchScene - %w: engine is %s", core.ErrEngineStage, e.currentStage)
	}
	if err := e.renderer.Flush(ctx); err != nil {
		return err
	}
	var release func()
	if e.scene != nil {
		release = e.scene.Release
	}
	if err := e.systemManager.UnloadScene(ctx, release); err != nil {
		return err
	}
	old := e.scenePath
	e.scene = nil
	e.scenePath = ""
	if err := e.loadScene(ctx, path); err != nil {
		return err
	}
	core.LogInfo("switched scene from `%s` to `%s`", old, path)
	return nil
}

func (e *Engine) loadScene(ctx context.Context, path string) error {
	if err := e.systemManager.BeginSceneLoad(); err != nil {
		return err
	}
	desc, err := scene.LoadDescriptor(e.assetManager.Resolve(path))
	if err != nil {
		return err
	}
	s, err := scene.Load(ctx, desc, e.device, e.systemManager, e.renderer.AspectRatio())
	if err != nil {
		return err
	}
	e.scene = s
	e.scenePath = path
	e.createShadows(desc)
	return nil
}

// createShadows gives the scene its shadow system. A scene whose shadow shader
// cannot be read renders without shadows.
func (e *Engine) createShadows(desc *scene.Descriptor) {
	vs, err := e.assetManager.LoadShader(desc.Shaders.ShadowVertex)
	if err != nil {
		e.asyncLog.Errorf("engine", "shadow shader %s: %s", desc.Shaders.ShadowVertex, err.Error())
		return
	}
	cfg := e.config.Shadows
	if _, err := e.systemManager.CreateShadows(&systems.ShadowSystemConfig{
		NumCascades:          cfg.Cascades,
		Resolution:           cfg.Resolution,
		TimeSlice:            cfg.TimeSlice,
		DepthBias:            cfg.DepthBias,
		SlopeScaledDepthBias: cfg.SlopeScaledDepthBias,
		BiasMargin:           cfg.BiasMargin,
		UseSceneBounds:       cfg.UseSceneBounds,
		UseBoundingSphere:    cfg.UseBoundingSphere,
		Percents:             cfg.Percents,
		VertexShader:         vs,
	}); err != nil {
		e.asyncLog.Errorf("engine", "shadows for scene `%s`: %s", desc.Name, err.Error())
	}
}

// RequestQuit may be called from any goroutine; the loop stops on its next frame.
func (e *Engine) RequestQuit() {
	e.events.Post(core.EVENT_CODE_APPLICATION_QUIT, e, core.EventContext{})
}

// RequestSceneSwitch may be called from any goroutine; the switch happens between frames.
func (e *Engine) RequestSceneSwitch(path string) {
	e.events.Post(core.EVENT_CODE_SCENE_SWITCH, e, core.EventContext{Path: path})
}

func (e *Engine) Shutdown(ctx context.Context) error {
	if e.currentStage == EngineStageUninitialized && e.device == nil {
		return nil
	}
	e.currentStage = EngineStageShuttingDown

	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			core.LogError("game shutdown: %s", err)
		}
	}
	if e.renderer != nil {
		if err := e.renderer.Shutdown(ctx); err != nil {
			return err
		}
	}
	if e.systemManager != nil {
		var release func()
		if e.scene != nil {
			release = e.scene.Release
		}
		if err := e.systemManager.UnloadScene(ctx, release); err != nil {
			return err
		}
		e.scene = nil
		if err := e.systemManager.Shutdown(); err != nil {
			return err
		}
	}
	if e.assetManager != nil {
		if err := e.assetManager.Shutdown(); err != nil {
			return err
		}
	}
	if err := e.events.Shutdown(); err != nil {
		return err
	}
	if e.device != nil {
		e.device.Release()
		e.device = nil
	}
	if e.platform != nil {
		if err := e.platform.Shutdown(); err != nil {
			return err
		}
		e.platform = nil
	}

	for _, entry := range e.asyncLog.Entries() {
		core.LogWarn("async: %s", entry)
	}
	e.currentStage = EngineStageUninitialized
	return nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Config() *core.EngineConfig {
	return e.config
}

func (e *Engine) Events() *core.EventSystem {
	return e.events
}

func (e *Engine) Scene() *scene.Scene {
	return e.scene
}

func (e *Engine) Renderer() *renderer.Renderer {
	return e.renderer
}

func (e *Engine) SystemManager() *systems.SystemManager {
	return e.systemManager
}

func (e *Engine) AssetManager() *assets.AssetManager {
	return e.assetManager
}

func (e *Engine) AsyncLog() *core.AsyncLog {
	return e.asyncLog
}

// LastFrame reports what the most recent rendered frame did.
func (e *Engine) LastFrame() renderer.FrameStats {
	return e.lastFrame
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down")
		e.isRunning = false
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	if e.renderer == nil {
		return false
	}
	if data.Width != e.renderer.Width() || data.Height != e.renderer.Height() || e.isSuspended {
		core.LogDebug("window resize: %d, %d", data.Width, data.Height)
		e.pendingResize = &pendingResize{width: data.Width, height: data.Height}
	}
	return false
}

func (e *Engine) onAssetChanged(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	kind, ok := data.Data.(metadata.AssetKind)
	if !ok {
		core.LogError("wrong data associated with the event code `%d`", code)
		return false
	}
	e.pendingReloads[data.Path] = kind
	return false
}

func (e *Engine) onSceneSwitch(code core.SystemEventCode, sender interface{}, listener interface{}, data core.EventContext) bool {
	if data.Path == "" {
		return false
	}
	e.pendingScene = data.Path
	return true
}
