package systems

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// ErrInvalidConfig is wrapped by every system constructor rejecting its config.
var ErrInvalidConfig = errors.New("invalid system configuration")

type SystemManagerConfig struct {
	HeapCapacity   uint32
	LoadingEnabled bool
	LoadThreads    int
	IdleWait       time.Duration
}

/**
 * @brief Owns the engine-lifetime systems and the per-scene shadow system, and
 * knows the order they are torn down and rebuilt in.
 */
type SystemManager struct {
	config *SystemManagerConfig

	resourceSystem   *ResourceSystem
	descriptorSystem *DescriptorSystem
	loadSystem       *LoadSystem
	assetFactory     *AssetFactory
	shadowSystem     *ShadowSystem

	device   gpu.Device
	asyncLog *core.AsyncLog
}

func NewSystemManager(config *SystemManagerConfig, device gpu.Device, source AssetSource, asyncLog *core.AsyncLog) (*SystemManager, error) {
	if config.LoadThreads <= 0 {
		err := fmt.Errorf("func NewSystemManager - %w: LoadThreads must be > 0, got %d", ErrInvalidConfig, config.LoadThreads)
		core.LogError(err.Error())
		return nil, err
	}

	rs := NewResourceSystem()
	ds, err := NewDescriptorSystem(&DescriptorSystemConfig{
		HeapCapacity: config.HeapCapacity,
	}, device, rs)
	if err != nil {
		return nil, err
	}
	ls, err := NewLoadSystem(&LoadSystemConfig{
		Threads:  config.LoadThreads,
		IdleWait: config.IdleWait,
	}, device, rs, source, asyncLog)
	if err != nil {
		return nil, err
	}
	af := NewAssetFactory(device, rs, ls, source, asyncLog)

	return &SystemManager{
		config:           config,
		resourceSystem:   rs,
		descriptorSystem: ds,
		loadSystem:       ls,
		assetFactory:     af,
		device:           device,
		asyncLog:         asyncLog,
	}, nil
}

func (sm *SystemManager) Initialize() error {
	return sm.descriptorSystem.Initialize()
}

func (sm *SystemManager) Resources() *ResourceSystem {
	return sm.resourceSystem
}

func (sm *SystemManager) Descriptors() *DescriptorSystem {
	return sm.descriptorSystem
}

func (sm *SystemManager) Loads() *LoadSystem {
	return sm.loadSystem
}

func (sm *SystemManager) Factory() *AssetFactory {
	return sm.assetFactory
}

// Shadows is nil until a scene has created its shadow system.
func (sm *SystemManager) Shadows() *ShadowSystem {
	return sm.shadowSystem
}

func (sm *SystemManager) CreateShadows(config *ShadowSystemConfig) (*ShadowSystem, error) {
	if sm.shadowSystem != nil {
		sm.shadowSystem.Shutdown()
	}
	ss, err := NewShadowSystem(config, sm.device, sm.descriptorSystem, sm.resourceSystem)
	if err != nil {
		return nil, err
	}
	if err := ss.Initialize(); err != nil {
		return nil, err
	}
	sm.shadowSystem = ss
	return ss, nil
}

// BeginSceneLoad starts the streaming workers when loading is enabled.
func (sm *SystemManager) BeginSceneLoad() error {
	if !sm.config.LoadingEnabled {
		return nil
	}
	return sm.loadSystem.StartLoading(sm.config.LoadThreads)
}

/**
 * @brief Stops streaming and waits for every upload, then drops the scene's GPU
 * state: shadows, shaders, assets and descriptors. The heap is rebuilt empty.
 * The caller releases the scene's materials in between via release.
 */
func (sm *SystemManager) UnloadScene(ctx context.Context, release func()) error {
	sm.loadSystem.EnableStopOnFlush()
	sm.loadSystem.Join()
	if err := sm.loadSystem.Drain(ctx); err != nil {
		return err
	}
	if release != nil {
		release()
	}
	if sm.shadowSystem != nil {
		sm.shadowSystem.Shutdown()
		sm.shadowSystem = nil
	}
	sm.resourceSystem.ClearShaderList()
	sm.resourceSystem.ClearAll()
	if err := sm.descriptorSystem.Shutdown(); err != nil {
		return err
	}
	return sm.descriptorSystem.Initialize()
}

// Update runs the once-per-frame render-thread work of the streaming systems.
func (sm *SystemManager) Update() error {
	if err := sm.loadSystem.ExecuteCPUWaitingLists(); err != nil {
		return err
	}
	if _, err := sm.descriptorSystem.ResolvePending(); err != nil {
		return err
	}
	return nil
}

func (sm *SystemManager) Shutdown() error {
	sm.loadSystem.FullShutdown()
	if sm.shadowSystem != nil {
		if err := sm.shadowSystem.Shutdown(); err != nil {
			return err
		}
	}
	if err := sm.descriptorSystem.Shutdown(); err != nil {
		return err
	}
	if err := sm.resourceSystem.Shutdown(); err != nil {
		return err
	}
	return nil
}
