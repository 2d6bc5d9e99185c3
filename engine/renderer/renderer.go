package renderer

import (
	"context"
	"fmt"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/scene"
	"github.com/spaghettifunk/prism/engine/systems"
)

const BackBufferFormat = gpu.FormatR8G8B8A8Unorm

var ClearColor = [4]float32{0.05, 0.05, 0.08, 1}

type RendererConfig struct {
	Width  uint32
	Height uint32
}

/**
 * @brief What one RenderFrame call did.
 */
type FrameStats struct {
	BackBuffer uint32
	Draws      int
	/** @brief Objects left out because their model or batch pipeline is not ready. */
	Skipped        int
	ShadowRendered bool
	Fence          uint64
}

/**
 * @brief Drives the swap chain: one direct-queue submission per frame, with a fence
 * per back buffer so a buffer is only reused once the GPU is done with it.
 */
type Renderer struct {
	config *RendererConfig
	device gpu.Device
	queue  gpu.CommandQueue

	swapchain   gpu.Swapchain
	depth       gpu.Resource
	frameFences [gpu.FrameCount]uint64
	frames      uint64

	initialized bool
}

func NewRenderer(config *RendererConfig, device gpu.Device) (*Renderer, error) {
	if config.Width == 0 || config.Height == 0 {
		return nil, fmt.Errorf("func NewRenderer - %w: %dx%d viewport", core.ErrInvalidConfig, config.Width, config.Height)
	}
	return &Renderer{
		config: config,
		device: device,
		queue:  device.Queue(gpu.QueueDirect),
	}, nil
}

func (r *Renderer) Initialize() error {
	sc, err := r.device.CreateSwapchain(r.config.Width, r.config.Height, BackBufferFormat)
	if err != nil {
		return err
	}
	r.swapchain = sc
	if err := r.createDepth(); err != nil {
		r.swapchain.Release()
		r.swapchain = nil
		return err
	}
	r.initialized = true
	core.LogInfo("renderer initialized on `%s` device, %dx%d", r.device.Name(), r.config.Width, r.config.Height)
	return nil
}

func (r *Renderer) createDepth() error {
	desc := gpu.Texture2DDesc("depth", r.config.Width, r.config.Height, 1, 1, gpu.FormatD32Float)
	desc.Flags |= gpu.ResourceFlagAllowDepthStencil
	desc.InitialState = gpu.StateDepthWrite
	depth, err := r.device.CreateCommittedResource(desc)
	if err != nil {
		return err
	}
	r.depth = depth
	return nil
}

func (r *Renderer) Swapchain() gpu.Swapchain {
	return r.swapchain
}

func (r *Renderer) Width() uint32 {
	return r.config.Width
}

func (r *Renderer) Height() uint32 {
	return r.config.Height
}

func (r *Renderer) AspectRatio() float32 {
	return float32(r.config.Width) / float32(r.config.Height)
}

// Frames counts presented frames.
func (r *Renderer) Frames() uint64 {
	return r.frames
}

// FrameFence is the fence value the last submission on backBuffer signals.
func (r *Renderer) FrameFence(backBuffer uint32) uint64 {
	return r.frameFences[backBuffer]
}

/**
 * @brief Records and submits one frame of s: constants, the shadow pass when one
 * exists, then every batch in order. Objects whose model has not loaded are skipped.
 * @return a contract error from the material layout check, or a device error.
 */
func (r *Renderer) RenderFrame(ctx context.Context, s *scene.Scene, sm *systems.SystemManager) (FrameStats, error) {
	var stats FrameStats
	if !r.initialized {
		return stats, fmt.Errorf("func RenderFrame - %w: renderer not initialized", core.ErrEngineStage)
	}

	bb := r.swapchain.CurrentBackBufferIndex()
	stats.BackBuffer = bb
	// the constant buffers of bb are free once its previous frame has retired
	if err := r.queue.WaitForFenceValue(ctx, r.frameFences[bb]); err != nil {
		return stats, err
	}

	cl, err := r.queue.GetCommandList()
	if err != nil {
		return stats, err
	}

	shadows := sm.Shadows()
	if err := r.writeConstants(s, shadows, bb); err != nil {
		return stats, err
	}

	if shadows != nil {
		rendered, err := shadows.Render(cl, s, bb)
		if err != nil {
			return stats, err
		}
		stats.ShadowRendered = rendered
	}

	backBuffer := r.swapchain.BackBuffer(bb)
	cl.ResourceBarrier(backBuffer, gpu.StatePresent, gpu.StateRenderTarget)
	cl.ClearRenderTargetView(backBuffer, ClearColor)
	cl.ClearDepthStencilView(r.depth, 1)
	cl.SetRenderTargets([]gpu.Resource{backBuffer}, r.depth)
	w, h := float32(r.config.Width), float32(r.config.Height)
	cl.SetViewports(gpu.Viewport{Width: w, Height: h, MinDepth: 0, MaxDepth: 1})
	cl.SetScissorRects(gpu.Rect{Right: int32(r.config.Width), Bottom: int32(r.config.Height)})

	var shadowMap gpu.Resource
	if shadows != nil {
		shadowMap = shadows.ShadowMap()
	}
	for _, b := range s.Batches() {
		draws, skipped, err := r.drawBatch(cl, b, sm, shadowMap, bb)
		if err != nil {
			return stats, err
		}
		stats.Draws += draws
		stats.Skipped += skipped
	}

	cl.ResourceBarrier(backBuffer, gpu.StateRenderTarget, gpu.StatePresent)
	fence, err := r.queue.ExecuteCommandList(cl)
	if err != nil {
		return stats, err
	}
	r.frameFences[bb] = fence
	stats.Fence = fence
	if err := r.swapchain.Present(); err != nil {
		return stats, err
	}
	r.frames++
	return stats, nil
}

// writeConstants fills bb's copy of the shared per-frame buffers and of every
// loaded object's per-draw buffer.
func (r *Renderer) writeConstants(s *scene.Scene, shadows *systems.ShadowSystem, bb uint32) error {
	camera := s.Camera
	fc := metadata.FrameConstants{
		ViewProj:       camera.ViewProjection(),
		EyePosition:    camera.GetPosition().ToVec4(1),
		LightDirection: s.LightDirection.ToVec4(0),
	}
	if shadows != nil {
		var splits [metadata.MaxShadowMapCascades]float32
		for i := uint32(0); i < shadows.NumCascades(); i++ {
			c := shadows.Cascade(i)
			fc.ShadowViewProj[i] = c.ViewProj
			splits[i] = camera.Near() + c.FarPercent*(camera.Far()-camera.Near())
		}
		fc.CascadeSplits = math.Vec4{X: splits[0], Y: splits[1], Z: splits[2], W: splits[3]}
	}
	frameData, err := metadata.EncodeConstants(fc)
	if err != nil {
		return err
	}

	written := make(map[*systems.CBVAllocation]bool)
	for _, obj := range s.Objects() {
		mat := obj.Material()
		if mat == nil {
			continue
		}
		if alloc := mat.PerFrameCBVs(); alloc != nil && !written[alloc] {
			if err := mat.SetPerFrameCBV(0, frameData, bb); err != nil {
				return err
			}
			written[alloc] = true
		}
		if !obj.IsLoaded() || mat.PerDrawCBVs() == nil {
			continue
		}
		drawData, err := metadata.EncodeConstants(obj.DrawConstants())
		if err != nil {
			return err
		}
		if err := mat.SetPerDrawCBV(0, drawData, bb); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) drawBatch(cl gpu.CommandList, b *scene.Batch, sm *systems.SystemManager, shadowMap gpu.Resource, bb uint32) (int, int, error) {
	pso, ok, err := b.Pipeline(r.device, sm.Resources(), BackBufferFormat)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, len(b.Objects()), nil
	}

	info := b.RootSignature().Info()
	cl.SetGraphicsRootSignature(b.RootSignature().Handle())
	cl.SetPipelineState(pso)
	cl.SetDescriptorHeap(sm.Descriptors().Heap())

	draws, skipped := 0, 0
	for _, obj := range b.Objects() {
		model, ok := sm.Resources().GetLoadedModel(obj.Model())
		if !ok {
			skipped++
			continue
		}
		mat := obj.Material()
		if shadowMap != nil && mat.NumSRVDynamic() > 0 {
			if err := mat.SetDynamicSRV(0, gpu.FormatR32Float, shadowMap); err != nil {
				return draws, skipped, err
			}
		}
		if err := mat.AssignMaterial(cl, info, bb); err != nil {
			return draws, skipped, err
		}
		cl.SetVertexBuffer(model.VertexBuffer, metadata.VertexStride)
		cl.SetIndexBuffer(model.IndexBuffer, gpu.FormatR32Uint)
		cl.DrawIndexedInstanced(model.IndexCount, 1, 0, 0, 0)
		draws++
	}
	return draws, skipped, nil
}

// Flush blocks until every submitted frame has finished on the GPU.
func (r *Renderer) Flush(ctx context.Context) error {
	return r.queue.Flush(ctx)
}

func (r *Renderer) Resize(ctx context.Context, width, height uint32) error {
	if width == 0 || height == 0 {
		// minimized, keep the current buffers
		return nil
	}
	if width == r.config.Width && height == r.config.Height {
		return nil
	}
	if err := r.Flush(ctx); err != nil {
		return err
	}
	if err := r.swapchain.Resize(width, height); err != nil {
		return err
	}
	r.config.Width, r.config.Height = width, height
	if r.depth != nil {
		r.depth.Release()
		r.depth = nil
	}
	if err := r.createDepth(); err != nil {
		return err
	}
	r.frameFences = [gpu.FrameCount]uint64{}
	core.LogDebug("renderer resized to %dx%d", width, height)
	return nil
}

func (r *Renderer) Shutdown(ctx context.Context) error {
	if !r.initialized {
		return nil
	}
	if err := r.Flush(ctx); err != nil {
		return err
	}
	if r.depth != nil {
		r.depth.Release()
		r.depth = nil
	}
	if r.swapchain != nil {
		r.swapchain.Release()
		r.swapchain = nil
	}
	r.initialized = false
	return nil
}
