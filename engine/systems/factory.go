package systems

import (
	"context"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

/**
 * @brief Front door for asset creation. Registers the asset and hands it to the
 * load system, or loads and uploads it on the calling thread when streaming is off.
 * A handle is always returned; failures are logged and leave the asset Failed.
 */
type AssetFactory struct {
	device    gpu.Device
	resources *ResourceSystem
	loads     *LoadSystem
	source    AssetSource
	asyncLog  *core.AsyncLog
}

func NewAssetFactory(device gpu.Device, resources *ResourceSystem, loads *LoadSystem, source AssetSource, asyncLog *core.AsyncLog) *AssetFactory {
	return &AssetFactory{
		device:    device,
		resources: resources,
		loads:     loads,
		source:    source,
		asyncLog:  asyncLog,
	}
}

func (af *AssetFactory) CreateModel(ctx context.Context, path string) containers.Handle {
	h, created := af.resources.TryGetModel(path)
	if !created {
		return h
	}
	epoch, _ := af.resources.Models().Epoch(h)
	if af.loads.TryPushModel(metadata.AsyncModelArgs{Handle: h, Epoch: epoch, Path: path}) {
		return h
	}
	af.loadModelNow(ctx, h, epoch, path)
	return h
}

func (af *AssetFactory) CreateTexture(ctx context.Context, path string, generateMips bool) containers.Handle {
	h, created := af.resources.TryGetTexture(path)
	if !created {
		return h
	}
	epoch, _ := af.resources.Textures().Epoch(h)
	if af.loads.TryPushTex(metadata.AsyncTexArgs{Handle: h, Epoch: epoch, Path: path, GenerateMips: generateMips}) {
		return h
	}
	af.loadTextureNow(ctx, h, epoch, path, generateMips)
	return h
}

func (af *AssetFactory) CreateCubemap(ctx context.Context, basePath, extension string) containers.Handle {
	h, created := af.resources.TryGetCubemap(basePath, extension)
	if !created {
		return h
	}
	epoch, _ := af.resources.Textures().Epoch(h)
	if af.loads.TryPushCubemap(metadata.AsyncTexCubemapArgs{Handle: h, Epoch: epoch, BasePath: basePath, Extension: extension}) {
		return h
	}
	af.loadCubemapNow(ctx, h, epoch, basePath, extension)
	return h
}

func (af *AssetFactory) CreateShader(path string, stage metadata.ShaderStage) containers.Handle {
	h, created := af.resources.TryGetShader(path, stage)
	if !created {
		return h
	}
	epoch, _ := af.resources.Shaders().Epoch(h)
	if af.loads.TryPushShader(metadata.AsyncShaderArgs{Handle: h, Epoch: epoch, Path: path, Stage: stage}) {
		return h
	}
	af.loadShaderNow(h, epoch, path)
	return h
}

/**
 * @brief Reloads a shader in place. The handle stays valid and reads as not loaded
 * until the new bytecode is in; pipelines built from it must be rebuilt after that.
 */
func (af *AssetFactory) ReloadShader(path string) (containers.Handle, bool) {
	h, ok := af.resources.FindShader(path)
	if !ok {
		return h, false
	}
	shader, ok := af.resources.Shaders().Get(h)
	if !ok {
		return h, false
	}
	epoch, ok := af.resources.Shaders().Reload(h)
	if !ok {
		return h, false
	}
	if !af.loads.TryPushShader(metadata.AsyncShaderArgs{Handle: h, Epoch: epoch, Path: shader.Path, Stage: shader.Stage}) {
		af.loadShaderNow(h, epoch, shader.Path)
	}
	core.LogInfo("reloading shader %s", shader.Path)
	return h, true
}

/**
 * @brief Reloads a 2D texture in place. The texture reads as not loaded until the
 * new upload's fence completes, and an earlier upload still in flight is discarded
 * when it lands. The old GPU resource is retired rather than released since
 * in-flight frames may still sample it. Descriptors pointing at the texture must be
 * refreshed once it is loaded again.
 */
func (af *AssetFactory) ReloadTexture(ctx context.Context, path string) (containers.Handle, bool) {
	h, ok := af.resources.FindTexture(path)
	if !ok {
		return h, false
	}
	tex, ok := af.resources.Textures().Get(h)
	if !ok || tex.Kind != metadata.TextureKind2D {
		return h, false
	}
	epoch, ok := af.resources.Textures().Reload(h)
	if !ok {
		return h, false
	}
	generateMips := tex.MipLevels > 1
	if !af.loads.TryPushTex(metadata.AsyncTexArgs{Handle: h, Epoch: epoch, Path: tex.Path, GenerateMips: generateMips}) {
		af.loadTextureNow(ctx, h, epoch, tex.Path, generateMips)
	}
	core.LogInfo("reloading texture %s", tex.Path)
	return h, true
}

func (af *AssetFactory) fail(kind metadata.AssetKind, h containers.Handle, epoch uint32, path string, err error) {
	af.asyncLog.Errorf("factory", "%s %s: %s", kind, path, err.Error())
	switch kind {
	case metadata.AssetKindModel:
		af.resources.Models().SetStateAt(h, epoch, containers.LoadStateFailed)
	case metadata.AssetKindShader:
		af.resources.Shaders().SetStateAt(h, epoch, containers.LoadStateFailed)
	default:
		af.resources.Textures().SetStateAt(h, epoch, containers.LoadStateFailed)
	}
}

// submitNow runs record on a fresh list of queue t and waits for it to finish.
func (af *AssetFactory) submitNow(ctx context.Context, t gpu.QueueType, record func(cl gpu.CommandList) ([]gpu.Resource, error)) error {
	queue := af.device.Queue(t)
	cl, err := queue.GetCommandList()
	if err != nil {
		return err
	}
	uploads, err := record(cl)
	if err != nil {
		// an abandoned list still has to go through the queue to be recycled
		_, _ = queue.ExecuteCommandList(cl)
		return err
	}
	defer func() {
		for _, u := range uploads {
			u.Release()
		}
	}()
	return gpu.ExecuteAndWait(ctx, queue, cl)
}

func (af *AssetFactory) loadModelNow(ctx context.Context, h containers.Handle, epoch uint32, path string) {
	model, ok := af.resources.Models().Get(h)
	if !ok {
		return
	}
	data, err := af.source.LoadModel(path)
	if err != nil {
		af.fail(metadata.AssetKindModel, h, epoch, path, err)
		return
	}
	err = af.submitNow(ctx, gpu.QueueCopy, func(cl gpu.CommandList) ([]gpu.Resource, error) {
		return recordModelUpload(af.device, cl, model, data)
	})
	if err != nil {
		af.fail(metadata.AssetKindModel, h, epoch, path, err)
		return
	}
	af.resources.Models().SetStateAt(h, epoch, containers.LoadStateLoaded)
}

func (af *AssetFactory) loadTextureNow(ctx context.Context, h containers.Handle, epoch uint32, path string, generateMips bool) {
	tex, ok := af.resources.Textures().Get(h)
	if !ok {
		return
	}
	img, err := af.source.LoadTexture(path)
	if err != nil {
		af.fail(metadata.AssetKindTexture, h, epoch, path, err)
		return
	}
	staged := &metadata.Texture{Path: tex.Path, Kind: tex.Kind}
	err = af.submitNow(ctx, gpu.QueueCompute, func(cl gpu.CommandList) ([]gpu.Resource, error) {
		return recordTextureUpload(af.device, cl, staged, []*metadata.ImageData{img}, generateMips)
	})
	if err != nil {
		staged.Release()
		af.fail(metadata.AssetKindTexture, h, epoch, path, err)
		return
	}
	af.resources.InstallTexture(h, epoch, staged)
}

func (af *AssetFactory) loadCubemapNow(ctx context.Context, h containers.Handle, epoch uint32, basePath, extension string) {
	tex, ok := af.resources.Textures().Get(h)
	if !ok {
		return
	}
	faces, err := af.source.LoadCubemap(basePath, extension)
	if err != nil {
		af.fail(metadata.AssetKindCubemap, h, epoch, basePath, err)
		return
	}
	staged := &metadata.Texture{Path: tex.Path, Kind: tex.Kind}
	err = af.submitNow(ctx, gpu.QueueCompute, func(cl gpu.CommandList) ([]gpu.Resource, error) {
		return recordTextureUpload(af.device, cl, staged, faces[:], false)
	})
	if err != nil {
		staged.Release()
		af.fail(metadata.AssetKindCubemap, h, epoch, basePath, err)
		return
	}
	af.resources.InstallTexture(h, epoch, staged)
}

func (af *AssetFactory) loadShaderNow(h containers.Handle, epoch uint32, path string) {
	shader, ok := af.resources.Shaders().Get(h)
	if !ok {
		return
	}
	code, err := af.source.LoadShader(path)
	if err != nil {
		af.fail(metadata.AssetKindShader, h, epoch, path, err)
		return
	}
	shader.Bytecode = code
	af.resources.Shaders().SetStateAt(h, epoch, containers.LoadStateLoaded)
}
