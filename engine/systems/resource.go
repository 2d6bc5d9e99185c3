package systems

import (
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

/**
 * @brief Deduplicating registry of every streamable asset, keyed by path.
 * The path maps are touched by the render thread only. The slot maps behind
 * them are safe to read from load workers, which is how a worker reaches the
 * object its job fills in.
 */
type ResourceSystem struct {
	models   *containers.SlotMap[metadata.Model]
	textures *containers.SlotMap[metadata.Texture]
	shaders  *containers.SlotMap[metadata.Shader]

	modelLookup   map[string]containers.Handle
	textureLookup map[string]containers.Handle
	shaderLookup  map[string]containers.Handle

	// replaced by a reload while frames in flight may still sample them
	retired []gpu.Resource
}

func NewResourceSystem() *ResourceSystem {
	return &ResourceSystem{
		models:        containers.NewSlotMap[metadata.Model](),
		textures:      containers.NewSlotMap[metadata.Texture](),
		shaders:       containers.NewSlotMap[metadata.Shader](),
		modelLookup:   make(map[string]containers.Handle),
		textureLookup: make(map[string]containers.Handle),
		shaderLookup:  make(map[string]containers.Handle),
	}
}

func (rs *ResourceSystem) Models() *containers.SlotMap[metadata.Model] {
	return rs.models
}

func (rs *ResourceSystem) Textures() *containers.SlotMap[metadata.Texture] {
	return rs.textures
}

func (rs *ResourceSystem) Shaders() *containers.SlotMap[metadata.Shader] {
	return rs.shaders
}

func cleanPath(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

func cubemapKey(basePath, extension string) string {
	return "cube:" + cleanPath(basePath) + "." + strings.TrimPrefix(extension, ".")
}

/**
 * @brief Returns the model registered for path, registering an unloaded one if needed.
 * @return The handle and whether the caller is responsible for loading it.
 */
func (rs *ResourceSystem) TryGetModel(path string) (containers.Handle, bool) {
	key := cleanPath(path)
	if h, ok := rs.modelLookup[key]; ok && rs.models.Contains(h) {
		return h, false
	}
	h := rs.models.Insert(&metadata.Model{
		Name: strings.TrimSuffix(filepath.Base(key), filepath.Ext(key)),
		Path: key,
	})
	rs.modelLookup[key] = h
	return h, true
}

func (rs *ResourceSystem) TryGetTexture(path string) (containers.Handle, bool) {
	key := cleanPath(path)
	if h, ok := rs.textureLookup[key]; ok && rs.textures.Contains(h) {
		return h, false
	}
	h := rs.textures.Insert(&metadata.Texture{Path: key, Kind: metadata.TextureKind2D})
	rs.textureLookup[key] = h
	return h, true
}

func (rs *ResourceSystem) TryGetCubemap(basePath, extension string) (containers.Handle, bool) {
	key := cubemapKey(basePath, extension)
	if h, ok := rs.textureLookup[key]; ok && rs.textures.Contains(h) {
		return h, false
	}
	h := rs.textures.Insert(&metadata.Texture{Path: cleanPath(basePath), Kind: metadata.TextureKindCube})
	rs.textureLookup[key] = h
	return h, true
}

func (rs *ResourceSystem) TryGetShader(path string, stage metadata.ShaderStage) (containers.Handle, bool) {
	key := cleanPath(path)
	if h, ok := rs.shaderLookup[key]; ok && rs.shaders.Contains(h) {
		return h, false
	}
	h := rs.shaders.Insert(&metadata.Shader{Path: key, Stage: stage})
	rs.shaderLookup[key] = h
	return h, true
}

// FindModel looks up without registering.
func (rs *ResourceSystem) FindModel(path string) (containers.Handle, bool) {
	h, ok := rs.modelLookup[cleanPath(path)]
	return h, ok && rs.models.Contains(h)
}

func (rs *ResourceSystem) FindTexture(path string) (containers.Handle, bool) {
	h, ok := rs.textureLookup[cleanPath(path)]
	return h, ok && rs.textures.Contains(h)
}

func (rs *ResourceSystem) FindShader(path string) (containers.Handle, bool) {
	h, ok := rs.shaderLookup[cleanPath(path)]
	return h, ok && rs.shaders.Contains(h)
}

// GetLoadedModel returns the model only once its upload has completed.
func (rs *ResourceSystem) GetLoadedModel(h containers.Handle) (*metadata.Model, bool) {
	if !rs.models.IsLoaded(h) {
		return nil, false
	}
	return rs.models.Get(h)
}

func (rs *ResourceSystem) GetLoadedTexture(h containers.Handle) (*metadata.Texture, bool) {
	if !rs.textures.IsLoaded(h) {
		return nil, false
	}
	return rs.textures.Get(h)
}

func (rs *ResourceSystem) GetLoadedShader(h containers.Handle) (*metadata.Shader, bool) {
	if !rs.shaders.IsLoaded(h) {
		return nil, false
	}
	return rs.shaders.Get(h)
}

/**
 * @brief Moves a finished upload into the texture slot and marks it loaded, as long
 * as no reload started since the upload was queued. The resource it replaces is
 * retired. A stale upload is released, its fence having already completed.
 * Render thread only.
 */
func (rs *ResourceSystem) InstallTexture(h containers.Handle, epoch uint32, staged *metadata.Texture) bool {
	tex, ok := rs.textures.Get(h)
	if !ok || !rs.textures.IsCurrent(h, epoch) {
		staged.Release()
		return false
	}
	rs.RetireResource(tex.Resource)
	*tex = *staged
	return rs.textures.SetStateAt(h, epoch, containers.LoadStateLoaded)
}

// RetireResource keeps res alive until the next ClearAll.
func (rs *ResourceSystem) RetireResource(res gpu.Resource) {
	if res != nil {
		rs.retired = append(rs.retired, res)
	}
}

/**
 * @brief Forgets every shader. Load workers must be joined first, since queued
 * shader jobs reference these slots.
 */
func (rs *ResourceSystem) ClearShaderList() {
	n := rs.shaders.Len()
	rs.shaders.Clear()
	rs.shaderLookup = make(map[string]containers.Handle)
	core.LogDebug("cleared %d shaders", n)
}

/**
 * @brief Releases every model and texture. The GPU must be idle and load workers
 * joined.
 */
func (rs *ResourceSystem) ClearAll() {
	rs.models.Each(func(h containers.Handle, m *metadata.Model) {
		m.Release()
	})
	rs.textures.Each(func(h containers.Handle, t *metadata.Texture) {
		t.Release()
	})
	for _, r := range rs.retired {
		r.Release()
	}
	rs.retired = nil
	rs.models.Clear()
	rs.textures.Clear()
	rs.modelLookup = make(map[string]containers.Handle)
	rs.textureLookup = make(map[string]containers.Handle)
	rs.ClearShaderList()
}

func (rs *ResourceSystem) Shutdown() error {
	rs.ClearAll()
	return nil
}
