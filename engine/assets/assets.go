package assets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

var ErrWatcherClosed = errors.New("asset watcher already closed")

type AssetInfo struct {
	Path        string
	Kind        metadata.AssetKind
	LastChanged time.Time
}

/**
 * @brief Index of the asset tree plus the loaders reading it. When watching,
 * changed shaders and textures are announced with EVENT_CODE_ASSET_CHANGED;
 * the event is posted, so listeners run on the render thread.
 */
type AssetManager struct {
	root   string
	events *core.EventSystem

	models   *loaders.ModelLoader
	textures *loaders.TextureLoader
	shaders  *loaders.ShaderLoader

	mutex  sync.RWMutex
	assets map[string]AssetInfo

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewAssetManager(root string, events *core.EventSystem) *AssetManager {
	return &AssetManager{
		root:     root,
		events:   events,
		models:   &loaders.ModelLoader{},
		textures: &loaders.TextureLoader{},
		shaders:  &loaders.ShaderLoader{},
		assets:   make(map[string]AssetInfo),
	}
}

// Initialize indexes the tree and, when watch is set, starts following changes.
func (am *AssetManager) Initialize(watch bool) error {
	if err := os.MkdirAll(am.root, 0o755); err != nil {
		return err
	}
	if !watch {
		return am.walk(am.root, nil)
	}

	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	am.fsnotify = fsWatch
	am.done = make(chan struct{})
	am.stopped = make(chan struct{})

	if err := am.walk(am.root, fsWatch.Add); err != nil {
		fsWatch.Close()
		return err
	}
	go am.start()
	return nil
}

func (am *AssetManager) Root() string {
	return am.root
}

// Resolve maps a path relative to the asset root to a file path.
func (am *AssetManager) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(am.root, path)
}

func (am *AssetManager) LoadModel(path string) (*metadata.ModelData, error) {
	return am.models.Load(am.Resolve(path))
}

func (am *AssetManager) LoadTexture(path string) (*metadata.ImageData, error) {
	return am.textures.Load(am.Resolve(path))
}

func (am *AssetManager) LoadCubemap(basePath, extension string) ([metadata.CubemapFaceCount]*metadata.ImageData, error) {
	return am.textures.LoadCubemap(am.Resolve(basePath), extension)
}

func (am *AssetManager) LoadShader(path string) ([]byte, error) {
	return am.shaders.Load(am.Resolve(path))
}

// Assets returns the indexed entries of kind.
func (am *AssetManager) Assets(kind metadata.AssetKind) []AssetInfo {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	var out []AssetInfo
	for _, a := range am.assets {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

func (am *AssetManager) Lookup(path string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	a, ok := am.assets[am.relative(path)]
	return a, ok
}

func (am *AssetManager) Shutdown() error {
	if am.fsnotify == nil {
		return nil
	}
	if am.isClosed {
		return ErrWatcherClosed
	}
	am.isClosed = true
	close(am.done)
	<-am.stopped
	return nil
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			am.handleEvent(e)

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err.Error())

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

func (am *AssetManager) handleEvent(e fsnotify.Event) {
	s, err := os.Stat(e.Name)
	if err == nil && s.IsDir() {
		if e.Op&fsnotify.Create != 0 {
			if err := am.walk(e.Name, am.fsnotify.Add); err != nil {
				core.LogWarn("could not watch %s: %s", e.Name, err.Error())
			}
		}
		return
	}
	// Can't stat a deleted path, so drop it from both the index and the watch list.
	if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		am.removeAsset(e.Name)
		am.fsnotify.Remove(e.Name)
		return
	}
	if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	info, ok := am.indexFile(e.Name)
	if !ok {
		return
	}
	switch info.Kind {
	case metadata.AssetKindShader, metadata.AssetKindTexture:
		core.LogDebug("asset changed: %s", info.Path)
		am.events.Post(core.EVENT_CODE_ASSET_CHANGED, am, core.EventContext{Path: info.Path, Data: info.Kind})
	}
}

// walk indexes every file under path, calling watch on each directory when set.
func (am *AssetManager) walk(path string, watch func(string) error) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if watch != nil {
				return watch(walkPath)
			}
			return nil
		}
		am.indexFile(walkPath)
		return nil
	})
}

func (am *AssetManager) relative(path string) string {
	if rel, err := filepath.Rel(am.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(path)
}

// Handle the creation or modification of a file
func (am *AssetManager) indexFile(path string) (AssetInfo, bool) {
	kind, ok := determineAssetKind(path)
	if !ok {
		return AssetInfo{}, false
	}
	info := AssetInfo{
		Path:        am.relative(path),
		Kind:        kind,
		LastChanged: time.Now(),
	}
	am.mutex.Lock()
	am.assets[info.Path] = info
	am.mutex.Unlock()
	return info, true
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, am.relative(path))
}

func determineAssetKind(path string) (metadata.AssetKind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".model":
		return metadata.AssetKindModel, true
	case ".png", ".jpg", ".jpeg", ".bmp", ".tif", ".tiff", ".webp":
		return metadata.AssetKindTexture, true
	case ".spv", ".cso":
		return metadata.AssetKindShader, true
	}
	// the decode cache beside a texture is not an asset of its own
	return 0, false
}
