package systems

import (
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

var errMissingAsset = errors.New("asset not found")

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

// fakeSource serves procedural assets and records the order they were requested in.
type fakeSource struct {
	mu      sync.Mutex
	order   []string
	missing map[string]bool
	shaders map[string][]byte
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		missing: make(map[string]bool),
		shaders: make(map[string][]byte),
	}
}

func (s *fakeSource) request(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, path)
	if s.missing[path] {
		return errMissingAsset
	}
	return nil
}

func (s *fakeSource) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *fakeSource) SetMissing(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[path] = true
}

func (s *fakeSource) SetShader(path string, code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shaders[path] = code
}

func (s *fakeSource) LoadModel(path string) (*metadata.ModelData, error) {
	if err := s.request(path); err != nil {
		return nil, err
	}
	return loaders.CubeModel(1), nil
}

func (s *fakeSource) LoadTexture(path string) (*metadata.ImageData, error) {
	if err := s.request(path); err != nil {
		return nil, err
	}
	return loaders.CheckerImage(8, 2, [4]byte{255, 255, 255, 255}, [4]byte{0, 0, 0, 255}), nil
}

func (s *fakeSource) LoadCubemap(basePath, extension string) ([metadata.CubemapFaceCount]*metadata.ImageData, error) {
	var faces [metadata.CubemapFaceCount]*metadata.ImageData
	if err := s.request(basePath); err != nil {
		return faces, err
	}
	for i := range faces {
		faces[i] = loaders.CheckerImage(4, 1, [4]byte{byte(i * 40), 0, 0, 255}, [4]byte{0, 0, 0, 255})
	}
	return faces, nil
}

func (s *fakeSource) LoadShader(path string) ([]byte, error) {
	if err := s.request(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if code, ok := s.shaders[path]; ok {
		return code, nil
	}
	return []byte{0x03, 0x02, 0x23, 0x07}, nil
}

type testEnv struct {
	device      *soft.Device
	source      *fakeSource
	asyncLog    *core.AsyncLog
	resources   *ResourceSystem
	descriptors *DescriptorSystem
	loads       *LoadSystem
	factory     *AssetFactory
}

func newTestEnv(t *testing.T, opts ...soft.DeviceOption) *testEnv {
	t.Helper()
	env := &testEnv{
		device:    soft.NewDevice(opts...),
		source:    newFakeSource(),
		asyncLog:  core.NewAsyncLog(32),
		resources: NewResourceSystem(),
	}
	var err error
	env.descriptors, err = NewDescriptorSystem(&DescriptorSystemConfig{HeapCapacity: 256}, env.device, env.resources)
	require.NoError(t, err)
	require.NoError(t, env.descriptors.Initialize())

	env.loads, err = NewLoadSystem(&LoadSystemConfig{Threads: 1, IdleWait: time.Millisecond}, env.device, env.resources, env.source, env.asyncLog)
	require.NoError(t, err)
	env.factory = NewAssetFactory(env.device, env.resources, env.loads, env.source, env.asyncLog)

	t.Cleanup(func() {
		env.loads.FullShutdown()
		env.descriptors.Shutdown()
		env.resources.Shutdown()
	})
	return env
}

func TestConstructorsRejectInvalidConfig(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewDescriptorSystem(&DescriptorSystemConfig{}, env.device, env.resources)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "HeapCapacity")

	_, err = NewShadowSystem(&ShadowSystemConfig{NumCascades: 1, VertexShader: []byte{1, 2, 3, 4}}, env.device, env.descriptors, env.resources)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "Resolution")

	_, err = NewSystemManager(&SystemManagerConfig{HeapCapacity: 16}, env.device, env.source, env.asyncLog)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "LoadThreads")
}
