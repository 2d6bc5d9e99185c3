package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

/**
 * @brief Resource backed by host memory. Every heap type keeps its bytes so copies
 * recorded on a command list can be observed after execution.
 */
type Resource struct {
	desc     gpu.ResourceDesc
	address  uint64
	released atomic.Bool

	mu       sync.Mutex
	data     []byte
	state    gpu.ResourceState
	mapCount int
}

func subresourceSize(desc gpu.ResourceDesc, mip uint32) uint64 {
	w := desc.Width >> mip
	h := uint64(desc.Height) >> mip
	if w == 0 {
		w = 1
	}
	if h == 0 {
		h = 1
	}
	return w * h * uint64(desc.Format.BytesPerPixel())
}

func resourceSize(desc gpu.ResourceDesc) (uint64, error) {
	switch desc.Dimension {
	case gpu.DimensionBuffer:
		return desc.Width, nil
	case gpu.DimensionTexture2D:
		if desc.Format.BytesPerPixel() == 0 {
			return 0, fmt.Errorf("%w: texture %s has format %s", gpu.ErrInvalidResource, desc.Name, desc.Format)
		}
		var size uint64
		for m := uint32(0); m < uint32(desc.MipLevels); m++ {
			size += subresourceSize(desc, m)
		}
		return size * uint64(desc.ArraySize), nil
	}
	return 0, fmt.Errorf("%w: unknown dimension %d", gpu.ErrInvalidResource, desc.Dimension)
}

// subresourceOffset locates mip of slice inside the packed texture storage.
func (r *Resource) subresourceOffset(mip, slice uint32) uint64 {
	var sliceSize, mipOffset uint64
	for m := uint32(0); m < uint32(r.desc.MipLevels); m++ {
		s := subresourceSize(r.desc, m)
		if m < mip {
			mipOffset += s
		}
		sliceSize += s
	}
	return uint64(slice)*sliceSize + mipOffset
}

func (r *Resource) Desc() gpu.ResourceDesc {
	return r.desc
}

func (r *Resource) Map() ([]byte, error) {
	if r.desc.Heap != gpu.HeapUpload {
		return nil, fmt.Errorf("%w: %s", gpu.ErrNotMappable, r.desc.Name)
	}
	if r.released.Load() {
		return nil, fmt.Errorf("%w: %s was released", gpu.ErrInvalidResource, r.desc.Name)
	}
	r.mu.Lock()
	r.mapCount++
	r.mu.Unlock()
	return r.data, nil
}

func (r *Resource) Unmap() {
	r.mu.Lock()
	if r.mapCount > 0 {
		r.mapCount--
	}
	r.mu.Unlock()
}

func (r *Resource) GPUAddress() uint64 {
	return r.address
}

func (r *Resource) Release() {
	r.released.Store(true)
}

func (r *Resource) Released() bool {
	return r.released.Load()
}

// Bytes returns a copy of the backing memory, for inspection in tests.
func (r *Resource) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

func (r *Resource) State() gpu.ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Resource) transition(before, after gpu.ResourceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok := r.state == before
	r.state = after
	return ok
}
