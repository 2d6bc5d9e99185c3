package systems

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

var (
	ErrDescriptorSystemNotInitialized = errors.New("descriptor system used before initialization")
	ErrDescriptorHeapFull             = errors.New("descriptor heap is full")
	ErrNotDynamicDescriptor           = errors.New("descriptor slot was not reserved as dynamic")
	ErrSharedCBVMismatch              = errors.New("shared constant buffer requested with a different layout")
)

/** @brief The configuration for the descriptor system */
type DescriptorSystemConfig struct {
	/** @brief Number of slots in the shader-visible heap. */
	HeapCapacity uint32
}

/**
 * @brief A group of constant buffers reserved by one AddCBVs call. Each back buffer
 * owns len(Sizes) contiguous heap slots starting at Offsets[backBuffer], each
 * backed by its own upload-heap resource.
 */
type CBVAllocation struct {
	ID        string
	PerFrame  bool
	Sizes     []uint32
	Offsets   [gpu.FrameCount]uint32
	Resources [gpu.FrameCount][]gpu.Resource
}

func (a *CBVAllocation) Count() uint32 {
	return uint32(len(a.Sizes))
}

// Write copies data into constant buffer index of backBuffer.
func (a *CBVAllocation) Write(index, backBuffer uint32, data []byte) error {
	if backBuffer >= gpu.FrameCount || index >= a.Count() {
		return fmt.Errorf("%w: constant buffer %d of back buffer %d", gpu.ErrDescriptorOutOfRange, index, backBuffer)
	}
	if uint32(len(data)) > a.Sizes[index] {
		return fmt.Errorf("%w: %d bytes into a %d byte constant buffer", gpu.ErrInvalidResource, len(data), a.Sizes[index])
	}
	return gpu.WriteResource(a.Resources[backBuffer][index], 0, data)
}

func (a *CBVAllocation) Resource(index, backBuffer uint32) gpu.Resource {
	return a.Resources[backBuffer][index]
}

func (a *CBVAllocation) Release() {
	for bb := range a.Resources {
		for _, r := range a.Resources[bb] {
			r.Release()
		}
		a.Resources[bb] = nil
	}
}

type pendingSRV struct {
	index   uint32
	texture containers.Handle
}

/**
 * @brief Bump allocator over one shader-visible descriptor heap. Slots are never
 * freed one by one; Shutdown drops the whole heap. Render thread only.
 */
type DescriptorSystem struct {
	config    *DescriptorSystemConfig
	device    gpu.Device
	resources *ResourceSystem

	heap          gpu.DescriptorHeap
	nextFreeIndex uint32

	// content-addressed static SRV ranges
	srvOffsets map[string]uint32
	// heap slots referencing each texture, rewritten on reload
	textureSlots map[containers.Handle][]uint32
	pending      []pendingSRV
	dynamic      map[uint32]struct{}

	sharedCBVs  map[string]*CBVAllocation
	allocations []*CBVAllocation
}

func NewDescriptorSystem(config *DescriptorSystemConfig, device gpu.Device, resources *ResourceSystem) (*DescriptorSystem, error) {
	if config.HeapCapacity == 0 {
		err := fmt.Errorf("func NewDescriptorSystem - %w: HeapCapacity must be > 0", ErrInvalidConfig)
		core.LogError(err.Error())
		return nil, err
	}
	return &DescriptorSystem{
		config:    config,
		device:    device,
		resources: resources,
	}, nil
}

func (ds *DescriptorSystem) Initialize() error {
	heap, err := ds.device.CreateDescriptorHeap(ds.config.HeapCapacity)
	if err != nil {
		return fmt.Errorf("descriptor heap: %w", err)
	}
	ds.heap = heap
	ds.nextFreeIndex = 0
	ds.srvOffsets = make(map[string]uint32)
	ds.textureSlots = make(map[containers.Handle][]uint32)
	ds.pending = nil
	ds.dynamic = make(map[uint32]struct{})
	ds.sharedCBVs = make(map[string]*CBVAllocation)
	ds.allocations = nil
	core.LogDebug("descriptor heap created with %d slots", ds.config.HeapCapacity)
	return nil
}

// Shutdown releases every constant buffer and the heap itself.
func (ds *DescriptorSystem) Shutdown() error {
	for _, a := range ds.allocations {
		a.Release()
	}
	ds.allocations = nil
	ds.sharedCBVs = nil
	if ds.heap != nil {
		ds.heap.Release()
		ds.heap = nil
	}
	ds.nextFreeIndex = 0
	return nil
}

func (ds *DescriptorSystem) Heap() gpu.DescriptorHeap {
	return ds.heap
}

func (ds *DescriptorSystem) NextFreeIndex() uint32 {
	return ds.nextFreeIndex
}

// GPUHandle returns the shader-visible address of heap slot offset.
func (ds *DescriptorSystem) GPUHandle(offset uint32) uint64 {
	return ds.heap.GPUStart() + uint64(offset)*uint64(ds.heap.IncrementSize())
}

func (ds *DescriptorSystem) reserve(count uint32) (uint32, error) {
	if ds.heap == nil {
		return 0, ErrDescriptorSystemNotInitialized
	}
	if ds.nextFreeIndex+count > ds.heap.Capacity() {
		return 0, fmt.Errorf("%w: %d slots requested, %d of %d used", ErrDescriptorHeapFull, count, ds.nextFreeIndex, ds.heap.Capacity())
	}
	offset := ds.nextFreeIndex
	ds.nextFreeIndex += count
	return offset, nil
}

func staticSRVKey(textures []containers.Handle, resources *ResourceSystem) string {
	parts := make([]string, len(textures))
	for i, h := range textures {
		if t, ok := resources.Textures().Get(h); ok {
			parts[i] = t.Path
		} else {
			parts[i] = "<" + h.String() + ">"
		}
	}
	return strings.Join(parts, "|")
}

/**
 * @brief Reserves one contiguous SRV range for textures, in order. The same ordered
 * path list always yields the same offset. Textures still streaming get a null
 * descriptor that ResolvePending replaces once they are loaded.
 */
func (ds *DescriptorSystem) AddStaticSRVs(textures []containers.Handle) (uint32, error) {
	if ds.heap == nil {
		return 0, ErrDescriptorSystemNotInitialized
	}
	key := staticSRVKey(textures, ds.resources)
	if offset, ok := ds.srvOffsets[key]; ok {
		return offset, nil
	}

	offset, err := ds.reserve(uint32(len(textures)))
	if err != nil {
		return 0, err
	}
	for i, h := range textures {
		index := offset + uint32(i)
		ds.textureSlots[h] = append(ds.textureSlots[h], index)
		if err := ds.writeTexture(index, h); err != nil {
			return 0, err
		}
	}
	ds.srvOffsets[key] = offset
	return offset, nil
}

func (ds *DescriptorSystem) writeTexture(index uint32, h containers.Handle) error {
	if tex, ok := ds.resources.GetLoadedTexture(h); ok {
		return ds.heap.WriteSRV(index, tex.Resource, tex.Format)
	}
	ds.pending = append(ds.pending, pendingSRV{index: index, texture: h})
	return ds.heap.WriteNullSRV(index, gpu.FormatR8G8B8A8Unorm)
}

/**
 * @brief Rewrites descriptors of textures that finished loading since the last call.
 * Failed or released textures keep their null descriptor.
 * @return The number of descriptors written.
 */
func (ds *DescriptorSystem) ResolvePending() (int, error) {
	written := 0
	remaining := ds.pending[:0]
	for _, p := range ds.pending {
		state, ok := ds.resources.Textures().State(p.texture)
		switch {
		case !ok || state == containers.LoadStateFailed:
			continue
		case state == containers.LoadStateLoaded:
			tex, _ := ds.resources.Textures().Get(p.texture)
			if err := ds.heap.WriteSRV(p.index, tex.Resource, tex.Format); err != nil {
				return written, err
			}
			written++
		default:
			remaining = append(remaining, p)
		}
	}
	ds.pending = remaining
	return written, nil
}

func (ds *DescriptorSystem) PendingCount() int {
	return len(ds.pending)
}

// Refresh queues every slot of a reloaded texture for rewriting.
func (ds *DescriptorSystem) Refresh(texture containers.Handle) {
	for _, index := range ds.textureSlots[texture] {
		ds.pending = append(ds.pending, pendingSRV{index: index, texture: texture})
	}
}

// AddDynamicSRVs reserves count fresh slots for SetDynamicSRV. They start as null descriptors.
func (ds *DescriptorSystem) AddDynamicSRVs(count uint32) (uint32, error) {
	offset, err := ds.reserve(count)
	if err != nil {
		return 0, err
	}
	for i := uint32(0); i < count; i++ {
		ds.dynamic[offset+i] = struct{}{}
		if err := ds.heap.WriteNullSRV(offset+i, gpu.FormatR8G8B8A8Unorm); err != nil {
			return 0, err
		}
	}
	return offset, nil
}

// SetDynamicSRV points a reserved dynamic slot at res.
func (ds *DescriptorSystem) SetDynamicSRV(index uint32, format gpu.Format, res gpu.Resource) error {
	if ds.heap == nil {
		return ErrDescriptorSystemNotInitialized
	}
	if _, ok := ds.dynamic[index]; !ok {
		return fmt.Errorf("%w: slot %d", ErrNotDynamicDescriptor, index)
	}
	return ds.heap.WriteSRV(index, res, format)
}

/**
 * @brief Creates constant buffers for every back buffer. Sizes are rounded up to
 * the CBV alignment. A per-frame request with a non-empty id is shared by every
 * caller using that id; per-draw requests are always fresh.
 */
func (ds *DescriptorSystem) AddCBVs(sizes []uint32, perFrame bool, id string) (*CBVAllocation, error) {
	if ds.heap == nil {
		return nil, ErrDescriptorSystemNotInitialized
	}
	aligned := make([]uint32, len(sizes))
	for i, s := range sizes {
		aligned[i] = math.AlignUp(max(s, 1), gpu.CBVAlignment)
	}

	shared := perFrame && id != ""
	if shared {
		if a, ok := ds.sharedCBVs[id]; ok {
			if !slices.Equal(a.Sizes, aligned) {
				return nil, fmt.Errorf("%w: %s", ErrSharedCBVMismatch, id)
			}
			return a, nil
		}
	}

	count := uint32(len(sizes))
	base, err := ds.reserve(count * gpu.FrameCount)
	if err != nil {
		return nil, err
	}
	alloc := &CBVAllocation{ID: id, PerFrame: perFrame, Sizes: aligned}
	for bb := uint32(0); bb < gpu.FrameCount; bb++ {
		alloc.Offsets[bb] = base + bb*count
		for i, size := range aligned {
			name := fmt.Sprintf("cbv-%s-%d-%d", id, bb, i)
			res, err := ds.device.CreateCommittedResource(gpu.BufferDesc(name, uint64(size), gpu.HeapUpload))
			if err != nil {
				alloc.Release()
				return nil, fmt.Errorf("constant buffer %s: %w", name, err)
			}
			alloc.Resources[bb] = append(alloc.Resources[bb], res)
			if err := ds.heap.WriteCBV(alloc.Offsets[bb]+uint32(i), res, size); err != nil {
				alloc.Release()
				return nil, err
			}
		}
	}

	if shared {
		ds.sharedCBVs[id] = alloc
	}
	ds.allocations = append(ds.allocations, alloc)
	return alloc, nil
}

// ReleaseCBVs frees an unshared allocation's buffers. Its heap slots stay reserved.
func (ds *DescriptorSystem) ReleaseCBVs(alloc *CBVAllocation) {
	if alloc == nil || (alloc.PerFrame && alloc.ID != "") {
		return
	}
	alloc.Release()
	for i, a := range ds.allocations {
		if a == alloc {
			ds.allocations = append(ds.allocations[:i], ds.allocations[i+1:]...)
			break
		}
	}
}

// Descriptor exposes a heap slot, used by tests and debug views.
func (ds *DescriptorSystem) Descriptor(index uint32) (gpu.Descriptor, error) {
	if ds.heap == nil {
		return gpu.Descriptor{}, ErrDescriptorSystemNotInitialized
	}
	return ds.heap.Descriptor(index)
}
