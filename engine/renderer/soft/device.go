package soft

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

const (
	resourceAddressBase = 0x1000_0000
	heapAddressBase     = 0x8000_0000_0000
)

type DeviceOption func(*Device)

// WithManualFences keeps every queue's fence still until the test advances it.
func WithManualFences() DeviceOption {
	return func(d *Device) {
		d.manualFences = true
	}
}

/**
 * @brief Headless gpu.Device running entirely on the CPU.
 */
type Device struct {
	manualFences bool
	queues       [gpu.QueueTypeCount]*Queue

	mu          sync.Mutex
	nextAddress uint64
	nextHeap    uint64
	resources   uint64
}

func NewDevice(opts ...DeviceOption) *Device {
	d := &Device{
		nextAddress: resourceAddressBase,
		nextHeap:    heapAddressBase,
	}
	for _, opt := range opts {
		opt(d)
	}
	for t := gpu.QueueType(0); t < gpu.QueueTypeCount; t++ {
		d.queues[t] = newQueue(t, d.manualFences)
	}
	core.LogDebug("software device created (manual fences: %t)", d.manualFences)
	return d
}

func (d *Device) Name() string {
	return "software"
}

func (d *Device) CreateCommittedResource(desc gpu.ResourceDesc) (gpu.Resource, error) {
	size, err := resourceSize(desc)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %s has zero size", gpu.ErrInvalidResource, desc.Name)
	}

	d.mu.Lock()
	address := d.nextAddress
	d.nextAddress += (size + gpu.CBVAlignment - 1) &^ (gpu.CBVAlignment - 1)
	d.resources++
	d.mu.Unlock()

	return &Resource{
		desc:    desc,
		address: address,
		data:    make([]byte, size),
		state:   desc.InitialState,
	}, nil
}

func (d *Device) CreateDescriptorHeap(capacity uint32) (gpu.DescriptorHeap, error) {
	if capacity == 0 {
		return nil, gpu.ErrInvalidDescriptorHeap
	}
	d.mu.Lock()
	start := d.nextHeap
	d.nextHeap += uint64(capacity) * DescriptorIncrementSize
	d.mu.Unlock()

	return &DescriptorHeap{
		gpuStart:    start,
		descriptors: make([]gpu.Descriptor, capacity),
	}, nil
}

func (d *Device) CreateRootSignature(desc gpu.RootSignatureDesc) (gpu.RootSignature, error) {
	for i, p := range desc.Parameters {
		switch p.Kind {
		case gpu.RootParameterTable:
			if p.NumDescriptors == 0 {
				return nil, fmt.Errorf("%w: %s parameter %d has an empty table", gpu.ErrInvalidRootSignature, desc.Name, i)
			}
		case gpu.RootParameterConstants:
			if p.Num32BitValues == 0 {
				return nil, fmt.Errorf("%w: %s parameter %d has no constants", gpu.ErrInvalidRootSignature, desc.Name, i)
			}
		default:
			return nil, fmt.Errorf("%w: %s parameter %d kind %d", gpu.ErrInvalidRootSignature, desc.Name, i, p.Kind)
		}
	}
	return &RootSignature{desc: desc}, nil
}

func (d *Device) CreatePipelineState(desc gpu.PipelineStateDesc) (gpu.PipelineState, error) {
	if desc.RootSignature == nil {
		return nil, fmt.Errorf("%w: %s has no root signature", gpu.ErrInvalidPipelineState, desc.Name)
	}
	if !desc.IsCompute() && len(desc.VertexShader) == 0 {
		return nil, fmt.Errorf("%w: %s has no vertex shader", gpu.ErrInvalidPipelineState, desc.Name)
	}
	return &PipelineState{desc: desc}, nil
}

func (d *Device) CreateSwapchain(width, height uint32, format gpu.Format) (gpu.Swapchain, error) {
	sc := &Swapchain{device: d, format: format}
	if err := sc.Resize(width, height); err != nil {
		return nil, err
	}
	return sc, nil
}

func (d *Device) Queue(t gpu.QueueType) gpu.CommandQueue {
	return d.queues[t]
}

// SoftQueue exposes the fence controls of a queue.
func (d *Device) SoftQueue(t gpu.QueueType) *Queue {
	return d.queues[t]
}

// ResourceCount counts resources created so far.
func (d *Device) ResourceCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resources
}

func (d *Device) Release() {
	for _, q := range d.queues {
		q.CompleteAll()
	}
}

type Swapchain struct {
	device   *Device
	format   gpu.Format
	buffers  [gpu.FrameCount]gpu.Resource
	current  uint32
	presents uint64
}

func (s *Swapchain) CurrentBackBufferIndex() uint32 {
	return s.current
}

func (s *Swapchain) BackBuffer(index uint32) gpu.Resource {
	return s.buffers[index]
}

func (s *Swapchain) Present() error {
	s.presents++
	s.current = (s.current + 1) % gpu.FrameCount
	return nil
}

func (s *Swapchain) Presents() uint64 {
	return s.presents
}

func (s *Swapchain) Resize(width, height uint32) error {
	for i := range s.buffers {
		desc := gpu.Texture2DDesc(fmt.Sprintf("backbuffer-%d", i), width, height, 1, 1, s.format)
		desc.Flags = gpu.ResourceFlagAllowRenderTarget
		desc.InitialState = gpu.StatePresent
		res, err := s.device.CreateCommittedResource(desc)
		if err != nil {
			return err
		}
		if s.buffers[i] != nil {
			s.buffers[i].Release()
		}
		s.buffers[i] = res
	}
	s.current = 0
	return nil
}

func (s *Swapchain) Release() {
	for _, b := range s.buffers {
		if b != nil {
			b.Release()
		}
	}
}
