package soft

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

const DescriptorIncrementSize = 32

type DescriptorHeap struct {
	mu          sync.RWMutex
	gpuStart    uint64
	descriptors []gpu.Descriptor
	writes      uint64
}

func (h *DescriptorHeap) Capacity() uint32 {
	return uint32(len(h.descriptors))
}

func (h *DescriptorHeap) IncrementSize() uint32 {
	return DescriptorIncrementSize
}

func (h *DescriptorHeap) GPUStart() uint64 {
	return h.gpuStart
}

func (h *DescriptorHeap) write(index uint32, d gpu.Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if int(index) >= len(h.descriptors) {
		return fmt.Errorf("%w: %d >= %d", gpu.ErrDescriptorOutOfRange, index, len(h.descriptors))
	}
	h.descriptors[index] = d
	h.writes++
	return nil
}

func (h *DescriptorHeap) WriteCBV(index uint32, res gpu.Resource, size uint32) error {
	if res == nil || size == 0 || size%gpu.CBVAlignment != 0 {
		return fmt.Errorf("%w: constant buffer view of %d bytes", gpu.ErrInvalidResource, size)
	}
	if uint64(size) > res.Desc().Width {
		return fmt.Errorf("%w: view of %d bytes over a %d byte buffer", gpu.ErrInvalidResource, size, res.Desc().Width)
	}
	return h.write(index, gpu.Descriptor{Kind: gpu.DescriptorCBV, Resource: res, Size: size})
}

func (h *DescriptorHeap) WriteSRV(index uint32, res gpu.Resource, format gpu.Format) error {
	if res == nil {
		return fmt.Errorf("%w: nil shader resource", gpu.ErrInvalidResource)
	}
	return h.write(index, gpu.Descriptor{Kind: gpu.DescriptorSRV, Resource: res, Format: format})
}

func (h *DescriptorHeap) WriteNullSRV(index uint32, format gpu.Format) error {
	return h.write(index, gpu.Descriptor{Kind: gpu.DescriptorSRV, Format: format})
}

func (h *DescriptorHeap) Descriptor(index uint32) (gpu.Descriptor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if int(index) >= len(h.descriptors) {
		return gpu.Descriptor{}, fmt.Errorf("%w: %d >= %d", gpu.ErrDescriptorOutOfRange, index, len(h.descriptors))
	}
	return h.descriptors[index], nil
}

// Writes counts descriptor writes since creation.
func (h *DescriptorHeap) Writes() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.writes
}

func (h *DescriptorHeap) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.descriptors {
		h.descriptors[i] = gpu.Descriptor{}
	}
}

type RootSignature struct {
	desc gpu.RootSignatureDesc
}

func (rs *RootSignature) Desc() gpu.RootSignatureDesc {
	return rs.desc
}

func (rs *RootSignature) Release() {}

type PipelineState struct {
	desc gpu.PipelineStateDesc
}

func (p *PipelineState) Desc() gpu.PipelineStateDesc {
	return p.desc
}

func (p *PipelineState) Release() {}
