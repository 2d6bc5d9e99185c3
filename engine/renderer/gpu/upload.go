package gpu

import (
	"context"
	"fmt"
)

// NewUploadBuffer creates a CPU-visible buffer holding a copy of data.
func NewUploadBuffer(device Device, name string, data []byte) (Resource, error) {
	res, err := device.CreateCommittedResource(BufferDesc(name, uint64(len(data)), HeapUpload))
	if err != nil {
		return nil, fmt.Errorf("upload buffer %s: %w", name, err)
	}
	if err := WriteResource(res, 0, data); err != nil {
		res.Release()
		return nil, err
	}
	return res, nil
}

// WriteResource copies data into an upload-heap resource at offset.
func WriteResource(res Resource, offset uint64, data []byte) error {
	mapped, err := res.Map()
	if err != nil {
		return err
	}
	defer res.Unmap()
	if offset+uint64(len(data)) > uint64(len(mapped)) {
		return fmt.Errorf("%w: write of %d bytes at %d exceeds %d", ErrInvalidResource, len(data), offset, len(mapped))
	}
	copy(mapped[offset:], data)
	return nil
}

// ReadResource returns a copy of an upload-heap resource's bytes.
func ReadResource(res Resource) ([]byte, error) {
	mapped, err := res.Map()
	if err != nil {
		return nil, err
	}
	defer res.Unmap()
	out := make([]byte, len(mapped))
	copy(out, mapped)
	return out, nil
}

// ExecuteAndWait submits list and blocks until the queue has finished it.
func ExecuteAndWait(ctx context.Context, queue CommandQueue, list CommandList) error {
	value, err := queue.ExecuteCommandList(list)
	if err != nil {
		return err
	}
	return queue.WaitForFenceValue(ctx, value)
}
