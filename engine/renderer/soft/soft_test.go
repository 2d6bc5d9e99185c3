package soft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

func TestUploadCopyIsVisibleAfterExecute(t *testing.T) {
	dev := NewDevice()
	src, err := gpu.NewUploadBuffer(dev, "src", []byte{1, 2, 3, 4})
	require.NoError(t, err)
	dst, err := dev.CreateCommittedResource(gpu.BufferDesc("dst", 8, gpu.HeapDefault))
	require.NoError(t, err)

	queue := dev.Queue(gpu.QueueCopy)
	cl, err := queue.GetCommandList()
	require.NoError(t, err)
	cl.CopyBufferRegion(dst, 2, src, 0, 4)
	require.NoError(t, gpu.ExecuteAndWait(context.Background(), queue, cl))

	assert.Equal(t, []byte{0, 0, 1, 2, 3, 4, 0, 0}, dst.(*Resource).Bytes())

	_, err = dst.Map()
	assert.ErrorIs(t, err, gpu.ErrNotMappable)
}

func TestManualFenceBlocksUntilAdvanced(t *testing.T) {
	dev := NewDevice(WithManualFences())
	queue := dev.SoftQueue(gpu.QueueCompute)

	cl, _ := queue.GetCommandList()
	cl.Dispatch(1, 1, 1)
	value, err := queue.ExecuteCommandList(cl)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), value)
	assert.False(t, queue.IsFenceComplete(value))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, queue.WaitForFenceValue(ctx, value), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		done <- queue.WaitForFenceValue(context.Background(), value)
	}()
	queue.Advance(1)
	require.NoError(t, <-done)
	assert.True(t, queue.IsFenceComplete(value))

	// completion never runs ahead of what was signaled
	queue.Advance(10)
	assert.Equal(t, uint64(1), queue.CompletedFenceValue())
}

func TestCommandListQueueRules(t *testing.T) {
	dev := NewDevice()
	copyList, _ := dev.Queue(gpu.QueueCopy).GetCommandList()
	copyList.DrawIndexedInstanced(3, 1, 0, 0, 0)
	assert.ErrorIs(t, copyList.Close(), gpu.ErrWrongQueue)

	direct, _ := dev.Queue(gpu.QueueDirect).GetCommandList()
	_, err := dev.Queue(gpu.QueueCopy).ExecuteCommandList(direct)
	assert.ErrorIs(t, err, gpu.ErrWrongQueue)
}

func TestTextureCopyPerSubresource(t *testing.T) {
	dev := NewDevice()
	tex, err := dev.CreateCommittedResource(gpu.Texture2DDesc("tex", 2, 2, 2, 2, gpu.FormatR8G8B8A8Unorm))
	require.NoError(t, err)
	// two slices of (2x2 + 1x1) texels
	assert.Len(t, tex.(*Resource).Bytes(), 2*(16+4))

	pixel := []byte{9, 9, 9, 9}
	upload, err := gpu.NewUploadBuffer(dev, "upload", pixel)
	require.NoError(t, err)

	queue := dev.Queue(gpu.QueueCompute)
	cl, _ := queue.GetCommandList()
	cl.CopyBufferToTexture(tex, upload, gpu.TextureCopy{MipLevel: 1, ArraySlice: 1, Width: 1, Height: 1, RowPitch: 4})
	require.NoError(t, gpu.ExecuteAndWait(context.Background(), queue, cl))

	data := tex.(*Resource).Bytes()
	assert.Equal(t, pixel, data[20+16:20+20])
	assert.Equal(t, make([]byte, 36), data[:36])
}

func TestDescriptorHeapBounds(t *testing.T) {
	dev := NewDevice()
	heap, err := dev.CreateDescriptorHeap(2)
	require.NoError(t, err)

	buf, _ := dev.CreateCommittedResource(gpu.BufferDesc("cb", 256, gpu.HeapUpload))
	require.NoError(t, heap.WriteCBV(1, buf, 256))
	assert.ErrorIs(t, heap.WriteCBV(2, buf, 256), gpu.ErrDescriptorOutOfRange)
	assert.ErrorIs(t, heap.WriteCBV(0, buf, 100), gpu.ErrInvalidResource)

	d, err := heap.Descriptor(1)
	require.NoError(t, err)
	assert.Equal(t, gpu.DescriptorCBV, d.Kind)

	_, err = dev.CreateDescriptorHeap(0)
	assert.ErrorIs(t, err, gpu.ErrInvalidDescriptorHeap)
}

func TestSwapchainCyclesBackBuffers(t *testing.T) {
	dev := NewDevice()
	sc, err := dev.CreateSwapchain(4, 4, gpu.FormatR8G8B8A8Unorm)
	require.NoError(t, err)

	seen := []uint32{}
	for i := 0; i < 4; i++ {
		seen = append(seen, sc.CurrentBackBufferIndex())
		require.NoError(t, sc.Present())
	}
	assert.Equal(t, []uint32{0, 1, 2, 0}, seen)
}
