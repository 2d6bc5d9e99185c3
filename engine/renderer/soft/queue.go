package soft

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

/**
 * @brief Queue that executes lists synchronously on submission. With manual fences
 * the completed value only moves when Advance or CompleteAll is called, so tests can
 * hold work "in flight" for as long as they need.
 */
type Queue struct {
	queueType gpu.QueueType
	manual    bool

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	// closed and replaced whenever completed moves
	progress  chan struct{}
	submitted []*CommandList
	stats     Stats
}

type Stats struct {
	Submissions      uint64
	Draws            uint64
	Dispatches       uint64
	BytesCopied      uint64
	BarrierMismatch  uint64
	DescriptorTables uint64
}

func newQueue(t gpu.QueueType, manual bool) *Queue {
	return &Queue{
		queueType: t,
		manual:    manual,
		progress:  make(chan struct{}),
	}
}

func (q *Queue) Type() gpu.QueueType {
	return q.queueType
}

func (q *Queue) GetCommandList() (gpu.CommandList, error) {
	return newCommandList(q.queueType), nil
}

func (q *Queue) ExecuteCommandList(list gpu.CommandList) (uint64, error) {
	cl, ok := list.(*CommandList)
	if !ok {
		return 0, fmt.Errorf("%w: foreign command list", gpu.ErrWrongQueue)
	}
	if cl.queueType != q.queueType {
		return 0, fmt.Errorf("%w: %s list on %s queue", gpu.ErrWrongQueue, cl.queueType, q.queueType)
	}
	if !cl.closed {
		if err := cl.Close(); err != nil {
			return 0, err
		}
	} else if cl.err != nil {
		return 0, cl.err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.run(cl)
	q.submitted = append(q.submitted, cl)
	q.stats.Submissions++
	return q.signalLocked(), nil
}

func (q *Queue) run(cl *CommandList) {
	for _, cmd := range cl.commands {
		switch cmd.Op {
		case OpBarrier:
			if r, ok := cmd.Resource.(*Resource); ok && !r.transition(cmd.Before, cmd.After) {
				q.stats.BarrierMismatch++
				core.LogWarn("barrier on %s expected state %d", r.desc.Name, cmd.Before)
			}
		case OpCopyBuffer:
			dst := cmd.Resource.(*Resource)
			src := cmd.Source.(*Resource)
			src.mu.Lock()
			chunk := make([]byte, cmd.Size)
			copy(chunk, src.data[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
			src.mu.Unlock()
			dst.mu.Lock()
			copy(dst.data[cmd.DstOffset:], chunk)
			dst.mu.Unlock()
			q.stats.BytesCopied += cmd.Size
		case OpCopyTexture:
			q.copyTexture(cmd.Resource.(*Resource), cmd.Source.(*Resource), cmd.Region)
		case OpDraw:
			q.stats.Draws++
		case OpDispatch:
			q.stats.Dispatches++
		case OpSetGraphicsTable, OpSetComputeTable:
			q.stats.DescriptorTables++
		}
	}
}

func (q *Queue) copyTexture(dst, src *Resource, region gpu.TextureCopy) {
	bpp := uint64(dst.desc.Format.BytesPerPixel())
	rowBytes := uint64(region.Width) * bpp
	base := dst.subresourceOffset(region.MipLevel, region.ArraySlice)

	src.mu.Lock()
	defer src.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for y := uint64(0); y < uint64(region.Height); y++ {
		from := region.SrcOffset + y*uint64(region.RowPitch)
		to := base + y*rowBytes
		if from+rowBytes > uint64(len(src.data)) || to+rowBytes > uint64(len(dst.data)) {
			core.LogWarn("texture copy into %s clipped at row %d", dst.desc.Name, y)
			return
		}
		copy(dst.data[to:to+rowBytes], src.data[from:from+rowBytes])
		q.stats.BytesCopied += rowBytes
	}
}

func (q *Queue) signalLocked() uint64 {
	q.signaled++
	if !q.manual {
		q.completeLocked(q.signaled)
	}
	return q.signaled
}

func (q *Queue) completeLocked(value uint64) {
	if value > q.signaled {
		value = q.signaled
	}
	if value <= q.completed {
		return
	}
	q.completed = value
	close(q.progress)
	q.progress = make(chan struct{})
}

func (q *Queue) Signal() (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.signalLocked(), nil
}

func (q *Queue) IsFenceComplete(value uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return value <= q.completed
}

func (q *Queue) CompletedFenceValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

func (q *Queue) LastSignaledValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.signaled
}

func (q *Queue) WaitForFenceValue(ctx context.Context, value uint64) error {
	for {
		q.mu.Lock()
		if value <= q.completed {
			q.mu.Unlock()
			return nil
		}
		progress := q.progress
		q.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) Flush(ctx context.Context) error {
	value, err := q.Signal()
	if err != nil {
		return err
	}
	return q.WaitForFenceValue(ctx, value)
}

// Advance completes the next n signaled fence values.
func (q *Queue) Advance(n uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completeLocked(q.completed + n)
}

// CompleteTo completes every signaled value up to and including value.
func (q *Queue) CompleteTo(value uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completeLocked(value)
}

func (q *Queue) CompleteAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completeLocked(q.signaled)
}

func (q *Queue) Submitted() []*CommandList {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*CommandList, len(q.submitted))
	copy(out, q.submitted)
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
