package vulkan

import (
	"context"
	"fmt"
	"sync"
	"time"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

// fenceWaitSlice bounds a single vkWaitForFences call so context cancellation is noticed.
const fenceWaitSlice = uint64(time.Millisecond)

type submission struct {
	value uint64
	fence vk.Fence
	// nil for bare signals
	list *CommandList
}

/**
 * @brief gpu.CommandQueue over one VkQueue. Every submission carries its own
 * VkFence; the queue's fence value is the value of the newest retired submission.
 */
type Queue struct {
	device    *Device
	queueType gpu.QueueType
	family    uint32
	handle    vk.Queue

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	inflight  []submission
	lists     []*CommandList
	fences    []vk.Fence
}

var _ gpu.CommandQueue = (*Queue)(nil)

func newQueue(d *Device, t gpu.QueueType, family uint32) *Queue {
	q := &Queue{device: d, queueType: t, family: family}
	vk.GetDeviceQueue(d.logicalDevice, family, 0, &q.handle)
	core.LogDebug("%s queue uses family %d", t, family)
	return q
}

func (q *Queue) Type() gpu.QueueType {
	return q.queueType
}

func (q *Queue) GetCommandList() (gpu.CommandList, error) {
	cl, err := q.acquireList()
	if err != nil {
		return nil, err
	}
	return cl, nil
}

func (q *Queue) acquireList() (*CommandList, error) {
	q.mu.Lock()
	q.retireLocked()
	var cl *CommandList
	if n := len(q.lists); n > 0 {
		cl = q.lists[n-1]
		q.lists = q.lists[:n-1]
	}
	q.mu.Unlock()

	if cl == nil {
		var err error
		if cl, err = newCommandList(q); err != nil {
			return nil, err
		}
	}
	if err := cl.begin(); err != nil {
		q.recycle(cl)
		return nil, err
	}
	return cl, nil
}

func (q *Queue) ExecuteCommandList(list gpu.CommandList) (uint64, error) {
	cl, ok := list.(*CommandList)
	if !ok {
		return 0, fmt.Errorf("%w: foreign command list", gpu.ErrWrongQueue)
	}
	if cl.queue != q {
		return 0, fmt.Errorf("%w: %s list on %s queue", gpu.ErrWrongQueue, cl.queue.queueType, q.queueType)
	}
	if !cl.closed {
		if err := cl.Close(); err != nil {
			q.recycle(cl)
			return 0, err
		}
	} else if cl.err != nil {
		q.recycle(cl)
		return 0, cl.err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var signal []vk.Semaphore
	for _, r := range cl.presents {
		signal = append(signal, r.swapchain.renderComplete[r.index])
	}
	info := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cl.cmd},
		SignalSemaphoreCount: uint32(len(signal)),
		PSignalSemaphores:    signal,
	}
	value, err := q.submitLocked([]vk.SubmitInfo{info}, cl)
	if err != nil {
		return 0, err
	}
	for _, r := range cl.presents {
		r.swapchain.signaled[r.index] = true
	}
	return value, nil
}

func (q *Queue) Signal() (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submitLocked(nil, nil)
}

func (q *Queue) submitLocked(infos []vk.SubmitInfo, cl *CommandList) (uint64, error) {
	fence, err := q.fenceLocked()
	if err != nil {
		return 0, err
	}
	err = q.device.locks.SafeQueueCall(q.family, func() error {
		if res := vk.QueueSubmit(q.handle, uint32(len(infos)), infos, fence); res != vk.Success {
			return vkError("vkQueueSubmit", res)
		}
		return nil
	})
	if err != nil {
		q.fences = append(q.fences, fence)
		return 0, err
	}
	q.signaled++
	q.inflight = append(q.inflight, submission{value: q.signaled, fence: fence, list: cl})
	return q.signaled, nil
}

func (q *Queue) fenceLocked() (vk.Fence, error) {
	if n := len(q.fences); n > 0 {
		f := q.fences[n-1]
		q.fences = q.fences[:n-1]
		return f, nil
	}
	var fence vk.Fence
	if res := vk.CreateFence(q.device.logicalDevice, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fence); res != vk.Success {
		return nil, vkError("vkCreateFence", res)
	}
	return fence, nil
}

// retireLocked completes submissions in order until it meets one still running.
func (q *Queue) retireLocked() {
	for len(q.inflight) > 0 {
		s := q.inflight[0]
		if vk.GetFenceStatus(q.device.logicalDevice, s.fence) != vk.Success {
			return
		}
		q.inflight = q.inflight[1:]
		q.completed = s.value
		vk.ResetFences(q.device.logicalDevice, 1, []vk.Fence{s.fence})
		q.fences = append(q.fences, s.fence)
		if s.list != nil {
			s.list.reset()
			q.lists = append(q.lists, s.list)
		}
	}
}

func (q *Queue) recycle(cl *CommandList) {
	cl.reset()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists = append(q.lists, cl)
}

func (q *Queue) IsFenceComplete(value uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retireLocked()
	return value <= q.completed
}

func (q *Queue) CompletedFenceValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retireLocked()
	return q.completed
}

func (q *Queue) WaitForFenceValue(ctx context.Context, value uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := q.waitOnce(value)
		if done || err != nil {
			return err
		}
	}
}

func (q *Queue) waitOnce(value uint64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.retireLocked()
	if value <= q.completed {
		return true, nil
	}
	if value > q.signaled {
		return false, fmt.Errorf("fence value %d was never signaled on the %s queue (last %d)", value, q.queueType, q.signaled)
	}
	res := vk.WaitForFences(q.device.logicalDevice, 1, []vk.Fence{q.inflight[0].fence}, vk.True, fenceWaitSlice)
	if res != vk.Success && res != vk.Timeout {
		return false, vkError("vkWaitForFences", res)
	}
	return false, nil
}

func (q *Queue) Flush(ctx context.Context) error {
	value, err := q.Signal()
	if err != nil {
		return err
	}
	return q.WaitForFenceValue(ctx, value)
}

// destroy frees every fence and command list. The device must be idle.
func (q *Queue) destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	dev := q.device.logicalDevice
	for _, s := range q.inflight {
		vk.DestroyFence(dev, s.fence, nil)
		if s.list != nil {
			s.list.destroy()
		}
	}
	q.inflight = nil
	for _, f := range q.fences {
		vk.DestroyFence(dev, f, nil)
	}
	q.fences = nil
	for _, cl := range q.lists {
		cl.destroy()
	}
	q.lists = nil
}
