package systems

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

var (
	ErrLoadSystemShutdown = errors.New("load system has been shut down")
	ErrNoLoadThreads      = errors.New("attempting to start loading with less than 1 thread")
)

/**
 * @brief Where load jobs read their data from. Implemented by the asset manager.
 */
type AssetSource interface {
	LoadModel(path string) (*metadata.ModelData, error)
	LoadTexture(path string) (*metadata.ImageData, error)
	LoadCubemap(basePath, extension string) ([metadata.CubemapFaceCount]*metadata.ImageData, error)
	LoadShader(path string) ([]byte, error)
}

type LoadSystemConfig struct {
	/** @brief Worker count used when StartLoading is given zero. */
	Threads int
	/** @brief How long an idle worker sleeps before polling the queues again. */
	IdleWait time.Duration
}

// jobQueue is one FIFO guarded by its own lock.
type jobQueue[T any] struct {
	mu    sync.Mutex
	items *containers.RingQueue[T]
}

func newJobQueue[T any]() *jobQueue[T] {
	return &jobQueue[T]{items: containers.NewQueue[T](16)}
}

func (q *jobQueue[T]) push(job T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Enqueue(job)
}

func (q *jobQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.items.Dequeue()
	return job, err == nil
}

func (q *jobQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *jobQueue[T]) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Clear()
}

/**
 * @brief Everything a worker accumulates between two ExecuteCPUWaitingLists calls.
 * Guarded by mu; the worker holds it while recording, the render thread while
 * submitting.
 */
type threadData struct {
	mu sync.Mutex

	lists   [gpu.QueueTypeCount]gpu.CommandList
	waiting [gpu.QueueTypeCount][]metadata.PendingAsset
	uploads [gpu.QueueTypeCount][]gpu.Resource
}

func (td *threadData) cpuWaiting() int {
	td.mu.Lock()
	defer td.mu.Unlock()
	n := 0
	for _, w := range td.waiting {
		n += len(w)
	}
	return n
}

// streamed queues: models go through the copy queue, textures through compute
var uploadQueues = []gpu.QueueType{gpu.QueueCopy, gpu.QueueCompute}

/**
 * @brief Streams assets on a pool of worker goroutines. Workers pull from four FIFO
 * queues in priority order (models, cubemaps, textures, shaders) and record uploads
 * into their own command lists. The render thread submits those lists once per
 * frame and marks assets loaded only after the list's fence has completed.
 */
type LoadSystem struct {
	config    *LoadSystemConfig
	device    gpu.Device
	resources *ResourceSystem
	source    AssetSource
	asyncLog  *core.AsyncLog

	models   *jobQueue[metadata.AsyncModelArgs]
	cubemaps *jobQueue[metadata.AsyncTexCubemapArgs]
	textures *jobQueue[metadata.AsyncTexArgs]
	shaders  *jobQueue[metadata.AsyncShaderArgs]

	active      atomic.Bool
	stopOnFlush atomic.Bool
	terminated  atomic.Bool
	wake        chan struct{}

	// render thread only
	group      *errgroup.Group
	cancel     context.CancelFunc
	threads    []*threadData
	generation uuid.UUID
	gpuWaiting [gpu.QueueTypeCount]*containers.RingQueue[metadata.GPUWaitingList]

	// called on the render thread for every retired waiting list
	onRetired func(metadata.GPUWaitingList)
}

func NewLoadSystem(config *LoadSystemConfig, device gpu.Device, resources *ResourceSystem, source AssetSource, asyncLog *core.AsyncLog) (*LoadSystem, error) {
	if config.Threads <= 0 {
		core.LogError(ErrNoLoadThreads.Error())
		return nil, ErrNoLoadThreads
	}
	if config.IdleWait <= 0 {
		config.IdleWait = 5 * time.Millisecond
	}
	ls := &LoadSystem{
		config:    config,
		device:    device,
		resources: resources,
		source:    source,
		asyncLog:  asyncLog,
		models:    newJobQueue[metadata.AsyncModelArgs](),
		cubemaps:  newJobQueue[metadata.AsyncTexCubemapArgs](),
		textures:  newJobQueue[metadata.AsyncTexArgs](),
		shaders:   newJobQueue[metadata.AsyncShaderArgs](),
	}
	for _, q := range uploadQueues {
		ls.gpuWaiting[q] = containers.NewQueue[metadata.GPUWaitingList](8)
	}
	return ls, nil
}

func (ls *LoadSystem) IsActive() bool {
	return ls.active.Load()
}

func (ls *LoadSystem) Generation() uuid.UUID {
	return ls.generation
}

/**
 * @brief Starts threadCount workers, stopping any previous generation first so lists
 * from two generations never share a submission.
 */
func (ls *LoadSystem) StartLoading(threadCount int) error {
	if ls.terminated.Load() {
		return ErrLoadSystemShutdown
	}
	if threadCount <= 0 {
		threadCount = ls.config.Threads
	}
	if ls.group != nil {
		ls.StopLoading()
	}
	// whatever the previous generation recorded goes out before its lists are dropped
	if err := ls.ExecuteCPUWaitingLists(); err != nil {
		return err
	}

	threads, err := ls.allocThreads(threadCount)
	if err != nil {
		return err
	}
	ls.threads = threads
	ls.generation = core.NewIdentifier()
	ls.wake = make(chan struct{}, threadCount)
	ls.stopOnFlush.Store(false)
	ls.active.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	ls.cancel = cancel
	ls.group = group
	for i := range threads {
		id := i
		group.Go(func() error {
			ls.run(ctx, id)
			return nil
		})
	}
	core.LogInfo("load generation %s started with %d threads", core.ShortIdentifier(ls.generation), threadCount)
	return nil
}

// allocThreads gives every worker its own copy and compute list.
func (ls *LoadSystem) allocThreads(count int) ([]*threadData, error) {
	threads := make([]*threadData, count)
	for i := range threads {
		td := &threadData{}
		for _, q := range uploadQueues {
			list, err := ls.device.Queue(q).GetCommandList()
			if err != nil {
				return nil, fmt.Errorf("load thread %d %s list: %w", i, q, err)
			}
			td.lists[q] = list
		}
		threads[i] = td
	}
	return threads, nil
}

func (ls *LoadSystem) run(ctx context.Context, id int) {
	idle := time.NewTimer(ls.config.IdleWait)
	defer idle.Stop()
	for {
		if !ls.active.Load() {
			return
		}
		if ls.loadHighestPriority(id) {
			continue
		}
		if ls.stopOnFlush.Load() && ls.queuesEmpty() {
			ls.active.Store(false)
			ls.signal(len(ls.threads))
			return
		}
		idle.Reset(ls.config.IdleWait)
		select {
		case <-ctx.Done():
			return
		case <-ls.wake:
		case <-idle.C:
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
	}
}

// signal wakes up to n sleeping workers.
func (ls *LoadSystem) signal(n int) {
	for i := 0; i < n; i++ {
		select {
		case ls.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (ls *LoadSystem) queuesEmpty() bool {
	return ls.QueueDepth() == 0
}

// QueueDepth counts jobs not yet picked up by a worker.
func (ls *LoadSystem) QueueDepth() int {
	return ls.models.len() + ls.cubemaps.len() + ls.textures.len() + ls.shaders.len()
}

/**
 * @brief Queues a model load. Returns false when no workers are active, in which
 * case the caller loads synchronously.
 */
func (ls *LoadSystem) TryPushModel(args metadata.AsyncModelArgs) bool {
	if !ls.active.Load() {
		return false
	}
	ls.models.push(args)
	ls.signal(1)
	return true
}

func (ls *LoadSystem) TryPushCubemap(args metadata.AsyncTexCubemapArgs) bool {
	if !ls.active.Load() {
		return false
	}
	ls.cubemaps.push(args)
	ls.signal(1)
	return true
}

func (ls *LoadSystem) TryPushTex(args metadata.AsyncTexArgs) bool {
	if !ls.active.Load() {
		return false
	}
	ls.textures.push(args)
	ls.signal(1)
	return true
}

func (ls *LoadSystem) TryPushShader(args metadata.AsyncShaderArgs) bool {
	if !ls.active.Load() {
		return false
	}
	ls.shaders.push(args)
	ls.signal(1)
	return true
}

// loadHighestPriority runs at most one job. Returns false when every queue was empty.
func (ls *LoadSystem) loadHighestPriority(id int) bool {
	if job, ok := ls.models.pop(); ok {
		ls.loadModel(id, job)
		return true
	}
	if job, ok := ls.cubemaps.pop(); ok {
		ls.loadCubemap(id, job)
		return true
	}
	if job, ok := ls.textures.pop(); ok {
		ls.loadTexture(id, job)
		return true
	}
	if job, ok := ls.shaders.pop(); ok {
		ls.loadShader(job)
		return true
	}
	return false
}

// fail marks the asset failed unless a newer load of it has started since.
func (ls *LoadSystem) fail(kind metadata.AssetKind, h containers.Handle, epoch uint32, path string, err error) {
	ls.asyncLog.Errorf("load", "%s %s: %s", kind, path, err.Error())
	switch kind {
	case metadata.AssetKindModel:
		ls.resources.Models().SetStateAt(h, epoch, containers.LoadStateFailed)
	case metadata.AssetKindTexture, metadata.AssetKindCubemap:
		ls.resources.Textures().SetStateAt(h, epoch, containers.LoadStateFailed)
	case metadata.AssetKindShader:
		ls.resources.Shaders().SetStateAt(h, epoch, containers.LoadStateFailed)
	}
}

func (ls *LoadSystem) loadModel(id int, job metadata.AsyncModelArgs) {
	model, ok := ls.resources.Models().Get(job.Handle)
	if !ok || !ls.resources.Models().IsCurrent(job.Handle, job.Epoch) {
		core.LogDebug("dropping stale model job for slot %s", job.Handle)
		return
	}
	data, err := ls.source.LoadModel(job.Path)
	if err != nil {
		ls.fail(metadata.AssetKindModel, job.Handle, job.Epoch, job.Path, err)
		return
	}

	td := ls.threads[id]
	td.mu.Lock()
	defer td.mu.Unlock()
	uploads, err := recordModelUpload(ls.device, td.lists[gpu.QueueCopy], model, data)
	if err != nil {
		ls.fail(metadata.AssetKindModel, job.Handle, job.Epoch, job.Path, err)
		return
	}
	td.waiting[gpu.QueueCopy] = append(td.waiting[gpu.QueueCopy], metadata.PendingAsset{
		Kind:   metadata.AssetKindModel,
		Handle: job.Handle,
		Epoch:  job.Epoch,
	})
	td.uploads[gpu.QueueCopy] = append(td.uploads[gpu.QueueCopy], uploads...)
}

func (ls *LoadSystem) loadTexture(id int, job metadata.AsyncTexArgs) {
	tex, ok := ls.resources.Textures().Get(job.Handle)
	if !ok || !ls.resources.Textures().IsCurrent(job.Handle, job.Epoch) {
		core.LogDebug("dropping stale texture job for slot %s", job.Handle)
		return
	}
	img, err := ls.source.LoadTexture(job.Path)
	if err != nil {
		ls.fail(metadata.AssetKindTexture, job.Handle, job.Epoch, job.Path, err)
		return
	}
	pending := metadata.PendingAsset{
		Kind:    metadata.AssetKindTexture,
		Handle:  job.Handle,
		Epoch:   job.Epoch,
		Texture: &metadata.Texture{Path: tex.Path, Kind: tex.Kind},
	}
	ls.recordTexture(id, pending, []*metadata.ImageData{img}, job.GenerateMips)
}

func (ls *LoadSystem) loadCubemap(id int, job metadata.AsyncTexCubemapArgs) {
	tex, ok := ls.resources.Textures().Get(job.Handle)
	if !ok || !ls.resources.Textures().IsCurrent(job.Handle, job.Epoch) {
		core.LogDebug("dropping stale cubemap job for slot %s", job.Handle)
		return
	}
	faces, err := ls.source.LoadCubemap(job.BasePath, job.Extension)
	if err != nil {
		ls.fail(metadata.AssetKindCubemap, job.Handle, job.Epoch, job.BasePath, err)
		return
	}
	pending := metadata.PendingAsset{
		Kind:    metadata.AssetKindCubemap,
		Handle:  job.Handle,
		Epoch:   job.Epoch,
		Texture: &metadata.Texture{Path: tex.Path, Kind: tex.Kind},
	}
	ls.recordTexture(id, pending, faces[:], false)
}

// recordTexture uploads into the pending asset's own texture. The slot keeps
// whatever it holds now until the upload's fence has completed.
func (ls *LoadSystem) recordTexture(id int, pending metadata.PendingAsset, layers []*metadata.ImageData, mips bool) {
	td := ls.threads[id]
	td.mu.Lock()
	defer td.mu.Unlock()
	uploads, err := recordTextureUpload(ls.device, td.lists[gpu.QueueCompute], pending.Texture, layers, mips)
	if err != nil {
		ls.fail(pending.Kind, pending.Handle, pending.Epoch, pending.Texture.Path, err)
		return
	}
	td.waiting[gpu.QueueCompute] = append(td.waiting[gpu.QueueCompute], pending)
	td.uploads[gpu.QueueCompute] = append(td.uploads[gpu.QueueCompute], uploads...)
}

// loadShader needs no GPU work, so the shader is usable as soon as it is read.
func (ls *LoadSystem) loadShader(job metadata.AsyncShaderArgs) {
	shader, ok := ls.resources.Shaders().Get(job.Handle)
	if !ok || !ls.resources.Shaders().IsCurrent(job.Handle, job.Epoch) {
		core.LogDebug("dropping stale shader job for slot %s", job.Handle)
		return
	}
	code, err := ls.source.LoadShader(job.Path)
	if err != nil {
		ls.fail(metadata.AssetKindShader, job.Handle, job.Epoch, job.Path, err)
		return
	}
	shader.Bytecode = code
	ls.resources.Shaders().SetStateAt(job.Handle, job.Epoch, containers.LoadStateLoaded)
}

/**
 * @brief Submits every worker's recorded lists and retires waiting lists whose
 * fence has completed. Render thread only, once per frame.
 */
func (ls *LoadSystem) ExecuteCPUWaitingLists() error {
	for i, td := range ls.threads {
		if err := ls.submitThread(i, td); err != nil {
			return err
		}
	}
	ls.retireCompleted()
	return nil
}

func (ls *LoadSystem) submitThread(id int, td *threadData) error {
	td.mu.Lock()
	defer td.mu.Unlock()

	for _, q := range uploadQueues {
		if len(td.waiting[q]) == 0 {
			continue
		}
		queue := ls.device.Queue(q)
		waiting := metadata.GPUWaitingList{
			Queue:   q,
			Assets:  td.waiting[q],
			Uploads: td.uploads[q],
		}
		td.waiting[q] = nil
		td.uploads[q] = nil

		fence, err := queue.ExecuteCommandList(td.lists[q])
		if err != nil {
			releaseStaged(waiting.Assets)
			for _, a := range waiting.Assets {
				ls.fail(a.Kind, a.Handle, a.Epoch, "submission", err)
			}
			waiting.Release()
		} else {
			waiting.FenceValue = fence
			ls.gpuWaiting[q].Enqueue(waiting)
		}

		list, err := queue.GetCommandList()
		if err != nil {
			return fmt.Errorf("load thread %d %s list: %w", id, q, err)
		}
		td.lists[q] = list
	}
	return nil
}

// retireCompleted pops waiting lists in fence order. Submissions on one queue
// complete in order, so only each queue's front needs checking.
func (ls *LoadSystem) retireCompleted() int {
	retired := 0
	for _, q := range uploadQueues {
		waiting := ls.gpuWaiting[q]
		queue := ls.device.Queue(q)
		for !waiting.IsEmpty() {
			front, _ := waiting.Peek()
			if !queue.IsFenceComplete(front.FenceValue) {
				break
			}
			waiting.Dequeue()
			for _, a := range front.Assets {
				ls.markLoaded(a)
			}
			front.Release()
			retired++
			if ls.onRetired != nil {
				ls.onRetired(front)
			}
		}
	}
	return retired
}

// markLoaded is a no-op for assets whose slot was reloaded or released meanwhile.
func (ls *LoadSystem) markLoaded(a metadata.PendingAsset) {
	switch a.Kind {
	case metadata.AssetKindModel:
		ls.resources.Models().SetStateAt(a.Handle, a.Epoch, containers.LoadStateLoaded)
	case metadata.AssetKindTexture, metadata.AssetKindCubemap:
		if !ls.resources.InstallTexture(a.Handle, a.Epoch, a.Texture) {
			core.LogDebug("discarding superseded upload of %s", a.Texture.Path)
		}
	}
}

// CPUWaitingCount counts assets recorded by workers but not yet submitted.
func (ls *LoadSystem) CPUWaitingCount() int {
	n := 0
	for _, td := range ls.threads {
		n += td.cpuWaiting()
	}
	return n
}

// GPUWaitingCount counts submissions whose fence has not been observed yet.
func (ls *LoadSystem) GPUWaitingCount() int {
	n := 0
	for _, q := range uploadQueues {
		n += ls.gpuWaiting[q].Len()
	}
	return n
}

// Drain submits everything recorded and waits until every upload has retired.
func (ls *LoadSystem) Drain(ctx context.Context) error {
	if err := ls.ExecuteCPUWaitingLists(); err != nil {
		return err
	}
	for _, q := range uploadQueues {
		if ls.gpuWaiting[q].IsEmpty() {
			continue
		}
		if err := ls.device.Queue(q).Flush(ctx); err != nil {
			return err
		}
	}
	ls.retireCompleted()
	return nil
}

/**
 * @brief Arms self-termination: a worker finding all four queues empty clears the
 * active flag and returns, and the others follow.
 */
func (ls *LoadSystem) EnableStopOnFlush() {
	ls.stopOnFlush.Store(true)
	if ls.wake != nil {
		ls.signal(len(ls.threads))
	}
}

/**
 * @brief Waits for every worker to return. Jobs pushed after the last worker
 * checked the queues are run here, on the calling thread.
 */
func (ls *LoadSystem) Join() {
	if ls.group == nil {
		return
	}
	ls.group.Wait()
	ls.cancel()
	ls.group = nil
	ls.cancel = nil
	ls.active.Store(false)

	if len(ls.threads) == 0 {
		return
	}
	leftovers := 0
	for ls.loadHighestPriority(0) {
		leftovers++
	}
	if leftovers > 0 {
		core.LogDebug("ran %d load jobs queued after the workers stopped", leftovers)
	}
}

// StopLoading stops workers without waiting for the queues to drain.
func (ls *LoadSystem) StopLoading() {
	ls.active.Store(false)
	if ls.cancel != nil {
		ls.cancel()
	}
	if ls.group != nil {
		ls.group.Wait()
		ls.group = nil
		ls.cancel = nil
	}
}

/**
 * @brief Terminal stop for engine teardown. Queued jobs and recorded but unsubmitted
 * lists are dropped. The GPU must be idle.
 */
func (ls *LoadSystem) FullShutdown() {
	ls.StopLoading()
	ls.terminated.Store(true)
	ls.models.clear()
	ls.cubemaps.clear()
	ls.textures.clear()
	ls.shaders.clear()
	for _, td := range ls.threads {
		td.mu.Lock()
		for _, q := range uploadQueues {
			for _, u := range td.uploads[q] {
				u.Release()
			}
			releaseStaged(td.waiting[q])
			td.uploads[q] = nil
			td.waiting[q] = nil
		}
		td.mu.Unlock()
	}
	ls.threads = nil
	for _, q := range uploadQueues {
		for !ls.gpuWaiting[q].IsEmpty() {
			w, _ := ls.gpuWaiting[q].Dequeue()
			releaseStaged(w.Assets)
			w.Release()
		}
	}
	core.LogDebug("load system shut down")
}

// releaseStaged frees uploads that never made it into their slot.
func releaseStaged(assets []metadata.PendingAsset) {
	for _, a := range assets {
		if a.Texture != nil {
			a.Texture.Release()
		}
	}
}

func (ls *LoadSystem) Shutdown() error {
	ls.FullShutdown()
	return nil
}
