package metadata

import (
	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
)

/**
 * @brief Determines which job queue a job uses. A worker always exhausts the
 * model queue before looking at cubemaps, cubemaps before textures and textures
 * before shaders.
 */
type JobPriority int

const (
	/** @brief The highest-priority job. Geometry unblocks the most draws. */
	JOB_PRIORITY_MODEL JobPriority = iota
	JOB_PRIORITY_CUBEMAP
	JOB_PRIORITY_TEXTURE
	/** @brief The lowest-priority job. Shaders only need their bytecode read. */
	JOB_PRIORITY_SHADER
	JOB_PRIORITY_COUNT
)

/**
 * @brief Job filling a model slot that was already registered with the resource system.
 */
type AsyncModelArgs struct {
	/** @brief The slot to fill. */
	Handle containers.Handle
	/** @brief Load epoch of the slot when the job was queued. */
	Epoch uint32
	Path  string
}

type AsyncTexArgs struct {
	Handle containers.Handle
	Epoch  uint32
	Path   string
	/** @brief Build and upload the full mip chain. */
	GenerateMips bool
}

type AsyncTexCubemapArgs struct {
	Handle containers.Handle
	Epoch  uint32
	/** @brief Path without face suffix or extension. */
	BasePath  string
	Extension string
}

type AsyncShaderArgs struct {
	Handle containers.Handle
	Epoch  uint32
	Path   string
	Stage  ShaderStage
}

/**
 * @brief Something a worker recorded uploads for, waiting for its list to be submitted.
 */
type PendingAsset struct {
	Kind   AssetKind
	Handle containers.Handle
	Epoch  uint32
	/** @brief Upload result for texture kinds, moved into the slot once the fence completes. */
	Texture *Texture
}

/**
 * @brief A batch of uploads tagged with the fence value that must be reached before
 * its assets may be marked loaded. One list per command-list submission.
 */
type GPUWaitingList struct {
	Queue      gpu.QueueType
	FenceValue uint64
	Assets     []PendingAsset
	/** @brief Staging buffers kept alive until the fence completes. */
	Uploads []gpu.Resource
}

// Release frees the staging buffers once the GPU is done reading them.
func (l *GPUWaitingList) Release() {
	for _, u := range l.Uploads {
		u.Release()
	}
	l.Uploads = nil
}
