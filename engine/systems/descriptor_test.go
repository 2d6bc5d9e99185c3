package systems

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func TestStaticSRVsAreDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	albedo, _ := env.resources.TryGetTexture("textures/albedo.png")
	normal, _ := env.resources.TryGetTexture("textures/normal.png")

	offset, err := env.descriptors.AddStaticSRVs([]containers.Handle{albedo, normal})
	require.NoError(t, err)
	next := env.descriptors.NextFreeIndex()
	assert.Equal(t, 2, env.descriptors.PendingCount())

	again, err := env.descriptors.AddStaticSRVs([]containers.Handle{albedo, normal})
	require.NoError(t, err)
	assert.Equal(t, offset, again)
	assert.Equal(t, next, env.descriptors.NextFreeIndex())
	assert.Equal(t, 2, env.descriptors.PendingCount())

	// order is part of the key
	swapped, err := env.descriptors.AddStaticSRVs([]containers.Handle{normal, albedo})
	require.NoError(t, err)
	assert.NotEqual(t, offset, swapped)
	assert.Equal(t, next+2, env.descriptors.NextFreeIndex())
}

func TestPendingSRVsResolveOnceLoaded(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.resources.TryGetTexture("textures/late.png")

	offset, err := env.descriptors.AddStaticSRVs([]containers.Handle{h})
	require.NoError(t, err)
	d, err := env.descriptors.Descriptor(offset)
	require.NoError(t, err)
	assert.Nil(t, d.Resource)

	written, err := env.descriptors.ResolvePending()
	require.NoError(t, err)
	assert.Zero(t, written)

	tex, _ := env.resources.Textures().Get(h)
	res, err := env.device.CreateCommittedResource(gpu.Texture2DDesc("late", 4, 4, 1, 1, gpu.FormatR8G8B8A8Unorm))
	require.NoError(t, err)
	tex.Resource = res
	tex.Format = gpu.FormatR8G8B8A8Unorm
	env.resources.Textures().SetState(h, containers.LoadStateLoaded)

	written, err = env.descriptors.ResolvePending()
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Zero(t, env.descriptors.PendingCount())
	d, err = env.descriptors.Descriptor(offset)
	require.NoError(t, err)
	assert.Equal(t, res, d.Resource)

	// a reload queues the same slot again
	env.descriptors.Refresh(h)
	assert.Equal(t, 1, env.descriptors.PendingCount())
}

func TestFailedTexturesKeepNullDescriptor(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.resources.TryGetTexture("textures/broken.png")
	_, err := env.descriptors.AddStaticSRVs([]containers.Handle{h})
	require.NoError(t, err)

	env.resources.Textures().SetState(h, containers.LoadStateFailed)
	written, err := env.descriptors.ResolvePending()
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Zero(t, env.descriptors.PendingCount())
}

func TestPerFrameCBVsAreIsolatedPerBackBuffer(t *testing.T) {
	env := newTestEnv(t)
	mat := NewMaterial("lit", env.descriptors)
	require.NoError(t, mat.AddPerFrameCBV([]uint32{64}, ""))

	alloc := mat.PerFrameCBVs()
	assert.Equal(t, []uint32{256}, alloc.Sizes)
	assert.NotEqual(t, alloc.Offsets[0], alloc.Offsets[1])

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, mat.SetPerFrameCBV(0, data, 0))

	bb0, err := gpu.ReadResource(alloc.Resource(0, 0))
	require.NoError(t, err)
	bb1, err := gpu.ReadResource(alloc.Resource(0, 1))
	require.NoError(t, err)
	assert.Equal(t, data, bb0[:len(data)])
	assert.Equal(t, make([]byte, 256), bb1)

	assert.ErrorIs(t, mat.SetPerFrameCBV(0, make([]byte, 300), 0), gpu.ErrInvalidResource)
	assert.ErrorIs(t, mat.SetPerFrameCBV(1, data, 0), gpu.ErrDescriptorOutOfRange)
	assert.ErrorIs(t, mat.SetPerFrameCBV(0, data, gpu.FrameCount), gpu.ErrDescriptorOutOfRange)
}

func TestSharedPerFrameCBVs(t *testing.T) {
	env := newTestEnv(t)
	a := NewMaterial("a", env.descriptors)
	b := NewMaterial("b", env.descriptors)
	require.NoError(t, a.AddPerFrameCBV([]uint32{128}, "frame"))
	next := env.descriptors.NextFreeIndex()
	require.NoError(t, b.AddPerFrameCBV([]uint32{200}, "frame"))

	assert.Same(t, a.PerFrameCBVs(), b.PerFrameCBVs())
	assert.Equal(t, next, env.descriptors.NextFreeIndex())

	c := NewMaterial("c", env.descriptors)
	assert.ErrorIs(t, c.AddPerFrameCBV([]uint32{512}, "frame"), ErrSharedCBVMismatch)

	// releasing one user leaves the shared buffers alive
	a.Release()
	require.NoError(t, b.SetPerFrameCBV(0, []byte{9}, 2))
}

func TestDescriptorHeapLimits(t *testing.T) {
	dev := soft.NewDevice()
	rs := NewResourceSystem()
	ds, err := NewDescriptorSystem(&DescriptorSystemConfig{HeapCapacity: 4}, dev, rs)
	require.NoError(t, err)

	_, err = ds.AddCBVs([]uint32{16}, false, "")
	assert.ErrorIs(t, err, ErrDescriptorSystemNotInitialized)

	require.NoError(t, ds.Initialize())
	defer ds.Shutdown()

	offset, err := ds.AddDynamicSRVs(3)
	require.NoError(t, err)
	_, err = ds.AddDynamicSRVs(2)
	assert.ErrorIs(t, err, ErrDescriptorHeapFull)
	assert.Equal(t, uint32(3), ds.NextFreeIndex())

	shadow, err := dev.CreateCommittedResource(gpu.Texture2DDesc("shadow", 4, 4, 1, 1, gpu.FormatR32Typeless))
	require.NoError(t, err)
	require.NoError(t, ds.SetDynamicSRV(offset+1, gpu.FormatR32Float, shadow))
	assert.ErrorIs(t, ds.SetDynamicSRV(3, gpu.FormatR32Float, shadow), ErrNotDynamicDescriptor)

	d, err := ds.Descriptor(offset + 1)
	require.NoError(t, err)
	assert.Equal(t, gpu.FormatR32Float, d.Format)
	assert.Equal(t, ds.GPUHandle(1), ds.Heap().GPUStart()+soft.DescriptorIncrementSize)
}

func TestRootSignatureInfo(t *testing.T) {
	dev := soft.NewDevice()
	rs, err := NewRootSignature(dev, RootSignatureConfig{
		Name:           "lit",
		NumCBVPerFrame: 1,
		NumCBVPerDraw:  2,
		NumSRV:         3,
		NumConstants:   1,
	})
	require.NoError(t, err)
	defer rs.Release()

	info := rs.Info()
	assert.Equal(t, uint32(0), info.ParamIndexCBVPerFrame)
	assert.Equal(t, uint32(1), info.ParamIndexCBVPerDraw)
	assert.Equal(t, uint32(2), info.ParamIndexSRV)
	assert.Equal(t, metadata.InvalidID, info.ParamIndexSRVDynamic)
	assert.Equal(t, uint32(3), info.ParamIndexConstants)
	assert.Equal(t, uint32(2), info.NumCBVPerDraw)
	assert.Equal(t, uint32(3), info.NumSRV)

	params := rs.Handle().Desc().Parameters
	require.Len(t, params, 4)
	// per-draw CBVs continue the register numbering of the per-frame ones
	assert.Equal(t, uint32(1), params[1].BaseRegister)
	assert.Equal(t, gpu.RootParameterConstants, params[3].Kind)
	assert.Equal(t, uint32(3), params[3].BaseRegister)
}

func TestMaterialMustMatchRootSignature(t *testing.T) {
	env := newTestEnv(t)
	rs, err := NewRootSignature(env.device, RootSignatureConfig{Name: "lit", NumCBVPerFrame: 1, NumCBVPerDraw: 1, NumSRV: 1})
	require.NoError(t, err)
	info := rs.Info()

	incomplete := NewMaterial("incomplete", env.descriptors)
	require.NoError(t, incomplete.AddPerDrawCBV([]uint32{64}))
	cl, err := env.device.Queue(gpu.QueueDirect).GetCommandList()
	require.NoError(t, err)
	assert.ErrorIs(t, incomplete.AssignMaterial(cl, info, 0), ErrMaterialLayoutMismatch)
	assert.True(t, cl.Empty())

	tex, _ := env.resources.TryGetTexture("textures/albedo.png")
	mat := NewMaterial("lit", env.descriptors)
	require.NoError(t, mat.AddPerFrameCBV([]uint32{64}, "frame"))
	require.NoError(t, mat.AddPerDrawCBV([]uint32{64}))
	require.NoError(t, mat.AddSRVs([]containers.Handle{tex}))
	assert.ErrorIs(t, mat.AddPerDrawCBV([]uint32{64}), ErrMaterialSlotTaken)
	require.NoError(t, mat.Matches(info))

	require.NoError(t, mat.AssignMaterial(cl, info, 1))
	list := cl.(*soft.CommandList)
	require.Equal(t, 3, list.Count(soft.OpSetGraphicsTable))
	cmds := list.Commands()
	assert.Equal(t, info.ParamIndexCBVPerFrame, cmds[0].RootParameter)
	assert.Equal(t, env.descriptors.GPUHandle(mat.PerFrameCBVs().Offsets[1]), cmds[0].Handle)
	assert.Equal(t, env.descriptors.GPUHandle(mat.PerDrawCBVs().Offsets[1]), cmds[1].Handle)
}
