package systems

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/prism/engine/containers"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

var (
	ErrMaterialLayoutMismatch = errors.New("material does not match root signature layout")
	ErrMaterialSlotTaken      = errors.New("material descriptor category already assigned")
)

/**
 * @brief The descriptor ranges one draw binds: per-frame and per-draw constant
 * buffers duplicated per back buffer, a static texture set and an optional set
 * of dynamic texture slots. Created during scene load, released on unload.
 */
type Material struct {
	name        string
	descriptors *DescriptorSystem

	perFrame *CBVAllocation
	perDraw  *CBVAllocation

	srvOffset uint32
	numSRV    uint32

	dynamicOffset uint32
	numDynamic    uint32
}

func NewMaterial(name string, descriptors *DescriptorSystem) *Material {
	return &Material{name: name, descriptors: descriptors}
}

func (m *Material) Name() string {
	return m.name
}

// AddPerFrameCBV reserves the per-frame constant buffers. A non-empty id shares them.
func (m *Material) AddPerFrameCBV(sizes []uint32, id string) error {
	if m.perFrame != nil {
		return fmt.Errorf("%w: %s per-frame CBVs", ErrMaterialSlotTaken, m.name)
	}
	alloc, err := m.descriptors.AddCBVs(sizes, true, id)
	if err != nil {
		return err
	}
	m.perFrame = alloc
	return nil
}

func (m *Material) AddPerDrawCBV(sizes []uint32) error {
	if m.perDraw != nil {
		return fmt.Errorf("%w: %s per-draw CBVs", ErrMaterialSlotTaken, m.name)
	}
	alloc, err := m.descriptors.AddCBVs(sizes, false, "")
	if err != nil {
		return err
	}
	m.perDraw = alloc
	return nil
}

func (m *Material) AddSRVs(textures []containers.Handle) error {
	if m.numSRV != 0 {
		return fmt.Errorf("%w: %s SRVs", ErrMaterialSlotTaken, m.name)
	}
	if len(textures) == 0 {
		return nil
	}
	offset, err := m.descriptors.AddStaticSRVs(textures)
	if err != nil {
		return err
	}
	m.srvOffset = offset
	m.numSRV = uint32(len(textures))
	return nil
}

func (m *Material) AddDynamicSRVs(count uint32) error {
	if m.numDynamic != 0 {
		return fmt.Errorf("%w: %s dynamic SRVs", ErrMaterialSlotTaken, m.name)
	}
	if count == 0 {
		return nil
	}
	offset, err := m.descriptors.AddDynamicSRVs(count)
	if err != nil {
		return err
	}
	m.dynamicOffset = offset
	m.numDynamic = count
	return nil
}

func (m *Material) SetPerFrameCBV(index uint32, data []byte, backBuffer uint32) error {
	if m.perFrame == nil {
		return fmt.Errorf("%w: %s has no per-frame CBVs", gpu.ErrDescriptorOutOfRange, m.name)
	}
	return m.perFrame.Write(index, backBuffer, data)
}

func (m *Material) SetPerDrawCBV(index uint32, data []byte, backBuffer uint32) error {
	if m.perDraw == nil {
		return fmt.Errorf("%w: %s has no per-draw CBVs", gpu.ErrDescriptorOutOfRange, m.name)
	}
	return m.perDraw.Write(index, backBuffer, data)
}

// SetDynamicSRV points dynamic slot index at res, e.g. the shadow map.
func (m *Material) SetDynamicSRV(index uint32, format gpu.Format, res gpu.Resource) error {
	if index >= m.numDynamic {
		return fmt.Errorf("%w: dynamic SRV %d of %d", gpu.ErrDescriptorOutOfRange, index, m.numDynamic)
	}
	return m.descriptors.SetDynamicSRV(m.dynamicOffset+index, format, res)
}

func (m *Material) NumCBVPerFrame() uint32 {
	if m.perFrame == nil {
		return 0
	}
	return m.perFrame.Count()
}

func (m *Material) NumCBVPerDraw() uint32 {
	if m.perDraw == nil {
		return 0
	}
	return m.perDraw.Count()
}

func (m *Material) NumSRV() uint32 {
	return m.numSRV
}

func (m *Material) NumSRVDynamic() uint32 {
	return m.numDynamic
}

func (m *Material) PerFrameCBVs() *CBVAllocation {
	return m.perFrame
}

func (m *Material) PerDrawCBVs() *CBVAllocation {
	return m.perDraw
}

// PerDrawHandle returns the GPU handle of backBuffer's per-draw table.
func (m *Material) PerDrawHandle(backBuffer uint32) (uint64, bool) {
	if m.perDraw == nil {
		return 0, false
	}
	return m.descriptors.GPUHandle(m.perDraw.Offsets[backBuffer]), true
}

func (m *Material) PerFrameHandle(backBuffer uint32) (uint64, bool) {
	if m.perFrame == nil {
		return 0, false
	}
	return m.descriptors.GPUHandle(m.perFrame.Offsets[backBuffer]), true
}

// Matches reports whether the material provides exactly the counts info expects.
func (m *Material) Matches(info metadata.RootParamInfo) error {
	type category struct {
		name       string
		have, want uint32
		index      uint32
	}
	categories := []category{
		{"per-frame CBV", m.NumCBVPerFrame(), info.NumCBVPerFrame, info.ParamIndexCBVPerFrame},
		{"per-draw CBV", m.NumCBVPerDraw(), info.NumCBVPerDraw, info.ParamIndexCBVPerDraw},
		{"SRV", m.NumSRV(), info.NumSRV, info.ParamIndexSRV},
		{"dynamic SRV", m.NumSRVDynamic(), info.NumSRVDynamic, info.ParamIndexSRVDynamic},
	}
	for _, c := range categories {
		if c.have != c.want {
			return fmt.Errorf("%w: %s has %d %s descriptors, root signature expects %d",
				ErrMaterialLayoutMismatch, m.name, c.have, c.name, c.want)
		}
		if c.want > 0 && c.index == metadata.InvalidID {
			return fmt.Errorf("%w: %s root parameter missing", ErrMaterialLayoutMismatch, c.name)
		}
	}
	return nil
}

/**
 * @brief Binds every non-empty category as a graphics descriptor table, picking
 * backBuffer's copy of the constant buffers.
 * @return ErrMaterialLayoutMismatch when the counts differ from info.
 */
func (m *Material) AssignMaterial(cl gpu.CommandList, info metadata.RootParamInfo, backBuffer uint32) error {
	if err := m.Matches(info); err != nil {
		return err
	}
	if backBuffer >= gpu.FrameCount {
		return fmt.Errorf("%w: back buffer %d", gpu.ErrDescriptorOutOfRange, backBuffer)
	}
	if m.perFrame != nil {
		cl.SetGraphicsRootDescriptorTable(info.ParamIndexCBVPerFrame, m.descriptors.GPUHandle(m.perFrame.Offsets[backBuffer]))
	}
	if m.perDraw != nil {
		cl.SetGraphicsRootDescriptorTable(info.ParamIndexCBVPerDraw, m.descriptors.GPUHandle(m.perDraw.Offsets[backBuffer]))
	}
	if m.numSRV > 0 {
		cl.SetGraphicsRootDescriptorTable(info.ParamIndexSRV, m.descriptors.GPUHandle(m.srvOffset))
	}
	if m.numDynamic > 0 {
		cl.SetGraphicsRootDescriptorTable(info.ParamIndexSRVDynamic, m.descriptors.GPUHandle(m.dynamicOffset))
	}
	return nil
}

// Release frees the constant buffers this material owns. Shared buffers stay with
// the descriptor system.
func (m *Material) Release() {
	m.descriptors.ReleaseCBVs(m.perFrame)
	m.descriptors.ReleaseCBVs(m.perDraw)
	m.perFrame = nil
	m.perDraw = nil
}
