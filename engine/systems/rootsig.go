package systems

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

var ErrRootSignature = errors.New("root signature creation failed")

/**
 * @brief Descriptor counts of a binding layout. Tables are laid out in the order
 * per-frame CBVs, per-draw CBVs, static SRVs, dynamic SRVs, then root constants;
 * empty categories take no root parameter.
 */
type RootSignatureConfig struct {
	Name           string
	NumCBVPerFrame uint32
	NumCBVPerDraw  uint32
	NumSRV         uint32
	NumSRVDynamic  uint32
	/** @brief Number of 32-bit root constants. */
	NumConstants uint32
}

type RootSignature struct {
	name   string
	handle gpu.RootSignature
	info   metadata.RootParamInfo
}

func NewRootSignature(device gpu.Device, config RootSignatureConfig) (*RootSignature, error) {
	info := metadata.NewRootParamInfo()
	desc := gpu.RootSignatureDesc{Name: config.Name}

	var cbvRegister, srvRegister uint32
	addTable := func(index *uint32, count *uint32, n uint32, rangeType gpu.DescriptorRangeType, register *uint32) {
		if n == 0 {
			return
		}
		*index = uint32(len(desc.Parameters))
		*count = n
		desc.Parameters = append(desc.Parameters, gpu.RootParameter{
			Kind:           gpu.RootParameterTable,
			RangeType:      rangeType,
			NumDescriptors: n,
			BaseRegister:   *register,
		})
		*register += n
	}
	addTable(&info.ParamIndexCBVPerFrame, &info.NumCBVPerFrame, config.NumCBVPerFrame, gpu.RangeCBV, &cbvRegister)
	addTable(&info.ParamIndexCBVPerDraw, &info.NumCBVPerDraw, config.NumCBVPerDraw, gpu.RangeCBV, &cbvRegister)
	addTable(&info.ParamIndexSRV, &info.NumSRV, config.NumSRV, gpu.RangeSRV, &srvRegister)
	addTable(&info.ParamIndexSRVDynamic, &info.NumSRVDynamic, config.NumSRVDynamic, gpu.RangeSRV, &srvRegister)
	if config.NumConstants > 0 {
		info.ParamIndexConstants = uint32(len(desc.Parameters))
		info.NumConstants = config.NumConstants
		desc.Parameters = append(desc.Parameters, gpu.RootParameter{
			Kind:           gpu.RootParameterConstants,
			Num32BitValues: config.NumConstants,
			BaseRegister:   cbvRegister,
		})
	}

	handle, err := device.CreateRootSignature(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRootSignature, config.Name, err)
	}
	return &RootSignature{name: config.Name, handle: handle, info: info}, nil
}

func (rs *RootSignature) Name() string {
	return rs.name
}

func (rs *RootSignature) Handle() gpu.RootSignature {
	return rs.handle
}

func (rs *RootSignature) Info() metadata.RootParamInfo {
	return rs.info
}

func (rs *RootSignature) Release() {
	if rs.handle != nil {
		rs.handle.Release()
		rs.handle = nil
	}
}
