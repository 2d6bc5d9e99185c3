package systems

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/spaghettifunk/prism/engine/assets/loaders"
	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/gpu"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

// D3D-style placement alignment of a subresource inside an upload buffer.
const texturePlacementAlignment = 512

// recordModelUpload fills model with new buffers and records their copies on cl.
// The returned staging buffers must outlive the list's fence.
func recordModelUpload(device gpu.Device, cl gpu.CommandList, model *metadata.Model, data *metadata.ModelData) ([]gpu.Resource, error) {
	if len(data.Vertices) == 0 || len(data.Indices) == 0 {
		return nil, fmt.Errorf("model %s has no geometry", model.Path)
	}

	var vb, ib bytes.Buffer
	if err := binary.Write(&vb, binary.LittleEndian, data.Vertices); err != nil {
		return nil, err
	}
	if err := binary.Write(&ib, binary.LittleEndian, data.Indices); err != nil {
		return nil, err
	}

	type part struct {
		name  string
		bytes []byte
		dst   *gpu.Resource
	}
	var vertexBuffer, indexBuffer gpu.Resource
	parts := []part{
		{model.Path + ":vb", vb.Bytes(), &vertexBuffer},
		{model.Path + ":ib", ib.Bytes(), &indexBuffer},
	}

	var uploads, created []gpu.Resource
	cleanup := func() {
		for _, r := range append(uploads, created...) {
			r.Release()
		}
	}
	for _, p := range parts {
		desc := gpu.BufferDesc(p.name, uint64(len(p.bytes)), gpu.HeapDefault)
		desc.InitialState = gpu.StateCopyDest
		dst, err := device.CreateCommittedResource(desc)
		if err != nil {
			cleanup()
			return nil, err
		}
		created = append(created, dst)
		upload, err := gpu.NewUploadBuffer(device, p.name+":upload", p.bytes)
		if err != nil {
			cleanup()
			return nil, err
		}
		uploads = append(uploads, upload)
		cl.CopyBufferRegion(dst, 0, upload, 0, uint64(len(p.bytes)))
		cl.ResourceBarrier(dst, gpu.StateCopyDest, gpu.StateCommon)
		*p.dst = dst
	}

	model.BoundingRadius = data.BoundingRadius
	model.Centroid = data.Centroid
	model.VertexCount = uint32(len(data.Vertices))
	model.IndexCount = uint32(len(data.Indices))
	model.VertexBuffer = vertexBuffer
	model.IndexBuffer = indexBuffer
	return uploads, nil
}

type subresource struct {
	mip, slice    uint32
	width, height uint32
	pixels        []byte
}

/**
 * @brief Fills tex with a texture holding every layer and records the copies on cl,
 * which must be a compute or direct list. Layers must share one size. Mip levels
 * are built on the CPU and uploaded with the top level.
 */
func recordTextureUpload(device gpu.Device, cl gpu.CommandList, tex *metadata.Texture, layers []*metadata.ImageData, generateMips bool) ([]gpu.Resource, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("texture %s has no image data", tex.Path)
	}
	width, height := layers[0].Width, layers[0].Height
	levels := uint16(1)
	if generateMips {
		levels = loaders.MipLevelCount(width, height)
	}

	var subs []subresource
	for slice, img := range layers {
		if img.Width != width || img.Height != height {
			return nil, fmt.Errorf("texture %s: layer %d is %dx%d, expected %dx%d", tex.Path, slice, img.Width, img.Height, width, height)
		}
		chain := [][]byte{img.Pixels}
		if generateMips {
			chain = loaders.GenerateMipChain(img)
		}
		w, h := width, height
		for mip, pixels := range chain {
			subs = append(subs, subresource{mip: uint32(mip), slice: uint32(slice), width: w, height: h, pixels: pixels})
			w, h = max(w/2, 1), max(h/2, 1)
		}
	}

	// pack every subresource into one staging buffer with aligned rows
	var total uint64
	regions := make([]gpu.TextureCopy, len(subs))
	for i, s := range subs {
		pitch := math.AlignUp(s.width*4, gpu.TexturePitchAlignment)
		total = math.AlignUp(total, texturePlacementAlignment)
		regions[i] = gpu.TextureCopy{
			MipLevel:   s.mip,
			ArraySlice: s.slice,
			Width:      s.width,
			Height:     s.height,
			RowPitch:   pitch,
			SrcOffset:  total,
		}
		total += uint64(pitch) * uint64(s.height)
	}
	staging := make([]byte, total)
	for i, s := range subs {
		rowBytes := s.width * 4
		for y := uint32(0); y < s.height; y++ {
			dst := regions[i].SrcOffset + uint64(y*regions[i].RowPitch)
			copy(staging[dst:dst+uint64(rowBytes)], s.pixels[y*rowBytes:(y+1)*rowBytes])
		}
	}

	desc := gpu.Texture2DDesc(tex.Path, width, height, uint16(len(layers)), levels, gpu.FormatR8G8B8A8Unorm)
	res, err := device.CreateCommittedResource(desc)
	if err != nil {
		return nil, err
	}
	upload, err := gpu.NewUploadBuffer(device, tex.Path+":upload", staging)
	if err != nil {
		res.Release()
		return nil, err
	}

	for _, r := range regions {
		cl.CopyBufferToTexture(res, upload, r)
	}
	cl.ResourceBarrier(res, gpu.StateCopyDest, gpu.StateShaderResource)

	tex.Width = width
	tex.Height = height
	tex.Channels = layers[0].Channels
	tex.HasAlpha = layers[0].HasAlpha
	tex.Format = gpu.FormatR8G8B8A8Unorm
	tex.MipLevels = levels
	tex.ArraySize = uint16(len(layers))
	tex.Resource = res
	return []gpu.Resource{upload}, nil
}
