package loaders

import (
	"github.com/chewxy/math32"

	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

type cubeFace struct {
	normal, tangent, binormal math.Vec3
}

var cubeFaces = [6]cubeFace{
	{math.Vec3{X: 1}, math.Vec3{Z: 1}, math.Vec3{Y: 1}},
	{math.Vec3{X: -1}, math.Vec3{Z: -1}, math.Vec3{Y: 1}},
	{math.Vec3{Y: 1}, math.Vec3{X: 1}, math.Vec3{Z: 1}},
	{math.Vec3{Y: -1}, math.Vec3{X: 1}, math.Vec3{Z: -1}},
	{math.Vec3{Z: 1}, math.Vec3{X: -1}, math.Vec3{Y: 1}},
	{math.Vec3{Z: -1}, math.Vec3{X: 1}, math.Vec3{Y: 1}},
}

// CubeModel builds an axis-aligned cube centered on the origin, four vertices per face.
func CubeModel(halfExtent float32) *metadata.ModelData {
	data := &metadata.ModelData{
		BoundingRadius: halfExtent * math32.Sqrt(3),
		Vertices:       make([]metadata.Vertex, 0, 24),
		Indices:        make([]int32, 0, 36),
	}
	uvs := [4]math.Vec2{{X: 0, Y: 1}, {X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}}
	corners := [4][2]float32{{-1, -1}, {-1, 1}, {1, 1}, {1, -1}}

	for _, f := range cubeFaces {
		base := int32(len(data.Vertices))
		for i, c := range corners {
			p := f.normal.
				Add(f.tangent.MulScalar(c[0])).
				Add(f.binormal.MulScalar(c[1])).
				MulScalar(halfExtent)
			data.Vertices = append(data.Vertices, metadata.Vertex{
				Position: p,
				Texcoord: uvs[i],
				Normal:   f.normal,
				Tangent:  f.tangent,
				Binormal: f.binormal,
			})
		}
		data.Indices = append(data.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	return data
}

// CheckerImage builds a size x size RGBA checkerboard with cells of cell texels.
func CheckerImage(size, cell uint32, a, b [4]byte) *metadata.ImageData {
	if cell == 0 {
		cell = 1
	}
	pixels := make([]byte, size*size*4)
	for y := uint32(0); y < size; y++ {
		for x := uint32(0); x < size; x++ {
			c := a
			if (x/cell+y/cell)%2 == 1 {
				c = b
			}
			copy(pixels[(y*size+x)*4:], c[:])
		}
	}
	return &metadata.ImageData{
		Width:    size,
		Height:   size,
		Channels: 4,
		HasAlpha: a[3] != 0xff || b[3] != 0xff,
		Pixels:   pixels,
	}
}
