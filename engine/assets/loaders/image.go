package loaders

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/h2non/filetype"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

var ErrNotAnImage = errors.New("payload is not an image")

// DecodeImage decodes any registered format into four bytes per texel.
// Three-channel sources are padded with an opaque alpha byte.
func DecodeImage(raw []byte) (*metadata.ImageData, error) {
	if !filetype.IsImage(raw) {
		kind, _ := filetype.Match(raw)
		return nil, fmt.Errorf("%w: detected %s", ErrNotAnImage, kind.MIME.Value)
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}

	bounds := src.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, bounds.Min, draw.Src)

	return &metadata.ImageData{
		Width:    uint32(bounds.Dx()),
		Height:   uint32(bounds.Dy()),
		Channels: channelCount(src),
		HasAlpha: !rgba.Opaque(),
		Pixels:   rgba.Pix,
	}, nil
}

func channelCount(img image.Image) uint8 {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.YCbCr, *image.CMYK:
		return 3
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return 3
	}
	return 4
}

func MipLevelCount(width, height uint32) uint16 {
	levels := uint16(1)
	for width > 1 || height > 1 {
		width >>= 1
		height >>= 1
		levels++
	}
	return levels
}

// GenerateMipChain returns every level from the full image down to 1x1, four bytes
// per texel. Level 0 aliases the image pixels.
func GenerateMipChain(img *metadata.ImageData) [][]byte {
	levels := MipLevelCount(img.Width, img.Height)
	chain := make([][]byte, 0, levels)
	chain = append(chain, img.Pixels)

	prev := &image.NRGBA{
		Pix:    img.Pixels,
		Stride: int(img.Width) * 4,
		Rect:   image.Rect(0, 0, int(img.Width), int(img.Height)),
	}
	w, h := int(img.Width), int(img.Height)
	for l := uint16(1); l < levels; l++ {
		w = max(w/2, 1)
		h = max(h/2, 1)
		next := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(next, next.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		chain = append(chain, next.Pix)
		prev = next
	}
	return chain
}
