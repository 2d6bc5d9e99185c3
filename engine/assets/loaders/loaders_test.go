package loaders

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

func TestModelRoundTrip(t *testing.T) {
	cube := CubeModel(0.5)
	cube.Centroid = math.NewVec3(1, 2, 3)

	var buf bytes.Buffer
	require.NoError(t, EncodeModel(&buf, cube))
	assert.Equal(t, ModelMagic[:], buf.Bytes()[:4])

	decoded, err := DecodeModel(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, cube.BoundingRadius, decoded.BoundingRadius)
	assert.Equal(t, cube.Centroid, decoded.Centroid)
	assert.Equal(t, cube.Vertices, decoded.Vertices)
	assert.Equal(t, cube.Indices, decoded.Indices)
}

func TestModelLegacyLayout(t *testing.T) {
	var buf bytes.Buffer
	w := func(v interface{}) { require.NoError(t, binary.Write(&buf, binary.LittleEndian, v)) }
	w(float32(2))
	w(math.NewVec3(0, 0, 0))
	w(uint64(3))
	w(make([]metadata.Vertex, 3))
	w(uint64(3))
	w([]int32{0, 1, 2})

	decoded, err := DecodeModel(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, float32(2), decoded.BoundingRadius)
	assert.Len(t, decoded.Vertices, 3)
	assert.Equal(t, []int32{0, 1, 2}, decoded.Indices)
}

func TestModelRejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(ModelMagic[:])
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(9)))
	_, err := DecodeModel(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	data := &metadata.ModelData{Vertices: make([]metadata.Vertex, 1), Indices: []int32{4}}
	buf.Reset()
	require.NoError(t, EncodeModel(&buf, data))
	_, err = DecodeModel(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, ErrCorruptFile)

	_, err = DecodeModel(bufio.NewReader(bytes.NewReader([]byte{1, 2})))
	assert.ErrorIs(t, err, ErrCorruptFile)
}

func TestBinTexRoundTrip(t *testing.T) {
	img := CheckerImage(8, 2, [4]byte{255, 0, 0, 255}, [4]byte{0, 0, 255, 255})

	var buf bytes.Buffer
	require.NoError(t, EncodeBinTex(&buf, img))
	decoded, err := DecodeBinTex(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, img, decoded)
}

func TestBinTexLegacyLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, binTexHeader{Width: 1, Height: 2, HasAlpha: 1, Channels: 3}))
	buf.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	decoded, err := DecodeBinTex(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), decoded.Width)
	assert.Equal(t, uint32(2), decoded.Height)
	assert.Equal(t, uint8(3), decoded.Channels)
	assert.True(t, decoded.HasAlpha)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, decoded.Pixels)
}

func writePNG(t *testing.T, path string, img image.Image) {
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestDecodeImagePadsToFourChannels(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			src.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	img, err := DecodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), img.Width)
	assert.Len(t, img.Pixels, 16)
	assert.False(t, img.HasAlpha)
	assert.Equal(t, uint8(3), img.Channels)
	assert.Equal(t, []byte{10, 20, 30, 255}, img.Pixels[:4])
}

func TestDecodeImageRejectsNonImages(t *testing.T) {
	_, err := DecodeImage([]byte("definitely not pixels"))
	assert.ErrorIs(t, err, ErrNotAnImage)
}

func TestTextureLoaderWritesAndReusesCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "albedo.png")
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	src.Set(1, 1, color.NRGBA{R: 200, A: 128})
	writePNG(t, path, src)

	tl := &TextureLoader{}
	first, err := tl.Load(path)
	require.NoError(t, err)
	assert.True(t, first.HasAlpha)
	require.FileExists(t, path+BinTexExtension)

	// the cache wins as long as it is not older than the source
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, stale, stale))
	cached, err := tl.Load(path)
	require.NoError(t, err)
	assert.Equal(t, first, cached)
}

func TestLoadCubemapRequiresAllFaces(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sky")
	for i := 0; i < metadata.CubemapFaceCount-1; i++ {
		writePNG(t, CubemapFacePath(base, "png", i), image.NewNRGBA(image.Rect(0, 0, 2, 2)))
	}
	tl := &TextureLoader{DisableCache: true}
	_, err := tl.LoadCubemap(base, "png")
	assert.Error(t, err)

	writePNG(t, CubemapFacePath(base, ".png", metadata.CubemapFaceCount-1), image.NewNRGBA(image.Rect(0, 0, 2, 2)))
	faces, err := tl.LoadCubemap(base, "png")
	require.NoError(t, err)
	for _, f := range faces {
		assert.Equal(t, uint32(2), f.Width)
	}
}

func TestMipChain(t *testing.T) {
	assert.Equal(t, uint16(1), MipLevelCount(1, 1))
	assert.Equal(t, uint16(4), MipLevelCount(8, 8))
	assert.Equal(t, uint16(4), MipLevelCount(8, 2))

	img := CheckerImage(8, 1, [4]byte{0, 0, 0, 255}, [4]byte{255, 255, 255, 255})
	chain := GenerateMipChain(img)
	require.Len(t, chain, 4)
	assert.Equal(t, img.Pixels, chain[0])
	assert.Len(t, chain[1], 4*4*4)
	assert.Len(t, chain[3], 4)
}

func TestShaderLoader(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.spv")
	bad := filepath.Join(dir, "bad.spv")
	require.NoError(t, os.WriteFile(good, []byte{3, 2, 35, 7, 0, 0, 1, 0}, 0o644))
	require.NoError(t, os.WriteFile(bad, []byte{1, 2, 3}, 0o644))

	sl := &ShaderLoader{}
	code, err := sl.Load(good)
	require.NoError(t, err)
	assert.Len(t, code, 8)

	_, err = sl.Load(bad)
	assert.ErrorIs(t, err, ErrInvalidBytecode)
}

func TestCubeModel(t *testing.T) {
	cube := CubeModel(1)
	assert.Len(t, cube.Vertices, 24)
	assert.Len(t, cube.Indices, 36)
	for _, v := range cube.Vertices {
		assert.InDelta(t, 1, v.Normal.Length(), 1e-6)
		assert.LessOrEqual(t, v.Position.Length(), cube.BoundingRadius+1e-5)
	}
}
