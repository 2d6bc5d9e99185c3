package loaders

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

const (
	BinTexVersion   uint32 = 1
	BinTexExtension        = ".binTex"
)

var BinTexMagic = [4]byte{'P', 'B', 'T', 'X'}

type binTexHeader struct {
	Width    int32
	Height   int32
	HasAlpha uint8
	Channels int32
}

/**
 * @brief Loads textures, preferring the .binTex decode cache that sits beside the
 * source image. A stale or missing cache is rebuilt after decoding.
 */
type TextureLoader struct {
	/** @brief Skip writing the cache, used for read-only asset trees. */
	DisableCache bool
}

func (tl *TextureLoader) Load(path string) (*metadata.ImageData, error) {
	if strings.HasSuffix(path, BinTexExtension) {
		return ReadBinTex(path)
	}

	source, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	cachePath := path + BinTexExtension
	if cached, err := os.Stat(cachePath); err == nil && !cached.ModTime().Before(source.ModTime()) {
		img, err := ReadBinTex(cachePath)
		if err == nil {
			return img, nil
		}
		core.LogWarn("discarding texture cache %s: %s", cachePath, err.Error())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := DecodeImage(raw)
	if err != nil {
		return nil, fmt.Errorf("texture %s: %w", path, err)
	}

	if !tl.DisableCache {
		if err := WriteBinTex(cachePath, img); err != nil {
			core.LogWarn("could not write texture cache %s: %s", cachePath, err.Error())
		}
	}
	return img, nil
}

func ReadBinTex(path string) (*metadata.ImageData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := DecodeBinTex(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("bintex %s: %w", path, err)
	}
	return img, nil
}

// DecodeBinTex reads a .binTex stream. Files without the magic are read with the
// unversioned layout.
func DecodeBinTex(r *bufio.Reader) (*metadata.ImageData, error) {
	peek, err := r.Peek(len(BinTexMagic))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if bytes.Equal(peek, BinTexMagic[:]) {
		if _, err := r.Discard(len(BinTexMagic)); err != nil {
			return nil, err
		}
		var version uint32
		if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		if version != BinTexVersion {
			return nil, fmt.Errorf("%w: bintex version %d", ErrUnsupportedVersion, version)
		}
	}

	var header binTexHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if header.Width <= 0 || header.Height <= 0 || header.Channels <= 0 || header.Channels > 4 {
		return nil, fmt.Errorf("%w: %dx%d with %d channels", ErrCorruptFile, header.Width, header.Height, header.Channels)
	}
	size := uint64(header.Width) * uint64(header.Height) * 4
	if size > maxElementCount {
		return nil, fmt.Errorf("%w: %dx%d", ErrCorruptFile, header.Width, header.Height)
	}

	pixels := make([]byte, size)
	if _, err := io.ReadFull(r, pixels); err != nil {
		return nil, fmt.Errorf("%w: pixels: %v", ErrCorruptFile, err)
	}
	return &metadata.ImageData{
		Width:    uint32(header.Width),
		Height:   uint32(header.Height),
		Channels: uint8(header.Channels),
		HasAlpha: header.HasAlpha != 0,
		Pixels:   pixels,
	}, nil
}

// EncodeBinTex writes the versioned layout. Pixels are always four bytes per texel.
func EncodeBinTex(w io.Writer, img *metadata.ImageData) error {
	if uint64(len(img.Pixels)) != uint64(img.Width)*uint64(img.Height)*4 {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrCorruptFile, len(img.Pixels), img.Width, img.Height)
	}
	var hasAlpha uint8
	if img.HasAlpha {
		hasAlpha = 1
	}
	bw := bufio.NewWriter(w)
	fields := []interface{}{
		BinTexMagic,
		BinTexVersion,
		binTexHeader{
			Width:    int32(img.Width),
			Height:   int32(img.Height),
			HasAlpha: hasAlpha,
			Channels: int32(img.Channels),
		},
	}
	for _, f := range fields {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := bw.Write(img.Pixels); err != nil {
		return err
	}
	return bw.Flush()
}

func WriteBinTex(path string, img *metadata.ImageData) error {
	return writeAtomic(path, func(w io.Writer) error {
		return EncodeBinTex(w, img)
	})
}

// CubemapFaceSuffixes orders faces as +X, -X, +Y, -Y, +Z, -Z.
var CubemapFaceSuffixes = [metadata.CubemapFaceCount]string{"px", "nx", "py", "ny", "pz", "nz"}

func CubemapFacePath(basePath, extension string, face int) string {
	return fmt.Sprintf("%s_%s.%s", basePath, CubemapFaceSuffixes[face], strings.TrimPrefix(extension, "."))
}

// LoadCubemap loads all six faces. Every face must share the first face's size.
func (tl *TextureLoader) LoadCubemap(basePath, extension string) ([metadata.CubemapFaceCount]*metadata.ImageData, error) {
	var faces [metadata.CubemapFaceCount]*metadata.ImageData
	for i := range faces {
		img, err := tl.Load(CubemapFacePath(basePath, extension, i))
		if err != nil {
			return faces, err
		}
		if i > 0 && (img.Width != faces[0].Width || img.Height != faces[0].Height) {
			return faces, fmt.Errorf("cubemap %s: face %s is %dx%d, expected %dx%d",
				basePath, CubemapFaceSuffixes[i], img.Width, img.Height, faces[0].Width, faces[0].Height)
		}
		faces[i] = img
	}
	return faces, nil
}
