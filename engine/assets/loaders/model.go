package loaders

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spaghettifunk/prism/engine/math"
	"github.com/spaghettifunk/prism/engine/renderer/metadata"
)

const ModelVersion uint32 = 1

var (
	ModelMagic = [4]byte{'P', 'M', 'D', 'L'}

	ErrUnsupportedVersion = errors.New("unsupported file version")
	ErrCorruptFile        = errors.New("corrupt file")
)

// bounds a count read from disk before allocating for it
const maxElementCount = 1 << 28

type modelHeader struct {
	BoundingRadius float32
	Centroid       math.Vec3
}

type ModelLoader struct{}

func (ml *ModelLoader) Load(path string) (*metadata.ModelData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := DecodeModel(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return data, nil
}

// DecodeModel reads a .model stream. Files without the magic are read with the
// unversioned layout.
func DecodeModel(r *bufio.Reader) (*metadata.ModelData, error) {
	peek, err := r.Peek(len(ModelMagic))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if bytes.Equal(peek, ModelMagic[:]) {
		if _, err := r.Discard(len(ModelMagic)); err != nil {
			return nil, err
		}
		var version uint32
		if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		if version != ModelVersion {
			return nil, fmt.Errorf("%w: model version %d", ErrUnsupportedVersion, version)
		}
	}
	return decodeModelBody(r)
}

func decodeModelBody(r io.Reader) (*metadata.ModelData, error) {
	var header modelHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}

	vertexCount, err := readCount(r)
	if err != nil {
		return nil, err
	}
	vertices := make([]metadata.Vertex, vertexCount)
	if err := binary.Read(r, binary.LittleEndian, vertices); err != nil {
		return nil, fmt.Errorf("%w: vertices: %v", ErrCorruptFile, err)
	}

	indexCount, err := readCount(r)
	if err != nil {
		return nil, err
	}
	indices := make([]int32, indexCount)
	if err := binary.Read(r, binary.LittleEndian, indices); err != nil {
		return nil, fmt.Errorf("%w: indices: %v", ErrCorruptFile, err)
	}
	for _, idx := range indices {
		if idx < 0 || uint64(idx) >= vertexCount {
			return nil, fmt.Errorf("%w: index %d out of %d vertices", ErrCorruptFile, idx, vertexCount)
		}
	}

	return &metadata.ModelData{
		BoundingRadius: header.BoundingRadius,
		Centroid:       header.Centroid,
		Vertices:       vertices,
		Indices:        indices,
	}, nil
}

func readCount(r io.Reader) (uint64, error) {
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if count > maxElementCount {
		return 0, fmt.Errorf("%w: count %d", ErrCorruptFile, count)
	}
	return count, nil
}

// EncodeModel writes the versioned layout.
func EncodeModel(w io.Writer, data *metadata.ModelData) error {
	bw := bufio.NewWriter(w)
	fields := []interface{}{
		ModelMagic,
		ModelVersion,
		modelHeader{BoundingRadius: data.BoundingRadius, Centroid: data.Centroid},
		uint64(len(data.Vertices)),
		data.Vertices,
		uint64(len(data.Indices)),
		data.Indices,
	}
	for _, f := range fields {
		if err := binary.Write(bw, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func WriteModel(path string, data *metadata.ModelData) error {
	return writeAtomic(path, func(w io.Writer) error {
		return EncodeModel(w, data)
	})
}

// writeAtomic writes through a temporary file so readers never see a partial file.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
