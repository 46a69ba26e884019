package zarr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Array is a Zarr v2 array stored in a directory
type Array struct {
	Path string
	Meta *Metadata

	dtype DType
	order binary.ByteOrder
}

// Open reads the metadata of the array at path
func Open(path string) (*Array, error) {
	meta, err := ReadMetadata(path)
	if err != nil {
		return nil, err
	}
	dtype, order, err := ParseDType(meta.DType)
	if err != nil {
		return nil, err
	}
	return &Array{Path: path, Meta: meta, dtype: dtype, order: order}, nil
}

// Shape returns a copy of the array dimensions
func (a *Array) Shape() []int {
	out := make([]int, len(a.Meta.Shape))
	copy(out, a.Meta.Shape)
	return out
}

// DType returns the element type
func (a *Array) DType() DType {
	return a.dtype
}

// Float64s reads the whole array in C order, converting every element to
// float64. Missing chunks are filled with the array's fill value.
func (a *Array) Float64s() ([]float64, error) {
	meta := a.Meta
	out := make([]float64, meta.Len())
	if len(out) == 0 {
		return out, nil
	}

	ndim := len(meta.Shape)
	grid := make([]int, ndim)
	for i := range grid {
		grid[i] = (meta.Shape[i] + meta.Chunks[i] - 1) / meta.Chunks[i]
	}

	chunkLen := 1
	for _, c := range meta.Chunks {
		chunkLen *= c
	}

	chunkIdx := make([]int, ndim)
	for {
		values, err := a.readChunk(chunkIdx, chunkLen)
		if err != nil {
			return nil, err
		}
		a.scatter(out, values, chunkIdx)

		if !advance(chunkIdx, grid) {
			break
		}
	}
	return out, nil
}

func (a *Array) chunkKey(idx []int) string {
	if len(idx) == 0 {
		return "0"
	}
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, a.Meta.separator())
}

func (a *Array) readChunk(idx []int, chunkLen int) ([]float64, error) {
	key := a.chunkKey(idx)
	raw, err := os.ReadFile(filepath.Join(a.Path, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		values := make([]float64, chunkLen)
		fill := a.Meta.fill()
		for i := range values {
			values[i] = fill
		}
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", key, err)
	}

	data, err := decompress(a.Meta.Compressor, raw)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s of %s: %w", key, a.Path, err)
	}

	size := a.dtype.Size()
	if len(data) != chunkLen*size {
		return nil, fmt.Errorf("chunk %s of %s has %d bytes, want %d", key, a.Path, len(data), chunkLen*size)
	}

	values := make([]float64, chunkLen)
	for i := range values {
		values[i] = a.decode(data[i*size : (i+1)*size])
	}
	return values, nil
}

func (a *Array) decode(b []byte) float64 {
	switch a.dtype {
	case Bool, Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Int16:
		return float64(int16(a.order.Uint16(b)))
	case Uint16:
		return float64(a.order.Uint16(b))
	case Int32:
		return float64(int32(a.order.Uint32(b)))
	case Uint32:
		return float64(a.order.Uint32(b))
	case Int64:
		return float64(int64(a.order.Uint64(b)))
	case Uint64:
		return float64(a.order.Uint64(b))
	case Float32:
		return float64(math.Float32frombits(a.order.Uint32(b)))
	case Float64:
		return math.Float64frombits(a.order.Uint64(b))
	}
	return math.NaN()
}

// scatter copies the in-bounds part of a chunk into the flat output
func (a *Array) scatter(out, values []float64, chunkIdx []int) {
	meta := a.Meta
	ndim := len(meta.Shape)
	if ndim == 0 {
		out[0] = values[0]
		return
	}

	strides := make([]int, ndim)
	stride := 1
	for i := ndim - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= meta.Shape[i]
	}

	local := make([]int, ndim)
	for n := 0; n < len(values); n++ {
		flat := 0
		inside := true
		for d := 0; d < ndim; d++ {
			g := chunkIdx[d]*meta.Chunks[d] + local[d]
			if g >= meta.Shape[d] {
				inside = false
				break
			}
			flat += g * strides[d]
		}
		if inside {
			out[flat] = values[n]
		}
		advance(local, meta.Chunks)
	}
}

// advance increments a C-order multi-index and reports whether it is still in range
func advance(idx, limits []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < limits[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

// ReadFloat64s opens the array at path and reads all of its elements
func ReadFloat64s(path string) ([]float64, error) {
	arr, err := Open(path)
	if err != nil {
		return nil, err
	}
	return arr.Float64s()
}
