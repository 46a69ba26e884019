// Package zarr reads Zarr v2 arrays from a directory store, enough to load
// the coordinate and trace arrays written by the Minian pipeline.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// MetadataFile is the name of the per-array metadata document
const MetadataFile = ".zarray"

// Metadata represents the Zarr v2 .zarray metadata.
type Metadata struct {
	Chunks             []int             `json:"chunks"`
	Compressor         *CompressorConfig `json:"compressor"`
	DType              string            `json:"dtype"`
	FillValue          any               `json:"fill_value"`
	Filters            []json.RawMessage `json:"filters"`
	Order              string            `json:"order"`
	Shape              []int             `json:"shape"`
	ZarrFormat         int               `json:"zarr_format"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// CompressorConfig represents the compression configuration.
type CompressorConfig struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// DType represents a parsed Zarr data type.
type DType string

// Supported data types
const (
	Bool    DType = "bool"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

// Size returns the width of one element in bytes
func (d DType) Size() int {
	switch d {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

var dtypeKinds = map[string]DType{
	"b1": Bool,
	"i1": Int8,
	"u1": Uint8,
	"i2": Int16,
	"i4": Int32,
	"i8": Int64,
	"u2": Uint16,
	"u4": Uint32,
	"u8": Uint64,
	"f4": Float32,
	"f8": Float64,
}

// ParseDType parses a numpy-style dtype string such as "<f4" or "|b1" into a
// DType and the byte order its elements are stored in.
func ParseDType(dtype string) (DType, binary.ByteOrder, error) {
	if len(dtype) != 3 {
		return "", nil, fmt.Errorf("invalid dtype: %s", dtype)
	}
	kind, ok := dtypeKinds[dtype[1:]]
	if !ok {
		return "", nil, fmt.Errorf("unsupported or unknown dtype: %s", dtype)
	}
	switch dtype[0] {
	case '<', '|':
		return kind, binary.LittleEndian, nil
	case '>':
		return kind, binary.BigEndian, nil
	default:
		return "", nil, fmt.Errorf("invalid byte order in dtype: %s", dtype)
	}
}

// ReadMetadata loads and validates the .zarray document of the array at path
func ReadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(path, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("read zarr metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse %s in %s: %w", MetadataFile, path, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &meta, nil
}

// Validate checks that the array can be read by this package
func (m *Metadata) Validate() error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("unsupported zarr_format %d", m.ZarrFormat)
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("shape has %d dimensions but chunks has %d", len(m.Shape), len(m.Chunks))
	}
	for i, c := range m.Chunks {
		if c <= 0 {
			return fmt.Errorf("chunk size %d on dimension %d", c, i)
		}
		if m.Shape[i] < 0 {
			return fmt.Errorf("negative shape %d on dimension %d", m.Shape[i], i)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return fmt.Errorf("unsupported memory order %q", m.Order)
	}
	if len(m.Filters) > 0 {
		return fmt.Errorf("filters are not supported")
	}
	if m.DimensionSeparator != "" && m.DimensionSeparator != "." && m.DimensionSeparator != "/" {
		return fmt.Errorf("invalid dimension_separator %q", m.DimensionSeparator)
	}
	if _, _, err := ParseDType(m.DType); err != nil {
		return err
	}
	if m.Compressor != nil {
		if _, ok := codecs[m.Compressor.ID]; !ok {
			return fmt.Errorf("unsupported compressor %q", m.Compressor.ID)
		}
	}
	return nil
}

// Len returns the number of elements in the array
func (m *Metadata) Len() int {
	n := 1
	for _, s := range m.Shape {
		n *= s
	}
	return n
}

func (m *Metadata) separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

func (m *Metadata) fill() float64 {
	switch v := m.FillValue.(type) {
	case float64:
		return v
	case bool:
		if v {
			return 1
		}
	case string:
		switch v {
		case "NaN":
			return math.NaN()
		case "Infinity":
			return math.Inf(1)
		case "-Infinity":
			return math.Inf(-1)
		}
	}
	return 0
}
