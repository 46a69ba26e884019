package sources

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/leowmjw/go-nwb-convert/pkg/zarr"
)

// Minian output groups read by this package
const (
	MinianTracesGroup = "C.zarr"
	MinianMotionGroup = "motion.zarr"
)

// MinianTimestamps reads the timestamps of the frames kept by one Minian
// output group: rows of the folder's timeStamps.csv whose frame number
// appears in the group's frame coordinate array. Group defaults to the
// denoised traces.
type MinianTimestamps struct {
	Folder string
	Group  string
	Stub   int
}

func (m MinianTimestamps) group() string {
	if m.Group == "" {
		return MinianTracesGroup
	}
	return m.Group
}

// Timestamps implements stream.TimestampSource
func (m MinianTimestamps) Timestamps(ctx context.Context) ([]float64, error) {
	framePath := filepath.Join(m.Folder, m.group(), "frame")
	frames, err := zarr.ReadFloat64s(framePath)
	if err != nil {
		return nil, fileError(framePath, err)
	}
	kept := make(map[float64]struct{}, len(frames))
	for _, f := range frames {
		kept[f] = struct{}{}
	}

	t, err := readTable(filepath.Join(m.Folder, TimestampsFile))
	if err != nil {
		return nil, err
	}
	numbers, err := t.floats(frameNumberColumn)
	if err != nil {
		return nil, err
	}
	ms, err := t.floats(timestampColumn)
	if err != nil {
		return nil, err
	}

	seconds := make([]float64, 0, len(frames))
	for i, n := range numbers {
		if _, ok := kept[n]; ok {
			seconds = append(seconds, ms[i]*1e-3)
		}
	}
	return stub(seconds, m.Stub), nil
}

// Traces holds one Minian trace field laid out as frames by units
type Traces struct {
	Field   string
	UnitIDs []float64
	Data    [][]float64
}

// ReadMinianTraces reads a (unit, frame) trace array such as "C" (denoised)
// or "S" (deconvolved) from <folder>/<field>.zarr/<field> and transposes it
// to frames by units. A 1-D field is read as a single unit.
func ReadMinianTraces(folder, field string, stubFrames int) (*Traces, error) {
	path := filepath.Join(folder, field+".zarr", field)
	arr, err := zarr.Open(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	values, err := arr.Float64s()
	if err != nil {
		return nil, fileError(path, err)
	}

	shape := arr.Shape()
	var units, frames int
	switch len(shape) {
	case 1:
		units, frames = 1, shape[0]
	case 2:
		units, frames = shape[0], shape[1]
	default:
		return nil, fileError(path, fmt.Errorf("expected 1 or 2 dimensions, got %d", len(shape)))
	}
	if stubFrames > 0 && frames > stubFrames {
		frames = stubFrames
	}

	data := make([][]float64, frames)
	for f := 0; f < frames; f++ {
		row := make([]float64, units)
		for u := 0; u < units; u++ {
			row[u] = values[u*shape[len(shape)-1]+f]
		}
		data[f] = row
	}

	return &Traces{
		Field:   field,
		UnitIDs: unitIDs(filepath.Join(folder, field+".zarr", "unit_id"), units),
		Data:    data,
	}, nil
}

// ReadMinianMotion reads the rigid motion estimate in motion.zarr/motion.
// Minian stores one (height, width) shift per frame; rows are returned as
// (x, y) pixels.
func ReadMinianMotion(folder string, stubFrames int) ([][]float64, error) {
	path := filepath.Join(folder, MinianMotionGroup, "motion")
	arr, err := zarr.Open(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	shape := arr.Shape()
	if len(shape) != 2 || shape[1] != 2 {
		return nil, fileError(path, fmt.Errorf("expected (frame, shift_dim) of width 2, got shape %v", shape))
	}
	values, err := arr.Float64s()
	if err != nil {
		return nil, fileError(path, err)
	}

	frames := shape[0]
	if stubFrames > 0 && frames > stubFrames {
		frames = stubFrames
	}
	shifts := make([][]float64, frames)
	for f := range shifts {
		shifts[f] = []float64{values[2*f+1], values[2*f]}
	}
	return shifts, nil
}

// Footprints are spatial components laid out as one flattened row-major
// height by width mask per unit
type Footprints struct {
	Height  int
	Width   int
	UnitIDs []float64
	Masks   [][]float64
}

// Centroid returns the mask-weighted (x, y) centre of unit i, or NaN for
// an empty mask
func (fp *Footprints) Centroid(i int) (x, y float64) {
	var total float64
	for p, w := range fp.Masks[i] {
		if w <= 0 {
			continue
		}
		total += w
		x += w * float64(p%fp.Width)
		y += w * float64(p/fp.Width)
	}
	if total == 0 {
		return math.NaN(), math.NaN()
	}
	return x / total, y / total
}

// ReadMinianFootprints reads the (unit, height, width) footprints in
// A.zarr/A. Minian keeps no rejection step so every unit present is
// accepted.
func ReadMinianFootprints(folder string) (*Footprints, error) {
	path := filepath.Join(folder, "A.zarr", "A")
	arr, err := zarr.Open(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	shape := arr.Shape()
	if len(shape) != 3 {
		return nil, fileError(path, fmt.Errorf("expected (unit, height, width), got shape %v", shape))
	}
	values, err := arr.Float64s()
	if err != nil {
		return nil, fileError(path, err)
	}

	units, pixels := shape[0], shape[1]*shape[2]
	fp := &Footprints{Height: shape[1], Width: shape[2], Masks: make([][]float64, units)}
	for u := range fp.Masks {
		fp.Masks[u] = values[u*pixels : (u+1)*pixels]
	}
	fp.UnitIDs = unitIDs(filepath.Join(folder, "A.zarr", "unit_id"), units)
	return fp, nil
}

// ReadMinianBackground reads the spatial background b.zarr/b as a single
// footprint
func ReadMinianBackground(folder string) (*Footprints, error) {
	path := filepath.Join(folder, "b.zarr", "b")
	arr, err := zarr.Open(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	shape := arr.Shape()
	if len(shape) != 2 {
		return nil, fileError(path, fmt.Errorf("expected (height, width), got shape %v", shape))
	}
	values, err := arr.Float64s()
	if err != nil {
		return nil, fileError(path, err)
	}
	return &Footprints{Height: shape[0], Width: shape[1], UnitIDs: []float64{0}, Masks: [][]float64{values}}, nil
}

func unitIDs(path string, units int) []float64 {
	if ids, err := zarr.ReadFloat64s(path); err == nil && len(ids) == units {
		return ids
	}
	ids := make([]float64, units)
	for u := range ids {
		ids[u] = float64(u)
	}
	return ids
}
