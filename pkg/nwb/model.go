// Package nwb models the subset of the Neurodata Without Borders container
// produced by a session conversion, and serializes it.
package nwb

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// File is one converted session
type File struct {
	Identifier         string                       `json:"identifier"`
	SessionID          string                       `json:"session_id"`
	SessionDescription string                       `json:"session_description"`
	SessionStartTime   time.Time                    `json:"session_start_time"`
	Experimenter       []string                     `json:"experimenter,omitempty"`
	Institution        string                       `json:"institution,omitempty"`
	Lab                string                       `json:"lab,omitempty"`
	Keywords           []string                     `json:"keywords,omitempty"`
	Subject            Subject                      `json:"subject"`
	Devices            []Device                     `json:"devices,omitempty"`
	Acquisition        []*TimeSeries                `json:"acquisition,omitempty"`
	Intervals          []*TimeIntervals             `json:"intervals,omitempty"`
	Processing         map[string]*ProcessingModule `json:"processing,omitempty"`
}

// Subject describes the animal
type Subject struct {
	SubjectID   string `json:"subject_id"`
	Species     string `json:"species,omitempty"`
	Sex         string `json:"sex,omitempty"`
	Age         string `json:"age,omitempty"`
	Strain      string `json:"strain,omitempty"`
	Description string `json:"description,omitempty"`
}

// Device is a recording instrument
type Device struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// TimeSeries is a sampled signal. Exactly one of Timestamps or Rate locates
// the samples in session time.
type TimeSeries struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Unit         string   `json:"unit"`
	Data         Values   `json:"data,omitempty"`
	Matrix       []Values `json:"matrix,omitempty"`
	Columns      Values   `json:"columns,omitempty"`
	Timestamps   Values   `json:"timestamps,omitempty"`
	StartingTime *float64 `json:"starting_time,omitempty"`
	Rate         float64  `json:"rate,omitempty"`
	Device       string   `json:"device,omitempty"`
}

// Len returns the number of samples
func (ts *TimeSeries) Len() int {
	if ts.Matrix != nil {
		return len(ts.Matrix)
	}
	return len(ts.Data)
}

// TimeIntervals is an epoch table with optional per-interval columns
type TimeIntervals struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	StartTime   Values            `json:"start_time"`
	StopTime    Values            `json:"stop_time"`
	Columns     []VectorData      `json:"columns,omitempty"`
	Open        []bool            `json:"open,omitempty"`
	TimeSeries  []string          `json:"timeseries,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// AddColumn appends a per-interval column
func (ti *TimeIntervals) AddColumn(col VectorData) {
	ti.Columns = append(ti.Columns, col)
}

// LabeledEvents stores one timestamp per event plus an index into Labels
type LabeledEvents struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Timestamps  Values   `json:"timestamps"`
	Data        []int    `json:"data"`
	Labels      []string `json:"labels"`
}

// NewLabeledEvents builds the label dictionary from per-event labels in
// order of first appearance.
func NewLabeledEvents(name, description string, timestamps []float64, labels []string) (*LabeledEvents, error) {
	if len(timestamps) != len(labels) {
		return nil, fmt.Errorf("%s: %d timestamps but %d labels", name, len(timestamps), len(labels))
	}
	ev := &LabeledEvents{Name: name, Description: description, Timestamps: timestamps, Data: make([]int, len(labels))}
	index := map[string]int{}
	for i, label := range labels {
		idx, ok := index[label]
		if !ok {
			idx = len(ev.Labels)
			index[label] = idx
			ev.Labels = append(ev.Labels, label)
		}
		ev.Data[i] = idx
	}
	return ev, nil
}

// VectorData is one named column of a table. Exactly one of Values, Ints,
// Strings or Arrays holds the data so the column keeps its type through
// Read. Arrays holds one flattened array per row, such as an image mask.
type VectorData struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Values      Values   `json:"values,omitempty"`
	Ints        []int64  `json:"ints,omitempty"`
	Strings     []string `json:"strings,omitempty"`
	Arrays      []Values `json:"arrays,omitempty"`
}

// FloatColumn builds a numeric column
func FloatColumn(name, description string, data []float64) VectorData {
	return VectorData{Name: name, Description: description, Values: data}
}

// IntColumn builds an integer column such as ROI ids
func IntColumn(name, description string, data []int64) VectorData {
	return VectorData{Name: name, Description: description, Ints: data}
}

// StringColumn builds a text column such as state labels
func StringColumn(name, description string, data []string) VectorData {
	return VectorData{Name: name, Description: description, Strings: data}
}

// ArrayColumn builds a column holding one flattened array per row
func ArrayColumn(name, description string, rows []Values) VectorData {
	return VectorData{Name: name, Description: description, Arrays: rows}
}

// Len returns the number of rows in the column
func (c VectorData) Len() int {
	switch {
	case c.Values != nil:
		return len(c.Values)
	case c.Ints != nil:
		return len(c.Ints)
	case c.Arrays != nil:
		return len(c.Arrays)
	default:
		return len(c.Strings)
	}
}

// DynamicTable is a generic column-oriented table
type DynamicTable struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Columns     []VectorData      `json:"columns"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Rows returns the length of the first column
func (dt *DynamicTable) Rows() int {
	if len(dt.Columns) == 0 {
		return 0
	}
	return dt.Columns[0].Len()
}

// ProcessingModule groups derived data by topic such as "behavior" or "ophys"
type ProcessingModule struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	TimeSeries  []*TimeSeries    `json:"timeseries,omitempty"`
	Intervals   []*TimeIntervals `json:"intervals,omitempty"`
	Events      []*LabeledEvents `json:"events,omitempty"`
	Tables      []*DynamicTable  `json:"tables,omitempty"`
}

// Module returns the named processing module, creating it on first use
func (f *File) Module(name, description string) *ProcessingModule {
	if f.Processing == nil {
		f.Processing = map[string]*ProcessingModule{}
	}
	m, ok := f.Processing[name]
	if !ok {
		m = &ProcessingModule{Name: name, Description: description}
		f.Processing[name] = m
	}
	return m
}

// AddDevice registers a device once by name
func (f *File) AddDevice(d Device) {
	for _, existing := range f.Devices {
		if existing.Name == d.Name {
			return
		}
	}
	f.Devices = append(f.Devices, d)
}

// Validate reports structural problems that would make the file unreadable
// or place data at negative session time.
func (f *File) Validate() []error {
	var problems []error
	if f.Identifier == "" {
		problems = append(problems, fmt.Errorf("identifier is empty"))
	}
	if f.SessionStartTime.IsZero() {
		problems = append(problems, fmt.Errorf("session start time is not set"))
	}

	check := func(where string, ts *TimeSeries) {
		switch {
		case ts.Timestamps != nil && ts.StartingTime != nil:
			problems = append(problems, fmt.Errorf("%s/%s: both timestamps and starting time set", where, ts.Name))
		case ts.Timestamps != nil:
			if len(ts.Timestamps) != ts.Len() {
				problems = append(problems, fmt.Errorf("%s/%s: %d timestamps for %d samples", where, ts.Name, len(ts.Timestamps), ts.Len()))
			}
			if len(ts.Timestamps) > 0 && ts.Timestamps[0] < 0 {
				problems = append(problems, fmt.Errorf("%s/%s: first timestamp %g is negative", where, ts.Name, ts.Timestamps[0]))
			}
			if !sort.Float64sAreSorted(ts.Timestamps) {
				problems = append(problems, fmt.Errorf("%s/%s: timestamps are not sorted", where, ts.Name))
			}
		case ts.StartingTime != nil:
			if ts.Rate <= 0 {
				problems = append(problems, fmt.Errorf("%s/%s: starting time without a positive rate", where, ts.Name))
			}
			if *ts.StartingTime < 0 {
				problems = append(problems, fmt.Errorf("%s/%s: starting time %g is negative", where, ts.Name, *ts.StartingTime))
			}
		default:
			problems = append(problems, fmt.Errorf("%s/%s: neither timestamps nor starting time set", where, ts.Name))
		}
	}
	checkIntervals := func(where string, ti *TimeIntervals) {
		if len(ti.StartTime) != len(ti.StopTime) {
			problems = append(problems, fmt.Errorf("%s/%s: %d starts but %d stops", where, ti.Name, len(ti.StartTime), len(ti.StopTime)))
			return
		}
		for i := range ti.StartTime {
			if ti.StartTime[i] > ti.StopTime[i] {
				problems = append(problems, fmt.Errorf("%s/%s: interval %d starts after it stops", where, ti.Name, i))
			}
		}
		for _, col := range ti.Columns {
			if col.Len() != len(ti.StartTime) {
				problems = append(problems, fmt.Errorf("%s/%s: column %s has %d rows for %d intervals", where, ti.Name, col.Name, col.Len(), len(ti.StartTime)))
			}
		}
	}

	checkTable := func(where string, dt *DynamicTable) {
		for _, col := range dt.Columns {
			if col.Len() != dt.Rows() {
				problems = append(problems, fmt.Errorf("%s/%s: column %s has %d rows, want %d", where, dt.Name, col.Name, col.Len(), dt.Rows()))
			}
		}
	}

	for _, ts := range f.Acquisition {
		check("acquisition", ts)
	}
	for _, ti := range f.Intervals {
		checkIntervals("intervals", ti)
	}
	for _, name := range f.ModuleNames() {
		m := f.Processing[name]
		for _, ts := range m.TimeSeries {
			check("processing/"+name, ts)
		}
		for _, ti := range m.Intervals {
			checkIntervals("processing/"+name, ti)
		}
		for _, dt := range m.Tables {
			checkTable("processing/"+name, dt)
		}
	}
	return problems
}

// ModuleNames returns the processing module names in sorted order
func (f *File) ModuleNames() []string {
	names := make([]string, 0, len(f.Processing))
	for name := range f.Processing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Values is a float array whose non-finite entries are written as JSON strings
// ("NaN", "Infinity", "-Infinity") because JSON numbers cannot hold them.
type Values []float64

// MarshalJSON implements json.Marshaler
func (v Values) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, 2+len(v)*8)
	buf = append(buf, '[')
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		switch {
		case math.IsNaN(x):
			buf = append(buf, `"NaN"`...)
		case math.IsInf(x, 1):
			buf = append(buf, `"Infinity"`...)
		case math.IsInf(x, -1):
			buf = append(buf, `"-Infinity"`...)
		default:
			buf = strconv.AppendFloat(buf, x, 'g', -1, 64)
		}
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (v *Values) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = nil
		return nil
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Values, len(raw))
	for i, item := range raw {
		switch x := item.(type) {
		case float64:
			out[i] = x
		case string:
			switch x {
			case "NaN":
				out[i] = math.NaN()
			case "Infinity":
				out[i] = math.Inf(1)
			case "-Infinity":
				out[i] = math.Inf(-1)
			default:
				return fmt.Errorf("invalid value %q at index %d", x, i)
			}
		default:
			return fmt.Errorf("invalid value %v at index %d", item, i)
		}
	}
	*v = out
	return nil
}
