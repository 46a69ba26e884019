package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

// DefaultShockTimes are the onsets, in seconds, of the three foot shocks
// delivered during aversive encoding
var DefaultShockTimes = []float64{120, 180, 240}

// DefaultShockDuration is the length of one foot shock in seconds
const DefaultShockDuration = 2.0

// ShockStimuli builds the shock interval table from the experiment protocol.
// It has no backing file.
type ShockStimuli struct {
	Times     []float64
	Duration  float64
	Amplitude float64
}

// Intervals implements stream.IntervalSource
func (s ShockStimuli) Intervals(ctx context.Context) (timeline.IntervalSet, error) {
	times := s.Times
	if len(times) == 0 {
		times = DefaultShockTimes
	}
	duration := s.Duration
	if duration <= 0 {
		duration = DefaultShockDuration
	}
	set := make(timeline.IntervalSet, len(times))
	for i, t := range times {
		set[i] = timeline.Interval{Start: t, Stop: t + duration, Label: "shock"}
	}
	return set, nil
}

// NoMatch marks a global cell without a counterpart in a registered session
const NoMatch = -9999

// CellRegistration is one CellReg output table mapping global ROI ids (rows)
// to the ROI ids of each cross-registered session (columns).
type CellRegistration struct {
	Name    string
	Columns []string
	Data    map[string][]int64
}

// ReadCellRegistration reads a CellReg CSV. The table is named after the
// offline session found in the file name after "<subject>_".
func ReadCellRegistration(path, subjectID string, stubRows int) (*CellRegistration, error) {
	t, err := readTable(path)
	if err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	offline := stem
	if parts := strings.Split(stem, subjectID+"_"); subjectID != "" && len(parts) > 1 {
		offline = parts[len(parts)-1]
	}

	reg := &CellRegistration{
		Name:    offline + "vsConditioningSessions",
		Columns: t.columns(),
		Data:    map[string][]int64{},
	}
	for _, col := range reg.Columns {
		raw, err := t.floats(col)
		if err != nil {
			return nil, err
		}
		raw = stub(raw, stubRows)
		ids := make([]int64, len(raw))
		for i, v := range raw {
			ids[i] = int64(v)
		}
		reg.Data[col] = ids
	}
	return reg, nil
}

// Matched returns how many global cells have a counterpart in the named session
func (c *CellRegistration) Matched(column string) int {
	n := 0
	for _, id := range c.Data[column] {
		if id != NoMatch {
			n++
		}
	}
	return n
}

var runTimePattern = regexp.MustCompile(`Run Time\s*:\s*([\d:.]+)`)

// ReadRunTime extracts "Run Time : HH:MM:SS" from a Med Associates session
// report and returns it in seconds.
func ReadRunTime(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fileError(path, err)
	}
	match := runTimePattern.FindStringSubmatch(string(raw))
	if match == nil {
		return 0, fileError(path, fmt.Errorf("run time not found"))
	}
	parts := strings.Split(match[1], ":")
	if len(parts) != 3 {
		return 0, fileError(path, fmt.Errorf("invalid run time %q", match[1]))
	}
	var total float64
	for i, unit := range []float64{3600, 60, 1} {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, fileError(path, fmt.Errorf("invalid run time %q", match[1]))
		}
		total += v * unit
	}
	return total, nil
}
