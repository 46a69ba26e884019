package convert

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/leowmjw/go-nwb-convert/pkg/nwb"
	"github.com/leowmjw/go-nwb-convert/pkg/sources"
	"github.com/leowmjw/go-nwb-convert/pkg/stream"
	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

const (
	behaviorModule         = "behavior"
	ophysModule            = "ophys"
	sleepModule            = "sleep"
	cellRegistrationModule = "cell_registration"
	cellRegistrationStream = "CellRegistration"
)

type assembler func(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error

var assemblers = map[string]assembler{
	MiniscopeImaging:    addImaging,
	MinianSegmentation:  addSegmentation,
	MinianMotion:        addMotionCorrection,
	Video:               addVideo,
	FreezingBehavior:    addFreezingIntervals,
	FreezingMotion:      addFreezingMotion,
	SleepClassification: addSleepIntervals,
	SleepEvents:         addSleepEvents,
	EDFSignals:          addTelemetry,
	ShockStimuli:        addShockStimuli,
}

// assemble writes the effective value of every stream into a new file.
// Streams that fail to read are recorded in the report and left out.
func (c *Converter) assemble(ctx context.Context, cfg *SessionConfig, session *stream.Session, report *Report, logger *slog.Logger) (*nwb.File, error) {
	meta := session.Metadata
	f := &nwb.File{
		Identifier:         uuid.NewString(),
		SessionID:          meta.SessionID,
		SessionDescription: SessionDescription(cfg),
		SessionStartTime:   meta.StartTime,
		Experimenter:       cfg.Experimenter,
		Institution:        cfg.Institution,
		Lab:                cfg.Lab,
		Keywords:           cfg.Keywords,
		Subject: nwb.Subject{
			SubjectID:   meta.SubjectID,
			Species:     cfg.Subject.Species,
			Sex:         cfg.Subject.Sex,
			Age:         cfg.Subject.Age,
			Strain:      cfg.Subject.Strain,
			Description: cfg.Subject.Description,
		},
	}

	omit := func(name string, err error) {
		logger.Warn("Stream omitted from output", "stream", name, "error", err)
		report.Omitted[name] = err.Error()
	}

	for _, st := range session.Streams() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		add, ok := assemblers[st.Name]
		if !ok {
			omit(st.Name, fmt.Errorf("no writer for stream"))
			continue
		}
		if err := add(ctx, cfg, f, st); err != nil {
			omit(st.Name, err)
			continue
		}
		report.Included = append(report.Included, st.Name)
	}

	for _, path := range cfg.CellRegistrationFiles {
		name := cellRegistrationStream + ":" + filepath.Base(path)
		if !c.exists(logger, cellRegistrationStream, path) {
			continue
		}
		if err := addCellRegistration(cfg, f, path); err != nil {
			omit(name, err)
			continue
		}
		report.Included = append(report.Included, name)
	}
	return f, nil
}

func source[T any](st *stream.Stream) (T, error) {
	src, ok := st.Source().(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: unexpected source %T", stream.ErrWrongKind, st.Source())
	}
	return src, nil
}

func frameIndices(n int) nwb.Values {
	out := make(nwb.Values, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func addImaging(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	ts, err := st.Timestamps(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.MiniscopeTimestamps](st)
	if err != nil {
		return err
	}

	device := nwb.Device{Name: "Miniscope", Manufacturer: "Open Ephys", Description: "UCLA Miniscope"}
	if mc, err := sources.ReadMiniscopeConfig(src.Folder); err == nil {
		if mc.Name != "" {
			device.Name = mc.Name
		}
		device.Settings = mc.Settings
	}
	f.AddDevice(device)

	f.Acquisition = append(f.Acquisition, &nwb.TimeSeries{
		Name:        "OnePhotonSeries",
		Description: "Frame index of the Miniscope recordings in " + src.Folder,
		Unit:        "frame",
		Data:        frameIndices(len(ts)),
		Timestamps:  ts,
		Device:      device.Name,
	})
	return nil
}

// minianFields are the Minian trace arrays converted, denoised first
var minianFields = []struct {
	Field       string
	Name        string
	Description string
	Required    bool
}{
	{"C", "RoiResponseSeries", "Denoised fluorescence traces", true},
	{"S", "DeconvolvedSeries", "Deconvolved activity traces", false},
	{"b0", "BaselineSeries", "Baseline fluorescence of each unit", false},
	{"f", "BackgroundSeries", "Temporal activity of the spatial background", false},
}

func addSegmentation(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	ts, err := st.Timestamps(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.MinianTimestamps](st)
	if err != nil {
		return err
	}

	var series []*nwb.TimeSeries
	for _, field := range minianFields {
		traces, err := sources.ReadMinianTraces(src.Folder, field.Field, cfg.stubFrames())
		if err != nil {
			if field.Required {
				return err
			}
			continue
		}
		if len(traces.Data) != len(ts) {
			return fmt.Errorf("%s: %d frames of traces for %d timestamps", field.Field, len(traces.Data), len(ts))
		}
		matrix := make([]nwb.Values, len(traces.Data))
		for i, row := range traces.Data {
			matrix[i] = row
		}
		series = append(series, &nwb.TimeSeries{
			Name:        field.Name,
			Description: field.Description,
			Unit:        "n.a.",
			Matrix:      matrix,
			Columns:     traces.UnitIDs,
			Timestamps:  ts,
		})
	}

	// traces without footprints are still useful
	var tables []*nwb.DynamicTable
	if footprints, err := sources.ReadMinianFootprints(src.Folder); err == nil {
		if len(footprints.UnitIDs) != len(series[0].Columns) {
			return fmt.Errorf("A: %d footprints for %d traced units", len(footprints.UnitIDs), len(series[0].Columns))
		}
		tables = append(tables, planeSegmentation("PlaneSegmentation",
			"Spatial footprints of the units segmented by Minian", footprints))
		if background, err := sources.ReadMinianBackground(src.Folder); err == nil {
			tables = append(tables, planeSegmentation("BackgroundPlaneSegmentation",
				"Spatial footprint of the Minian background component", background))
		}
	}

	m := f.Module(ophysModule, minianDescription)
	m.TimeSeries = append(m.TimeSeries, series...)
	m.Tables = append(m.Tables, tables...)
	return nil
}

const minianDescription = "Optical physiology data obtained by processing raw imaging data with Minian"

// planeSegmentation lays out footprints as one row per ROI with a flattened
// image mask, its weighted centroid and an acceptance flag
func planeSegmentation(name, description string, fp *sources.Footprints) *nwb.DynamicTable {
	n := len(fp.Masks)
	ids := make([]int64, n)
	masks := make([]nwb.Values, n)
	xs, ys := make([]float64, n), make([]float64, n)
	accepted := make([]int64, n)
	for i := range fp.Masks {
		ids[i] = int64(fp.UnitIDs[i])
		masks[i] = fp.Masks[i]
		xs[i], ys[i] = fp.Centroid(i)
		accepted[i] = 1
	}
	return &nwb.DynamicTable{
		Name:        name,
		Description: description,
		Columns: []nwb.VectorData{
			nwb.IntColumn("roi_id", "Minian unit id", ids),
			nwb.ArrayColumn("image_mask", "Row-major height by width footprint weights", masks),
			nwb.FloatColumn("roi_centroid_x", "Weighted centroid column in pixels", xs),
			nwb.FloatColumn("roi_centroid_y", "Weighted centroid row in pixels", ys),
			nwb.IntColumn("accepted", "1 if the ROI is accepted", accepted),
		},
		Attributes: map[string]string{
			"height": strconv.Itoa(fp.Height),
			"width":  strconv.Itoa(fp.Width),
		},
	}
}

func addMotionCorrection(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	ts, err := st.Timestamps(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.MinianTimestamps](st)
	if err != nil {
		return err
	}
	shifts, err := sources.ReadMinianMotion(src.Folder, cfg.stubFrames())
	if err != nil {
		return err
	}
	if len(shifts) != len(ts) {
		return fmt.Errorf("motion: %d shifts for %d timestamps", len(shifts), len(ts))
	}
	matrix := make([]nwb.Values, len(shifts))
	for i, row := range shifts {
		matrix[i] = row
	}
	m := f.Module(ophysModule, minianDescription)
	m.TimeSeries = append(m.TimeSeries, &nwb.TimeSeries{
		Name:        "xy_translation",
		Description: "MotionCorrection: the x, y shifts for the OnePhotonSeries imaging data",
		Unit:        "px",
		Matrix:      matrix,
		Timestamps:  ts,
	})
	return nil
}

func addVideo(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	ts, err := st.Timestamps(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.VideoTimestamps](st)
	if err != nil {
		return err
	}
	f.AddDevice(nwb.Device{Name: "BehavioralCamera", Description: "Camera recording the animal during the session"})
	f.Acquisition = append(f.Acquisition, &nwb.TimeSeries{
		Name:        "BehavioralVideo",
		Description: "Frame index of the external video files " + strings.Join(src.Paths, ", "),
		Unit:        "frame",
		Data:        frameIndices(len(ts)),
		Timestamps:  ts,
		Device:      "BehavioralCamera",
	})
	return nil
}

func intervalTable(name, description string, set timeline.IntervalSet) *nwb.TimeIntervals {
	table := &nwb.TimeIntervals{
		Name:        name,
		Description: description,
		StartTime:   set.Starts(),
		StopTime:    set.Stops(),
	}
	for i, interval := range set {
		if interval.Open {
			if table.Open == nil {
				table.Open = make([]bool, len(set))
			}
			table.Open[i] = true
		}
	}
	return table
}

func addFreezingIntervals(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	set, err := st.Intervals(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.FreezingIntervals](st)
	if err != nil {
		return err
	}
	params, err := sources.FreezingMotion{Path: src.Path}.Parameters()
	if err != nil {
		return err
	}

	summary := timeline.Summarize(set)
	table := intervalTable("FreezingIntervals", params.Description(), set)
	table.TimeSeries = []string{"MotionSeries"}
	table.Attributes = map[string]string{
		"motion_cutoff":       params.MotionCutoff,
		"freeze_threshold":    params.FreezeThreshold,
		"min_freeze_duration": params.MinFreezeDuration,
		"bouts":               strconv.Itoa(summary.Bouts),
		"total_seconds":       formatSeconds(summary.Total),
		"mean_seconds":        formatSeconds(summary.Mean),
		"longest_seconds":     formatSeconds(summary.Longest),
	}
	m := f.Module(behaviorModule, "Contains behavior data")
	m.Intervals = append(m.Intervals, table)

	binned, err := freezingPerMinute(set)
	if err != nil {
		return err
	}
	if binned != nil {
		m.Tables = append(m.Tables, binned)
	}
	return nil
}

const freezingBinSeconds = 60.0

// freezingPerMinute reports the percentage of each minute spent freezing,
// from the first minute that contains a bout to the end of the last bout.
func freezingPerMinute(set timeline.IntervalSet) (*nwb.DynamicTable, error) {
	if len(timeline.Durations(set)) == 0 {
		return nil, nil
	}
	start, stop := math.Inf(1), math.Inf(-1)
	for _, iv := range set {
		if iv.Open {
			continue
		}
		start = math.Min(start, iv.Start)
		stop = math.Max(stop, iv.Stop)
	}
	start = math.Floor(start/freezingBinSeconds) * freezingBinSeconds
	end := math.Ceil(stop/freezingBinSeconds) * freezingBinSeconds
	if end <= start {
		end = start + freezingBinSeconds
	}
	windows, err := timeline.CreateTumblingWindows(start, end, freezingBinSeconds)
	if err != nil {
		return nil, err
	}

	coverage := timeline.Coverage(set, windows)
	binStart := make([]float64, len(windows))
	binStop := make([]float64, len(windows))
	percent := make([]float64, len(windows))
	for i, w := range windows {
		binStart[i], binStop[i] = w.Start, w.Stop
		percent[i] = 100 * coverage[i]
	}
	return &nwb.DynamicTable{
		Name:        "FreezingPerMinute",
		Description: "Percentage of each one-minute bin spent freezing.",
		Columns: []nwb.VectorData{
			nwb.FloatColumn("bin_start", "Start of the bin in seconds.", binStart),
			nwb.FloatColumn("bin_stop", "Stop of the bin in seconds.", binStop),
			nwb.FloatColumn("percent_freezing", "Freezing time as a percentage of the bin.", percent),
		},
	}, nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func addFreezingMotion(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	start, err := st.StartingTime(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.FreezingMotion](st)
	if err != nil {
		return err
	}
	motion, err := src.Motion(cfg.stubFrames())
	if err != nil {
		return err
	}
	m := f.Module(behaviorModule, "Contains behavior data")
	m.TimeSeries = append(m.TimeSeries, &nwb.TimeSeries{
		Name:         "MotionSeries",
		Description:  "Motion measured by ezTrack as the number of pixels changed between consecutive frames",
		Unit:         "n.a.",
		Data:         motion,
		StartingTime: &start,
		Rate:         st.SamplingRate,
	})
	return nil
}

const sleepStateDescription = "Sleep state classification, one of: " +
	"'quiet wake' (awake and at rest), " +
	"'rem' (rapid eye movement sleep), " +
	"'sws' (slow-wave non-REM sleep), " +
	"'wake' (awake and moving)."

func addSleepIntervals(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	set, err := st.Intervals(ctx)
	if err != nil {
		return err
	}
	table := intervalTable("SleepIntervals",
		"Sleep states classified with custom algorithm using the data from the HD-X02 sensor (EEG, EMG, temperature, etc.).", set)
	table.AddColumn(nwb.StringColumn("sleep_state", sleepStateDescription, set.Labels()))
	m := f.Module(sleepModule, "Sleep data")
	m.Intervals = append(m.Intervals, table)
	return nil
}

func addSleepEvents(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	ts, err := st.Timestamps(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.SleepEvents](st)
	if err != nil {
		return err
	}
	labels, err := src.Labels()
	if err != nil {
		return err
	}
	events, err := nwb.NewLabeledEvents("SleepStates", sleepStateDescription, ts, labels)
	if err != nil {
		return err
	}
	m := f.Module(sleepModule, "Sleep data")
	m.Events = append(m.Events, events)
	return nil
}

func addTelemetry(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	start, err := st.StartingTime(ctx)
	if err != nil {
		return err
	}
	src, err := source[*sources.EDFSignals](st)
	if err != nil {
		return err
	}
	data, err := src.Data()
	if err != nil {
		return err
	}

	f.AddDevice(nwb.Device{Name: "HD-X02", Manufacturer: "Data Science International",
		Description: "Wireless telemetry probe recording EEG, EMG, temperature and activity"})
	channels := src.Channels
	if len(channels) == 0 {
		channels = sources.TelemetryChannels
	}
	for _, ch := range channels {
		offset := start
		f.Acquisition = append(f.Acquisition, &nwb.TimeSeries{
			Name:         ch.Name,
			Description:  ch.Description,
			Unit:         ch.Unit,
			Data:         data.Signals[ch.Label],
			StartingTime: &offset,
			Rate:         data.Rate,
			Device:       "HD-X02",
		})
	}
	return nil
}

func addShockStimuli(ctx context.Context, cfg *SessionConfig, f *nwb.File, st *stream.Stream) error {
	set, err := st.Intervals(ctx)
	if err != nil {
		return err
	}
	src, err := source[sources.ShockStimuli](st)
	if err != nil {
		return err
	}
	amplitudes := make([]float64, len(set))
	for i := range amplitudes {
		amplitudes[i] = src.Amplitude
	}
	table := intervalTable("ShockStimuli",
		"During aversive encoding, after a baseline period of 2 min, mice received three 2 s foot shocks "+
			"with an intershock interval of 1 min. All testing was done in Med Associates chambers.", set)
	table.AddColumn(nwb.FloatColumn("shock_amplitude", "Shock amplitude in mA", amplitudes))
	f.Intervals = append(f.Intervals, table)
	return nil
}

func addCellRegistration(cfg *SessionConfig, f *nwb.File, path string) error {
	reg, err := sources.ReadCellRegistration(path, cfg.SubjectID, cfg.stubFrames())
	if err != nil {
		return err
	}
	table := &nwb.DynamicTable{
		Name: reg.Name,
		Description: fmt.Sprintf("Global ROI ids (rows) matched to the ROI ids of each registered session (columns); "+
			"%d marks a cell without a match", sources.NoMatch),
	}
	for _, col := range reg.Columns {
		table.Columns = append(table.Columns, nwb.IntColumn(col,
			fmt.Sprintf("ROI ids in %s, %d matched", col, reg.Matched(col)), reg.Data[col]))
	}
	m := f.Module(cellRegistrationModule, "Cross sessions cell registration")
	m.Tables = append(m.Tables, table)
	return nil
}
