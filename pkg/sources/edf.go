package sources

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ishiikurisu/edf"
)

// EDFChannel describes one telemetry channel written to the output
type EDFChannel struct {
	Label       string
	Name        string
	Description string
	Unit        string
}

// TelemetryChannels are the HD-X02 probe channels converted by default
var TelemetryChannels = []EDFChannel{
	{Label: "Temp", Name: "TemperatureSignal", Unit: "celsius",
		Description: "Temperature signal recorder with HD-X02 wireless telemetry probe"},
	{Label: "EEG", Name: "EEGSignal", Unit: "volts",
		Description: "EEG signal recorder with HD-X02 wireless telemetry probe"},
	{Label: "EMG", Name: "EMGSignal", Unit: "volts",
		Description: "EMG signal recorder with HD-X02 wireless telemetry probe"},
	{Label: "Activity", Name: "ActivitySignal", Unit: "n.a.",
		Description: "Activity signal recorder with HD-X02 wireless telemetry probe. It refers to the motion of the " +
			"probe relative to the receiver and it can be used as a proxy for locomotion."},
}

// EDFData is the decoded, optionally sliced content of an EDF file
type EDFData struct {
	StartTime time.Time
	Rate      float64
	Signals   map[string][]float64
}

// EDFSignals reads fixed-rate telemetry channels from an EDF file. The series
// start at zero on the file clock; Start and Stop, when set, restrict the
// samples to that wall-clock range. The header start time is read in
// Location, UTC when nil.
type EDFSignals struct {
	Path     string
	Channels []EDFChannel
	Start    time.Time
	Stop     time.Time
	Stub     int
	Location *time.Location

	once sync.Once
	data *EDFData
	err  error
}

// NewEDFSignals creates a reader for the default telemetry channels
func NewEDFSignals(path string) *EDFSignals {
	return &EDFSignals{Path: path, Channels: TelemetryChannels}
}

// StartingTime implements stream.StartingTimeSource
func (e *EDFSignals) StartingTime(ctx context.Context) (float64, error) {
	if _, err := e.Data(); err != nil {
		return 0, err
	}
	return 0, nil
}

// Rate implements stream.StartingTimeSource
func (e *EDFSignals) Rate() float64 {
	data, err := e.Data()
	if err != nil {
		return 0
	}
	return data.Rate
}

// Data decodes the file once and returns the selected channels
func (e *EDFSignals) Data() (*EDFData, error) {
	e.once.Do(func() {
		e.data, e.err = e.read()
	})
	return e.data, e.err
}

func (e *EDFSignals) read() (data *EDFData, err error) {
	// the edf package panics on truncated or malformed files
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fileError(e.Path, fmt.Errorf("decode edf: %v", r))
		}
	}()

	if _, err := os.Stat(e.Path); err != nil {
		return nil, fileError(e.Path, err)
	}

	raw := edf.ReadFile(e.Path)
	if len(raw.PhysicalRecords) == 0 {
		return nil, fileError(e.Path, fmt.Errorf("no signals in file"))
	}

	start, err := edfStartTime(raw.Header["startdate"], raw.Header["starttime"], e.Location)
	if err != nil {
		return nil, fileError(e.Path, err)
	}

	duration := float64(raw.GetDuration())
	if duration <= 0 {
		return nil, fileError(e.Path, fmt.Errorf("invalid data record duration %v", duration))
	}
	rate := float64(raw.GetSampling()) / duration

	byLabel := map[string][]float64{}
	for i, label := range raw.GetLabels() {
		if i < len(raw.PhysicalRecords) {
			byLabel[strings.ToLower(strings.TrimSpace(label))] = raw.PhysicalRecords[i]
		}
	}

	from, to := 0, -1
	if !e.Start.IsZero() && !e.Stop.IsZero() {
		from, to = sliceBounds(start, rate, e.Start, e.Stop)
	}

	channels := e.Channels
	if len(channels) == 0 {
		channels = TelemetryChannels
	}

	out := &EDFData{StartTime: start, Rate: rate, Signals: make(map[string][]float64, len(channels))}
	for _, ch := range channels {
		samples, ok := byLabel[strings.ToLower(ch.Label)]
		if !ok {
			return nil, fileError(e.Path, fmt.Errorf("channel %q not found", ch.Label))
		}
		out.Signals[ch.Label] = e.window(samples, from, to)
	}
	return out, nil
}

func (e *EDFSignals) window(samples []float64, from, to int) []float64 {
	if to < 0 || to > len(samples) {
		to = len(samples)
	}
	if from > to {
		from = to
	}
	if e.Stub > 0 && to-from > e.Stub {
		to = from + e.Stub
	}
	out := make([]float64, to-from)
	for i, v := range samples[from:to] {
		out[i] = float64(float32(v))
	}
	return out
}

// sliceBounds returns the first sample at or after start and one past the
// last sample at or before stop.
func sliceBounds(fileStart time.Time, rate float64, start, stop time.Time) (int, int) {
	from := math.Ceil(start.Sub(fileStart).Seconds() * rate)
	to := math.Floor(stop.Sub(fileStart).Seconds()*rate) + 1
	if from < 0 {
		from = 0
	}
	if to < from {
		to = from
	}
	return int(from), int(to)
}

// edfStartTime parses the dd.mm.yy and hh.mm.ss header fields
func edfStartTime(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("02.01.06 15.04.05", strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid edf start time: %w", err)
	}
	return t, nil
}

// SessionWindow returns the wall-clock range covered by the imaging
// timestamps, used to cut a long telemetry file down to one session.
func SessionWindow(sessionStart time.Time, imagingTimestamps []float64) (time.Time, time.Time, error) {
	if len(imagingTimestamps) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("no imaging timestamps")
	}
	first := imagingTimestamps[0]
	last := imagingTimestamps[len(imagingTimestamps)-1]
	return sessionStart.Add(seconds(first)), sessionStart.Add(seconds(last)), nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Summary describes the decoded data for logging
func (d *EDFData) Summary() string {
	total := 0
	for _, s := range d.Signals {
		total += len(s)
	}
	return fmt.Sprintf("%s samples in %d channels at %g Hz", humanize.Comma(int64(total)), len(d.Signals), d.Rate)
}
