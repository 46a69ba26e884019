// Package convert turns the raw recordings of one session into an NWB file:
// it registers a stream per discovered source, aligns the session to the
// imaging clock and assembles the output from the effective stream values.
package convert

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/leowmjw/go-nwb-convert/pkg/align"
	"github.com/leowmjw/go-nwb-convert/pkg/sources"
	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

const (
	// DefaultVideoSamplingFrequency is the behavior camera frame rate used by
	// the freezing and sleep tables
	DefaultVideoSamplingFrequency = 30.0
	// StubFrames is the number of samples kept per stream by a stub conversion
	StubFrames = 100
	// StubDir is the output sub-directory of stub conversions
	StubDir = "nwb_stub"

	startTimeLayout = "2006_01_02 15_04_05"
)

// Subject describes the animal recorded in a session
type Subject struct {
	Species     string `json:"species,omitempty"`
	Sex         string `json:"sex,omitempty"`
	Age         string `json:"age,omitempty"`
	Strain      string `json:"strain,omitempty"`
	Description string `json:"description,omitempty"`
}

// ShockConfig enables the shock stimulus table of a conditioning session
type ShockConfig struct {
	Times     []float64 `json:"times,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Amplitude float64   `json:"amplitude"`
}

// SessionConfig locates every source file of one session. Empty paths
// disable the modality; paths that do not exist are logged and skipped.
type SessionConfig struct {
	SessionID    string   `json:"session_id"`
	SubjectID    string   `json:"subject_id"`
	Description  string   `json:"description,omitempty"`
	Experimenter []string `json:"experimenter,omitempty"`
	Institution  string   `json:"institution,omitempty"`
	Lab          string   `json:"lab,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Subject      Subject  `json:"subject"`

	// StartTime is used when the Miniscope metadata has no recording start
	// time. Accepts "2006_01_02 15_04_05" or RFC 3339.
	StartTime string `json:"start_time,omitempty"`
	// Timezone is the IANA zone of the lab clocks that wrote the Miniscope
	// metadata, the EDF header and StartTime. Defaults to UTC.
	Timezone string `json:"timezone,omitempty"`

	// SessionFolder holds the Miniscope session metaData.json and device folders.
	SessionFolder string `json:"session_folder,omitempty"`
	// MiniscopeFolder overrides the device folder resolved from SessionFolder.
	MiniscopeFolder string `json:"miniscope_folder,omitempty"`
	MinianFolder    string `json:"minian_folder,omitempty"`

	VideoFiles []string `json:"video_files,omitempty"`
	// VideoRate overrides the frame rate stored in the video headers.
	VideoRate float64 `json:"video_rate,omitempty"`

	FreezingFile           string  `json:"freezing_file,omitempty"`
	SleepFile              string  `json:"sleep_file,omitempty"`
	VideoSamplingFrequency float64 `json:"video_sampling_frequency,omitempty"`

	EDFFile string `json:"edf_file,omitempty"`
	// SliceEDF cuts the telemetry down to the wall-clock range of the imaging.
	SliceEDF bool `json:"slice_edf,omitempty"`
	// RunTimeFile is a Med Associates report whose run time bounds the EDF
	// slice when no imaging is available.
	RunTimeFile string `json:"run_time_file,omitempty"`

	Shock *ShockConfig `json:"shock,omitempty"`

	CellRegistrationFiles []string `json:"cell_registration_files,omitempty"`

	LeadingIntervals   string `json:"leading_intervals,omitempty"`
	TrailingIntervals  string `json:"trailing_intervals,omitempty"`
	OnMissingReference string `json:"on_missing_reference,omitempty"`

	OutputDir string `json:"output_dir"`
	Stub      bool   `json:"stub,omitempty"`
}

// Validate checks the fields that do not depend on the filesystem
func (c *SessionConfig) Validate() error {
	var errs []error
	if c.SessionID == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	if c.SubjectID == "" {
		errs = append(errs, errors.New("subject_id is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.VideoSamplingFrequency < 0 {
		errs = append(errs, fmt.Errorf("video_sampling_frequency must be positive, got %g", c.VideoSamplingFrequency))
	}
	if c.VideoRate < 0 {
		errs = append(errs, fmt.Errorf("video_rate must be positive, got %g", c.VideoRate))
	}
	if _, err := timeline.ParseLeadingPolicy(c.LeadingIntervals); err != nil {
		errs = append(errs, err)
	}
	if _, err := timeline.ParseTrailingPolicy(c.TrailingIntervals); err != nil {
		errs = append(errs, err)
	}
	if _, err := align.ParseMissingReference(c.OnMissingReference); err != nil {
		errs = append(errs, err)
	}
	loc, err := LoadTimezone(c.Timezone)
	if err != nil {
		errs = append(errs, err)
	}
	if c.StartTime != "" && err == nil {
		if _, err := ParseStartTime(c.StartTime, loc); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Shock != nil && c.Shock.Duration < 0 {
		errs = append(errs, fmt.Errorf("shock duration must be positive, got %g", c.Shock.Duration))
	}
	return errors.Join(errs...)
}

func (c *SessionConfig) samplingFrequency() float64 {
	if c.VideoSamplingFrequency > 0 {
		return c.VideoSamplingFrequency
	}
	return DefaultVideoSamplingFrequency
}

func (c *SessionConfig) stubFrames() int {
	if c.Stub {
		return StubFrames
	}
	return 0
}

func (c *SessionConfig) location() *time.Location {
	loc, err := LoadTimezone(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *SessionConfig) leading() timeline.LeadingPolicy {
	p, _ := timeline.ParseLeadingPolicy(c.LeadingIntervals)
	return p
}

func (c *SessionConfig) trailing() timeline.TrailingPolicy {
	p, _ := timeline.ParseTrailingPolicy(c.TrailingIntervals)
	return p
}

func (c *SessionConfig) shock() sources.ShockStimuli {
	return sources.ShockStimuli{Times: c.Shock.Times, Duration: c.Shock.Duration, Amplitude: c.Shock.Amplitude}
}

// OutputPath returns where the converted file is written
func (c *SessionConfig) OutputPath() string {
	dir := c.OutputDir
	if c.Stub {
		dir = filepath.Join(dir, StubDir)
	}
	return filepath.Join(dir, c.SessionID+".nwb.json")
}

// LoadTimezone resolves an IANA zone name. An empty name selects UTC.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", name, err)
	}
	return loc, nil
}

// ParseStartTime accepts the "2006_01_02 15_04_05" folder layout used by the
// acquisition software, read as wall-clock time in loc, or RFC 3339.
func ParseStartTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation(startTimeLayout, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start_time %q: want %q or RFC 3339", s, startTimeLayout)
	}
	return t, nil
}
