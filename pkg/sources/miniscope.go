package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// TimestampsFile is the per-device frame timestamp table written by the Miniscope DAQ software
	TimestampsFile = "timeStamps.csv"
	// MetadataFile holds the recording start time (session folder) or device settings (device folder)
	MetadataFile = "metaData.json"

	timestampColumn   = "Time Stamp (ms)"
	frameNumberColumn = "Frame Number"
)

// MiniscopeTimestamps reads the imaging frame timestamps of one Miniscope
// device folder, converted from milliseconds to seconds. The first value is
// allowed to be negative; alignment moves it to zero.
type MiniscopeTimestamps struct {
	Folder string
	// Stub limits the number of frames read, 0 reads everything.
	Stub int
}

// Timestamps implements stream.TimestampSource
func (m MiniscopeTimestamps) Timestamps(ctx context.Context) ([]float64, error) {
	t, err := readTable(filepath.Join(m.Folder, TimestampsFile))
	if err != nil {
		return nil, err
	}
	ms, err := t.floats(timestampColumn)
	if err != nil {
		return nil, err
	}
	seconds := make([]float64, len(ms))
	for i, v := range ms {
		seconds[i] = v / 1000.0
	}
	return stub(seconds, m.Stub), nil
}

// MiniscopeConfig is the device metadata stored next to the imaging videos
type MiniscopeConfig struct {
	Name      string
	FrameRate float64
	Settings  map[string]any
}

// ReadMiniscopeConfig reads metaData.json of a Miniscope device folder. The
// frame rate is stored as text such as "30.0FPS".
func ReadMiniscopeConfig(folder string) (*MiniscopeConfig, error) {
	path := filepath.Join(folder, MetadataFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	settings := map[string]any{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fileError(path, err)
	}

	cfg := &MiniscopeConfig{Settings: settings}
	if name, ok := settings["name"].(string); ok {
		cfg.Name = name
	}
	switch v := settings["frameRate"].(type) {
	case string:
		rate, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "FPS")), 64)
		if err != nil {
			return nil, fileError(path, fmt.Errorf("invalid frameRate %q", v))
		}
		cfg.FrameRate = rate
	case float64:
		cfg.FrameRate = v
	}
	return cfg, nil
}

type startTimeFields struct {
	Year   *int `json:"year"`
	Month  *int `json:"month"`
	Day    *int `json:"day"`
	Hour   *int `json:"hour"`
	Minute *int `json:"minute"`
	Second *int `json:"second"`
	Msec   *int `json:"msec"`
}

// SessionStartTime reads the recording start time from the session folder's
// metaData.json, either from its "recordingStartTime" object or from the top
// level document. The fields are wall-clock time in loc, UTC when nil.
func SessionStartTime(sessionFolder string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	path := filepath.Join(sessionFolder, MetadataFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, fileError(path, err)
	}

	var doc struct {
		RecordingStartTime *startTimeFields `json:"recordingStartTime"`
		startTimeFields
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return time.Time{}, fileError(path, err)
	}

	fields := doc.startTimeFields
	if doc.RecordingStartTime != nil {
		fields = *doc.RecordingStartTime
	}

	required := []struct {
		name  string
		value *int
	}{
		{"year", fields.Year}, {"month", fields.Month}, {"day", fields.Day},
		{"hour", fields.Hour}, {"minute", fields.Minute}, {"second", fields.Second}, {"msec", fields.Msec},
	}
	for _, r := range required {
		if r.value == nil {
			return time.Time{}, fileError(path, fmt.Errorf("missing required key %q", r.name))
		}
	}

	return time.Date(*fields.Year, time.Month(*fields.Month), *fields.Day,
		*fields.Hour, *fields.Minute, *fields.Second, *fields.Msec*int(time.Millisecond), loc), nil
}

// MiniscopeFolder resolves the imaging device folder inside a session folder.
// The session metaData.json lists device folders under "miniscopes"; when it
// does not, the conventional "miniscope" folder is used.
func MiniscopeFolder(sessionFolder string) (string, error) {
	path := filepath.Join(sessionFolder, MetadataFile)
	name := "miniscope"

	raw, err := os.ReadFile(path)
	if err == nil {
		var doc struct {
			Miniscopes []string `json:"miniscopes"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return "", fileError(path, err)
		}
		if len(doc.Miniscopes) > 0 {
			name = strings.ReplaceAll(doc.Miniscopes[0], " ", "_")
		}
	}

	folder := filepath.Join(sessionFolder, name)
	info, err := os.Stat(folder)
	if err != nil {
		return "", fileError(folder, err)
	}
	if !info.IsDir() {
		return "", fileError(folder, fmt.Errorf("not a directory"))
	}
	return folder, nil
}
