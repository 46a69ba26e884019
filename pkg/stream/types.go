package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

// Kind identifies how a stream's time axis is represented
type Kind string

// Stream kinds
const (
	Continuous    Kind = "continuous"
	Interval      Kind = "interval"
	LabeledEvents Kind = "labeled_events"
	ScalarOffset  Kind = "scalar_offset"
)

var (
	// ErrNotFound is returned when a session has no stream with the requested name.
	ErrNotFound = errors.New("stream not found")
	// ErrWrongKind is returned when an accessor does not match the stream's kind.
	ErrWrongKind = errors.New("accessor does not match stream kind")
)

// TimestampSource reads one timestamp per sample, in seconds
type TimestampSource interface {
	Timestamps(ctx context.Context) ([]float64, error)
}

// IntervalSource reads start/stop interval pairs, in seconds
type IntervalSource interface {
	Intervals(ctx context.Context) (timeline.IntervalSet, error)
}

// StartingTimeSource reads the offset of the first sample of a fixed-rate series
type StartingTimeSource interface {
	StartingTime(ctx context.Context) (float64, error)
	Rate() float64
}

// SourceReadError reports a backing file that is missing, unreadable or malformed.
type SourceReadError struct {
	Stream string
	Path   string
	Err    error
}

func (e *SourceReadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("read stream %s: %v", e.Stream, e.Err)
	}
	return fmt.Sprintf("read stream %s from %s: %v", e.Stream, e.Path, e.Err)
}

func (e *SourceReadError) Unwrap() error {
	return e.Err
}

// PathError lets readers report which file failed without knowing the stream name
type PathError interface {
	error
	FilePath() string
}

func wrapReadError(name string, err error) error {
	var already *SourceReadError
	if errors.As(err, &already) {
		return err
	}
	readErr := &SourceReadError{Stream: name, Err: err}
	var pathErr PathError
	if errors.As(err, &pathErr) {
		readErr.Path = pathErr.FilePath()
	}
	return readErr
}

// Metadata carries session-level facts shared by every stream
type Metadata struct {
	SessionID   string    `json:"session_id"`
	SubjectID   string    `json:"subject_id"`
	StartTime   time.Time `json:"start_time"`
	Description string    `json:"description,omitempty"`
}
