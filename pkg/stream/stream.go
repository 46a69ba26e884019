package stream

import (
	"context"
	"fmt"

	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

// Stream is one named time axis within a session. The original values are
// read lazily from the backing source and memoized; the aligned slots stay
// nil until alignment sets them.
//
// A Stream is owned by exactly one session and is not safe for concurrent use.
type Stream struct {
	Name         string
	Kind         Kind
	SamplingRate float64
	Description  string

	source any

	loaded  bool
	loadErr error

	originalTimestamps []float64
	originalIntervals  timeline.IntervalSet
	originalStart      float64

	alignedTimestamps []float64
	alignedIntervals  timeline.IntervalSet
	alignedStart      *float64
}

// NewContinuous creates a stream with one timestamp per sample
func NewContinuous(name string, src TimestampSource) *Stream {
	return &Stream{Name: name, Kind: Continuous, source: src}
}

// NewLabeledEvents creates a stream of labeled events, one timestamp per event
func NewLabeledEvents(name string, src TimestampSource) *Stream {
	return &Stream{Name: name, Kind: LabeledEvents, source: src}
}

// NewInterval creates a stream of start/stop intervals
func NewInterval(name string, src IntervalSource) *Stream {
	return &Stream{Name: name, Kind: Interval, source: src}
}

// NewScalarOffset creates a fixed-rate stream described by its starting time.
// SamplingRate is filled in from the source when the stream is first read.
func NewScalarOffset(name string, src StartingTimeSource) *Stream {
	return &Stream{Name: name, Kind: ScalarOffset, source: src}
}

// Source returns the reader backing the stream, for consumers that need the
// sample payload as well as the time axis.
func (s *Stream) Source() any {
	return s.source
}

func (s *Stream) load(ctx context.Context) error {
	if s.loaded {
		return s.loadErr
	}
	s.loaded = true

	switch s.Kind {
	case Continuous, LabeledEvents:
		src, ok := s.source.(TimestampSource)
		if !ok {
			s.loadErr = wrapReadError(s.Name, fmt.Errorf("%w: %s stream has no timestamp source", ErrWrongKind, s.Kind))
			return s.loadErr
		}
		ts, err := src.Timestamps(ctx)
		if err != nil {
			s.loadErr = wrapReadError(s.Name, err)
			return s.loadErr
		}
		s.originalTimestamps = ts
	case Interval:
		src, ok := s.source.(IntervalSource)
		if !ok {
			s.loadErr = wrapReadError(s.Name, fmt.Errorf("%w: interval stream has no interval source", ErrWrongKind))
			return s.loadErr
		}
		set, err := src.Intervals(ctx)
		if err != nil {
			s.loadErr = wrapReadError(s.Name, err)
			return s.loadErr
		}
		s.originalIntervals = set
	case ScalarOffset:
		src, ok := s.source.(StartingTimeSource)
		if !ok {
			s.loadErr = wrapReadError(s.Name, fmt.Errorf("%w: scalar offset stream has no starting time source", ErrWrongKind))
			return s.loadErr
		}
		start, err := src.StartingTime(ctx)
		if err != nil {
			s.loadErr = wrapReadError(s.Name, err)
			return s.loadErr
		}
		s.originalStart = start
		s.SamplingRate = src.Rate()
	default:
		s.loadErr = wrapReadError(s.Name, fmt.Errorf("%w: unknown kind %q", ErrWrongKind, s.Kind))
	}
	return s.loadErr
}

// OriginalTimestamps returns the timestamps as read from the source. The
// source is read at most once; later calls return the memoized result,
// including a memoized read error.
func (s *Stream) OriginalTimestamps(ctx context.Context) ([]float64, error) {
	if s.Kind != Continuous && s.Kind != LabeledEvents {
		return nil, fmt.Errorf("%s: %w: %s has no timestamps", s.Name, ErrWrongKind, s.Kind)
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return cloneFloats(s.originalTimestamps), nil
}

// OriginalIntervals returns the intervals as read from the source
func (s *Stream) OriginalIntervals(ctx context.Context) (timeline.IntervalSet, error) {
	if s.Kind != Interval {
		return nil, fmt.Errorf("%s: %w: %s has no intervals", s.Name, ErrWrongKind, s.Kind)
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s.originalIntervals.Clone(), nil
}

// OriginalStartingTime returns the starting time as read from the source
func (s *Stream) OriginalStartingTime(ctx context.Context) (float64, error) {
	if s.Kind != ScalarOffset {
		return 0, fmt.Errorf("%s: %w: %s has no starting time", s.Name, ErrWrongKind, s.Kind)
	}
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	return s.originalStart, nil
}

// SetAlignedTimestamps replaces the aligned timestamps
func (s *Stream) SetAlignedTimestamps(values []float64) {
	s.alignedTimestamps = cloneFloats(values)
	if s.alignedTimestamps == nil {
		s.alignedTimestamps = []float64{}
	}
}

// SetAlignedIntervals replaces the aligned intervals
func (s *Stream) SetAlignedIntervals(set timeline.IntervalSet) {
	s.alignedIntervals = set.Clone()
	if s.alignedIntervals == nil {
		s.alignedIntervals = timeline.IntervalSet{}
	}
}

// SetAlignedStartingTime replaces the aligned starting time
func (s *Stream) SetAlignedStartingTime(value float64) {
	s.alignedStart = &value
}

// IsAligned reports whether any aligned slot has been set
func (s *Stream) IsAligned() bool {
	return s.alignedTimestamps != nil || s.alignedIntervals != nil || s.alignedStart != nil
}

// Timestamps returns the aligned timestamps if set, otherwise the original ones
func (s *Stream) Timestamps(ctx context.Context) ([]float64, error) {
	if s.alignedTimestamps != nil {
		return cloneFloats(s.alignedTimestamps), nil
	}
	return s.OriginalTimestamps(ctx)
}

// Intervals returns the aligned intervals if set, otherwise the original ones
func (s *Stream) Intervals(ctx context.Context) (timeline.IntervalSet, error) {
	if s.alignedIntervals != nil {
		return s.alignedIntervals.Clone(), nil
	}
	return s.OriginalIntervals(ctx)
}

// StartingTime returns the aligned starting time if set, otherwise the original one
func (s *Stream) StartingTime(ctx context.Context) (float64, error) {
	if s.alignedStart != nil {
		return *s.alignedStart, nil
	}
	return s.OriginalStartingTime(ctx)
}

// Clone returns a copy that shares the read-only source but owns its own
// memoized data and aligned slots.
func (s *Stream) Clone() *Stream {
	c := &Stream{
		Name:               s.Name,
		Kind:               s.Kind,
		SamplingRate:       s.SamplingRate,
		Description:        s.Description,
		source:             s.source,
		loaded:             s.loaded,
		loadErr:            s.loadErr,
		originalTimestamps: cloneFloats(s.originalTimestamps),
		originalIntervals:  s.originalIntervals.Clone(),
		originalStart:      s.originalStart,
		alignedTimestamps:  cloneFloats(s.alignedTimestamps),
		alignedIntervals:   s.alignedIntervals.Clone(),
	}
	if s.alignedStart != nil {
		v := *s.alignedStart
		c.alignedStart = &v
	}
	return c
}

func cloneFloats(values []float64) []float64 {
	if values == nil {
		return nil
	}
	out := make([]float64, len(values))
	copy(out, values)
	return out
}
