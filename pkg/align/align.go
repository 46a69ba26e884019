// Package align moves every stream of a session onto the reference stream's
// clock so that the reference starts at zero.
package align

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/leowmjw/go-nwb-convert/pkg/stream"
	"github.com/leowmjw/go-nwb-convert/pkg/timeline"
)

// DefaultReference is the stream whose clock every session is aligned to
const DefaultReference = "MiniscopeImaging"

// ErrEmptyReference is returned when the reference stream has no first timestamp.
var ErrEmptyReference = errors.New("reference stream has no timestamps")

// MissingReference decides what Run does when the reference stream is absent,
// unreadable or empty.
type MissingReference string

const (
	// SkipAlignment keeps every stream on its original clock.
	SkipAlignment MissingReference = "skip"
	// AbortAlignment returns the error to the caller.
	AbortAlignment MissingReference = "abort"
)

// ParseMissingReference converts a config string into a MissingReference.
// An empty string selects SkipAlignment.
func ParseMissingReference(s string) (MissingReference, error) {
	switch MissingReference(s) {
	case "":
		return SkipAlignment, nil
	case SkipAlignment, AbortAlignment:
		return MissingReference(s), nil
	default:
		return "", fmt.Errorf("unknown missing reference policy %q (want skip or abort)", s)
	}
}

// Policy configures a single alignment run
type Policy struct {
	Reference          string
	OnMissingReference MissingReference
	Logger             *slog.Logger
}

func (p Policy) reference() string {
	if p.Reference == "" {
		return DefaultReference
	}
	return p.Reference
}

func (p Policy) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Result describes the outcome of an alignment run
type Result struct {
	// Session is the aligned copy; the session passed to Run is never modified.
	Session *stream.Session
	Shift   float64
	Applied bool
	// SkipReason is set when alignment was skipped under SkipAlignment.
	SkipReason string
	// StreamErrors holds non-reference streams that could not be read and
	// therefore kept no aligned value.
	StreamErrors map[string]error
}

// ComputeShift returns the offset that moves a negative first timestamp to zero.
// A first timestamp at or after zero needs no shift.
func ComputeShift(timestamps []float64) (float64, error) {
	if len(timestamps) == 0 {
		return 0, ErrEmptyReference
	}
	first := timestamps[0]
	if math.IsNaN(first) || math.IsInf(first, 0) {
		return 0, fmt.Errorf("%w: first timestamp is %v", ErrEmptyReference, first)
	}
	if first >= 0 {
		return 0, nil
	}
	return math.Abs(first), nil
}

// Run aligns a copy of session to the reference stream and returns it. The
// input session is left untouched, so running twice on the same input can
// never shift a stream twice.
func Run(ctx context.Context, session *stream.Session, policy Policy) (*Result, error) {
	logger := policy.logger()
	reference := policy.reference()

	aligned := session.Clone()
	result := &Result{Session: aligned, StreamErrors: map[string]error{}}

	ref, err := aligned.Get(reference)
	if err != nil {
		return skipOrAbort(result, policy, fmt.Errorf("reference %s: %w", reference, err), logger)
	}

	refTimestamps, err := ref.OriginalTimestamps(ctx)
	if err != nil {
		return skipOrAbort(result, policy, err, logger)
	}

	shift, err := ComputeShift(refTimestamps)
	if err != nil {
		return skipOrAbort(result, policy, fmt.Errorf("reference %s: %w", reference, err), logger)
	}
	if shift == 0 {
		logger.Debug("Reference starts at or after zero, no alignment needed",
			"session", aligned.Metadata.SessionID, "reference", reference)
		return result, nil
	}

	floats.AddConst(shift, refTimestamps)
	ref.SetAlignedTimestamps(refTimestamps)

	for _, st := range aligned.Streams() {
		if st.Name == reference {
			continue
		}
		if err := shiftStream(ctx, st, shift); err != nil {
			logger.Warn("Stream left on original clock", "session", aligned.Metadata.SessionID, "stream", st.Name, "error", err)
			result.StreamErrors[st.Name] = err
		}
	}

	if !aligned.Metadata.StartTime.IsZero() {
		aligned.Metadata.StartTime = aligned.Metadata.StartTime.Add(-secondsToDuration(shift))
	}

	result.Shift = shift
	result.Applied = true
	logger.Info("Aligned session streams",
		"session", aligned.Metadata.SessionID,
		"reference", reference,
		"shift_seconds", shift,
		"streams", len(aligned.Streams()),
	)
	return result, nil
}

func shiftStream(ctx context.Context, st *stream.Stream, shift float64) error {
	switch st.Kind {
	case stream.Continuous, stream.LabeledEvents:
		ts, err := st.OriginalTimestamps(ctx)
		if err != nil {
			return err
		}
		floats.AddConst(shift, ts)
		st.SetAlignedTimestamps(ts)
	case stream.Interval:
		set, err := st.OriginalIntervals(ctx)
		if err != nil {
			return err
		}
		st.SetAlignedIntervals(timeline.Shift(set, shift))
	case stream.ScalarOffset:
		start, err := st.OriginalStartingTime(ctx)
		if err != nil {
			return err
		}
		st.SetAlignedStartingTime(start + shift)
	default:
		return fmt.Errorf("%w: %q", stream.ErrWrongKind, st.Kind)
	}
	return nil
}

func skipOrAbort(result *Result, policy Policy, cause error, logger *slog.Logger) (*Result, error) {
	if policy.OnMissingReference == AbortAlignment {
		return nil, fmt.Errorf("alignment aborted: %w", cause)
	}
	result.SkipReason = cause.Error()
	logger.Warn("Alignment skipped, streams keep original timestamps",
		"session", result.Session.Metadata.SessionID, "reason", result.SkipReason)
	return result, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
