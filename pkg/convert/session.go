package convert

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leowmjw/go-nwb-convert/pkg/align"
	"github.com/leowmjw/go-nwb-convert/pkg/sources"
	"github.com/leowmjw/go-nwb-convert/pkg/stream"
)

// Stream names registered by BuildSession
const (
	MiniscopeImaging    = align.DefaultReference
	MinianSegmentation  = "MinianSegmentation"
	MinianMotion        = "MinianMotionCorrection"
	Video               = "Video"
	FreezingBehavior    = "FreezingBehavior"
	FreezingMotion      = "FreezingMotion"
	SleepClassification = "SleepClassification"
	SleepEvents         = "SleepEvents"
	EDFSignals          = "EDFSignals"
	ShockStimuli        = "ShockStimuli"
)

// ErrNoStartTime is returned when neither the Miniscope metadata nor the
// config provide a session start time
var ErrNoStartTime = errors.New("session start time unknown")

// BuildSession registers one stream per configured source that exists on
// disk. Nothing is read except the small metadata files needed to resolve
// folders and the session start time.
func (c *Converter) BuildSession(ctx context.Context, cfg *SessionConfig) (*stream.Session, error) {
	logger := c.logger().With("session", cfg.SessionID)

	start, err := c.startTime(cfg, logger)
	if err != nil {
		return nil, err
	}
	session := stream.NewSession(stream.Metadata{
		SessionID:   cfg.SessionID,
		SubjectID:   cfg.SubjectID,
		StartTime:   start,
		Description: cfg.Description,
	})

	stubFrames := cfg.stubFrames()
	rate := cfg.samplingFrequency()
	leading, trailing := cfg.leading(), cfg.trailing()

	add := func(st *stream.Stream) error {
		if err := session.Add(st); err != nil {
			return err
		}
		logger.Debug("Registered stream", "stream", st.Name, "kind", st.Kind)
		return nil
	}

	if folder, ok := c.miniscopeFolder(cfg, logger); ok {
		st := stream.NewContinuous(MiniscopeImaging, sources.MiniscopeTimestamps{Folder: folder, Stub: stubFrames})
		st.Description = folder
		if err := add(st); err != nil {
			return nil, err
		}
	}

	if c.exists(logger, MinianSegmentation, cfg.MinianFolder) {
		if err := add(stream.NewContinuous(MinianSegmentation, sources.MinianTimestamps{Folder: cfg.MinianFolder, Stub: stubFrames})); err != nil {
			return nil, err
		}
		// motion correction is optional Minian output and shifts with the imaging
		if _, err := os.Stat(filepath.Join(cfg.MinianFolder, sources.MinianMotionGroup)); err == nil {
			src := sources.MinianTimestamps{Folder: cfg.MinianFolder, Group: sources.MinianMotionGroup, Stub: stubFrames}
			if err := add(stream.NewContinuous(MinianMotion, src)); err != nil {
				return nil, err
			}
		} else {
			logger.Debug("No Minian motion estimate", "stream", MinianMotion, "error", err)
		}
	}

	var videos []string
	for _, path := range cfg.VideoFiles {
		if !c.exists(logger, Video, path) {
			continue
		}
		if !strings.EqualFold(filepath.Ext(path), ".avi") {
			logger.Warn("Skipping video without an AVI header", "stream", Video, "path", path)
			continue
		}
		videos = append(videos, path)
	}
	if len(videos) > 0 {
		if err := add(stream.NewContinuous(Video, sources.VideoTimestamps{Paths: videos, Rate: cfg.VideoRate, Stub: stubFrames})); err != nil {
			return nil, err
		}
	}

	if c.exists(logger, FreezingBehavior, cfg.FreezingFile) {
		intervals := stream.NewInterval(FreezingBehavior, sources.FreezingIntervals{
			Path: cfg.FreezingFile, Rate: rate, Leading: leading, Trailing: trailing, Logger: logger,
		})
		motion := stream.NewScalarOffset(FreezingMotion, sources.FreezingMotion{Path: cfg.FreezingFile, Hz: rate})
		if err := errors.Join(add(intervals), add(motion)); err != nil {
			return nil, err
		}
	}

	if c.exists(logger, SleepClassification, cfg.SleepFile) {
		intervals := stream.NewInterval(SleepClassification, sources.SleepIntervals{Path: cfg.SleepFile, Rate: rate, Trailing: trailing})
		events := stream.NewLabeledEvents(SleepEvents, sources.SleepEvents{Path: cfg.SleepFile, Rate: rate})
		if err := errors.Join(add(intervals), add(events)); err != nil {
			return nil, err
		}
	}

	if c.exists(logger, EDFSignals, cfg.EDFFile) {
		edf := sources.NewEDFSignals(cfg.EDFFile)
		edf.Stub = stubFrames
		edf.Location = cfg.location()
		if cfg.SliceEDF {
			from, to, err := c.edfWindow(ctx, cfg, session, logger)
			if err != nil {
				return nil, err
			}
			edf.Start, edf.Stop = from, to
		}
		if err := add(stream.NewScalarOffset(EDFSignals, edf)); err != nil {
			return nil, err
		}
	}

	if cfg.Shock != nil {
		if err := add(stream.NewInterval(ShockStimuli, cfg.shock())); err != nil {
			return nil, err
		}
	}

	logger.Info("Built session", "streams", strings.Join(session.Names(), ","), "start_time", start)
	return session, nil
}

func (c *Converter) startTime(cfg *SessionConfig, logger *slog.Logger) (time.Time, error) {
	if cfg.SessionFolder != "" {
		start, err := sources.SessionStartTime(cfg.SessionFolder, cfg.location())
		if err == nil {
			return start, nil
		}
		logger.Warn("No recording start time in Miniscope metadata", "error", err)
	}
	if cfg.StartTime != "" {
		return ParseStartTime(cfg.StartTime, cfg.location())
	}
	return time.Time{}, ErrNoStartTime
}

func (c *Converter) miniscopeFolder(cfg *SessionConfig, logger *slog.Logger) (string, bool) {
	if cfg.MiniscopeFolder != "" {
		return cfg.MiniscopeFolder, c.exists(logger, MiniscopeImaging, cfg.MiniscopeFolder)
	}
	if cfg.SessionFolder == "" {
		return "", false
	}
	folder, err := sources.MiniscopeFolder(cfg.SessionFolder)
	if err != nil {
		logger.Warn("Source not found, stream omitted", "stream", MiniscopeImaging, "error", err)
		return "", false
	}
	return folder, true
}

// edfWindow returns the wall-clock range of the session. The imaging
// timestamps bound it when present, otherwise the Med Associates run time.
func (c *Converter) edfWindow(ctx context.Context, cfg *SessionConfig, session *stream.Session, logger *slog.Logger) (time.Time, time.Time, error) {
	start := session.Metadata.StartTime
	if imaging, err := session.Get(MiniscopeImaging); err == nil {
		ts, err := imaging.OriginalTimestamps(ctx)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return sources.SessionWindow(start, ts)
	}
	if cfg.RunTimeFile != "" {
		runTime, err := sources.ReadRunTime(cfg.RunTimeFile)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		return start, start.Add(time.Duration(runTime * float64(time.Second))), nil
	}
	logger.Warn("EDF slicing requested without imaging or run time, converting whole file", "stream", EDFSignals)
	return time.Time{}, time.Time{}, nil
}

// exists reports whether an optional source is configured and present
func (c *Converter) exists(logger *slog.Logger, name, path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Source not found, stream omitted", "stream", name, "path", path)
	} else {
		logger.Warn("Source not accessible, stream omitted", "stream", name, "path", path, "error", err)
	}
	return false
}
