package convert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/leowmjw/go-nwb-convert/pkg/align"
	"github.com/leowmjw/go-nwb-convert/pkg/nwb"
)

// Converter converts one session at a time. A Converter holds no per-session
// state and may be shared by concurrent workers.
type Converter struct {
	Logger *slog.Logger
}

// New creates a converter logging to logger, or to slog.Default when nil
func New(logger *slog.Logger) *Converter {
	return &Converter{Logger: logger}
}

func (c *Converter) logger() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Report summarizes one successful conversion
type Report struct {
	SessionID  string            `json:"session_id"`
	OutputPath string            `json:"output_path"`
	Shift      float64           `json:"shift_seconds"`
	Aligned    bool              `json:"aligned"`
	SkipReason string            `json:"skip_reason,omitempty"`
	StartTime  time.Time         `json:"session_start_time"`
	Included   []string          `json:"included"`
	Omitted    map[string]string `json:"omitted,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Convert builds, aligns, assembles and writes one session. Optional streams
// that cannot be read are omitted and listed in the report; an unreadable
// imaging stream fails the whole session because every other stream is
// placed on its clock.
func (c *Converter) Convert(ctx context.Context, cfg *SessionConfig) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config for session %q: %w", cfg.SessionID, err)
	}
	started := time.Now()
	logger := c.logger().With("session", cfg.SessionID)

	session, err := c.BuildSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build session %s: %w", cfg.SessionID, err)
	}

	onMissing, _ := align.ParseMissingReference(cfg.OnMissingReference)
	result, err := align.Run(ctx, session, align.Policy{
		Reference:          MiniscopeImaging,
		OnMissingReference: onMissing,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("align session %s: %w", cfg.SessionID, err)
	}
	aligned := result.Session

	if ref, err := aligned.Get(MiniscopeImaging); err == nil {
		if _, err := ref.Timestamps(ctx); err != nil {
			return nil, fmt.Errorf("mandatory stream %s: %w", MiniscopeImaging, err)
		}
	}

	report := &Report{
		SessionID:  cfg.SessionID,
		OutputPath: cfg.OutputPath(),
		Shift:      result.Shift,
		Aligned:    result.Applied,
		SkipReason: result.SkipReason,
		StartTime:  aligned.Metadata.StartTime,
		Omitted:    map[string]string{},
	}

	file, err := c.assemble(ctx, cfg, aligned, report, logger)
	if err != nil {
		return nil, fmt.Errorf("assemble session %s: %w", cfg.SessionID, err)
	}
	if err := nwb.Write(report.OutputPath, file); err != nil {
		return nil, fmt.Errorf("write session %s: %w", cfg.SessionID, err)
	}

	report.Duration = time.Since(started)
	logger.Info("Converted session",
		"output", report.OutputPath,
		"shift_seconds", report.Shift,
		"included", len(report.Included),
		"omitted", len(report.Omitted),
		"duration", report.Duration,
	)
	return report, nil
}

// OmittedNames returns the omitted stream names in sorted order
func (r *Report) OmittedNames() []string {
	names := make([]string, 0, len(r.Omitted))
	for name := range r.Omitted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
