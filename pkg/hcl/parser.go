package hcl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/temporal"
)

// DefaultMaxWorkers converts one session at a time; a session can hold
// several gigabytes of imaging data.
const DefaultMaxWorkers = 1

// BatchConfig is a parsed batch file
type BatchConfig struct {
	DataDir    string                   `json:"data_dir,omitempty"`
	OutputDir  string                   `json:"output_dir,omitempty"`
	MaxWorkers int                      `json:"max_workers"`
	Ledger     string                   `json:"ledger,omitempty"`
	Timezone   string                   `json:"timezone,omitempty"`
	Sessions   []*convert.SessionConfig `json:"sessions"`
}

// Request builds the input of the batch workflow
func (b *BatchConfig) Request(batchID string) temporal.BatchRequest {
	return temporal.BatchRequest{
		BatchID:    batchID,
		Sessions:   b.Sessions,
		MaxWorkers: b.MaxWorkers,
	}
}

// Validate checks every session and that session ids are unique
func (b *BatchConfig) Validate() error {
	if len(b.Sessions) == 0 {
		return errors.New("batch has no sessions")
	}
	var errs []error
	seen := make(map[string]bool, len(b.Sessions))
	for _, s := range b.Sessions {
		if seen[s.SessionID] {
			errs = append(errs, fmt.Errorf("duplicate session %q", s.SessionID))
		}
		seen[s.SessionID] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("session %q: %w", s.SessionID, err))
		}
	}
	return errors.Join(errs...)
}

// HCLFile is the top level of a batch file. Sessions are decoded in a second
// pass so their expressions can refer to the batch directories.
type HCLFile struct {
	Batch  *HCLBatch `hcl:"batch,block"`
	Remain hcl.Body  `hcl:",remain"`
}

// HCLBatch holds the settings shared by every session
type HCLBatch struct {
	DataDir    string `hcl:"data_dir,optional"`
	OutputDir  string `hcl:"output_dir,optional"`
	MaxWorkers *int   `hcl:"max_workers,optional"`
	Ledger     string `hcl:"ledger,optional"`
	Stub       bool   `hcl:"stub,optional"`
	// Timezone is the lab clock zone used by sessions that do not set one
	Timezone string `hcl:"timezone,optional"`
}

// HCLSessions holds the session blocks of a batch file
type HCLSessions struct {
	Sessions []HCLSession `hcl:"session,block"`
}

// HCLSession describes one recording session
type HCLSession struct {
	ID           string   `hcl:"id,label"`
	SubjectID    string   `hcl:"subject_id"`
	Description  string   `hcl:"description,optional"`
	Experimenter []string `hcl:"experimenter,optional"`
	Institution  string   `hcl:"institution,optional"`
	Lab          string   `hcl:"lab,optional"`
	Keywords     []string `hcl:"keywords,optional"`
	StartTime    string   `hcl:"start_time,optional"`
	Timezone     string   `hcl:"timezone,optional"`

	SessionFolder   string `hcl:"session_folder,optional"`
	MiniscopeFolder string `hcl:"miniscope_folder,optional"`
	MinianFolder    string `hcl:"minian_folder,optional"`

	VideoFiles []string `hcl:"video_files,optional"`
	VideoRate  float64  `hcl:"video_rate,optional"`

	FreezingFile           string  `hcl:"freezing_file,optional"`
	SleepFile              string  `hcl:"sleep_file,optional"`
	VideoSamplingFrequency float64 `hcl:"video_sampling_frequency,optional"`

	EDFFile     string `hcl:"edf_file,optional"`
	SliceEDF    bool   `hcl:"slice_edf,optional"`
	RunTimeFile string `hcl:"run_time_file,optional"`

	CellRegistrationFiles []string `hcl:"cell_registration_files,optional"`

	LeadingIntervals   string `hcl:"leading_intervals,optional"`
	TrailingIntervals  string `hcl:"trailing_intervals,optional"`
	OnMissingReference string `hcl:"on_missing_reference,optional"`

	OutputDir string `hcl:"output_dir,optional"`
	Stub      *bool  `hcl:"stub,optional"`

	Subject *HCLSubject `hcl:"subject,block"`
	Shock   *HCLShock   `hcl:"shock,block"`
}

// HCLSubject describes the animal
type HCLSubject struct {
	Species     string `hcl:"species,optional"`
	Sex         string `hcl:"sex,optional"`
	Age         string `hcl:"age,optional"`
	Strain      string `hcl:"strain,optional"`
	Description string `hcl:"description,optional"`
}

// HCLShock enables the shock stimulus table. Times are in seconds; use ms()
// for millisecond values.
type HCLShock struct {
	Times     []float64 `hcl:"times,optional"`
	Duration  float64   `hcl:"duration,optional"`
	Amplitude float64   `hcl:"amplitude"`
}

// ParseBatch parses the content of one batch file
func ParseBatch(content []byte, filename string) (*BatchConfig, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(content, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}
	return decodeBatch(file.Body)
}

// ParseBatchFile parses a batch file from disk
func ParseBatchFile(path string) (*BatchConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return ParseBatch(content, path)
}

// LoadBatch parses a batch file, or every HCL file of a directory
func LoadBatch(path string) (*BatchConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return ParseBatchDirectory(path)
	}
	if !IsHCLBasedOnExtension(path) {
		return nil, fmt.Errorf("file %s does not have an .hcl extension", path)
	}
	return ParseBatchFile(path)
}

func decodeBatch(body hcl.Body) (*BatchConfig, error) {
	var file HCLFile
	diags := gohcl.DecodeBody(body, newEvalContext(nil), &file)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode batch block: %s", diags.Error())
	}

	b := &HCLBatch{}
	if file.Batch != nil {
		b = file.Batch
	}
	cfg := &BatchConfig{
		DataDir:    b.DataDir,
		OutputDir:  b.OutputDir,
		MaxWorkers: DefaultMaxWorkers,
		Ledger:     b.Ledger,
		Timezone:   b.Timezone,
	}
	if b.MaxWorkers != nil {
		if *b.MaxWorkers < 1 {
			return nil, fmt.Errorf("max_workers must be at least 1, got %d", *b.MaxWorkers)
		}
		cfg.MaxWorkers = *b.MaxWorkers
	}

	evalCtx := newEvalContext(map[string]cty.Value{
		"data_dir":   cty.StringVal(b.DataDir),
		"output_dir": cty.StringVal(b.OutputDir),
	})
	var sessions HCLSessions
	diags = gohcl.DecodeBody(file.Remain, evalCtx, &sessions)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode sessions: %s", diags.Error())
	}

	for _, s := range sessions.Sessions {
		cfg.Sessions = append(cfg.Sessions, s.sessionConfig(b))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sessionConfig applies the batch defaults. Relative source paths are
// resolved against data_dir.
func (s HCLSession) sessionConfig(b *HCLBatch) *convert.SessionConfig {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || b.DataDir == "" {
			return p
		}
		return filepath.Join(b.DataDir, p)
	}
	resolveAll := func(ps []string) []string {
		if len(ps) == 0 {
			return nil
		}
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = resolve(p)
		}
		return out
	}

	cfg := &convert.SessionConfig{
		SessionID:              s.ID,
		SubjectID:              s.SubjectID,
		Description:            s.Description,
		Experimenter:           s.Experimenter,
		Institution:            s.Institution,
		Lab:                    s.Lab,
		Keywords:               s.Keywords,
		StartTime:              s.StartTime,
		Timezone:               s.Timezone,
		SessionFolder:          resolve(s.SessionFolder),
		MiniscopeFolder:        resolve(s.MiniscopeFolder),
		MinianFolder:           resolve(s.MinianFolder),
		VideoFiles:             resolveAll(s.VideoFiles),
		VideoRate:              s.VideoRate,
		FreezingFile:           resolve(s.FreezingFile),
		SleepFile:              resolve(s.SleepFile),
		VideoSamplingFrequency: s.VideoSamplingFrequency,
		EDFFile:                resolve(s.EDFFile),
		SliceEDF:               s.SliceEDF,
		RunTimeFile:            resolve(s.RunTimeFile),
		CellRegistrationFiles:  resolveAll(s.CellRegistrationFiles),
		LeadingIntervals:       s.LeadingIntervals,
		TrailingIntervals:      s.TrailingIntervals,
		OnMissingReference:     s.OnMissingReference,
		OutputDir:              s.OutputDir,
		Stub:                   b.Stub,
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = b.OutputDir
	}
	if cfg.Timezone == "" {
		cfg.Timezone = b.Timezone
	}
	if s.Stub != nil {
		cfg.Stub = *s.Stub
	}
	if s.Subject != nil {
		cfg.Subject = convert.Subject{
			Species:     s.Subject.Species,
			Sex:         s.Subject.Sex,
			Age:         s.Subject.Age,
			Strain:      s.Subject.Strain,
			Description: s.Subject.Description,
		}
	}
	if s.Shock != nil {
		cfg.Shock = &convert.ShockConfig{
			Times:     s.Shock.Times,
			Duration:  s.Shock.Duration,
			Amplitude: s.Shock.Amplitude,
		}
	}
	return cfg
}

// newEvalContext exposes the batch variables and the helper functions:
// path_join(base, parts...) and ms(milliseconds) returning seconds.
func newEvalContext(vars map[string]cty.Value) *hcl.EvalContext {
	if vars == nil {
		vars = map[string]cty.Value{}
	}
	return &hcl.EvalContext{
		Variables: vars,
		Functions: map[string]function.Function{
			"path_join": function.New(&function.Spec{
				Params: []function.Parameter{
					{
						Name: "base",
						Type: cty.String,
					},
				},
				VarParam: &function.Parameter{
					Name: "parts",
					Type: cty.String,
				},
				Type: function.StaticReturnType(cty.String),
				Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
					parts := make([]string, len(args))
					for i, a := range args {
						parts[i] = a.AsString()
					}
					return cty.StringVal(filepath.Join(parts...)), nil
				},
			}),
			"ms": function.New(&function.Spec{
				Params: []function.Parameter{
					{
						Name: "milliseconds",
						Type: cty.Number,
					},
				},
				Type: function.StaticReturnType(cty.Number),
				Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
					return args[0].Divide(cty.NumberIntVal(1000)), nil
				},
			}),
		},
	}
}

// IsHCL attempts to detect if the given content is in HCL format
func IsHCL(content []byte) bool {
	_, diags := hclsyntax.ParseConfig(content, "", hcl.Pos{Line: 1, Column: 1})
	return !diags.HasErrors()
}
