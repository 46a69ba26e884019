package nwb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Extension is appended to the session id to name the output file
const Extension = ".nwb.json"

// Write serializes the file to path. The document is written to a temporary
// file in the same directory and renamed into place, so a failed conversion
// never leaves a truncated output behind.
func Write(path string, f *File) error {
	if problems := f.Validate(); len(problems) > 0 {
		return fmt.Errorf("invalid nwb file %s: %v", f.Identifier, problems[0])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Read loads a file written by Write
func Read(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &f, nil
}
