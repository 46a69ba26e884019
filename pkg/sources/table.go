// Package sources contains the lazy readers that back each session stream.
// Every reader implements one of the stream source interfaces and touches
// the filesystem only when the stream is first read.
package sources

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// FileError reports a source file that is missing, unreadable or malformed
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// FilePath implements stream.PathError
func (e *FileError) FilePath() string {
	return e.Path
}

func fileError(path string, err error) error {
	return &FileError{Path: path, Err: err}
}

// table is a CSV file with a header row, addressed by column name
type table struct {
	path   string
	header map[string]int
	names  []string
	rows   [][]string
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileError(path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	head, err := reader.Read()
	if err == io.EOF {
		return nil, fileError(path, fmt.Errorf("empty csv"))
	}
	if err != nil {
		return nil, fileError(path, err)
	}

	t := &table{path: path, header: make(map[string]int, len(head))}
	for i, name := range head {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		t.header[name] = i
		t.names = append(t.names, name)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fileError(path, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		t.rows = append(t.rows, record)
	}
	return t, nil
}

func (t *table) has(column string) bool {
	_, ok := t.header[column]
	return ok
}

// columns returns the header names in file order
func (t *table) columns() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

func (t *table) strings(column string) ([]string, error) {
	idx, ok := t.header[column]
	if !ok {
		return nil, fileError(t.path, fmt.Errorf("missing column %q", column))
	}
	out := make([]string, len(t.rows))
	for i, row := range t.rows {
		if idx >= len(row) {
			return nil, fileError(t.path, fmt.Errorf("line %d: missing column %q", i+2, column))
		}
		out[i] = strings.TrimSpace(row[idx])
	}
	return out, nil
}

func (t *table) floats(column string) ([]float64, error) {
	raw, err := t.strings(column)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fileError(t.path, fmt.Errorf("line %d: invalid %s value %q", i+2, column, s))
		}
		out[i] = v
	}
	return out, nil
}

// first returns the first value of a column, for per-run parameters repeated on every row
func (t *table) first(column string) (string, error) {
	values, err := t.strings(column)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", fileError(t.path, fmt.Errorf("column %q has no rows", column))
	}
	return values[0], nil
}

func stub(values []float64, n int) []float64 {
	if n > 0 && len(values) > n {
		return values[:n]
	}
	return values
}
