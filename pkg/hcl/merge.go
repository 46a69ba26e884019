package hcl

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// MergeHCLFiles parses every file and merges their bodies, the way Terraform
// loads the .tf files of a module. Blocks from all files are combined; the
// batch block may appear in only one of them.
func MergeHCLFiles(filePaths []string) (hcl.Body, error) {
	parser := hclparse.NewParser()
	files := make([]*hcl.File, 0, len(filePaths))
	var diags hcl.Diagnostics
	for _, path := range filePaths {
		file, fileDiags := parser.ParseHCLFile(path)
		diags = append(diags, fileDiags...)
		if file != nil {
			files = append(files, file)
		}
	}
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL files: %s", diags.Error())
	}
	return hcl.MergeFiles(files), nil
}

// FindHCLFiles returns the HCL files under dirPath in lexical order
func FindHCLFiles(dirPath string) ([]string, error) {
	var hclFiles []string
	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsHCLBasedOnExtension(d.Name()) {
			hclFiles = append(hclFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", dirPath, err)
	}
	sort.Strings(hclFiles)
	return hclFiles, nil
}

// ParseBatchDirectory parses all .hcl files in a directory as one batch.
// Session blocks may be spread over several files, one per cohort or animal.
func ParseBatchDirectory(dirPath string) (*BatchConfig, error) {
	hclFiles, err := FindHCLFiles(dirPath)
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, fmt.Errorf("no HCL files found in directory %s", dirPath)
	}

	body, err := MergeHCLFiles(hclFiles)
	if err != nil {
		return nil, err
	}
	return decodeBatch(body)
}
