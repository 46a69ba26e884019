package hcl

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
)

const (
	// ContentTypeHCL is the custom MIME type for HCL batch files
	ContentTypeHCL = "application/vnd.hcl"

	// ContentTypeJSON is the standard MIME type for JSON
	ContentTypeJSON = "application/json"
)

// hclMediaTypes are accepted as HCL in a Content-Type header
var hclMediaTypes = map[string]bool{
	ContentTypeHCL:    true,
	"text/x-hcl":      true,
	"application/hcl": true,
}

// DetectContentType decides whether a request body is JSON or HCL, from the
// Content-Type header when it names either, otherwise from the body itself.
// The body is left readable.
func DetectContentType(r *http.Request) (string, error) {
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			switch {
			case hclMediaTypes[mediaType]:
				return ContentTypeHCL, nil
			case mediaType == ContentTypeJSON:
				return ContentTypeJSON, nil
			}
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return ContentTypeJSON, nil
	}
	if IsHCL(trimmed) {
		return ContentTypeHCL, nil
	}
	return ContentTypeJSON, nil
}

// IsHCLBasedOnExtension checks if the filename has an HCL extension
func IsHCLBasedOnExtension(filename string) bool {
	return filepath.Ext(filename) == ".hcl"
}
