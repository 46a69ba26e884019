package hcl

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{"HCL header", "application/vnd.hcl; charset=utf-8", `{"looks":"like json"}`, ContentTypeHCL},
		{"text HCL header", "text/x-hcl", ``, ContentTypeHCL},
		{"JSON header", "application/json", `session "a" {}`, ContentTypeJSON},
		{"JSON body", "", `  {"sessions": []}`, ContentTypeJSON},
		{"HCL body", "text/plain", `session "a" { subject_id = "m1" }`, ContentTypeHCL},
		{"empty body", "", ``, ContentTypeJSON},
		{"garbage", "", `session "a" {`, ContentTypeJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/batches", strings.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			got, err := DetectContentType(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body), "body is still readable")
		})
	}
}

func TestIsHCLBasedOnExtension(t *testing.T) {
	assert.True(t, IsHCLBasedOnExtension("batch.hcl"))
	assert.True(t, IsHCLBasedOnExtension("/etc/nwb/cohort.hcl"))
	assert.False(t, IsHCLBasedOnExtension("batch.json"))
	assert.False(t, IsHCLBasedOnExtension("hcl"))
}
