package temporal

import (
	"github.com/leowmjw/go-nwb-convert/pkg/batch"
	"github.com/leowmjw/go-nwb-convert/pkg/convert"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

// BatchRequest is the input of BatchConversionWorkflow
type BatchRequest struct {
	BatchID  string                   `json:"batch_id,omitempty"`
	Sessions []*convert.SessionConfig `json:"sessions"`
	// MaxWorkers bounds how many session workflows run at once; 0 starts
	// them all and leaves the bound to the worker's activity slots.
	MaxWorkers int `json:"max_workers,omitempty"`
}

// BatchResult is the output of BatchConversionWorkflow. Outcomes follow the
// order of the request.
type BatchResult struct {
	BatchID   string          `json:"batch_id"`
	RunID     string          `json:"run_id"`
	Outcomes  []batch.Outcome `json:"outcomes"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
}

// BatchStatus is returned by the BatchStatusQuery handler while a batch runs
type BatchStatus struct {
	BatchID   string `json:"batch_id"`
	RunID     string `json:"run_id,omitempty"`
	Total     int    `json:"total"`
	Running   int    `json:"running"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

func (s *BatchStatus) add(o batch.Outcome) {
	s.Running--
	if o.Status == ledger.StatusSucceeded {
		s.Succeeded++
	} else {
		s.Failed++
	}
}

// Done reports whether every session has an outcome
func (s *BatchStatus) Done() bool {
	return s.Succeeded+s.Failed == s.Total
}
