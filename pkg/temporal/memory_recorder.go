package temporal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
)

// MemoryRecorder keeps run outcomes in memory. It is used when the worker
// runs without a ledger database, and in tests.
type MemoryRecorder struct {
	mu   sync.RWMutex
	runs map[string]*ledger.Run
}

// NewMemoryRecorder creates an empty recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		runs: make(map[string]*ledger.Run),
	}
}

// StartRun registers a new run
func (m *MemoryRecorder) StartRun(ctx context.Context, sessions int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.runs[id] = &ledger.Run{ID: id, StartedAt: time.Now().UTC(), Sessions: sessions}
	return id, nil
}

// RecordSession stores or replaces the outcome of a session
func (m *MemoryRecorder) RecordSession(ctx context.Context, runID string, rec ledger.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownRun, runID)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	for i := range run.Records {
		if run.Records[i].SessionID == rec.SessionID {
			run.Records[i] = rec
			return nil
		}
	}
	run.Records = append(run.Records, rec)
	sort.Slice(run.Records, func(i, j int) bool { return run.Records[i].SessionID < run.Records[j].SessionID })
	return nil
}

// FinishRun stamps the run as complete
func (m *MemoryRecorder) FinishRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrUnknownRun, runID)
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	return nil
}

// ListRun returns a copy of the run and its sessions ordered by session id
func (m *MemoryRecorder) ListRun(ctx context.Context, runID string) (*ledger.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownRun, runID)
	}
	out := *run
	out.Records = append([]ledger.SessionRecord(nil), run.Records...)
	return &out, nil
}
