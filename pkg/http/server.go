package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/leowmjw/go-nwb-convert/pkg/hcl"
	"github.com/leowmjw/go-nwb-convert/pkg/ledger"
	"github.com/leowmjw/go-nwb-convert/pkg/temporal"
)

// maxBodyBytes bounds a batch request body
const maxBodyBytes = 4 << 20

// RunLister reads recorded runs, typically a *ledger.Ledger
type RunLister interface {
	ListRun(ctx context.Context, runID string) (*ledger.Run, error)
}

// Server represents the HTTP control API of the conversion service
type Server struct {
	logger         *slog.Logger
	temporalClient client.Client
	addr           string
	taskQueue      string
	runs           RunLister
}

// NewServer creates a new HTTP server. runs may be nil, which disables
// GET /runs/{id}.
func NewServer(logger *slog.Logger, temporalClient client.Client, addr, taskQueue string, runs RunLister) *Server {
	if taskQueue == "" {
		taskQueue = temporal.DefaultTaskQueue
	}
	return &Server{
		logger:         logger,
		temporalClient: temporalClient,
		addr:           addr,
		taskQueue:      taskQueue,
		runs:           runs,
	}
}

// Handler returns the routes wrapped in the logging middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batches", s.handleStartBatch)
	mux.HandleFunc("GET /batches/{id}", s.handleBatchStatus)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.addr)

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

// StartBatchResponse is returned once the batch workflow is started
type StartBatchResponse struct {
	BatchID    string `json:"batch_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Sessions   int    `json:"sessions"`
}

// BatchStatusResponse reports a batch in progress, and its result once done
type BatchStatusResponse struct {
	temporal.BatchStatus
	Result *temporal.BatchResult `json:"result,omitempty"`
}

// handleStartBatch accepts an HCL batch file or its JSON equivalent and
// starts the batch workflow without waiting for it
func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	contentType, err := hcl.DetectContentType(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var batch *hcl.BatchConfig
	switch contentType {
	case hcl.ContentTypeHCL:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		batch, err = hcl.ParseBatch(body, "request.hcl")
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid HCL batch: %v", err))
			return
		}
	default:
		batch = &hcl.BatchConfig{}
		if err := json.NewDecoder(r.Body).Decode(batch); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if batch.MaxWorkers < 1 {
			batch.MaxWorkers = hcl.DefaultMaxWorkers
		}
		if err := batch.Validate(); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch: %v", err))
			return
		}
	}

	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		batchID = uuid.NewString()
	}
	workflowID := temporal.GenerateBatchWorkflowID(batchID)

	s.logger.Info("Starting batch", "batchID", batchID, "sessions", len(batch.Sessions), "format", contentType)

	run, err := s.temporalClient.ExecuteWorkflow(
		r.Context(),
		client.StartWorkflowOptions{
			ID:        workflowID,
			TaskQueue: s.taskQueue,
		},
		temporal.BatchConversionWorkflow,
		batch.Request(batchID),
	)
	if err != nil {
		s.logger.Error("Failed to start batch workflow", "error", err)
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			s.respondError(w, http.StatusConflict, fmt.Sprintf("batch %s already exists", batchID))
			return
		}
		s.respondError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}

	s.respondJSON(w, http.StatusAccepted, StartBatchResponse{
		BatchID:    batchID,
		WorkflowID: run.GetID(),
		RunID:      run.GetRunID(),
		Sessions:   len(batch.Sessions),
	})
}

// handleBatchStatus queries the progress of a batch, and returns its result
// once every session has an outcome
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	if batchID == "" {
		s.respondError(w, http.StatusBadRequest, "batch ID is required")
		return
	}
	workflowID := temporal.GenerateBatchWorkflowID(batchID)

	encoded, err := s.temporalClient.QueryWorkflow(r.Context(), workflowID, "", temporal.BatchStatusQuery)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("batch %s not found", batchID))
			return
		}
		s.logger.Error("Failed to query batch workflow", "batchID", batchID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to query batch")
		return
	}

	var response BatchStatusResponse
	if err := encoded.Get(&response.BatchStatus); err != nil {
		s.logger.Error("Failed to decode batch status", "batchID", batchID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to query batch")
		return
	}

	if response.Done() {
		var result *temporal.BatchResult
		if err := s.temporalClient.GetWorkflow(r.Context(), workflowID, "").Get(r.Context(), &result); err != nil {
			s.logger.Error("Failed to get batch result", "batchID", batchID, "error", err)
			s.respondError(w, http.StatusInternalServerError, "failed to get batch result")
			return
		}
		response.Result = result
	}
	s.respondJSON(w, http.StatusOK, response)
}

// handleRun returns a run recorded in the ledger
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.respondError(w, http.StatusNotImplemented, "no run ledger configured")
		return
	}
	run, err := s.runs.ListRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownRun) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("Failed to list run", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list run")
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

// Health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Middleware for request logging
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapper.statusCode,
			"duration", time.Since(start),
			"user_agent", r.UserAgent(),
		)
	})
}

// Response helpers
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.logger.Warn("HTTP error response", "status", status, "message", message)
	s.respondJSON(w, status, map[string]string{"error": message})
}

// responseWrapper wraps http.ResponseWriter to capture status code
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
