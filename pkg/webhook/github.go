package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"sentinelhooks/internal"
	"sentinelhooks/pkg/pipeline"
)

const deliveryHeader = "X-GitHub-Delivery"

// Processor runs a delivery through the ingestion pipeline.
type Processor interface {
	Handle(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// GitHubHandler handles incoming webhooks from GitHub.
type GitHubHandler struct {
	processor Processor
	logger    *slog.Logger
	maxBody   int64
}

type response struct {
	Message string `json:"message"`
	JobID   string `json:"jobId,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewGitHubHandler creates a new GitHubHandler. maxBody <= 0 disables the body limit.
func NewGitHubHandler(processor Processor, logger *slog.Logger, maxBody int64) *GitHubHandler {
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	return &GitHubHandler{processor: processor, logger: logger, maxBody: maxBody}
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("webhook body too large", slog.Int64("limit", tooLarge.Limit))
			internal.IncOutcome("too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.Warn("webhook body read failed", slog.Any("error", err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Submission continues if the sender disconnects.
	ctx := context.WithoutCancel(r.Context())
	result, err := h.processor.Handle(ctx, pipeline.Request{
		Headers:   r.Header,
		Body:      body,
		SourceIP:  internal.ClientIP(r),
		RequestID: reqID,
	})

	switch {
	case result.Outcome == pipeline.OutcomeUnauthorized:
		http.Error(w, result.Message, http.StatusUnauthorized)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: pipeline.MessageEnqueueFailed})
	default:
		writeJSON(w, http.StatusOK, response{Message: result.Message, JobID: result.JobID})
	}
}

func requestID(r *http.Request) string {
	if id := r.Header.Get(deliveryHeader); id != "" {
		return id
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
