package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sentinelhooks/pkg/queue"
	"sentinelhooks/pkg/storage"
)

// SnapshotReader reports live queue counts.
type SnapshotReader interface {
	Snapshot(ctx context.Context) (queue.Snapshot, error)
}

// QueueMetricsHandler serves the current queue snapshot.
type QueueMetricsHandler struct {
	Reporter SnapshotReader
	Timeout  time.Duration
	Logger   *slog.Logger
}

func (h *QueueMetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	snap, err := h.Reporter.Snapshot(ctx)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("queue metrics unavailable", slog.Any("error", err))
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// DeliveriesHandler lists recorded webhook deliveries.
type DeliveriesHandler struct {
	Store  storage.DeliveryStore
	Logger *slog.Logger
}

type deliveryView struct {
	DeliveryID string    `json:"deliveryId"`
	Provider   string    `json:"provider"`
	Event      string    `json:"event"`
	Outcome    string    `json:"outcome"`
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message,omitempty"`
	Repository string    `json:"repository,omitempty"`
	CommitSHA  string    `json:"commitSha,omitempty"`
	JobID      string    `json:"jobId,omitempty"`
	Priority   int       `json:"priority,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (h *DeliveriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	filter := storage.DeliveryFilter{
		Provider:   strings.TrimSpace(query.Get("provider")),
		Event:      strings.TrimSpace(query.Get("event")),
		Outcome:    strings.TrimSpace(query.Get("outcome")),
		Repository: strings.TrimSpace(query.Get("repository")),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	records, err := h.Store.ListDeliveries(r.Context(), filter)
	if err != nil {
		http.Error(w, "list deliveries failed", http.StatusInternalServerError)
		if h.Logger != nil {
			h.Logger.Error("list deliveries failed", slog.Any("error", err))
		}
		return
	}

	views := make([]deliveryView, 0, len(records))
	for _, record := range records {
		views = append(views, deliveryView{
			DeliveryID: record.DeliveryID,
			Provider:   record.Provider,
			Event:      record.Event,
			Outcome:    record.Outcome,
			StatusCode: record.StatusCode,
			Message:    record.Message,
			Repository: record.Repository,
			CommitSHA:  record.CommitSHA,
			JobID:      record.JobID,
			Priority:   record.Priority,
			Error:      record.Error,
			CreatedAt:  record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
