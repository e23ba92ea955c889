package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixgeelhaar/taskfabric/internal/audit"
	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// AuditHandler serves the per-task audit history.
type AuditHandler struct {
	store  audit.Store
	logger *slog.Logger
}

// NewAuditHandler creates the audit query handler.
func NewAuditHandler(store audit.Store, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{store: store, logger: logger}
}

// auditEvent is one history entry as served to clients. Payload is the
// event exactly as it appeared on the bus.
type auditEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	TaskID        string          `json:"task_id"`
	UserID        string          `json:"user_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// TaskHistory handles GET /api/v1/audit/tasks/{taskID}. Optional query
// parameters: limit (default 100, max 1000) and event_type (comma
// separated filter).
func (h *AuditHandler) TaskHistory(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")

	limit := 0
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"detail": "limit must be an integer",
			})
			return
		}
		limit = parsed
	}

	var eventTypes []string
	if rawTypes := r.URL.Query().Get("event_type"); rawTypes != "" {
		for _, t := range strings.Split(rawTypes, ",") {
			if t = strings.TrimSpace(t); t != "" {
				eventTypes = append(eventTypes, t)
			}
		}
	}

	records, err := h.store.ListByTask(r.Context(), taskID, limit, eventTypes)
	if err != nil {
		if errors.Is(err, audit.ErrNoRecords) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"detail": "No audit records found for task",
			})
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to load audit history",
			"task_id", taskID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"detail": "Failed to retrieve audit history",
		})
		return
	}

	items := make([]auditEvent, 0, len(records))
	for _, rec := range records {
		items = append(items, auditEvent{
			EventID:       rec.EventID,
			EventType:     rec.EventType,
			TaskID:        rec.TaskID,
			UserID:        rec.UserID,
			Timestamp:     rec.OccurredAt.UTC().Format(events.TimeLayout),
			Payload:       rec.Payload,
			CorrelationID: rec.CorrelationID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"count":   len(items),
		"events":  items,
	})
}
