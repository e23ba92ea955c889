package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixgeelhaar/taskfabric/internal/notifier"
)

// StreamHandler serves the live notification stream over SSE.
type StreamHandler struct {
	registry *notifier.Registry
	logger   *slog.Logger
}

// NewStreamHandler creates the notification stream handler.
func NewStreamHandler(registry *notifier.Registry, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{registry: registry, logger: logger}
}

// Stream handles GET /api/v1/notifications/stream. The owner comes from
// the X-User-ID header the gateway injects; the user_id query parameter
// is accepted for curl and EventSource, which cannot set headers. The
// response stays open until the client goes away or the registry evicts
// the connection.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "user id required (X-User-ID header or user_id query parameter)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	conn, err := h.registry.Register(userID)
	if err != nil {
		if errors.Is(err, notifier.ErrTooManyConnections) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "failed to register stream",
			"user_id", userID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to open notification stream")
		return
	}
	defer h.registry.Unregister(conn)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.InfoContext(r.Context(), "notification stream opened", "user_id", userID)

	for {
		select {
		case frame, open := <-conn.Frames():
			if !open {
				// Evicted by the registry.
				h.logger.InfoContext(r.Context(), "notification stream closed by server",
					"user_id", userID,
				)
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.ErrorContext(r.Context(), "failed to encode frame",
					"user_id", userID,
					"error", err,
				)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case <-r.Context().Done():
			h.logger.InfoContext(r.Context(), "notification stream client disconnected",
				"user_id", userID,
			)
			return
		}
	}
}
