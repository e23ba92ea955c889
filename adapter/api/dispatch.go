package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

// maxEventBytes caps one delivery body. Envelopes are small; anything
// larger is not ours.
const maxEventBytes = 1 << 20

// subscription is one entry of the Dapr subscription list.
type subscription struct {
	PubsubName string `json:"pubsubname"`
	Topic      string `json:"topic"`
	Route      string `json:"route"`
}

// DispatchHandler is the Dapr pub/sub ingress: it announces the
// service's subscriptions and feeds delivered events into the consumer
// registry.
type DispatchHandler struct {
	registry *eventbus.ConsumerRegistry
	pubsub   string
	logger   *slog.Logger
	metrics  observability.Metrics
}

// NewDispatchHandler creates the ingress for one service's registry.
func NewDispatchHandler(registry *eventbus.ConsumerRegistry, pubsubName string, logger *slog.Logger, metrics observability.Metrics) *DispatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &DispatchHandler{
		registry: registry,
		pubsub:   pubsubName,
		logger:   logger,
		metrics:  metrics,
	}
}

// subscriptions derives the Dapr subscription list from the registered
// event types. Route names are the event type with dots flattened, so
// task.created arrives on /dapr/subscribe/task-created.
func (h *DispatchHandler) subscriptions() []subscription {
	types := h.registry.GetAllEventTypes()
	sort.Strings(types)

	subs := make([]subscription, 0, len(types))
	for _, eventType := range types {
		topic, ok := events.EventType(eventType).Topic()
		if !ok {
			continue
		}
		subs = append(subs, subscription{
			PubsubName: h.pubsub,
			Topic:      topic,
			Route:      "/dapr/subscribe/" + strings.ReplaceAll(eventType, ".", "-"),
		})
	}
	return subs
}

// ListSubscriptions handles GET /dapr/subscribe: the sidecar calls it
// once at startup to program its topic subscriptions.
func (h *DispatchHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := h.subscriptions()
	h.logger.Info("dapr subscriptions requested", "count", len(subs))
	writeJSON(w, http.StatusOK, subs)
}

// ReceiveEvent handles POST /dapr/subscribe/{route}. The response
// status steers the broker: 200 acknowledges (including malformed
// events, which a retry cannot fix), 500 asks for redelivery.
func (h *DispatchHandler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		h.ackMalformed(w, r, route, err)
		return
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		h.ackMalformed(w, r, route, err)
		return
	}

	if err := h.registry.Dispatch(r.Context(), env); err != nil {
		if errors.Is(err, events.ErrMalformed) {
			// Permanent failure: the payload will never parse better on
			// a redelivery. Count it and ack.
			h.metrics.Counter(observability.MetricEventsFailed, 1)
			h.logger.ErrorContext(r.Context(), "event permanently failed",
				"route", route,
				"event_type", string(env.EventType),
				"event_id", env.EventID,
				"error", err,
			)
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}

		h.logger.ErrorContext(r.Context(), "event handling failed, requesting redelivery",
			"route", route,
			"event_type", string(env.EventType),
			"event_id", env.EventID,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.metrics.Counter(observability.MetricEventsConsumed, 1)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ackMalformed logs a body that cannot become an envelope and tells the
// broker to drop it.
func (h *DispatchHandler) ackMalformed(w http.ResponseWriter, r *http.Request, route string, err error) {
	h.metrics.Counter(observability.MetricEventsMalformed, 1)
	h.logger.WarnContext(r.Context(), "dropping malformed event",
		"route", route,
		"error", err,
	)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// decodeEnvelope parses a delivery body. The sidecar wraps published
// payloads in a CloudEvents envelope, so a body carrying a data object
// but no event_type is unwrapped first; a bare envelope (tests, direct
// posts) passes through as-is.
func decodeEnvelope(body []byte) (*events.Envelope, error) {
	var probe struct {
		EventType *json.RawMessage `json:"event_type"`
		Data      json.RawMessage  `json:"data"`
	}
	payload := body
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}
	if probe.EventType == nil && len(probe.Data) > 0 && probe.Data[0] == '{' {
		payload = probe.Data
	}

	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
