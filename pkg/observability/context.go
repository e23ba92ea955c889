package observability

import (
	"context"

	"github.com/google/uuid"
)

// Context keys for observability data.
type contextKey string

const (
	correlationIDCtxKey contextKey = "correlation_id"
	eventIDCtxKey       contextKey = "event_id"
	userIDCtxKey        contextKey = "user_id"
)

// Standard attribute keys used in logs and metrics.
const (
	CorrelationIDKey = "correlation_id"
	EventIDKey       = "event_id"
	UserIDKey        = "user_id"
	EventTypeKey     = "event_type"
	TaskIDKey        = "task_id"
	DurationKey      = "duration_ms"
	ErrorKey         = "error"
)

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new UUID is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDCtxKey, id)
}

// CorrelationIDFromContext extracts the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDCtxKey).(string); ok {
		return id
	}
	return ""
}

// WithEventID adds the ID of the event being processed to the context.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDCtxKey, id)
}

// EventIDFromContext extracts the event ID from context.
func EventIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(eventIDCtxKey).(string); ok {
		return id
	}
	return ""
}

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDCtxKey, userID)
}

// UserIDFromContext extracts the user ID from context.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(userIDCtxKey).(string); ok {
		return id
	}
	return ""
}

// NewConsumeContext creates a context for processing a single event.
// The event's correlation ID is propagated when present; otherwise a
// new one is generated so downstream logs stay traceable.
func NewConsumeContext(ctx context.Context, correlationID, eventID string) context.Context {
	ctx = WithCorrelationID(ctx, correlationID)
	if eventID != "" {
		ctx = WithEventID(ctx, eventID)
	}
	return ctx
}
