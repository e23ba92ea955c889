package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/eventbus"
)

type stubConsumer struct {
	mu      sync.Mutex
	types   []string
	handled []*events.Envelope
	err     error
}

func (c *stubConsumer) EventTypes() []string { return c.types }

func (c *stubConsumer) Handle(_ context.Context, env *events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled = append(c.handled, env)
	return c.err
}

func (c *stubConsumer) handledIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.handled))
	for _, env := range c.handled {
		ids = append(ids, env.EventID)
	}
	return ids
}

func newIngress(t *testing.T, consumer *stubConsumer) http.Handler {
	t.Helper()
	registry := eventbus.NewConsumerRegistry(testLogger())
	registry.Register(consumer)
	dispatch := NewDispatchHandler(registry, "taskflow-pubsub", testLogger(), nil)
	server := NewServer(DefaultServerConfig("127.0.0.1:0"), Handlers{Service: "notifier", Dispatch: dispatch}, testLogger())
	return server.Handler()
}

func postEvent(t *testing.T, handler http.Handler, route string, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/dapr/subscribe/"+route, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	return rec
}

func envelopeJSON(t *testing.T, env events.Envelope) string {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return string(data)
}

func testEnvelope(id string) events.Envelope {
	return events.Envelope{
		EventType: events.TaskCreated,
		EventID:   id,
		Timestamp: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		TaskID:    "task-1",
		UserID:    "user-1",
	}
}

func TestDispatch_ListSubscriptions(t *testing.T) {
	consumer := &stubConsumer{types: []string{"task.created", "reminder.triggered"}}
	handler := newIngress(t, consumer)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dapr/subscribe", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var subs []subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subs))
	assert.Equal(t, []subscription{
		{PubsubName: "taskflow-pubsub", Topic: "tasks.reminder-triggered", Route: "/dapr/subscribe/reminder-triggered"},
		{PubsubName: "taskflow-pubsub", Topic: "tasks.created", Route: "/dapr/subscribe/task-created"},
	}, subs)
}

func TestDispatch_ReceivesBareEnvelope(t *testing.T) {
	consumer := &stubConsumer{types: []string{"task.created"}}
	handler := newIngress(t, consumer)

	rec := postEvent(t, handler, "task-created", envelopeJSON(t, testEnvelope("evt-1")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())
	assert.Equal(t, []string{"evt-1"}, consumer.handledIDs())
}

func TestDispatch_UnwrapsCloudEvent(t *testing.T) {
	consumer := &stubConsumer{types: []string{"task.created"}}
	handler := newIngress(t, consumer)

	// The sidecar wraps the published payload into a CloudEvents
	// envelope with the event under "data".
	wrapped := fmt.Sprintf(`{
		"id": "ce-1",
		"source": "task-api",
		"type": "com.dapr.event.sent",
		"specversion": "1.0",
		"datacontenttype": "application/json",
		"topic": "tasks.created",
		"data": %s
	}`, envelopeJSON(t, testEnvelope("evt-2")))

	rec := postEvent(t, handler, "task-created", wrapped)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"evt-2"}, consumer.handledIDs())
}

func TestDispatch_MalformedBodyAcked(t *testing.T) {
	consumer := &stubConsumer{types: []string{"task.created"}}
	handler := newIngress(t, consumer)

	for _, body := range []string{
		"not json at all",
		`{"event_type": "task.created"}`,          // missing event_id and task_id
		`{"event_type": "task.exploded", "event_id": "evt-3", "task_id": "task-1"}`, // unknown type
	} {
		rec := postEvent(t, handler, "task-created", body)
		assert.Equal(t, http.StatusOK, rec.Code, "malformed body %q must be acked", body)
		assert.JSONEq(t, `{"success": true}`, rec.Body.String())
	}
	assert.Empty(t, consumer.handledIDs(), "malformed events never reach consumers")
}

func TestDispatch_TransientErrorRequestsRedelivery(t *testing.T) {
	consumer := &stubConsumer{
		types: []string{"task.created"},
		err:   fmt.Errorf("database down"),
	}
	handler := newIngress(t, consumer)

	rec := postEvent(t, handler, "task-created", envelopeJSON(t, testEnvelope("evt-4")))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
}

func TestDispatch_PermanentFailureAcked(t *testing.T) {
	consumer := &stubConsumer{
		types: []string{"task.created"},
		err:   fmt.Errorf("%w: task payload missing title", events.ErrMalformed),
	}
	handler := newIngress(t, consumer)

	rec := postEvent(t, handler, "task-created", envelopeJSON(t, testEnvelope("evt-5")))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())
	assert.Equal(t, []string{"evt-5"}, consumer.handledIDs(), "the consumer saw the event and rejected it")
}
