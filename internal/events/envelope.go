// Package events defines the wire envelope shared by every task
// lifecycle event and the publisher that stamps envelopes and routes
// them onto the broker.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies the kind of task lifecycle event carried by an Envelope.
type EventType string

const (
	TaskCreated       EventType = "task.created"
	TaskUpdated       EventType = "task.updated"
	TaskCompleted     EventType = "task.completed"
	TaskDeleted       EventType = "task.deleted"
	ReminderTriggered EventType = "reminder.triggered"
)

// Topics events are published under, one per event type.
const (
	TopicTaskCreated       = "tasks.created"
	TopicTaskUpdated       = "tasks.updated"
	TopicTaskCompleted     = "tasks.completed"
	TopicTaskDeleted       = "tasks.deleted"
	TopicReminderTriggered = "tasks.reminder-triggered"
)

// ReminderKindDueDate is the reminder_kind value for due-date reminders.
const ReminderKindDueDate = "due_date_reminder"

// TimeLayout is the timestamp format envelopes are written with.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrMalformed marks events that cannot be processed and must be
// acknowledged rather than retried.
var ErrMalformed = errors.New("malformed event")

var topicByType = map[EventType]string{
	TaskCreated:       TopicTaskCreated,
	TaskUpdated:       TopicTaskUpdated,
	TaskCompleted:     TopicTaskCompleted,
	TaskDeleted:       TopicTaskDeleted,
	ReminderTriggered: TopicReminderTriggered,
}

var typeByTopic = map[string]EventType{
	TopicTaskCreated:       TaskCreated,
	TopicTaskUpdated:       TaskUpdated,
	TopicTaskCompleted:     TaskCompleted,
	TopicTaskDeleted:       TaskDeleted,
	TopicReminderTriggered: ReminderTriggered,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := topicByType[t]
	return ok
}

// Topic returns the broker topic for this event type.
func (t EventType) Topic() (string, bool) {
	topic, ok := topicByType[t]
	return topic, ok
}

// TypeForTopic returns the event type published under the given topic.
func TypeForTopic(topic string) (EventType, bool) {
	t, ok := typeByTopic[topic]
	return t, ok
}

// Types returns all known event types in a stable order.
func Types() []EventType {
	return []EventType{TaskCreated, TaskUpdated, TaskCompleted, TaskDeleted, ReminderTriggered}
}

// Envelope is the common frame around every event on the bus. The
// type-specific payload (task snapshot, field changes, reminder kind)
// travels as additional top-level keys and is preserved verbatim in
// Extra so consumers that do not understand a key still relay it.
type Envelope struct {
	EventType     EventType
	EventID       string
	Timestamp     time.Time
	TaskID        string
	UserID        string
	CorrelationID string
	Extra         map[string]json.RawMessage
}

// MarshalJSON flattens the envelope fields and the extra payload keys
// into a single JSON object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.Extra)+6)
	for k, v := range e.Extra {
		out[k] = v
	}

	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("events: encode %s: %w", key, err)
		}
		out[key] = raw
		return nil
	}

	if err := set("event_type", e.EventType); err != nil {
		return nil, err
	}
	if err := set("event_id", e.EventID); err != nil {
		return nil, err
	}
	if err := set("timestamp", e.Timestamp.UTC().Format(TimeLayout)); err != nil {
		return nil, err
	}
	if err := set("task_id", e.TaskID); err != nil {
		return nil, err
	}
	if err := set("user_id", e.UserID); err != nil {
		return nil, err
	}
	if e.CorrelationID != "" {
		if err := set("correlation_id", e.CorrelationID); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON splits the known envelope fields from the remaining
// top-level keys, which are kept raw in Extra.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	popString := func(key string) (string, error) {
		rv, ok := raw[key]
		if !ok {
			return "", nil
		}
		delete(raw, key)
		if string(rv) == "null" {
			return "", nil
		}
		var s string
		if err := json.Unmarshal(rv, &s); err != nil {
			return "", fmt.Errorf("events: field %s: %w", key, err)
		}
		return s, nil
	}

	eventType, err := popString("event_type")
	if err != nil {
		return err
	}
	e.EventType = EventType(eventType)

	if e.EventID, err = popString("event_id"); err != nil {
		return err
	}
	if e.TaskID, err = popString("task_id"); err != nil {
		return err
	}
	if e.UserID, err = popString("user_id"); err != nil {
		return err
	}
	if e.CorrelationID, err = popString("correlation_id"); err != nil {
		return err
	}

	ts, err := popString("timestamp")
	if err != nil {
		return err
	}
	if ts != "" {
		parsed, err := ParseTime(ts)
		if err != nil {
			return err
		}
		e.Timestamp = parsed
	} else {
		e.Timestamp = time.Time{}
	}

	if len(raw) > 0 {
		e.Extra = raw
	} else {
		e.Extra = nil
	}
	return nil
}

// Validate checks the fields every consumer relies on. Failures wrap
// ErrMalformed so ingress code can acknowledge instead of retrying.
func (e *Envelope) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("%w: missing event_type", ErrMalformed)
	}
	if !e.EventType.Valid() {
		return fmt.Errorf("%w: unknown event_type %q", ErrMalformed, e.EventType)
	}
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event_id", ErrMalformed)
	}
	if e.TaskID == "" {
		return fmt.Errorf("%w: missing task_id", ErrMalformed)
	}
	return nil
}

// SetExtra encodes v under the given top-level key.
func (e *Envelope) SetExtra(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", key, err)
	}
	if e.Extra == nil {
		e.Extra = make(map[string]json.RawMessage)
	}
	e.Extra[key] = raw
	return nil
}

// Task decodes the task snapshot payload, when present.
func (e *Envelope) Task() (*TaskSnapshot, error) {
	raw, ok := e.Extra["task"]
	if !ok {
		return nil, nil
	}
	var task TaskSnapshot
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("%w: invalid task payload: %v", ErrMalformed, err)
	}
	return &task, nil
}

// Changes decodes the field-change payload of a task.updated event,
// when present.
func (e *Envelope) Changes() (map[string]FieldChange, error) {
	raw, ok := e.Extra["changes"]
	if !ok {
		return nil, nil
	}
	var changes map[string]FieldChange
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, fmt.Errorf("%w: invalid changes payload: %v", ErrMalformed, err)
	}
	return changes, nil
}

// ReminderKind returns the reminder_kind payload of a reminder.triggered
// event, or "" when absent.
func (e *Envelope) ReminderKind() string {
	raw, ok := e.Extra["reminder_kind"]
	if !ok {
		return ""
	}
	var kind string
	if err := json.Unmarshal(raw, &kind); err != nil {
		return ""
	}
	return kind
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses timestamps as they appear on the wire. Producers
// outside this module emit ISO 8601 variants that are not always
// RFC 3339: missing timezone suffix, space separators, date-only forms.
// Zone-less values are interpreted as UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("events: cannot parse time %q", s)
}
