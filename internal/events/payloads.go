package events

import (
	"encoding/json"
	"time"
)

// Time wraps time.Time with the tolerant wire decoding of ParseTime.
type Time struct {
	time.Time
}

// NewTime wraps t for use in a payload field.
func NewTime(t time.Time) *Time {
	return &Time{Time: t}
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimeLayout))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// TaskSnapshot is the task state carried by task.created, task.updated,
// task.completed and reminder.triggered events. Producers include the
// fields they have; consumers treat everything as optional.
type TaskSnapshot struct {
	ID                    string `json:"id,omitempty"`
	Title                 string `json:"title"`
	Description           string `json:"description,omitempty"`
	Completed             bool   `json:"completed"`
	DueDate               *Time  `json:"due_date,omitempty"`
	ReminderOffset        string `json:"reminder_offset,omitempty"`
	RecurrencePattern     string `json:"recurrence_pattern,omitempty"`
	RecurrenceEndDate     *Time  `json:"recurrence_end_date,omitempty"`
	ParentRecurringTaskID string `json:"parent_recurring_task_id,omitempty"`
	OccurrenceDate        string `json:"occurrence_date,omitempty"`
	CreatedAt             *Time  `json:"created_at,omitempty"`
	UpdatedAt             *Time  `json:"updated_at,omitempty"`
}

// FieldChange records the before and after values of one task field in
// a task.updated event. Values keep their original JSON form because
// fields differ in type (strings, booleans, timestamps, nulls).
type FieldChange struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// NewFieldChange encodes a before/after pair. Values that cannot be
// encoded become JSON null.
func NewFieldChange(oldValue, newValue any) FieldChange {
	return FieldChange{Old: rawValue(oldValue), New: rawValue(newValue)}
}

func rawValue(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// OldValue decodes the previous value into a generic Go value.
func (c FieldChange) OldValue() any {
	return decodeValue(c.Old)
}

// NewValue decodes the new value into a generic Go value.
func (c FieldChange) NewValue() any {
	return decodeValue(c.New)
}

func decodeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// NewText returns the new value when it is a JSON string.
func (c FieldChange) NewText() (string, bool) {
	if len(c.New) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(c.New, &s); err != nil {
		return "", false
	}
	return s, true
}

// NewTime parses the new value as a timestamp.
func (c FieldChange) NewTime() (time.Time, bool) {
	s, ok := c.NewText()
	if !ok || s == "" {
		return time.Time{}, false
	}
	ts, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// IsNull reports whether the new value is JSON null or absent.
func (c FieldChange) IsNull() bool {
	return len(c.New) == 0 || string(c.New) == "null"
}
