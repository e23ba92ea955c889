// Package notifier turns bus events into user-facing notification
// frames and fans them out to the user's live connections. Delivery is
// best effort: a slow or rate-limited connection loses frames rather
// than stalling the dispatcher.
package notifier

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/taskfabric/internal/events"
)

// Frame is one message on a notification stream. Notifications carry
// the full set of fields; heartbeats carry only type and timestamp.
type Frame struct {
	Type      string         `json:"type"`
	Event     string         `json:"event,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func heartbeatFrame(now time.Time) Frame {
	return Frame{
		Type:      "heartbeat",
		Timestamp: now.UTC().Format(events.TimeLayout),
	}
}

func newNotification(env *events.Envelope, data map[string]any, now time.Time) Frame {
	return Frame{
		Type:      "notification",
		Event:     strings.ReplaceAll(string(env.EventType), ".", "_"),
		TaskID:    env.TaskID,
		UserID:    env.UserID,
		Data:      data,
		Timestamp: now.UTC().Format(events.TimeLayout),
	}
}

// buildFrame renders the notification for one event. Errors wrap
// events.ErrMalformed: a frame that cannot be built now never will be.
func buildFrame(env *events.Envelope, now time.Time) (Frame, error) {
	switch env.EventType {
	case events.TaskCreated:
		return createdFrame(env, now)
	case events.TaskUpdated:
		return updatedFrame(env, now)
	case events.TaskCompleted:
		return completedFrame(env, now)
	case events.TaskDeleted:
		return newNotification(env, map[string]any{
			"message": "Task deleted",
		}, now), nil
	case events.ReminderTriggered:
		return reminderFrame(env, now)
	default:
		return Frame{}, fmt.Errorf("%w: no notification for event type %q", events.ErrMalformed, env.EventType)
	}
}

func createdFrame(env *events.Envelope, now time.Time) (Frame, error) {
	task, err := env.Task()
	if err != nil {
		return Frame{}, err
	}

	title := "Untitled"
	var description any
	if task != nil {
		if task.Title != "" {
			title = task.Title
		}
		if task.Description != "" {
			description = task.Description
		}
	}

	return newNotification(env, map[string]any{
		"title":       title,
		"description": description,
		"message":     "New task created: " + title,
	}, now), nil
}

func updatedFrame(env *events.Envelope, now time.Time) (Frame, error) {
	changes, err := env.Changes()
	if err != nil {
		return Frame{}, err
	}

	summary := changeSummary(changes)
	return newNotification(env, map[string]any{
		"changes":        changes,
		"change_summary": summary,
		"message":        "Task updated: " + summary,
	}, now), nil
}

func completedFrame(env *events.Envelope, now time.Time) (Frame, error) {
	completedAt := env.Timestamp
	if raw, ok := env.Extra["completed_at"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if ts, err := events.ParseTime(s); err == nil {
				completedAt = ts
			}
		}
	}
	if completedAt.IsZero() {
		completedAt = now
	}

	return newNotification(env, map[string]any{
		"completed_at": completedAt.UTC().Format(events.TimeLayout),
		"message":      "Task completed!",
	}, now), nil
}

func reminderFrame(env *events.Envelope, now time.Time) (Frame, error) {
	task, err := env.Task()
	if err != nil {
		return Frame{}, err
	}

	title := "Untitled"
	var dueDate any
	if task != nil {
		if task.Title != "" {
			title = task.Title
		}
		if task.DueDate != nil && !task.DueDate.IsZero() {
			dueDate = task.DueDate.UTC().Format(events.TimeLayout)
		}
	}

	kind := env.ReminderKind()
	if kind == "" {
		kind = events.ReminderKindDueDate
	}

	return newNotification(env, map[string]any{
		"title":         title,
		"due_date":      dueDate,
		"reminder_kind": kind,
		"message":       fmt.Sprintf("Reminder: '%s' is due soon!", title),
	}, now), nil
}

// changeSummary renders "field: old → new" pairs in field order.
func changeSummary(changes map[string]events.FieldChange) string {
	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		change := changes[field]
		parts = append(parts, fmt.Sprintf("%s: %s → %s",
			field,
			formatValue(change.OldValue()),
			formatValue(change.NewValue()),
		))
	}
	return strings.Join(parts, ", ")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
