package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/internal/shared/infrastructure/dedup"
)

type mockStore struct {
	mu      sync.Mutex
	saved   [][]Entry
	pending []Entry
	loadErr error
	saveErr error
}

func (m *mockStore) SaveSnapshot(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	snap := make([]Entry, len(entries))
	copy(snap, entries)
	m.saved = append(m.saved, snap)
	return nil
}

func (m *mockStore) LoadPending(_ context.Context, _ time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.pending, nil
}

func (m *mockStore) lastSaved() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil
	}
	return m.saved[len(m.saved)-1]
}

type firedReminder struct {
	taskID string
	userID string
	kind   string
	task   events.TaskSnapshot
}

type mockPublisher struct {
	mu    sync.Mutex
	fired []firedReminder
	err   error
}

func (m *mockPublisher) ReminderTriggeredEvent(_ context.Context, taskID, userID, kind string, task events.TaskSnapshot) (*events.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.fired = append(m.fired, firedReminder{taskID: taskID, userID: userID, kind: kind, task: task})
	return &events.Envelope{
		EventType: events.ReminderTriggered,
		EventID:   uuid.NewString(),
		TaskID:    taskID,
		UserID:    userID,
	}, nil
}

func (m *mockPublisher) firedReminders() []firedReminder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]firedReminder, len(m.fired))
	copy(out, m.fired)
	return out
}

type failingGuard struct{}

func (failingGuard) Seen(context.Context, string) (bool, error) {
	return false, errors.New("redis unavailable")
}

func createdEnvelope(t *testing.T, taskID string, task events.TaskSnapshot) *events.Envelope {
	t.Helper()
	env := &events.Envelope{
		EventType: events.TaskCreated,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		UserID:    "user-1",
	}
	require.NoError(t, env.SetExtra("task", task))
	return env
}

func updatedEnvelope(t *testing.T, taskID string, changes map[string]events.FieldChange) *events.Envelope {
	t.Helper()
	env := &events.Envelope{
		EventType: events.TaskUpdated,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		UserID:    "user-1",
	}
	require.NoError(t, env.SetExtra("changes", changes))
	return env
}

func lifecycleEnvelope(eventType events.EventType, taskID string) *events.Envelope {
	return &events.Envelope{
		EventType: eventType,
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		UserID:    "user-1",
	}
}

func TestEngine_EventTypes(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)

	assert.ElementsMatch(t, []string{
		"task.created",
		"task.updated",
		"task.completed",
		"task.deleted",
	}, engine.EventTypes())
}

func TestEngine_SchedulesCreatedTask(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})

	require.NoError(t, engine.Handle(context.Background(), env))
	require.Equal(t, 1, engine.QueueLen())

	entry, ok := engine.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, "task-1", entry.TaskID)
	assert.Equal(t, "user-1", entry.UserID)
	assert.Equal(t, due.Add(-time.Hour), entry.TriggerAt)
	assert.Equal(t, events.ReminderKindDueDate, entry.Kind)
	assert.Equal(t, "Write report", entry.Title)
	assert.Equal(t, due, entry.DueDate)
}

// A reminder set for 10:00 must not fire at 09:59:55 and must fire by
// 10:00:05.
func TestEngine_FiresWithinWindow(t *testing.T) {
	pub := &mockPublisher{}
	engine := NewEngine(&mockStore{}, pub, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	now = time.Date(2025, 6, 15, 9, 59, 55, 0, time.UTC)
	assert.Equal(t, 0, engine.FireOnce(context.Background()))
	assert.Empty(t, pub.firedReminders())

	now = time.Date(2025, 6, 15, 10, 0, 5, 0, time.UTC)
	assert.Equal(t, 1, engine.FireOnce(context.Background()))

	fired := pub.firedReminders()
	require.Len(t, fired, 1)
	assert.Equal(t, "task-1", fired[0].taskID)
	assert.Equal(t, "user-1", fired[0].userID)
	assert.Equal(t, events.ReminderKindDueDate, fired[0].kind)
	assert.Equal(t, "Write report", fired[0].task.Title)
	require.NotNil(t, fired[0].task.DueDate)
	assert.Equal(t, due, fired[0].task.DueDate.Time)

	assert.Equal(t, 0, engine.QueueLen(), "fired reminders leave the queue")
}

func TestEngine_DeleteCancelsReminder(t *testing.T) {
	pub := &mockPublisher{}
	engine := NewEngine(&mockStore{}, pub, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))
	require.Equal(t, 1, engine.QueueLen())

	require.NoError(t, engine.Handle(context.Background(), lifecycleEnvelope(events.TaskDeleted, "task-1")))
	assert.Equal(t, 0, engine.QueueLen())

	now = due
	assert.Equal(t, 0, engine.FireOnce(context.Background()))
	assert.Empty(t, pub.firedReminders(), "no reminder fires for a deleted task")
}

func TestEngine_CompletedCancelsReminder(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	require.NoError(t, engine.Handle(context.Background(), lifecycleEnvelope(events.TaskCompleted, "task-1")))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_CreatedWithoutReminderFields(t *testing.T) {
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		task events.TaskSnapshot
	}{
		{"no due date", events.TaskSnapshot{Title: "Task", ReminderOffset: "1 hour"}},
		{"no offset", events.TaskSnapshot{Title: "Task", DueDate: events.NewTime(due)}},
		{"neither", events.TaskSnapshot{Title: "Task"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
			engine.now = func() time.Time { return now }

			env := createdEnvelope(t, "task-1", tt.task)
			require.NoError(t, engine.Handle(context.Background(), env))
			assert.Equal(t, 0, engine.QueueLen())
		})
	}
}

func TestEngine_CreatedWithoutTaskPayload(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)

	require.NoError(t, engine.Handle(context.Background(), lifecycleEnvelope(events.TaskCreated, "task-1")))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_CreatedWithUnparseableOffset(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Task",
		DueDate:        events.NewTime(due),
		ReminderOffset: "tomorrow",
	})

	require.NoError(t, engine.Handle(context.Background(), env), "bad offsets are skipped, not retried")
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_CreatedWithPastTrigger(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	// Due in 30 minutes with a one hour offset puts the trigger in the past.
	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Task",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})

	require.NoError(t, engine.Handle(context.Background(), env))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_UpdatedDueDateReschedules(t *testing.T) {
	pub := &mockPublisher{}
	engine := NewEngine(&mockStore{}, pub, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	// Only the due date moves; the one hour offset carries over from the
	// queued entry.
	newDue := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	update := updatedEnvelope(t, "task-1", map[string]events.FieldChange{
		"due_date": events.NewFieldChange(
			due.Format(events.TimeLayout),
			newDue.Format(events.TimeLayout),
		),
	})
	require.NoError(t, engine.Handle(context.Background(), update))
	require.Equal(t, 1, engine.QueueLen())

	entry, ok := engine.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, newDue.Add(-time.Hour), entry.TriggerAt)
	assert.Equal(t, newDue, entry.DueDate)
	assert.Equal(t, "Write report", entry.Title, "title survives the reschedule")

	now = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, 0, engine.FireOnce(context.Background()), "old trigger time no longer fires")

	now = time.Date(2025, 6, 15, 11, 0, 5, 0, time.UTC)
	assert.Equal(t, 1, engine.FireOnce(context.Background()))
}

func TestEngine_UpdatedOffsetReschedules(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	// Only the offset moves; the due date carries over.
	update := updatedEnvelope(t, "task-1", map[string]events.FieldChange{
		"reminder_offset": events.NewFieldChange("1 hour", "2 hours"),
	})
	require.NoError(t, engine.Handle(context.Background(), update))
	require.Equal(t, 1, engine.QueueLen())

	entry, ok := engine.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, due.Add(-2*time.Hour), entry.TriggerAt)
	assert.Equal(t, due, entry.DueDate)
}

func TestEngine_UpdatedNullOffsetCancels(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	update := updatedEnvelope(t, "task-1", map[string]events.FieldChange{
		"reminder_offset": events.NewFieldChange("1 hour", nil),
	})
	require.NoError(t, engine.Handle(context.Background(), update))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_UpdatedNullDueDateCancels(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	update := updatedEnvelope(t, "task-1", map[string]events.FieldChange{
		"due_date": events.NewFieldChange(due.Format(events.TimeLayout), nil),
	})
	require.NoError(t, engine.Handle(context.Background(), update))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_UpdatedUnrelatedChangeIgnored(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	update := updatedEnvelope(t, "task-1", map[string]events.FieldChange{
		"title": events.NewFieldChange("Write report", "Write the report"),
	})
	require.NoError(t, engine.Handle(context.Background(), update))
	require.Equal(t, 1, engine.QueueLen())

	entry, ok := engine.queue.Peek()
	require.True(t, ok)
	assert.Equal(t, due.Add(-time.Hour), entry.TriggerAt, "reminder untouched by unrelated changes")
}

func TestEngine_UpdatedOffsetWithoutKnownDueDate(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	// No queued entry and no due_date in the change set: there is
	// nothing to anchor the trigger to.
	update := updatedEnvelope(t, "task-1", map[string]events.FieldChange{
		"reminder_offset": events.NewFieldChange(nil, "2 hours"),
	})
	require.NoError(t, engine.Handle(context.Background(), update))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_UpdatedDueDateWithoutKnownOffset(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	update := updatedEnvelope(t, "task-1", map[string]events.FieldChange{
		"due_date": events.NewFieldChange(nil, due.Format(events.TimeLayout)),
	})
	require.NoError(t, engine.Handle(context.Background(), update))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_DuplicateDeliveryIgnored(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, dedup.NewMemoryGuard(time.Hour), Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))
	require.Equal(t, 1, engine.QueueLen())

	// A deletion redelivered under the created event's ID is a duplicate
	// and must not touch the queue.
	replay := lifecycleEnvelope(events.TaskDeleted, "task-1")
	replay.EventID = env.EventID
	require.NoError(t, engine.Handle(context.Background(), replay))
	assert.Equal(t, 1, engine.QueueLen())

	require.NoError(t, engine.Handle(context.Background(), lifecycleEnvelope(events.TaskDeleted, "task-1")))
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_GuardErrorFailsOpen(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, failingGuard{}, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})

	require.NoError(t, engine.Handle(context.Background(), env))
	assert.Equal(t, 1, engine.QueueLen(), "guard failures do not block processing")
}

func TestEngine_PublishFailureDropsEntry(t *testing.T) {
	pub := &mockPublisher{err: errors.New("broker down")}
	engine := NewEngine(&mockStore{}, pub, nil, Config{}, nil, nil)
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	due := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	env := createdEnvelope(t, "task-1", events.TaskSnapshot{
		Title:          "Write report",
		DueDate:        events.NewTime(due),
		ReminderOffset: "1 hour",
	})
	require.NoError(t, engine.Handle(context.Background(), env))

	now = due
	assert.Equal(t, 0, engine.FireOnce(context.Background()))
	assert.Equal(t, 0, engine.QueueLen(), "a failed publish drops the entry")
}

func TestEngine_StartRecoversSnapshot(t *testing.T) {
	now := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	store := &mockStore{pending: []Entry{
		entryAt("task-1", now.Add(time.Hour)),
		entryAt("task-2", now.Add(2*time.Hour)),
	}}
	engine := NewEngine(store, &mockPublisher{}, nil, Config{}, nil, nil)
	engine.now = func() time.Time { return now }

	require.NoError(t, engine.Start(context.Background()))
	assert.True(t, engine.IsRunning())
	assert.Equal(t, 2, engine.QueueLen())

	require.NoError(t, engine.Start(context.Background()), "second start is a no-op")
	assert.Equal(t, 2, engine.QueueLen())

	engine.Stop()
	assert.False(t, engine.IsRunning())
	assert.Len(t, store.lastSaved(), 2, "stop persists a final snapshot")
}

func TestEngine_StartSurvivesLoadFailure(t *testing.T) {
	store := &mockStore{loadErr: errors.New("database down")}
	engine := NewEngine(store, &mockPublisher{}, nil, Config{}, nil, nil)

	require.NoError(t, engine.Start(context.Background()), "recovery failure starts the engine empty")
	defer engine.Stop()

	assert.True(t, engine.IsRunning())
	assert.Equal(t, 0, engine.QueueLen())
}

func TestEngine_StopWithoutStart(t *testing.T) {
	engine := NewEngine(&mockStore{}, &mockPublisher{}, nil, Config{}, nil, nil)
	engine.Stop()
	assert.False(t, engine.IsRunning())
}
