// Package reminder schedules due-date reminders from task lifecycle
// events: a min-heap of pending triggers fed by the event stream, a
// firing loop that publishes reminder.triggered, and periodic snapshots
// to the reminder_schedule table for crash recovery.
package reminder

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is one pending reminder. Title and DueDate cache the bits of
// task state the fired event carries, so firing needs no task lookup.
type Entry struct {
	TaskID    string
	UserID    string
	TriggerAt time.Time
	Kind      string
	Title     string
	DueDate   time.Time
}

// entryHeap is a min-heap ordered by TriggerAt.
type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].TriggerAt.Before(h[j].TriggerAt) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Queue is a thread-safe priority queue of reminders keyed by trigger
// time. At most one entry exists per task id: Add removes any existing
// entry for the same task before inserting.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Add inserts a reminder, replacing any pending entry for the same task.
func (q *Queue) Add(e Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(e.TaskID)
	heap.Push(&q.entries, e)
}

// Peek returns the earliest reminder without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Pop removes and returns the earliest reminder.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return heap.Pop(&q.entries).(Entry), true
}

// PopDue removes and returns every reminder with TriggerAt at or before
// now, earliest first.
func (q *Queue) PopDue(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Entry
	for len(q.entries) > 0 && !q.entries[0].TriggerAt.After(now) {
		due = append(due, heap.Pop(&q.entries).(Entry))
	}
	return due
}

// Remove deletes the pending reminder for a task. It returns the removed
// entry so reschedules can reuse its cached task state.
func (q *Queue) Remove(taskID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(taskID)
}

func (q *Queue) removeLocked(taskID string) (Entry, bool) {
	for i, e := range q.entries {
		if e.TaskID == taskID {
			heap.Remove(&q.entries, i)
			return e, true
		}
	}
	return Entry{}, false
}

// Snapshot returns a copy of every pending entry, in no particular order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of pending reminders.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
