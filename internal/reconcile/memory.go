package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue for development and tests.
type MemoryQueue struct {
	mu          sync.Mutex
	now         func() time.Time
	maxAttempts int
	entries     map[uuid.UUID]*memoryEntry
}

type memoryEntry struct {
	Entry
	next       time.Time
	lastErr    string
	resolved   bool
	superseded bool
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &MemoryQueue{
		now:         time.Now,
		maxAttempts: maxAttempts,
		entries:     make(map[uuid.UUID]*memoryEntry),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, entry Entry) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	for id, e := range q.entries {
		if !e.resolved && e.AppointmentID == entry.AppointmentID && e.Operation == entry.Operation {
			e.ExternalID = entry.ExternalID
			e.Reason = entry.Reason
			e.Payload = append([]byte(nil), entry.Payload...)
			e.next = now
			return id, nil
		}
	}
	id := uuid.New()
	entry.ID = id
	entry.Attempts = 0
	entry.CreatedAt = now
	entry.Payload = append([]byte(nil), entry.Payload...)
	q.entries[id] = &memoryEntry{Entry: entry, next: now}
	return id, nil
}

func (q *MemoryQueue) FetchPending(_ context.Context, limit int32) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var due []*memoryEntry
	for _, e := range q.entries {
		if e.resolved || e.Attempts >= q.maxAttempts || e.next.After(now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].next.Equal(due[j].next) {
			return due[i].next.Before(due[j].next)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > int(limit) {
		due = due[:limit]
	}
	out := make([]Entry, 0, len(due))
	for _, e := range due {
		out = append(out, e.Entry)
	}
	return out, nil
}

func (q *MemoryQueue) MarkResolved(_ context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.resolved {
		return false, nil
	}
	e.resolved = true
	return true, nil
}

func (q *MemoryQueue) MarkAttempt(_ context.Context, id uuid.UUID, cause error, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil
	}
	e.Attempts++
	e.next = next
	if cause != nil {
		e.lastErr = cause.Error()
	}
	return nil
}

func (q *MemoryQueue) Supersede(_ context.Context, appointmentID string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, e := range q.entries {
		if e.AppointmentID != appointmentID || e.superseded {
			continue
		}
		e.resolved = true
		e.superseded = true
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Superseded(_ context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	return ok && e.superseded, nil
}

// Pending returns unresolved entries regardless of schedule.
func (q *MemoryQueue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if !e.resolved {
			out = append(out, e.Entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
