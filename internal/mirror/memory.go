package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/clinictime"
)

// MemoryStore is an in-process mirror for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    *clinictime.Normalizer
	now      func() time.Time
	records  map[string]appointments.Appointment
	patients map[string]patient
	failNext map[string]error
}

type patient struct {
	name  string
	phone string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(clock *clinictime.Normalizer) *MemoryStore {
	if clock == nil {
		panic("mirror: normalizer required")
	}
	return &MemoryStore{
		clock:    clock,
		now:      time.Now,
		records:  make(map[string]appointments.Appointment),
		patients: make(map[string]patient),
		failNext: make(map[string]error),
	}
}

// FailNext makes the next call of op ("upsert", "update", "delete", "get",
// "list") return err.
func (s *MemoryStore) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// PutPatient registers a patient for the read-side join.
func (s *MemoryStore) PutPatient(id, name, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[id] = patient{name: name, phone: phone}
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) takeFailure(op string) error {
	err := s.failNext[op]
	delete(s.failNext, op)
	return err
}

func (s *MemoryStore) Upsert(ctx context.Context, appt appointments.Appointment) (*appointments.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, writeErr("upsert", appt.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("upsert"); err != nil {
		return nil, writeErr("upsert", appt.ID, err)
	}
	if err := validateRecord(appt); err != nil {
		return nil, writeErr("upsert", appt.ID, err)
	}
	if appt.ExternalID != "" {
		for id, existing := range s.records {
			if id != appt.ID && existing.ExternalID == appt.ExternalID {
				return nil, writeErr("upsert", appt.ID, ErrConflict)
			}
		}
	}

	now := s.now().UTC()
	stored := appt.Clone()
	stored.PatientName, stored.PatientPhone = "", ""
	if existing, ok := s.records[appt.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.records[appt.ID] = stored
	out := s.joined(stored)
	return &out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*appointments.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, writeErr("update", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("update"); err != nil {
		return nil, writeErr("update", id, err)
	}
	current, ok := s.records[id]
	if !ok {
		return nil, writeErr("update", id, ErrNotFound)
	}
	next := current.Clone()
	patch.Apply(&next)
	if err := validateRecord(next); err != nil {
		return nil, writeErr("update", id, err)
	}
	next.UpdatedAt = s.now().UTC()
	s.records[id] = next
	out := s.joined(next)
	return &out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return writeErr("delete", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("delete"); err != nil {
		return writeErr("delete", id, err)
	}
	if _, ok := s.records[id]; !ok {
		return writeErr("delete", id, ErrNotFound)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*appointments.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("get"); err != nil {
		return nil, err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := s.joined(rec)
	return &out, nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*appointments.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("get"); err != nil {
		return nil, err
	}
	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, rec := range s.records {
		if rec.ExternalID == externalID {
			out := s.joined(rec)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListRange(ctx context.Context, q RangeQuery) ([]appointments.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("list"); err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(q.Professionals))
	for _, p := range q.Professionals {
		allowed[p] = struct{}{}
	}
	fromDay, toDay := s.clock.DayRange(q.Start, q.End)

	var out []appointments.Appointment
	for _, rec := range s.records {
		if !rec.StartInstant.IsZero() {
			if rec.StartInstant.Before(q.Start) || !rec.StartInstant.Before(q.End) {
				continue
			}
		} else if rec.CalendarDay < fromDay || rec.CalendarDay >= toDay {
			continue
		}
		if len(allowed) > 0 && rec.ProfessionalID != "" {
			if _, ok := allowed[rec.ProfessionalID]; !ok {
				continue
			}
		}
		out = append(out, s.joined(rec))
	}
	sortByStart(s.clock, out)
	return out, nil
}

func (s *MemoryStore) joined(rec appointments.Appointment) appointments.Appointment {
	out := rec.Clone()
	if p, ok := s.patients[rec.PatientID]; ok && rec.PatientID != "" {
		out.PatientName = p.name
		out.PatientPhone = p.phone
	}
	return out
}
