// Package memory is an in-memory erp.Adapter. Each instance owns its table, so
// tests and local runs never share state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/clinic-agenda/internal/erp"
)

// Config configures an in-memory ERP.
type Config struct {
	// Seed preloads the table; seeded records keep their ids.
	Seed []erp.Record
	// Reject returns a non-empty reason to refuse a create or update.
	Reject func(draft erp.Draft) string
	// AllowOverlap disables the per-professional double-booking check.
	AllowOverlap bool
	Now          func() time.Time
}

// Adapter implements erp.Adapter over a map guarded by a mutex.
type Adapter struct {
	mu sync.RWMutex

	records map[string]erp.Record
	nextID  int64
	reject  func(erp.Draft) string
	overlap bool

	failNext map[string]error
	calls    map[string]int
}

var _ erp.Adapter = (*Adapter)(nil)

// New creates an empty or seeded in-memory ERP.
func New(cfg Config) *Adapter {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	a := &Adapter{
		records:  make(map[string]erp.Record, len(cfg.Seed)),
		nextID:   now().UnixMilli(),
		reject:   cfg.Reject,
		overlap:  cfg.AllowOverlap,
		failNext: make(map[string]error),
		calls:    make(map[string]int),
	}
	for _, rec := range cfg.Seed {
		if strings.TrimSpace(rec.ExternalID) == "" {
			rec.ExternalID = a.newIDLocked()
		}
		a.records[rec.ExternalID] = rec
	}
	return a
}

// FailNext makes the next call of op ("create", "get", "list", "update",
// "cancel") return err instead of touching the table.
func (a *Adapter) FailNext(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[op] = err
}

// Calls returns how many times op was invoked.
func (a *Adapter) Calls(op string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls[op]
}

// Len returns the number of stored records, cancelled ones included.
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

func (a *Adapter) Create(ctx context.Context, draft erp.Draft) (*erp.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enterLocked(ctx, "create"); err != nil {
		return nil, err
	}
	if err := a.checkDraftLocked("create", "", draft); err != nil {
		return nil, err
	}

	rec := erp.Record{
		ExternalID:     a.newIDLocked(),
		PatientID:      draft.PatientID,
		PatientName:    firstNonEmpty(draft.PatientName, "Novo Paciente"),
		ProfessionalID: draft.ProfessionalID,
		Start:          draft.Start.UTC(),
		End:            draft.End.UTC(),
		Procedure:      firstNonEmpty(draft.Title, "Consulta"),
		Notes:          draft.Notes,
	}
	a.records[rec.ExternalID] = rec

	cpy := rec
	return &cpy, nil
}

func (a *Adapter) Get(ctx context.Context, externalID string) (*erp.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enterLocked(ctx, "get"); err != nil {
		return nil, err
	}
	rec, ok := a.records[strings.TrimSpace(externalID)]
	if !ok {
		return nil, fmt.Errorf("erp memory: get %s: %w", externalID, erp.ErrNotFound)
	}
	cpy := rec
	return &cpy, nil
}

func (a *Adapter) ListRange(ctx context.Context, start, end time.Time) ([]erp.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enterLocked(ctx, "list"); err != nil {
		return nil, err
	}

	out := make([]erp.Record, 0, len(a.records))
	for _, rec := range a.records {
		if !start.IsZero() && rec.Start.Before(start) {
			continue
		}
		if !end.IsZero() && !rec.Start.Before(end) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ExternalID < out[j].ExternalID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}

func (a *Adapter) Update(ctx context.Context, externalID string, draft erp.Draft) (*erp.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enterLocked(ctx, "update"); err != nil {
		return nil, err
	}
	externalID = strings.TrimSpace(externalID)
	rec, ok := a.records[externalID]
	if !ok {
		return nil, fmt.Errorf("erp memory: update %s: %w", externalID, erp.ErrNotFound)
	}
	if rec.Cancelled {
		return nil, erp.Rejected("update", "appointment is cancelled")
	}
	if err := a.checkDraftLocked("update", externalID, draft); err != nil {
		return nil, err
	}

	rec.PatientID = firstNonEmpty(draft.PatientID, rec.PatientID)
	rec.PatientName = firstNonEmpty(draft.PatientName, rec.PatientName)
	rec.ProfessionalID = draft.ProfessionalID
	rec.Start = draft.Start.UTC()
	rec.End = draft.End.UTC()
	rec.Procedure = firstNonEmpty(draft.Title, rec.Procedure)
	rec.Notes = draft.Notes
	a.records[externalID] = rec

	cpy := rec
	return &cpy, nil
}

func (a *Adapter) Cancel(ctx context.Context, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enterLocked(ctx, "cancel"); err != nil {
		return err
	}
	externalID = strings.TrimSpace(externalID)
	rec, ok := a.records[externalID]
	if !ok {
		return fmt.Errorf("erp memory: cancel %s: %w", externalID, erp.ErrNotFound)
	}
	rec.Cancelled = true
	a.records[externalID] = rec
	return nil
}

func (a *Adapter) enterLocked(ctx context.Context, op string) error {
	a.calls[op]++
	if err := ctx.Err(); err != nil {
		return erp.Unavailable(op, err)
	}
	if err, ok := a.failNext[op]; ok {
		delete(a.failNext, op)
		return err
	}
	return nil
}

func (a *Adapter) checkDraftLocked(op, selfID string, draft erp.Draft) error {
	if draft.Start.IsZero() || !draft.End.After(draft.Start) {
		return erp.Rejected(op, "end must be after start")
	}
	if a.reject != nil {
		if reason := a.reject(draft); reason != "" {
			return erp.Rejected(op, reason)
		}
	}
	if a.overlap || draft.ProfessionalID == "" {
		return nil
	}
	for id, rec := range a.records {
		if id == selfID || rec.Cancelled || rec.ProfessionalID != draft.ProfessionalID {
			continue
		}
		if overlaps(rec.Start, rec.End, draft.Start, draft.End) {
			return erp.Rejected(op, "slot unavailable for professional")
		}
	}
	return nil
}

func (a *Adapter) newIDLocked() string {
	a.nextID++
	return strconv.FormatInt(a.nextID, 10)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
