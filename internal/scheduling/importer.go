package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/audit"
	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/mirror"
)

// ImportResult counts what an import did to the mirror.
type ImportResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Import pulls the ERP agenda for [start, end) into the mirror, keyed by
// external id. Running it twice changes nothing the second time.
func (e *Engine) Import(ctx context.Context, start, end time.Time) (*ImportResult, error) {
	ctx, span := tracer.Start(ctx, "scheduling.import")
	defer span.End()
	span.SetAttributes(
		attribute.String("agenda.window_start", start.UTC().Format(time.RFC3339)),
		attribute.String("agenda.window_end", end.UTC().Format(time.RFC3339)),
	)

	if !end.After(start) {
		return nil, fmt.Errorf("scheduling: import window end must be after start")
	}

	var records []erp.Record
	err := e.callERP(ctx, "list", func(ctx context.Context) error {
		var err error
		records, err = e.erp.ListRange(ctx, start, end)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scheduling: import: %w", err)
	}

	result := &ImportResult{}
	var errs []error
	for i := range records {
		changed, created, err := e.importOne(ctx, records[i])
		switch {
		case err != nil:
			result.Failed++
			errs = append(errs, err)
		case created:
			result.Created++
		case changed:
			result.Updated++
		default:
			result.Unchanged++
		}
	}
	e.logger.Info("erp import finished",
		"created", result.Created, "updated", result.Updated,
		"unchanged", result.Unchanged, "failed", result.Failed)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return result, err
	}
	return result, nil
}

func (e *Engine) importOne(ctx context.Context, rec erp.Record) (changed, created bool, err error) {
	if err := erp.CheckRecord("list", &rec); err != nil {
		return false, false, err
	}
	unlock, err := e.locker.Lock(ctx, "ext:"+rec.ExternalID)
	if err != nil {
		return false, false, err
	}
	defer unlock()

	existing, err := e.mirror.GetByExternalID(ctx, rec.ExternalID)
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		appt := e.fromRecord(e.newID(), &rec, nil, nil)
		if _, err := e.commit(ctx, trace.SpanFromContext(ctx), audit.OpImport, appointments.StatePending, appt, nil); err != nil {
			return false, false, err
		}
		return true, true, nil
	case err != nil:
		return false, false, fmt.Errorf("scheduling: import lookup %s: %w", rec.ExternalID, err)
	}

	if matchesRecord(*existing, rec) {
		return false, false, nil
	}
	unlockID, err := e.locker.Lock(ctx, existing.ID)
	if err != nil {
		return false, false, err
	}
	defer unlockID()

	appt := e.fromRecord(existing.ID, &rec, nil, existing)
	if _, err := e.commit(ctx, trace.SpanFromContext(ctx), audit.OpImport, appointments.StateOf(*existing), appt, nil); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// matchesRecord reports whether the mirror already reflects rec.
func matchesRecord(a appointments.Appointment, rec erp.Record) bool {
	if a.Status == appointments.StatusSyncError {
		return false
	}
	if (a.Status == appointments.StatusCancelled) != rec.Cancelled {
		return false
	}
	if rec.ProfessionalID != "" && a.ProfessionalID != rec.ProfessionalID {
		return false
	}
	return a.StartInstant.Equal(rec.Start) && a.EndInstant.Equal(rec.End)
}
