package scheduling

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/audit"
	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/mirror"
	"github.com/wolfman30/clinic-agenda/internal/reconcile"
)

// Create books an appointment in the ERP and mirrors it. It is idempotent by
// draft.ExternalID (already booked in the ERP) and by draft.ID (client key):
// repeating a call that already succeeded returns the stored record without a
// second ERP booking.
//
// On ERP rejection or unavailability no mirror record is written. When the
// mirror write fails after the ERP accepted, the returned record is in
// sync_error and the error is a *mirror.WriteError.
func (e *Engine) Create(ctx context.Context, draft appointments.Draft) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.create")
	defer span.End()

	if err := draft.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	id := draft.ID
	if id == "" {
		id = e.newID()
	}
	key := id
	if draft.ID == "" && draft.ExternalID != "" {
		key = "ext:" + draft.ExternalID
	}
	spanAttrs(span, id, draft.ExternalID)

	unlock, err := e.lock(ctx, span, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if draft.ExternalID != "" {
		existing, err := e.mirror.GetByExternalID(ctx, draft.ExternalID)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, mirror.ErrNotFound):
			span.RecordError(err)
			return nil, fmt.Errorf("scheduling: lookup external id %s: %w", draft.ExternalID, err)
		}
		return e.adopt(ctx, span, id, draft)
	}

	from := appointments.StatePending
	var retrying *appointments.Appointment
	if draft.ID != "" {
		existing, err := e.mirror.Get(ctx, draft.ID)
		switch {
		case err == nil:
			if existing.Status != appointments.StatusSyncError {
				return existing, nil
			}
			if existing.ExternalID != "" {
				// The ERP already holds it; only the mirror is behind.
				return e.resync(ctx, span, audit.OpCreate, *existing, &draft)
			}
			if err := appointments.Transition(appointments.StateSyncError, appointments.StatePending); err != nil {
				return nil, err
			}
			retrying = existing
		case !errors.Is(err, mirror.ErrNotFound):
			span.RecordError(err)
			return nil, fmt.Errorf("scheduling: lookup %s: %w", draft.ID, err)
		}
	}

	var rec *erp.Record
	err = e.callERP(ctx, "create", func(ctx context.Context) error {
		var err error
		rec, err = e.erp.Create(ctx, toERPDraft(draft))
		return err
	})
	if err != nil {
		return nil, e.createFailed(ctx, span, id, retrying, draft, err)
	}
	if err := erp.CheckRecord("create", rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scheduling: create: %w", err)
	}
	e.supersede(ctx, id)

	appt := e.fromRecord(id, rec, &draft, retrying)
	return e.commit(ctx, span, audit.OpCreate, from, appt, payloadOf(&draft))
}

// adopt mirrors an appointment the ERP already holds under draft.ExternalID.
func (e *Engine) adopt(ctx context.Context, span trace.Span, id string, draft appointments.Draft) (*appointments.Appointment, error) {
	var rec *erp.Record
	err := e.callERP(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = e.erp.Get(ctx, draft.ExternalID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		e.metrics.ObserveSync(string(audit.OpCreate), outcomeOf(err))
		return nil, fmt.Errorf("scheduling: create %s: %w", draft.ExternalID, err)
	}
	appt := e.fromRecord(id, rec, &draft, nil)
	return e.commit(ctx, span, audit.OpCreate, appointments.StatePending, appt, payloadOf(&draft))
}

func (e *Engine) createFailed(ctx context.Context, span trace.Span, id string, retrying *appointments.Appointment, draft appointments.Draft, err error) error {
	span.RecordError(err)
	e.metrics.ObserveSync(string(audit.OpCreate), outcomeOf(err))

	reason := err.Error()
	if r, ok := erp.RejectionReason(err); ok {
		reason = r
	}
	subject := appointments.Appointment{ID: id}
	to := appointments.StatePending
	if retrying != nil {
		subject = *retrying
		to = appointments.StateSyncError
		status := appointments.StatusSyncError
		if _, merr := e.mirror.Update(ctx, id, mirror.Patch{Status: &status, SyncError: &reason}); merr != nil {
			e.logger.Error("failed to record create failure", "appointment_id", id, "error", merr)
		}
	}
	e.record(ctx, audit.OpCreate, subject, appointments.StatePending, to, reason)

	if outcomeUnknown(err) {
		// The ERP may still book it after the deadline; reconciliation adopts
		// such a late booking instead of leaving it unmirrored.
		e.enqueue(ctx, reconcile.Entry{
			AppointmentID: id,
			Operation:     reconcile.OpCreate,
			Reason:        reason,
			Payload:       payloadOf(&draft),
		})
	}

	switch {
	case erp.IsRejected(err):
		e.logger.Info("erp rejected appointment", "appointment_id", id, "reason", reason)
	case erp.IsUnavailable(err):
		e.logger.Warn("erp unavailable on create", "appointment_id", id, "error", err)
	default:
		e.logger.Error("erp create failed", "appointment_id", id, "error", err)
	}
	return fmt.Errorf("scheduling: create: %w", err)
}
