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

// Update reschedules or edits an appointment through the ERP. On ERP
// unavailability the mirror keeps the old values in sync_error and the change
// is queued for replay; on rejection the mirror is left untouched.
func (e *Engine) Update(ctx context.Context, id string, draft appointments.Draft) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.update")
	defer span.End()

	if err := draft.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	unlock, err := e.lock(ctx, span, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	spanAttrs(span, id, current.ExternalID)
	if current.Status == appointments.StatusCancelled {
		return nil, fmt.Errorf("%w: %s", ErrCancelled, id)
	}
	if current.ExternalID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, id)
	}
	if err := appointments.Transition(appointments.StateOf(*current), appointments.StateUpdating); err != nil {
		return nil, err
	}

	payload := payloadOf(&draft)
	var rec *erp.Record
	err = e.callERP(ctx, "update", func(ctx context.Context) error {
		var err error
		rec, err = e.erp.Update(ctx, current.ExternalID, toERPDraft(draft))
		return err
	})
	if err != nil {
		return nil, e.erpFailed(ctx, span, audit.OpUpdate, reconcile.OpUpdate, *current, appointments.StateUpdating, payload, err)
	}
	if err := erp.CheckRecord("update", rec); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scheduling: update: %w", err)
	}
	e.supersede(ctx, current.ID)

	appt := e.fromRecord(current.ID, rec, &draft, current)
	return e.commit(ctx, span, audit.OpUpdate, appointments.StateUpdating, appt, payload)
}

// Cancel cancels an appointment in the ERP, then marks the mirror record
// cancelled. Cancelling a cancelled appointment is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.cancel")
	defer span.End()

	unlock, err := e.lock(ctx, span, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	spanAttrs(span, id, current.ExternalID)
	if current.Status == appointments.StatusCancelled {
		return current, nil
	}

	if current.ExternalID == "" {
		// Nothing to cancel upstream.
		e.supersede(ctx, id)
		status := appointments.StatusCancelled
		empty := ""
		stored, err := e.mirror.Update(ctx, id, mirror.Patch{Status: &status, SyncError: &empty})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		e.record(ctx, audit.OpCancel, *stored, appointments.StateOf(*current), appointments.StateCancelled, "")
		return stored, nil
	}

	if err := appointments.Transition(appointments.StateOf(*current), appointments.StateCancelling); err != nil {
		return nil, err
	}
	err = e.callERP(ctx, "cancel", func(ctx context.Context) error {
		return e.erp.Cancel(ctx, current.ExternalID)
	})
	if errors.Is(err, erp.ErrNotFound) {
		e.logger.Warn("appointment already gone from erp", "appointment_id", id, "external_id", current.ExternalID)
		err = nil
	}
	if err != nil {
		return nil, e.erpFailed(ctx, span, audit.OpCancel, reconcile.OpCancel, *current, appointments.StateCancelling, nil, err)
	}
	e.supersede(ctx, id)

	appt := e.settled(*current, appointments.StateCancelled)
	return e.commit(ctx, span, audit.OpCancel, appointments.StateCancelling, appt, nil)
}

// Purge hard-deletes a mirror record. Only cancelled records and records the
// ERP never confirmed can be purged.
func (e *Engine) Purge(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "scheduling.purge")
	defer span.End()

	unlock, err := e.lock(ctx, span, id)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := e.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if current.Status != appointments.StatusCancelled && current.ExternalID != "" {
		return fmt.Errorf("%w: %s", ErrPurgeConfirmed, id)
	}
	if err := e.mirror.Delete(ctx, id); err != nil {
		span.RecordError(err)
		return err
	}
	e.record(ctx, audit.OpPurge, *current, appointments.StateOf(*current), "", "")
	e.logger.Info("appointment purged", "appointment_id", id)
	return nil
}

// Retry re-reads a sync_error appointment from the ERP and rewrites the mirror
// to match. Records that are not in sync_error are returned unchanged.
func (e *Engine) Retry(ctx context.Context, id string) (*appointments.Appointment, error) {
	ctx, span := tracer.Start(ctx, "scheduling.retry")
	defer span.End()

	unlock, err := e.lock(ctx, span, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if current.Status != appointments.StatusSyncError {
		return current, nil
	}
	if current.ExternalID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, id)
	}
	return e.resync(ctx, span, audit.OpRetry, *current, nil)
}

// resync makes a sync_error record match the ERP again.
func (e *Engine) resync(ctx context.Context, span trace.Span, op audit.Operation, current appointments.Appointment, draft *appointments.Draft) (*appointments.Appointment, error) {
	if err := appointments.Transition(appointments.StateSyncError, appointments.StatePending); err != nil {
		return nil, err
	}
	spanAttrs(span, current.ID, current.ExternalID)

	var rec *erp.Record
	err := e.callERP(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = e.erp.Get(ctx, current.ExternalID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		e.metrics.ObserveSync(string(op), outcomeOf(err))
		return nil, fmt.Errorf("scheduling: %s %s: %w", shortOp(op), current.ID, err)
	}
	appt := e.fromRecord(current.ID, rec, draft, &current)
	return e.commit(ctx, span, op, appointments.StatePending, appt, payloadOf(draft))
}
