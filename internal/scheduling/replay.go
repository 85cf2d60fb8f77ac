package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/audit"
	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/mirror"
	"github.com/wolfman30/clinic-agenda/internal/reconcile"
)

var _ reconcile.Handler = (*Engine)(nil)

// Handle lets the engine serve as the reconcile worker's handler.
func (e *Engine) Handle(ctx context.Context, entry reconcile.Entry) error {
	return e.Replay(ctx, entry)
}

// Replay re-runs a queued operation. Transient failures are returned so the
// worker retries later; outcomes that need an operator return reconcile.ErrDrop
// and leave the record in sync_error.
func (e *Engine) Replay(ctx context.Context, entry reconcile.Entry) error {
	ctx, span := tracer.Start(ctx, "scheduling.replay")
	defer span.End()
	spanAttrs(span, entry.AppointmentID, entry.ExternalID)

	unlock, err := e.lock(ctx, span, entry.AppointmentID)
	if err != nil {
		return err
	}
	defer unlock()

	// A newer write reached the ERP after this entry was queued.
	superseded, err := e.replay.Superseded(ctx, entry.ID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("scheduling: replay %s: %w", entry.AppointmentID, err)
	}
	if superseded {
		e.metrics.ObserveSync(string(audit.OpReplay), "superseded")
		e.logger.Info("skipping superseded replay", "appointment_id", entry.AppointmentID, "operation", entry.Operation)
		return nil
	}

	current, err := e.Get(ctx, entry.AppointmentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		return err
	}

	switch entry.Operation {
	case reconcile.OpCreate:
		err = e.replayCreate(ctx, entry, current)
	case reconcile.OpMirror:
		err = e.replayMirror(ctx, entry, current)
	case reconcile.OpUpdate:
		err = e.replayUpdate(ctx, entry, current)
	case reconcile.OpCancel:
		err = e.replayCancel(ctx, entry, current)
	default:
		err = fmt.Errorf("%w: unsupported operation %q", reconcile.ErrDrop, entry.Operation)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (e *Engine) replayMirror(ctx context.Context, entry reconcile.Entry, current *appointments.Appointment) error {
	externalID := entry.ExternalID
	if current != nil && current.ExternalID != "" {
		externalID = current.ExternalID
	}
	if externalID == "" {
		return fmt.Errorf("%w: %s has no external id", reconcile.ErrDrop, entry.AppointmentID)
	}

	var rec *erp.Record
	err := e.callERP(ctx, "get", func(ctx context.Context) error {
		var err error
		rec, err = e.erp.Get(ctx, externalID)
		return err
	})
	if err != nil {
		return e.replayFailed(ctx, entry, current, err)
	}

	draft := decodeDraft(entry)
	appt := e.fromRecord(entry.AppointmentID, rec, draft, current)
	return e.replayCommit(ctx, current, appt)
}

func (e *Engine) replayUpdate(ctx context.Context, entry reconcile.Entry, current *appointments.Appointment) error {
	if current == nil || current.Status == appointments.StatusCancelled {
		return fmt.Errorf("%w: %s no longer updatable", reconcile.ErrDrop, entry.AppointmentID)
	}
	draft := decodeDraft(entry)
	if draft == nil {
		return fmt.Errorf("%w: %s update payload unreadable", reconcile.ErrDrop, entry.AppointmentID)
	}

	var rec *erp.Record
	err := e.callERP(ctx, "update", func(ctx context.Context) error {
		var err error
		rec, err = e.erp.Update(ctx, current.ExternalID, toERPDraft(*draft))
		return err
	})
	if err != nil {
		return e.replayFailed(ctx, entry, current, err)
	}
	appt := e.fromRecord(current.ID, rec, draft, current)
	return e.replayCommit(ctx, current, appt)
}

func (e *Engine) replayCancel(ctx context.Context, entry reconcile.Entry, current *appointments.Appointment) error {
	if current == nil {
		return fmt.Errorf("%w: %s no longer mirrored", reconcile.ErrDrop, entry.AppointmentID)
	}
	if current.Status == appointments.StatusCancelled {
		return nil
	}
	err := e.callERP(ctx, "cancel", func(ctx context.Context) error {
		return e.erp.Cancel(ctx, current.ExternalID)
	})
	if err != nil && !errors.Is(err, erp.ErrNotFound) {
		return e.replayFailed(ctx, entry, current, err)
	}
	appt := e.settled(*current, appointments.StateCancelled)
	return e.replayCommit(ctx, current, appt)
}

// replayCreate settles a create whose ERP call was cut off. It never books:
// a booking the ERP made after the deadline is adopted, otherwise the entry
// resolves with nothing mirrored.
func (e *Engine) replayCreate(ctx context.Context, entry reconcile.Entry, current *appointments.Appointment) error {
	if current != nil && current.ExternalID != "" {
		return nil
	}
	draft := decodeDraft(entry)
	if draft == nil {
		return fmt.Errorf("%w: %s create payload unreadable", reconcile.ErrDrop, entry.AppointmentID)
	}

	var recs []erp.Record
	err := e.callERP(ctx, "list", func(ctx context.Context) error {
		var err error
		recs, err = e.erp.ListRange(ctx, draft.Start, draft.End)
		return err
	})
	if err != nil {
		return e.replayFailed(ctx, entry, current, err)
	}

	rec, err := e.findBooked(ctx, *draft, recs)
	if err != nil {
		return fmt.Errorf("scheduling: replay %s: %w", entry.AppointmentID, err)
	}
	if rec == nil {
		e.metrics.ObserveSync(string(audit.OpReplay), "not_booked")
		e.logger.Info("create never reached the erp", "appointment_id", entry.AppointmentID)
		return nil
	}
	appt := e.fromRecord(entry.AppointmentID, rec, draft, current)
	return e.replayCommit(ctx, current, appt)
}

// findBooked picks the ERP record matching a draft's slot, professional and
// patient that no other mirror row already claims.
func (e *Engine) findBooked(ctx context.Context, draft appointments.Draft, recs []erp.Record) (*erp.Record, error) {
	patientID := strings.TrimSpace(draft.PatientID)
	patientName := strings.TrimSpace(draft.PatientName)
	professionalID := strings.TrimSpace(draft.ProfessionalID)
	for i := range recs {
		rec := recs[i]
		if rec.Cancelled || rec.ExternalID == "" {
			continue
		}
		if !rec.Start.Equal(draft.Start) || !rec.End.Equal(draft.End) {
			continue
		}
		if professionalID != "" && rec.ProfessionalID != professionalID {
			continue
		}
		switch {
		case patientID != "":
			if rec.PatientID != patientID {
				continue
			}
		case patientName != "" && !strings.EqualFold(strings.TrimSpace(rec.PatientName), patientName):
			continue
		}
		_, err := e.mirror.GetByExternalID(ctx, rec.ExternalID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, mirror.ErrNotFound):
			return nil, err
		}
		return &rec, nil
	}
	return nil, nil
}

func (e *Engine) replayCommit(ctx context.Context, current *appointments.Appointment, appt appointments.Appointment) error {
	from := appointments.StateSyncError
	if current != nil {
		from = appointments.StateOf(*current)
	}
	stored, err := e.mirror.Upsert(ctx, appt)
	if err != nil {
		e.metrics.ObserveSync(string(audit.OpReplay), "mirror_error")
		return fmt.Errorf("scheduling: replay %s: %w", appt.ID, err)
	}
	to := appointments.StateOf(*stored)
	e.record(ctx, audit.OpReplay, *stored, from, to, "")
	e.metrics.ObserveSync(string(audit.OpReplay), string(to))
	e.logger.Info("replay reconciled appointment", "appointment_id", stored.ID, "external_id", stored.ExternalID, "state", to)
	return nil
}

// replayFailed keeps transient failures retryable and turns permanent ones
// into an operator-visible sync_error.
func (e *Engine) replayFailed(ctx context.Context, entry reconcile.Entry, current *appointments.Appointment, err error) error {
	e.metrics.ObserveSync(string(audit.OpReplay), outcomeOf(err))
	if erp.IsUnavailable(err) {
		return fmt.Errorf("scheduling: replay %s: %w", entry.AppointmentID, err)
	}
	reason := err.Error()
	if r, ok := erp.RejectionReason(err); ok {
		reason = r
	}
	if current != nil {
		status := appointments.StatusSyncError
		if _, merr := e.mirror.Update(ctx, current.ID, mirror.Patch{Status: &status, SyncError: &reason}); merr != nil {
			return fmt.Errorf("scheduling: replay %s: %w", entry.AppointmentID, merr)
		}
		e.record(ctx, audit.OpReplay, *current, appointments.StateOf(*current), appointments.StateSyncError, reason)
	}
	return fmt.Errorf("%w: %s: %v", reconcile.ErrDrop, entry.AppointmentID, err)
}

func decodeDraft(entry reconcile.Entry) *appointments.Draft {
	if len(entry.Payload) == 0 {
		return nil
	}
	var d appointments.Draft
	if err := json.Unmarshal(entry.Payload, &d); err != nil {
		return nil
	}
	return &d
}
