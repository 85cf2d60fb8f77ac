// Package scheduling is the synchronization engine: every appointment write
// goes to the ERP first and is mirrored locally only after the ERP accepts it.
package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/audit"
	"github.com/wolfman30/clinic-agenda/internal/clinictime"
	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/mirror"
	"github.com/wolfman30/clinic-agenda/internal/observability/metrics"
	"github.com/wolfman30/clinic-agenda/internal/reconcile"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

var tracer = otel.Tracer("agenda.internal.scheduling")

var (
	ErrNotFound       = errors.New("scheduling: appointment not found")
	ErrCancelled      = errors.New("scheduling: appointment is cancelled")
	ErrNotConfirmed   = errors.New("scheduling: appointment was never confirmed by the ERP")
	ErrPurgeConfirmed = errors.New("scheduling: only cancelled or unconfirmed appointments can be purged")
)

// DefaultERPTimeout bounds every ERP call.
const DefaultERPTimeout = 10 * time.Second

// Options carries the optional collaborators of an Engine.
type Options struct {
	Locker     Locker
	Replay     reconcile.Enqueuer
	Audit      audit.Recorder
	Metrics    *metrics.SyncMetrics
	Logger     *logging.Logger
	ERPTimeout time.Duration
	Now        func() time.Time
	NewID      func() string
}

// Engine coordinates the ERP adapter and the mirror store.
type Engine struct {
	erp        erp.Adapter
	mirror     mirror.Store
	clock      *clinictime.Normalizer
	locker     Locker
	replay     reconcile.Enqueuer
	audit      audit.Recorder
	metrics    *metrics.SyncMetrics
	logger     *logging.Logger
	erpTimeout time.Duration
	now        func() time.Time
	newID      func() string
}

// New constructs an engine. Missing options fall back to in-process defaults.
func New(adapter erp.Adapter, store mirror.Store, clock *clinictime.Normalizer, opts Options) *Engine {
	if adapter == nil {
		panic("scheduling: erp adapter required")
	}
	if store == nil {
		panic("scheduling: mirror store required")
	}
	if clock == nil {
		panic("scheduling: normalizer required")
	}
	e := &Engine{
		erp:        adapter,
		mirror:     store,
		clock:      clock,
		locker:     opts.Locker,
		replay:     opts.Replay,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		erpTimeout: opts.ERPTimeout,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if e.locker == nil {
		e.locker = NewKeyedMutex()
	}
	if e.replay == nil {
		e.replay = reconcile.NewMemoryQueue(0)
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	e.logger = e.logger.Component("scheduling")
	if e.erpTimeout <= 0 {
		e.erpTimeout = DefaultERPTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Get reads one mirror record.
func (e *Engine) Get(ctx context.Context, id string) (*appointments.Appointment, error) {
	appt, err := e.mirror.Get(ctx, id)
	if err != nil {
		if errors.Is(err, mirror.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return appt, nil
}

// List reads the mirror for a window. Reads never touch the ERP.
func (e *Engine) List(ctx context.Context, q mirror.RangeQuery) ([]appointments.Appointment, error) {
	return e.mirror.ListRange(ctx, q)
}

func (e *Engine) lock(ctx context.Context, span trace.Span, key string) (func(), error) {
	unlock, err := e.locker.Lock(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return unlock, nil
}

// callERP runs fn under the ERP timeout. A call still running when the
// deadline passes is abandoned and reported as unavailable.
func (e *Engine) callERP(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.erpTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && !erp.IsUnavailable(err) && !erp.IsRejected(err) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = erp.Unavailable(op, err)
	}
	e.metrics.ObserveERPLatency(op, outcomeOf(err), time.Since(started).Seconds())
	return err
}

// outcomeUnknown reports whether a failed ERP write may still have been
// applied: the call was cut off rather than answered.
func outcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case erp.IsRejected(err):
		return "rejected"
	case erp.IsUnavailable(err):
		return "unavailable"
	case errors.Is(err, erp.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// commit writes a record the ERP already accepted. A mirror failure leaves the
// record in sync_error with a replay entry, and is reported as *mirror.WriteError
// together with the retained record.
func (e *Engine) commit(ctx context.Context, span trace.Span, op audit.Operation, from appointments.SyncState, appt appointments.Appointment, payload json.RawMessage) (*appointments.Appointment, error) {
	stored, err := e.mirror.Upsert(ctx, appt)
	if err == nil {
		to := appointments.StateOf(*stored)
		e.record(ctx, op, *stored, from, to, "")
		e.metrics.ObserveSync(string(op), string(to))
		e.logger.Info("appointment synced", "operation", op, "appointment_id", stored.ID, "external_id", stored.ExternalID, "state", to)
		return stored, nil
	}
	span.RecordError(err)
	return e.mirrorFailed(ctx, op, from, appt, payload, err)
}

func (e *Engine) mirrorFailed(ctx context.Context, op audit.Operation, from appointments.SyncState, appt appointments.Appointment, payload json.RawMessage, cause error) (*appointments.Appointment, error) {
	var we *mirror.WriteError
	if errors.As(cause, &we) {
		cause = we.Err
	}
	reason := "mirror write failed: " + cause.Error()
	appt.MarkSyncError(reason, e.now())

	if stored, err := e.mirror.Upsert(ctx, appt); err != nil {
		e.logger.Error("mirror retry failed", "operation", op, "appointment_id", appt.ID, "error", err)
	} else {
		appt = *stored
	}
	e.enqueue(ctx, reconcile.Entry{
		AppointmentID: appt.ID,
		ExternalID:    appt.ExternalID,
		Operation:     reconcile.OpMirror,
		Reason:        reason,
		Payload:       payload,
	})
	e.record(ctx, op, appt, from, appointments.StateSyncError, reason)
	e.metrics.ObserveSync(string(op), string(appointments.StateSyncError))
	e.logger.Error("mirror write failed after erp success", "operation", op, "appointment_id", appt.ID, "external_id", appt.ExternalID, "error", cause)

	out := appt.Clone()
	return &out, &mirror.WriteError{Op: string(op), ID: appt.ID, Err: cause, Record: &out}
}

// erpFailed handles a failed ERP write on an existing record. Transient
// failures flag the mirror and queue a replay; rejections leave it untouched.
func (e *Engine) erpFailed(ctx context.Context, span trace.Span, op audit.Operation, replayOp reconcile.Operation, current appointments.Appointment, via appointments.SyncState, payload json.RawMessage, err error) error {
	span.RecordError(err)
	from := appointments.StateOf(current)
	switch {
	case erp.IsUnavailable(err):
		reason := err.Error()
		status := appointments.StatusSyncError
		if _, merr := e.mirror.Update(ctx, current.ID, mirror.Patch{Status: &status, SyncError: &reason}); merr != nil {
			e.logger.Error("failed to flag sync_error", "appointment_id", current.ID, "error", merr)
		}
		// The queued change is now the caller's latest intent.
		e.supersede(ctx, current.ID)
		e.enqueue(ctx, reconcile.Entry{
			AppointmentID: current.ID,
			ExternalID:    current.ExternalID,
			Operation:     replayOp,
			Reason:        reason,
			Payload:       payload,
		})
		e.record(ctx, op, current, via, appointments.StateSyncError, reason)
		e.logger.Warn("erp unavailable", "operation", op, "appointment_id", current.ID, "error", err)
	case erp.IsRejected(err):
		reason, _ := erp.RejectionReason(err)
		e.record(ctx, op, current, via, from, reason)
		e.logger.Info("erp rejected change", "operation", op, "appointment_id", current.ID, "reason", reason)
	default:
		e.logger.Error("erp call failed", "operation", op, "appointment_id", current.ID, "error", err)
	}
	e.metrics.ObserveSync(string(op), outcomeOf(err))
	return fmt.Errorf("scheduling: %s %s: %w", shortOp(op), current.ID, err)
}

// supersede retires queued replays of id once a newer write reached the ERP,
// so they cannot roll it back later.
func (e *Engine) supersede(ctx context.Context, id string) {
	n, err := e.replay.Supersede(ctx, id)
	if err != nil {
		e.logger.Error("failed to supersede replays", "appointment_id", id, "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("superseded queued replays", "appointment_id", id, "count", n)
	}
}

// settled returns current confirmed by the ERP in the given resting state.
func (e *Engine) settled(current appointments.Appointment, state appointments.SyncState) appointments.Appointment {
	appt := current.Clone()
	appt.PatientName, appt.PatientPhone = "", ""
	appt.MarkSynced(appt.ExternalID, e.now())
	if status, ok := appointments.StatusFor(state); ok {
		appt.Status = status
	}
	return appt
}

func (e *Engine) enqueue(ctx context.Context, entry reconcile.Entry) {
	if _, err := e.replay.Enqueue(ctx, entry); err != nil {
		e.logger.Error("failed to enqueue replay", "appointment_id", entry.AppointmentID, "operation", entry.Operation, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, op audit.Operation, appt appointments.Appointment, from, to appointments.SyncState, reason string) {
	if err := e.audit.Record(ctx, audit.Event{
		AppointmentID: appt.ID,
		ExternalID:    appt.ExternalID,
		Operation:     op,
		FromState:     from,
		ToState:       to,
		Error:         reason,
		CreatedAt:     e.now().UTC(),
	}); err != nil {
		e.logger.Warn("audit record failed", "appointment_id", appt.ID, "error", err)
	}
}

// fromRecord builds the mirror record for an ERP-confirmed appointment. The
// ERP is authoritative for times and cancellation; local fields come from the
// draft, then base.
func (e *Engine) fromRecord(id string, rec *erp.Record, draft *appointments.Draft, base *appointments.Appointment) appointments.Appointment {
	var a appointments.Appointment
	if base != nil {
		a = base.Clone()
	}
	a.ID = id
	if draft != nil {
		draft.Apply(&a)
	}
	a.StartInstant = rec.Start.UTC()
	a.EndInstant = rec.End.UTC()
	a.CalendarDay = ""
	if rec.ProfessionalID != "" {
		a.ProfessionalID = rec.ProfessionalID
	}
	if a.PatientID == "" {
		a.PatientID = rec.PatientID
	}
	if a.Title == "" {
		a.Title = appointments.Draft{PatientName: rec.PatientName}.DisplayTitle()
	}
	if a.Notes == "" {
		a.Notes = rec.Notes
	}

	meta := make(map[string]string, len(a.Metadata)+4)
	for k, v := range a.Metadata {
		meta[k] = v
	}
	meta[appointments.MetaSource] = "erp"
	if rec.Procedure != "" {
		meta[appointments.MetaProcedure] = rec.Procedure
	}
	if rec.Color != "" {
		meta[appointments.MetaColor] = rec.Color
	}
	name := rec.PatientName
	if draft != nil && draft.PatientName != "" {
		name = draft.PatientName
	}
	if name != "" {
		meta[appointments.MetaPatientName] = name
	}
	a.Metadata = meta
	a.PatientName = ""
	a.PatientPhone = ""

	now := e.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.MarkSynced(rec.ExternalID, now)
	if rec.Cancelled {
		a.Status, _ = appointments.StatusFor(appointments.StateCancelled)
	}
	return a
}

func toERPDraft(d appointments.Draft) erp.Draft {
	title := d.Metadata[appointments.MetaProcedure]
	if title == "" {
		title = d.Title
	}
	return erp.Draft{
		PatientID:      d.PatientID,
		PatientName:    d.PatientName,
		ProfessionalID: d.ProfessionalID,
		Start:          d.Start.UTC(),
		End:            d.End.UTC(),
		Title:          title,
		Notes:          d.Notes,
	}
}

func payloadOf(d *appointments.Draft) json.RawMessage {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return data
}

func shortOp(op audit.Operation) string {
	const prefix = "sync."
	s := string(op)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func spanAttrs(span trace.Span, id, externalID string) {
	span.SetAttributes(
		attribute.String("agenda.appointment_id", id),
		attribute.String("agenda.external_id", externalID),
	)
}
