package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-agenda/internal/appointments"
	"github.com/wolfman30/clinic-agenda/internal/audit"
	"github.com/wolfman30/clinic-agenda/internal/clinictime"
	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/erp/memory"
	"github.com/wolfman30/clinic-agenda/internal/mirror"
	"github.com/wolfman30/clinic-agenda/internal/reconcile"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

var fixedNow = time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock  *clinictime.Normalizer
	erp    *memory.Adapter
	store  *mirror.MemoryStore
	queue  *reconcile.MemoryQueue
	audit  *audit.MemoryRecorder
	engine *Engine

	adapter erp.Adapter
	mirror  mirror.Store
	opts    Options
}

type fixtureOption func(*fixture)

func withERPConfig(cfg memory.Config) fixtureOption {
	return func(f *fixture) {
		cfg.Now = func() time.Time { return fixedNow }
		f.erp = memory.New(cfg)
		f.adapter = f.erp
	}
}

func withAdapter(wrap func(erp.Adapter) erp.Adapter) fixtureOption {
	return func(f *fixture) { f.adapter = wrap(f.adapter) }
}

func withStore(wrap func(mirror.Store) mirror.Store) fixtureOption {
	return func(f *fixture) { f.mirror = wrap(f.mirror) }
}

func withOptions(mutate func(*Options)) fixtureOption {
	return func(f *fixture) { mutate(&f.opts) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clock, err := clinictime.New("America/Sao_Paulo")
	require.NoError(t, err)

	f := &fixture{
		clock: clock,
		erp:   memory.New(memory.Config{Now: func() time.Time { return fixedNow }}),
		store: mirror.NewMemoryStore(clock),
		queue: reconcile.NewMemoryQueue(0),
		audit: &audit.MemoryRecorder{},
	}
	f.adapter = f.erp
	f.mirror = f.store

	var seq atomic.Int64
	f.opts = Options{
		Replay: f.queue,
		Audit:  f.audit,
		Logger: logging.Discard(),
		Now:    func() time.Time { return fixedNow },
		NewID:  func() string { return fmt.Sprintf("appt-%d", seq.Add(1)) },
	}
	for _, opt := range opts {
		opt(f)
	}
	f.engine = New(f.adapter, f.mirror, clock, f.opts)
	return f
}

func (f *fixture) at(day, hhmm string) time.Time {
	t, err := f.clock.Wall(day, hhmm)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func (f *fixture) draft(hhmm string, minutes int) appointments.Draft {
	start := f.at("2026-02-05", hhmm)
	return appointments.Draft{
		PatientName: "Maria Silva",
		Start:       start,
		End:         start.Add(time.Duration(minutes) * time.Minute),
		Notes:       "primeira consulta",
	}
}

// flakyStore fails every upsert while failing is set.
type flakyStore struct {
	mirror.Store
	failing atomic.Bool
}

func (s *flakyStore) Upsert(ctx context.Context, appt appointments.Appointment) (*appointments.Appointment, error) {
	if s.failing.Load() {
		return nil, &mirror.WriteError{Op: "upsert", ID: appt.ID, Err: errors.New("connection reset")}
	}
	return s.Store.Upsert(ctx, appt)
}

// stuckAdapter never answers Create until released.
type stuckAdapter struct {
	erp.Adapter
	release chan struct{}
}

func (a *stuckAdapter) Create(context.Context, erp.Draft) (*erp.Record, error) {
	<-a.release
	return nil, errors.New("released")
}

// lateAdapter books in the ERP only after the caller's deadline has passed.
type lateAdapter struct {
	erp.Adapter
	delay  time.Duration
	booked chan struct{}
}

func (a *lateAdapter) Create(_ context.Context, d erp.Draft) (*erp.Record, error) {
	defer close(a.booked)
	time.Sleep(a.delay)
	return a.Adapter.Create(context.Background(), d)
}

func TestCreate_Success(t *testing.T) {
	f := newFixture(t)
	appt, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.NoError(t, err)

	assert.Equal(t, "appt-1", appt.ID)
	assert.NotEmpty(t, appt.ExternalID)
	assert.Equal(t, appointments.StatusScheduled, appt.Status)
	require.NotNil(t, appt.SyncedAt)
	assert.Equal(t, fixedNow, *appt.SyncedAt)
	assert.Equal(t, "Consulta - Maria Silva", appt.Title)
	assert.Equal(t, "erp", appt.Metadata[appointments.MetaSource])
	assert.Equal(t, "Maria Silva", appt.Metadata[appointments.MetaPatientName])

	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ExternalID, stored.ExternalID)
	assert.Equal(t, 1, f.erp.Len())
	assert.Empty(t, f.queue.Pending())

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.OpCreate, events[0].Operation)
	assert.Equal(t, appointments.StatePending, events[0].FromState)
	assert.Equal(t, appointments.StateSynced, events[0].ToState)
}

func TestCreate_InvalidDraft(t *testing.T) {
	f := newFixture(t)
	d := f.draft("09:00", 30)
	d.End = d.Start.Add(-time.Minute)

	_, err := f.engine.Create(context.Background(), d)
	require.ErrorIs(t, err, appointments.ErrInvalidDraft)
	assert.Zero(t, f.erp.Calls("create"))
	assert.Zero(t, f.store.Len())
}

func TestCreate_RejectedWritesNothing(t *testing.T) {
	const reason = "Horário indisponível para o profissional"
	f := newFixture(t, withERPConfig(memory.Config{
		Reject: func(erp.Draft) string { return reason },
	}))

	appt, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.Error(t, err)
	assert.Nil(t, appt)
	assert.True(t, erp.IsRejected(err))
	got, ok := erp.RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, reason, got)

	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.queue.Pending())
	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, reason, events[0].Error)
}

func TestCreate_UnavailableWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.erp.FailNext("create", erp.Unavailable("create", errors.New("502 bad gateway")))

	_, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.ErrorIs(t, err, erp.ErrUnavailable)
	assert.Zero(t, f.store.Len())
	assert.Empty(t, f.queue.Pending())
}

func TestCreate_ERPTimeoutIsUnavailable(t *testing.T) {
	stuck := &stuckAdapter{release: make(chan struct{})}
	defer close(stuck.release)
	f := newFixture(t,
		withAdapter(func(a erp.Adapter) erp.Adapter { stuck.Adapter = a; return stuck }),
		withOptions(func(o *Options) { o.ERPTimeout = 20 * time.Millisecond }),
	)

	started := time.Now()
	_, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.Error(t, err)
	assert.True(t, erp.IsUnavailable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Zero(t, f.store.Len())

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, reconcile.OpCreate, pending[0].Operation)
	assert.Equal(t, "appt-1", pending[0].AppointmentID)

	// The stuck call never booked, so there is nothing to adopt.
	require.NoError(t, f.engine.Replay(context.Background(), pending[0]))
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.erp.Len())
}

func TestCreate_TimeoutAdoptsLateBooking(t *testing.T) {
	late := &lateAdapter{delay: 60 * time.Millisecond, booked: make(chan struct{})}
	f := newFixture(t,
		withAdapter(func(a erp.Adapter) erp.Adapter { late.Adapter = a; return late }),
		withOptions(func(o *Options) { o.ERPTimeout = 20 * time.Millisecond }),
	)

	_, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.store.Len())

	select {
	case <-late.booked:
	case <-time.After(2 * time.Second):
		t.Fatal("late booking never completed")
	}
	require.Equal(t, 1, f.erp.Len())

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, reconcile.OpCreate, pending[0].Operation)

	worker := reconcile.NewWorker(f.queue, f.engine, logging.Discard())
	assert.Equal(t, 1, worker.Drain(context.Background()))

	stored, err := f.store.Get(context.Background(), "appt-1")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ExternalID)
	assert.Equal(t, appointments.StatusScheduled, stored.Status)
	assert.Equal(t, "primeira consulta", stored.Notes)
	assert.Equal(t, 1, f.erp.Calls("create"))
	assert.Empty(t, f.queue.Pending())
}

func TestReplay_CreateSkipsBookingClaimedByAnotherRecord(t *testing.T) {
	f := newFixture(t)
	d := f.draft("09:00", 30)
	booked := createOne(t, f)

	_, err := f.queue.Enqueue(context.Background(), reconcile.Entry{
		AppointmentID: "ghost",
		Operation:     reconcile.OpCreate,
		Payload:       payloadOf(&d),
	})
	require.NoError(t, err)
	pending := f.queue.Pending()
	require.Len(t, pending, 1)

	require.NoError(t, f.engine.Replay(context.Background(), pending[0]))
	_, err = f.store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
	assert.Equal(t, 1, f.store.Len())

	owner, err := f.store.GetByExternalID(context.Background(), booked.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, booked.ID, owner.ID)
}

func TestCreate_MirrorFailureLeavesSyncError(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext("upsert", errors.New("disk full"))

	appt, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.Error(t, err)
	var we *mirror.WriteError
	require.ErrorAs(t, err, &we)
	require.NotNil(t, we.Record)

	require.NotNil(t, appt)
	assert.Equal(t, appointments.StatusSyncError, appt.Status)
	assert.NotEmpty(t, appt.ExternalID)
	assert.Contains(t, appt.SyncError, "disk full")

	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusSyncError, stored.Status)
	assert.Equal(t, appt.ExternalID, stored.ExternalID)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, reconcile.OpMirror, pending[0].Operation)
	assert.Equal(t, appt.ExternalID, pending[0].ExternalID)

	require.NoError(t, f.engine.Replay(context.Background(), pending[0]))
	healed, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, healed.Status)
	assert.Empty(t, healed.SyncError)
	assert.Equal(t, 1, f.erp.Calls("create"))
}

func TestCreate_MirrorDownReplaysFromQueue(t *testing.T) {
	flaky := &flakyStore{}
	f := newFixture(t, withStore(func(s mirror.Store) mirror.Store { flaky.Store = s; return flaky }))
	flaky.failing.Store(true)

	appt, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.Error(t, err)
	assert.True(t, mirror.IsWriteError(err))
	require.NotNil(t, appt)
	assert.Equal(t, appointments.StatusSyncError, appt.Status)
	assert.Zero(t, f.store.Len())

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, appt.ID, pending[0].AppointmentID)

	flaky.failing.Store(false)
	worker := reconcile.NewWorker(f.queue, f.engine, logging.Discard())
	assert.Equal(t, 1, worker.Drain(context.Background()))

	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, stored.Status)
	assert.Equal(t, appt.ExternalID, stored.ExternalID)
	assert.Equal(t, "Maria Silva", stored.Metadata[appointments.MetaPatientName])
	assert.Empty(t, f.queue.Pending())
}

func TestCreate_IdempotentByID(t *testing.T) {
	f := newFixture(t)
	d := f.draft("09:00", 30)
	d.ID = "client-key"

	first, err := f.engine.Create(context.Background(), d)
	require.NoError(t, err)
	second, err := f.engine.Create(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, "client-key", first.ID)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Equal(t, 1, f.erp.Calls("create"))
	assert.Equal(t, 1, f.store.Len())
}

func TestCreate_IdempotentByExternalID(t *testing.T) {
	clock, err := clinictime.New("America/Sao_Paulo")
	require.NoError(t, err)
	start, err := clock.Wall("2026-02-05", "14:00")
	require.NoError(t, err)
	start = start.UTC()
	f := newFixture(t, withERPConfig(memory.Config{Seed: []erp.Record{{
		ExternalID:  "900",
		PatientName: "João",
		Start:       start,
		End:         start.Add(time.Hour),
		Procedure:   "Limpeza",
		Color:       "#ff0000",
	}}}))

	d := appointments.Draft{ExternalID: "900", Start: start, End: start.Add(time.Hour)}
	first, err := f.engine.Create(context.Background(), d)
	require.NoError(t, err)
	second, err := f.engine.Create(context.Background(), d)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "900", first.ExternalID)
	assert.Equal(t, appointments.StatusScheduled, first.Status)
	assert.Equal(t, "Limpeza", first.Metadata[appointments.MetaProcedure])
	assert.Equal(t, "#ff0000", first.Metadata[appointments.MetaColor])
	assert.Zero(t, f.erp.Calls("create"))
	assert.Equal(t, 1, f.erp.Calls("get"))
	assert.Equal(t, 1, f.store.Len())
}

func TestCreate_RetriesUnconfirmedSyncError(t *testing.T) {
	f := newFixture(t)
	d := f.draft("09:00", 30)
	d.ID = "orphan"
	_, err := f.store.Upsert(context.Background(), appointments.Appointment{
		ID:           "orphan",
		StartInstant: d.Start,
		EndInstant:   d.End,
		Status:       appointments.StatusSyncError,
		SyncError:    "erp unavailable",
	})
	require.NoError(t, err)

	appt, err := f.engine.Create(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "orphan", appt.ID)
	assert.Equal(t, appointments.StatusScheduled, appt.Status)
	assert.NotEmpty(t, appt.ExternalID)
	assert.Equal(t, 1, f.erp.Calls("create"))
}

func TestCreate_ConcurrentSameIDBooksOnce(t *testing.T) {
	f := newFixture(t)
	d := f.draft("09:00", 30)
	d.ID = "same"

	var wg sync.WaitGroup
	results := make([]*appointments.Appointment, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Create(context.Background(), d)
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ExternalID, results[i].ExternalID)
	}
	assert.Equal(t, 1, f.erp.Calls("create"))
	assert.Equal(t, 1, f.erp.Len())
}

func TestCreate_DifferentAppointmentsInParallel(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := f.draft(fmt.Sprintf("%02d:00", 8+i), 30)
			d.ID = fmt.Sprintf("p-%d", i)
			_, err := f.engine.Create(context.Background(), d)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, f.store.Len())
	assert.Equal(t, 10, f.erp.Len())
}

func createOne(t *testing.T, f *fixture) *appointments.Appointment {
	t.Helper()
	appt, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.NoError(t, err)
	return appt
}

func TestUpdate_Success(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)

	d := f.draft("11:00", 45)
	d.Title = "Retorno"
	updated, err := f.engine.Update(context.Background(), appt.ID, d)
	require.NoError(t, err)

	assert.Equal(t, appt.ExternalID, updated.ExternalID)
	assert.Equal(t, d.Start, updated.StartInstant)
	assert.Equal(t, d.End, updated.EndInstant)
	assert.Equal(t, "Retorno", updated.Title)
	assert.Equal(t, appointments.StatusScheduled, updated.Status)

	rec, err := f.erp.Get(context.Background(), appt.ExternalID)
	require.NoError(t, err)
	assert.True(t, rec.Start.Equal(d.Start))
	assert.Equal(t, "Retorno", rec.Procedure)
}

func TestUpdate_RejectedLeavesMirror(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)
	f.erp.FailNext("update", erp.Rejected("update", "Profissional indisponível"))

	_, err := f.engine.Update(context.Background(), appt.ID, f.draft("11:00", 30))
	require.Error(t, err)
	reason, ok := erp.RejectionReason(err)
	require.True(t, ok)
	assert.Equal(t, "Profissional indisponível", reason)

	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, stored.Status)
	assert.Equal(t, appt.StartInstant, stored.StartInstant)
	assert.Empty(t, f.queue.Pending())
}

func TestUpdate_UnavailableQueuesReplay(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)
	f.erp.FailNext("update", erp.Unavailable("update", errors.New("timeout")))

	d := f.draft("15:00", 30)
	_, err := f.engine.Update(context.Background(), appt.ID, d)
	require.ErrorIs(t, err, erp.ErrUnavailable)

	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusSyncError, stored.Status)
	assert.Equal(t, appt.StartInstant, stored.StartInstant)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, reconcile.OpUpdate, pending[0].Operation)
	assert.NotEmpty(t, pending[0].Payload)

	require.NoError(t, f.engine.Replay(context.Background(), pending[0]))
	stored, err = f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, stored.Status)
	assert.Equal(t, d.Start, stored.StartInstant)
}

func TestReplay_QueuedUpdateDoesNotRevertNewerUpdate(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)

	stale := f.draft("15:00", 30)
	f.erp.FailNext("update", erp.Unavailable("update", errors.New("timeout")))
	_, err := f.engine.Update(context.Background(), appt.ID, stale)
	require.ErrorIs(t, err, erp.ErrUnavailable)
	queued := f.queue.Pending()
	require.Len(t, queued, 1)

	fresh := f.draft("16:00", 45)
	fresh.Title = "Retorno"
	_, err = f.engine.Update(context.Background(), appt.ID, fresh)
	require.NoError(t, err)
	assert.Empty(t, f.queue.Pending())

	require.NoError(t, f.engine.Replay(context.Background(), queued[0]))

	rec, err := f.erp.Get(context.Background(), appt.ExternalID)
	require.NoError(t, err)
	assert.True(t, rec.Start.Equal(fresh.Start))
	assert.Equal(t, "Retorno", rec.Procedure)
	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, stored.Status)
	assert.Equal(t, fresh.Start, stored.StartInstant)
	assert.Equal(t, fresh.End, stored.EndInstant)
	assert.Equal(t, 2, f.erp.Calls("update"))
}

func TestReplay_QueuedCancelDoesNotUndoNewerUpdate(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)

	f.erp.FailNext("cancel", erp.Unavailable("cancel", errors.New("503")))
	_, err := f.engine.Cancel(context.Background(), appt.ID)
	require.ErrorIs(t, err, erp.ErrUnavailable)
	queued := f.queue.Pending()
	require.Len(t, queued, 1)
	require.Equal(t, reconcile.OpCancel, queued[0].Operation)

	fresh := f.draft("11:00", 30)
	_, err = f.engine.Update(context.Background(), appt.ID, fresh)
	require.NoError(t, err)

	worker := reconcile.NewWorker(f.queue, f.engine, logging.Discard())
	assert.Zero(t, worker.Drain(context.Background()))
	require.NoError(t, f.engine.Replay(context.Background(), queued[0]))

	rec, err := f.erp.Get(context.Background(), appt.ExternalID)
	require.NoError(t, err)
	assert.False(t, rec.Cancelled)
	assert.Equal(t, 1, f.erp.Calls("cancel"))
	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, stored.Status)
	assert.Equal(t, fresh.Start, stored.StartInstant)
}

func TestReplay_QueuedMirrorKeepsNewerUpdate(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext("upsert", errors.New("disk full"))
	appt, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.Error(t, err)
	require.Equal(t, appointments.StatusSyncError, appt.Status)
	queued := f.queue.Pending()
	require.Len(t, queued, 1)
	require.Equal(t, reconcile.OpMirror, queued[0].Operation)

	fresh := f.draft("13:00", 60)
	fresh.Title = "Retorno"
	fresh.Notes = "trazer exames"
	_, err = f.engine.Update(context.Background(), appt.ID, fresh)
	require.NoError(t, err)

	require.NoError(t, f.engine.Replay(context.Background(), queued[0]))

	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, stored.Status)
	assert.Equal(t, "Retorno", stored.Title)
	assert.Equal(t, "trazer exames", stored.Notes)
	assert.Equal(t, fresh.Start, stored.StartInstant)
}

func TestReplay_SkipsEntrySupersededAfterFetch(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)
	f.erp.FailNext("update", erp.Unavailable("update", errors.New("timeout")))
	_, err := f.engine.Update(context.Background(), appt.ID, f.draft("15:00", 30))
	require.ErrorIs(t, err, erp.ErrUnavailable)

	fetched, err := f.queue.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	fresh := f.draft("17:00", 30)
	_, err = f.engine.Update(context.Background(), appt.ID, fresh)
	require.NoError(t, err)

	require.NoError(t, f.engine.Replay(context.Background(), fetched[0]))
	rec, err := f.erp.Get(context.Background(), appt.ExternalID)
	require.NoError(t, err)
	assert.True(t, rec.Start.Equal(fresh.Start))
	assert.Equal(t, 2, f.erp.Calls("update"))
}

func TestUpdate_LatestQueuedChangeWins(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)

	f.erp.FailNext("update", erp.Unavailable("update", errors.New("timeout")))
	_, err := f.engine.Update(context.Background(), appt.ID, f.draft("15:00", 30))
	require.ErrorIs(t, err, erp.ErrUnavailable)

	f.erp.FailNext("cancel", erp.Unavailable("cancel", errors.New("503")))
	_, err = f.engine.Cancel(context.Background(), appt.ID)
	require.ErrorIs(t, err, erp.ErrUnavailable)

	pending := f.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, reconcile.OpCancel, pending[0].Operation)

	worker := reconcile.NewWorker(f.queue, f.engine, logging.Discard())
	assert.Equal(t, 1, worker.Drain(context.Background()))
	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusCancelled, stored.Status)
	assert.Equal(t, 1, f.erp.Calls("update"))
}

func TestUpdate_Guards(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Update(context.Background(), "missing", f.draft("09:00", 30))
	assert.ErrorIs(t, err, ErrNotFound)

	appt := createOne(t, f)
	_, err = f.engine.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	_, err = f.engine.Update(context.Background(), appt.ID, f.draft("10:00", 30))
	assert.ErrorIs(t, err, ErrCancelled)

	d := f.draft("12:00", 30)
	_, err = f.store.Upsert(context.Background(), appointments.Appointment{
		ID: "local", StartInstant: d.Start, EndInstant: d.End, Status: appointments.StatusSyncError,
	})
	require.NoError(t, err)
	_, err = f.engine.Update(context.Background(), "local", d)
	assert.ErrorIs(t, err, ErrNotConfirmed)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)

	cancelled, err := f.engine.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusCancelled, cancelled.Status)

	rec, err := f.erp.Get(context.Background(), appt.ExternalID)
	require.NoError(t, err)
	assert.True(t, rec.Cancelled)

	again, err := f.engine.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusCancelled, again.Status)
	assert.Equal(t, 1, f.erp.Calls("cancel"))
}

func TestCancel_GoneFromERPStillCancels(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)
	f.erp.FailNext("cancel", fmt.Errorf("wrapped: %w", erp.ErrNotFound))

	cancelled, err := f.engine.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusCancelled, cancelled.Status)
}

func TestCancel_UnavailableQueuesReplay(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)
	f.erp.FailNext("cancel", erp.Unavailable("cancel", errors.New("503")))

	_, err := f.engine.Cancel(context.Background(), appt.ID)
	require.ErrorIs(t, err, erp.ErrUnavailable)

	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusSyncError, stored.Status)

	worker := reconcile.NewWorker(f.queue, f.engine, logging.Discard())
	assert.Equal(t, 1, worker.Drain(context.Background()))

	stored, err = f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusCancelled, stored.Status)
	rec, err := f.erp.Get(context.Background(), appt.ExternalID)
	require.NoError(t, err)
	assert.True(t, rec.Cancelled)
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)

	err := f.engine.Purge(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrPurgeConfirmed)

	_, err = f.engine.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.Purge(context.Background(), appt.ID))

	_, err = f.engine.Get(context.Background(), appt.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.engine.Purge(context.Background(), appt.ID), ErrNotFound)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext("upsert", errors.New("deadlock detected"))
	appt, err := f.engine.Create(context.Background(), f.draft("09:00", 30))
	require.Error(t, err)
	require.Equal(t, appointments.StatusSyncError, appt.Status)

	fixed, err := f.engine.Retry(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, fixed.Status)
	assert.Empty(t, fixed.SyncError)

	same, err := f.engine.Retry(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusScheduled, same.Status)
	assert.Equal(t, 1, f.erp.Calls("get"))
}

func TestReplay_TransientAndPermanentFailures(t *testing.T) {
	f := newFixture(t)
	appt := createOne(t, f)
	entry := reconcile.Entry{AppointmentID: appt.ID, ExternalID: appt.ExternalID, Operation: reconcile.OpMirror}

	f.erp.FailNext("get", erp.Unavailable("get", errors.New("reset")))
	err := f.engine.Replay(context.Background(), entry)
	require.Error(t, err)
	assert.NotErrorIs(t, err, reconcile.ErrDrop)
	assert.True(t, erp.IsUnavailable(err))

	f.erp.FailNext("get", erp.Rejected("get", "forbidden"))
	err = f.engine.Replay(context.Background(), entry)
	assert.ErrorIs(t, err, reconcile.ErrDrop)
	stored, err := f.store.Get(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusSyncError, stored.Status)
	assert.Equal(t, "forbidden", stored.SyncError)

	err = f.engine.Replay(context.Background(), reconcile.Entry{AppointmentID: appt.ID, Operation: "bogus"})
	assert.ErrorIs(t, err, reconcile.ErrDrop)
}

func TestImport(t *testing.T) {
	clock, err := clinictime.New("America/Sao_Paulo")
	require.NoError(t, err)
	day := func(hhmm string) time.Time {
		ts, _ := clock.Wall("2026-02-05", hhmm)
		return ts.UTC()
	}
	f := newFixture(t, withERPConfig(memory.Config{Seed: []erp.Record{
		{ExternalID: "1", ProfessionalID: "A", Start: day("08:00"), End: day("08:30"), PatientName: "Ana"},
		{ExternalID: "2", ProfessionalID: "B", Start: day("10:00"), End: day("11:00"), PatientName: "Bia", Cancelled: true},
		{ExternalID: "3", Start: day("21:00").Add(24 * time.Hour), End: day("22:00").Add(24 * time.Hour)},
	}}))
	start, end := day("00:00"), day("00:00").Add(24*time.Hour)

	res, err := f.engine.Import(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Created: 2}, *res)

	imported, err := f.store.GetByExternalID(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, appointments.StatusCancelled, imported.Status)
	assert.Equal(t, "Bia", imported.Metadata[appointments.MetaPatientName])

	res, err = f.engine.Import(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Unchanged: 2}, *res)

	_, err = f.erp.Update(context.Background(), "1", erp.Draft{ProfessionalID: "A", Start: day("09:00"), End: day("09:30")})
	require.NoError(t, err)
	res, err = f.engine.Import(context.Background(), start, end)
	require.NoError(t, err)
	assert.Equal(t, ImportResult{Updated: 1, Unchanged: 1}, *res)

	moved, err := f.store.GetByExternalID(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, day("09:00"), moved.StartInstant)
	assert.Equal(t, 2, f.store.Len())

	_, err = f.engine.Import(context.Background(), end, start)
	assert.Error(t, err)
}
