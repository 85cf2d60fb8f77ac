// Package erptest holds the behavioural contract shared by every erp.Adapter.
package erptest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wolfman30/clinic-agenda/internal/erp"
)

// Factory returns a fresh, empty adapter for one subtest.
type Factory func(t *testing.T) erp.Adapter

// Base is the instant the contract books around: 2026-02-04 09:00 in São Paulo.
var Base = time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

// RunContract exercises the create/read/update/cancel contract.
func RunContract(t *testing.T, newAdapter Factory) {
	t.Helper()

	t.Run("create assigns external id", func(t *testing.T) {
		a := newAdapter(t)
		rec, err := a.Create(context.Background(), erp.Draft{
			PatientName:    "Maria Paula Martins",
			ProfessionalID: "6348578954149888",
			Start:          Base,
			End:            Base.Add(30 * time.Minute),
			Title:          "Clínico",
			Notes:          "retorno",
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := erp.CheckRecord("create", rec); err != nil {
			t.Fatalf("contract violated: %v", err)
		}
		if !rec.Start.Equal(Base) || !rec.End.Equal(Base.Add(30*time.Minute)) {
			t.Fatalf("unexpected times %s - %s", rec.Start, rec.End)
		}
		if rec.PatientName != "Maria Paula Martins" {
			t.Fatalf("unexpected patient %q", rec.PatientName)
		}
		if rec.ProfessionalID != "6348578954149888" {
			t.Fatalf("unexpected professional %q", rec.ProfessionalID)
		}
		if rec.Cancelled {
			t.Fatal("new appointment must not be cancelled")
		}
	})

	t.Run("get returns created record", func(t *testing.T) {
		a := newAdapter(t)
		created := mustCreate(t, a, "p1", Base, 30*time.Minute)

		got, err := a.Get(context.Background(), created.ExternalID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ExternalID != created.ExternalID || !got.Start.Equal(created.Start) {
			t.Fatalf("Get returned %+v, want %+v", got, created)
		}

		if _, err := a.Get(context.Background(), "999999999"); !errors.Is(err, erp.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list range is half open", func(t *testing.T) {
		a := newAdapter(t)
		inside := mustCreate(t, a, "p1", Base, 30*time.Minute)
		atEnd := mustCreate(t, a, "p1", Base.Add(2*time.Hour), 30*time.Minute)
		nextDay := mustCreate(t, a, "p1", Base.Add(24*time.Hour), 30*time.Minute)

		recs, err := a.ListRange(context.Background(), Base, Base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("ListRange: %v", err)
		}
		ids := map[string]bool{}
		for _, r := range recs {
			ids[r.ExternalID] = true
		}
		if !ids[inside.ExternalID] {
			t.Fatal("expected appointment at window start")
		}
		if ids[atEnd.ExternalID] {
			t.Fatal("appointment starting at window end must be excluded")
		}
		if ids[nextDay.ExternalID] {
			t.Fatal("appointment on the next day must be excluded")
		}
	})

	t.Run("update moves appointment", func(t *testing.T) {
		a := newAdapter(t)
		created := mustCreate(t, a, "p1", Base, 30*time.Minute)

		moved := Base.Add(3 * time.Hour)
		updated, err := a.Update(context.Background(), created.ExternalID, erp.Draft{
			PatientName:    created.PatientName,
			ProfessionalID: "p1",
			Start:          moved,
			End:            moved.Add(time.Hour),
			Title:          "Avaliação",
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if updated.ExternalID != created.ExternalID {
			t.Fatalf("update changed id %s -> %s", created.ExternalID, updated.ExternalID)
		}
		got, err := a.Get(context.Background(), created.ExternalID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Start.Equal(moved) || !got.End.Equal(moved.Add(time.Hour)) {
			t.Fatalf("update not persisted: %s - %s", got.Start, got.End)
		}
	})

	t.Run("cancel is idempotent", func(t *testing.T) {
		a := newAdapter(t)
		created := mustCreate(t, a, "p1", Base, 30*time.Minute)

		if err := a.Cancel(context.Background(), created.ExternalID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if err := a.Cancel(context.Background(), created.ExternalID); err != nil {
			t.Fatalf("second Cancel: %v", err)
		}
		got, err := a.Get(context.Background(), created.ExternalID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !got.Cancelled {
			t.Fatal("expected cancelled record")
		}
		if err := a.Cancel(context.Background(), "999999999"); !errors.Is(err, erp.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("invalid slot is rejected", func(t *testing.T) {
		a := newAdapter(t)
		_, err := a.Create(context.Background(), erp.Draft{
			PatientName: "Anon",
			Start:       Base,
			End:         Base.Add(-time.Minute),
		})
		if !erp.IsRejected(err) {
			t.Fatalf("expected rejection, got %v", err)
		}
		if erp.IsUnavailable(err) {
			t.Fatal("rejection must not be transient")
		}
	})

	t.Run("double booking a professional is rejected", func(t *testing.T) {
		a := newAdapter(t)
		mustCreate(t, a, "p1", Base, time.Hour)

		_, err := a.Create(context.Background(), erp.Draft{
			PatientName:    "Hiandara",
			ProfessionalID: "p1",
			Start:          Base.Add(30 * time.Minute),
			End:            Base.Add(90 * time.Minute),
		})
		if !erp.IsRejected(err) {
			t.Fatalf("expected rejection, got %v", err)
		}
		if _, ok := erp.RejectionReason(err); !ok {
			t.Fatal("expected a rejection reason")
		}

		// A different professional may take the same slot.
		if _, err := a.Create(context.Background(), erp.Draft{
			PatientName:    "Rozelia",
			ProfessionalID: "p2",
			Start:          Base.Add(30 * time.Minute),
			End:            Base.Add(90 * time.Minute),
		}); err != nil {
			t.Fatalf("Create for other professional: %v", err)
		}
	})
}

func mustCreate(t *testing.T, a erp.Adapter, professionalID string, start time.Time, d time.Duration) *erp.Record {
	t.Helper()
	rec, err := a.Create(context.Background(), erp.Draft{
		PatientName:    "Paciente Teste",
		ProfessionalID: professionalID,
		Start:          start,
		End:            start.Add(d),
		Title:          "Consulta",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}
