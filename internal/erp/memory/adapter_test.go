package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wolfman30/clinic-agenda/internal/erp"
	"github.com/wolfman30/clinic-agenda/internal/erp/erptest"
)

func TestAdapterContract(t *testing.T) {
	erptest.RunContract(t, func(t *testing.T) erp.Adapter {
		return New(Config{})
	})
}

func TestAdapter_InstancesDoNotShareState(t *testing.T) {
	a := New(Config{})
	b := New(Config{})

	if _, err := a.Create(context.Background(), erp.Draft{
		PatientName: "Maria",
		Start:       erptest.Base,
		End:         erptest.Base.Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.Len() != 1 || b.Len() != 0 {
		t.Fatalf("expected isolated tables, got a=%d b=%d", a.Len(), b.Len())
	}
}

func TestAdapter_RejectRule(t *testing.T) {
	a := New(Config{Reject: func(d erp.Draft) string {
		if d.Start.Weekday() == time.Sunday {
			return "Clínica fechada aos domingos"
		}
		return ""
	}})
	sunday := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	_, err := a.Create(context.Background(), erp.Draft{Start: sunday, End: sunday.Add(time.Hour)})
	reason, ok := erp.RejectionReason(err)
	if !ok || reason != "Clínica fechada aos domingos" {
		t.Fatalf("expected verbatim reason, got %v", err)
	}
	if a.Len() != 0 {
		t.Fatal("rejected create must not store a record")
	}
}

func TestAdapter_FailNextIsOneShot(t *testing.T) {
	a := New(Config{})
	a.FailNext("create", erp.Unavailable("create", errors.New("connection reset")))

	draft := erp.Draft{Start: erptest.Base, End: erptest.Base.Add(time.Hour)}
	if _, err := a.Create(context.Background(), draft); !erp.IsUnavailable(err) {
		t.Fatalf("expected injected unavailable error, got %v", err)
	}
	if _, err := a.Create(context.Background(), draft); err != nil {
		t.Fatalf("second create should succeed: %v", err)
	}
	if a.Calls("create") != 2 {
		t.Fatalf("expected 2 create calls, got %d", a.Calls("create"))
	}
}

func TestAdapter_CancelledContextIsUnavailable(t *testing.T) {
	a := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Create(ctx, erp.Draft{Start: erptest.Base, End: erptest.Base.Add(time.Hour)})
	if !erp.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestAdapter_SeedKeepsIDs(t *testing.T) {
	a := New(Config{Seed: []erp.Record{{
		ExternalID:  "5920922672300033",
		PatientName: "Maria Paula Martins",
		Start:       erptest.Base,
		End:         erptest.Base.Add(30 * time.Minute),
	}}})
	rec, err := a.Get(context.Background(), "5920922672300033")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.PatientName != "Maria Paula Martins" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestAdapter_UpdateCancelledIsRejected(t *testing.T) {
	a := New(Config{})
	rec, err := a.Create(context.Background(), erp.Draft{Start: erptest.Base, End: erptest.Base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.Cancel(context.Background(), rec.ExternalID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, err = a.Update(context.Background(), rec.ExternalID, erp.Draft{Start: erptest.Base, End: erptest.Base.Add(2 * time.Hour)})
	if !erp.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
}
