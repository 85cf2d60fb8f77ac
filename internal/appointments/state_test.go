package appointments

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SyncState
		want     bool
	}{
		{StatePending, StateSynced, true},
		{StatePending, StateSyncError, true},
		{StateSynced, StateCancelling, true},
		{StateCancelling, StateCancelled, true},
		{StateSynced, StateUpdating, true},
		{StateUpdating, StateSynced, true},
		{StateUpdating, StateSyncError, true},
		{StateSyncError, StatePending, true},
		{StateSynced, StateCancelled, false},
		{StateCancelled, StateSynced, false},
		{StatePending, StateCancelled, false},
		{StateCancelled, StateUpdating, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if err := Transition(StateCancelled, StateSynced); err == nil {
		t.Fatal("expected error for illegal transition")
	}
}

func TestStateOf(t *testing.T) {
	if got := StateOf(Appointment{Status: StatusScheduled}); got != StatePending {
		t.Fatalf("scheduled without external id should be pending, got %s", got)
	}
	if got := StateOf(Appointment{Status: StatusScheduled, ExternalID: "e1"}); got != StateSynced {
		t.Fatalf("expected synced, got %s", got)
	}
	if got := StateOf(Appointment{Status: StatusSyncError, ExternalID: "e1"}); got != StateSyncError {
		t.Fatalf("expected sync_error, got %s", got)
	}
	if got := StateOf(Appointment{Status: StatusCancelled}); got != StateCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestStatusFor(t *testing.T) {
	if s, ok := StatusFor(StateSynced); !ok || s != StatusScheduled {
		t.Fatalf("synced maps to scheduled, got %q %v", s, ok)
	}
	if _, ok := StatusFor(StateUpdating); ok {
		t.Fatal("in-flight states are not persisted")
	}
}
