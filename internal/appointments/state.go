package appointments

import "fmt"

// SyncState tracks an appointment through the two-phase write protocol.
// Pending, Updating and Cancelling only exist while an operation holds the
// appointment's lock; the others are persisted through Status.
type SyncState string

const (
	StatePending    SyncState = "pending"
	StateSynced     SyncState = "synced"
	StateSyncError  SyncState = "sync_error"
	StateUpdating   SyncState = "updating"
	StateCancelling SyncState = "cancelling"
	StateCancelled  SyncState = "cancelled"
)

var transitions = map[SyncState][]SyncState{
	StatePending:    {StateSynced, StateSyncError},
	StateSynced:     {StateUpdating, StateCancelling},
	StateUpdating:   {StateSynced, StateSyncError},
	StateCancelling: {StateCancelled, StateSyncError},
	StateSyncError:  {StatePending, StateUpdating, StateCancelling},
}

// CanTransition reports whether from -> to is a legal protocol step.
func CanTransition(from, to SyncState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a step and returns a descriptive error when illegal.
func Transition(from, to SyncState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("appointments: illegal sync transition %s -> %s", from, to)
	}
	return nil
}

// StateOf derives the resting protocol state of a stored record.
func StateOf(a Appointment) SyncState {
	switch a.Status {
	case StatusCancelled:
		return StateCancelled
	case StatusSyncError:
		return StateSyncError
	default:
		if a.ExternalID == "" {
			return StatePending
		}
		return StateSynced
	}
}

// StatusFor maps resting protocol states to the persisted status.
func StatusFor(state SyncState) (Status, bool) {
	switch state {
	case StateSynced:
		return StatusScheduled, true
	case StateCancelled:
		return StatusCancelled, true
	case StateSyncError:
		return StatusSyncError, true
	default:
		return "", false
	}
}
