package hybrid

import "fmt"

// Status is the outcome of the most recent remote operation for a slot.
// It is transient and never persisted.
type Status int

const (
	StatusIdle Status = iota
	StatusSyncing
	StatusSynced
	StatusError
	StatusOffline
)

var statusNames = [...]string{
	StatusIdle:    "idle",
	StatusSyncing: "syncing",
	StatusSynced:  "synced",
	StatusError:   "error",
	StatusOffline: "offline",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown sync status %q", b)
}

// Event drives Transition.
type Event int

const (
	// EventBegin marks the start of a remote load or save.
	EventBegin Event = iota
	// EventSucceed marks a remote operation that completed.
	EventSucceed
	// EventFail marks a remote operation that returned an error.
	EventFail
	// EventOffline marks an operation skipped because connectivity is absent.
	EventOffline
)

// Transition returns the status that follows s after e.
//
//	any     --begin-->   syncing
//	syncing --succeed--> synced
//	syncing --fail-->    error
//	any     --offline--> offline
//
// Succeed and fail outside of syncing leave the status unchanged. No state is
// terminal.
func Transition(s Status, e Event) Status {
	switch e {
	case EventBegin:
		return StatusSyncing
	case EventOffline:
		return StatusOffline
	case EventSucceed:
		if s == StatusSyncing {
			return StatusSynced
		}
	case EventFail:
		if s == StatusSyncing {
			return StatusError
		}
	}
	return s
}
