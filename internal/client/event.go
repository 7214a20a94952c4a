package client

import "github.com/coinstash/kpxc-go/internal/kpxcerr"

// State is one of the four client lifecycle states.
type State int

const (
	Disconnected State = iota
	Connecting
	Locked
	Unlocked
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventDatabaseOpened
	EventDatabaseClosed
	EventLoginsReceived
	EventLoginAdded
	EventPasswordsGenerated
	EventErrorOccurred
	EventStateChanged
	EventCurrentDatabaseChanged
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventDatabaseOpened:
		return "databaseOpened"
	case EventDatabaseClosed:
		return "databaseClosed"
	case EventLoginsReceived:
		return "loginsReceived"
	case EventLoginAdded:
		return "loginAdded"
	case EventPasswordsGenerated:
		return "passwordsGenerated"
	case EventErrorOccurred:
		return "errorOccured"
	case EventStateChanged:
		return "stateChanged"
	case EventCurrentDatabaseChanged:
		return "currentDatabaseChanged"
	default:
		return "unknown"
	}
}

// Event is the single type flowing out of Client.Events(). Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind         EventKind
	DatabaseHash [32]byte
	Logins       []Entry
	Passwords    []string
	Err          *kpxcerr.Error
	State        State
}
