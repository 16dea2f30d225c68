package aquiles

// Status is the connection status of a remote client as last reported by its events.
type Status int

const (
	// StatusNone is the status prior to any event.
	StatusNone Status = iota

	// StatusConnected is reported once a connect request has completed. The client
	// accepts requests for its enabled capabilities from this point on.
	StatusConnected

	// StatusSuspended is reported when the client is temporarily disconnected, for
	// example when the network is lost or the service dropped the session. Pending
	// requests are cancelled and listeners are dropped; the client reconnects on its own.
	StatusSuspended

	// StatusFailed is reported when a connect attempt failed for good.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusConnected:
		return "connected"
	case StatusSuspended:
		return "suspended"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a connection event delivered by a remote client.
type Event int

const (
	EventConnected Event = iota + 1
	EventSuspended
	EventFailed
)

// Events lists every event kind in a stable order.
var Events = []Event{EventConnected, EventSuspended, EventFailed}

// Status returns the status an event moves the connection to.
func (e Event) Status() Status {
	switch e {
	case EventConnected:
		return StatusConnected
	case EventSuspended:
		return StatusSuspended
	case EventFailed:
		return StatusFailed
	default:
		return StatusNone
	}
}

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connect"
	case EventSuspended:
		return "suspend"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}
