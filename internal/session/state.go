package session

import "time"

// State is the call lifecycle position. Ended is terminal and immediately
// resets the machine to Idle.
type State int

const (
	Idle State = iota
	Calling
	RingingIncoming
	Negotiating
	Connected
	Ending
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calling:
		return "calling"
	case RingingIncoming:
		return "ringing"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Ending:
		return "ending"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Role distinguishes which side initiated the call.
type Role int

const (
	Caller Role = iota
	Callee
)

// EndReason is the status recorded in the end-of-call log entry.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndCancelled EndReason = "cancelled"
	EndRejected  EndReason = "rejected"
	EndFailed    EndReason = "failed"
)

// Call is the single active call session. At most one non-Idle/Ended Call
// exists per machine; only the machine mutates it.
type Call struct {
	RemoteUser  string
	CallID      string
	Role        Role
	State       State
	StartedAt   time.Time
	ConnectedAt time.Time

	neg           Negotiator
	answerApplied bool
	endLogged     bool
}

// Duration is computed once at end of call: now - connectedAt, zero when
// the call never connected.
func (c *Call) Duration(now time.Time) time.Duration {
	if c.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(c.ConnectedAt)
}

// Event is the tagged union emitted by the machine; the application
// dispatcher consumes one stream instead of positional callbacks.
type Event interface{ isEvent() }

// IncomingCallEvent surfaces a ringing call with a negotiable offer.
type IncomingCallEvent struct {
	Caller string
	CallID string
}

// ConnectedEvent fires when the underlying transport reports connected.
type ConnectedEvent struct {
	Peer string
}

// RejectedEvent fires when the remote side rejected our call.
type RejectedEvent struct {
	Peer string
}

// EndedEvent fires exactly once per session, however the call ends.
type EndedEvent struct {
	Peer     string
	CallID   string
	Reason   EndReason
	Duration time.Duration
}

func (IncomingCallEvent) isEvent() {}
func (ConnectedEvent) isEvent()    {}
func (RejectedEvent) isEvent()     {}
func (EndedEvent) isEvent()        {}
