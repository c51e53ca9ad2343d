package session

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive               Status = "active"
	StatusAppointmentScheduled Status = "appointment_scheduled"
	StatusEmergency            Status = "emergency"
	StatusEnded                Status = "ended"
	StatusTimeout              Status = "timeout"
	StatusError                Status = "error"
)

// rank orders statuses so transitions only move forward.
func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusAppointmentScheduled:
		return 1
	case StatusEmergency:
		return 2
	case StatusEnded, StatusTimeout, StatusError:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s.rank() == 3 }

// advance returns the status after attempting a move to next. Backward moves
// and moves out of a terminal status are ignored.
func (s Status) advance(next Status) Status {
	if s.Terminal() || next.rank() <= s.rank() {
		return s
	}
	return next
}

// EndReason explains why a session ended.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonTimeout   EndReason = "timeout"
	ReasonError     EndReason = "error"
	ReasonEmergency EndReason = "emergency"
	ReasonShutdown  EndReason = "shutdown"
)

// ParseEndReason maps an external reason string, defaulting to completed.
func ParseEndReason(raw string) EndReason {
	switch EndReason(raw) {
	case ReasonTimeout, ReasonError, ReasonEmergency, ReasonShutdown:
		return EndReason(raw)
	default:
		return ReasonCompleted
	}
}

// finalStatus is the status a session ends in for reason. An emergency end
// keeps the emergency status.
func (r EndReason) finalStatus() Status {
	switch r {
	case ReasonTimeout:
		return StatusTimeout
	case ReasonError:
		return StatusError
	case ReasonEmergency:
		return StatusEmergency
	default:
		return StatusEnded
	}
}

// hangsUp reports whether ending for this reason should drop the call.
func (r EndReason) hangsUp() bool {
	return r == ReasonTimeout || r == ReasonError || r == ReasonShutdown
}
