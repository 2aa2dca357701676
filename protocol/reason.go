package protocol

// ReasonCode is the fine-grained close/refusal reason reported with a
// connection close.
type ReasonCode int

// Known reason codes. The two numeric provider codes (401, 403) arrive
// verbatim from the engine.
const (
	ReasonNone         ReasonCode = 0
	ReasonUnauthorized ReasonCode = 401
	ReasonForbiddenNum ReasonCode = 403
	ReasonLoggedOut    ReasonCode = 1000
	ReasonForbidden    ReasonCode = 1001
	ReasonRestart      ReasonCode = 1002
	ReasonTimedOut     ReasonCode = 1003
	ReasonBadSession   ReasonCode = 1004
)

// Recoverable reports whether a close with this reason may be retried
// automatically. The allow-list of non-recoverable codes is fixed:
// explicit logout, forbidden, and the two provider reject codes.
func (r ReasonCode) Recoverable() bool {
	switch r {
	case ReasonLoggedOut, ReasonForbidden, ReasonUnauthorized, ReasonForbiddenNum:
		return false
	default:
		return true
	}
}

// String returns a log-friendly name for the reason.
func (r ReasonCode) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonForbiddenNum:
		return "forbidden_provider"
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonRestart:
		return "restart"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonBadSession:
		return "bad_session"
	default:
		return "unknown"
	}
}
