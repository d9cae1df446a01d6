package wsclient

// State is the connection lifecycle state. Transitions:
//
//	closed       + Connect           -> connecting
//	connecting   + socket open       -> open
//	connecting   + socket close      -> closed | reconnecting
//	open         + Close             -> closing
//	closing      + socket close      -> closed
//	open         + unexpected close  -> reconnecting | closed
//	reconnecting + timer fires       -> connecting
//	reconnecting + attempts spent    -> closed
//
// Close from any state sets the manual-close flag, which suppresses all
// further reconnects.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
