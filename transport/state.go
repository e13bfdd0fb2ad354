package transport

import "fmt"

// State is a connection's position in the Handshaking -> Open ->
// Disconnecting -> Closed lifecycle. Transitions only ever move forward.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateOpen:
		return "Open"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DisconnectReason is the 1-byte payload of a DISCO internal message.
type DisconnectReason uint8

const (
	ReasonTimeout    DisconnectReason = 0xff
	ReasonTampering  DisconnectReason = 0xfe
	ReasonBrokenPipe DisconnectReason = 0xfd
	ReasonUserExit   DisconnectReason = 0xfc
	// ReasonShutdown is sent to existing connections when the server is
	// shutting down; not itself part of the original reason-code table,
	// added to give the shutdown path (see CONCURRENCY & RESOURCE MODEL) a
	// distinct code.
	ReasonShutdown DisconnectReason = 0xfb
	// ReasonServerFull covers the rare race where a connection passes the
	// handshake's floodedOrFull check but loses the race to insert into
	// the connection map (e.g. concurrent admissions filling the last
	// slot); the already-admitted connection is torn down immediately
	// rather than left half-registered.
	ReasonServerFull DisconnectReason = 0xfa
)
