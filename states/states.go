package states

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFaulted
)

var stateNames = [...]string{
	"Disconnected",
	"Connecting",
	"Connected",
	"Disconnecting",
	"Faulted",
}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// ReturnCode is the broker's CONNACK result. ReturnCodeNone means the broker
// never answered the handshake.
type ReturnCode uint8

const (
	ReturnCodeAccepted ReturnCode = iota
	ReturnCodeUnacceptableProtocol
	ReturnCodeIdentifierRejected
	ReturnCodeServerUnavailable
	ReturnCodeBadCredentials
	ReturnCodeNotAuthorized

	ReturnCodeNone ReturnCode = 0xFF
)

var codeNames = [...]string{
	"Accepted",
	"UnacceptableProtocol",
	"IdentifierRejected",
	"ServerUnavailable",
	"BadCredentials",
	"NotAuthorized",
}

func (c ReturnCode) String() string {
	if c == ReturnCodeNone {
		return "None"
	}
	if int(c) >= len(codeNames) {
		return "Unknown"
	}
	return codeNames[c]
}
