package client

// State is the connection state of a client.
//
//	None -> Connecting -> Connected | ConnectFailed
//	Connected -> Disconnected
//	any -> None (Reset)
type State int32

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateConnectFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConnectFailed:
		return "connect_failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}
