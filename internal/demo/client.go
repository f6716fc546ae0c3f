package demo

import (
	"fmt"

	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// Describe renders a server packet as one line of client output. self is the
// session id of the local user when known, 0 otherwise.
func Describe(pkt *protocol.Packet, self int32) string {
	switch pkt.Protocol() {
	case ProtocolPong:
		return "pong"

	case ProtocolLoginResult:
		var res LoginResult
		if err := Decode(pkt, &res); err != nil {
			return err.Error()
		}
		if !res.OK {
			return fmt.Sprintf("login as %q refused", res.Nickname)
		}
		return fmt.Sprintf("logged in as %s", res.Nickname)

	case ProtocolChatMessage:
		var msg ChatMessage
		if err := Decode(pkt, &msg); err != nil {
			return err.Error()
		}
		if self != 0 && msg.Sender == self {
			return fmt.Sprintf("> %s : %s", msg.Nickname, msg.Message)
		}
		return fmt.Sprintf("%s : %s", msg.Nickname, msg.Message)

	default:
		return fmt.Sprintf("protocol %d (%d bytes): %q", pkt.Protocol(), pkt.PayloadSize(), pkt.Payload())
	}
}
