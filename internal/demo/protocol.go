// Package demo is the chat protocol spoken by the netserver and netclient
// binaries: ping/pong, nickname login and a chat room broadcast. Anything
// else a client sends is echoed back.
package demo

import (
	"encoding/json"
	"fmt"

	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// Protocol ids carried in the packet header.
const (
	ProtocolNone        int32 = 0
	ProtocolPing        int32 = 1 // header only
	ProtocolPong        int32 = 2 // header only
	ProtocolLogin       int32 = 3
	ProtocolLoginResult int32 = 4
	ProtocolChat        int32 = 5
	ProtocolChatMessage int32 = 6
)

// DefaultPort is where the demo server listens.
const DefaultPort = 20210

type LoginRequest struct {
	Nickname string `json:"nickname"`
}

type LoginResult struct {
	Nickname string `json:"nickname"`
	OK       bool   `json:"ok"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

// ChatMessage is broadcast to every logged-in user.
type ChatMessage struct {
	Sender   int32  `json:"sender"`
	Nickname string `json:"nickname"`
	Message  string `json:"message"`
}

// Encode builds a packet carrying v as JSON.
func Encode(id int32, v any) (*protocol.Packet, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	pkt, err := protocol.NewPacketWithData(id, data, len(data))
	if err != nil {
		return nil, fmt.Errorf("encode protocol %d: %w", id, err)
	}
	return pkt, nil
}

// Decode unmarshals the payload of pkt into v.
func Decode(pkt *protocol.Packet, v any) error {
	if err := json.Unmarshal(pkt.Payload(), v); err != nil {
		return fmt.Errorf("decode protocol %d: %w", pkt.Protocol(), err)
	}
	return nil
}
