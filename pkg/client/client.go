// Package client provides the outbound side of a packetnet connection in two
// flavours: Client delivers events through a Handler from its network
// goroutines, PollingClient queues received packets for a host that drains
// them on its own tick.
package client

import "github.com/skshohagmiah/packetnet/pkg/protocol"

// Handler receives Client events. Calls come from the client's network
// goroutines, one connection at a time and in order.
type Handler interface {
	OnConnected()
	OnConnectFailed(err error)
	// OnDisconnected fires exactly once per established connection.
	OnDisconnected()
	// OnPacket returns false when the packet was not handled; the client
	// only logs it.
	OnPacket(pkt *protocol.Packet) bool
}

// Client is an event-driven single connection client. Receiving starts
// automatically once connected.
type Client struct {
	*base
	handler Handler
}

// New creates a client reporting to handler, which must not be nil.
func New(handler Handler, opts ...Option) *Client {
	if handler == nil {
		panic("client: nil Handler")
	}

	c := &Client{handler: handler}
	c.base = newBase(hooks{
		connected:     handler.OnConnected,
		connectFailed: handler.OnConnectFailed,
		disconnected:  handler.OnDisconnected,
		packet:        c.dispatch,
		autoReceive:   true,
	}, opts)
	return c
}

func (c *Client) dispatch(pkt *protocol.Packet) {
	if !c.handler.OnPacket(pkt) {
		c.log.Debug().Int32("protocol", pkt.Protocol()).Msg("packet not handled")
	}
}

// Reset disconnects and returns the client to StateNone.
func (c *Client) Reset() {
	c.reset()
}
