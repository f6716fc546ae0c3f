package client

import (
	"sync"

	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// MaxDrainBatch caps the packets returned by one DrainReceived call.
const MaxDrainBatch = 200

// PollingClient queues received packets instead of calling back, for hosts
// that run a single-threaded loop and must not be re-entered.
type PollingClient struct {
	*base

	recvMu sync.Mutex
	recvQ  []*protocol.Packet
}

// NewPolling creates a polling client.
func NewPolling(opts ...Option) *PollingClient {
	c := &PollingClient{}
	c.base = newBase(hooks{packet: c.enqueue}, opts)
	return c
}

func (c *PollingClient) enqueue(pkt *protocol.Packet) {
	c.recvMu.Lock()
	c.recvQ = append(c.recvQ, pkt)
	c.recvMu.Unlock()
}

// Connect drops packets left from a previous connection and dials host.
func (c *PollingClient) Connect(host string, port int) error {
	if err := c.base.Connect(host, port); err != nil {
		return err
	}
	c.clearQueue()
	return nil
}

// StartReceive begins reading once per connection. It returns false when not
// connected or already started.
func (c *PollingClient) StartReceive() bool {
	return c.startReceive()
}

// DrainReceived removes and returns up to MaxDrainBatch queued packets in
// arrival order. It returns nil when disconnected or when nothing is queued.
func (c *PollingClient) DrainReceived() []*protocol.Packet {
	if !c.IsConnected() {
		return nil
	}

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	n := min(len(c.recvQ), MaxDrainBatch)
	if n == 0 {
		return nil
	}
	out := make([]*protocol.Packet, n)
	copy(out, c.recvQ)
	clear(c.recvQ[:n])
	c.recvQ = c.recvQ[n:]
	return out
}

// Pending returns the number of queued packets.
func (c *PollingClient) Pending() int {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return len(c.recvQ)
}

// Update is called once per host tick. It returns the current state and
// discards queued packets once the connection is gone.
func (c *PollingClient) Update() State {
	state := c.State()
	if state != StateConnected && state != StateConnecting {
		c.clearQueue()
	}
	return state
}

// Reset disconnects, drops queued packets and returns to StateNone.
func (c *PollingClient) Reset() {
	c.reset()
	c.clearQueue()
}

func (c *PollingClient) clearQueue() {
	c.recvMu.Lock()
	c.recvQ = nil
	c.recvMu.Unlock()
}
