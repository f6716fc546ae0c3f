package server

import (
	"sync"

	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// Handler receives server notifications. Methods are called from connection
// goroutines and may run concurrently for different sessions; for one session
// they arrive in order: OnConnected, OnPacket..., OnDisconnected.
type Handler interface {
	// OnConnected is called once a session is registered. Returning false
	// disconnects it immediately.
	OnConnected(id int32, peer string) bool
	// OnDisconnected is called exactly once per session.
	OnDisconnected(id int32, peer string) bool
	// OnPacket is called for every packet received. pkt.SenderIndex holds
	// the session id and the packet belongs to the handler.
	OnPacket(pkt *protocol.Packet) bool
}

// EventKind identifies an Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventPacket
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventPacket:
		return "packet"
	default:
		return "unknown"
	}
}

// Event is one server notification.
type Event struct {
	Kind    EventKind
	Session int32
	Peer    string
	Packet  *protocol.Packet // EventPacket only
}

// EventQueue is a Handler that turns notifications into Events on a channel,
// for hosts that process them on their own goroutine. The queue is unbounded:
// notifying never blocks, so the consumer may call back into the Server
// (Disconnect, SweepIdle, Stop) without stalling the goroutine that produced
// the event. Events are delivered in the order they were queued.
type EventQueue struct {
	out  chan Event
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending []Event
	pumping bool
}

// NewEventQueue returns a queue whose Events channel buffers up to size
// events; anything beyond that waits in memory.
func NewEventQueue(size int) *EventQueue {
	if size < 0 {
		size = 0
	}
	return &EventQueue{
		out:  make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Events is the receive side of the queue.
func (q *EventQueue) Events() <-chan Event { return q.out }

// Len returns the number of events not yet received from Events. An event
// being handed to a full channel is not counted.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.out)
}

// Close stops delivery and drops anything still pending. Later
// notifications are discarded.
func (q *EventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *EventQueue) OnConnected(id int32, peer string) bool {
	q.push(Event{Kind: EventConnected, Session: id, Peer: peer})
	return true
}

func (q *EventQueue) OnDisconnected(id int32, peer string) bool {
	q.push(Event{Kind: EventDisconnected, Session: id, Peer: peer})
	return true
}

func (q *EventQueue) OnPacket(pkt *protocol.Packet) bool {
	q.push(Event{Kind: EventPacket, Session: pkt.SenderIndex, Packet: pkt})
	return true
}

func (q *EventQueue) push(ev Event) {
	select {
	case <-q.done:
		return
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, ev)
	if !q.pumping {
		q.pumping = true
		go q.pump()
	}
}

// pump moves pending events onto the channel in order. It runs only while
// events are pending.
func (q *EventQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.pumping = false
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending[0] = Event{}
		q.pending = q.pending[1:]
		select {
		case q.out <- ev:
			q.mu.Unlock()
			continue
		default:
		}
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.done:
			q.mu.Lock()
			q.pending = nil
			q.pumping = false
			q.mu.Unlock()
			return
		}
	}
}
