package server

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/packetnet/internal/session"
	"github.com/skshohagmiah/packetnet/pkg/neterr"
	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

const waitFor = 5 * time.Second

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startServer(t *testing.T, handler Handler, maxSessions int, opts ...Option) (*Server, int) {
	t.Helper()
	srv := New(handler, opts...)
	port := freePort(t)
	require.NoError(t, srv.Start(port, maxSessions, 16))
	t.Cleanup(srv.Stop)
	return srv, port
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func nextEvent(t *testing.T, q *EventQueue) Event {
	t.Helper()
	select {
	case ev := <-q.Events():
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for server event")
		return Event{}
	}
}

func expectEvent(t *testing.T, q *EventQueue, kind EventKind) Event {
	t.Helper()
	ev := nextEvent(t, q)
	require.Equal(t, kind, ev.Kind, "unexpected event %v", ev)
	return ev
}

func writePacket(t *testing.T, conn net.Conn, id int32, payload string) {
	t.Helper()
	p, err := protocol.NewPacketWithData(id, []byte(payload), len(payload))
	require.NoError(t, err)
	_, err = conn.Write(p.Bytes())
	require.NoError(t, err)
}

func readPackets(t *testing.T, conn net.Conn, n int) []*protocol.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))

	var out []*protocol.Packet
	r := protocol.NewResolver()
	buf := make([]byte, protocol.SocketBufferSize)
	for len(out) < n {
		m, err := conn.Read(buf)
		require.NoError(t, err)
		require.NoError(t, r.Resolve(buf, 0, m, func(f []byte) {
			p, err := protocol.FromReceived(f, 0, len(f))
			require.NoError(t, err)
			out = append(out, p)
		}))
	}
	return out
}

// expectClosed waits for the peer to see the server close the connection
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := io.ReadAll(conn)
	if err != nil {
		var ne net.Error
		if assert.ErrorAs(t, err, &ne) {
			assert.False(t, ne.Timeout(), "connection was not closed by the server")
		}
	}
}

func TestAdmissionControlRejectsBeyondCapacity(t *testing.T) {
	const k = 3
	q := NewEventQueue(64)
	srv, port := startServer(t, q, k)

	for i := 0; i < k; i++ {
		dial(t, port)
		expectEvent(t, q, EventConnected)
	}

	extra := dial(t, port)
	expectClosed(t, extra)

	require.Eventually(t, func() bool {
		return srv.Statistics().RejectedConnections() == 1
	}, waitFor, 10*time.Millisecond)

	assert.Equal(t, k, srv.SessionCount())
	assert.Equal(t, neterr.ServerSessionPoolFull, srv.LastError())
	assert.Equal(t, PoolStats{Capacity: k, Available: 0, InUse: k}, srv.PoolStats())
	assert.Equal(t, int64(k), srv.Statistics().CurrentConnections())
	assert.Zero(t, q.Len(), "rejected connection must not be reported")
}

func TestSessionSlotIsRecycled(t *testing.T) {
	q := NewEventQueue(64)
	srv, port := startServer(t, q, 1)

	first := dial(t, port)
	expectEvent(t, q, EventConnected)
	first.Close()
	expectEvent(t, q, EventDisconnected)

	require.Eventually(t, func() bool { return srv.PoolStats().Available == 1 }, waitFor, 10*time.Millisecond)

	dial(t, port)
	ev := expectEvent(t, q, EventConnected)
	assert.Equal(t, int32(2), ev.Session, "index must not be reused while counting up")
	assert.Equal(t, int64(0), srv.Statistics().RejectedConnections())
}

func TestIdleSweepEvictsOnlyIdleSessions(t *testing.T) {
	clk := &fakeClock{t: time.Unix(10_000, 0)}
	q := NewEventQueue(64)
	srv, port := startServer(t, q, 8, WithClock(clk.Now))
	srv.SetIdleTimeout(10 * time.Second)

	idle := dial(t, port)
	idleEv := expectEvent(t, q, EventConnected)
	active := dial(t, port)
	activeEv := expectEvent(t, q, EventConnected)

	clk.Advance(11 * time.Second)

	writePacket(t, active, 1, "still here")
	pkt := expectEvent(t, q, EventPacket)
	require.Equal(t, activeEv.Session, pkt.Session)

	assert.Equal(t, 1, srv.SweepIdle())

	ev := expectEvent(t, q, EventDisconnected)
	assert.Equal(t, idleEv.Session, ev.Session)
	expectClosed(t, idle)

	assert.Equal(t, 1, srv.SessionCount())
	assert.Equal(t, 0, srv.SweepIdle())
}

func TestIdleTimeoutIsClamped(t *testing.T) {
	srv := New(NewEventQueue(1))
	assert.Equal(t, DefaultIdleTimeout, srv.IdleTimeout())

	srv.SetIdleTimeout(time.Second)
	assert.Equal(t, DefaultMinIdleTimeout, srv.IdleTimeout())

	srv = New(NewEventQueue(1), WithMinIdleTimeout(time.Millisecond))
	srv.SetIdleTimeout(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, srv.IdleTimeout())
}

func TestSendToPreservesOrder(t *testing.T) {
	q := NewEventQueue(64)
	srv, port := startServer(t, q, 4)

	conn := dial(t, port)
	ev := expectEvent(t, q, EventConnected)

	for i, name := range []string{"A", "B", "C"} {
		p, err := protocol.NewPacketWithData(int32(i), []byte(name), 1)
		require.NoError(t, err)
		require.True(t, srv.SendTo(ev.Session, p))
	}

	got := readPackets(t, conn, 3)
	var order []string
	for _, p := range got {
		order = append(order, string(p.Payload()))
	}
	assert.Equal(t, []string{"A", "B", "C"}, order)

	require.Eventually(t, func() bool {
		return srv.Statistics().TotalSendCount() == 3
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, int64(27), srv.Statistics().TotalSendBytes())
}

func TestSendToAllReachesEverySession(t *testing.T) {
	q := NewEventQueue(64)
	srv, port := startServer(t, q, 4)

	assert.False(t, srv.SendToAll(protocol.NewPacketWithProtocol(1)), "no sessions yet")

	a := dial(t, port)
	expectEvent(t, q, EventConnected)
	b := dial(t, port)
	expectEvent(t, q, EventConnected)

	p, err := protocol.NewPacketWithData(6, []byte("hello all"), 9)
	require.NoError(t, err)
	require.True(t, srv.SendToAll(p))

	for _, conn := range []net.Conn{a, b} {
		got := readPackets(t, conn, 1)
		assert.Equal(t, int32(6), got[0].Protocol())
		assert.Equal(t, "hello all", string(got[0].Payload()))
	}
}

func TestSendErrorsAreRecorded(t *testing.T) {
	q := NewEventQueue(8)
	srv, _ := startServer(t, q, 2)

	assert.False(t, srv.SendTo(1, nil))
	assert.Equal(t, neterr.ServerSendPacketIsNil, srv.LastError())

	srv.ClearError()
	assert.Equal(t, neterr.Success, srv.LastError())

	assert.False(t, srv.SendTo(99, protocol.NewPacket()))
	assert.Equal(t, neterr.ServerSessionNotFound, srv.LastError())

	srv.ClearError()
	assert.False(t, srv.SendToAll(nil))
	assert.Equal(t, neterr.ServerSendPacketIsNil, srv.LastError())

	assert.ErrorIs(t, srv.Disconnect(12345), neterr.ServerSessionNotFound)
	assert.Equal(t, neterr.ServerSessionNotFound, srv.LastError())
}

func TestReceivedPacketCarriesSessionIndex(t *testing.T) {
	q := NewEventQueue(8)
	srv, port := startServer(t, q, 2)

	conn := dial(t, port)
	ev := expectEvent(t, q, EventConnected)
	assert.Equal(t, conn.LocalAddr().String(), ev.Peer)

	writePacket(t, conn, 7, "ping")
	pkt := expectEvent(t, q, EventPacket)
	assert.Equal(t, ev.Session, pkt.Packet.SenderIndex)
	assert.Equal(t, int32(7), pkt.Packet.Protocol())
	assert.Equal(t, "ping", string(pkt.Packet.Payload()))

	peer, err := srv.PeerAddr(ev.Session)
	require.NoError(t, err)
	assert.Equal(t, ev.Peer, peer)
	assert.Equal(t, int64(1), srv.Statistics().TotalRecvCount())
	assert.Equal(t, int64(12), srv.Statistics().TotalRecvBytes())
}

func TestInvalidFrameDropsOnlyThatSession(t *testing.T) {
	q := NewEventQueue(16)
	srv, port := startServer(t, q, 4)

	good := dial(t, port)
	goodEv := expectEvent(t, q, EventConnected)
	bad := dial(t, port)
	badEv := expectEvent(t, q, EventConnected)

	_, err := bad.Write([]byte{0x00, 0x02, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	ev := expectEvent(t, q, EventDisconnected)
	assert.Equal(t, badEv.Session, ev.Session)

	writePacket(t, good, 3, "ok")
	pkt := expectEvent(t, q, EventPacket)
	assert.Equal(t, goodEv.Session, pkt.Session)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestExplicitDisconnectNotifiesOnce(t *testing.T) {
	q := NewEventQueue(16)
	srv, port := startServer(t, q, 2)

	conn := dial(t, port)
	ev := expectEvent(t, q, EventConnected)

	require.NoError(t, srv.Disconnect(ev.Session))
	assert.ErrorIs(t, srv.Disconnect(ev.Session), neterr.ServerSessionNotFound)

	dis := expectEvent(t, q, EventDisconnected)
	assert.Equal(t, ev.Session, dis.Session)
	expectClosed(t, conn)

	require.Eventually(t, func() bool { return srv.PoolStats().Available == 2 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, q.Len(), "only one disconnect notification expected")
}

type refusingHandler struct {
	*EventQueue
}

func (h refusingHandler) OnConnected(id int32, peer string) bool {
	h.EventQueue.OnConnected(id, peer)
	return false
}

func TestHandlerCanRefuseConnection(t *testing.T) {
	q := NewEventQueue(16)
	srv, port := startServer(t, refusingHandler{q}, 2)

	conn := dial(t, port)
	ev := expectEvent(t, q, EventConnected)
	dis := expectEvent(t, q, EventDisconnected)
	assert.Equal(t, ev.Session, dis.Session)
	expectClosed(t, conn)

	require.Eventually(t, func() bool { return srv.SessionCount() == 0 }, waitFor, 10*time.Millisecond)
}

func TestIndicesAreUniqueAndNonZero(t *testing.T) {
	const n = 20
	q := NewEventQueue(n * 2)
	srv, port := startServer(t, q, n)

	for i := 0; i < n; i++ {
		dial(t, port)
	}

	seen := make(map[int32]bool)
	for i := 0; i < n; i++ {
		ev := expectEvent(t, q, EventConnected)
		assert.NotZero(t, ev.Session)
		assert.False(t, seen[ev.Session], "duplicate index %d", ev.Session)
		seen[ev.Session] = true
	}
	assert.Len(t, srv.Sessions(), n)
}

func TestStartErrors(t *testing.T) {
	q := NewEventQueue(1)
	srv, port := startServer(t, q, 2)

	assert.ErrorIs(t, srv.Start(port, 2, 2), neterr.ServerAlreadyListening)
	assert.Equal(t, neterr.ServerAlreadyListening, srv.LastError())

	other := New(q)
	assert.ErrorIs(t, other.Start(0, 2, 2), neterr.ListenerInvalidPort)
	assert.False(t, other.Running())
	assert.Equal(t, neterr.ListenerInvalidPort, other.LastError())

	assert.ErrorIs(t, other.Start(port, 2, 2), neterr.ListenerListenFailed)
	assert.Nil(t, other.Addr())
}

func TestStopDisconnectsEverySessionAndAllowsRestart(t *testing.T) {
	q := NewEventQueue(16)
	srv := New(q)
	port := freePort(t)
	require.NoError(t, srv.Start(port, 4, 4))

	a := dial(t, port)
	expectEvent(t, q, EventConnected)
	b := dial(t, port)
	expectEvent(t, q, EventConnected)

	srv.Stop()
	srv.Stop()

	expectEvent(t, q, EventDisconnected)
	expectEvent(t, q, EventDisconnected)
	expectClosed(t, a)
	expectClosed(t, b)
	assert.Equal(t, 0, srv.SessionCount())
	assert.False(t, srv.Running())
	assert.Equal(t, PoolStats{}, srv.PoolStats())

	require.NoError(t, srv.Start(port, 4, 4))
	defer srv.Stop()
	dial(t, port)
	ev := expectEvent(t, q, EventConnected)
	assert.Equal(t, int32(1), ev.Session, "index sequence restarts with the server")
	assert.Equal(t, int64(1), srv.Statistics().TotalConnections())
}

func TestIdleSweeperEvictsInBackground(t *testing.T) {
	q := NewEventQueue(8)
	srv, port := startServer(t, q, 2, WithMinIdleTimeout(time.Millisecond))
	srv.SetIdleTimeout(50 * time.Millisecond)

	sw := NewIdleSweeper(srv, 10*time.Millisecond, srv.log)
	sw.Start()
	defer sw.Stop()

	conn := dial(t, port)
	expectEvent(t, q, EventConnected)
	expectEvent(t, q, EventDisconnected)
	expectClosed(t, conn)
}

type countingHandler struct {
	disconnects atomic.Int32
}

func (h *countingHandler) OnConnected(int32, string) bool { return true }
func (h *countingHandler) OnDisconnected(int32, string) bool {
	h.disconnects.Add(1)
	return true
}
func (h *countingHandler) OnPacket(*protocol.Packet) bool { return false }

func TestConcurrentDisconnectTriggersNotifyOnce(t *testing.T) {
	h := &countingHandler{}
	srv, port := startServer(t, h, 4, WithMinIdleTimeout(time.Millisecond))
	srv.SetIdleTimeout(time.Millisecond)

	conn := dial(t, port)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitFor, 5*time.Millisecond)
	id := srv.Sessions()[0]
	time.Sleep(5 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); srv.SweepIdle() }()
		go func() { defer wg.Done(); _ = srv.Disconnect(id) }()
		go func() { defer wg.Done(); conn.Close() }()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return srv.PoolStats().Available == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), h.disconnects.Load())
}

func TestConsumerCanCallBackIntoServerWithFullQueue(t *testing.T) {
	clk := &fakeClock{t: time.Unix(10_000, 0)}
	q := NewEventQueue(1)
	srv, port := startServer(t, q, 8, WithClock(clk.Now))
	srv.SetIdleTimeout(10 * time.Second)

	for i := 0; i < 3; i++ {
		dial(t, port)
	}
	require.Eventually(t, func() bool { return srv.SessionCount() == 3 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return q.Len() >= 2 }, waitFor, 5*time.Millisecond)

	type result struct {
		swept int
		seen  []Event
	}
	done := make(chan result, 1)
	go func() {
		var res result
		first := <-q.Events()
		res.seen = append(res.seen, first)

		_ = srv.Disconnect(first.Session)
		clk.Advance(11 * time.Second)
		res.swept = srv.SweepIdle()
		srv.Stop()

		for len(res.seen) < 6 {
			select {
			case ev := <-q.Events():
				res.seen = append(res.seen, ev)
			case <-time.After(waitFor):
				done <- res
				return
			}
		}
		done <- res
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(3 * waitFor):
		t.Fatal("consumer blocked calling back into the server")
	}

	assert.Equal(t, EventConnected, res.seen[0].Kind)
	assert.Equal(t, 2, res.swept)
	require.Len(t, res.seen, 6)

	connected := map[int32]int{}
	disconnected := map[int32]int{}
	for i, ev := range res.seen {
		switch ev.Kind {
		case EventConnected:
			connected[ev.Session] = i
		case EventDisconnected:
			disconnected[ev.Session]++
			at, ok := connected[ev.Session]
			if assert.True(t, ok, "disconnect of %d before connect", ev.Session) {
				assert.Less(t, at, i)
			}
		}
	}
	assert.Len(t, connected, 3)
	for id, n := range disconnected {
		assert.Equal(t, 1, n, "session %d", id)
	}
	assert.Len(t, disconnected, 3)
	assert.Zero(t, q.Len())
}

func TestEventQueueNeverBlocksProducer(t *testing.T) {
	q := NewEventQueue(0)
	const n = 1000
	for i := 1; i <= n; i++ {
		q.OnConnected(int32(i), "")
	}
	assert.Equal(t, n, q.Len())

	for i := 1; i <= n; i++ {
		ev := nextEvent(t, q)
		require.Equal(t, int32(i), ev.Session, "events must keep their order")
	}
	assert.Zero(t, q.Len())

	q.Close()
	q.OnDisconnected(1, "")
	select {
	case ev := <-q.Events():
		t.Fatalf("closed queue delivered %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendToNeverReachesRecycledSlot(t *testing.T) {
	const stale, hello int32 = 7, 8

	q := NewEventQueue(64)
	srv, port := startServer(t, q, 1)

	dial(t, port)
	old := expectEvent(t, q, EventConnected)

	pkt := protocol.NewPacketWithProtocol(stale)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					srv.SendTo(old.Session, pkt)
				}
			}
		}()
	}

	require.NoError(t, srv.Disconnect(old.Session))
	expectEvent(t, q, EventDisconnected)
	require.Eventually(t, func() bool { return srv.PoolStats().Available == 1 }, waitFor, time.Millisecond)

	// The only pooled session is handed to the next peer while the old id
	// is still being targeted.
	next := dial(t, port)
	ev := expectEvent(t, q, EventConnected)
	require.NotEqual(t, old.Session, ev.Session)
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.True(t, srv.SendTo(ev.Session, protocol.NewPacketWithProtocol(hello)))
	got := readPackets(t, next, 1)
	assert.Equal(t, hello, got[0].Protocol(), "a send to the old id reached the new peer")

	assert.False(t, srv.SendTo(old.Session, pkt))
	assert.Equal(t, neterr.ServerSessionNotFound, srv.LastError())
}

func TestPool(t *testing.T) {
	created := 0
	p := newSessionPool(2, func() *session.Session {
		created++
		return session.New(session.Options{})
	})
	assert.Equal(t, 2, created)

	a, ok := p.Get()
	require.True(t, ok)
	b, ok := p.Get()
	require.True(t, ok)
	_, ok = p.Get()
	assert.False(t, ok, "pool should be exhausted")
	assert.Equal(t, PoolStats{Capacity: 2, Available: 0, InUse: 2}, p.Stats())

	p.Put(a)
	p.Put(b)
	p.Put(session.New(session.Options{}))
	assert.Equal(t, 2, p.Stats().Available)

	p.Close()
	_, ok = p.Get()
	assert.False(t, ok)
	p.Put(a)
	assert.Equal(t, 0, p.Stats().Available)
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "connected", EventConnected.String())
	assert.Equal(t, "packet", EventPacket.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
