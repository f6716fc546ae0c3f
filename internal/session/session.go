package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/internal/netio"
	"github.com/skshohagmiah/packetnet/pkg/neterr"
	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// Options wires a session to its owner. Every hook is optional.
type Options struct {
	WriteTimeout time.Duration
	Now          func() time.Time

	// OnPacket receives each completed packet tagged with the session index.
	// The packet is owned by the callee.
	OnPacket func(pkt *protocol.Packet)
	OnRecv   func(n int)
	OnSent   func(n int)
	// OnFault reports a connection-fatal send error.
	OnFault func(s *Session, err error)

	Logger zerolog.Logger
}

// Session is the server-side state of one accepted connection. Sessions are
// pooled: Reset returns every field to its zero state before reuse.
type Session struct {
	conn  *netio.Connection
	index atomic.Int32

	mu   sync.RWMutex
	peer string
	log  zerolog.Logger

	lastRecv atomic.Int64 // unix nanos of the last resolved packet

	now      func() time.Time
	onPacket func(*protocol.Packet)
	onRecv   func(int)
	baseLog  zerolog.Logger
}

// New creates an unbound session.
func New(opts Options) *Session {
	s := &Session{
		now:      opts.Now,
		onPacket: opts.OnPacket,
		onRecv:   opts.OnRecv,
		baseLog:  opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.log = s.baseLog

	connOpts := netio.Options{
		WriteTimeout: opts.WriteTimeout,
		OnSent:       opts.OnSent,
		Logger:       opts.Logger,
	}
	if opts.OnFault != nil {
		connOpts.OnFault = func(err error) { opts.OnFault(s, err) }
	}
	s.conn = netio.New(connOpts)
	return s
}

// SetConnection binds a freshly accepted socket under index.
func (s *Session) SetConnection(conn net.Conn, index int32) {
	s.conn.Bind(conn)
	s.index.Store(index)
	s.lastRecv.Store(s.now().UnixNano())

	peer := ""
	if addr := conn.RemoteAddr(); addr != nil {
		peer = addr.String()
	}

	s.mu.Lock()
	s.peer = peer
	s.log = s.baseLog.With().Int32("session", index).Str("peer", peer).Logger()
	s.mu.Unlock()
}

// SendPacket enqueues a snapshot of pkt.
func (s *Session) SendPacket(pkt *protocol.Packet) error {
	if pkt == nil {
		return neterr.SessionSendPacketIsNil
	}
	return s.conn.Send(pkt.Bytes())
}

// OnReceive feeds n raw bytes read from the socket.
func (s *Session) OnReceive(buf []byte, n int) error {
	return s.conn.Receive(buf, n, s.dispatch)
}

// Serve runs the receive loop on the calling goroutine until the socket is
// closed or fails. It returns nil for an orderly close.
func (s *Session) Serve() error {
	return s.conn.ReceiveLoop(s.dispatch)
}

func (s *Session) dispatch(frame []byte) {
	pkt, err := protocol.FromReceived(frame, 0, len(frame))
	if err != nil {
		// The resolver only yields legal frames.
		s.logger().Error().Err(err).Msg("dropping malformed frame")
		return
	}
	pkt.SenderIndex = s.index.Load()
	s.lastRecv.Store(s.now().UnixNano())

	if s.onRecv != nil {
		s.onRecv(len(frame))
	}
	if s.onPacket != nil {
		s.onPacket(pkt)
	}
}

// Disconnect half-closes and closes the socket. Safe to call repeatedly.
func (s *Session) Disconnect() error {
	return s.conn.Close()
}

// Wait blocks until in-flight sends have finished.
func (s *Session) Wait() {
	s.conn.Wait()
}

// Reset clears the session for return to the pool.
func (s *Session) Reset() {
	s.conn.Reset()
	s.index.Store(0)
	s.lastRecv.Store(0)

	s.mu.Lock()
	s.peer = ""
	s.log = s.baseLog
	s.mu.Unlock()
}

// Touch marks the session as active now.
func (s *Session) Touch() {
	s.lastRecv.Store(s.now().UnixNano())
}

// IdleDuration is the time since the last resolved packet, or since the
// connection was bound when nothing has arrived yet.
func (s *Session) IdleDuration() time.Duration {
	last := s.lastRecv.Load()
	if last == 0 {
		return 0
	}
	return s.now().Sub(time.Unix(0, last))
}

func (s *Session) Index() int32 { return s.index.Load() }

func (s *Session) PeerAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

func (s *Session) Pending() int { return s.conn.Pending() }

func (s *Session) IsOpen() bool { return s.conn.IsOpen() }

func (s *Session) logger() *zerolog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.log
	return &l
}
