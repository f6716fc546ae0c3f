// Package server accepts TCP connections and manages them as pooled sessions
// addressed by a server-scoped index.
package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/internal/listener"
	"github.com/skshohagmiah/packetnet/internal/netio"
	"github.com/skshohagmiah/packetnet/internal/session"
	"github.com/skshohagmiah/packetnet/pkg/neterr"
	"github.com/skshohagmiah/packetnet/pkg/protocol"
	"github.com/skshohagmiah/packetnet/pkg/stats"
)

const (
	DefaultMaxSessions    = 2000
	DefaultIdleTimeout    = 60 * time.Second
	DefaultMinIdleTimeout = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithClock replaces the time source used for idle accounting and rates
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithMinIdleTimeout sets the floor applied by SetIdleTimeout
func WithMinIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.minIdle = d }
}

// WithWriteTimeout bounds a single frame write
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithTune overrides the TCP settings applied to accepted sockets
func WithTune(t netio.TuneOptions) Option {
	return func(s *Server) { s.tune = t }
}

// liveSession is a table entry. released is closed once the disconnect path
// has finished with the socket, after which the slot may be recycled.
type liveSession struct {
	sess     *session.Session
	peer     string
	released chan struct{}
}

// Server owns a listener, a fixed pool of sessions and the table of live
// sessions. All methods are safe for concurrent use.
type Server struct {
	handler      Handler
	log          zerolog.Logger
	now          func() time.Time
	minIdle      time.Duration
	writeTimeout time.Duration
	tune         netio.TuneOptions
	stats        *stats.Statistics

	mu       sync.Mutex // guards lifecycle fields below
	running  bool
	listener *listener.Listener
	pool     *sessionPool
	wg       sync.WaitGroup // one per connection goroutine

	tableMu  sync.RWMutex
	sessions map[int32]*liveSession
	admit    bool // false while stopping

	nextIndex   atomic.Int32
	idleTimeout atomic.Int64
	lastErr     atomic.Int32
}

// New creates a stopped server. handler must not be nil.
func New(handler Handler, opts ...Option) *Server {
	if handler == nil {
		panic("server: nil Handler")
	}

	s := &Server{
		handler:      handler,
		log:          zerolog.Nop(),
		now:          time.Now,
		minIdle:      DefaultMinIdleTimeout,
		writeTimeout: DefaultWriteTimeout,
		tune:         netio.DefaultTuneOptions(),
		sessions:     make(map[int32]*liveSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stats = stats.NewWithClock(s.now)
	s.idleTimeout.Store(int64(max(DefaultIdleTimeout, s.minIdle)))
	return s
}

// Start pre-allocates maxConnections sessions and begins listening on port.
// maxConnections <= 0 uses DefaultMaxSessions; backlog <= 0 uses the
// listener default.
func (s *Server) Start(port, maxConnections, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.setError(neterr.ServerAlreadyListening)
		return neterr.ServerAlreadyListening
	}
	if maxConnections <= 0 {
		maxConnections = DefaultMaxSessions
	}

	s.stats.Reset()
	s.nextIndex.Store(0)

	pool := newSessionPool(maxConnections, s.newSession)
	ln := listener.New(s.handleAccept,
		listener.WithLogger(s.log.With().Str("component", "listener").Logger()),
		listener.WithTune(s.tune),
	)

	s.tableMu.Lock()
	s.sessions = make(map[int32]*liveSession, maxConnections)
	s.admit = true
	s.tableMu.Unlock()

	s.pool = pool
	s.listener = ln
	s.running = true

	if err := ln.Listen(port, backlog); err != nil {
		s.running = false
		s.tableMu.Lock()
		s.admit = false
		s.tableMu.Unlock()
		ln.Destroy()
		pool.Close()
		s.pool, s.listener = nil, nil

		s.setError(neterr.Of(err))
		s.log.Error().Err(err).Int("port", port).Msg("server start failed")
		return err
	}

	s.log.Info().
		Int("port", port).
		Int("max_sessions", maxConnections).
		Dur("idle_timeout", s.IdleTimeout()).
		Msg("server started")
	return nil
}

// Stop disconnects every session, closes the listener and releases the pool.
// It waits for connection goroutines to finish and is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	ln, pool := s.listener, s.pool
	s.mu.Unlock()

	ln.Destroy()

	s.tableMu.Lock()
	s.admit = false
	ids := make([]int32, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.tableMu.Unlock()

	for _, id := range ids {
		s.disconnect(id)
	}
	s.wg.Wait()
	pool.Close()

	s.mu.Lock()
	s.listener, s.pool = nil, nil
	s.mu.Unlock()

	s.log.Info().Int("disconnected", len(ids)).Msg("server stopped")
}

func (s *Server) newSession() *session.Session {
	return session.New(session.Options{
		WriteTimeout: s.writeTimeout,
		Now:          s.now,
		OnPacket:     s.dispatch,
		OnRecv:       s.stats.Recv,
		OnSent:       s.stats.Send,
		OnFault: func(sess *session.Session, err error) {
			s.log.Warn().Err(err).Int32("session", sess.Index()).Msg("send fault, disconnecting")
			s.disconnect(sess.Index())
		},
		Logger: s.log.With().Str("component", "session").Logger(),
	})
}

// handleAccept runs on the listener's completion goroutine and becomes the
// session's receive goroutine.
func (s *Server) handleAccept(conn net.Conn) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		conn.Close()
		return
	}
	pool := s.pool
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	sess, ok := pool.Get()
	if !ok {
		conn.Close()
		s.setError(neterr.ServerSessionPoolFull)
		s.stats.Reject()
		s.log.Warn().Str("peer", conn.RemoteAddr().String()).Msg("session pool exhausted, connection rejected")
		return
	}

	entry, ok := s.register(sess, conn)
	if !ok {
		conn.Close()
		pool.Put(sess)
		return
	}
	id := sess.Index()
	s.stats.Connect()
	s.log.Debug().Int32("session", id).Str("peer", entry.peer).Msg("session connected")

	if s.handler.OnConnected(id, entry.peer) {
		if err := sess.Serve(); err != nil {
			s.log.Warn().Err(err).Int32("session", id).Msg("receive failed")
		}
	} else {
		s.log.Debug().Int32("session", id).Msg("connection refused by handler")
	}

	s.disconnect(id)
	<-entry.released

	// No goroutine touches the slot after this point until it is drawn again.
	sess.Wait()
	sess.Reset()
	pool.Put(sess)
}

// register binds conn to sess under a fresh index and inserts it
func (s *Server) register(sess *session.Session, conn net.Conn) (*liveSession, bool) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	if !s.admit {
		return nil, false
	}

	var id int32
	for {
		id = s.nextIndex.Add(1)
		if id <= 0 {
			// Wrapped; restart the sequence.
			s.nextIndex.CompareAndSwap(id, 0)
			continue
		}
		if _, taken := s.sessions[id]; !taken {
			break
		}
	}

	sess.SetConnection(conn, id)
	entry := &liveSession{
		sess:     sess,
		peer:     sess.PeerAddr(),
		released: make(chan struct{}),
	}
	s.sessions[id] = entry
	return entry, true
}

// disconnect is the single teardown path. The first caller for a given id
// removes it from the table, notifies the handler, closes the socket and
// updates statistics; later callers are no-ops.
func (s *Server) disconnect(id int32) bool {
	s.tableMu.Lock()
	entry, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.tableMu.Unlock()

	if !ok {
		return false
	}
	defer close(entry.released)

	if !s.handler.OnDisconnected(id, entry.peer) {
		s.log.Debug().Int32("session", id).Msg("disconnect notification not handled")
	}
	if err := entry.sess.Disconnect(); err != nil {
		s.log.Debug().Err(err).Int32("session", id).Msg("close socket")
	}
	s.stats.Disconnect()
	s.log.Debug().Int32("session", id).Str("peer", entry.peer).Msg("session disconnected")
	return true
}

func (s *Server) dispatch(pkt *protocol.Packet) {
	if !s.handler.OnPacket(pkt) {
		s.log.Debug().
			Int32("session", pkt.SenderIndex).
			Int32("protocol", pkt.Protocol()).
			Msg("packet not handled")
	}
}

// Disconnect drops the session with the given id.
func (s *Server) Disconnect(id int32) error {
	if !s.disconnect(id) {
		s.setError(neterr.ServerSessionNotFound)
		return neterr.ServerSessionNotFound
	}
	return nil
}

// SendTo enqueues pkt for one session. It reports whether the enqueue
// succeeded; delivery happens asynchronously.
func (s *Server) SendTo(id int32, pkt *protocol.Packet) bool {
	if pkt == nil {
		s.setError(neterr.ServerSendPacketIsNil)
		return false
	}

	// Hold the table across the enqueue: once the entry is removed its
	// session may be recycled for another peer.
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	entry, ok := s.sessions[id]
	if !ok {
		s.setError(neterr.ServerSessionNotFound)
		return false
	}

	if err := entry.sess.SendPacket(pkt); err != nil {
		s.log.Debug().Err(err).Int32("session", id).Msg("enqueue failed")
		return false
	}
	return true
}

// SendToAll enqueues pkt for every live session. It reports whether at least
// one enqueue succeeded.
func (s *Server) SendToAll(pkt *protocol.Packet) bool {
	if pkt == nil {
		s.setError(neterr.ServerSendPacketIsNil)
		return false
	}

	s.tableMu.RLock()
	defer s.tableMu.RUnlock()

	sent := false
	for _, entry := range s.sessions {
		if err := entry.sess.SendPacket(pkt); err != nil {
			s.log.Debug().Err(err).Int32("session", entry.sess.Index()).Msg("broadcast enqueue failed")
			continue
		}
		sent = true
	}
	return sent
}

// SweepIdle disconnects every session idle for longer than the idle timeout
// and returns how many were evicted.
func (s *Server) SweepIdle() int {
	timeout := s.IdleTimeout()

	var expired []int32
	s.tableMu.RLock()
	for id, entry := range s.sessions {
		if entry.sess.IdleDuration() > timeout {
			expired = append(expired, id)
		}
	}
	s.tableMu.RUnlock()

	evicted := 0
	for _, id := range expired {
		if s.disconnect(id) {
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info().Int("evicted", evicted).Dur("timeout", timeout).Msg("idle sweep")
	}
	return evicted
}

// SetIdleTimeout sets the idle eviction threshold, raised to the configured
// minimum when lower.
func (s *Server) SetIdleTimeout(d time.Duration) {
	if d < s.minIdle {
		d = s.minIdle
	}
	s.idleTimeout.Store(int64(d))
}

// IdleTimeout returns the current eviction threshold.
func (s *Server) IdleTimeout() time.Duration {
	return time.Duration(s.idleTimeout.Load())
}

// LastError returns the most recent administrative failure.
func (s *Server) LastError() neterr.Code {
	return neterr.Code(s.lastErr.Load())
}

// ClearError resets the last-error register to Success.
func (s *Server) ClearError() {
	s.lastErr.Store(int32(neterr.Success))
}

func (s *Server) setError(code neterr.Code) {
	s.lastErr.Store(int32(code))
}

// Statistics returns the live counters.
func (s *Server) Statistics() *stats.Statistics { return s.stats }

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return len(s.sessions)
}

// Sessions returns the ids of all live sessions.
func (s *Server) Sessions() []int32 {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	ids := make([]int32, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// PeerAddr returns the remote address of a live session.
func (s *Server) PeerAddr(id int32) (string, error) {
	s.tableMu.RLock()
	entry, ok := s.sessions[id]
	s.tableMu.RUnlock()
	if !ok {
		return "", neterr.ServerSessionNotFound
	}
	return entry.peer, nil
}

// PoolStats reports pool occupancy. It is zero while stopped.
func (s *Server) PoolStats() PoolStats {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool == nil {
		return PoolStats{}
	}
	return pool.Stats()
}

// Running reports whether Start has succeeded and Stop has not been called.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the listening address, or nil while stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}
