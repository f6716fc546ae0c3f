package netio

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/pkg/neterr"
	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// Options for a Connection
type Options struct {
	// WriteTimeout bounds a single frame write. Zero means no deadline.
	WriteTimeout time.Duration

	// OnSent is called from the flush goroutine after a frame is fully written.
	OnSent func(n int)

	// OnFault is called once for a send error that is not a local-close race.
	// The owner is expected to drop the connection.
	OnFault func(err error)

	Logger zerolog.Logger
}

// DefaultOptions returns default connection options
func DefaultOptions() Options {
	return Options{
		WriteTimeout: 10 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Connection couples one TCP socket with a FIFO send queue and a resolver.
//
// Sends never block on the network: Send appends under the lock and, when the
// queue was empty, starts a flush goroutine that drains it in order and exits.
// Receives run on the caller's goroutine via ReceiveLoop, one read at a time,
// so the resolver is never touched concurrently.
type Connection struct {
	mu      sync.Mutex
	conn    net.Conn
	queue   [][]byte
	sending bool
	closed  bool
	faulted bool
	flushWg sync.WaitGroup

	resolver *protocol.Resolver
	readBuf  []byte
	opts     Options
}

// New creates an unbound connection
func New(opts Options) *Connection {
	return &Connection{
		resolver: protocol.NewResolver(),
		readBuf:  make([]byte, protocol.SocketBufferSize),
		opts:     opts,
	}
}

// Bind attaches a connected socket. Any previous state must have been cleared
// with Reset.
func (c *Connection) Bind(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = conn
	c.closed = false
	c.faulted = false
	c.queue = c.queue[:0]
	c.resolver.Reset()
}

// Send enqueues a copy of frame for ordered delivery.
func (c *Connection) Send(frame []byte) error {
	if len(frame) == 0 {
		return neterr.SessionSendPacketIsNil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A faulted connection is on its way to being torn down.
	if c.closed || c.faulted || c.conn == nil {
		return neterr.SessionClosed
	}

	c.queue = append(c.queue, append([]byte(nil), frame...))
	if !c.sending {
		c.sending = true
		c.flushWg.Add(1)
		go c.flush(c.conn)
	}
	return nil
}

// flush writes queued frames head first until the queue is empty
func (c *Connection) flush(conn net.Conn) {
	defer c.flushWg.Done()

	written := 0
	for {
		c.mu.Lock()
		if c.closed || len(c.queue) == 0 {
			c.sending = false
			c.mu.Unlock()
			return
		}
		head := c.queue[0]
		c.mu.Unlock()

		if c.opts.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		}

		n, err := conn.Write(head[written:])
		written += n
		if err != nil {
			c.mu.Lock()
			c.sending = false
			report := !c.closed && !c.faulted && !IsClosedError(err)
			if report {
				c.faulted = true
			}
			c.mu.Unlock()

			if !report {
				c.opts.Logger.Debug().Err(err).Msg("send on closing connection")
				return
			}
			c.opts.Logger.Warn().Err(err).Int("pending", c.Pending()).Msg("send failed")
			if c.opts.OnFault != nil {
				c.opts.OnFault(err)
			}
			return
		}

		// Only a fully written frame leaves the queue.
		if written < len(head) {
			continue
		}

		c.mu.Lock()
		if len(c.queue) > 0 {
			c.queue[0] = nil
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()

		if c.opts.OnSent != nil {
			c.opts.OnSent(len(head))
		}
		written = 0
	}
}

// ReceiveLoop reads until the socket fails or is closed, passing every
// completed frame to onFrame. It returns nil for an orderly close or a
// local-close race and the fault otherwise.
func (c *Connection) ReceiveLoop(onFrame func(frame []byte)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return neterr.SessionClosed
	}

	for {
		n, err := conn.Read(c.readBuf)
		if n > 0 {
			if rerr := c.Receive(c.readBuf, n, onFrame); rerr != nil {
				return rerr
			}
		}
		if err != nil {
			if IsClosedError(err) {
				c.opts.Logger.Debug().Err(err).Msg("receive loop ended")
				return nil
			}
			return err
		}
	}
}

// Receive feeds n raw bytes from buf to the resolver.
func (c *Connection) Receive(buf []byte, n int, onFrame func(frame []byte)) error {
	return c.resolver.Resolve(buf, 0, n, onFrame)
}

// Close half-closes the write side and then closes the socket. It is safe to
// call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	if err := conn.Close(); err != nil && !IsClosedError(err) {
		return err
	}
	return nil
}

// Wait blocks until no flush goroutine is running.
func (c *Connection) Wait() {
	c.flushWg.Wait()
}

// Reset clears all per-socket state for reuse. Call after Close and Wait.
func (c *Connection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn = nil
	clear(c.queue)
	c.queue = c.queue[:0]
	c.sending = false
	c.closed = false
	c.faulted = false
	c.resolver.Reset()
}

// Pending returns the number of frames not yet fully written.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// IsOpen reports whether a socket is bound and not closed.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// RemoteAddr returns the peer address, or "" when unbound.
func (c *Connection) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// IsClosedError reports whether err is the expected result of an operation
// racing a close, local or remote.
func IsClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
