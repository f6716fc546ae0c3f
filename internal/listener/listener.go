package listener

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/skshohagmiah/packetnet/internal/netio"
	"github.com/skshohagmiah/packetnet/pkg/neterr"
)

const (
	DefaultBacklog = 2

	acceptRetryDelay = 10 * time.Millisecond
)

// Option configures a Listener
type Option func(*Listener)

// WithLogger sets the listener logger
func WithLogger(l zerolog.Logger) Option {
	return func(ln *Listener) { ln.log = l }
}

// WithTune overrides the TCP settings applied to accepted sockets
func WithTune(t netio.TuneOptions) Option {
	return func(ln *Listener) { ln.tune = t }
}

// Listener owns a listening socket and a dedicated accept goroutine.
//
// At most one accept is outstanding at a time. Each accept runs on its own
// goroutine and releases the gate before handing the connection to onAccept,
// so a slow callback never holds up the next accept.
type Listener struct {
	onAccept func(net.Conn)
	tune     netio.TuneOptions
	log      zerolog.Logger

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a listener that passes accepted connections to onAccept.
func New(onAccept func(net.Conn), opts ...Option) *Listener {
	l := &Listener{
		onAccept: onAccept,
		tune:     netio.DefaultTuneOptions(),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen binds port on all IPv4 interfaces and starts accepting. A backlog
// of zero or less uses DefaultBacklog.
func (l *Listener) Listen(port, backlog int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln != nil {
		return neterr.ListenerAlreadyListening
	}
	if port < 1 || port > 65535 {
		return neterr.ListenerInvalidPort
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	ln, err := listenTCP(port, backlog)
	if err != nil {
		return fmt.Errorf("%w: %w", neterr.ListenerListenFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.ln = ln
	l.cancel = cancel

	l.wg.Add(1)
	go l.acceptLoop(ctx, ln)

	l.log.Info().Str("addr", ln.Addr().String()).Int("backlog", backlog).Msg("listening")
	return nil
}

// acceptLoop keeps exactly one accept in flight until ctx is cancelled
func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	defer l.wg.Done()

	gate := semaphore.NewWeighted(1)
	for {
		if err := gate.Acquire(ctx, 1); err != nil {
			return
		}
		l.wg.Add(1)
		go l.acceptOne(ctx, ln, gate)
	}
}

// acceptOne completes a single accept and dispatches it
func (l *Listener) acceptOne(ctx context.Context, ln net.Listener, gate *semaphore.Weighted) {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(acceptRetryDelay)
		}
		gate.Release(1)
		l.wg.Done()
		return
	}

	gate.Release(1)
	l.wg.Done()

	if err := netio.Tune(conn, l.tune); err != nil {
		l.log.Debug().Err(err).Msg("tcp tuning failed")
	}
	l.onAccept(conn)
}

// Destroy stops accepting and closes the socket. It is idempotent and the
// listener may Listen again afterwards.
func (l *Listener) Destroy() {
	l.mu.Lock()
	ln, cancel := l.ln, l.cancel
	l.ln, l.cancel = nil, nil
	l.mu.Unlock()

	if ln == nil {
		return
	}

	// Cancel first so the loop treats the close error as shutdown.
	cancel()
	if err := ln.Close(); err != nil && !netio.IsClosedError(err) {
		l.log.Debug().Err(err).Msg("close listener")
	}
	l.wg.Wait()
	l.log.Info().Msg("listener destroyed")
}

// Listening reports whether a socket is bound.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

// Addr returns the bound address, or nil when not listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}
