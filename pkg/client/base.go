package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/internal/netio"
	"github.com/skshohagmiah/packetnet/pkg/neterr"
	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// Option configures a client
type Option func(*options)

type options struct {
	logger       zerolog.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration
	tune         netio.TuneOptions
	resolver     *net.Resolver
}

func defaultOptions() options {
	return options{
		logger:       zerolog.Nop(),
		dialTimeout:  5 * time.Second,
		writeTimeout: 10 * time.Second,
		tune:         netio.DefaultTuneOptions(),
		resolver:     net.DefaultResolver,
	}
}

// WithLogger sets the client logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDialTimeout bounds host resolution and the TCP handshake
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithWriteTimeout bounds a single frame write
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithTune overrides the TCP settings applied after connect
func WithTune(t netio.TuneOptions) Option {
	return func(o *options) { o.tune = t }
}

// WithResolver replaces the DNS resolver
func WithResolver(r *net.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

type hooks struct {
	connected     func()
	connectFailed func(err error)
	disconnected  func()
	packet        func(pkt *protocol.Packet)
	autoReceive   bool
}

// base is the connection core shared by Client and PollingClient.
//
// Every Connect starts a new generation; goroutines from an older generation
// find the generation changed and leave the state alone.
type base struct {
	opts  options
	log   zerolog.Logger
	hooks hooks

	mu          sync.Mutex
	state       State
	gen         uint64
	conn        *netio.Connection
	recvStarted bool
	wg          sync.WaitGroup
}

func newBase(h hooks, opts []Option) *base {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &base{
		opts:  o,
		log:   o.logger,
		hooks: h,
	}
}

// Connect resolves host and starts an asynchronous dial. The outcome is
// reported through the state machine.
func (b *base) Connect(host string, port int) error {
	b.mu.Lock()
	busy := b.state == StateConnecting || b.state == StateConnected
	b.mu.Unlock()
	if busy {
		return neterr.ClientSocketInUse
	}

	if port < 1 || port > 65535 {
		b.setState(StateConnectFailed)
		return neterr.ClientInvalidPort
	}

	ip, err := b.lookup(host)
	if err != nil {
		b.setState(StateConnectFailed)
		return fmt.Errorf("%w: %w", neterr.ClientInvalidHost, err)
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))

	b.mu.Lock()
	if b.state == StateConnecting || b.state == StateConnected {
		b.mu.Unlock()
		return neterr.ClientSocketInUse
	}
	b.gen++
	gen := b.gen
	conn := netio.New(netio.Options{
		WriteTimeout: b.opts.writeTimeout,
		OnFault:      func(error) { b.finish(gen) },
		Logger:       b.log,
	})
	b.conn = conn
	b.state = StateConnecting
	b.recvStarted = false
	b.wg.Add(1)
	b.mu.Unlock()

	go b.dial(gen, conn, addr)
	return nil
}

// lookup resolves host, preferring an IPv4 address
func (b *base) lookup(host string) (net.IP, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.dialTimeout)
	defer cancel()

	addrs, err := b.opts.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

func (b *base) dial(gen uint64, conn *netio.Connection, addr string) {
	defer b.wg.Done()

	d := net.Dialer{Timeout: b.opts.dialTimeout}
	nc, err := d.Dial("tcp", addr)

	b.mu.Lock()
	if gen != b.gen || b.state != StateConnecting {
		// Disconnect or Reset won the race.
		b.mu.Unlock()
		if nc != nil {
			nc.Close()
		}
		return
	}
	if err != nil {
		b.state = StateConnectFailed
		b.mu.Unlock()

		b.log.Warn().Err(err).Str("addr", addr).Msg("connect failed")
		if b.hooks.connectFailed != nil {
			b.hooks.connectFailed(err)
		}
		return
	}

	if err := netio.Tune(nc, b.opts.tune); err != nil {
		b.log.Debug().Err(err).Msg("tcp tuning failed")
	}
	conn.Bind(nc)
	b.state = StateConnected
	auto := b.hooks.autoReceive
	if auto {
		b.recvStarted = true
	}
	b.mu.Unlock()

	b.log.Info().Str("addr", addr).Msg("connected")
	if b.hooks.connected != nil {
		b.hooks.connected()
	}
	if auto {
		b.wg.Add(1)
		b.receive(gen, conn)
	}
}

// startReceive launches the receive goroutine once per connection
func (b *base) startReceive() bool {
	b.mu.Lock()
	if b.state != StateConnected || b.recvStarted {
		b.mu.Unlock()
		return false
	}
	b.recvStarted = true
	gen, conn := b.gen, b.conn
	b.wg.Add(1)
	b.mu.Unlock()

	go b.receive(gen, conn)
	return true
}

func (b *base) receive(gen uint64, conn *netio.Connection) {
	defer b.wg.Done()

	err := conn.ReceiveLoop(func(frame []byte) {
		pkt, err := protocol.FromReceived(frame, 0, len(frame))
		if err != nil {
			b.log.Error().Err(err).Msg("dropping malformed frame")
			return
		}
		if b.hooks.packet != nil {
			b.hooks.packet(pkt)
		}
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("receive failed")
	}
	b.finish(gen)
}

// finish moves a connected generation to Disconnected exactly once
func (b *base) finish(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || b.state != StateConnected {
		b.mu.Unlock()
		return
	}
	b.state = StateDisconnected
	conn := b.conn
	b.mu.Unlock()

	if err := conn.Close(); err != nil {
		b.log.Debug().Err(err).Msg("close socket")
	}
	b.log.Info().Msg("disconnected")
	if b.hooks.disconnected != nil {
		b.hooks.disconnected()
	}
}

// Disconnect closes the connection. A pending dial is abandoned.
func (b *base) Disconnect() {
	b.mu.Lock()
	switch b.state {
	case StateConnecting:
		b.gen++
		b.state = StateDisconnected
		b.mu.Unlock()
	case StateConnected:
		gen := b.gen
		b.mu.Unlock()
		b.finish(gen)
	default:
		b.mu.Unlock()
	}
}

// Send enqueues a snapshot of pkt.
func (b *base) Send(pkt *protocol.Packet) error {
	if pkt == nil {
		return neterr.SessionSendPacketIsNil
	}

	b.mu.Lock()
	if b.state != StateConnected {
		b.mu.Unlock()
		return neterr.ClientNotConnected
	}
	conn := b.conn
	b.mu.Unlock()

	if err := conn.Send(pkt.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", neterr.ClientNotConnected, err)
	}
	return nil
}

// State returns the current state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsConnected reports whether the client is in StateConnected.
func (b *base) IsConnected() bool {
	return b.State() == StateConnected
}

// RemoteAddr returns the server address while connected.
func (b *base) RemoteAddr() string {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr()
}

// Close disconnects and waits for the client's goroutines to exit.
func (b *base) Close() {
	b.Disconnect()
	b.wg.Wait()
}

func (b *base) reset() {
	b.Disconnect()
	b.mu.Lock()
	b.gen++
	b.state = StateNone
	b.recvStarted = false
	b.mu.Unlock()
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}
