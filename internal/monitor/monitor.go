// Package monitor exposes live server statistics over HTTP: a JSON snapshot
// at /stats and a websocket at /ws that pushes a snapshot every interval.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/pkg/stats"
)

const (
	DefaultInterval = time.Second
	writeWait       = 5 * time.Second
)

// Option configures a Monitor
type Option func(*Monitor)

// WithInterval sets the websocket push period
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the monitor logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// Monitor serves snapshots produced by source.
type Monitor struct {
	source   func() stats.Snapshot
	interval time.Duration
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*websocket.Conn
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New creates a monitor. source is called once per request or push.
func New(source func() stats.Snapshot, opts ...Option) *Monitor {
	m := &Monitor{
		source:   source,
		interval: DefaultInterval,
		log:      zerolog.Nop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*websocket.Conn),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler returns the monitor's routes
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stats", m.handleStats)
	mux.HandleFunc("GET /ws", m.handleWS)
	return mux
}

func (m *Monitor) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.source()); err != nil {
		m.log.Debug().Err(err).Msg("write stats response")
	}
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	if !m.register(id, conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer m.unregister(id)

	log := m.log.With().Str("client", id).Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("monitor client attached")

	// The reader only watches for the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(m.source()); err != nil {
			log.Debug().Err(err).Msg("monitor client dropped")
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			log.Debug().Msg("monitor client detached")
			return
		case <-m.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (m *Monitor) register(id string, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return false
	default:
	}
	m.clients[id] = conn
	m.wg.Add(1)
	return true
}

func (m *Monitor) unregister(id string) {
	m.mu.Lock()
	conn := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	m.wg.Done()
}

// Clients returns the number of attached websocket clients
func (m *Monitor) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Close detaches every websocket client and waits for their handlers.
func (m *Monitor) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
	})
	m.wg.Wait()
}

// ListenAndServe serves the monitor on addr until ctx is cancelled.
func (m *Monitor) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return m.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (m *Monitor) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	m.log.Info().Str("addr", ln.Addr().String()).Msg("monitor listening")

	select {
	case err := <-errCh:
		m.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	m.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
