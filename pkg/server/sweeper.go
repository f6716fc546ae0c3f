package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// IdleSweeper periodically evicts idle sessions. Idle eviction is always
// poll driven; this worker is one way for a host to schedule the poll.
type IdleSweeper struct {
	server   *Server
	interval time.Duration
	log      zerolog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIdleSweeper creates a sweeper for srv
func NewIdleSweeper(srv *Server, interval time.Duration, logger zerolog.Logger) *IdleSweeper {
	if interval <= 0 {
		interval = time.Second // Default sweep every second
	}

	return &IdleSweeper{
		server:   srv,
		interval: interval,
		log:      logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background worker
func (w *IdleSweeper) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop stops the background worker
func (w *IdleSweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
}

// run is the main worker loop
func (w *IdleSweeper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep runs one eviction pass
func (w *IdleSweeper) sweep() {
	if n := w.server.SweepIdle(); n > 0 {
		w.log.Info().Int("evicted", n).Msg("idle sessions disconnected")
	}
}
