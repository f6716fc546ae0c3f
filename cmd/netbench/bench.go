package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skshohagmiah/packetnet/pkg/client"
	"github.com/skshohagmiah/packetnet/pkg/protocol"
)

// echoProtocol is not claimed by the chat room, so the server echoes it.
const echoProtocol int32 = 100

type benchConfig struct {
	Host        string
	Port        int
	Clients     int
	Window      int // packets in flight per client
	PayloadSize int
	Duration    time.Duration
	Logger      zerolog.Logger
}

type benchResult struct {
	Clients    int
	Sent       int64
	Received   int64
	Bytes      int64
	Failed     int64
	Elapsed    time.Duration
	Throughput float64
}

// echoWorker keeps window packets in flight: every echo that comes back
// releases one more send.
type echoWorker struct {
	c        *client.Client
	credits  chan struct{}
	up       chan error
	received atomic.Int64
	bytes    atomic.Int64
}

func (w *echoWorker) OnConnected()              { w.up <- nil }
func (w *echoWorker) OnConnectFailed(err error) { w.up <- err }
func (w *echoWorker) OnDisconnected()           {}

func (w *echoWorker) OnPacket(pkt *protocol.Packet) bool {
	if pkt.Protocol() != echoProtocol {
		return false
	}
	w.received.Add(1)
	w.bytes.Add(int64(pkt.Size()))
	select {
	case w.credits <- struct{}{}:
	default:
	}
	return true
}

func runBench(ctx context.Context, cfg benchConfig) (benchResult, error) {
	if cfg.Clients <= 0 || cfg.Window <= 0 {
		return benchResult{}, errors.New("clients and window must be positive")
	}

	payload := make([]byte, cfg.PayloadSize)
	pkt, err := protocol.NewPacketWithData(echoProtocol, payload, len(payload))
	if err != nil {
		return benchResult{}, err
	}

	workers := make([]*echoWorker, 0, cfg.Clients)
	defer func() {
		for _, w := range workers {
			w.c.Close()
		}
	}()

	var failed int64
	for i := 0; i < cfg.Clients; i++ {
		w := &echoWorker{
			credits: make(chan struct{}, cfg.Window),
			up:      make(chan error, 1),
		}
		w.c = client.New(w, client.WithLogger(cfg.Logger))
		if err := w.c.Connect(cfg.Host, cfg.Port); err != nil {
			return benchResult{}, err
		}
		if err := <-w.up; err != nil {
			failed++
			w.c.Close()
			continue
		}
		workers = append(workers, w)
	}
	if len(workers) == 0 {
		return benchResult{}, errors.New("no client could connect")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var sent atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for _, w := range workers {
		for i := 0; i < cfg.Window; i++ {
			w.credits <- struct{}{}
		}
		wg.Add(1)
		go func(w *echoWorker) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.credits:
					if err := w.c.Send(pkt); err != nil {
						return
					}
					sent.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Stop receiving before summing the counters.
	for _, w := range workers {
		w.c.Close()
	}

	res := benchResult{
		Clients: len(workers),
		Sent:    sent.Load(),
		Failed:  failed,
		Elapsed: elapsed,
	}
	for _, w := range workers {
		res.Received += w.received.Load()
		res.Bytes += w.bytes.Load()
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.Throughput = float64(res.Received) / secs
	}
	return res, nil
}
