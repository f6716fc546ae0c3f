// Package stats keeps passive traffic and connection counters for a server.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics is safe for concurrent use. Counters are updated from the
// receive and flush goroutines of every connection; rates are recomputed by
// whoever calls Update.
type Statistics struct {
	// Connections
	totalConns    atomic.Int64 // cumulative accepted sessions
	currentConns  atomic.Int64 // live sessions
	maxConns      atomic.Int64 // peak concurrent sessions
	rejectedConns atomic.Int64 // connections refused because the pool was empty

	// Receive
	recvCount atomic.Int64
	recvBytes atomic.Int64

	// Send
	sendCount atomic.Int64
	sendBytes atomic.Int64

	mu         sync.Mutex
	now        func() time.Time
	lastUpdate time.Time
	lastRecvN  int64
	lastRecvB  int64
	lastSendN  int64
	lastSendB  int64
	rates      Rates
}

// Rates are the per-second figures computed by the last Update.
type Rates struct {
	RecvPacketsPerSec float64 `json:"recv_packets_per_sec"`
	RecvBytesPerSec   int64   `json:"recv_bytes_per_sec"`
	SendPacketsPerSec float64 `json:"send_packets_per_sec"`
	SendBytesPerSec   int64   `json:"send_bytes_per_sec"`
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Time                time.Time `json:"time"`
	TotalConnections    int64     `json:"total_connections"`
	CurrentConnections  int64     `json:"current_connections"`
	MaxConnections      int64     `json:"max_connections"`
	RejectedConnections int64     `json:"rejected_connections"`
	TotalRecvCount      int64     `json:"total_recv_count"`
	TotalRecvBytes      int64     `json:"total_recv_bytes"`
	TotalSendCount      int64     `json:"total_send_count"`
	TotalSendBytes      int64     `json:"total_send_bytes"`
	Rates
}

// New returns zeroed statistics using the wall clock.
func New() *Statistics {
	return NewWithClock(time.Now)
}

// NewWithClock returns zeroed statistics that read time from now.
func NewWithClock(now func() time.Time) *Statistics {
	if now == nil {
		now = time.Now
	}
	s := &Statistics{now: now}
	s.lastUpdate = now()
	return s
}

// Connect records an admitted session.
func (s *Statistics) Connect() {
	s.totalConns.Add(1)
	cur := s.currentConns.Add(1)
	for {
		peak := s.maxConns.Load()
		if cur <= peak || s.maxConns.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// Disconnect records a released session.
func (s *Statistics) Disconnect() {
	s.currentConns.Add(-1)
}

// Reject records a connection refused for lack of capacity.
func (s *Statistics) Reject() {
	s.rejectedConns.Add(1)
}

// Recv records one received packet of n bytes.
func (s *Statistics) Recv(n int) {
	s.recvCount.Add(1)
	s.recvBytes.Add(int64(n))
}

// Send records one fully written packet of n bytes.
func (s *Statistics) Send(n int) {
	s.sendCount.Add(1)
	s.sendBytes.Add(int64(n))
}

// Update recomputes per-second rates from the traffic since the previous
// Update (or Reset). A zero or negative elapsed time leaves rates unchanged.
func (s *Statistics) Update() Rates {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	gap := now.Sub(s.lastUpdate).Seconds()
	if gap <= 0 {
		return s.rates
	}
	s.lastUpdate = now

	recvN, recvB := s.recvCount.Load(), s.recvBytes.Load()
	sendN, sendB := s.sendCount.Load(), s.sendBytes.Load()

	s.rates = Rates{
		RecvPacketsPerSec: float64(recvN-s.lastRecvN) / gap,
		RecvBytesPerSec:   int64(float64(recvB-s.lastRecvB) / gap),
		SendPacketsPerSec: float64(sendN-s.lastSendN) / gap,
		SendBytesPerSec:   int64(float64(sendB-s.lastSendB) / gap),
	}
	s.lastRecvN, s.lastRecvB = recvN, recvB
	s.lastSendN, s.lastSendB = sendN, sendB
	return s.rates
}

// Reset zeroes every counter and restarts the rate window.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalConns.Store(0)
	s.currentConns.Store(0)
	s.maxConns.Store(0)
	s.rejectedConns.Store(0)
	s.recvCount.Store(0)
	s.recvBytes.Store(0)
	s.sendCount.Store(0)
	s.sendBytes.Store(0)

	s.lastRecvN, s.lastRecvB, s.lastSendN, s.lastSendB = 0, 0, 0, 0
	s.rates = Rates{}
	s.lastUpdate = s.now()
}

// Snapshot copies the current counters and the last computed rates.
func (s *Statistics) Snapshot() Snapshot {
	s.mu.Lock()
	rates := s.rates
	now := s.now()
	s.mu.Unlock()

	return Snapshot{
		Time:                now,
		TotalConnections:    s.totalConns.Load(),
		CurrentConnections:  s.currentConns.Load(),
		MaxConnections:      s.maxConns.Load(),
		RejectedConnections: s.rejectedConns.Load(),
		TotalRecvCount:      s.recvCount.Load(),
		TotalRecvBytes:      s.recvBytes.Load(),
		TotalSendCount:      s.sendCount.Load(),
		TotalSendBytes:      s.sendBytes.Load(),
		Rates:               rates,
	}
}

func (s *Statistics) TotalConnections() int64    { return s.totalConns.Load() }
func (s *Statistics) CurrentConnections() int64  { return s.currentConns.Load() }
func (s *Statistics) MaxConnections() int64      { return s.maxConns.Load() }
func (s *Statistics) RejectedConnections() int64 { return s.rejectedConns.Load() }
func (s *Statistics) TotalRecvCount() int64      { return s.recvCount.Load() }
func (s *Statistics) TotalRecvBytes() int64      { return s.recvBytes.Load() }
func (s *Statistics) TotalSendCount() int64      { return s.sendCount.Load() }
func (s *Statistics) TotalSendBytes() int64      { return s.sendBytes.Load() }
