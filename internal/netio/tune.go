package netio

import (
	"net"
	"time"
)

// TuneOptions controls per-socket TCP settings applied at accept or dial.
type TuneOptions struct {
	NoDelay         bool
	KeepAlivePeriod time.Duration // zero disables keep-alive
	SendBuffer      int           // bytes, zero keeps the OS default
	RecvBuffer      int           // bytes, zero keeps the OS default
}

// DefaultTuneOptions returns low-latency settings for small frames
func DefaultTuneOptions() TuneOptions {
	return TuneOptions{
		NoDelay:         true,
		KeepAlivePeriod: 30 * time.Second,
		SendBuffer:      256 * 1024,
		RecvBuffer:      256 * 1024,
	}
}

// Tune applies opts to conn when it is a TCP connection
func Tune(conn net.Conn, opts TuneOptions) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	// Frames are small and latency bound, Nagle only adds delay.
	if err := tcpConn.SetNoDelay(opts.NoDelay); err != nil {
		return err
	}

	if opts.KeepAlivePeriod > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(opts.KeepAlivePeriod); err != nil {
			return err
		}
	}

	if opts.SendBuffer <= 0 && opts.RecvBuffer <= 0 {
		return nil
	}
	return setBuffers(tcpConn, opts.SendBuffer, opts.RecvBuffer)
}
