//go:build !unix

package netio

import "net"

func setBuffers(tcpConn *net.TCPConn, send, recv int) error {
	if send > 0 {
		if err := tcpConn.SetWriteBuffer(send); err != nil {
			return err
		}
	}
	if recv > 0 {
		return tcpConn.SetReadBuffer(recv)
	}
	return nil
}
