//go:build unix

package netio

import (
	"net"

	"golang.org/x/sys/unix"
)

func setBuffers(tcpConn *net.TCPConn, send, recv int) error {
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if send > 0 {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, send)
			if sockErr != nil {
				return
			}
		}
		if recv > 0 {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recv)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
