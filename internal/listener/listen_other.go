//go:build !unix

package listener

import (
	"context"
	"fmt"
	"net"
)

// The backlog cannot be passed through net on this platform.
func listenTCP(port, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp4", fmt.Sprintf(":%d", port))
}
