package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skshohagmiah/packetnet/pkg/stats"
)

func countingSource() (func() stats.Snapshot, *atomic.Int64) {
	var calls atomic.Int64
	return func() stats.Snapshot {
		n := calls.Add(1)
		return stats.Snapshot{Time: time.Now().UTC(), CurrentConnections: n}
	}, &calls
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestStatsEndpoint(t *testing.T) {
	s := stats.New()
	s.Connect()
	s.Recv(12)

	m := New(s.Snapshot)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap stats.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, int64(1), snap.CurrentConnections)
	assert.Equal(t, int64(12), snap.TotalRecvBytes)
}

func TestStatsRejectsOtherMethods(t *testing.T) {
	source, _ := countingSource()
	srv := httptest.NewServer(New(source).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/stats", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketPushesSnapshots(t *testing.T) {
	source, _ := countingSource()
	m := New(source, WithInterval(10*time.Millisecond))
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	defer m.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	var last int64
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var snap stats.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		assert.Greater(t, snap.CurrentConnections, last)
		last = snap.CurrentConnections
	}
	assert.Equal(t, 1, m.Clients())
}

func TestWebsocketClientDetach(t *testing.T) {
	source, _ := countingSource()
	m := New(source, WithInterval(10*time.Millisecond))
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return m.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	m.Close()
}

func TestCloseDetachesClients(t *testing.T) {
	source, _ := countingSource()
	m := New(source, WithInterval(time.Hour))
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	var first stats.Snapshot
	require.NoError(t, conn.ReadJSON(&first))

	m.Close()
	assert.Zero(t, m.Clients())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestServeStopsOnCancel(t *testing.T) {
	source, calls := countingSource()
	m := New(source)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int64(1), calls.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
