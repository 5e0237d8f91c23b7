package pipebroadcast

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T) (*Broadcaster, net.Addr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(nopWriter{})

	b := New(ln, log, nil)
	go b.Serve()
	t.Cleanup(func() { b.Close() })
	return b, ln.Addr()
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestBroadcaster_DeliversToSubscriber(t *testing.T) {
	b, addr := newTestBroadcaster(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	b.Broadcast([]byte(`{"type":"event"}` + "\n"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"event\"}\n", line)
}

func TestBroadcaster_EvictsOnDisconnect(t *testing.T) {
	b, addr := newTestBroadcaster(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()

	assert.Eventually(t, func() bool { return b.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_MultipleSubscribersAllReceive(t *testing.T) {
	b, addr := newTestBroadcaster(t)

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		defer c.Close()
		conns = append(conns, c)
	}

	require.Eventually(t, func() bool { return b.Count() == 3 }, time.Second, 5*time.Millisecond)

	b.Broadcast([]byte("line\n"))

	for _, c := range conns {
		c.SetReadDeadline(time.Now().Add(time.Second))
		line, err := bufio.NewReader(c).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "line\n", line)
	}
}

func TestBroadcaster_CloseStopsAcceptLoop(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	require.NoError(t, b.Close())
}
