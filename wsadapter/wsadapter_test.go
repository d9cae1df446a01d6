package wsadapter

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// discardConn is a net.Conn whose writes always succeed and whose reads
// block forever.
type discardConn struct {
	net.Conn
	closed chan struct{}
}

func newDiscardConn() *discardConn {
	return &discardConn{closed: make(chan struct{})}
}

func (c *discardConn) Write(p []byte) (int, error) { return len(p), nil }
func (c *discardConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, net.ErrClosed
}
func (c *discardConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}
func (c *discardConn) SetWriteDeadline(time.Time) error { return nil }
func (c *discardConn) SetReadDeadline(time.Time) error  { return nil }

func TestAcceptLimiterPerIPBurst(t *testing.T) {
	l := NewAcceptLimiter(AcceptLimiterConfig{
		IPBurst:     2,
		IPRate:      0.001,
		GlobalBurst: 100,
		GlobalRate:  100,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "per-IP burst exhausted")
	assert.True(t, l.Allow("10.0.0.2"), "other IPs keep their own budget")
}

func TestAcceptLimiterGlobal(t *testing.T) {
	l := NewAcceptLimiter(AcceptLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 1,
		GlobalRate:  0.001,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.2"), "global budget is shared across IPs")
}

func TestSocketSlowClientStrikes(t *testing.T) {
	conn := newDiscardConn()
	s := newSocket(conn, "10.0.0.1", 1, zerolog.Nop())
	// No write pump: the queue never drains, simulating a stalled peer.

	require.NoError(t, s.Send([]byte("a")))

	for i := 0; i < slowClientStrikes; i++ {
		err := s.Send([]byte("b"))
		assert.ErrorIs(t, err, errBufferFull)
	}

	// Third consecutive failure must have closed the socket.
	err := s.Send([]byte("c"))
	assert.ErrorIs(t, err, errSocketClosed)
}

func TestSocketStrikesResetOnSuccess(t *testing.T) {
	conn := newDiscardConn()
	s := newSocket(conn, "10.0.0.1", 2, zerolog.Nop())
	go s.writePump()
	defer s.Close(1000, "")

	for i := 0; i < 20; i++ {
		// The pump drains continuously; occasional full-buffer errors
		// must never accumulate into a disconnect.
		_ = s.Send([]byte("x"))
		time.Sleep(time.Millisecond)
	}

	select {
	case <-s.closed:
		t.Fatal("socket closed despite the pump draining")
	default:
	}
}

func TestSendWaitDrains(t *testing.T) {
	conn := newDiscardConn()
	s := newSocket(conn, "10.0.0.1", 8, zerolog.Nop())
	go s.writePump()
	defer s.Close(1000, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.SendWait(ctx, []byte("hello")))
}

func TestSendWaitRespectsContext(t *testing.T) {
	conn := newDiscardConn()
	s := newSocket(conn, "10.0.0.1", 1, zerolog.Nop())
	// No pump; fill the queue so SendWait has to block on enqueue.
	require.NoError(t, s.Send([]byte("filler")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.SendWait(ctx, []byte("stuck"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSocketCloseIdempotent(t *testing.T) {
	conn := newDiscardConn()
	s := newSocket(conn, "10.0.0.1", 1, zerolog.Nop())

	require.NoError(t, s.Close(1000, "bye"))
	assert.NoError(t, s.Close(1000, "again"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.0.2.10:54321"
	assert.Equal(t, "192.0.2.10", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
