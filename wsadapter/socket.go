package wsadapter

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 5 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// loop gives up on it.
	pongWait = 30 * time.Second

	// pingPeriod must be shorter than pongWait so a healthy peer always
	// has a ping to answer before the deadline.
	pingPeriod = (pongWait * 9) / 10

	// slowClientStrikes is how many consecutive full-buffer sends a
	// connection survives before it is closed. A full buffer means the
	// peer has not drained for several seconds already.
	slowClientStrikes = 3
)

var (
	errSocketClosed = errors.New("socket closed")
	errBufferFull   = errors.New("send buffer full")
)

type outbound struct {
	frame []byte
	done  chan error
}

// socket bridges one upgraded TCP connection to the router's ServerSocket
// contract. All writes funnel through the write pump; Send enqueues without
// blocking, SendWait additionally waits for the frame to be flushed to the
// transport.
type socket struct {
	conn     net.Conn
	log      zerolog.Logger
	remoteIP string

	out    chan outbound
	closed chan struct{}

	closeOnce sync.Once

	// strikes counts consecutive Send failures for slow-client detection.
	strikes atomic.Int32
}

func newSocket(conn net.Conn, remoteIP string, sendBuffer int, log zerolog.Logger) *socket {
	return &socket{
		conn:     conn,
		log:      log,
		remoteIP: remoteIP,
		out:      make(chan outbound, sendBuffer),
		closed:   make(chan struct{}),
	}
}

// Send enqueues a frame without blocking. A full buffer counts one strike;
// three consecutive strikes close the connection with a policy violation,
// since a peer that far behind only gets worse.
func (s *socket) Send(frame []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}

	select {
	case s.out <- outbound{frame: frame}:
		s.strikes.Store(0)
		return nil
	default:
		if n := s.strikes.Add(1); n >= slowClientStrikes {
			s.log.Warn().
				Int32("strikes", n).
				Msg("Disconnecting slow client")
			_ = s.Close(int(ws.StatusPolicyViolation), "write buffer overflow")
		}
		return errBufferFull
	}
}

// SendWait enqueues the frame and blocks until it has been flushed to the
// transport or the context is done. Ordering with prior Send calls is
// preserved because both paths go through the same queue.
func (s *socket) SendWait(ctx context.Context, frame []byte) error {
	done := make(chan error, 1)

	select {
	case s.out <- outbound{frame: frame, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errSocketClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errSocketClosed
	}
}

// Subscribe and Unsubscribe are no-ops: plain TCP sockets have no native
// fan-out, the driver's subscription index does the matching.
func (s *socket) Subscribe(string)   {}
func (s *socket) Unsubscribe(string) {}

// RemoteIP returns the peer address captured at upgrade time.
func (s *socket) RemoteIP() string { return s.remoteIP }

// Close writes a close frame and tears the TCP connection down. Idempotent.
func (s *socket) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, body)
		err = s.conn.Close()
	})
	return err
}

// writePump is the only goroutine that touches the transport for writes. It
// batches queued frames through a buffered writer to cut syscalls and keeps
// the connection alive with periodic pings.
func (s *socket) writePump() {
	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Close(int(ws.StatusNormalClosure), "")
	}()

	for {
		select {
		case <-s.closed:
			return

		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			waiters := s.writeBatch(writer, msg)
			err := writer.Flush()
			for _, done := range waiters {
				done <- err
			}
			if err != nil {
				s.log.Debug().Err(err).Msg("Write failed")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.log.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

// writeBatch writes the first frame plus everything already queued, so one
// flush covers the whole burst. Returns the drain waiters to signal after
// the flush.
func (s *socket) writeBatch(writer *bufio.Writer, first outbound) []chan error {
	var waiters []chan error

	write := func(msg outbound) bool {
		if err := wsutil.WriteServerMessage(writer, ws.OpText, msg.frame); err != nil {
			if msg.done != nil {
				msg.done <- err
			}
			return false
		}
		if msg.done != nil {
			waiters = append(waiters, msg.done)
		}
		return true
	}

	if !write(first) {
		return waiters
	}
	n := len(s.out)
	for i := 0; i < n; i++ {
		if !write(<-s.out) {
			break
		}
	}
	return waiters
}
