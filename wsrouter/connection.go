package wsrouter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ServerSocket is the abstract socket the router writes to. Platform
// adapters (see the wsadapter package) bridge their native connection to
// this interface.
type ServerSocket interface {
	// Send enqueues a text frame without blocking. It fails when the
	// peer's buffer is full or the socket is closed.
	Send(frame []byte) error

	// SendWait blocks until the frame has been handed to the transport
	// (write-buffer drain), or the context is done.
	SendWait(ctx context.Context, frame []byte) error

	// Subscribe/Unsubscribe drive platform-native fan-out, if any.
	// No-ops on platforms without one.
	Subscribe(topic string)
	Unsubscribe(topic string)

	// Close terminates the socket with a close code and reason.
	Close(code int, reason string) error

	// RemoteIP is the peer address used for rate-limit key derivation,
	// empty when unknown.
	RemoteIP() string
}

// AuthResult is what the authenticator produced for an accepted socket. The
// router owns nothing else about identity.
type AuthResult struct {
	// ClientID is the stable identity for the connection. Empty means
	// "generate one".
	ClientID string

	// Data seeds the per-connection data store.
	Data map[string]any
}

// Conn is one accepted connection. Created by Accept, destroyed by
// HandleClose.
type Conn struct {
	router *Router
	socket ServerSocket
	log    zerolog.Logger

	clientID string

	dataMu sync.RWMutex
	data   map[string]any

	topics *Topics

	// pendingIncoming counts unfinished handlers for backpressure.
	pendingIncoming atomic.Int32

	closeOnce sync.Once
	closed    atomic.Bool

	connectedAt time.Time
}

// Accept creates the Connection for a freshly upgraded socket and fires the
// open hooks. The registration API freezes on first accept.
func (r *Router) Accept(socket ServerSocket, auth AuthResult) *Conn {
	r.frozen.Store(true)

	clientID := auth.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	data := make(map[string]any, len(auth.Data))
	for k, v := range auth.Data {
		data[k] = v
	}

	conn := &Conn{
		router:      r,
		socket:      socket,
		clientID:    clientID,
		data:        data,
		connectedAt: now(),
		log: r.log.With().
			Str("client_id", clientID).
			Logger(),
	}
	conn.topics = newTopics(r.opts.Topics, &connTopicAdapter{conn: conn}, conn.log)

	r.conns.Store(clientID, conn)
	r.metrics.ConnectionOpened()

	conn.log.Info().Msg("Connection accepted")

	for _, h := range r.onOpen {
		h(conn)
	}
	return conn
}

// ClientID returns the stable identity for the connection.
func (c *Conn) ClientID() string { return c.clientID }

// Topics returns the per-connection topics subsystem.
func (c *Conn) Topics() *Topics { return c.topics }

// Data returns a snapshot of the per-connection data store.
func (c *Conn) Data() map[string]any {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// AssignData shallow-merges the partial record into the connection data.
func (c *Conn) AssignData(partial map[string]any) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	for k, v := range partial {
		c.data[k] = v
	}
}

// HandleClose tears the connection down: close hooks fire in registration
// order, then the driver drops this clientId from every topic it held.
// Pending replies are not settled; they are simply dropped. Idempotent.
func (c *Conn) HandleClose() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		r := c.router

		for _, h := range r.onClose {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						c.log.Error().
							Interface("panic_value", rec).
							Msg("Close hook panicked")
					}
				}()
				h(c)
			}()
		}

		for _, topic := range c.topics.List() {
			if err := r.driver.Unsubscribe(c.clientID, topic); err != nil {
				c.log.Warn().
					Err(err).
					Str("topic", topic).
					Msg("Driver cleanup failed on close")
			}
		}

		r.conns.Delete(c.clientID)
		r.metrics.ConnectionClosed()

		if r.observers.OnConnectionClose != nil {
			r.observers.OnConnectionClose(c.clientID)
		}

		c.log.Info().
			Dur("connected_for", now().Sub(c.connectedAt)).
			Msg("Connection closed")
	})
}

// connTopicAdapter binds the topics subsystem to the driver's local index
// and the platform's native fan-out for this connection.
type connTopicAdapter struct {
	conn *Conn
}

func (a *connTopicAdapter) Subscribe(_ context.Context, topic string) error {
	if err := a.conn.router.driver.Subscribe(a.conn.clientID, topic); err != nil {
		return err
	}
	a.conn.socket.Subscribe(topic)
	return nil
}

func (a *connTopicAdapter) Unsubscribe(_ context.Context, topic string) error {
	if err := a.conn.router.driver.Unsubscribe(a.conn.clientID, topic); err != nil {
		return err
	}
	a.conn.socket.Unsubscribe(topic)
	return nil
}
