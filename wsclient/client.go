// Package wsclient is the typed client for the router protocol: connection
// state machine, request/response correlation, offline queueing and
// reconnection with backoff.
package wsclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// swappable in tests
var nowMillis = func() int64 { return time.Now().UnixMilli() }

type queuedFrame struct {
	frame   []byte
	pending *pendingRequest // nil for plain sends
}

// Client is a router protocol client. All methods are safe for concurrent
// use.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	sock        Socket
	generation  int
	manualClose bool
	attempt     int
	cycleLive   bool

	queue   []*queuedFrame
	pending map[string]*pendingRequest

	openWaiters []chan error

	stateObs    []func(State)
	errObs      []func(error)
	handlers    map[string]func(Response)
	onUnhandled func(Response)
}

// New creates a client in the closed state. Call Connect to start.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "ws_client").Logger(),
		state:    StateClosed,
		pending:  make(map[string]*pendingRequest),
		handlers: make(map[string]func(Response)),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnState registers a state observer. Observer panics are caught and
// logged, never propagated into the client.
func (c *Client) OnState(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateObs = append(c.stateObs, f)
}

// OnError registers an observer for transport and dispatch errors.
func (c *Client) OnError(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errObs = append(c.errObs, f)
}

// On registers a handler for inbound messages of the given type that are
// not replies to a pending request.
func (c *Client) On(msgType string, f func(Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = f
}

// OnUnhandled registers the fallback for inbound messages with no handler.
func (c *Client) OnUnhandled(f func(Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnhandled = f
}

// setStateLocked updates the state and returns the observer notification to
// run after the mutex is released.
func (c *Client) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	obs := append([]func(State){}, c.stateObs...)
	log := c.log
	return func() {
		for _, f := range obs {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						log.Error().Interface("panic_value", rec).Msg("State observer panicked")
					}
				}()
				f(s)
			}()
		}
	}
}

// notifyOpenLocked settles every OnceOpen waiter. A nil err means the state
// reached open.
func (c *Client) notifyOpenLocked(err error) {
	for _, w := range c.openWaiters {
		w <- err
	}
	c.openWaiters = nil
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	obs := append([]func(error){}, c.errObs...)
	c.mu.Unlock()
	for _, f := range obs {
		f(err)
	}
}

// Connect brings the client toward open and waits until it gets there, the
// attempt fails terminally, or the context expires. Calling it while a
// connect cycle is already running simply joins the wait; calling it while
// open returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.manualClose = false
	var notify func()
	if !c.cycleLive {
		c.cycleLive = true
		notify = c.setStateLocked(StateConnecting)
		go c.connectCycle(false)
	}
	c.mu.Unlock()
	if notify != nil {
		notify()
	}
	return c.OnceOpen(ctx)
}

// OnceOpen waits for the next transition to open. Resolves immediately if
// already open.
func (c *Client) OnceOpen(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	w := make(chan error, 1)
	c.openWaiters = append(c.openWaiters, w)
	c.mu.Unlock()

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down and suppresses reconnection. Idempotent;
// every pending request is rejected with ConnectionClosedError.
func (c *Client) Close() error {
	c.mu.Lock()
	c.manualClose = true
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	notifyClosing := func() {}
	if c.state == StateOpen {
		notifyClosing = c.setStateLocked(StateClosing)
	}
	sock := c.sock
	c.sock = nil
	c.generation++

	var toReject []*pendingRequest
	for _, p := range c.pending {
		toReject = append(toReject, p)
	}
	c.queue = nil

	notifyClosed := c.setStateLocked(StateClosed)
	c.notifyOpenLocked(&ConnectionClosedError{Message: "closed by caller"})
	c.mu.Unlock()

	notifyClosing()
	notifyClosed()

	if sock != nil {
		_ = sock.Close()
	}
	for _, p := range toReject {
		p.settle(nil, &ConnectionClosedError{Message: "closed by caller"})
	}
	return nil
}

// connectCycle runs dial attempts until open, terminal failure, or manual
// close. delayFirst is set when entering from an unexpected disconnect, so
// the first redial honors the backoff.
func (c *Client) connectCycle(delayFirst bool) {
	if delayFirst {
		c.mu.Lock()
		delay := backoffDelay(c.opts.Reconnect, c.attempt)
		c.attempt++
		c.mu.Unlock()
		time.Sleep(delay)
	}

	for {
		c.mu.Lock()
		if c.manualClose {
			c.cycleLive = false
			c.mu.Unlock()
			return
		}
		notify := c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		notify()

		sock, err := c.dialOnce()
		if err == nil {
			c.becomeOpen(sock)
			return
		}
		c.mu.Lock()
		c.log.Warn().Err(err).Int("attempt", c.attempt).Msg("Connect attempt failed")
		spent := c.opts.Reconnect.MaxAttempts > 0 && c.attempt+1 >= c.opts.Reconnect.MaxAttempts
		if c.manualClose || c.opts.Reconnect.Disabled || spent {
			c.cycleLive = false
			notify := c.setStateLocked(StateClosed)
			c.notifyOpenLocked(&ConnectionClosedError{Message: "connect failed: " + err.Error()})
			c.mu.Unlock()
			notify()
			return
		}
		delay := backoffDelay(c.opts.Reconnect, c.attempt)
		c.attempt++
		notify = c.setStateLocked(StateReconnecting)
		c.mu.Unlock()
		notify()
		time.Sleep(delay)
	}
}

func (c *Client) dialOnce() (Socket, error) {
	ctx := context.Background()
	rawURL, protocols, err := attachAuth(ctx, c.opts)
	if err != nil {
		return nil, err
	}
	return c.opts.Dial(ctx, rawURL, protocols)
}

// becomeOpen installs the socket, flushes the offline queue in FIFO order
// and starts the read loop.
func (c *Client) becomeOpen(sock Socket) {
	c.mu.Lock()
	if c.manualClose {
		c.cycleLive = false
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.generation++
	gen := c.generation
	c.attempt = 0
	flush := c.queue
	c.queue = nil
	notify := c.setStateLocked(StateOpen)
	c.notifyOpenLocked(nil)
	c.mu.Unlock()
	notify()

	for i, q := range flush {
		if q.pending != nil {
			q.pending.markSent()
		}
		if err := sock.WriteMessage(q.frame); err != nil {
			// The socket is dying; put the unflushed tail back so it
			// goes out after the next open instead of vanishing. The
			// failed frame stays unsent so the disconnect handler keeps
			// its request queued rather than rejecting it.
			if q.pending != nil {
				q.pending.markUnsent()
			}
			c.mu.Lock()
			if gen == c.generation {
				c.queue = append(append([]*queuedFrame{}, flush[i:]...), c.queue...)
			}
			c.mu.Unlock()
			c.emitError(err)
			break
		}
	}

	go c.readLoop(sock, gen)
}

func (c *Client) readLoop(sock Socket, gen int) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(data)
	}
	c.handleDisconnect(gen)
}

// handleDisconnect reacts to the socket dying underneath us. In-flight
// requests are rejected; queued-but-unsent ones stay queued and go out
// after the next open.
func (c *Client) handleDisconnect(gen int) {
	c.mu.Lock()
	if gen != c.generation {
		// A newer socket replaced this one already.
		c.mu.Unlock()
		return
	}
	sock := c.sock
	c.sock = nil

	var inFlight []*pendingRequest
	for _, p := range c.pending {
		if p.isSent() {
			inFlight = append(inFlight, p)
		}
	}

	stop := c.manualClose || c.opts.Reconnect.Disabled
	var notify func()
	if stop {
		c.cycleLive = false
		notify = c.setStateLocked(StateClosed)
		c.notifyOpenLocked(&ConnectionClosedError{Message: "connection lost"})
	} else {
		c.cycleLive = true
		notify = c.setStateLocked(StateReconnecting)
	}
	c.mu.Unlock()
	notify()

	if sock != nil {
		_ = sock.Close()
	}
	for _, p := range inFlight {
		p.settle(nil, &ConnectionClosedError{Message: "connection lost while request in flight"})
	}

	if !stop {
		c.connectCycle(true)
	}
}

// enqueueLocked applies the offline queue policy. It returns the pending
// request that lost its slot (the evicted oldest, or the incoming one) and
// whether the incoming frame was rejected.
func (c *Client) enqueueLocked(q *queuedFrame) (victim *pendingRequest, rejected bool) {
	if c.opts.Queue == QueueOff {
		return q.pending, true
	}
	if len(c.queue) >= c.opts.QueueSize {
		if c.opts.Queue == QueueDropOldest && c.opts.QueueSize > 0 {
			evicted := c.queue[0]
			c.queue = append(c.queue[1:], q)
			return evicted.pending, false
		}
		return q.pending, true
	}
	c.queue = append(c.queue, q)
	return nil, false
}

// backoffDelay computes min(maxDelay, initialDelay * 2^attempt), then
// applies jitter.
func backoffDelay(r ReconnectOptions, attempt int) time.Duration {
	d := r.MaxDelay
	if attempt < 32 {
		if scaled := r.InitialDelay << uint(attempt); scaled > 0 && scaled < r.MaxDelay {
			d = scaled
		}
	}
	if r.Jitter == JitterFull && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}
