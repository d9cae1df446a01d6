// Package wsadapter bridges net/http WebSocket upgrades to the router: it
// authenticates the request, upgrades via gobwas/ws, and runs the read and
// write pumps that feed wsrouter.Conn.
package wsadapter

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrouter/wsrouter"
)

// Authenticator inspects the upgrade request and produces the connection's
// identity. Returning an error refuses the upgrade with 401.
type Authenticator func(r *http.Request) (wsrouter.AuthResult, error)

// Options configure the adapter.
type Options struct {
	Router *wsrouter.Router

	// Authenticate runs before the upgrade. Nil accepts everyone with a
	// generated clientId.
	Authenticate Authenticator

	// AcceptLimiter gates connection attempts. Nil disables accept rate
	// limiting.
	AcceptLimiter *AcceptLimiter

	// SendBuffer is the per-connection outbound queue length. Defaults
	// to 256 frames.
	SendBuffer int

	Logger zerolog.Logger
}

// Handler is the http.Handler that turns upgrade requests into router
// connections.
type Handler struct {
	router  *wsrouter.Router
	auth    Authenticator
	limiter *AcceptLimiter
	sendBuf int
	log     zerolog.Logger

	sockets      sync.Map // clientID -> *socket
	active       sync.WaitGroup
	shuttingDown atomic.Bool
}

// NewHandler creates the adapter handler.
func NewHandler(opts Options) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	return &Handler{
		router:  opts.Router,
		auth:    opts.Authenticate,
		limiter: opts.AcceptLimiter,
		sendBuf: opts.SendBuffer,
		log:     opts.Logger.With().Str("component", "ws_adapter").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if h.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientIP) {
		h.log.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	auth := wsrouter.AuthResult{}
	if h.auth != nil {
		var err error
		auth, err = h.auth(r)
		if err != nil {
			h.log.Warn().
				Err(err).
				Str("client_ip", clientIP).
				Msg("Authentication refused")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.log.Error().
			Err(err).
			Str("client_ip", clientIP).
			Msg("WebSocket upgrade failed")
		return
	}

	sock := newSocket(conn, clientIP, h.sendBuf, h.log)
	rconn := h.router.Accept(sock, auth)

	h.sockets.Store(rconn.ClientID(), sock)
	h.active.Add(1)

	go sock.writePump()
	go h.readPump(rconn, sock)
}

// readPump drives the connection: every text frame goes through the router
// pipeline in arrival order. Any read error ends the connection.
func (h *Handler) readPump(rconn *wsrouter.Conn, sock *socket) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().
				Interface("panic_value", rec).
				Str("client_id", rconn.ClientID()).
				Msg("Read pump panicked")
		}
		_ = sock.Close(int(ws.StatusNormalClosure), "")
		rconn.HandleClose()
		h.sockets.Delete(rconn.ClientID())
		h.active.Done()
	}()

	ctx := context.Background()
	sock.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(sock.conn)
		if err != nil {
			return
		}
		sock.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			rconn.HandleFrame(ctx, msg)
		case ws.OpClose:
			return
		}
		// Pings are answered by wsutil automatically; pongs only reset
		// the deadline above.
	}
}

// Shutdown stops accepting upgrades, closes every live connection with
// "going away" and waits for their pumps to finish or the context to
// expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.shuttingDown.Store(true)

	h.sockets.Range(func(_, v any) bool {
		_ = v.(*socket).Close(int(ws.StatusGoingAway), "server shutting down")
		return true
	})

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clientIP prefers the first X-Forwarded-For hop so limits apply to the
// real client behind a load balancer, falling back to the socket address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
