package wsrouter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrouter/pubsub"
	"github.com/adred-codev/wsrouter/schema"
)

// Recorder is the narrow metrics surface the router reports through. The
// metrics package ships a Prometheus-backed implementation; the zero value
// of the router uses a no-op.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameReceived(bytes int)
	FrameSent(bytes int)
	ValidationFailed(msgType string)
	RateLimited(msgType string)
	HandlerError(code string)
	Published(topic string)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionOpened()      {}
func (nopRecorder) ConnectionClosed()      {}
func (nopRecorder) FrameReceived(int)      {}
func (nopRecorder) FrameSent(int)          {}
func (nopRecorder) ValidationFailed(string) {}
func (nopRecorder) RateLimited(string)     {}
func (nopRecorder) HandlerError(string)    {}
func (nopRecorder) Published(string)       {}

// Options configure a Router.
type Options struct {
	Logger  zerolog.Logger
	Metrics Recorder

	// Driver is the pub/sub backend. Defaults to an in-memory driver.
	Driver pubsub.Driver

	// MaxPayloadBytes bounds a single inbound frame. Default 1 MiB.
	MaxPayloadBytes int

	// MaxPending bounds unfinished handlers per connection. Default 64.
	MaxPending int

	// ValidateOutgoing controls whether send/reply/progress/publish
	// validate against their schema. Default true; individual schemas may
	// override.
	ValidateOutgoing *bool

	// Topics configures the per-connection topics subsystem.
	Topics TopicOptions
}

func (o Options) withDefaults() Options {
	if o.Metrics == nil {
		o.Metrics = nopRecorder{}
	}
	if o.Driver == nil {
		o.Driver = pubsub.NewMemoryDriver(pubsub.MemoryOptions{Logger: o.Logger})
	}
	if o.MaxPayloadBytes == 0 {
		o.MaxPayloadBytes = 1 << 20
	}
	if o.MaxPending == 0 {
		o.MaxPending = 64
	}
	if o.ValidateOutgoing == nil {
		v := true
		o.ValidateOutgoing = &v
	}
	o.Topics = o.Topics.withDefaults()
	return o
}

// ErrorHandler observes pipeline errors. ctx may be nil when the error
// happened before a context could be built (parse failures).
type ErrorHandler func(err *Error, ctx *Context)

// Observers are optional router-level observation hooks.
type Observers struct {
	OnUnhandled       func(conn *Conn, env Envelope)
	OnConnectionClose func(clientID string)
}

// Router validates, routes and dispatches inbound frames, and owns the
// server side of the wire protocol. Build it with New, register handlers,
// then hand it to a platform adapter. The registration API is chainable and
// freezes once the first connection is accepted.
type Router struct {
	opts    Options
	log     zerolog.Logger
	metrics Recorder
	driver  pubsub.Driver

	registry   *registry
	middleware []Middleware

	onOpen    []func(conn *Conn)
	onClose   []func(conn *Conn)
	onError   []ErrorHandler
	observers Observers

	conns  sync.Map // clientID -> *Conn
	frozen atomic.Bool
}

// New creates a Router.
func New(opts Options) *Router {
	opts = opts.withDefaults()
	r := &Router{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "router").Logger(),
		metrics:  opts.Metrics,
		driver:   opts.Driver,
		registry: newRegistry(),
	}
	r.driver.Bind(r.deliverLocally)
	return r
}

// On registers an event handler for the schema's message type.
func (r *Router) On(s *schema.Schema, h Handler) *Router {
	r.mustBeOpenForRegistration()
	r.registry.register(&entry{kind: kindEvent, schema: s, handler: h})
	return r
}

// RPC registers a request/response handler. The schema must carry a
// response descriptor.
func (r *Router) RPC(s *schema.Schema, h RPCHandler) *Router {
	r.mustBeOpenForRegistration()
	if s.Response() == nil {
		panic("wsrouter: RPC schema " + s.Type() + " has no response descriptor")
	}
	r.registry.register(&entry{kind: kindRPC, schema: s, rpcHandler: h})
	return r
}

// Use appends a global middleware, run in registration order before any
// per-route middleware.
func (r *Router) Use(m Middleware) *Router {
	r.mustBeOpenForRegistration()
	r.middleware = append(r.middleware, m)
	return r
}

// UseFor appends a per-route middleware tied to the schema's type. The type
// must already be registered.
func (r *Router) UseFor(s *schema.Schema, m Middleware) *Router {
	r.mustBeOpenForRegistration()
	e, ok := r.registry.lookup(s.Type())
	if !ok {
		panic("wsrouter: UseFor on unregistered type " + s.Type())
	}
	e.middleware = append(e.middleware, m)
	return r
}

// Merge composes another router into this one. Duplicate types follow
// last-writer-wins; middleware and lifecycle hooks are appended.
func (r *Router) Merge(other *Router) *Router {
	r.mustBeOpenForRegistration()
	other.registry.iterate(func(_ string, e *entry) {
		r.registry.register(e)
	})
	r.middleware = append(r.middleware, other.middleware...)
	r.onOpen = append(r.onOpen, other.onOpen...)
	r.onClose = append(r.onClose, other.onClose...)
	r.onError = append(r.onError, other.onError...)
	if other.observers.OnUnhandled != nil {
		r.observers.OnUnhandled = other.observers.OnUnhandled
	}
	if other.observers.OnConnectionClose != nil {
		r.observers.OnConnectionClose = other.observers.OnConnectionClose
	}
	return r
}

// OnOpen registers a connection-open hook.
func (r *Router) OnOpen(h func(conn *Conn)) *Router {
	r.onOpen = append(r.onOpen, h)
	return r
}

// OnClose registers a connection-close hook, fired in registration order.
func (r *Router) OnClose(h func(conn *Conn)) *Router {
	r.onClose = append(r.onClose, h)
	return r
}

// OnError registers a pipeline error observer. Observer panics are caught
// and logged; they never propagate into the pipeline.
func (r *Router) OnError(h ErrorHandler) *Router {
	r.onError = append(r.onError, h)
	return r
}

// Observe installs optional observers.
func (r *Router) Observe(obs Observers) *Router {
	if obs.OnUnhandled != nil {
		r.observers.OnUnhandled = obs.OnUnhandled
	}
	if obs.OnConnectionClose != nil {
		r.observers.OnConnectionClose = obs.OnConnectionClose
	}
	return r
}

// Publish validates the payload against the schema, builds the wire frame
// and hands it to the pub/sub driver. Server-initiated counterpart of
// ctx.Publish.
func (r *Router) Publish(ctx context.Context, topic string, s *schema.Schema, payload any, opts *PublishOptions) (pubsub.PublishResult, error) {
	frame, encErr := r.encodeOutgoing(s, payload, Meta{}, opts.metaOrNil(), "")
	if encErr != nil {
		return pubsub.PublishResult{}, encErr
	}
	res, err := r.driver.Publish(ctx, pubsub.Envelope{Topic: topic, Payload: frame})
	if err != nil {
		return res, err
	}
	r.metrics.Published(topic)
	return res, nil
}

// PublishOptions tune a publish call.
type PublishOptions struct {
	Meta Meta
}

func (o *PublishOptions) metaOrNil() Meta {
	if o == nil {
		return nil
	}
	return o.Meta
}

// Driver exposes the pub/sub driver, mainly for adapters and tests.
func (r *Router) Driver() pubsub.Driver { return r.driver }

// Connection returns the live connection for a clientId, if any.
func (r *Router) Connection(clientID string) (*Conn, bool) {
	v, ok := r.conns.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// deliverLocally fans an envelope out to every matched open socket.
// Best-effort: a send failure on one socket is logged and does not abort the
// rest.
func (r *Router) deliverLocally(env pubsub.Envelope, clientIDs []string) {
	for _, id := range clientIDs {
		conn, ok := r.Connection(id)
		if !ok {
			continue
		}
		if err := conn.socket.Send(env.Payload); err != nil {
			r.log.Warn().
				Err(err).
				Str("client_id", id).
				Str("topic", env.Topic).
				Msg("Local delivery failed")
			continue
		}
		r.metrics.FrameSent(len(env.Payload))
	}
}

// encodeOutgoing validates an outbound payload (unless disabled), assembles
// the envelope with reserved keys stripped from user meta, and encodes it.
func (r *Router) encodeOutgoing(s *schema.Schema, payload any, base Meta, userMeta Meta, correlationID string) ([]byte, *Error) {
	if r.shouldValidateOutgoing(s) {
		res := s.ValidatePayload(payload)
		if !res.OK {
			return nil, E(CodeValidationError, "outgoing payload failed validation for "+s.Type()).
				WithContext(map[string]any{"issues": res.Issues})
		}
	}

	meta := make(Meta, len(base)+len(userMeta)+1)
	for k, v := range base {
		meta[k] = v
	}
	for k, v := range userMeta.StripReserved() {
		meta[k] = v
	}
	if correlationID != "" {
		meta[schema.MetaCorrelationID] = correlationID
	}

	env := Envelope{Type: s.Type(), Meta: meta}
	if s.HasPayload() {
		env.Payload = payload
	}
	frame, err := env.Encode()
	if err != nil {
		return nil, E(CodeInternal, "frame encoding failed").WithCause(err)
	}
	return frame, nil
}

func (r *Router) shouldValidateOutgoing(s *schema.Schema) bool {
	if v := s.Options().ValidateOutgoing; v != nil {
		return *v
	}
	return *r.opts.ValidateOutgoing
}

// emitError routes a pipeline error to the registered observers and, when a
// correlation id is known, to the client as an "ERROR" frame.
func (r *Router) emitError(err *Error, ctx *Context, conn *Conn, correlationID string) {
	r.metrics.HandlerError(string(err.Code))
	for _, h := range r.onError {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error().
						Interface("panic_value", rec).
						Msg("Error observer panicked")
				}
			}()
			h(err, ctx)
		}()
	}

	if conn != nil && correlationID != "" {
		frame, encErr := errorEnvelope(err, correlationID).Encode()
		if encErr != nil {
			r.log.Error().Err(encErr).Msg("Failed to encode ERROR frame")
			return
		}
		if sendErr := conn.socket.Send(frame); sendErr != nil {
			r.log.Warn().
				Err(sendErr).
				Str("client_id", conn.ClientID()).
				Msg("Failed to deliver ERROR frame")
		}
	}
}

func (r *Router) mustBeOpenForRegistration() {
	if r.frozen.Load() {
		panic("wsrouter: registration after serving started")
	}
}

// now is swappable in tests.
var now = func() time.Time { return time.Now() }
