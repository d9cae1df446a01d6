package wsrouter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/adred-codev/wsrouter/pubsub"
	"github.com/adred-codev/wsrouter/schema"
)

// SendOptions tune ctx.Send.
type SendOptions struct {
	// Meta is merged onto the outbound meta. Reserved keys are stripped.
	Meta Meta

	// WaitFor selects delivery confirmation: "" (fire-and-forget),
	// "drain" (wait for the write buffer), or "ack". "ack" is treated as
	// "drain" until an application-level ack protocol exists.
	WaitFor string

	// InheritCorrelationID copies the inbound correlationId, when
	// present, onto the outbound meta.
	InheritCorrelationID bool
}

// ReplyOptions tune ctx.Reply and ctx.Progress.
type ReplyOptions struct {
	Meta Meta
}

// Context carries one validated inbound message through middleware and its
// handler. Event handlers get a *Context; RPC handlers get the *RPCContext
// extension.
type Context struct {
	ctx  context.Context
	conn *Conn

	msgType string
	meta    Meta
	payload any
}

// Ctx is the request-scoped context for blocking calls made on behalf of
// this message.
func (c *Context) Ctx() context.Context { return c.ctx }

// Type returns the literal message type.
func (c *Context) Type() string { return c.msgType }

// Meta returns the validated meta, including the server-assigned clientId
// and receivedAt.
func (c *Context) Meta() Meta { return c.meta }

// Payload returns the validated payload; nil when the schema declares none.
func (c *Context) Payload() any { return c.payload }

// BindPayload decodes the validated payload into a typed value.
func (c *Context) BindPayload(v any) error {
	raw, err := json.Marshal(c.payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// ClientID returns the connection identity.
func (c *Context) ClientID() string { return c.conn.clientID }

// RemoteIP returns the peer address, empty when unknown.
func (c *Context) RemoteIP() string { return c.conn.socket.RemoteIP() }

// Data returns a snapshot of the per-connection data store.
func (c *Context) Data() map[string]any { return c.conn.Data() }

// AssignData shallow-merges the partial record into the connection data.
func (c *Context) AssignData(partial map[string]any) { c.conn.AssignData(partial) }

// Topics returns the per-connection topics subsystem.
func (c *Context) Topics() *Topics { return c.conn.topics }

// Conn returns the underlying connection.
func (c *Context) Conn() *Conn { return c.conn }

// Send encodes and transmits an out-of-band message on this connection.
func (c *Context) Send(s *schema.Schema, payload any, opts *SendOptions) error {
	var userMeta Meta
	correlationID := ""
	waitFor := ""
	if opts != nil {
		userMeta = opts.Meta
		waitFor = opts.WaitFor
		if opts.InheritCorrelationID {
			correlationID = c.meta.CorrelationID()
		}
	}

	frame, err := c.conn.router.encodeOutgoing(s, payload, Meta{}, userMeta, correlationID)
	if err != nil {
		return err
	}

	if waitFor != "" {
		// "ack" deliberately behaves like "drain" for now.
		return c.conn.socket.SendWait(c.ctx, frame)
	}
	if sendErr := c.conn.socket.Send(frame); sendErr != nil {
		return E(CodeUnavailable, "send failed").WithCause(sendErr)
	}
	c.conn.router.metrics.FrameSent(len(frame))
	return nil
}

// Publish validates the payload, builds the wire frame and publishes it to
// the topic through the pub/sub driver.
func (c *Context) Publish(topic string, s *schema.Schema, payload any, opts *PublishOptions) (pubsub.PublishResult, error) {
	return c.conn.router.Publish(c.ctx, topic, s, payload, opts)
}

// Error writes an "ERROR" message on this connection. For RPC requests the
// inbound correlation id is mirrored automatically by the pipeline's error
// sink; Error is the handler-facing way to emit app-level failures.
func (c *Context) Error(code Code, message string, details map[string]any) error {
	e := E(code, message).WithContext(details)
	frame, encErr := errorEnvelope(e, c.meta.CorrelationID()).Encode()
	if encErr != nil {
		return encErr
	}
	if err := c.conn.socket.Send(frame); err != nil {
		return E(CodeUnavailable, "send failed").WithCause(err)
	}
	c.conn.router.metrics.FrameSent(len(frame))
	return nil
}

// RPCContext extends Context with reply and progress capabilities. Only
// handlers registered via RPC receive one.
type RPCContext struct {
	Context

	responseSchema *schema.Schema

	replyOnce sync.Once
	replied   bool
}

// Reply validates the payload against the response descriptor and writes
// the terminal reply carrying the request's correlation id. At most one
// reply is emitted per invocation; subsequent calls are silently ignored.
func (c *RPCContext) Reply(payload any, opts *ReplyOptions) error {
	var err error
	c.replyOnce.Do(func() {
		c.replied = true
		var userMeta Meta
		if opts != nil {
			userMeta = opts.Meta
		}
		var frame []byte
		var encErr *Error
		frame, encErr = c.conn.router.encodeOutgoing(
			c.responseSchema, payload, Meta{}, userMeta, c.meta.CorrelationID())
		if encErr != nil {
			err = encErr
			return
		}
		if sendErr := c.conn.socket.Send(frame); sendErr != nil {
			err = E(CodeUnavailable, "reply send failed").WithCause(sendErr)
			return
		}
		c.conn.router.metrics.FrameSent(len(frame))
	})
	return err
}

// Progress writes a non-terminal "$ws:rpc-progress" frame carrying the
// request's correlation id. Does not settle the pending slot.
func (c *RPCContext) Progress(payload any, opts *ReplyOptions) error {
	r := c.conn.router
	if r.shouldValidateOutgoing(c.responseSchema) {
		if res := c.responseSchema.ValidatePayload(payload); !res.OK {
			return E(CodeValidationError, "progress payload failed validation").
				WithContext(map[string]any{"issues": res.Issues})
		}
	}

	meta := Meta{schema.MetaCorrelationID: c.meta.CorrelationID()}
	if opts != nil {
		for k, v := range opts.Meta.StripReserved() {
			if k == schema.MetaCorrelationID {
				continue
			}
			meta[k] = v
		}
	}

	frame, err := Envelope{Type: TypeRPCProgress, Meta: meta, Payload: payload}.Encode()
	if err != nil {
		return E(CodeInternal, "progress encoding failed").WithCause(err)
	}
	if sendErr := c.conn.socket.Send(frame); sendErr != nil {
		return E(CodeUnavailable, "progress send failed").WithCause(sendErr)
	}
	r.metrics.FrameSent(len(frame))
	return nil
}

// Replied reports whether a terminal reply was already emitted.
func (c *RPCContext) Replied() bool { return c.replied }

// unixMilli is the meta timestamp representation.
func unixMilli(t time.Time) int64 { return t.UnixMilli() }
