package wsclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/wsrouter/schema"
	"github.com/adred-codev/wsrouter/wsrouter"
)

// RequestOptions tune Request.
type RequestOptions struct {
	Meta map[string]any

	// CorrelationID overrides the generated one.
	CorrelationID string

	// ResponseSchema overrides the schema's own response descriptor.
	ResponseSchema *schema.Schema

	// Timeout overrides Options.RequestTimeout.
	Timeout time.Duration

	// OnProgress receives the payload of every "$ws:rpc-progress" frame
	// for this request.
	OnProgress func(payload any)
}

type requestOutcome struct {
	resp *Response
	err  error
}

// pendingRequest is one outstanding RPC. All paths that can end it (reply,
// timeout, abort, disconnect, close) funnel through settle, which fires
// exactly once.
type pendingRequest struct {
	correlationID  string
	responseSchema *schema.Schema
	onProgress     func(payload any)

	client *Client
	timer  *time.Timer
	sent   atomic.Bool

	once   sync.Once
	result chan requestOutcome
}

func (p *pendingRequest) markSent()    { p.sent.Store(true) }
func (p *pendingRequest) markUnsent()  { p.sent.Store(false) }
func (p *pendingRequest) isSent() bool { return p.sent.Load() }

func (p *pendingRequest) settle(resp *Response, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.client.mu.Lock()
		delete(p.client.pending, p.correlationID)
		p.client.mu.Unlock()
		p.result <- requestOutcome{resp: resp, err: err}
	})
}

// Request sends one RPC and waits for its terminal reply. The pending slot
// is admitted synchronously: when the limit is reached the call fails
// immediately with StateError regardless of how long older requests have
// been pending. While disconnected the frame is queued under the queue
// policy and the request survives a reconnect; a request already on the
// wire when the connection drops is rejected, since the server has no
// memory of it.
func (c *Client) Request(ctx context.Context, s *schema.Schema, payload any, opts *RequestOptions) (*Response, error) {
	if ctx.Err() != nil {
		return nil, &StateError{Message: "aborted before dispatch"}
	}

	var o RequestOptions
	if opts != nil {
		o = *opts
	}

	responseSchema := o.ResponseSchema
	if responseSchema == nil {
		responseSchema = s.Response()
	}
	if responseSchema == nil {
		return nil, &StateError{Message: fmt.Sprintf("schema %q declares no response", s.Type())}
	}

	correlationID := o.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	timeout := o.Timeout
	if timeout == 0 {
		timeout = c.opts.RequestTimeout
	}

	frame, err := c.encodeOutgoing(s, payload, normalizeMeta(o.Meta, correlationID))
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		correlationID:  correlationID,
		responseSchema: responseSchema,
		onProgress:     o.OnProgress,
		client:         c,
		result:         make(chan requestOutcome, 1),
	}

	c.mu.Lock()
	if len(c.pending) >= c.opts.PendingRequestsLimit {
		c.mu.Unlock()
		return nil, &StateError{Message: "pending request limit exceeded"}
	}
	if _, exists := c.pending[correlationID]; exists {
		c.mu.Unlock()
		return nil, &StateError{Message: "correlation id already pending: " + correlationID}
	}
	c.pending[correlationID] = p
	p.timer = time.AfterFunc(timeout, func() {
		p.settle(nil, &TimeoutError{CorrelationID: correlationID})
	})

	var sock Socket
	var victim *pendingRequest
	rejected := false
	rejectMsg := "dropped from offline queue"
	switch c.state {
	case StateOpen:
		sock = c.sock
		p.markSent()
	case StateClosing:
		rejected = true
		rejectMsg = "cannot send while closing"
	default:
		victim, rejected = c.enqueueLocked(&queuedFrame{frame: frame, pending: p})
		if rejected && c.opts.Queue == QueueOff {
			rejectMsg = "cannot send while disconnected with queue disabled"
		}
	}
	c.mu.Unlock()

	if victim != nil && victim != p {
		victim.settle(nil, &StateError{Message: "dropped from offline queue"})
	}
	if rejected {
		p.settle(nil, &StateError{Message: rejectMsg})
	}

	if sock != nil {
		if werr := sock.WriteMessage(frame); werr != nil {
			p.settle(nil, &ConnectionClosedError{Message: "write failed: " + werr.Error()})
		}
	}

	select {
	case out := <-p.result:
		return out.resp, out.err
	case <-ctx.Done():
		p.settle(nil, &StateError{Message: "aborted"})
		out := <-p.result
		return out.resp, out.err
	}
}

// dispatchReply classifies one correlated frame against its pending entry:
// server error, progress, matching reply, or type mismatch. Everything
// except progress settles the entry; a frame arriving after settlement is
// dropped by the pending-map lookup in handleFrame.
func (c *Client) dispatchReply(p *pendingRequest, typ string, meta wsrouter.Meta, doc map[string]any) {
	switch typ {
	case wsrouter.TypeError:
		p.settle(nil, serverErrorFrom(doc["payload"]))

	case wsrouter.TypeRPCProgress:
		if p.onProgress != nil {
			p.onProgress(doc["payload"])
		}

	case p.responseSchema.Type():
		res := p.responseSchema.SafeParse(doc)
		if !res.OK {
			p.settle(nil, &ValidationError{Message: "reply failed response validation", Issues: res.Issues})
			return
		}
		resp := &Response{Type: typ, Meta: meta, Payload: res.Value["payload"]}
		if m, ok := res.Value["meta"].(map[string]any); ok {
			resp.Meta = wsrouter.Meta(m)
		}
		p.settle(resp, nil)

	default:
		p.settle(nil, &ValidationError{
			Message: fmt.Sprintf("expected reply type %q, got %q", p.responseSchema.Type(), typ),
		})
	}
}

// serverErrorFrom reconstructs a ServerError from an "ERROR" payload.
func serverErrorFrom(payload any) *ServerError {
	e := &ServerError{Code: wsrouter.CodeInternal, Message: "unknown server error"}

	doc, ok := payload.(map[string]any)
	if !ok {
		return e
	}
	if code, ok := doc["code"].(string); ok {
		e.Code = wsrouter.Code(code)
	}
	if msg, ok := doc["message"].(string); ok {
		e.Message = msg
	}
	if ctx, ok := doc["context"].(map[string]any); ok {
		e.Context = ctx
	}
	if retryable, ok := doc["retryable"].(bool); ok {
		e.Retryable = retryable
	} else {
		e.Retryable = wsrouter.RetryableDefault(e.Code)
	}
	if ms, ok := doc["retryAfterMs"].(float64); ok && ms >= 0 {
		d := time.Duration(ms) * time.Millisecond
		e.RetryAfter = &d
	}
	return e
}
