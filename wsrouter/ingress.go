package wsrouter

import (
	"context"

	"github.com/adred-codev/wsrouter/schema"
)

// HandleFrame runs the ingress pipeline for one received text frame:
// parse -> type extraction -> registry lookup -> limits -> validation ->
// meta normalization -> middleware chain -> handler. Any step failing jumps
// to the error sink; the connection is never closed for a bad frame.
//
// The adapter calls HandleFrame from the connection's read loop, so frames
// for one connection are processed in arrival order.
func (c *Conn) HandleFrame(ctx context.Context, data []byte) {
	r := c.router
	r.metrics.FrameReceived(len(data))

	// 1. Parse.
	doc, perr := decodeFrame(data)
	if perr != nil {
		c.log.Warn().Err(perr).Msg("Client sent invalid JSON")
		r.emitError(perr, nil, c, "")
		return
	}

	// 2. Type extraction.
	msgType, ok := doc["type"].(string)
	if !ok || msgType == "" {
		r.emitError(E(CodeInvalidArgument, "frame has no type discriminator"), nil, c, "")
		return
	}

	// Correlation id is read pre-validation so RPC failures can be
	// mirrored back; the value the client sent is otherwise untrusted.
	correlationID := ""
	if meta, ok := doc["meta"].(map[string]any); ok {
		correlationID, _ = meta[schema.MetaCorrelationID].(string)
	}

	// 3. Registry lookup.
	ent, found := r.registry.lookup(msgType)
	if !found {
		if r.observers.OnUnhandled != nil {
			env := Envelope{Type: msgType}
			if meta, ok := doc["meta"].(map[string]any); ok {
				env.Meta = Meta(meta)
			}
			env.Payload = doc["payload"]
			r.observers.OnUnhandled(c, env)
			return
		}
		r.emitError(Errorf(CodeUnimplemented, "no handler registered for %q", msgType), nil, c, correlationID)
		return
	}

	// 4. Pre-validation limits.
	if len(data) > r.opts.MaxPayloadBytes {
		r.emitError(Errorf(CodeResourceExhausted, "frame exceeds %d bytes", r.opts.MaxPayloadBytes).
			WithContext(map[string]any{"observed": len(data), "limit": r.opts.MaxPayloadBytes}),
			nil, c, correlationID)
		return
	}
	if int(c.pendingIncoming.Load()) >= r.opts.MaxPending {
		r.metrics.RateLimited(msgType)
		r.emitError(Errorf(CodeResourceExhausted, "too many in-flight messages").
			WithContext(map[string]any{"limit": r.opts.MaxPending}),
			nil, c, correlationID)
		return
	}
	c.pendingIncoming.Add(1)
	defer c.pendingIncoming.Add(-1)

	// 5. Schema validation.
	if doc["meta"] == nil {
		doc["meta"] = map[string]any{}
	}
	res := ent.schema.SafeParse(doc)
	if !res.OK {
		r.metrics.ValidationFailed(msgType)
		r.emitError(E(CodeValidationError, "message failed schema validation").
			WithContext(map[string]any{"type": msgType, "issues": res.Issues}),
			nil, c, correlationID)
		return
	}

	// 6. Normalize meta: server values overwrite whatever the client sent
	// for the reserved keys.
	meta := Meta{}
	if m, ok := res.Value["meta"].(map[string]any); ok {
		meta = Meta(m)
	}
	meta[schema.MetaClientID] = c.clientID
	meta[schema.MetaReceivedAt] = float64(unixMilli(now()))

	// 7. Context construction.
	base := Context{
		ctx:     ctx,
		conn:    c,
		msgType: msgType,
		meta:    meta,
		payload: res.Value["payload"],
	}

	var execCtx *Context
	var invoke func() error
	if ent.kind == kindRPC {
		rpcCtx := &RPCContext{Context: base, responseSchema: ent.schema.Response()}
		execCtx = &rpcCtx.Context
		invoke = func() error { return ent.rpcHandler(rpcCtx) }
	} else {
		evCtx := &base
		execCtx = evCtx
		invoke = func() error { return ent.handler(evCtx) }
	}

	// 8-9. Middleware chain, then the handler. Panics anywhere in the
	// chain are caught and routed to the error sink.
	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = Errorf(CodeInternal, "handler panic: %v", rec)
			}
		}()
		chain := invoke
		mws := append(append([]Middleware{}, r.middleware...), ent.middleware...)
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			next := chain
			chain = func() error { return mw(execCtx, next) }
		}
		return chain()
	}()

	if err != nil {
		r.emitError(AsError(err), execCtx, c, correlationID)
	}
}
