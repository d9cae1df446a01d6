package wsclient

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/wsrouter/schema"
	"github.com/adred-codev/wsrouter/wsrouter"
)

// Response is one inbound message after decoding.
type Response struct {
	Type    string
	Meta    wsrouter.Meta
	Payload any
}

// SendOptions tune Send.
type SendOptions struct {
	// Meta is merged over the auto-injected timestamp. Reserved keys are
	// stripped.
	Meta map[string]any

	// CorrelationID sets meta.correlationId. It always wins over any
	// correlationId in Meta, which is discarded.
	CorrelationID string
}

// normalizeMeta builds the outbound meta: timestamp default, user meta on
// top, reserved keys removed, correlationId only from the explicit option.
func normalizeMeta(userMeta map[string]any, correlationID string) wsrouter.Meta {
	meta := wsrouter.Meta{schema.MetaTimestamp: nowMillis()}
	for k, v := range userMeta {
		meta[k] = v
	}
	delete(meta, schema.MetaClientID)
	delete(meta, schema.MetaReceivedAt)
	delete(meta, schema.MetaCorrelationID)
	if correlationID != "" {
		meta[schema.MetaCorrelationID] = correlationID
	}
	return meta
}

// encodeOutgoing validates (unless the schema opts out) and serializes one
// outbound frame.
func (c *Client) encodeOutgoing(s *schema.Schema, payload any, meta wsrouter.Meta) ([]byte, error) {
	env := wsrouter.Envelope{Type: s.Type(), Meta: meta, Payload: payload}

	validate := true
	if v := s.Options().ValidateOutgoing; v != nil {
		validate = *v
	}
	if validate {
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("encode frame: %w", err)
		}
		if res := s.SafeParse(doc); !res.OK {
			return nil, &ValidationError{Message: "outgoing message failed validation", Issues: res.Issues}
		}
		return raw, nil
	}
	return env.Encode()
}

// Send transmits (or queues) one fire-and-forget message.
func (c *Client) Send(s *schema.Schema, payload any, opts *SendOptions) error {
	var userMeta map[string]any
	correlationID := ""
	if opts != nil {
		userMeta = opts.Meta
		correlationID = opts.CorrelationID
	}

	frame, err := c.encodeOutgoing(s, payload, normalizeMeta(userMeta, correlationID))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == StateOpen {
		sock := c.sock
		c.mu.Unlock()
		return sock.WriteMessage(frame)
	}
	if c.state == StateClosing {
		c.mu.Unlock()
		return &StateError{Message: "cannot send while closing"}
	}
	victim, rejected := c.enqueueLocked(&queuedFrame{frame: frame})
	c.mu.Unlock()

	if victim != nil {
		victim.settle(nil, &StateError{Message: "dropped from offline queue"})
	}
	if rejected {
		if c.opts.Queue == QueueOff {
			return &StateError{Message: "cannot send while disconnected with queue disabled"}
		}
		return &StateError{Message: "offline queue full"}
	}
	return nil
}

// handleFrame decodes one inbound frame and routes it: correlated frames go
// to the pending request dispatch, the rest to type handlers.
func (c *Client) handleFrame(data []byte) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		c.emitError(&ValidationError{Message: "malformed inbound frame: " + err.Error()})
		return
	}
	typ, _ := doc["type"].(string)
	if typ == "" {
		c.emitError(&ValidationError{Message: "inbound frame has no type"})
		return
	}
	meta := wsrouter.Meta{}
	if m, ok := doc["meta"].(map[string]any); ok {
		meta = wsrouter.Meta(m)
	}

	if corrID := meta.CorrelationID(); corrID != "" {
		c.mu.Lock()
		p := c.pending[corrID]
		c.mu.Unlock()
		if p != nil {
			c.dispatchReply(p, typ, meta, doc)
		}
		// A correlated frame with no pending entry is a late arrival for
		// a request that already settled. Dropped, never routed to type
		// handlers.
		return
	}

	resp := Response{Type: typ, Meta: meta, Payload: doc["payload"]}
	c.mu.Lock()
	h := c.handlers[typ]
	unhandled := c.onUnhandled
	c.mu.Unlock()

	switch {
	case h != nil:
		h(resp)
	case unhandled != nil:
		unhandled(resp)
	}
}
