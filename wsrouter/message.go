package wsrouter

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/wsrouter/schema"
)

// Reserved message types on the wire.
const (
	// TypeError is the server-emitted failure response.
	TypeError = "ERROR"
	// TypeRPCProgress is the non-terminal progress frame for an RPC.
	TypeRPCProgress = "$ws:rpc-progress"
)

// Meta is the envelope meta object. Always present on the wire, possibly
// empty.
type Meta map[string]any

// ClientID returns the server-assigned connection identity, if present.
func (m Meta) ClientID() string {
	s, _ := m[schema.MetaClientID].(string)
	return s
}

// CorrelationID returns the request/response pairing id, if present.
func (m Meta) CorrelationID() string {
	s, _ := m[schema.MetaCorrelationID].(string)
	return s
}

// ReceivedAt returns the server ingress timestamp in unix milliseconds, or 0.
func (m Meta) ReceivedAt() int64 {
	f, _ := m[schema.MetaReceivedAt].(float64)
	return int64(f)
}

// StripReserved removes the server-only keys from a copy of the meta. Used on
// every outbound path so client- or app-provided values can never masquerade
// as server metadata. Idempotent.
func (m Meta) StripReserved() Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		if k == schema.MetaClientID || k == schema.MetaReceivedAt {
			continue
		}
		out[k] = v
	}
	return out
}

// Envelope is the wire-level message object.
type Envelope struct {
	Type    string `json:"type"`
	Meta    Meta   `json:"meta"`
	Payload any    `json:"payload,omitempty"`
}

// Encode serializes the envelope to a JSON text frame. Meta is always
// emitted, defaulting to {}.
func (e Envelope) Encode() ([]byte, error) {
	if e.Meta == nil {
		e.Meta = Meta{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %q frame: %w", e.Type, err)
	}
	return data, nil
}

// decodeFrame parses a raw text frame into the generic envelope document.
// Structural failures (not JSON, not an object) are parse-kind errors.
func decodeFrame(data []byte) (map[string]any, *Error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, E(CodeInvalidArgument, "malformed JSON frame").WithCause(err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, E(CodeInvalidArgument, "frame must be a JSON object")
	}
	return obj, nil
}

// errorEnvelope builds the wire representation of an *Error, mirroring the
// correlation id when one is known. The payload shape is
// {code, message, context?, retryable, retryAfterMs?}; rate-limit codes
// always carry retryAfterMs, explicitly null when the request is impossible
// under policy, while other codes carry it only when guidance exists.
func errorEnvelope(err *Error, correlationID string) Envelope {
	payload := map[string]any{
		"code":      string(err.Code),
		"message":   err.Message,
		"retryable": err.Retryable(),
	}
	if err.Context != nil {
		payload["context"] = err.Context
	}
	switch {
	case err.Code == CodeResourceExhausted || err.Code == CodeFailedPrecondition:
		if err.RetryAfter != nil {
			payload["retryAfterMs"] = err.RetryAfter.Milliseconds()
		} else {
			payload["retryAfterMs"] = nil
		}
	case err.RetryAfter != nil:
		payload["retryAfterMs"] = err.RetryAfter.Milliseconds()
	}

	meta := Meta{}
	if correlationID != "" {
		meta[schema.MetaCorrelationID] = correlationID
	}
	return Envelope{Type: TypeError, Meta: meta, Payload: payload}
}
