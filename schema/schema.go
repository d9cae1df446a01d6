// Package schema declares the message shapes the router validates against.
//
// A Schema binds a message type literal to a strict envelope shape
// {type, meta, payload?} and optionally to an RPC response descriptor.
// Validation is delegated to compiled JSON Schemas; every object level
// rejects unknown keys so a client cannot smuggle extra fields past the
// router.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Reserved meta keys. The server owns clientId and receivedAt; correlationId
// pairs an RPC request with its reply.
const (
	MetaClientID      = "clientId"
	MetaReceivedAt    = "receivedAt"
	MetaCorrelationID = "correlationId"
	MetaTimestamp     = "timestamp"
)

// Doc is a JSON Schema fragment expressed as a generic document.
type Doc = map[string]any

// Issue describes a single validation failure.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the outcome of SafeParse. When OK is true, Value holds the
// validated envelope as a generic document.
type Result struct {
	OK     bool
	Value  map[string]any
	Issues []Issue
}

// Options tune validation behavior per schema.
type Options struct {
	// ValidateOutgoing disables outgoing validation for this schema when
	// set to false. Nil means "follow the router default".
	ValidateOutgoing *bool
}

// Config declares a message schema.
type Config struct {
	// Type is the message type literal, e.g. "JOIN_ROOM".
	Type string

	// Payload is the JSON Schema fragment for the payload. Nil means the
	// message carries no payload and a frame with one is rejected.
	Payload Doc

	// Meta extends the meta object with app-specific properties. The
	// reserved keys and timestamp are always permitted.
	Meta map[string]Doc

	// Response declares the reply shape for RPC schemas.
	Response *Config

	Options Options
}

// Schema is a compiled message schema. Construct with New or MustNew.
type Schema struct {
	typ        string
	hasPayload bool
	envelope   *jsonschema.Schema
	payload    *jsonschema.Schema
	response   *Schema
	options    Options
}

// New compiles a schema from its declaration.
func New(cfg Config) (*Schema, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("schema: type literal is required")
	}

	envDoc := envelopeDoc(cfg)
	env, err := compile(cfg.Type+"_envelope", envDoc)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", cfg.Type, err)
	}

	s := &Schema{
		typ:        cfg.Type,
		hasPayload: cfg.Payload != nil,
		envelope:   env,
		options:    cfg.Options,
	}

	if cfg.Payload != nil {
		p, err := compile(cfg.Type+"_payload", normalizeObjectDoc(cfg.Payload))
		if err != nil {
			return nil, fmt.Errorf("schema %q payload: %w", cfg.Type, err)
		}
		s.payload = p
	}

	if cfg.Response != nil {
		resp, err := New(*cfg.Response)
		if err != nil {
			return nil, fmt.Errorf("schema %q response: %w", cfg.Type, err)
		}
		s.response = resp
	}

	return s, nil
}

// MustNew is New, panicking on error. Intended for package-level schema
// declarations.
func MustNew(cfg Config) *Schema {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Type returns the message type literal.
func (s *Schema) Type() string { return s.typ }

// HasPayload reports whether the schema declares a payload.
func (s *Schema) HasPayload() bool { return s.hasPayload }

// Response returns the RPC response descriptor, or nil for event schemas.
func (s *Schema) Response() *Schema { return s.response }

// Options returns the per-schema validation options.
func (s *Schema) Options() Options { return s.options }

// SafeParse validates a decoded envelope value against the schema. It never
// panics or returns an error; failures are reported as issues.
func (s *Schema) SafeParse(value any) Result {
	norm, err := roundTrip(value)
	if err != nil {
		return Result{Issues: []Issue{{Path: "", Message: err.Error()}}}
	}

	if err := s.envelope.Validate(norm); err != nil {
		return Result{Issues: issuesFrom(err)}
	}

	obj, ok := norm.(map[string]any)
	if !ok {
		return Result{Issues: []Issue{{Path: "", Message: "envelope must be an object"}}}
	}
	return Result{OK: true, Value: obj}
}

// ValidatePayload validates a bare payload value (used for outgoing frames
// where the envelope is assembled by the router).
func (s *Schema) ValidatePayload(value any) Result {
	if s.payload == nil {
		if value != nil {
			return Result{Issues: []Issue{{Path: "/payload", Message: "schema declares no payload"}}}
		}
		return Result{OK: true}
	}

	norm, err := roundTrip(value)
	if err != nil {
		return Result{Issues: []Issue{{Path: "/payload", Message: err.Error()}}}
	}
	if err := s.payload.Validate(norm); err != nil {
		return Result{Issues: issuesFrom(err)}
	}
	obj, _ := norm.(map[string]any)
	return Result{OK: true, Value: obj}
}

// envelopeDoc assembles the strict envelope JSON Schema for a declaration.
func envelopeDoc(cfg Config) Doc {
	metaProps := Doc{
		MetaClientID:      Doc{"type": "string"},
		MetaReceivedAt:    Doc{"type": "number"},
		MetaCorrelationID: Doc{"type": "string"},
		MetaTimestamp:     Doc{"type": "number"},
	}
	for name, doc := range cfg.Meta {
		metaProps[name] = doc
	}

	props := Doc{
		"type": Doc{"const": cfg.Type},
		"meta": Doc{
			"type":                 "object",
			"properties":           metaProps,
			"additionalProperties": false,
		},
	}
	required := []any{"type", "meta"}

	if cfg.Payload != nil {
		props["payload"] = normalizeObjectDoc(cfg.Payload)
		required = append(required, "payload")
	}

	return Doc{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// normalizeObjectDoc forces strict object semantics onto object fragments
// that did not state additionalProperties themselves.
func normalizeObjectDoc(doc Doc) Doc {
	if doc["type"] == "object" {
		if _, set := doc["additionalProperties"]; !set {
			out := make(Doc, len(doc)+1)
			for k, v := range doc {
				out[k] = v
			}
			out["additionalProperties"] = false
			return out
		}
	}
	return doc
}

// compile registers the document under a synthetic resource name. The name
// must not contain '#': the compiler would read it as an anchor reference
// into the document.
func compile(name string, doc Doc) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// roundTrip normalizes arbitrary Go values (structs, typed maps) into the
// generic JSON document form the validator understands.
func roundTrip(value any) (any, error) {
	switch value.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return value, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func issuesFrom(err error) []Issue {
	var verr *jsonschema.ValidationError
	if !asValidationError(err, &verr) {
		return []Issue{{Path: "", Message: err.Error()}}
	}

	var issues []Issue
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			issues = append(issues, Issue{
				Path:    pointer(v.InstanceLocation),
				Message: v.Error(),
			})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(verr)
	return issues
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	v, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = v
	}
	return ok
}

func pointer(segments []string) string {
	out := ""
	for _, s := range segments {
		out += "/" + s
	}
	return out
}

// Object is a convenience builder for strict object payload fragments.
//
//	schema.Object(schema.Props{"roomId": schema.String()}, "roomId")
func Object(props map[string]Doc, required ...string) Doc {
	reqs := make([]any, len(required))
	for i, r := range required {
		reqs[i] = r
	}
	p := make(Doc, len(props))
	for k, v := range props {
		p[k] = v
	}
	return Doc{
		"type":                 "object",
		"properties":           p,
		"required":             reqs,
		"additionalProperties": false,
	}
}

// Props is the property map accepted by Object.
type Props = map[string]Doc

// String returns a string fragment.
func String() Doc { return Doc{"type": "string"} }

// Number returns a number fragment.
func Number() Doc { return Doc{"type": "number"} }

// Integer returns an integer fragment.
func Integer() Doc { return Doc{"type": "integer"} }

// Boolean returns a boolean fragment.
func Boolean() Doc { return Doc{"type": "boolean"} }

// Array returns an array fragment with the given item shape.
func Array(items Doc) Doc { return Doc{"type": "array", "items": items} }
