package wsrouter

import "github.com/adred-codev/wsrouter/schema"

// entryKind discriminates event handlers from RPC handlers at registration
// time, so the context capabilities are statically known.
type entryKind int

const (
	kindEvent entryKind = iota
	kindRPC
)

// Handler processes a validated event message.
type Handler func(ctx *Context) error

// RPCHandler processes a validated RPC request and may reply once.
type RPCHandler func(ctx *RPCContext) error

// Middleware wraps handler dispatch. Not calling next aborts the chain and
// the message is treated as handled.
type Middleware func(ctx *Context, next func() error) error

// entry is one registered message type.
type entry struct {
	kind       entryKind
	schema     *schema.Schema
	handler    Handler
	rpcHandler RPCHandler
	middleware []Middleware
}

// registry maps message type -> entry. Exactly one entry per type; later
// registration overwrites silently.
type registry struct {
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) register(e *entry) {
	r.entries[e.schema.Type()] = e
}

func (r *registry) lookup(typ string) (*entry, bool) {
	e, ok := r.entries[typ]
	return e, ok
}

func (r *registry) iterate(fn func(typ string, e *entry)) {
	for typ, e := range r.entries {
		fn(typ, e)
	}
}
